// Package store provides transactional persistence for streams, the
// singleton system settings, alert events, and alert group state. It is
// backed by SQLite (database/sql + mattn/go-sqlite3) so that the
// AlertEvent table's required secondary-index reads (received_at desc,
// alert_name, fingerprint) and the uniqueness constraint on worker_handle
// are expressed directly in the schema rather than hand-rolled.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps a SQLite database for fleetd persistence.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path, applying the
// schema idempotently with CREATE TABLE/INDEX IF NOT EXISTS and seeding
// the default settings row when it is absent. Columns missing from a
// table created by an older schema version are not added.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows only one writer at a time; the control plane is
	// single-writer by design (spec non-goal: horizontal scaling), so a
	// single shared connection avoids SQLITE_BUSY under concurrent readers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

const schemaStreams = `
CREATE TABLE IF NOT EXISTS streams (
	id                     TEXT PRIMARY KEY,
	source                 TEXT NOT NULL,
	latitude               REAL,
	longitude              REAL,
	orientation_deg        REAL NOT NULL,
	view_angle_deg         REAL NOT NULL,
	view_distance_m        REAL NOT NULL,
	tilt_deg               REAL NOT NULL,
	mount_height_m         REAL NOT NULL,
	location_label         TEXT NOT NULL DEFAULT '',
	grid_size_px           INTEGER NOT NULL,
	window_radius_px       INTEGER NOT NULL,
	magnitude_threshold    REAL NOT NULL,
	arrow_scale            REAL NOT NULL,
	arrow_opacity_pct      REAL NOT NULL,
	gradient_intensity     REAL NOT NULL,
	ruler_opacity_pct      REAL NOT NULL,
	show_raw_feed          INTEGER NOT NULL,
	show_arrows            INTEGER NOT NULL,
	show_magnitude         INTEGER NOT NULL,
	show_trails            INTEGER NOT NULL,
	show_perspective_ruler INTEGER NOT NULL,
	is_active              INTEGER NOT NULL,
	worker_handle          TEXT UNIQUE,
	worker_started_at      TEXT,
	last_error             TEXT NOT NULL DEFAULT '',
	connection_status      TEXT NOT NULL DEFAULT 'unknown',
	created_at             TEXT NOT NULL
);`

const schemaSettings = `
CREATE TABLE IF NOT EXISTS settings (
	id                        INTEGER PRIMARY KEY CHECK (id = 1),
	live_preview_fps          REAL NOT NULL,
	live_preview_jpeg_quality INTEGER NOT NULL,
	live_preview_max_width    INTEGER NOT NULL,
	orientation_offset_deg    REAL NOT NULL,
	updated_at                TEXT NOT NULL
);`

const schemaAlertEvents = `
CREATE TABLE IF NOT EXISTS alert_events (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	receiver            TEXT NOT NULL DEFAULT '',
	group_key           TEXT NOT NULL DEFAULT '',
	notification_status TEXT NOT NULL DEFAULT '',
	alert_status        TEXT NOT NULL DEFAULT '',
	alert_name          TEXT NOT NULL DEFAULT '',
	alert_uid           TEXT NOT NULL DEFAULT '',
	severity            TEXT NOT NULL DEFAULT '',
	stream_name         TEXT NOT NULL DEFAULT '',
	fingerprint         TEXT NOT NULL DEFAULT '',
	identifier          TEXT NOT NULL DEFAULT '',
	summary             TEXT NOT NULL DEFAULT '',
	description         TEXT NOT NULL DEFAULT '',
	starts_at           TEXT,
	ends_at             TEXT,
	raw_payload         TEXT NOT NULL DEFAULT '',
	labels_json         TEXT NOT NULL DEFAULT '{}',
	annotations_json    TEXT NOT NULL DEFAULT '{}',
	values_json         TEXT NOT NULL DEFAULT '{}',
	received_at         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_alert_events_received_at ON alert_events (received_at DESC);
CREATE INDEX IF NOT EXISTS idx_alert_events_alert_name ON alert_events (alert_name);
CREATE INDEX IF NOT EXISTS idx_alert_events_fingerprint ON alert_events (fingerprint);
CREATE INDEX IF NOT EXISTS idx_alert_events_identifier ON alert_events (identifier);`

const schemaAlertGroupStates = `
CREATE TABLE IF NOT EXISTS alert_group_states (
	identifier  TEXT PRIMARY KEY,
	resolved    INTEGER NOT NULL DEFAULT 0,
	resolved_at TEXT,
	updated_at  TEXT NOT NULL
);`

// migrate applies the schema, creating tables/indexes that don't yet
// exist. Column backfills for a future schema bump would be added here as
// ALTER TABLE statements guarded by a PRAGMA table_info(...) lookup.
func (s *Store) migrate() error {
	for _, stmt := range []string{schemaStreams, schemaSettings, schemaAlertEvents, schemaAlertGroupStates} {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM settings WHERE id = 1`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		_, err := s.db.Exec(
			`INSERT INTO settings (id, live_preview_fps, live_preview_jpeg_quality, live_preview_max_width, orientation_offset_deg, updated_at)
			 VALUES (1, ?, ?, ?, ?, ?)`,
			10.0, 75, 0, 0.0, time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("seed default settings: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
