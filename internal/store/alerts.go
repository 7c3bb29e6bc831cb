package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/flowmesh/fleetd/internal/model"
)

const alertEventColumns = `id, receiver, group_key, notification_status, alert_status, alert_name, alert_uid,
	severity, stream_name, fingerprint, identifier, summary, description, starts_at, ends_at, raw_payload,
	labels_json, annotations_json, values_json, received_at`

// InsertAlertEvent appends one alert event. AlertEvent is append-only:
// there is no update/delete path, matching the webhook's delivery model.
func (s *Store) InsertAlertEvent(ev model.AlertEvent) (model.AlertEvent, error) {
	ev.ReceivedAt = time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO alert_events (receiver, group_key, notification_status, alert_status,
		alert_name, alert_uid, severity, stream_name, fingerprint, identifier, summary, description, starts_at,
		ends_at, raw_payload, labels_json, annotations_json, values_json, received_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ev.Receiver, ev.GroupKey, ev.NotificationStatus, ev.AlertStatus, ev.AlertName, ev.AlertUID, ev.Severity,
		ev.StreamName, ev.Fingerprint, ev.Identifier, ev.Summary, ev.Description, nullTime(ev.StartsAt),
		nullTime(ev.EndsAt), ev.RawPayload, ev.LabelsJSON, ev.AnnotationsJSON, ev.ValuesJSON, formatTime(ev.ReceivedAt),
	)
	if err != nil {
		return model.AlertEvent{}, fmt.Errorf("insert alert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.AlertEvent{}, fmt.Errorf("insert alert event: %w", err)
	}
	ev.ID = id
	return ev, nil
}

// ListAlertEvents returns raw alert events, optionally filtered to a
// single receiver, newest first.
func (s *Store) ListAlertEvents(receiver string, limit int) ([]model.AlertEvent, error) {
	query := `SELECT ` + alertEventColumns + ` FROM alert_events`
	var args []any
	if receiver != "" {
		query += ` WHERE receiver = ?`
		args = append(args, receiver)
	}
	query += ` ORDER BY received_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert events: %w", err)
	}
	defer rows.Close()

	var out []model.AlertEvent
	for rows.Next() {
		ev, err := scanAlertEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alert event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanAlertEvent(row scanner) (model.AlertEvent, error) {
	var ev model.AlertEvent
	var startsAt, endsAt sql.NullString
	var receivedAt string

	err := row.Scan(&ev.ID, &ev.Receiver, &ev.GroupKey, &ev.NotificationStatus, &ev.AlertStatus, &ev.AlertName,
		&ev.AlertUID, &ev.Severity, &ev.StreamName, &ev.Fingerprint, &ev.Identifier, &ev.Summary, &ev.Description,
		&startsAt, &endsAt, &ev.RawPayload, &ev.LabelsJSON, &ev.AnnotationsJSON, &ev.ValuesJSON, &receivedAt,
	)
	if err != nil {
		return model.AlertEvent{}, err
	}
	if startsAt.Valid {
		ev.StartsAt = parseTime(startsAt.String)
	}
	if endsAt.Valid {
		ev.EndsAt = parseTime(endsAt.String)
	}
	ev.ReceivedAt = parseTime(receivedAt)
	return ev, nil
}

// UpsertAlertGroupState records a manual resolve/reopen override for an
// alert group.
func (s *Store) UpsertAlertGroupState(identifier string, resolved bool) (model.AlertGroupState, error) {
	now := time.Now().UTC()
	var resolvedAt any
	if resolved {
		resolvedAt = formatTime(now)
	}
	_, err := s.db.Exec(`INSERT INTO alert_group_states (identifier, resolved, resolved_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET resolved = excluded.resolved, resolved_at = excluded.resolved_at,
			updated_at = excluded.updated_at`,
		identifier, boolToInt(resolved), resolvedAt, formatTime(now),
	)
	if err != nil {
		return model.AlertGroupState{}, fmt.Errorf("upsert alert group state: %w", err)
	}
	return model.AlertGroupState{Identifier: identifier, Resolved: resolved, UpdatedAt: now}, nil
}

// ListAlertGroupStates returns the raw manual-override records, newest
// update first. Unlike ListAlertGroups this does not join against
// alert_events; it is the operator-facing view of resolve/reopen actions
// themselves, not the derived per-group status.
func (s *Store) ListAlertGroupStates() ([]model.AlertGroupState, error) {
	rows, err := s.db.Query(`SELECT identifier, resolved, resolved_at, updated_at FROM alert_group_states
		ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list alert group states: %w", err)
	}
	defer rows.Close()

	var out []model.AlertGroupState
	for rows.Next() {
		var st model.AlertGroupState
		var resolved int64
		var resolvedAt sql.NullString
		var updatedAt string
		if err := rows.Scan(&st.Identifier, &resolved, &resolvedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan alert group state: %w", err)
		}
		st.Resolved = resolved != 0
		if resolvedAt.Valid {
			t := parseTime(resolvedAt.String)
			st.ResolvedAt = &t
		}
		st.UpdatedAt = parseTime(updatedAt)
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListAlertGroups returns the derived, latest-event-per-identifier view,
// with EffectiveState honoring a manual resolve override until a new
// event supersedes it (a later event's status always wins, per the
// group's resolve-override rule).
func (s *Store) ListAlertGroups(receiver string) ([]model.AlertGroup, error) {
	query := `
		SELECT ae.identifier, ae.alert_status, ae.severity, ae.alert_name, ae.stream_name, ae.received_at,
			(SELECT COUNT(*) FROM alert_events c WHERE c.identifier = ae.identifier) AS event_count,
			gs.resolved, gs.updated_at AS gs_updated_at
		FROM alert_events ae
		INNER JOIN (
			SELECT identifier, MAX(received_at) AS max_at FROM alert_events GROUP BY identifier
		) latest ON ae.identifier = latest.identifier AND ae.received_at = latest.max_at
		LEFT JOIN alert_group_states gs ON gs.identifier = ae.identifier`
	var args []any
	if receiver != "" {
		query += ` WHERE ae.receiver = ?`
		args = append(args, receiver)
	}
	query += ` ORDER BY ae.received_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list alert groups: %w", err)
	}
	defer rows.Close()

	var out []model.AlertGroup
	for rows.Next() {
		var g model.AlertGroup
		var receivedAt string
		var resolved sql.NullInt64
		var gsUpdatedAt sql.NullString
		if err := rows.Scan(&g.Identifier, &g.LatestStatus, &g.LatestSeverity, &g.AlertName, &g.StreamName,
			&receivedAt, &g.EventCount, &resolved, &gsUpdatedAt); err != nil {
			return nil, fmt.Errorf("scan alert group: %w", err)
		}
		g.LastReceivedAt = parseTime(receivedAt)

		// A manual override only wins while it postdates the latest event;
		// a fresh event after a resolve reopens the group.
		g.EffectiveState = g.LatestStatus
		if resolved.Valid && resolved.Int64 != 0 && gsUpdatedAt.Valid {
			if !parseTime(gsUpdatedAt.String).Before(g.LastReceivedAt) {
				g.EffectiveState = "resolved"
			}
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
