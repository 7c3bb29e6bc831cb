package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/flowmesh/fleetd/internal/apperr"
	"github.com/flowmesh/fleetd/internal/model"
)

const streamColumns = `id, source, latitude, longitude, orientation_deg, view_angle_deg, view_distance_m,
	tilt_deg, mount_height_m, location_label, grid_size_px, window_radius_px, magnitude_threshold,
	arrow_scale, arrow_opacity_pct, gradient_intensity, ruler_opacity_pct, show_raw_feed, show_arrows,
	show_magnitude, show_trails, show_perspective_ruler, is_active, worker_handle, worker_started_at,
	last_error, connection_status, created_at`

// CreateStream validates decl and inserts it as a new stream, generating
// its ID and defaulting runtime facts to inactive/unknown.
func (s *Store) CreateStream(decl model.StreamDecl) (model.Stream, error) {
	if err := decl.Validate(); err != nil {
		return model.Stream{}, err
	}
	st := model.Stream{
		ID:                   uuid.NewString(),
		Source:               decl.Source,
		Latitude:             decl.Latitude,
		Longitude:            decl.Longitude,
		OrientationDeg:       decl.OrientationDeg,
		ViewAngleDeg:         decl.ViewAngleDeg,
		ViewDistanceM:        decl.ViewDistanceM,
		TiltDeg:              decl.TiltDeg,
		MountHeightM:         decl.MountHeightM,
		LocationLabel:        decl.LocationLabel,
		GridSizePx:           decl.GridSizePx,
		WindowRadiusPx:       decl.WindowRadiusPx,
		MagnitudeThreshold:   decl.MagnitudeThreshold,
		ArrowScale:           decl.ArrowScale,
		ArrowOpacityPct:      decl.ArrowOpacityPct,
		GradientIntensity:    decl.GradientIntensity,
		RulerOpacityPct:      decl.RulerOpacityPct,
		ShowRawFeed:          decl.ShowRawFeed,
		ShowArrows:           decl.ShowArrows,
		ShowMagnitude:        decl.ShowMagnitude,
		ShowTrails:           decl.ShowTrails,
		ShowPerspectiveRuler: decl.ShowPerspectiveRuler,
		IsActive:             false,
		ConnectionStatus:     model.StatusInactive,
		CreatedAt:            time.Now().UTC(),
	}

	_, err := s.db.Exec(`INSERT INTO streams (`+streamColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.Source, st.Latitude, st.Longitude, st.OrientationDeg, st.ViewAngleDeg, st.ViewDistanceM,
		st.TiltDeg, st.MountHeightM, st.LocationLabel, st.GridSizePx, st.WindowRadiusPx, st.MagnitudeThreshold,
		st.ArrowScale, st.ArrowOpacityPct, st.GradientIntensity, st.RulerOpacityPct, boolToInt(st.ShowRawFeed),
		boolToInt(st.ShowArrows), boolToInt(st.ShowMagnitude), boolToInt(st.ShowTrails), boolToInt(st.ShowPerspectiveRuler),
		boolToInt(st.IsActive), nullString(st.WorkerHandle), nil, st.LastError, string(st.ConnectionStatus),
		formatTime(st.CreatedAt),
	)
	if err != nil {
		return model.Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	return st, nil
}

// GetStream fetches one stream by ID.
func (s *Store) GetStream(id string) (model.Stream, error) {
	row := s.db.QueryRow(`SELECT `+streamColumns+` FROM streams WHERE id = ?`, id)
	st, err := scanStream(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Stream{}, apperr.New(apperr.NotFound, "stream not found: "+id)
	}
	if err != nil {
		return model.Stream{}, fmt.Errorf("get stream: %w", err)
	}
	return st, nil
}

// ListStreams returns all streams ordered by creation time. If
// activeOnly is non-nil, results are filtered to that activation state.
func (s *Store) ListStreams(activeOnly *bool) ([]model.Stream, error) {
	query := `SELECT ` + streamColumns + ` FROM streams`
	var args []any
	if activeOnly != nil {
		query += ` WHERE is_active = ?`
		args = append(args, boolToInt(*activeOnly))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []model.Stream
	for rows.Next() {
		st, err := scanStream(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpdateStream replaces the declared (non-runtime) fields of a stream,
// returning the updated row. The stream must already exist and decl must
// pass Validate.
func (s *Store) UpdateStream(id string, decl model.StreamDecl) (model.Stream, error) {
	if err := decl.Validate(); err != nil {
		return model.Stream{}, err
	}
	res, err := s.db.Exec(`UPDATE streams SET
		source = ?, latitude = ?, longitude = ?, orientation_deg = ?, view_angle_deg = ?, view_distance_m = ?,
		tilt_deg = ?, mount_height_m = ?, location_label = ?, grid_size_px = ?, window_radius_px = ?,
		magnitude_threshold = ?, arrow_scale = ?, arrow_opacity_pct = ?, gradient_intensity = ?,
		ruler_opacity_pct = ?, show_raw_feed = ?, show_arrows = ?, show_magnitude = ?, show_trails = ?,
		show_perspective_ruler = ?, is_active = ?
		WHERE id = ?`,
		decl.Source, decl.Latitude, decl.Longitude, decl.OrientationDeg, decl.ViewAngleDeg, decl.ViewDistanceM,
		decl.TiltDeg, decl.MountHeightM, decl.LocationLabel, decl.GridSizePx, decl.WindowRadiusPx,
		decl.MagnitudeThreshold, decl.ArrowScale, decl.ArrowOpacityPct, decl.GradientIntensity,
		decl.RulerOpacityPct, boolToInt(decl.ShowRawFeed), boolToInt(decl.ShowArrows), boolToInt(decl.ShowMagnitude),
		boolToInt(decl.ShowTrails), boolToInt(decl.ShowPerspectiveRuler), boolToInt(decl.IsActive), id,
	)
	if err != nil {
		return model.Stream{}, fmt.Errorf("update stream: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Stream{}, apperr.New(apperr.NotFound, "stream not found: "+id)
	}
	return s.GetStream(id)
}

// SetActive flips the desired-activation flag for a stream.
func (s *Store) SetActive(id string, active bool) (model.Stream, error) {
	res, err := s.db.Exec(`UPDATE streams SET is_active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return model.Stream{}, fmt.Errorf("set active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Stream{}, apperr.New(apperr.NotFound, "stream not found: "+id)
	}
	return s.GetStream(id)
}

// SetRuntimeFacts updates the Reconciler-owned observed fields for a
// stream, leaving the declared configuration untouched. A duplicate
// workerHandle (one already assigned to a different stream) is reported
// as a Conflict error, surfacing a driver/store naming collision rather
// than silently overwriting the existing owner.
func (s *Store) SetRuntimeFacts(id string, handle string, startedAt *time.Time, lastErr string, status model.ConnectionStatus) error {
	var startedAtStr any
	if startedAt != nil {
		startedAtStr = formatTime(*startedAt)
	}

	res, err := s.db.Exec(`UPDATE streams SET worker_handle = ?, worker_started_at = ?, last_error = ?, connection_status = ?
		WHERE id = ?`,
		nullString(handle), startedAtStr, lastErr, string(status), id,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return apperr.New(apperr.Conflict, "worker_handle already in use: "+handle)
		}
		return fmt.Errorf("set runtime facts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.NotFound, "stream not found: "+id)
	}
	return nil
}

// DeleteStream removes a stream. Deleting an active stream (one with a
// live worker handle) is rejected as a Conflict; callers must deactivate
// first so the Reconciler has a chance to tear down the worker.
func (s *Store) DeleteStream(id string) error {
	st, err := s.GetStream(id)
	if err != nil {
		return err
	}
	if st.IsActive || st.WorkerHandle != "" {
		return apperr.New(apperr.Conflict, "stream must be deactivated before deletion: "+id)
	}
	if _, err := s.db.Exec(`DELETE FROM streams WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStream(row scanner) (model.Stream, error) {
	var st model.Stream
	var lat, lng sql.NullFloat64
	var workerHandle, workerStartedAt sql.NullString
	var isActive, showRawFeed, showArrows, showMagnitude, showTrails, showPerspectiveRuler int
	var createdAt, connectionStatus string

	err := row.Scan(
		&st.ID, &st.Source, &lat, &lng, &st.OrientationDeg, &st.ViewAngleDeg, &st.ViewDistanceM,
		&st.TiltDeg, &st.MountHeightM, &st.LocationLabel, &st.GridSizePx, &st.WindowRadiusPx, &st.MagnitudeThreshold,
		&st.ArrowScale, &st.ArrowOpacityPct, &st.GradientIntensity, &st.RulerOpacityPct, &showRawFeed,
		&showArrows, &showMagnitude, &showTrails, &showPerspectiveRuler, &isActive, &workerHandle, &workerStartedAt,
		&st.LastError, &connectionStatus, &createdAt,
	)
	if err != nil {
		return model.Stream{}, err
	}

	if lat.Valid {
		v := lat.Float64
		st.Latitude = &v
	}
	if lng.Valid {
		v := lng.Float64
		st.Longitude = &v
	}
	st.ShowRawFeed = showRawFeed != 0
	st.ShowArrows = showArrows != 0
	st.ShowMagnitude = showMagnitude != 0
	st.ShowTrails = showTrails != 0
	st.ShowPerspectiveRuler = showPerspectiveRuler != 0
	st.IsActive = isActive != 0
	st.WorkerHandle = workerHandle.String
	st.WorkerStartedAt = parseTimePtr(workerStartedAt)
	st.ConnectionStatus = model.ConnectionStatus(connectionStatus)
	st.CreatedAt = parseTime(createdAt)
	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
