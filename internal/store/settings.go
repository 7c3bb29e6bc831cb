package store

import (
	"fmt"
	"time"

	"github.com/flowmesh/fleetd/internal/model"
)

// GetSettings returns the singleton system settings row.
func (s *Store) GetSettings() (model.Settings, error) {
	row := s.db.QueryRow(`SELECT live_preview_fps, live_preview_jpeg_quality, live_preview_max_width,
		orientation_offset_deg, updated_at FROM settings WHERE id = 1`)

	var st model.Settings
	var updatedAt string
	if err := row.Scan(&st.LivePreviewFPS, &st.LivePreviewJPEGQuality, &st.LivePreviewMaxWidth,
		&st.OrientationOffsetDeg, &updatedAt); err != nil {
		return model.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	st.UpdatedAt = parseTime(updatedAt)
	return st, nil
}

// UpdateSettings overwrites the singleton settings row and returns the
// new value. Validation is the caller's responsibility.
func (s *Store) UpdateSettings(u model.SettingsUpdate) (model.Settings, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE settings SET live_preview_fps = ?, live_preview_jpeg_quality = ?,
		live_preview_max_width = ?, orientation_offset_deg = ?, updated_at = ? WHERE id = 1`,
		u.LivePreviewFPS, u.LivePreviewJPEGQuality, u.LivePreviewMaxWidth, u.OrientationOffsetDeg, formatTime(now),
	)
	if err != nil {
		return model.Settings{}, fmt.Errorf("update settings: %w", err)
	}
	return s.GetSettings()
}
