package model

import (
	"fmt"
	"time"

	"github.com/flowmesh/fleetd/internal/apperr"
)

// Settings is the singleton SystemSettings row (id = 1).
type Settings struct {
	LivePreviewFPS         float64   `json:"live_preview_fps"`
	LivePreviewJPEGQuality int       `json:"live_preview_jpeg_quality"`
	LivePreviewMaxWidth    int       `json:"live_preview_max_width"`
	OrientationOffsetDeg   float64   `json:"orientation_offset_deg"`
	UpdatedAt              time.Time `json:"updated_at"`
}

var (
	FPSRange         = Range{0.5, 30}
	JPEGQualityRange = Range{30, 95}
	OffsetRange      = Range{-360, 360}
)

// DefaultSettings returns the bootstrap values for the singleton settings row.
func DefaultSettings() Settings {
	return Settings{
		LivePreviewFPS:         10,
		LivePreviewJPEGQuality: 75,
		LivePreviewMaxWidth:    0,
		OrientationOffsetDeg:   0,
	}
}

// SettingsUpdate is the caller-supplied PUT /settings/system body.
type SettingsUpdate struct {
	LivePreviewFPS         float64 `json:"live_preview_fps"`
	LivePreviewJPEGQuality int     `json:"live_preview_jpeg_quality"`
	LivePreviewMaxWidth    int     `json:"live_preview_max_width"`
	OrientationOffsetDeg   float64 `json:"orientation_offset_deg"`
	RestartWorkers         bool    `json:"restart_workers"`
}

// Validate rejects out-of-range settings values.
func (u *SettingsUpdate) Validate() error {
	if !FPSRange.Contains(u.LivePreviewFPS) {
		return apperr.New(apperr.Validation, fmt.Sprintf("live_preview_fps must be in [%v,%v]", FPSRange.Min, FPSRange.Max))
	}
	if !JPEGQualityRange.Contains(float64(u.LivePreviewJPEGQuality)) {
		return apperr.New(apperr.Validation, fmt.Sprintf("live_preview_jpeg_quality must be in [%v,%v]", JPEGQualityRange.Min, JPEGQualityRange.Max))
	}
	if u.LivePreviewMaxWidth < 0 {
		return apperr.New(apperr.Validation, "live_preview_max_width must be >= 0")
	}
	if !OffsetRange.Contains(u.OrientationOffsetDeg) {
		return apperr.New(apperr.Validation, fmt.Sprintf("orientation_offset_deg must be in [%v,%v]", OffsetRange.Min, OffsetRange.Max))
	}
	return nil
}
