// Package fingerprint computes a stable hash over the worker-observable
// subset of a stream's fields plus the global settings snapshot a worker
// consumes. Two streams (or the same stream before/after a config edit)
// with an identical fingerprint are indistinguishable to the worker, so
// the Reconciler uses it to decide whether a restart is needed.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/flowmesh/fleetd/internal/model"
)

// observable is the canonical, field-ordered projection hashed into the
// fingerprint. Using a dedicated struct (rather than hashing model.Stream
// directly) keeps the fingerprint stable across additions of fields the
// worker never reads (e.g. audit timestamps, last_error).
type observable struct {
	Source string `json:"source"`

	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	OrientationDeg float64  `json:"orientation_deg"`
	ViewAngleDeg   float64  `json:"view_angle_deg"`
	ViewDistanceM  float64  `json:"view_distance_m"`
	TiltDeg        float64  `json:"tilt_deg"`
	MountHeightM   float64  `json:"mount_height_m"`

	GridSizePx         int     `json:"grid_size_px"`
	WindowRadiusPx     int     `json:"window_radius_px"`
	MagnitudeThreshold float64 `json:"magnitude_threshold"`

	ArrowScale           float64 `json:"arrow_scale"`
	ArrowOpacityPct      float64 `json:"arrow_opacity_pct"`
	GradientIntensity    float64 `json:"gradient_intensity"`
	RulerOpacityPct      float64 `json:"ruler_opacity_pct"`
	ShowRawFeed          bool    `json:"show_raw_feed"`
	ShowArrows           bool    `json:"show_arrows"`
	ShowMagnitude        bool    `json:"show_magnitude"`
	ShowTrails           bool    `json:"show_trails"`
	ShowPerspectiveRuler bool    `json:"show_perspective_ruler"`

	// Global settings consumed by the worker (throttling parameters).
	LivePreviewFPS         float64 `json:"live_preview_fps"`
	LivePreviewJPEGQuality int     `json:"live_preview_jpeg_quality"`
	LivePreviewMaxWidth    int     `json:"live_preview_max_width"`
}

// Of computes the config fingerprint for a stream under a given settings
// snapshot. The result is a hex-encoded SHA-256 digest of the canonical
// JSON encoding (Go's encoding/json sorts struct fields in declaration
// order and map keys lexicographically, so two calls with equal inputs
// always produce the same bytes).
func Of(s model.Stream, settings model.Settings) string {
	obs := observable{
		Source:                 s.Source,
		Latitude:               s.Latitude,
		Longitude:              s.Longitude,
		OrientationDeg:         s.OrientationDeg,
		ViewAngleDeg:           s.ViewAngleDeg,
		ViewDistanceM:          s.ViewDistanceM,
		TiltDeg:                s.TiltDeg,
		MountHeightM:           s.MountHeightM,
		GridSizePx:             s.GridSizePx,
		WindowRadiusPx:         s.WindowRadiusPx,
		MagnitudeThreshold:     s.MagnitudeThreshold,
		ArrowScale:             s.ArrowScale,
		ArrowOpacityPct:        s.ArrowOpacityPct,
		GradientIntensity:      s.GradientIntensity,
		RulerOpacityPct:        s.RulerOpacityPct,
		ShowRawFeed:            s.ShowRawFeed,
		ShowArrows:             s.ShowArrows,
		ShowMagnitude:          s.ShowMagnitude,
		ShowTrails:             s.ShowTrails,
		ShowPerspectiveRuler:   s.ShowPerspectiveRuler,
		LivePreviewFPS:         settings.LivePreviewFPS,
		LivePreviewJPEGQuality: settings.LivePreviewJPEGQuality,
		LivePreviewMaxWidth:    settings.LivePreviewMaxWidth,
	}

	// json.Marshal never fails for this struct (no channels/funcs/cycles).
	data, _ := json.Marshal(obs)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
