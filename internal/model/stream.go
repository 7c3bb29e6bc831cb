// Package model defines the core entities persisted by the Store:
// streams, system settings, alert events, and alert group state.
package model

import "time"

// ConnectionStatus is the Reconciler's view of a stream's runtime health.
type ConnectionStatus string

const (
	StatusConnected  ConnectionStatus = "connected"
	StatusInactive   ConnectionStatus = "inactive"
	StatusStarting   ConnectionStatus = "starting"
	StatusWorkerDown ConnectionStatus = "worker_down"
	StatusError      ConnectionStatus = "error"
	StatusUnknown    ConnectionStatus = "unknown"
)

// Stream is the declared configuration of one video source plus the
// runtime facts the Reconciler observes about its worker.
type Stream struct {
	ID     string `json:"id"`
	Source string `json:"source"`

	// Geometry
	Latitude       *float64 `json:"latitude,omitempty"`
	Longitude      *float64 `json:"longitude,omitempty"`
	OrientationDeg float64  `json:"orientation_deg"`
	ViewAngleDeg   float64  `json:"view_angle_deg"`
	ViewDistanceM  float64  `json:"view_distance_m"`
	TiltDeg        float64  `json:"tilt_deg"`
	MountHeightM   float64  `json:"mount_height_m"`
	LocationLabel  string   `json:"location_label"`

	// Processing tuning
	GridSizePx     int     `json:"grid_size_px"`
	WindowRadiusPx int     `json:"window_radius_px"`
	MagnitudeThreshold float64 `json:"magnitude_threshold"`

	// Rendering tuning
	ArrowScale          float64 `json:"arrow_scale"`
	ArrowOpacityPct     float64 `json:"arrow_opacity_pct"`
	GradientIntensity   float64 `json:"gradient_intensity"`
	RulerOpacityPct     float64 `json:"ruler_opacity_pct"`
	ShowRawFeed         bool    `json:"show_raw_feed"`
	ShowArrows          bool    `json:"show_arrows"`
	ShowMagnitude       bool    `json:"show_magnitude"`
	ShowTrails          bool    `json:"show_trails"`
	ShowPerspectiveRuler bool   `json:"show_perspective_ruler"`

	// Desired state
	IsActive bool `json:"is_active"`

	// Observed (runtime) facts, written exclusively by the Reconciler.
	WorkerHandle     string           `json:"worker_handle,omitempty"`
	WorkerStartedAt  *time.Time       `json:"worker_started_at,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
	ConnectionStatus ConnectionStatus `json:"connection_status"`

	CreatedAt time.Time `json:"created_at"`
}

// Bounds for every clamped/validated numeric field, per spec §3.
var (
	LatitudeRange           = Range{-90, 90}
	LongitudeRange          = Range{-180, 180}
	OrientationRange        = Range{0, 360} // half-open [0,360)
	ViewAngleRange          = Range{5, 170}
	ViewDistanceRange       = Range{50, 1000}
	TiltRange               = Range{-45, 89}
	MountHeightRange        = Range{0.5, 120}
	GridSizeRange           = Range{4, 128}
	WindowRadiusRange       = Range{2, 32}
	MagnitudeThresholdRange = Range{0, 100}
)

const MaxLocationLabelLen = 512

// Range is an inclusive [Min, Max] bound used for validation.
type Range struct {
	Min, Max float64
}

// Contains reports whether v falls within the inclusive range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}
