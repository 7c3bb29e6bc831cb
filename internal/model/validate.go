package model

import (
	"fmt"
	"strings"

	"github.com/flowmesh/fleetd/internal/apperr"
)

// StreamDecl is the caller-supplied declaration for Create/Update. It
// carries the same fields as Stream minus identity and runtime facts.
type StreamDecl struct {
	Source string

	Latitude       *float64
	Longitude      *float64
	OrientationDeg float64
	ViewAngleDeg   float64
	ViewDistanceM  float64
	TiltDeg        float64
	MountHeightM   float64
	LocationLabel  string

	GridSizePx         int
	WindowRadiusPx     int
	MagnitudeThreshold float64

	ArrowScale           float64
	ArrowOpacityPct      float64
	GradientIntensity    float64
	RulerOpacityPct      float64
	ShowRawFeed          bool
	ShowArrows           bool
	ShowMagnitude        bool
	ShowTrails           bool
	ShowPerspectiveRuler bool

	IsActive bool
}

// Validate rejects out-of-range fields with a Validation error (spec's
// invariant choice is reject, not clamp). The Store calls it from
// CreateStream and UpdateStream. Unset fields are filled in earlier by the
// Control API, which merges each request onto Defaults() or the stored
// stream, so zero fields here are validated as given.
func (d *StreamDecl) Validate() error {
	if strings.TrimSpace(d.Source) == "" {
		return apperr.New(apperr.Validation, "source is required")
	}
	if len(d.LocationLabel) > MaxLocationLabelLen {
		return apperr.New(apperr.Validation, fmt.Sprintf("location_label exceeds %d characters", MaxLocationLabelLen))
	}
	if d.Latitude != nil && !LatitudeRange.Contains(*d.Latitude) {
		return rangeErr("latitude", LatitudeRange)
	}
	if d.Longitude != nil && !LongitudeRange.Contains(*d.Longitude) {
		return rangeErr("longitude", LongitudeRange)
	}
	if d.OrientationDeg < 0 || d.OrientationDeg >= 360 {
		return apperr.New(apperr.Validation, "orientation_deg must be in [0,360)")
	}
	if !ViewAngleRange.Contains(d.ViewAngleDeg) {
		return rangeErr("view_angle_deg", ViewAngleRange)
	}
	if !ViewDistanceRange.Contains(d.ViewDistanceM) {
		return rangeErr("view_distance_m", ViewDistanceRange)
	}
	if !TiltRange.Contains(d.TiltDeg) {
		return rangeErr("tilt_deg", TiltRange)
	}
	if !MountHeightRange.Contains(d.MountHeightM) {
		return rangeErr("mount_height_m", MountHeightRange)
	}
	if !GridSizeRange.Contains(float64(d.GridSizePx)) {
		return rangeErr("grid_size_px", GridSizeRange)
	}
	if !WindowRadiusRange.Contains(float64(d.WindowRadiusPx)) {
		return rangeErr("window_radius_px", WindowRadiusRange)
	}
	if !MagnitudeThresholdRange.Contains(d.MagnitudeThreshold) {
		return rangeErr("magnitude_threshold", MagnitudeThresholdRange)
	}
	return nil
}

func rangeErr(field string, r Range) error {
	return apperr.New(apperr.Validation, fmt.Sprintf("%s must be in [%v,%v]", field, r.Min, r.Max))
}

// Defaults returns a StreamDecl with every tuning/rendering field set to
// its mid-range or conventional default, used to backfill a partial
// declaration before validation and insert.
func Defaults() StreamDecl {
	return StreamDecl{
		OrientationDeg:       0,
		ViewAngleDeg:         60,
		ViewDistanceM:        200,
		TiltDeg:              0,
		MountHeightM:         5,
		GridSizePx:           16,
		WindowRadiusPx:       8,
		MagnitudeThreshold:   5,
		ArrowScale:           1,
		ArrowOpacityPct:      100,
		GradientIntensity:    1,
		RulerOpacityPct:      60,
		ShowRawFeed:          true,
		ShowArrows:           true,
		ShowMagnitude:        false,
		ShowTrails:           false,
		ShowPerspectiveRuler: false,
	}
}
