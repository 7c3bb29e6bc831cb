package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/flowmesh/fleetd/internal/metrics"
	"github.com/flowmesh/fleetd/internal/model"
)

// streamRequest is the caller-supplied body for POST/PUT /streams. Tuning
// and rendering fields are pointers so a PUT can leave unset fields at
// their current persisted value rather than resetting them to zero.
type streamRequest struct {
	Source *string `json:"source"`

	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	OrientationDeg *float64 `json:"orientation_deg"`
	ViewAngleDeg   *float64 `json:"view_angle_deg"`
	ViewDistanceM  *float64 `json:"view_distance_m"`
	TiltDeg        *float64 `json:"tilt_deg"`
	MountHeightM   *float64 `json:"mount_height_m"`
	LocationLabel  *string  `json:"location_label"`

	GridSizePx         *int     `json:"grid_size_px"`
	WindowRadiusPx     *int     `json:"window_radius_px"`
	MagnitudeThreshold *float64 `json:"magnitude_threshold"`

	ArrowScale           *float64 `json:"arrow_scale"`
	ArrowOpacityPct      *float64 `json:"arrow_opacity_pct"`
	GradientIntensity    *float64 `json:"gradient_intensity"`
	RulerOpacityPct      *float64 `json:"ruler_opacity_pct"`
	ShowRawFeed          *bool    `json:"show_raw_feed"`
	ShowArrows           *bool    `json:"show_arrows"`
	ShowMagnitude        *bool    `json:"show_magnitude"`
	ShowTrails           *bool    `json:"show_trails"`
	ShowPerspectiveRuler *bool    `json:"show_perspective_ruler"`
}

// applyTo merges the request onto a base declaration (model.Defaults()
// for create, the existing stream's declared fields for update),
// overriding only the fields the caller actually sent.
func (req streamRequest) applyTo(base model.StreamDecl) model.StreamDecl {
	if req.Source != nil {
		base.Source = *req.Source
	}
	base.Latitude = orDefault(req.Latitude, base.Latitude)
	base.Longitude = orDefault(req.Longitude, base.Longitude)
	if req.OrientationDeg != nil {
		base.OrientationDeg = *req.OrientationDeg
	}
	if req.ViewAngleDeg != nil {
		base.ViewAngleDeg = *req.ViewAngleDeg
	}
	if req.ViewDistanceM != nil {
		base.ViewDistanceM = *req.ViewDistanceM
	}
	if req.TiltDeg != nil {
		base.TiltDeg = *req.TiltDeg
	}
	if req.MountHeightM != nil {
		base.MountHeightM = *req.MountHeightM
	}
	if req.LocationLabel != nil {
		base.LocationLabel = *req.LocationLabel
	}
	if req.GridSizePx != nil {
		base.GridSizePx = *req.GridSizePx
	}
	if req.WindowRadiusPx != nil {
		base.WindowRadiusPx = *req.WindowRadiusPx
	}
	if req.MagnitudeThreshold != nil {
		base.MagnitudeThreshold = *req.MagnitudeThreshold
	}
	if req.ArrowScale != nil {
		base.ArrowScale = *req.ArrowScale
	}
	if req.ArrowOpacityPct != nil {
		base.ArrowOpacityPct = *req.ArrowOpacityPct
	}
	if req.GradientIntensity != nil {
		base.GradientIntensity = *req.GradientIntensity
	}
	if req.RulerOpacityPct != nil {
		base.RulerOpacityPct = *req.RulerOpacityPct
	}
	if req.ShowRawFeed != nil {
		base.ShowRawFeed = *req.ShowRawFeed
	}
	if req.ShowArrows != nil {
		base.ShowArrows = *req.ShowArrows
	}
	if req.ShowMagnitude != nil {
		base.ShowMagnitude = *req.ShowMagnitude
	}
	if req.ShowTrails != nil {
		base.ShowTrails = *req.ShowTrails
	}
	if req.ShowPerspectiveRuler != nil {
		base.ShowPerspectiveRuler = *req.ShowPerspectiveRuler
	}
	return base
}

func orDefault(v, cur *float64) *float64 {
	if v != nil {
		return v
	}
	return cur
}

func (s *Server) createStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	decl := req.applyTo(model.Defaults())
	st, err := s.deps.Streams.CreateStream(decl)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) listStreams(w http.ResponseWriter, r *http.Request) {
	var activeOnly *bool
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "active must be true or false")
			return
		}
		activeOnly = &b
	}

	streams, err := s.deps.Streams.ListStreams(activeOnly)
	if err != nil {
		writeErr(w, err)
		return
	}
	if streams == nil {
		streams = []model.Stream{}
	}
	writeJSON(w, http.StatusOK, streams)
}

func (s *Server) getStream(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Streams.GetStream(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) updateStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := s.deps.Streams.GetStream(id)
	if err != nil {
		writeErr(w, err)
		return
	}

	var req streamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	base := model.StreamDecl{
		Source:               existing.Source,
		Latitude:             existing.Latitude,
		Longitude:            existing.Longitude,
		OrientationDeg:       existing.OrientationDeg,
		ViewAngleDeg:         existing.ViewAngleDeg,
		ViewDistanceM:        existing.ViewDistanceM,
		TiltDeg:              existing.TiltDeg,
		MountHeightM:         existing.MountHeightM,
		LocationLabel:        existing.LocationLabel,
		GridSizePx:           existing.GridSizePx,
		WindowRadiusPx:       existing.WindowRadiusPx,
		MagnitudeThreshold:   existing.MagnitudeThreshold,
		ArrowScale:           existing.ArrowScale,
		ArrowOpacityPct:      existing.ArrowOpacityPct,
		GradientIntensity:    existing.GradientIntensity,
		RulerOpacityPct:      existing.RulerOpacityPct,
		ShowRawFeed:          existing.ShowRawFeed,
		ShowArrows:           existing.ShowArrows,
		ShowMagnitude:        existing.ShowMagnitude,
		ShowTrails:           existing.ShowTrails,
		ShowPerspectiveRuler: existing.ShowPerspectiveRuler,
		IsActive:             existing.IsActive,
	}

	decl := req.applyTo(base)
	st, err := s.deps.Streams.UpdateStream(id, decl)
	if err != nil {
		writeErr(w, err)
		return
	}

	// A live worker doesn't pick up a config edit on its own; let the
	// Reconciler decide (via its fingerprint cache) whether a restart is
	// actually needed.
	if st.IsActive {
		if st, err = s.deps.Lifecycle.ApplyConfigChange(r.Context(), id); err != nil {
			s.logger().Warn("apply config change after update failed", "stream_id", id, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, st)
}

func (s *Server) deleteStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Streams.DeleteStream(id); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) activateStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.deps.Lifecycle.Activate(r.Context(), id)
	if err != nil {
		metrics.WorkerStartsTotal.WithLabelValues("rejected").Inc()
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) deactivateStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.deps.Lifecycle.Deactivate(r.Context(), id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) workerLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, err := s.deps.Streams.GetStream(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	if st.WorkerHandle == "" {
		writeError(w, http.StatusNotFound, "stream has no running worker")
		return
	}

	tail := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		tail = n
	}

	resp := map[string]any{
		"worker_status":         st.ConnectionStatus,
		"worker_container_name": st.WorkerHandle,
		"logs":                  []string{},
		"error":                 "",
	}

	raw, err := s.deps.WorkerLogs.Tail(r.Context(), st.WorkerHandle, tail)
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp["logs"] = splitLogLines(raw)
	writeJSON(w, http.StatusOK, resp)
}

// splitLogLines turns a driver's newline-delimited log tail into the
// array shape the worker-logs endpoint documents, dropping the trailing
// blank entry a terminating newline would otherwise produce.
func splitLogLines(raw string) []string {
	if raw == "" {
		return []string{}
	}
	lines := strings.Split(raw, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}
