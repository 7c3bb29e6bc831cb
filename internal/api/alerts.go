package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/flowmesh/fleetd/internal/alerts"
	"github.com/flowmesh/fleetd/internal/metrics"
	"github.com/flowmesh/fleetd/internal/model"
)

func (s *Server) alertsWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	events, err := alerts.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored := make([]model.AlertEvent, 0, len(events))
	for _, ev := range events {
		saved, err := s.deps.Alerts.InsertAlertEvent(ev)
		if err != nil {
			s.logger().Warn("failed to store alert event", "identifier", ev.Identifier, "error", err)
			continue
		}
		metrics.AlertsReceivedTotal.WithLabelValues(saved.Severity).Inc()
		stored = append(stored, saved)
	}

	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": len(stored)})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	receiver := r.URL.Query().Get("receiver")
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := s.deps.Alerts.ListAlertEvents(receiver, limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	if events == nil {
		events = []model.AlertEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) listAlertGroups(w http.ResponseWriter, r *http.Request) {
	receiver := r.URL.Query().Get("receiver")
	groups, err := s.deps.Alerts.ListAlertGroups(receiver)
	if err != nil {
		writeErr(w, err)
		return
	}
	if groups == nil {
		groups = []model.AlertGroup{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (s *Server) listAlertGroupStates(w http.ResponseWriter, r *http.Request) {
	states, err := s.deps.Alerts.ListAlertGroupStates()
	if err != nil {
		writeErr(w, err)
		return
	}
	if states == nil {
		states = []model.AlertGroupState{}
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) setAlertGroupState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Identifier string `json:"identifier"`
		Resolved   bool   `json:"resolved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if body.Identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}

	state, err := s.deps.Alerts.UpsertAlertGroupState(body.Identifier, body.Resolved)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}
