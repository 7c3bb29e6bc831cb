package api

import (
	"encoding/json"
	"net/http"

	"github.com/flowmesh/fleetd/internal/model"
)

func (s *Server) getSettings(w http.ResponseWriter, _ *http.Request) {
	settings, err := s.deps.Settings.Get()
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var u model.SettingsUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	settings, failures, err := s.deps.Settings.Update(r.Context(), u)
	if err != nil {
		writeErr(w, err)
		return
	}
	if len(failures) == 0 {
		writeJSON(w, http.StatusOK, settings)
		return
	}

	restartErrors := make(map[string]string, len(failures))
	for streamID, ferr := range failures {
		restartErrors[streamID] = ferr.Error()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"settings":       settings,
		"restart_errors": restartErrors,
	})
}
