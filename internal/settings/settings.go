// Package settings manages the singleton system settings row and, on
// request, cascades a restart to every active stream's worker so the
// change takes effect without waiting for the next individual config
// edit to trigger one.
package settings

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowmesh/fleetd/internal/model"
)

// Store is the subset of store.Store the Settings Manager depends on.
type Store interface {
	GetSettings() (model.Settings, error)
	UpdateSettings(u model.SettingsUpdate) (model.Settings, error)
	ListStreams(activeOnly *bool) ([]model.Stream, error)
}

// Reconciler is the subset of reconciler.Reconciler the Settings Manager
// depends on to cascade a restart.
type Reconciler interface {
	ApplyConfigChange(ctx context.Context, streamID string) (model.Stream, error)
}

// Manager serializes reads/writes of the singleton settings row.
type Manager struct {
	mu    sync.RWMutex
	store Store
	rec   Reconciler
}

// New builds a Manager.
func New(store Store, rec Reconciler) *Manager {
	return &Manager{store: store, rec: rec}
}

// Get returns the current settings.
func (m *Manager) Get() (model.Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.GetSettings()
}

// Update validates and persists a settings change. If u.RestartWorkers is
// set, every currently active stream's worker is restarted afterward on
// a best-effort basis: a failure restarting one stream does not roll
// back the settings change or block restarting the others, since the
// new settings are already correct and most workers should still pick
// them up. Failures are returned aggregated, keyed by stream ID.
func (m *Manager) Update(ctx context.Context, u model.SettingsUpdate) (model.Settings, map[string]error, error) {
	if err := u.Validate(); err != nil {
		return model.Settings{}, nil, err
	}

	m.mu.Lock()
	updated, err := m.store.UpdateSettings(u)
	m.mu.Unlock()
	if err != nil {
		return model.Settings{}, nil, err
	}

	if !u.RestartWorkers {
		return updated, nil, nil
	}

	active := true
	streams, err := m.store.ListStreams(&active)
	if err != nil {
		return updated, nil, fmt.Errorf("list active streams for restart cascade: %w", err)
	}

	failures := make(map[string]error)
	for _, st := range streams {
		if _, err := m.rec.ApplyConfigChange(ctx, st.ID); err != nil {
			failures[st.ID] = err
		}
	}
	if len(failures) == 0 {
		return updated, nil, nil
	}
	return updated, failures, nil
}
