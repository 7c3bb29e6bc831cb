// Package api implements fleetd's Control API: the HTTP surface operators
// and the dashboard use to declare streams, drive their lifecycle, tune
// live-preview settings, and receive alert webhooks. Routing follows the
// method+pattern http.ServeMux style; handlers are split across files by
// resource, mirroring how the control plane this is descended from lays
// out its own web package.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowmesh/fleetd/internal/hub"
	"github.com/flowmesh/fleetd/internal/logging"
	"github.com/flowmesh/fleetd/internal/model"
)

// Streams is the subset of store.Store the API needs for stream CRUD.
type Streams interface {
	CreateStream(decl model.StreamDecl) (model.Stream, error)
	GetStream(id string) (model.Stream, error)
	ListStreams(activeOnly *bool) ([]model.Stream, error)
	UpdateStream(id string, decl model.StreamDecl) (model.Stream, error)
	DeleteStream(id string) error
}

// Lifecycle is the subset of reconciler.Reconciler the API drives stream
// activation/deactivation/config-apply through.
type Lifecycle interface {
	Activate(ctx context.Context, streamID string) (model.Stream, error)
	Deactivate(ctx context.Context, streamID string) (model.Stream, error)
	ApplyConfigChange(ctx context.Context, streamID string) (model.Stream, error)
}

// WorkerLogs tails the runtime driver's log output for a stream's worker.
type WorkerLogs interface {
	Tail(ctx context.Context, handle string, lines int) (string, error)
}

// Settings is the subset of settings.Manager the API exposes.
type Settings interface {
	Get() (model.Settings, error)
	Update(ctx context.Context, u model.SettingsUpdate) (model.Settings, map[string]error, error)
}

// Alerts is the subset of store.Store the API needs for alert ingest/read.
type Alerts interface {
	InsertAlertEvent(ev model.AlertEvent) (model.AlertEvent, error)
	ListAlertEvents(receiver string, limit int) ([]model.AlertEvent, error)
	ListAlertGroups(receiver string) ([]model.AlertGroup, error)
	ListAlertGroupStates() ([]model.AlertGroupState, error)
	UpsertAlertGroupState(identifier string, resolved bool) (model.AlertGroupState, error)
}

// FrameHub is the subset of hub.Hub the WebSocket handler subscribes
// through.
type FrameHub interface {
	Subscribe(filter string) (<-chan hub.Message, func())
}

// Dependencies defines what the Control API needs from the rest of the
// application.
type Dependencies struct {
	Streams    Streams
	Lifecycle  Lifecycle
	WorkerLogs WorkerLogs
	Settings   Settings
	Alerts     Alerts
	Hub        FrameHub
	Log        *logging.Logger
}

// Server is the Control API HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
}

// NewServer builds a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{deps: deps, mux: http.NewServeMux()}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the frame WebSocket is long-lived
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control api listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	s.mux.HandleFunc("POST /streams", s.createStream)
	s.mux.HandleFunc("GET /streams", s.listStreams)
	s.mux.HandleFunc("GET /streams/{id}", s.getStream)
	s.mux.HandleFunc("PUT /streams/{id}", s.updateStream)
	s.mux.HandleFunc("DELETE /streams/{id}", s.deleteStream)
	s.mux.HandleFunc("POST /streams/{id}/activate", s.activateStream)
	s.mux.HandleFunc("POST /streams/{id}/deactivate", s.deactivateStream)
	s.mux.HandleFunc("GET /streams/{id}/worker-logs", s.workerLogs)

	s.mux.HandleFunc("GET /settings/system", s.getSettings)
	s.mux.HandleFunc("PUT /settings/system", s.updateSettings)

	s.mux.HandleFunc("POST /alerts/webhook", s.alertsWebhook)
	s.mux.HandleFunc("GET /alerts", s.listAlerts)
	s.mux.HandleFunc("GET /alerts/groups", s.listAlertGroups)
	s.mux.HandleFunc("GET /alerts/group-states", s.listAlertGroupStates)
	s.mux.HandleFunc("POST /alerts/group-states", s.setAlertGroupState)

	s.mux.HandleFunc("GET /ws/frames", s.streamFrames)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) logger() *slog.Logger {
	return s.deps.Log.Logger
}
