// Package reconciler drives stream workers towards their desired state:
// starting a worker when a stream is activated, stopping it when
// deactivated, restarting it when its configuration changes in a way the
// worker can't pick up live, and keeping Store.ConnectionStatus in sync
// with what the runtime driver actually observes.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh/fleetd/internal/clock"
	"github.com/flowmesh/fleetd/internal/config"
	"github.com/flowmesh/fleetd/internal/fingerprint"
	"github.com/flowmesh/fleetd/internal/logging"
	"github.com/flowmesh/fleetd/internal/metrics"
	"github.com/flowmesh/fleetd/internal/model"
	"github.com/flowmesh/fleetd/internal/runtime"
	"github.com/flowmesh/fleetd/internal/store"
)

// Store is the subset of store.Store the Reconciler depends on.
type Store interface {
	GetStream(id string) (model.Stream, error)
	ListStreams(activeOnly *bool) ([]model.Stream, error)
	SetActive(id string, active bool) (model.Stream, error)
	SetRuntimeFacts(id string, handle string, startedAt *time.Time, lastErr string, status model.ConnectionStatus) error
	GetSettings() (model.Settings, error)
}

var _ Store = (*store.Store)(nil)

// Reconciler owns the lifecycle transitions of stream workers.
type Reconciler struct {
	store  Store
	driver runtime.Driver
	cfg    *config.Config
	log    *logging.Logger
	clock  clock.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	fpMu         sync.Mutex
	fingerprints map[string]string
	restarts     map[string][]time.Time

	frameMu    sync.Mutex
	lastFrames map[string]time.Time

	resetCh chan struct{}
}

// New builds a Reconciler.
func New(st Store, driver runtime.Driver, cfg *config.Config, log *logging.Logger, clk clock.Clock) *Reconciler {
	return &Reconciler{
		store:        st,
		driver:       driver,
		cfg:          cfg,
		log:          log,
		clock:        clk,
		locks:        make(map[string]*sync.Mutex),
		fingerprints: make(map[string]string),
		restarts:     make(map[string][]time.Time),
		lastFrames:   make(map[string]time.Time),
		resetCh:      make(chan struct{}, 1),
	}
}

// lockFor returns the per-stream serialization lock, creating it on
// first use and retaining it for the stream's lifetime so concurrent
// Activate/Deactivate/ApplyConfigChange calls for the same stream never
// race each other.
func (r *Reconciler) lockFor(streamID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[streamID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[streamID] = l
	}
	return l
}

func buildSpec(st model.Stream, settings model.Settings, workerImage string) runtime.Spec {
	return runtime.Spec{
		StreamID: st.ID,
		Image:    workerImage,
		Env: map[string]string{
			"STREAM_ID":                  st.ID,
			"STREAM_SOURCE":              st.Source,
			"GRID_SIZE_PX":               fmt.Sprintf("%d", st.GridSizePx),
			"WINDOW_RADIUS_PX":           fmt.Sprintf("%d", st.WindowRadiusPx),
			"MAGNITUDE_THRESHOLD":        fmt.Sprintf("%g", st.MagnitudeThreshold),
			"LIVE_PREVIEW_FPS":           fmt.Sprintf("%g", settings.LivePreviewFPS),
			"LIVE_PREVIEW_JPEG_QUALITY":  fmt.Sprintf("%d", settings.LivePreviewJPEGQuality),
			"LIVE_PREVIEW_MAX_WIDTH":     fmt.Sprintf("%d", settings.LivePreviewMaxWidth),
			"MQTT_FRAME_TOPIC":           "frames/" + st.ID,
		},
	}
}

// Activate starts a worker for the stream if one isn't already running.
// Calling Activate on an already-active stream is a no-op, so API
// handlers can call it unconditionally.
func (r *Reconciler) Activate(ctx context.Context, streamID string) (model.Stream, error) {
	lock := r.lockFor(streamID)
	lock.Lock()
	defer lock.Unlock()

	st, err := r.store.GetStream(streamID)
	if err != nil {
		return model.Stream{}, err
	}
	if st.IsActive && st.WorkerHandle != "" {
		return st, nil
	}

	settings, err := r.store.GetSettings()
	if err != nil {
		return model.Stream{}, err
	}

	st, err = r.store.SetActive(streamID, true)
	if err != nil {
		return model.Stream{}, err
	}

	spec := buildSpec(st, settings, r.cfg.WorkerImage)
	handle, err := r.driver.Start(ctx, spec)
	if err != nil {
		metrics.WorkerStartsTotal.WithLabelValues("failure").Inc()
		r.log.Warn("worker start failed", "stream_id", streamID, "error", err)
		_ = r.store.SetRuntimeFacts(streamID, "", nil, err.Error(), model.StatusError)
		return model.Stream{}, err
	}
	metrics.WorkerStartsTotal.WithLabelValues("success").Inc()

	now := r.clock.Now()
	if err := r.store.SetRuntimeFacts(streamID, handle, &now, "", model.StatusStarting); err != nil {
		return model.Stream{}, err
	}
	r.setFingerprint(streamID, fingerprint.Of(st, settings))
	return r.store.GetStream(streamID)
}

// Deactivate stops the stream's worker, if any, and marks it inactive.
// Calling Deactivate on an already-inactive stream is a no-op.
func (r *Reconciler) Deactivate(ctx context.Context, streamID string) (model.Stream, error) {
	lock := r.lockFor(streamID)
	lock.Lock()
	defer lock.Unlock()

	st, err := r.store.GetStream(streamID)
	if err != nil {
		return model.Stream{}, err
	}
	if !st.IsActive && st.WorkerHandle == "" {
		return st, nil
	}

	if st.WorkerHandle != "" {
		if err := r.driver.Stop(ctx, st.WorkerHandle); err != nil {
			r.log.Warn("worker stop failed", "stream_id", streamID, "error", err)
			return model.Stream{}, err
		}
	}

	if _, err := r.store.SetActive(streamID, false); err != nil {
		return model.Stream{}, err
	}
	if err := r.store.SetRuntimeFacts(streamID, "", nil, "", model.StatusInactive); err != nil {
		return model.Stream{}, err
	}
	r.clearFingerprint(streamID)
	return r.store.GetStream(streamID)
}

// ApplyConfigChange recomputes the stream's config fingerprint and, if it
// changed and the stream is active, restarts the worker so it picks up
// the new configuration. Restarts are capped at cfg.MaxRestartsPerMin
// per stream; exceeding the cap leaves the existing worker running and
// records an Error status rather than thrashing the runtime.
func (r *Reconciler) ApplyConfigChange(ctx context.Context, streamID string) (model.Stream, error) {
	lock := r.lockFor(streamID)
	lock.Lock()
	defer lock.Unlock()

	st, err := r.store.GetStream(streamID)
	if err != nil {
		return model.Stream{}, err
	}
	settings, err := r.store.GetSettings()
	if err != nil {
		return model.Stream{}, err
	}

	newFP := fingerprint.Of(st, settings)
	if r.fingerprintOf(streamID) == newFP {
		return st, nil
	}
	if !st.IsActive || st.WorkerHandle == "" {
		r.setFingerprint(streamID, newFP)
		return st, nil
	}

	if !r.allowRestart(streamID) {
		metrics.WorkerRestartsThrottled.Inc()
		r.log.Warn("restart rate limit exceeded, leaving worker running", "stream_id", streamID)
		_ = r.store.SetRuntimeFacts(streamID, st.WorkerHandle, st.WorkerStartedAt, "restart rate limit exceeded", model.StatusError)
		return r.store.GetStream(streamID)
	}

	if err := r.driver.Stop(ctx, st.WorkerHandle); err != nil {
		return model.Stream{}, err
	}
	spec := buildSpec(st, settings, r.cfg.WorkerImage)
	handle, err := r.driver.Start(ctx, spec)
	if err != nil {
		metrics.WorkerStartsTotal.WithLabelValues("failure").Inc()
		r.log.Warn("worker restart failed", "stream_id", streamID, "error", err)
		_ = r.store.SetRuntimeFacts(streamID, "", nil, err.Error(), model.StatusError)
		return model.Stream{}, err
	}
	metrics.WorkerStartsTotal.WithLabelValues("success").Inc()
	metrics.WorkerRestartsTotal.Inc()

	now := r.clock.Now()
	if err := r.store.SetRuntimeFacts(streamID, handle, &now, "", model.StatusStarting); err != nil {
		return model.Stream{}, err
	}
	r.recordRestart(streamID)
	r.setFingerprint(streamID, newFP)
	return r.store.GetStream(streamID)
}

// MarkFrameReceived is called by the Frame Broker on every frame it
// dispatches for a stream, recording the frame's arrival time (consulted
// by refreshOne to detect staleness) and promoting the stream to
// Connected immediately rather than waiting for the next reconcile tick.
// Frames for an inactive stream (arriving after deactivation, in flight
// on the wire) are ignored.
func (r *Reconciler) MarkFrameReceived(streamID string) {
	st, err := r.store.GetStream(streamID)
	if err != nil || !st.IsActive || st.WorkerHandle == "" {
		return
	}
	r.markFrame(streamID, r.clock.Now())

	if st.ConnectionStatus == model.StatusConnected {
		return
	}
	_ = r.store.SetRuntimeFacts(streamID, st.WorkerHandle, st.WorkerStartedAt, "", model.StatusConnected)
}

// Run drives the periodic reconciliation loop: for every active stream,
// it inspects the runtime driver and updates ConnectionStatus to reflect
// whether the worker is still alive. It exits when ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	active := true
	for {
		select {
		case <-r.clock.After(r.cfg.ReconcileInterval()):
			r.refreshAll(ctx, &active)
		case <-r.resetCh:
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return nil
		}
	}
}

// TriggerReconcile restarts the Run loop's wait using the current
// ReconcileInterval, so an interval changed through
// Config.SetReconcileInterval takes effect without waiting out the old
// one. It does not run a reconcile pass itself.
func (r *Reconciler) TriggerReconcile() {
	select {
	case r.resetCh <- struct{}{}:
	default:
	}
}

func (r *Reconciler) refreshAll(ctx context.Context, active *bool) {
	start := r.clock.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(r.clock.Now().Sub(start).Seconds())
	}()

	streams, err := r.store.ListStreams(active)
	if err != nil {
		r.log.Warn("list active streams failed", "error", err)
		return
	}
	for _, st := range streams {
		r.refreshOne(ctx, st)
	}

	all, err := r.store.ListStreams(nil)
	if err != nil {
		r.log.Warn("list all streams for metrics failed", "error", err)
		return
	}
	metrics.StreamsTotal.Set(float64(len(all)))
	byStatus := make(map[model.ConnectionStatus]int)
	activeCount := 0
	for _, st := range all {
		byStatus[st.ConnectionStatus]++
		if st.IsActive {
			activeCount++
		}
	}
	metrics.StreamsActive.Set(float64(activeCount))
	for _, status := range []model.ConnectionStatus{
		model.StatusInactive, model.StatusStarting, model.StatusConnected,
		model.StatusWorkerDown, model.StatusError, model.StatusUnknown,
	} {
		metrics.StreamsByStatus.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}
}

// refreshOne maps the runtime driver's observed state for st's worker onto
// ConnectionStatus: running streams are split into connected/starting/
// worker_down by frame recency and start grace period, a worker found
// exited is an error carrying its log tail, an Inspect failure on an
// active stream is an error with "worker vanished", and any other state
// is unknown.
func (r *Reconciler) refreshOne(ctx context.Context, st model.Stream) {
	if st.WorkerHandle == "" {
		return
	}
	lock := r.lockFor(st.ID)
	lock.Lock()
	defer lock.Unlock()

	status, err := r.driver.Inspect(ctx, st.WorkerHandle)
	if err != nil {
		if st.IsActive {
			r.setStatus(st, model.StatusError, "worker vanished")
		}
		return
	}

	switch status.State {
	case runtime.StateRunning, runtime.StatePending:
		r.refreshRunning(st)
	case runtime.StateFailed, runtime.StateStopped:
		msg := status.Message
		if tail, tailErr := r.driver.Tail(ctx, st.WorkerHandle, 20); tailErr == nil && tail != "" {
			msg = tail
		}
		r.setStatus(st, model.StatusError, msg)
	default:
		r.setStatus(st, model.StatusUnknown, st.LastError)
	}
}

// refreshRunning applies the running-worker portion of the state table:
// connected if a frame arrived within StaleFrameThreshold, starting while
// still inside StartGracePeriod of the worker's start time, worker_down
// once that grace period has elapsed with no recent frame.
func (r *Reconciler) refreshRunning(st model.Stream) {
	now := r.clock.Now()
	if last := r.lastFrameAt(st.ID); !last.IsZero() && now.Sub(last) < r.cfg.StaleFrameThreshold {
		r.setStatus(st, model.StatusConnected, "")
		return
	}

	age := r.cfg.StartGracePeriod
	if st.WorkerStartedAt != nil {
		age = now.Sub(*st.WorkerStartedAt)
	}
	if age < r.cfg.StartGracePeriod {
		r.setStatus(st, model.StatusStarting, "")
		return
	}
	r.setStatus(st, model.StatusWorkerDown, "")
}

// setStatus persists next/msg as st's observed runtime facts if either
// changed, logging and otherwise ignoring a store failure (retried next
// reconcile tick).
func (r *Reconciler) setStatus(st model.Stream, next model.ConnectionStatus, msg string) {
	if next == st.ConnectionStatus && msg == st.LastError {
		return
	}
	if err := r.store.SetRuntimeFacts(st.ID, st.WorkerHandle, st.WorkerStartedAt, msg, next); err != nil {
		r.log.Warn("update connection status failed", "stream_id", st.ID, "error", err)
	}
}

func (r *Reconciler) fingerprintOf(streamID string) string {
	r.fpMu.Lock()
	defer r.fpMu.Unlock()
	return r.fingerprints[streamID]
}

func (r *Reconciler) setFingerprint(streamID, fp string) {
	r.fpMu.Lock()
	defer r.fpMu.Unlock()
	r.fingerprints[streamID] = fp
}

func (r *Reconciler) clearFingerprint(streamID string) {
	r.fpMu.Lock()
	delete(r.fingerprints, streamID)
	delete(r.restarts, streamID)
	r.fpMu.Unlock()

	r.frameMu.Lock()
	delete(r.lastFrames, streamID)
	r.frameMu.Unlock()
}

// markFrame records the wall-clock time a frame was last accepted for a
// stream, consulted by refreshOne to decide staleness.
func (r *Reconciler) markFrame(streamID string, at time.Time) {
	r.frameMu.Lock()
	r.lastFrames[streamID] = at
	r.frameMu.Unlock()
}

// lastFrameAt returns the last time a frame was accepted for a stream, or
// the zero Time if none has been recorded (e.g. since the stream was last
// deactivated).
func (r *Reconciler) lastFrameAt(streamID string) time.Time {
	r.frameMu.Lock()
	defer r.frameMu.Unlock()
	return r.lastFrames[streamID]
}

// allowRestart reports whether another restart is permitted for the
// stream under the configured per-minute cap, pruning timestamps older
// than a minute as it goes.
func (r *Reconciler) allowRestart(streamID string) bool {
	r.fpMu.Lock()
	defer r.fpMu.Unlock()

	cutoff := r.clock.Now().Add(-time.Minute)
	kept := r.restarts[streamID][:0]
	for _, t := range r.restarts[streamID] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.restarts[streamID] = kept
	return len(kept) < r.cfg.MaxRestartsPerMin
}

func (r *Reconciler) recordRestart(streamID string) {
	r.fpMu.Lock()
	defer r.fpMu.Unlock()
	r.restarts[streamID] = append(r.restarts[streamID], r.clock.Now())
}
