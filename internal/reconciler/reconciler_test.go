package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/fleetd/internal/clock"
	"github.com/flowmesh/fleetd/internal/config"
	"github.com/flowmesh/fleetd/internal/logging"
	"github.com/flowmesh/fleetd/internal/model"
	"github.com/flowmesh/fleetd/internal/runtime"
)

// fakeClock is a controllable clock.Clock for deterministic staleness and
// grace-period tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

// fakeDriver implements runtime.Driver for Reconciler tests.
type fakeDriver struct {
	mu         sync.Mutex
	startCalls int
	stopCalls  int
	startErr   error
	inspectErr error
	tailOutput string
	handles    map[string]runtime.Status
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{handles: make(map[string]runtime.Status)}
}

func (f *fakeDriver) Start(_ context.Context, spec runtime.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return "", f.startErr
	}
	handle := "worker-" + spec.StreamID
	f.handles[handle] = runtime.Status{Handle: handle, State: runtime.StateRunning}
	return handle, nil
}

func (f *fakeDriver) Stop(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	delete(f.handles, handle)
	return nil
}

func (f *fakeDriver) Inspect(_ context.Context, handle string) (runtime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return runtime.Status{}, f.inspectErr
	}
	if st, ok := f.handles[handle]; ok {
		return st, nil
	}
	return runtime.Status{Handle: handle, State: runtime.StateStopped}, nil
}

func (f *fakeDriver) Tail(_ context.Context, handle string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tailOutput, nil
}

func (f *fakeDriver) setState(handle string, state runtime.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[handle] = state
}

// fakeStore implements the Store interface with an in-memory map.
type fakeStore struct {
	mu       sync.Mutex
	streams  map[string]model.Stream
	settings model.Settings
}

func newFakeStore() *fakeStore {
	return &fakeStore{streams: make(map[string]model.Stream), settings: model.DefaultSettings()}
}

func (s *fakeStore) put(st model.Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[st.ID] = st
}

func (s *fakeStore) GetStream(id string) (model.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return model.Stream{}, assert.AnError
	}
	return st, nil
}

func (s *fakeStore) ListStreams(activeOnly *bool) ([]model.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Stream
	for _, st := range s.streams {
		if activeOnly == nil || st.IsActive == *activeOnly {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *fakeStore) SetActive(id string, active bool) (model.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[id]
	st.IsActive = active
	s.streams[id] = st
	return st, nil
}

func (s *fakeStore) SetRuntimeFacts(id string, handle string, startedAt *time.Time, lastErr string, status model.ConnectionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.streams[id]
	st.WorkerHandle = handle
	st.WorkerStartedAt = startedAt
	st.LastError = lastErr
	st.ConnectionStatus = status
	s.streams[id] = st
	return nil
}

func (s *fakeStore) GetSettings() (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings, nil
}

func newTestReconciler(st *fakeStore, drv *fakeDriver) *Reconciler {
	cfg := config.Load()
	cfg.MaxRestartsPerMin = 2
	log := logging.New(false)
	return New(st, drv, cfg, log, clock.Real{})
}

func newTestReconcilerWithClock(st *fakeStore, drv *fakeDriver, clk clock.Clock) *Reconciler {
	cfg := config.Load()
	cfg.MaxRestartsPerMin = 2
	cfg.StaleFrameThreshold = 15 * time.Second
	cfg.StartGracePeriod = 30 * time.Second
	log := logging.New(false)
	return New(st, drv, cfg, log, clk)
}

func TestActivateIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.put(model.Stream{ID: "s1", Source: "rtsp://cam", ConnectionStatus: model.StatusInactive})
	drv := newFakeDriver()
	r := newTestReconciler(st, drv)

	_, err := r.Activate(context.Background(), "s1")
	require.NoError(t, err)
	_, err = r.Activate(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, 1, drv.startCalls, "activating an already-active stream must not start a second worker")
}

func TestDeactivateStopsWorker(t *testing.T) {
	st := newFakeStore()
	st.put(model.Stream{ID: "s1", Source: "rtsp://cam"})
	drv := newFakeDriver()
	r := newTestReconciler(st, drv)

	_, err := r.Activate(context.Background(), "s1")
	require.NoError(t, err)
	_, err = r.Deactivate(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, 1, drv.stopCalls)
	got, _ := st.GetStream("s1")
	assert.False(t, got.IsActive)
	assert.Equal(t, model.StatusInactive, got.ConnectionStatus)
}

func TestApplyConfigChangeRestartsOnlyWhenFingerprintChanges(t *testing.T) {
	st := newFakeStore()
	st.put(model.Stream{ID: "s1", Source: "rtsp://cam", GridSizePx: 16})
	drv := newFakeDriver()
	r := newTestReconciler(st, drv)

	_, err := r.Activate(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, drv.startCalls)

	// No change: ApplyConfigChange must not restart.
	_, err = r.ApplyConfigChange(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, drv.startCalls)

	// Mutate the stream directly (simulating an API-driven update) and reapply.
	updated, _ := st.GetStream("s1")
	updated.GridSizePx = 32
	st.put(updated)

	_, err = r.ApplyConfigChange(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, drv.startCalls, "a changed fingerprint must trigger a restart")
}

func TestApplyConfigChangeRespectsRestartRateLimit(t *testing.T) {
	st := newFakeStore()
	st.put(model.Stream{ID: "s1", Source: "rtsp://cam", GridSizePx: 16})
	drv := newFakeDriver()
	r := newTestReconciler(st, drv)

	_, err := r.Activate(context.Background(), "s1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		updated, _ := st.GetStream("s1")
		updated.GridSizePx = 16 + i + 1
		st.put(updated)
		_, err = r.ApplyConfigChange(context.Background(), "s1")
		require.NoError(t, err)
	}

	// cap is 2 restarts/min; the initial Activate doesn't count against it,
	// so at most 2 of the 5 config changes should have restarted the worker.
	assert.LessOrEqual(t, drv.startCalls, 3)
}

func TestMarkFrameReceivedPromotesToConnected(t *testing.T) {
	st := newFakeStore()
	st.put(model.Stream{ID: "s1", Source: "rtsp://cam"})
	drv := newFakeDriver()
	r := newTestReconciler(st, drv)

	_, err := r.Activate(context.Background(), "s1")
	require.NoError(t, err)

	r.MarkFrameReceived("s1")

	got, _ := st.GetStream("s1")
	assert.Equal(t, model.StatusConnected, got.ConnectionStatus)
}

func TestRefreshOneStaysConnectedWithinStaleThreshold(t *testing.T) {
	now := time.Now()
	clk := newFakeClock(now)
	st := newFakeStore()
	st.put(model.Stream{ID: "s1", Source: "rtsp://cam"})
	drv := newFakeDriver()
	r := newTestReconcilerWithClock(st, drv, clk)

	_, err := r.Activate(context.Background(), "s1")
	require.NoError(t, err)

	r.MarkFrameReceived("s1")
	clk.Advance(5 * time.Second)
	got, _ := st.GetStream("s1")
	r.refreshOne(context.Background(), got)

	got, _ = st.GetStream("s1")
	assert.Equal(t, model.StatusConnected, got.ConnectionStatus)
}

func TestRefreshOneMarksStartingWithinGracePeriod(t *testing.T) {
	now := time.Now()
	clk := newFakeClock(now)
	st := newFakeStore()
	st.put(model.Stream{ID: "s1", Source: "rtsp://cam"})
	drv := newFakeDriver()
	r := newTestReconcilerWithClock(st, drv, clk)

	_, err := r.Activate(context.Background(), "s1")
	require.NoError(t, err)

	// No frame has arrived yet, but we're still inside the start grace period.
	clk.Advance(10 * time.Second)
	got, _ := st.GetStream("s1")
	r.refreshOne(context.Background(), got)

	got, _ = st.GetStream("s1")
	assert.Equal(t, model.StatusStarting, got.ConnectionStatus)
}

func TestRefreshOneMarksWorkerDownAfterGracePeriodWithNoFrame(t *testing.T) {
	now := time.Now()
	clk := newFakeClock(now)
	st := newFakeStore()
	st.put(model.Stream{ID: "s1", Source: "rtsp://cam"})
	drv := newFakeDriver()
	r := newTestReconcilerWithClock(st, drv, clk)

	_, err := r.Activate(context.Background(), "s1")
	require.NoError(t, err)

	clk.Advance(31 * time.Second)
	got, _ := st.GetStream("s1")
	r.refreshOne(context.Background(), got)

	got, _ = st.GetStream("s1")
	assert.Equal(t, model.StatusWorkerDown, got.ConnectionStatus)
}

func TestRefreshOneDemotesFromConnectedOnceFrameGoesStale(t *testing.T) {
	now := time.Now()
	clk := newFakeClock(now)
	st := newFakeStore()
	st.put(model.Stream{ID: "s1", Source: "rtsp://cam"})
	drv := newFakeDriver()
	r := newTestReconcilerWithClock(st, drv, clk)

	_, err := r.Activate(context.Background(), "s1")
	require.NoError(t, err)
	r.MarkFrameReceived("s1")

	// Well past both the stale threshold and the start grace period.
	clk.Advance(time.Minute)
	got, _ := st.GetStream("s1")
	r.refreshOne(context.Background(), got)

	got, _ = st.GetStream("s1")
	assert.Equal(t, model.StatusWorkerDown, got.ConnectionStatus)
}

func TestRefreshOneMarksErrorOnExitedWorkerWithLogTail(t *testing.T) {
	clk := newFakeClock(time.Now())
	st := newFakeStore()
	st.put(model.Stream{ID: "s1", Source: "rtsp://cam"})
	drv := newFakeDriver()
	r := newTestReconcilerWithClock(st, drv, clk)

	_, err := r.Activate(context.Background(), "s1")
	require.NoError(t, err)

	got, _ := st.GetStream("s1")
	drv.tailOutput = "panic: decode error"
	drv.setState(got.WorkerHandle, runtime.Status{Handle: got.WorkerHandle, State: runtime.StateFailed, Message: "exit code 1"})
	r.refreshOne(context.Background(), got)

	got, _ = st.GetStream("s1")
	assert.Equal(t, model.StatusError, got.ConnectionStatus)
	assert.Equal(t, "panic: decode error", got.LastError)
}

func TestRefreshOneMarksErrorWhenHandleVanishes(t *testing.T) {
	clk := newFakeClock(time.Now())
	st := newFakeStore()
	st.put(model.Stream{ID: "s1", Source: "rtsp://cam"})
	drv := newFakeDriver()
	r := newTestReconcilerWithClock(st, drv, clk)

	_, err := r.Activate(context.Background(), "s1")
	require.NoError(t, err)

	drv.inspectErr = assert.AnError
	got, _ := st.GetStream("s1")
	r.refreshOne(context.Background(), got)

	got, _ = st.GetStream("s1")
	assert.Equal(t, model.StatusError, got.ConnectionStatus)
	assert.Equal(t, "worker vanished", got.LastError)
}
