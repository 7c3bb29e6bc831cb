package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/fleetd/internal/apperr"
	"github.com/flowmesh/fleetd/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testDecl() model.StreamDecl {
	d := model.Defaults()
	d.Source = "rtsp://camera-1.local/stream"
	d.LocationLabel = "dock-3"
	return d
}

func TestCreateAndGetStream(t *testing.T) {
	s := openTestStore(t)

	created, err := s.CreateStream(testDecl())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, model.StatusInactive, created.ConnectionStatus)
	assert.False(t, created.IsActive)

	got, err := s.GetStream(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Source, got.Source)
	assert.Equal(t, created.LocationLabel, got.LocationLabel)
}

func TestGetStream_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetStream("missing")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestListStreams_FilterByActive(t *testing.T) {
	s := openTestStore(t)

	a, err := s.CreateStream(testDecl())
	require.NoError(t, err)
	b, err := s.CreateStream(testDecl())
	require.NoError(t, err)

	_, err = s.SetActive(a.ID, true)
	require.NoError(t, err)

	active := true
	onlyActive, err := s.ListStreams(&active)
	require.NoError(t, err)
	require.Len(t, onlyActive, 1)
	assert.Equal(t, a.ID, onlyActive[0].ID)

	all, err := s.ListStreams(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	_ = b
}

func TestUpdateStream(t *testing.T) {
	s := openTestStore(t)
	created, err := s.CreateStream(testDecl())
	require.NoError(t, err)

	decl := testDecl()
	decl.TiltDeg = 12.5
	decl.ArrowScale = 2

	updated, err := s.UpdateStream(created.ID, decl)
	require.NoError(t, err)
	assert.Equal(t, 12.5, updated.TiltDeg)
	assert.Equal(t, 2.0, updated.ArrowScale)
}

func TestSetRuntimeFacts_DuplicateHandleConflict(t *testing.T) {
	s := openTestStore(t)
	a, err := s.CreateStream(testDecl())
	require.NoError(t, err)
	b, err := s.CreateStream(testDecl())
	require.NoError(t, err)

	require.NoError(t, s.SetRuntimeFacts(a.ID, "worker-a", nil, "", model.StatusStarting))

	err = s.SetRuntimeFacts(b.ID, "worker-a", nil, "", model.StatusStarting)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
}

func TestDeleteStream_BlockedWhileActive(t *testing.T) {
	s := openTestStore(t)
	created, err := s.CreateStream(testDecl())
	require.NoError(t, err)

	_, err = s.SetActive(created.ID, true)
	require.NoError(t, err)

	err = s.DeleteStream(created.ID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))

	_, err = s.SetActive(created.ID, false)
	require.NoError(t, err)

	require.NoError(t, s.DeleteStream(created.ID))
	_, err = s.GetStream(created.ID)
	assert.True(t, apperr.Is(err, apperr.NotFound))
}

func TestSettingsRoundTrip(t *testing.T) {
	s := openTestStore(t)

	defaults, err := s.GetSettings()
	require.NoError(t, err)
	assert.Equal(t, 10.0, defaults.LivePreviewFPS)

	updated, err := s.UpdateSettings(model.SettingsUpdate{
		LivePreviewFPS:         5,
		LivePreviewJPEGQuality: 80,
		LivePreviewMaxWidth:    1280,
		OrientationOffsetDeg:   15,
	})
	require.NoError(t, err)
	assert.Equal(t, 5.0, updated.LivePreviewFPS)
	assert.Equal(t, 1280, updated.LivePreviewMaxWidth)
}

func TestAlertEventsAndGroups(t *testing.T) {
	s := openTestStore(t)

	_, err := s.InsertAlertEvent(model.AlertEvent{
		Receiver: "default", AlertName: "StreamDown", AlertStatus: "firing",
		Severity: "critical", Identifier: "fp-1", Fingerprint: "fp-1",
	})
	require.NoError(t, err)

	groups, err := s.ListAlertGroups("")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "firing", groups[0].EffectiveState)

	_, err = s.UpsertAlertGroupState("fp-1", true)
	require.NoError(t, err)

	groups, err = s.ListAlertGroups("")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "resolved", groups[0].EffectiveState)

	_, err = s.InsertAlertEvent(model.AlertEvent{
		Receiver: "default", AlertName: "StreamDown", AlertStatus: "firing",
		Severity: "critical", Identifier: "fp-1", Fingerprint: "fp-1",
	})
	require.NoError(t, err)

	groups, err = s.ListAlertGroups("")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 2, groups[0].EventCount)
	assert.Equal(t, "firing", groups[0].EffectiveState, "a new event must reopen a resolved group")
}
