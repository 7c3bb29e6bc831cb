package broker

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowmesh/fleetd/internal/config"
	"github.com/flowmesh/fleetd/internal/logging"
	"github.com/flowmesh/fleetd/internal/model"
)

func TestStreamIDFromTopic(t *testing.T) {
	cases := []struct {
		topic   string
		wantID  string
		wantOK  bool
	}{
		{"frames/stream-1", "stream-1", true},
		{"frames/", "", false},
		{"frames/stream-1/extra", "", false},
		{"other/topic", "", false},
	}
	for _, c := range cases {
		id, ok := streamIDFromTopic(c.topic)
		assert.Equal(t, c.wantOK, ok, c.topic)
		assert.Equal(t, c.wantID, id, c.topic)
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	max := 10 * time.Second
	cur := 500 * time.Millisecond

	cur = nextBackoff(cur, max)
	assert.Equal(t, time.Second, cur)
	cur = nextBackoff(cur, max)
	assert.Equal(t, 2*time.Second, cur)
	cur = nextBackoff(cur, max)
	assert.Equal(t, 4*time.Second, cur)
	cur = nextBackoff(cur, max)
	assert.Equal(t, 8*time.Second, cur)
	cur = nextBackoff(cur, max)
	assert.Equal(t, max, cur, "backoff must cap at the configured maximum")
}

type fakeDispatcher struct {
	calls []string
}

func (f *fakeDispatcher) Dispatch(streamID string, payload []byte) {
	f.calls = append(f.calls, streamID)
}

type fakeObserver struct {
	marked []string
}

func (f *fakeObserver) MarkFrameReceived(streamID string) {
	f.marked = append(f.marked, streamID)
}

type fakeSettings struct {
	settings model.Settings
}

func (f *fakeSettings) GetSettings() (model.Settings, error) {
	return f.settings, nil
}

func TestOnMessageThrottlesPerStream(t *testing.T) {
	cfg := config.Load()
	log := logging.New(false)
	d := &fakeDispatcher{}
	o := &fakeObserver{}
	s := &fakeSettings{settings: model.Settings{LivePreviewFPS: 1}}

	b := New(cfg, log, d, o, s)

	msg := &fakeMessage{topic: "frames/s1", payload: []byte(`{"ts":1,"w":640,"h":480,"fps":10}`)}
	b.onMessage(nil, msg)
	b.onMessage(nil, msg) // immediate second frame must be dropped at 1 FPS

	assert.Len(t, d.calls, 1)
	assert.Len(t, o.marked, 1)
}

func TestOnMessageDropsMalformedPayload(t *testing.T) {
	cfg := config.Load()
	log := logging.New(false)
	d := &fakeDispatcher{}
	o := &fakeObserver{}
	s := &fakeSettings{settings: model.Settings{LivePreviewFPS: 10}}

	b := New(cfg, log, d, o, s)

	msg := &fakeMessage{topic: "frames/s1", payload: []byte("not json")}
	b.onMessage(nil, msg)

	assert.Empty(t, d.calls)
	assert.Empty(t, o.marked)
}

func TestDecodeFrameStampsTypeAndStreamID(t *testing.T) {
	raw := []byte(`{"stream_id":"ignored","ts":1700000000,"w":640,"h":480,"fps":8.5,
		"vector_count":120,"avg_magnitude":1.2,"max_magnitude":9.9,
		"direction_degrees":180,"direction_coherence":0.5,"frame_b64":"aGVsbG8="}`)

	out, err := decodeFrame("s1", raw)
	assert.NoError(t, err)

	var fm model.FrameMessage
	assert.NoError(t, json.Unmarshal(out, &fm))
	assert.Equal(t, "frame", fm.Type)
	assert.Equal(t, "s1", fm.StreamID, "stream id must come from the topic, not the payload")
	assert.Equal(t, 640, fm.Width)
	assert.Equal(t, 0.5, fm.DirectionCoherence)
}

// fakeMessage implements mqtt.Message for onMessage unit tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}
