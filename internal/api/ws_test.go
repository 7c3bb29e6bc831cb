package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowmesh/fleetd/internal/hub"
	"github.com/flowmesh/fleetd/internal/logging"
	"github.com/flowmesh/fleetd/internal/model"
)

// controllableHub lets a test push an exact Message to whatever
// subscriber the handler under test registers, rather than relying on
// the real Hub's fan-out.
type controllableHub struct {
	ch chan hub.Message
}

func (h *controllableHub) Subscribe(filter string) (<-chan hub.Message, func()) {
	return h.ch, func() {}
}

func TestStreamFrames_SendsJSONTextFrame(t *testing.T) {
	ch := make(chan hub.Message, 1)
	srv := NewServer(Dependencies{
		Streams:    newFakeStreams(),
		Lifecycle:  &fakeLifecycle{},
		WorkerLogs: fakeWorkerLogs{},
		Settings:   &fakeSettings{settings: model.DefaultSettings()},
		Alerts:     &fakeAlerts{},
		Hub:        &controllableHub{ch: ch},
		Log:        logging.New(false),
	})

	ts := httptest.NewServer(srv.mux)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/frames?stream_id=s1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload := []byte(`{"type":"frame","stream_id":"s1","ts":1700000000,"w":640,"h":480,"fps":8}`)
	ch <- hub.Message{StreamID: "s1", Payload: payload}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("message type = %d, want TextMessage (%d)", msgType, websocket.TextMessage)
	}

	var fm model.FrameMessage
	if err := json.Unmarshal(data, &fm); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	if fm.Type != "frame" || fm.StreamID != "s1" || fm.Width != 640 {
		t.Errorf("frame = %+v, want type=frame stream_id=s1 w=640", fm)
	}
}
