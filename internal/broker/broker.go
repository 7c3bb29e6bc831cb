// Package broker subscribes to the MQTT frame-publishing topic
// (frames/<stream-id>) and dispatches inbound frames to the Subscription
// Hub, throttling each stream to its configured live-preview FPS and
// reconnecting to the broker with exponential backoff on disconnect.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/flowmesh/fleetd/internal/config"
	"github.com/flowmesh/fleetd/internal/logging"
	"github.com/flowmesh/fleetd/internal/metrics"
	"github.com/flowmesh/fleetd/internal/model"
)

const frameTopicFilter = "frames/+"

// Dispatcher forwards a decoded frame payload to live subscribers.
type Dispatcher interface {
	Dispatch(streamID string, payload []byte)
}

// FrameObserver is notified whenever a frame for a stream is accepted,
// so the Reconciler can promote the stream's connection status.
type FrameObserver interface {
	MarkFrameReceived(streamID string)
}

// SettingsSource reads the live FPS cap applied to every stream.
type SettingsSource interface {
	GetSettings() (model.Settings, error)
}

// Broker owns the MQTT subscription lifecycle.
type Broker struct {
	cfg      *config.Config
	log      *logging.Logger
	dispatch Dispatcher
	observe  FrameObserver
	settings SettingsSource

	newClient func(opts *mqtt.ClientOptions) mqtt.Client

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New builds a Broker.
func New(cfg *config.Config, log *logging.Logger, dispatch Dispatcher, observe FrameObserver, settings SettingsSource) *Broker {
	return &Broker{
		cfg:       cfg,
		log:       log,
		dispatch:  dispatch,
		observe:   observe,
		settings:  settings,
		newClient: mqtt.NewClient,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Run connects to the configured broker and subscribes to frames/+,
// reconnecting with exponential backoff (starting at
// cfg.BrokerInitialBackoff, doubling up to cfg.BrokerMaxBackoff) whenever
// the connection drops. Auto-reconnect is disabled on the paho client
// deliberately: driving reconnection ourselves keeps the backoff
// schedule deterministic and testable.
func (b *Broker) Run(ctx context.Context) error {
	backoff := b.cfg.BrokerInitialBackoff

	for {
		if ctx.Err() != nil {
			return nil
		}

		lost := make(chan error, 1)
		metrics.MQTTReconnectsTotal.Inc()
		client, err := b.connect(lost)
		if err != nil {
			b.log.Warn("mqtt connect failed", "broker", b.cfg.MQTTBroker, "error", err, "backoff", backoff)
			if !b.sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, b.cfg.BrokerMaxBackoff)
			continue
		}

		b.log.Info("mqtt connected", "broker", b.cfg.MQTTBroker)
		backoff = b.cfg.BrokerInitialBackoff

		select {
		case <-ctx.Done():
			client.Disconnect(250)
			return nil
		case err := <-lost:
			b.log.Warn("mqtt connection lost", "error", err)
			client.Disconnect(250)
			if !b.sleep(ctx, backoff) {
				return nil
			}
			backoff = nextBackoff(backoff, b.cfg.BrokerMaxBackoff)
		}
	}
}

func (b *Broker) connect(lost chan<- error) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.MQTTBroker).
		SetClientID("fleetd-broker").
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			select {
			case lost <- err:
			default:
			}
		})

	client := b.newClient(opts)
	tok := client.Connect()
	if !tok.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if tok.Error() != nil {
		return nil, tok.Error()
	}

	subTok := client.Subscribe(frameTopicFilter, 0, b.onMessage)
	if !subTok.WaitTimeout(10 * time.Second) {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt subscribe timeout")
	}
	if subTok.Error() != nil {
		client.Disconnect(250)
		return nil, subTok.Error()
	}
	return client, nil
}

func (b *Broker) onMessage(_ mqtt.Client, msg mqtt.Message) {
	streamID, ok := streamIDFromTopic(msg.Topic())
	if !ok {
		return
	}

	metrics.FramesReceivedTotal.Inc()

	if !b.limiterFor(streamID).Allow() {
		metrics.FramesThrottledTotal.Inc()
		return
	}

	payload, err := decodeFrame(streamID, msg.Payload())
	if err != nil {
		b.log.Warn("dropping malformed frame payload", "stream_id", streamID, "error", err)
		return
	}

	b.dispatch.Dispatch(streamID, payload)
	b.observe.MarkFrameReceived(streamID)
}

// decodeFrame parses a worker's frame JSON, stamps the stream ID from
// the topic (the source of truth, not whatever the payload itself
// claims) and a "frame" type discriminator, and re-marshals for
// faithful re-emission to WebSocket subscribers per §6.2.
func decodeFrame(streamID string, raw []byte) ([]byte, error) {
	var fm model.FrameMessage
	if err := json.Unmarshal(raw, &fm); err != nil {
		return nil, fmt.Errorf("decode frame payload: %w", err)
	}
	fm.Type = "frame"
	fm.StreamID = streamID
	return json.Marshal(fm)
}

// limiterFor returns the per-stream rate limiter, creating it on first
// use and refreshing its rate from the current settings on every call so
// an operator's FPS change takes effect on the next frame.
func (b *Broker) limiterFor(streamID string) *rate.Limiter {
	fps := 10.0
	if settings, err := b.settings.GetSettings(); err == nil {
		fps = settings.LivePreviewFPS
	}

	b.limiterMu.Lock()
	defer b.limiterMu.Unlock()

	l, ok := b.limiters[streamID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(fps), 1)
		b.limiters[streamID] = l
	} else {
		l.SetLimit(rate.Limit(fps))
	}
	return l
}

func (b *Broker) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func streamIDFromTopic(topic string) (string, bool) {
	const prefix = "frames/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	id := topic[len(prefix):]
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
