// Package mqttbridge implements a transport.Adapter that bridges bus
// events to and from an MQTT broker, letting a remote companion
// installation or monitoring dashboard observe and inject events
// without a direct ZMQ or serial link.
package mqttbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/hollowoak/scbusd/internal/ids"
	"github.com/hollowoak/scbusd/internal/transport"
)

// loopbackWindow bounds how long a self-published event is remembered
// for echo suppression. The bridge subscribes to the same topic it
// publishes on so a remote peer's retained state stays in sync, which
// means the broker reflects every publish back to this client; without
// suppression every WriteEvent/EchoEvent would re-arrive as a bogus
// inbound event on the next poll. Kept slightly larger than a typical
// polling interval.
const loopbackWindow = 250 * time.Millisecond

// Config configures the MQTT bridge adapter.
type Config struct {
	// Broker is the broker URL, e.g. "tcp://broker.local:1883".
	Broker   string
	Username string
	Password string
	// Topic is the base topic events are published to and subscribed
	// from, e.g. "scbus/events".
	Topic string
	// InstanceID uniquely identifies this installation's MQTT client
	// (a UUIDv7, stable across restarts).
	InstanceID string
	Logger     *slog.Logger
}

type wireEvent struct {
	ID    uint32 `json:"id"`
	Data1 uint32 `json:"data1"`
	Data2 uint32 `json:"data2"`
}

// Adapter bridges bus events over MQTT.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	cm     *autopaho.ConnectionManager

	pending chan transport.ReadResult
	cancel  context.CancelFunc

	selfMu   sync.Mutex
	selfSent map[wireEvent]time.Time
}

// New connects to the broker and subscribes to cfg.Topic. Events
// received are queued for ReadEvents; WriteEvent/EchoEvent publish to
// the same topic, retained so a newly-connecting peer sees the last
// known state.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Topic == "" {
		cfg.Topic = "scbus/events"
	}

	brokerURL, err := url.Parse(cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("mqttbridge: parse broker url: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)

	a := &Adapter{
		cfg:      cfg,
		logger:   cfg.Logger.With("adapter", transport.NameMQTTBridge),
		pending:  make(chan transport.ReadResult, 256),
		cancel:   cancel,
		selfSent: make(map[wireEvent]time.Time),
	}

	clientID := "scbusd"
	if len(cfg.InstanceID) >= 8 {
		clientID = "scbusd-" + cfg.InstanceID[:8]
	}

	availTopic := cfg.Topic + "/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: cfg.Username,
		ConnectPassword: []byte(cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			a.logger.Info("mqttbridge connected", "broker", cfg.Broker)
			pubCtx, pubCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer pubCancel()
			_, _ = cm.Publish(pubCtx, &paho.Publish{
				Topic: availTopic, Payload: []byte("online"), QoS: 1, Retain: true,
			})
			_, _ = cm.Subscribe(pubCtx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: cfg.Topic, QoS: 1}},
			})
		},
		OnConnectError: func(err error) {
			a.logger.Warn("mqttbridge connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(runCtx, pahoCfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("mqttbridge: connect: %w", err)
	}
	a.cm = cm

	cm.AddOnPublishReceived(func(pr autopaho.PublishReceived) (bool, error) {
		if pr.Packet.Topic != cfg.Topic {
			return true, nil
		}
		var we wireEvent
		if err := json.Unmarshal(pr.Packet.Payload, &we); err != nil {
			a.emit(transport.ReadErr(fmt.Errorf("mqttbridge: decode payload: %w", err)))
			return true, nil
		}
		if a.isSelfOriginated(we) {
			return true, nil
		}
		a.emit(transport.Normal(ids.NewUnchecked(we.ID), we.Data1, we.Data2))
		return true, nil
	})

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		a.logger.Warn("mqttbridge initial connection timed out, will retry in background", "error", err)
	}

	return a, nil
}

func (a *Adapter) emit(r transport.ReadResult) {
	select {
	case a.pending <- r:
	default:
		a.logger.Warn("mqttbridge read buffer full, dropping result")
	}
}

// ReadEvents drains accumulated results.
func (a *Adapter) ReadEvents() []transport.ReadResult {
	var out []transport.ReadResult
	for {
		select {
		case r := <-a.pending:
			out = append(out, r)
		default:
			return out
		}
	}
}

// isSelfOriginated reports whether we matches an event this adapter
// published within the last loopbackWindow, pruning stale entries as it
// goes so selfSent never grows unbounded.
func (a *Adapter) isSelfOriginated(we wireEvent) bool {
	a.selfMu.Lock()
	defer a.selfMu.Unlock()
	now := time.Now()
	for k, sentAt := range a.selfSent {
		if now.Sub(sentAt) > loopbackWindow {
			delete(a.selfSent, k)
		}
	}
	sentAt, ok := a.selfSent[we]
	if ok {
		delete(a.selfSent, we)
	}
	return ok && now.Sub(sentAt) <= loopbackWindow
}

func (a *Adapter) markSelf(we wireEvent) {
	a.selfMu.Lock()
	defer a.selfMu.Unlock()
	a.selfSent[we] = time.Now()
}

func (a *Adapter) publish(id ids.Identifier, data1, data2 uint32) error {
	if a.cm == nil {
		return fmt.Errorf("mqttbridge: not connected")
	}
	we := wireEvent{ID: id.Value(), Data1: data1, Data2: data2}
	a.markSelf(we)
	payload, err := json.Marshal(we)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.cm.Publish(ctx, &paho.Publish{
		Topic: a.cfg.Topic, Payload: payload, QoS: 1,
	}); err != nil {
		return transport.WrapErr(transport.NameMQTTBridge, "write", err)
	}
	return nil
}

// WriteEvent publishes a new event to the broker.
func (a *Adapter) WriteEvent(id ids.Identifier, data1, data2 uint32) error {
	return a.publish(id, data1, data2)
}

// EchoEvent republishes an event observed on another adapter.
func (a *Adapter) EchoEvent(id ids.Identifier, data1, data2 uint32) error {
	return a.publish(id, data1, data2)
}

// Close disconnects from the broker.
func (a *Adapter) Close() error {
	defer a.cancel()
	if a.cm == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established,
// for use by connwatch health probes.
func (a *Adapter) AwaitConnection(ctx context.Context) error {
	if a.cm == nil {
		return fmt.Errorf("mqttbridge: not connected")
	}
	return a.cm.AwaitConnection(ctx)
}
