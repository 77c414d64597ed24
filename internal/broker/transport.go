// Package broker wraps paho.mqtt.golang to the narrow publish/subscribe
// facade internal/daemonbridge and internal/fleet need, reproducing
// original_source/src/MQTT.cpp's shape: QoS-0 publish/publish-retained, a
// maintained topic set resubscribed on every (re)connect, and session-
// takeover logged rather than treated as fatal.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gcoded/gcoded/internal/logging"
	"github.com/gcoded/gcoded/internal/metrics"
)

// Transport is a connected (or connecting) broker session. Safe for
// concurrent use; no lock is ever held across a publish or subscribe call
// into the underlying client, per spec §5's "no lock is ever held across a
// broker publish".
type Transport struct {
	cfg     Config
	log     *logging.Logger
	metrics *metrics.Metrics

	client        mqtt.Client
	clientFactory func(*mqtt.ClientOptions) mqtt.Client

	mu              sync.Mutex
	subs            map[string]func(topic string, payload []byte)
	connectAttempts int
	gaveUp          bool
}

// New builds a Transport and its underlying paho client, but does not
// connect; call Connect to dial the broker.
func New(cfg Config, log *logging.Logger, m *metrics.Metrics) (*Transport, error) {
	return newWithFactory(cfg, log, m, mqtt.NewClient)
}

func newWithFactory(cfg Config, log *logging.Logger, m *metrics.Metrics, factory func(*mqtt.ClientOptions) mqtt.Client) (*Transport, error) {
	if log == nil {
		log = logging.Default()
	}
	cfg = cfg.withDefaults()

	t := &Transport{
		cfg:           cfg,
		log:           log,
		metrics:       m,
		clientFactory: factory,
		subs:          make(map[string]func(string, []byte)),
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.TLS != nil {
		tlsConfig, err := cfg.TLS.build()
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker, cfg.Port))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(cfg.ConnectRetryInterval)
	opts.SetOnConnectHandler(t.onConnect)
	opts.SetConnectionLostHandler(t.onConnectionLost)
	opts.SetReconnectingHandler(t.onReconnecting)

	t.client = t.clientFactory(opts)
	return t, nil
}

// Connect dials the broker and waits for the initial connection (or ctx's
// deadline, if any) to complete.
func (t *Transport) Connect(ctx context.Context) error {
	token := t.client.Connect()

	done := make(chan struct{})
	go func() {
		token.Wait()
		close(done)
	}()

	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects from the broker, allowing in-flight work 250ms to
// drain.
func (t *Transport) Close() {
	t.client.Disconnect(250)
}

// onConnect resubscribes the maintained topic set, mirroring on_connect's
// resubscribe-all in original_source/src/MQTT.cpp.
func (t *Transport) onConnect(_ mqtt.Client) {
	t.mu.Lock()
	t.connectAttempts = 0
	topics := make([]string, 0, len(t.subs))
	for topic := range t.subs {
		topics = append(topics, topic)
	}
	t.mu.Unlock()

	t.log.Info("broker: connected")
	for _, topic := range topics {
		if err := t.subscribeOnWire(topic); err != nil {
			t.log.WithTopic(topic).Warn("broker: resubscribe failed", "error", err)
		}
	}
}

// onConnectionLost logs disconnects. paho's 1.x ConnectionLostHandler
// doesn't surface MQTT5 reason codes the way mosquitto's 0x8E does for
// session takeovers, so a takeover is recognized best-effort from the
// error text instead.
func (t *Transport) onConnectionLost(_ mqtt.Client, err error) {
	if t.metrics != nil {
		t.metrics.RecordBrokerReconnect()
	}
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "takeover") {
		t.log.Info("broker: session takeover")
		return
	}
	t.log.Warn("broker: connection lost", "error", err)
}

// onReconnecting enforces Config.MaxConnectRetries: once exceeded, the
// client is disconnected instead of retrying forever.
func (t *Transport) onReconnecting(client mqtt.Client, _ *mqtt.ClientOptions) {
	t.mu.Lock()
	if t.cfg.MaxConnectRetries <= 0 || t.gaveUp {
		t.mu.Unlock()
		return
	}
	t.connectAttempts++
	exceeded := t.connectAttempts > t.cfg.MaxConnectRetries
	if exceeded {
		t.gaveUp = true
	}
	t.mu.Unlock()

	if exceeded {
		t.log.Error("broker: max connect retries exceeded, giving up")
		client.Disconnect(0)
	}
}

// Publish sends payload to topic at QoS 0, per spec §4.9's "all per-message
// QoS is 0".
func (t *Transport) Publish(topic string, payload []byte, retained bool) error {
	token := t.client.Publish(topic, 0, retained, payload)
	token.Wait()
	if err := token.Error(); err != nil {
		if t.cfg.Verbose {
			t.log.WithTopic(topic).Warn("broker: publish failed", "error", err)
		}
		return err
	}
	return nil
}

// Subscribe registers handler for topic, adding it to the maintained
// topic set and subscribing immediately.
func (t *Transport) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	t.mu.Lock()
	t.subs[topic] = handler
	t.mu.Unlock()
	return t.subscribeOnWire(topic)
}

func (t *Transport) subscribeOnWire(topic string) error {
	token := t.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		t.mu.Lock()
		h := t.subs[msg.Topic()]
		t.mu.Unlock()
		if h != nil {
			h(msg.Topic(), msg.Payload())
		}
	})
	token.Wait()
	return token.Error()
}

// Unsubscribe removes topic from the maintained set and unsubscribes on
// the wire.
func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	delete(t.subs, topic)
	t.mu.Unlock()

	token := t.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}
