// Package daemonbridge republishes device session state over a broker
// under the topic namespace of spec §4.7, and routes incoming print and
// alias-set requests back to their device sessions and the alias store.
// Grounded on original_source/src/client/Client.cpp's topic-parsing half
// (mirrored here for publish instead of subscribe) and on the teacher's
// Observer-wiring pattern in backend.go/metrics.go.
package daemonbridge

import (
	"sync"

	"github.com/gcoded/gcoded/internal/alias"
	"github.com/gcoded/gcoded/internal/logging"
	"github.com/gcoded/gcoded/internal/metrics"
	"github.com/gcoded/gcoded/internal/session"
	"github.com/gcoded/gcoded/internal/wire"
)

// Transport is the narrow publish/subscribe facade the bridge needs from a
// broker connection; internal/broker.Transport satisfies it.
type Transport interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
}

// Config names the bridge's topic root and the daemon's own client-id.
type Config struct {
	Prefix   string
	ClientID string
}

// Bridge wires device sessions and the alias store to a Transport,
// maintaining the retained-message invariants of spec §4.7.
type Bridge struct {
	cfg       Config
	transport Transport
	aliases   *alias.Store
	metrics   *metrics.Metrics
	log       *logging.Logger

	mu             sync.Mutex
	sessions       map[string]*session.Session
	bindings       map[string]*deviceBinding
	retainedTopics map[string]struct{}
	started        bool
}

// New creates a Bridge. Call Start once the transport is connected.
func New(cfg Config, transport Transport, aliases *alias.Store, m *metrics.Metrics, log *logging.Logger) *Bridge {
	if log == nil {
		log = logging.Default()
	}
	return &Bridge{
		cfg:            cfg,
		transport:      transport,
		aliases:        aliases,
		metrics:        m,
		log:            log,
		sessions:       make(map[string]*session.Session),
		bindings:       make(map[string]*deviceBinding),
		retainedTopics: make(map[string]struct{}),
	}
}

// Start subscribes the bridge's own topics (alias-set requests) and
// publishes the current alias snapshot. Safe to call once.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	if b.aliases != nil {
		b.aliases.Subscribe(aliasChangeFunc(b.publishAliases))
	}

	if err := b.transport.Subscribe(topicAliasesSet(b.cfg.Prefix, b.cfg.ClientID), b.onAliasesSet); err != nil {
		return err
	}
	b.publishAliases()
	return nil
}

// aliasChangeFunc adapts a plain func() into an alias.Listener.
type aliasChangeFunc func()

func (f aliasChangeFunc) OnAliasChange() { f() }

// deviceBinding adapts a session.Listener callback set to a concrete
// device name, since Bridge itself fans out to many devices.
type deviceBinding struct {
	device string
	bridge *Bridge
}

func (d *deviceBinding) OnStateChange(state wire.DeviceState) {
	d.bridge.onStateChange(d.device, state)
}

func (d *deviceBinding) OnProgress(pct uint8, remaining uint32) {
	d.bridge.onProgress(d.device, pct, remaining)
}

func (d *deviceBinding) OnSensorsChanged() {
	d.bridge.onSensorsChanged(d.device)
}

// OnSessionCreated implements detector.Listener: attaches a listener to s
// and subscribes its print_request topic.
func (b *Bridge) OnSessionCreated(s *session.Session) {
	binding := &deviceBinding{device: s.Name, bridge: b}

	b.mu.Lock()
	b.sessions[s.Name] = s
	b.bindings[s.Name] = binding
	b.mu.Unlock()

	s.AddListener(binding)

	topic := topicPrintRequest(b.cfg.Prefix, b.cfg.ClientID, s.Name)
	if err := b.transport.Subscribe(topic, b.makePrintRequestHandler(s.Name)); err != nil {
		b.log.WithDevice(s.Name).Warn("daemonbridge: print_request subscribe failed", "error", err)
	}
}

func (b *Bridge) makePrintRequestHandler(device string) func(string, []byte) {
	return func(_ string, payload []byte) {
		b.handlePrintRequest(device, payload)
	}
}

func (b *Bridge) handlePrintRequest(device string, payload []byte) {
	msg, _, err := wire.Decode(payload)
	if err != nil {
		b.log.WithDevice(device).Warn("daemonbridge: malformed print_request, dropping", "error", err)
		return
	}
	req, ok := msg.(*wire.PrintMsg)
	if !ok {
		b.log.WithDevice(device).Warn("daemonbridge: unexpected print_request payload type")
		return
	}

	b.mu.Lock()
	s, ok := b.sessions[device]
	b.mu.Unlock()
	if !ok {
		return
	}

	result := s.Print(string(req.GCode))
	resp := &wire.PrintResponseMsg{RequestCode: req.RequestCode, Result: result}
	b.publishResponse(device, resp)
}

func (b *Bridge) publishResponse(device string, resp *wire.PrintResponseMsg) {
	payload, err := wire.Encode(resp)
	if err != nil {
		b.log.WithDevice(device).Warn("daemonbridge: print_response encode failed", "error", err)
		return
	}
	topic := topicPrintResponse(b.cfg.Prefix, b.cfg.ClientID, device)
	if err := b.transport.Publish(topic, payload, false); err != nil {
		b.log.WithDevice(device).Warn("daemonbridge: print_response publish failed", "error", err)
	}
}

// onStateChange maintains the "exactly one retained state message per
// ever-announced non-disconnected device" invariant of spec §4.7: on
// DISCONNECTED it clears both retained state and progress topics and
// publishes a non-retained notice instead of a retained one.
func (b *Bridge) onStateChange(device string, state wire.DeviceState) {
	if state == wire.StateDisconnected {
		b.clearRetained(topicState(b.cfg.Prefix, b.cfg.ClientID, device))
		b.clearRetained(topicPrintProgress(b.cfg.Prefix, b.cfg.ClientID, device))

		payload, err := wire.Encode(&wire.DeviceStateMsg{State: state})
		if err == nil {
			topic := topicState(b.cfg.Prefix, b.cfg.ClientID, device)
			if err := b.transport.Publish(topic, payload, false); err != nil {
				b.log.WithDevice(device).Warn("daemonbridge: disconnected notice publish failed", "error", err)
			}
		}
		return
	}

	payload, err := wire.Encode(&wire.DeviceStateMsg{State: state})
	if err != nil {
		b.log.WithDevice(device).Warn("daemonbridge: state encode failed", "error", err)
		return
	}
	b.publishRetained(topicState(b.cfg.Prefix, b.cfg.ClientID, device), payload)
}

func (b *Bridge) onProgress(device string, pct uint8, remaining uint32) {
	payload, err := wire.Encode(&wire.PrintProgressMsg{Percentage: pct, RemainingTime: remaining})
	if err != nil {
		b.log.WithDevice(device).Warn("daemonbridge: progress encode failed", "error", err)
		return
	}
	b.publishRetained(topicPrintProgress(b.cfg.Prefix, b.cfg.ClientID, device), payload)
}

func (b *Bridge) onSensorsChanged(device string) {
	b.mu.Lock()
	s, ok := b.sessions[device]
	b.mu.Unlock()
	if !ok {
		return
	}

	readings, _, _ := s.Snapshot()
	msg := &wire.SensorReadingsMsg{Readings: make([]wire.SensorReading, 0, len(readings))}
	for name, r := range readings {
		msg.Readings = append(msg.Readings, wire.SensorReading{
			Name:     name,
			Current:  r.Current,
			SetPoint: r.SetPoint,
			HasSet:   r.HasSet,
		})
	}

	payload, err := wire.Encode(msg)
	if err != nil {
		b.log.WithDevice(device).Warn("daemonbridge: sensor readings encode failed", "error", err)
		return
	}
	b.publishRetained(topicSensorReadings(b.cfg.Prefix, b.cfg.ClientID, device), payload)
}

func (b *Bridge) publishRetained(topic string, payload []byte) {
	if err := b.transport.Publish(topic, payload, true); err != nil {
		b.log.Warn("daemonbridge: retained publish failed", "topic", topic, "error", err)
		return
	}
	b.mu.Lock()
	b.retainedTopics[topic] = struct{}{}
	b.mu.Unlock()
}

func (b *Bridge) clearRetained(topic string) {
	b.mu.Lock()
	_, had := b.retainedTopics[topic]
	delete(b.retainedTopics, topic)
	b.mu.Unlock()
	if !had {
		return
	}
	if err := b.transport.Publish(topic, nil, true); err != nil {
		b.log.Warn("daemonbridge: clear retained publish failed", "topic", topic, "error", err)
	}
}

// publishAliases encodes and republishes the full alias snapshot. Called
// on startup and whenever the alias store changes.
func (b *Bridge) publishAliases() {
	if b.aliases == nil {
		return
	}
	providerAlias, err := b.aliases.ProviderAlias()
	if err != nil {
		b.log.Warn("daemonbridge: provider alias read failed", "error", err)
		return
	}
	all, err := b.aliases.GetAll()
	if err != nil {
		b.log.Warn("daemonbridge: alias table read failed", "error", err)
		return
	}

	msg := &wire.AliasesMsg{ProviderAlias: providerAlias, Entries: make([]wire.AliasEntry, 0, len(all))}
	for device, deviceAlias := range all {
		msg.Entries = append(msg.Entries, wire.AliasEntry{Device: device, Alias: deviceAlias})
	}

	payload, err := wire.Encode(msg)
	if err != nil {
		b.log.Warn("daemonbridge: aliases encode failed", "error", err)
		return
	}
	b.publishRetained(topicAliases(b.cfg.Prefix, b.cfg.ClientID), payload)
}

// onAliasesSet decodes an incoming alias-set request. The wire tag
// deterministically selects ALIASES_SET vs ALIASES_SET_PROVIDER (spec's
// "attempt both decodes, first that succeeds wins" collapses to a single
// tag-dispatched decode here, since the two message tags are disjoint).
func (b *Bridge) onAliasesSet(_ string, payload []byte) {
	msg, _, err := wire.Decode(payload)
	if err != nil {
		b.log.Warn("daemonbridge: malformed aliases_set, dropping", "error", err)
		return
	}

	switch m := msg.(type) {
	case *wire.AliasesSetMsg:
		if err := b.aliases.SetAlias(m.Device, m.Alias); err != nil {
			b.log.Warn("daemonbridge: set alias failed", "device", m.Device, "error", err)
		}
	case *wire.AliasesSetProviderMsg:
		if err := b.aliases.SetProviderAlias(m.ProviderAlias); err != nil {
			b.log.Warn("daemonbridge: set provider alias failed", "error", err)
		}
	default:
		b.log.Warn("daemonbridge: unexpected aliases_set payload type")
	}
}

// Shutdown clears every retained topic this bridge process ever set,
// matching spec §4.7's "no orphaned retained messages across restarts"
// rationale.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	topics := make([]string, 0, len(b.retainedTopics))
	for t := range b.retainedTopics {
		topics = append(topics, t)
	}
	b.retainedTopics = make(map[string]struct{})
	b.mu.Unlock()

	for _, t := range topics {
		if err := b.transport.Publish(t, nil, true); err != nil {
			b.log.Warn("daemonbridge: shutdown clear failed", "topic", t, "error", err)
		}
	}
}
