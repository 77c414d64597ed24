// Package fleet maintains a client-side relational view of a printer
// fleet by subscribing to the broker topics DaemonBridge publishes,
// resolving "list" hints into LIKE queries, and dispatching print
// requests with a correlation-id/timeout scheme. Grounded directly on
// original_source/src/client/Client.cpp: the same three-table schema,
// the same topic-parsing arithmetic (mirrored here for subscribe instead
// of publish), and the same convert_hint glob translation — reproduced
// with database/sql placeholders instead of string-concatenated SQL.
package fleet

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gcoded/gcoded/internal/logging"
	"github.com/gcoded/gcoded/internal/wire"
)

// Transport is the narrow publish/subscribe facade the view needs from a
// broker connection; internal/broker.Transport satisfies it.
type Transport interface {
	Publish(topic string, payload []byte, retained bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
}

// PrintCallback receives the eventual outcome of a dispatched print.
type PrintCallback func(dev DeviceInfo, result wire.PrintResult)

// Config configures a View.
type Config struct {
	Prefix         string
	ResolveAliases bool
	// PrintTimeout is how long a pending print waits for PRINT_RESPONSE
	// before the scanner fires NET_ERR_TIMEOUT. Defaults to 1s.
	PrintTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PrintTimeout <= 0 {
		c.PrintTimeout = time.Second
	}
	return c
}

type pendingPrint struct {
	device   DeviceInfo
	deadline time.Time
	callback PrintCallback
}

// View is a client-side fleet snapshot: an in-memory relational store fed
// by broker subscriptions, plus a print-dispatch pending table drained by
// a 100ms timeout-scanner goroutine.
type View struct {
	cfg       Config
	transport Transport
	db        *sql.DB
	log       *logging.Logger

	mu      sync.Mutex
	pending map[wire.RequestCode]*pendingPrint

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New opens the in-memory store. Call Start to subscribe and begin the
// timeout scanner.
func New(cfg Config, transport Transport, log *logging.Logger) (*View, error) {
	if log == nil {
		log = logging.Default()
	}
	db, err := openStore()
	if err != nil {
		return nil, err
	}
	return &View{
		cfg:       cfg.withDefaults(),
		transport: transport,
		db:        db,
		log:       log,
		pending:   make(map[wire.RequestCode]*pendingPrint),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start subscribes the four clients/* topic patterns and the aliases
// pattern, and begins the 100ms timeout-scanner goroutine.
func (v *View) Start() error {
	subs := []struct {
		topic   string
		handler func(string, []byte)
	}{
		{v.cfg.Prefix + "/clients/+/+/state", v.onState},
		{v.cfg.Prefix + "/clients/+/+/print_response", v.onPrintResponse},
		{v.cfg.Prefix + "/clients/+/+/print_progress", v.onPrintProgress},
		{v.cfg.Prefix + "/clients/+/+/sensor_readings", v.onSensorReadings},
		{v.cfg.Prefix + "/aliases/+", v.onAliases},
	}
	for _, s := range subs {
		if err := v.transport.Subscribe(s.topic, s.handler); err != nil {
			return fmt.Errorf("fleet: subscribe %s: %w", s.topic, err)
		}
	}

	v.wg.Add(1)
	go v.scanTimeouts()
	return nil
}

// Close stops the timeout scanner and closes the store. Subscriptions are
// left to the transport's own shutdown.
func (v *View) Close() {
	close(v.stopCh)
	v.wg.Wait()
	v.db.Close()
}

func (v *View) scanTimeouts() {
	defer v.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case now := <-ticker.C:
			v.fireExpired(now)
		}
	}
}

func (v *View) fireExpired(now time.Time) {
	var expired []*pendingPrint

	v.mu.Lock()
	for code, p := range v.pending {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(v.pending, code)
		}
	}
	v.mu.Unlock()

	for _, p := range expired {
		p.callback(p.device, wire.ResultNetErrTimeout)
	}
}

// splitClientsTopic mirrors Client.cpp's on_message topic arithmetic: strip
// the "<prefix>/clients/" head and the given postfix, then split the
// remainder on its first '/' into (provider, device).
func splitClientsTopic(prefix, topic, postfix string) (provider, device string, ok bool) {
	head := prefix + "/clients/"
	if !strings.HasPrefix(topic, head) || !strings.HasSuffix(topic, postfix) {
		return "", "", false
	}
	middle := topic[len(head) : len(topic)-len(postfix)]
	idx := strings.IndexByte(middle, '/')
	if idx < 0 {
		return "", "", false
	}
	return middle[:idx], middle[idx+1:], true
}

func (v *View) onState(topic string, payload []byte) {
	provider, device, ok := splitClientsTopic(v.cfg.Prefix, topic, "/state")
	if !ok {
		v.log.WithTopic(topic).Warn("fleet: unexpected topic format")
		return
	}
	msg, _, err := wire.Decode(payload)
	if err != nil {
		v.log.WithTopic(topic).Warn("fleet: malformed state payload, dropping", "error", err)
		return
	}
	stateMsg, ok := msg.(*wire.DeviceStateMsg)
	if !ok {
		return
	}
	if err := upsertDeviceState(v.db, provider, device, stateMsg.State); err != nil {
		v.log.WithTopic(topic).Warn("fleet: state upsert failed", "error", err)
	}
}

func (v *View) onPrintProgress(topic string, payload []byte) {
	provider, device, ok := splitClientsTopic(v.cfg.Prefix, topic, "/print_progress")
	if !ok {
		v.log.WithTopic(topic).Warn("fleet: unexpected topic format")
		return
	}
	msg, _, err := wire.Decode(payload)
	if err != nil {
		v.log.WithTopic(topic).Warn("fleet: malformed print_progress payload, dropping", "error", err)
		return
	}
	progress, ok := msg.(*wire.PrintProgressMsg)
	if !ok {
		return
	}
	if err := upsertDeviceProgress(v.db, provider, device, progress.Percentage, progress.RemainingTime); err != nil {
		v.log.WithTopic(topic).Warn("fleet: progress upsert failed", "error", err)
	}
}

func (v *View) onSensorReadings(topic string, payload []byte) {
	provider, device, ok := splitClientsTopic(v.cfg.Prefix, topic, "/sensor_readings")
	if !ok {
		v.log.WithTopic(topic).Warn("fleet: unexpected topic format")
		return
	}
	msg, _, err := wire.Decode(payload)
	if err != nil {
		v.log.WithTopic(topic).Warn("fleet: malformed sensor_readings payload, dropping", "error", err)
		return
	}
	sr, ok := msg.(*wire.SensorReadingsMsg)
	if !ok {
		return
	}
	if err := replaceSensorReadings(v.db, provider, device, sr.Readings); err != nil {
		v.log.WithTopic(topic).Warn("fleet: sensor readings replace failed", "error", err)
	}
}

func (v *View) onPrintResponse(topic string, payload []byte) {
	msg, _, err := wire.Decode(payload)
	if err != nil {
		v.log.WithTopic(topic).Warn("fleet: malformed print_response payload, dropping", "error", err)
		return
	}
	resp, ok := msg.(*wire.PrintResponseMsg)
	if !ok {
		return
	}

	v.mu.Lock()
	p, found := v.pending[resp.RequestCode]
	if found {
		delete(v.pending, resp.RequestCode)
	}
	v.mu.Unlock()

	if found {
		p.callback(p.device, resp.Result)
	}
}

func (v *View) onAliases(topic string, payload []byte) {
	prefix := v.cfg.Prefix + "/aliases/"
	if !strings.HasPrefix(topic, prefix) {
		v.log.WithTopic(topic).Warn("fleet: unexpected topic prefix")
		return
	}
	provider := topic[len(prefix):]
	if strings.Contains(provider, "/") {
		v.log.WithTopic(topic).Warn("fleet: unexpected topic format")
		return
	}

	msg, _, err := wire.Decode(payload)
	if err != nil {
		v.log.WithTopic(topic).Warn("fleet: malformed aliases payload, dropping", "error", err)
		return
	}
	aliases, ok := msg.(*wire.AliasesMsg)
	if !ok {
		return
	}

	var err2 error
	if aliases.ProviderAlias != "" {
		err2 = upsertProviderAlias(v.db, provider, aliases.ProviderAlias)
	} else {
		err2 = deleteProviderAlias(v.db, provider)
	}
	if err2 != nil {
		v.log.WithTopic(topic).Warn("fleet: provider alias update failed", "error", err2)
	}

	for _, e := range aliases.Entries {
		if err := upsertDeviceAlias(v.db, provider, e.Device, e.Alias); err != nil {
			v.log.WithTopic(topic).Warn("fleet: device alias update failed", "error", err)
		}
	}
}

// List resolves hint against the view using the configured ResolveAliases
// setting.
func (v *View) List(hint string) ([]DeviceInfo, error) {
	return v.list(hint, v.cfg.ResolveAliases)
}

// ListResolve resolves hint with an explicit alias-resolution override.
func (v *View) ListResolve(hint string, resolveAliases bool) ([]DeviceInfo, error) {
	return v.list(hint, resolveAliases)
}

func (v *View) list(hint string, resolveAliases bool) ([]DeviceInfo, error) {
	providerPattern, devicePattern, err := convertHint(hint)
	if err != nil {
		return nil, err
	}

	const base = `SELECT d.provider, d.device, d.state, d.print_percentage, d.print_remaining_time, d.device_alias, a.alias
		FROM devices AS d
		LEFT JOIN provider_alias AS a ON d.provider = a.provider
		WHERE d.state != 0 `

	var query string
	var args []any
	if resolveAliases {
		query = base + `AND ( d.device_alias LIKE ? ESCAPE '\' OR (d.device_alias IS NULL AND d.device LIKE ? ESCAPE '\') )
			AND ( a.alias LIKE ? ESCAPE '\' OR (a.alias IS NULL AND d.provider LIKE ? ESCAPE '\') )
			ORDER BY d.device_alias, d.device, a.alias, d.provider`
		args = []any{devicePattern, devicePattern, providerPattern, providerPattern}
	} else {
		query = base + `AND d.device LIKE ? ESCAPE '\' AND d.provider LIKE ? ESCAPE '\'
			ORDER BY d.device_alias, d.device, a.alias, d.provider`
		args = []any{devicePattern, providerPattern}
	}

	rows, err := v.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("fleet: list query: %w", err)
	}
	defer rows.Close()

	var out []DeviceInfo
	for rows.Next() {
		var d DeviceInfo
		var state int
		var deviceAlias, providerAlias sql.NullString
		if err := rows.Scan(&d.Provider, &d.Name, &state, &d.PrintPercentage, &d.PrintRemainingTime, &deviceAlias, &providerAlias); err != nil {
			return nil, fmt.Errorf("fleet: scan device row: %w", err)
		}
		d.State = wire.DeviceState(state)
		d.DeviceAlias = deviceAlias.String
		d.ProviderAlias = providerAlias.String
		out = append(out, d)
	}
	return out, rows.Err()
}

// providers returns every distinct provider matching hint, which may not
// itself contain '/'.
func (v *View) providers(hint string) ([]string, error) {
	if strings.Contains(hint, "/") {
		return nil, fmt.Errorf("fleet: hint contains invalid characters ('/')")
	}
	providerPattern, _, err := convertHint(hint + "/*")
	if err != nil {
		return nil, err
	}

	rows, err := v.db.Query(
		`SELECT DISTINCT provider FROM devices WHERE provider IS NOT NULL AND provider LIKE ? ESCAPE '\'`,
		providerPattern,
	)
	if err != nil {
		return nil, fmt.Errorf("fleet: providers query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProviderAliases returns the full provider->alias map.
func (v *View) ProviderAliases() (map[string]string, error) {
	rows, err := v.db.Query(`SELECT provider, alias FROM provider_alias`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var provider, alias string
		if err := rows.Scan(&provider, &alias); err != nil {
			return nil, err
		}
		out[provider] = alias
	}
	return out, rows.Err()
}

// DeviceAliases returns the full device->alias map, excluding devices with
// no alias set.
func (v *View) DeviceAliases() (map[string]string, error) {
	rows, err := v.db.Query(`SELECT device, device_alias FROM devices WHERE device_alias IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var device, alias string
		if err := rows.Scan(&device, &alias); err != nil {
			return nil, err
		}
		out[device] = alias
	}
	return out, rows.Err()
}

// SensorReadings returns sensor readings for devices matching hint, keyed
// by "<provider-or-alias>/<device-or-alias>".
func (v *View) SensorReadings(hint string) (map[string][]SensorReading, error) {
	providerPattern, devicePattern, err := convertHint(hint)
	if err != nil {
		return nil, err
	}

	const base = `SELECT sr.provider, a.alias, sr.device, d.device_alias, sr.sensor_name, sr.current_value, sr.set_point, sr.unit
		FROM sensor_readings AS sr
		LEFT JOIN devices AS d ON sr.provider = d.provider AND sr.device = d.device
		LEFT JOIN provider_alias AS a ON sr.provider = a.provider
		WHERE d.state != 0 `

	var query string
	var args []any
	if v.cfg.ResolveAliases {
		query = base + `AND ( d.device_alias LIKE ? ESCAPE '\' OR (d.device_alias IS NULL AND d.device LIKE ? ESCAPE '\') )
			AND ( a.alias LIKE ? ESCAPE '\' OR (a.alias IS NULL AND d.provider LIKE ? ESCAPE '\') )
			ORDER BY d.device_alias, d.device, a.alias, d.provider, sr.sensor_name`
		args = []any{devicePattern, devicePattern, providerPattern, providerPattern}
	} else {
		query = base + `AND d.device LIKE ? ESCAPE '\' AND d.provider LIKE ? ESCAPE '\'
			ORDER BY d.device_alias, d.device, a.alias, d.provider, sr.sensor_name`
		args = []any{devicePattern, providerPattern}
	}

	rows, err := v.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("fleet: sensor_readings query: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]SensorReading)
	for rows.Next() {
		var provider, device, name string
		var providerAliasNull, deviceAliasNull, unitNull sql.NullString
		var current float64
		var setPoint sql.NullFloat64
		if err := rows.Scan(&provider, &providerAliasNull, &device, &deviceAliasNull, &name, &current, &setPoint, &unitNull); err != nil {
			return nil, fmt.Errorf("fleet: scan sensor row: %w", err)
		}

		key := provider
		if v.cfg.ResolveAliases && providerAliasNull.Valid {
			key = providerAliasNull.String
		}
		key += "/"
		if v.cfg.ResolveAliases && deviceAliasNull.Valid {
			key += deviceAliasNull.String
		} else {
			key += device
		}

		reading := SensorReading{SensorName: name, CurrentValue: current}
		if setPoint.Valid {
			sp := setPoint.Float64
			reading.SetPoint = &sp
		}
		if unitNull.Valid {
			u := unitNull.String
			reading.Unit = &u
		}
		out[key] = append(out[key], reading)
	}
	return out, rows.Err()
}

// Print dispatches a print job per spec §4.8: a pre-check that short-circuits
// non-OK devices, then a PRINT publish tracked by a pending-table entry with
// a deadline, resolved by either a matching PRINT_RESPONSE or the timeout
// scanner.
func (v *View) Print(dev DeviceInfo, gcode string, callback PrintCallback) {
	if dev.State != wire.StateOK {
		callback(dev, wire.ResultErrInvalidState)
		return
	}

	msg, err := wire.NewPrintMsg([]byte(gcode))
	if err != nil {
		v.log.WithDevice(dev.Name).Warn("fleet: print request code generation failed", "error", err)
		callback(dev, wire.ResultNetErrNoDevice)
		return
	}

	v.mu.Lock()
	v.pending[msg.RequestCode] = &pendingPrint{
		device:   dev,
		deadline: time.Now().Add(v.cfg.PrintTimeout),
		callback: callback,
	}
	v.mu.Unlock()

	payload, err := wire.Encode(msg)
	if err != nil {
		v.log.WithDevice(dev.Name).Warn("fleet: print encode failed", "error", err)
		return
	}
	topic := fmt.Sprintf("%s/clients/%s/%s/print_request", v.cfg.Prefix, dev.Provider, dev.Name)
	if err := v.transport.Publish(topic, payload, false); err != nil {
		v.log.WithDevice(dev.Name).Warn("fleet: print_request publish failed", "error", err)
	}
}

// SetProviderAlias resolves providerHint to exactly one provider (without
// alias resolution) and publishes ALIASES_SET_PROVIDER to its set topic.
// Reports false if the hint did not resolve to exactly one provider.
func (v *View) SetProviderAlias(providerHint, alias string) (bool, error) {
	providers, err := v.providers(providerHint)
	if err != nil {
		return false, err
	}
	if len(providers) != 1 {
		return false, nil
	}

	msg := &wire.AliasesSetProviderMsg{ProviderAlias: alias}
	payload, err := wire.Encode(msg)
	if err != nil {
		return false, err
	}
	topic := fmt.Sprintf("%s/aliases/%s/set", v.cfg.Prefix, providers[0])
	return true, v.transport.Publish(topic, payload, false)
}

// SetDeviceAlias resolves deviceHint to exactly one device (without alias
// resolution) and publishes ALIASES_SET to its provider's set topic.
// Reports false if the hint did not resolve to exactly one device.
func (v *View) SetDeviceAlias(deviceHint, alias string) (bool, error) {
	matches, err := v.list(deviceHint, false)
	if err != nil {
		return false, err
	}
	if len(matches) != 1 {
		return false, nil
	}

	match := matches[0]
	msg := &wire.AliasesSetMsg{Device: match.Name, Alias: alias}
	payload, err := wire.Encode(msg)
	if err != nil {
		return false, err
	}
	topic := fmt.Sprintf("%s/aliases/%s/set", v.cfg.Prefix, match.Provider)
	return true, v.transport.Publish(topic, payload, false)
}
