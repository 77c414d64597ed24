package fleet

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gcoded/gcoded/internal/wire"
)

// fakeTransport is an in-memory Transport: publishes are recorded and
// subscriptions can be fired directly by the test.
type fakeTransport struct {
	mu        sync.Mutex
	handlers  map[string]func(string, []byte)
	published []publishedMsg
}

type publishedMsg struct {
	topic    string
	payload  []byte
	retained bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(string, []byte))}
}

func (f *fakeTransport) Publish(topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedMsg{topic, append([]byte(nil), payload...), retained})
	return nil
}

func (f *fakeTransport) Subscribe(topic string, handler func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[topic] = handler
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, topic)
	return nil
}

// fire delivers payload as if it arrived on the concrete topic, dispatching
// through whichever subscribed pattern's handler matches (mirrors a
// broker's wildcard routing well enough for single-level "+" patterns).
func (f *fakeTransport) fire(concreteTopic string, payload []byte) {
	f.mu.Lock()
	var h func(string, []byte)
	for pattern, handler := range f.handlers {
		if topicMatches(pattern, concreteTopic) {
			h = handler
			break
		}
	}
	f.mu.Unlock()
	if h != nil {
		h(concreteTopic, payload)
	}
}

func (f *fakeTransport) latest(topic string) (publishedMsg, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var found publishedMsg
	ok := false
	for _, m := range f.published {
		if m.topic == topic {
			found = m
			ok = true
		}
	}
	return found, ok
}

func topicMatches(pattern, topic string) bool {
	pSegs := splitTopic(pattern)
	tSegs := splitTopic(topic)
	if len(pSegs) != len(tSegs) {
		return false
	}
	for i, seg := range pSegs {
		if seg != "+" && seg != tSegs[i] {
			return false
		}
	}
	return true
}

func splitTopic(topic string) []string {
	var segs []string
	start := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			segs = append(segs, topic[start:i])
			start = i + 1
		}
	}
	segs = append(segs, topic[start:])
	return segs
}

func newTestView(t *testing.T, resolveAliases bool) (*View, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	v, err := New(Config{Prefix: "gcoded", ResolveAliases: resolveAliases, PrintTimeout: 50 * time.Millisecond}, tr, nil)
	require.NoError(t, err)
	require.NoError(t, v.Start())
	t.Cleanup(v.Close)
	return v, tr
}

func TestOnStateUpsertsDevice(t *testing.T) {
	v, tr := newTestView(t, false)

	payload, err := wire.Encode(&wire.DeviceStateMsg{State: wire.StateOK})
	require.NoError(t, err)
	tr.fire("gcoded/clients/prusa/printer1/state", payload)

	devices, err := v.List("*")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "prusa", devices[0].Provider)
	require.Equal(t, "printer1", devices[0].Name)
	require.Equal(t, wire.StateOK, devices[0].State)
}

func TestListExcludesUninitialized(t *testing.T) {
	v, tr := newTestView(t, false)

	payload, err := wire.Encode(&wire.DeviceStateMsg{State: wire.StateUninitialized})
	require.NoError(t, err)
	tr.fire("gcoded/clients/prusa/printer1/state", payload)

	devices, err := v.List("*")
	require.NoError(t, err)
	require.Empty(t, devices)
}

func TestListGlobHintMatchesProviderAndDevice(t *testing.T) {
	v, tr := newTestView(t, false)

	for _, d := range []string{"printer1", "printer2"} {
		payload, err := wire.Encode(&wire.DeviceStateMsg{State: wire.StateOK})
		require.NoError(t, err)
		tr.fire("gcoded/clients/prusa/"+d+"/state", payload)
	}

	devices, err := v.List("prusa/printer1")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "printer1", devices[0].Name)

	devices, err = v.List("prusa/printer*")
	require.NoError(t, err)
	require.Len(t, devices, 2)
}

func TestOnSensorReadingsReplacesFullSet(t *testing.T) {
	v, tr := newTestView(t, false)

	statePayload, err := wire.Encode(&wire.DeviceStateMsg{State: wire.StateOK})
	require.NoError(t, err)
	tr.fire("gcoded/clients/prusa/printer1/state", statePayload)

	first, err := wire.Encode(&wire.SensorReadingsMsg{Readings: []wire.SensorReading{
		{Name: "nozzle", Current: 200, HasSet: true, SetPoint: 210},
		{Name: "bed", Current: 60, HasSet: true, SetPoint: 60},
	}})
	require.NoError(t, err)
	tr.fire("gcoded/clients/prusa/printer1/sensor_readings", first)

	readings, err := v.SensorReadings("*")
	require.NoError(t, err)
	require.Len(t, readings["prusa/printer1"], 2)

	second, err := wire.Encode(&wire.SensorReadingsMsg{Readings: []wire.SensorReading{
		{Name: "nozzle", Current: 25, HasSet: false},
	}})
	require.NoError(t, err)
	tr.fire("gcoded/clients/prusa/printer1/sensor_readings", second)

	readings, err = v.SensorReadings("*")
	require.NoError(t, err)
	require.Len(t, readings["prusa/printer1"], 1)
	require.Equal(t, "nozzle", readings["prusa/printer1"][0].SensorName)
	require.Nil(t, readings["prusa/printer1"][0].SetPoint)
}

func TestPrintRejectsNonOkDevice(t *testing.T) {
	v, _ := newTestView(t, false)

	dev := DeviceInfo{Provider: "prusa", Name: "printer1", State: wire.StateBusy}
	called := make(chan wire.PrintResult, 1)
	v.Print(dev, "G28", func(_ DeviceInfo, result wire.PrintResult) {
		called <- result
	})

	select {
	case result := <-called:
		require.Equal(t, wire.ResultErrInvalidState, result)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestPrintDispatchesAndResolvesOnResponse(t *testing.T) {
	v, tr := newTestView(t, false)

	dev := DeviceInfo{Provider: "prusa", Name: "printer1", State: wire.StateOK}
	called := make(chan wire.PrintResult, 1)
	v.Print(dev, "G28", func(_ DeviceInfo, result wire.PrintResult) {
		called <- result
	})

	require.Eventually(t, func() bool {
		_, ok := tr.latest("gcoded/clients/prusa/printer1/print_request")
		return ok
	}, time.Second, 10*time.Millisecond)

	msg, _ := tr.latest("gcoded/clients/prusa/printer1/print_request")
	decoded, _, err := wire.Decode(msg.payload)
	require.NoError(t, err)
	printMsg := decoded.(*wire.PrintMsg)

	resp, err := wire.Encode(&wire.PrintResponseMsg{RequestCode: printMsg.RequestCode, Result: wire.ResultOK})
	require.NoError(t, err)
	tr.fire("gcoded/clients/prusa/printer1/print_response", resp)

	select {
	case result := <-called:
		require.Equal(t, wire.ResultOK, result)
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestPrintTimesOutWithoutResponse(t *testing.T) {
	v, _ := newTestView(t, false)

	dev := DeviceInfo{Provider: "prusa", Name: "printer1", State: wire.StateOK}
	called := make(chan wire.PrintResult, 1)
	v.Print(dev, "G28", func(_ DeviceInfo, result wire.PrintResult) {
		called <- result
	})

	select {
	case result := <-called:
		require.Equal(t, wire.ResultNetErrTimeout, result)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback not invoked")
	}
}

func TestSetDeviceAliasPublishesWhenUnique(t *testing.T) {
	v, tr := newTestView(t, false)

	payload, err := wire.Encode(&wire.DeviceStateMsg{State: wire.StateOK})
	require.NoError(t, err)
	tr.fire("gcoded/clients/prusa/printer1/state", payload)

	ok, err := v.SetDeviceAlias("printer1", "front-left")
	require.NoError(t, err)
	require.True(t, ok)

	msg, found := tr.latest("gcoded/aliases/prusa/set")
	require.True(t, found)
	decoded, _, err := wire.Decode(msg.payload)
	require.NoError(t, err)
	setMsg := decoded.(*wire.AliasesSetMsg)
	require.Equal(t, "printer1", setMsg.Device)
	require.Equal(t, "front-left", setMsg.Alias)
}

func TestSetDeviceAliasFailsWhenAmbiguous(t *testing.T) {
	v, tr := newTestView(t, false)

	for _, d := range []string{"printer1", "printer2"} {
		payload, err := wire.Encode(&wire.DeviceStateMsg{State: wire.StateOK})
		require.NoError(t, err)
		tr.fire("gcoded/clients/prusa/"+d+"/state", payload)
	}

	ok, err := v.SetDeviceAlias("printer*", "x")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOnAliasesUpsertsProviderAndDeviceAliases(t *testing.T) {
	v, tr := newTestView(t, true)

	statePayload, err := wire.Encode(&wire.DeviceStateMsg{State: wire.StateOK})
	require.NoError(t, err)
	tr.fire("gcoded/clients/prusa/printer1/state", statePayload)

	aliases, err := wire.Encode(&wire.AliasesMsg{
		ProviderAlias: "workshop",
		Entries:       []wire.AliasEntry{{Device: "printer1", Alias: "front-left"}},
	})
	require.NoError(t, err)
	tr.fire("gcoded/aliases/prusa", aliases)

	devices, err := v.List("*")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, "workshop", devices[0].ProviderAlias)
	require.Equal(t, "front-left", devices[0].DeviceAlias)
}

func TestConvertHintEscapesAndWildcards(t *testing.T) {
	provider, device, err := convertHint("my_provider/printer*one")
	require.NoError(t, err)
	require.Equal(t, `my\_provider`, provider)
	require.Equal(t, `printer%one`, device)
}

func TestConvertHintRejectsQuotes(t *testing.T) {
	_, _, err := convertHint(`bad'hint`)
	require.Error(t, err)
}

func TestConvertHintDefaultsProviderWildcard(t *testing.T) {
	provider, device, err := convertHint("printer1")
	require.NoError(t, err)
	require.Equal(t, "%", provider)
	require.Equal(t, "printer1", device)
}
