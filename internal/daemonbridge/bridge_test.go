package daemonbridge

import (
	"bufio"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/gcoded/gcoded/internal/metrics"
	"github.com/gcoded/gcoded/internal/reactor"
	"github.com/gcoded/gcoded/internal/session"
	"github.com/gcoded/gcoded/internal/wire"
)

// fakeTransport is an in-memory Transport recording publishes and letting
// the test fire subscribed handlers directly.
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

func (f *fakeTransport) fire(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	if h != nil {
		h(topic, payload)
	}
}

func (f *fakeTransport) latestFor(topic string) (publishedMsg, bool) {
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

// fakeDevice drives a Session's fd with firmware-style line responses, the
// same harness internal/session's own tests use.
type fakeDevice struct {
	conn *net.UnixConn
	r    *bufio.Reader
}

func newFakeDevicePair(t *testing.T) (int, *fakeDevice) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	f := os.NewFile(uintptr(fds[1]), "fake-device")
	defer f.Close()
	conn, err := net.FileConn(f)
	require.NoError(t, err)
	uc := conn.(*net.UnixConn)

	return fds[0], &fakeDevice{conn: uc, r: bufio.NewReader(uc)}
}

func (d *fakeDevice) send(line string) { d.conn.Write([]byte(line + "\n")) }

func (d *fakeDevice) readLine(t *testing.T) string {
	t.Helper()
	d.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := d.r.ReadString('\n')
	require.NoError(t, err)
	return line[:len(line)-1]
}

func newNegotiatedSession(t *testing.T, name string) (*session.Session, *fakeDevice, func()) {
	t.Helper()
	fd, dev := newFakeDevicePair(t)

	realtime, err := reactor.New(reactor.Realtime)
	require.NoError(t, err)
	normal, err := reactor.New(reactor.Normal)
	require.NoError(t, err)

	s, err := session.New(name, fd, realtime, normal, metrics.New(), nil)
	require.NoError(t, err)

	dev.send("LCD status changed")
	require.Equal(t, "M115", dev.readLine(t))
	dev.send("ok")
	require.Equal(t, "M155 S2 C0", dev.readLine(t))
	dev.send("ok")

	require.Eventually(t, func() bool {
		return s.State() == wire.StateOK
	}, 2*time.Second, 10*time.Millisecond)

	cleanup := func() {
		dev.conn.Close()
		realtime.Shutdown()
		normal.Shutdown()
	}
	return s, dev, cleanup
}

func TestOnSessionCreatedPublishesRetainedState(t *testing.T) {
	s, dev, cleanup := newNegotiatedSession(t, "prusa-BRIDGE01")
	defer cleanup()
	_ = dev

	tr := newFakeTransport()
	b := New(Config{Prefix: "gcoded", ClientID: "daemon1"}, tr, nil, metrics.New(), nil)
	b.OnSessionCreated(s)

	msg, ok := tr.latestFor(topicState("gcoded", "daemon1", "prusa-BRIDGE01"))
	require.True(t, ok)
	require.True(t, msg.retained)

	decoded, _, err := wire.Decode(msg.payload)
	require.NoError(t, err)
	stateMsg, ok := decoded.(*wire.DeviceStateMsg)
	require.True(t, ok)
	require.Equal(t, wire.StateOK, stateMsg.State)
}

func TestPrintRequestDispatchesAndPublishesResponse(t *testing.T) {
	s, dev, cleanup := newNegotiatedSession(t, "prusa-BRIDGE02")
	defer cleanup()

	tr := newFakeTransport()
	b := New(Config{Prefix: "gcoded", ClientID: "daemon1"}, tr, nil, metrics.New(), nil)
	b.OnSessionCreated(s)

	printMsg, err := wire.NewPrintMsg([]byte("G28"))
	require.NoError(t, err)
	payload, err := wire.Encode(printMsg)
	require.NoError(t, err)

	tr.fire(topicPrintRequest("gcoded", "daemon1", "prusa-BRIDGE02"), payload)

	require.Equal(t, "G28", dev.readLine(t))
	dev.send("ok")

	require.Eventually(t, func() bool {
		_, ok := tr.latestFor(topicPrintResponse("gcoded", "daemon1", "prusa-BRIDGE02"))
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	msg, _ := tr.latestFor(topicPrintResponse("gcoded", "daemon1", "prusa-BRIDGE02"))
	require.False(t, msg.retained)

	decoded, _, err := wire.Decode(msg.payload)
	require.NoError(t, err)
	resp := decoded.(*wire.PrintResponseMsg)
	require.Equal(t, printMsg.RequestCode, resp.RequestCode)
	require.Equal(t, wire.ResultOK, resp.Result)
}

func TestDisconnectClearsRetainedStateAndProgress(t *testing.T) {
	s, dev, cleanup := newNegotiatedSession(t, "prusa-BRIDGE03")
	defer cleanup()

	tr := newFakeTransport()
	b := New(Config{Prefix: "gcoded", ClientID: "daemon1"}, tr, nil, metrics.New(), nil)
	b.OnSessionCreated(s)

	_, ok := tr.latestFor(topicState("gcoded", "daemon1", "prusa-BRIDGE03"))
	require.True(t, ok)

	dev.conn.Close()

	require.Eventually(t, func() bool {
		return s.State() == wire.StateDisconnected
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, inSet := b.retainedTopics[topicState("gcoded", "daemon1", "prusa-BRIDGE03")]
		return !inSet
	}, 2*time.Second, 10*time.Millisecond)

	// The last publish to the state topic is the non-retained DISCONNECTED
	// notice, sent after the retained-clear that preceded it.
	msg, ok := tr.latestFor(topicState("gcoded", "daemon1", "prusa-BRIDGE03"))
	require.True(t, ok)
	require.False(t, msg.retained)

	decoded, _, err := wire.Decode(msg.payload)
	require.NoError(t, err)
	stateMsg := decoded.(*wire.DeviceStateMsg)
	require.Equal(t, wire.StateDisconnected, stateMsg.State)
}

func TestShutdownClearsAllRetainedTopics(t *testing.T) {
	s, dev, cleanup := newNegotiatedSession(t, "prusa-BRIDGE04")
	defer cleanup()
	_ = dev

	tr := newFakeTransport()
	b := New(Config{Prefix: "gcoded", ClientID: "daemon1"}, tr, nil, metrics.New(), nil)
	b.OnSessionCreated(s)

	require.NotEmpty(t, b.retainedTopics)
	b.Shutdown()
	require.Empty(t, b.retainedTopics)
}
