// Package session implements the per-printer line protocol state machine:
// capability negotiation, the to-send/awaiting-ok command queue, telemetry
// classification, and print job pipelining. It is grounded directly on
// the original gcoded daemon's devices/prusa/PrusaDevice.cpp — the same
// sub-state progression, the same M115/M155 negotiation sequence, and the
// same two-line pipelining on print — reimplemented on top of this
// module's own reactor and wire packages instead of libevent and a
// hand-rolled binary ABI.
package session

import (
	"bytes"
	"fmt"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gcoded/gcoded/internal/gerrors"
	"github.com/gcoded/gcoded/internal/logging"
	"github.com/gcoded/gcoded/internal/metrics"
	"github.com/gcoded/gcoded/internal/reactor"
	"github.com/gcoded/gcoded/internal/wire"
)

// ProtoState is the device's protocol sub-state, distinct from the
// externally-visible wire.DeviceState.
type ProtoState int

const (
	ProtoNotReady ProtoState = iota
	ProtoAcceptsCommands
	ProtoReady
)

// Listener receives session events. All callbacks run on the Normal
// reactor thread, never on the Realtime one, and in the order the
// session produced them (progress and sensor-change notifications
// coalesce; state changes never do).
type Listener interface {
	OnStateChange(state wire.DeviceState)
	OnProgress(percentage uint8, remainingMinutes uint32)
	OnSensorsChanged()
}

// pendingCommand is one outstanding line: sent but not yet acknowledged.
type pendingCommand struct {
	line       string
	onFinished func(ackOK bool)
}

type fanoutEvent struct {
	isState    bool
	isProgress bool
	isSensors  bool
	state      wire.DeviceState
	pct        uint8
	remaining  uint32
}

// Session is a single device's line-protocol state machine.
type Session struct {
	Name string

	mu          sync.Mutex
	fd          int
	proto       ProtoState
	extState    wire.DeviceState
	toSend      []*pendingCommand
	awaitingOK  []*pendingCommand
	job         []string
	jobSent     int // lines sent from job but not yet acked, for 2-line pipelining
	caps        map[string]bool
	sensors     map[string]Reading
	progressPct uint8
	progressRem uint32
	readBuf     bytes.Buffer

	listeners         map[Listener]struct{}
	pendingUnregister map[Listener]struct{}
	unregMu           sync.Mutex

	fanoutMu    sync.Mutex
	fanoutQueue []fanoutEvent

	realtime *reactor.Reactor
	normal   *reactor.Reactor
	wake     *reactor.UserEvent

	writableArmed bool
	pendingWrite  []byte // unsent remainder of toSend[0] after a short write

	metrics *metrics.Metrics
	log     *logging.Logger

	cmdStart map[string]time.Time // in-flight command send timestamps, for latency metrics
}

// New creates a Session for an already-opened, non-blocking serial fd and
// wires it to the given realtime (I/O) and normal (fanout) reactors. The
// session starts in ProtoNotReady / StateInitDevice.
func New(name string, fd int, realtime, normal *reactor.Reactor, m *metrics.Metrics, log *logging.Logger) (*Session, error) {
	if log == nil {
		log = logging.Default()
	}
	s := &Session{
		Name:              name,
		fd:                fd,
		proto:             ProtoNotReady,
		extState:          wire.StateInitDevice,
		caps:              make(map[string]bool),
		sensors:           make(map[string]Reading),
		listeners:         make(map[Listener]struct{}),
		pendingUnregister: make(map[Listener]struct{}),
		realtime:          realtime,
		normal:            normal,
		metrics:           m,
		log:               log.WithDevice(name),
		cmdStart:          make(map[string]time.Time),
	}

	wake, err := normal.CreateUserEvent(s.drainFanout)
	if err != nil {
		return nil, gerrors.Wrap("session.New", err)
	}
	s.wake = wake

	if err := realtime.RegisterReadable(fd, s.onReadable); err != nil {
		wake.Disable()
		return nil, gerrors.Wrap("session.New", err)
	}

	return s, nil
}

// State returns the session's current externally-visible device state.
func (s *Session) State() wire.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extState
}

// Snapshot returns a copy of the session's current sensor readings and
// print progress. Sensor delivery is level-triggered: listeners are only
// told sensors changed, and read the current value via Snapshot.
func (s *Session) Snapshot() (sensors map[string]Reading, pct uint8, remaining uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Reading, len(s.sensors))
	for k, v := range s.sensors {
		out[k] = v
	}
	return out, s.progressPct, s.progressRem
}

// AddListener registers l for future events. Per the daemon's ownership
// model, the Session never takes a strong reference back to its owner —
// l is expected to hold a weak handle to the Session itself.
func (s *Session) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[l] = struct{}{}
}

// RemoveListener detaches l. If called from within a listener callback
// (i.e. during dispatch), the removal is deferred to a pending-unregister
// set and applied between dispatch passes, so iteration never observes a
// concurrent map mutation.
func (s *Session) RemoveListener(l Listener) {
	s.unregMu.Lock()
	s.pendingUnregister[l] = struct{}{}
	s.unregMu.Unlock()
}

func (s *Session) applyPendingUnregisters() {
	s.unregMu.Lock()
	pending := s.pendingUnregister
	s.pendingUnregister = make(map[Listener]struct{})
	s.unregMu.Unlock()

	if len(pending) == 0 {
		return
	}
	s.mu.Lock()
	for l := range pending {
		delete(s.listeners, l)
	}
	s.mu.Unlock()
}

// Shutdown stops the session: sets state to SHUTDOWN, detaches the fd from
// the realtime reactor, closes it immediately, and disables the fanout
// wake-up on the normal reactor.
func (s *Session) Shutdown() {
	s.mu.Lock()
	if s.extState == wire.StateShutdown {
		s.mu.Unlock()
		return
	}
	s.extState = wire.StateShutdown
	fd := s.fd
	s.mu.Unlock()

	s.realtime.UnregisterReadable(fd)
	s.realtime.UnregisterWritable(fd)
	unix.Close(fd)
	s.wake.Disable()
}

// Print accepts a G-code job for immediate dispatch. See spec §4.5:
// rejects if not OK, or if a job is already loaded; otherwise transitions
// to PRINTING and pre-sends up to two lines to pipeline acknowledgements.
func (s *Session) Print(gcode string) wire.PrintResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.extState != wire.StateOK {
		return wire.ResultErrInvalidState
	}
	if len(s.job) > 0 {
		return wire.ResultErrPrinting
	}

	lines := prepareJob(gcode)
	if len(lines) == 0 {
		// Nothing to do; report completion immediately without a state
		// transition.
		return wire.ResultOK
	}

	s.job = lines
	s.jobSent = 0
	s.setStateLocked(wire.StatePrinting)

	s.pumpJobLocked()
	return wire.ResultOK
}

// pumpJobLocked sends additional job lines up to a pipeline depth of 2
// in-flight, unacknowledged lines. Caller must hold s.mu.
const jobPipelineDepth = 2

func (s *Session) pumpJobLocked() {
	for s.jobSent < jobPipelineDepth && len(s.job) > 0 {
		line := s.job[0]
		s.job = s.job[1:]
		s.jobSent++
		s.enqueueCommandLocked(line, func(ackOK bool) {
			s.onJobLineAcked()
		})
	}
}

func (s *Session) onJobLineAcked() {
	s.mu.Lock()
	s.jobSent--
	if len(s.job) > 0 {
		s.pumpJobLocked()
		s.mu.Unlock()
		return
	}
	if s.jobSent == 0 {
		// Job exhausted and drained: report completion and return to OK.
		s.queueProgressLocked(100, 0)
		s.setStateLocked(wire.StateOK)
	}
	s.mu.Unlock()
}

// enqueueCommandLocked appends line to the to-send queue and arms the
// writable callback if it is not already armed. Caller must hold s.mu.
func (s *Session) enqueueCommandLocked(line string, onFinished func(ackOK bool)) {
	s.toSend = append(s.toSend, &pendingCommand{line: line, onFinished: onFinished})
	s.armWritableLocked()
}

func (s *Session) armWritableLocked() {
	if s.writableArmed {
		return
	}
	s.writableArmed = true
	_ = s.realtime.RegisterWritable(s.fd, s.onWritable)
}

// onWritable drains the to-send queue into the fd non-blocking, stopping
// on EAGAIN, moving each drained command into awaiting-ok. Runs on the
// Realtime reactor thread.
func (s *Session) onWritable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.toSend) > 0 {
		cmd := s.toSend[0]

		if s.pendingWrite == nil {
			s.pendingWrite = []byte(cmd.line + "\n")
		}

		n, err := unix.Write(s.fd, s.pendingWrite)
		if err != nil {
			if err == unix.EAGAIN {
				break
			}
			s.failLocked(gerrors.NewErrno("session.write", s.Name, err.(syscall.Errno)))
			return false
		}
		if n < len(s.pendingWrite) {
			// Short write: leave the unsent remainder for the next
			// writable event; cmd.line is untouched so cmdStart/ack
			// bookkeeping still key off the original text.
			s.pendingWrite = s.pendingWrite[n:]
			break
		}

		s.pendingWrite = nil
		s.toSend = s.toSend[1:]
		s.cmdStart[cmd.line] = time.Now()
		s.awaitingOK = append(s.awaitingOK, cmd)
	}

	if len(s.toSend) == 0 {
		s.writableArmed = false
		s.realtime.UnregisterWritable(s.fd)
		return false
	}
	return true
}

// onReadable reads available bytes, splits on newlines, and feeds each
// complete line to handleLineLocked. Runs on the Realtime reactor thread.
func (s *Session) onReadable() bool {
	var buf [4096]byte
	n, err := unix.Read(s.fd, buf[:])

	if n > 0 {
		s.mu.Lock()
		s.readBuf.Write(buf[:n])
		for {
			line, ok := s.takeLineLocked()
			if !ok {
				break
			}
			s.handleLineLocked(line)
		}
		s.mu.Unlock()
	}

	if err != nil {
		if err == unix.EAGAIN {
			return true
		}
		s.mu.Lock()
		s.failLocked(gerrors.NewErrno("session.read", s.Name, err.(syscall.Errno)))
		s.mu.Unlock()
		return false
	}

	if n == 0 {
		// EOF: the device vanished.
		s.mu.Lock()
		s.disconnectLocked()
		s.mu.Unlock()
		return false
	}

	return true
}

// takeLineLocked pops one newline-terminated, trimmed line from the read
// buffer if a complete one is present. Caller must hold s.mu.
func (s *Session) takeLineLocked() (string, bool) {
	data := s.readBuf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(bytes.TrimRight(data[:idx], "\r"))
	s.readBuf.Next(idx + 1)
	return line, true
}

// failLocked transitions to ERROR and tears the session down. Caller must
// hold s.mu.
func (s *Session) failLocked(err error) {
	s.log.WithError(err).Warn("session failed")
	s.setStateLocked(wire.StateError)
	s.teardownLocked()
}

// disconnectLocked transitions to DISCONNECTED and tears the session
// down. Caller must hold s.mu.
func (s *Session) disconnectLocked() {
	s.setStateLocked(wire.StateDisconnected)
	s.teardownLocked()
}

func (s *Session) teardownLocked() {
	fd := s.fd
	s.realtime.UnregisterReadable(fd)
	if s.writableArmed {
		s.realtime.UnregisterWritable(fd)
		s.writableArmed = false
	}
	unix.Close(fd)
}

// handleLineLocked implements the line-by-line protocol and telemetry
// classification of spec §4.5. Caller must hold s.mu.
func (s *Session) handleLineLocked(line string) {
	switch {
	case line == "ok":
		s.onAckLocked()
		return
	case line == "start":
		// Device reopened / reset; re-run initialization from scratch.
		s.proto = ProtoNotReady
		s.caps = make(map[string]bool)
		return
	case line == "LCD status changed" && s.proto == ProtoNotReady:
		s.proto = ProtoAcceptsCommands
		s.beginCapabilityNegotiationLocked()
		return
	case len(s.awaitingOK) > 0 && hasPrefix(line, "echo:Unknown command:"):
		s.failLocked(gerrors.NewDevice("session.ack", s.Name, gerrors.KindDeviceProtocol, line))
		return
	}

	if name, present, ok := ParseCapabilityLine(line); ok {
		if present {
			s.caps[name] = true
		}
		return
	}

	if s.extState == wire.StateOK || s.extState == wire.StatePrinting {
		s.classifyTelemetryLocked(line)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

// onAckLocked handles the "ok" line: acknowledges the oldest outstanding
// command and fires its finished callback.
func (s *Session) onAckLocked() {
	if len(s.awaitingOK) == 0 {
		return
	}
	cmd := s.awaitingOK[0]
	s.awaitingOK = s.awaitingOK[1:]

	if start, ok := s.cmdStart[cmd.line]; ok {
		if s.metrics != nil {
			s.metrics.RecordCommand(uint64(time.Since(start)), true)
		}
		delete(s.cmdStart, cmd.line)
	}

	if cmd.onFinished != nil {
		cb := cmd.onFinished
		s.mu.Unlock()
		cb(true)
		s.mu.Lock()
	}
}

// beginCapabilityNegotiationLocked issues M115 and, on its completion,
// composes and issues the M155 autoreport mask per spec §4.5.
func (s *Session) beginCapabilityNegotiationLocked() {
	s.enqueueCommandLocked("M115", func(ackOK bool) {
		s.mu.Lock()
		defer s.mu.Unlock()
		bitmap := ComposeAutoreportBitmap(s.caps)
		s.enqueueCommandLocked(fmt.Sprintf("M155 S2 C%d", bitmap), func(ackOK bool) {
			s.mu.Lock()
			s.proto = ProtoReady
			s.setStateLocked(wire.StateOK)
			s.mu.Unlock()
		})
	})
}

// classifyTelemetryLocked attempts each telemetry pattern in turn and
// records a match via metrics and the fanout queue.
func (s *Session) classifyTelemetryLocked(line string) {
	if pct, remaining, ok := ParseProgress(line); ok {
		s.queueProgressLocked(pct, remaining)
		s.observeTelemetry("progress")
		return
	}
	if readings, ok := ParseTemperature(line); ok {
		for name, r := range readings {
			s.sensors[name] = r
		}
		s.queueSensorsChangedLocked()
		s.observeTelemetry("temperature")
		return
	}
	if pos, ok := ParsePosition(line); ok {
		for name, v := range pos {
			s.sensors[name] = Reading{Current: v}
		}
		s.queueSensorsChangedLocked()
		s.observeTelemetry("position")
		return
	}
	if fans, ok := ParseFan(line); ok {
		for name, v := range fans {
			s.sensors[name] = Reading{Current: v}
		}
		s.queueSensorsChangedLocked()
		s.observeTelemetry("fan")
		return
	}
	s.observeTelemetry("")
}

func (s *Session) observeTelemetry(category string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordTelemetry(category)
}

// setStateLocked transitions the externally-visible state and queues a
// fanout event. SHUTDOWN is terminal: once set, no further transitions
// are recorded.
func (s *Session) setStateLocked(state wire.DeviceState) {
	if s.extState == wire.StateShutdown {
		return
	}
	s.extState = state
	s.fanoutMu.Lock()
	s.fanoutQueue = append(s.fanoutQueue, fanoutEvent{isState: true, state: state})
	s.fanoutMu.Unlock()
	s.wake.Trigger()
}

// queueProgressLocked records a progress update, coalescing with any
// already-pending (undelivered) progress update.
func (s *Session) queueProgressLocked(pct uint8, remaining uint32) {
	s.progressPct = pct
	s.progressRem = remaining

	s.fanoutMu.Lock()
	if n := len(s.fanoutQueue); n > 0 && s.fanoutQueue[n-1].isProgress {
		s.fanoutQueue[n-1].pct = pct
		s.fanoutQueue[n-1].remaining = remaining
	} else {
		s.fanoutQueue = append(s.fanoutQueue, fanoutEvent{isProgress: true, pct: pct, remaining: remaining})
	}
	s.fanoutMu.Unlock()
	s.wake.Trigger()
}

// queueSensorsChangedLocked records that sensors changed, coalescing with
// any already-pending notification.
func (s *Session) queueSensorsChangedLocked() {
	s.fanoutMu.Lock()
	if n := len(s.fanoutQueue); n > 0 && s.fanoutQueue[n-1].isSensors {
		s.fanoutMu.Unlock()
		return
	}
	s.fanoutQueue = append(s.fanoutQueue, fanoutEvent{isSensors: true})
	s.fanoutMu.Unlock()
	s.wake.Trigger()
}

// drainFanout runs on the Normal reactor thread (via UserEvent) and
// dispatches every queued event to every listener, in order.
func (s *Session) drainFanout() {
	s.fanoutMu.Lock()
	queue := s.fanoutQueue
	s.fanoutQueue = nil
	s.fanoutMu.Unlock()

	if len(queue) == 0 {
		return
	}

	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	for _, ev := range queue {
		for _, l := range listeners {
			switch {
			case ev.isState:
				l.OnStateChange(ev.state)
			case ev.isProgress:
				l.OnProgress(ev.pct, ev.remaining)
			case ev.isSensors:
				l.OnSensorsChanged()
			}
		}
	}

	s.applyPendingUnregisters()
}
