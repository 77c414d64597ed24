// Package reactor implements the event loop that drives serial device file
// descriptors and cross-thread wake-ups. It is grounded on two sources: the
// epoll/affinity plumbing the daemon's ancestor used for its own I/O thread
// (x/sys/unix syscalls, CPU/scheduling control), and the libevent-based
// EventLoop of gcoded's original C++ implementation, whose UserEvent
// trigger/disable pattern and 1-second keep-alive re-arm this package
// reproduces directly.
package reactor

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gcoded/gcoded/internal/logging"
)

// Policy selects the scheduling policy a Reactor's worker thread runs
// under. Two named instances exist in a daemon: a Normal-policy reactor
// for listener fanout, and a Realtime-policy reactor dedicated to serial
// I/O.
type Policy int

const (
	Normal Policy = iota
	Realtime
)

// keepAlive is the idle re-poll interval: an armed callback that receives
// no readiness event still fires at least this often.
const keepAlive = 1 * time.Second

// Callback is invoked when fd becomes readable or writable. The return
// value indicates whether the registration should remain armed; returning
// false is equivalent to calling Unregister for that direction.
type Callback func() bool

type fdReg struct {
	fd       int
	cb       Callback
	lastFire time.Time
}

// Reactor hosts one worker goroutine driving an epoll instance: readiness
// callbacks for registered file descriptors, plus UserEvent-based
// cross-thread wake-ups. Registration and teardown are safe to call from
// any goroutine while the loop is running.
type Reactor struct {
	epfd   int
	policy Policy
	log    *logging.Logger

	mu      sync.Mutex
	readers map[int]*fdReg
	writers map[int]*fdReg
	events  map[int]*UserEvent // eventfd -> owning UserEvent

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Reactor with the given scheduling policy and starts its
// worker goroutine. Realtime reactors additionally attempt to elevate the
// worker goroutine's OS thread to SCHED_FIFO at a mid-range priority;
// failure to do so (e.g. missing CAP_SYS_NICE) is logged and non-fatal,
// since serial line protocols tolerate scheduling jitter far better than
// block I/O does.
func New(policy Policy) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	r := &Reactor{
		epfd:    epfd,
		policy:  policy,
		log:     logging.Default(),
		readers: make(map[int]*fdReg),
		writers: make(map[int]*fdReg),
		events:  make(map[int]*UserEvent),
		done:    make(chan struct{}),
	}

	r.wg.Add(1)
	go r.run()
	return r, nil
}

// RegisterReadable arms cb to be invoked whenever fd is readable, and at
// least every keepAlive interval while idle.
func (r *Reactor) RegisterReadable(fd int, cb Callback) error {
	return r.register(fd, cb, true)
}

// RegisterWritable arms cb to be invoked whenever fd is writable, and at
// least every keepAlive interval while idle.
func (r *Reactor) RegisterWritable(fd int, cb Callback) error {
	return r.register(fd, cb, false)
}

func (r *Reactor) register(fd int, cb Callback, readable bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, hasReader := r.readers[fd]
	_, hasWriter := r.writers[fd]

	reg := &fdReg{fd: fd, cb: cb, lastFire: time.Now()}
	if readable {
		r.readers[fd] = reg
	} else {
		r.writers[fd] = reg
	}

	events := epollEvents(hasReader || readable, hasWriter || !readable)
	op := unix.EPOLL_CTL_MOD
	if !hasReader && !hasWriter {
		op = unix.EPOLL_CTL_ADD
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, op, fd, &ev)
}

// UnregisterReadable removes fd's read registration, if any.
func (r *Reactor) UnregisterReadable(fd int) {
	r.unregister(fd, true)
}

// UnregisterWritable removes fd's write registration, if any.
func (r *Reactor) UnregisterWritable(fd int) {
	r.unregister(fd, false)
}

func (r *Reactor) unregister(fd int, readable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if readable {
		delete(r.readers, fd)
	} else {
		delete(r.writers, fd)
	}

	_, hasReader := r.readers[fd]
	_, hasWriter := r.writers[fd]

	if !hasReader && !hasWriter {
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		return
	}
	ev := unix.EpollEvent{Events: epollEvents(hasReader, hasWriter), Fd: int32(fd)}
	_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func epollEvents(readable, writable bool) uint32 {
	var events uint32
	if readable {
		events |= unix.EPOLLIN
	}
	if writable {
		events |= unix.EPOLLOUT
	}
	return events
}

// Shutdown stops the worker goroutine and closes the epoll descriptor.
// Blocks until the worker has exited.
func (r *Reactor) Shutdown() {
	select {
	case <-r.done:
		return
	default:
		close(r.done)
	}
	r.wg.Wait()
	unix.Close(r.epfd)
}

func (r *Reactor) run() {
	defer r.wg.Done()

	if r.policy == Realtime {
		// SchedSetscheduler(0, ...) applies to the calling OS thread, so the
		// worker must stay on it for the elevation to cover the loop.
		runtime.LockOSThread()
		if err := elevateToRealtime(); err != nil {
			r.log.Warn("reactor: could not elevate to SCHED_FIFO, continuing at normal priority", "error", err)
		}
	}

	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-r.done:
			return
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, int(keepAlive/time.Millisecond))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.log.Error("reactor: epoll_wait failed", "error", err)
			return
		}

		if n == 0 {
			r.fireIdle()
			continue
		}

		r.dispatch(events[:n])
	}
}

func (r *Reactor) dispatch(events []unix.EpollEvent) {
	now := time.Now()
	for _, ev := range events {
		fd := int(ev.Fd)

		if ue := r.userEventFor(fd); ue != nil {
			ue.drain()
			continue
		}

		if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			r.fireReader(fd, now)
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			r.fireWriter(fd, now)
		}
	}
}

func (r *Reactor) fireIdle() {
	now := time.Now()
	r.mu.Lock()
	readers := make([]*fdReg, 0, len(r.readers))
	for _, reg := range r.readers {
		if now.Sub(reg.lastFire) >= keepAlive {
			readers = append(readers, reg)
		}
	}
	writers := make([]*fdReg, 0, len(r.writers))
	for _, reg := range r.writers {
		if now.Sub(reg.lastFire) >= keepAlive {
			writers = append(writers, reg)
		}
	}
	r.mu.Unlock()

	for _, reg := range readers {
		r.invoke(reg, r.readers, now)
	}
	for _, reg := range writers {
		r.invoke(reg, r.writers, now)
	}
}

func (r *Reactor) fireReader(fd int, now time.Time) {
	r.mu.Lock()
	reg, ok := r.readers[fd]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.invoke(reg, r.readers, now)
}

func (r *Reactor) fireWriter(fd int, now time.Time) {
	r.mu.Lock()
	reg, ok := r.writers[fd]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.invoke(reg, r.writers, now)
}

func (r *Reactor) invoke(reg *fdReg, table map[int]*fdReg, now time.Time) {
	stayArmed := reg.cb()
	reg.lastFire = now
	if !stayArmed {
		// Unregister only if reg is still the live registration: the
		// callback may already have unregistered or replaced it.
		r.mu.Lock()
		readable := r.readers[reg.fd] == reg
		writable := r.writers[reg.fd] == reg
		r.mu.Unlock()
		if readable || writable {
			r.unregister(reg.fd, readable)
		}
	}
}

func (r *Reactor) userEventFor(fd int) *UserEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[fd]
}

func elevateToRealtime() error {
	prio, err := midRangeFifoPriority()
	if err != nil {
		return err
	}
	return unix.SchedSetscheduler(0, unix.SCHED_FIFO, &unix.SchedParam{Priority: int32(prio)})
}

// midRangeFifoPriority returns (min+max)/2 of the SCHED_FIFO priority
// range, matching the original implementation's realtime thread priority
// calculation.
func midRangeFifoPriority() (int, error) {
	min, err := unix.SchedGetPriorityMin(unix.SCHED_FIFO)
	if err != nil {
		return 0, err
	}
	max, err := unix.SchedGetPriorityMax(unix.SCHED_FIFO)
	if err != nil {
		return 0, err
	}
	return (min + max) / 2, nil
}
