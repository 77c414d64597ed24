package reactor

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Listener is invoked on the reactor thread when a UserEvent fires.
// Listener code is application code — per the realtime-thread discipline,
// a UserEvent must always live on a Normal-policy reactor, never the
// Realtime one, so this callback never runs on the timing-critical thread.
type Listener func()

// UserEvent lets any goroutine schedule a single invocation of its
// listener on the owning Reactor's worker goroutine. Trigger is safe to
// call from any thread, including concurrently with Disable; both are
// serialized by the event's own mutex, independent of the Reactor's.
type UserEvent struct {
	r        *Reactor
	efd      int
	listener Listener

	mu      sync.Mutex
	enabled bool
}

// CreateUserEvent registers a new UserEvent with the reactor and arms it
// immediately.
func (r *Reactor) CreateUserEvent(listener Listener) (*UserEvent, error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}

	ue := &UserEvent{r: r, efd: efd, listener: listener, enabled: true}

	r.mu.Lock()
	r.events[efd] = ue
	r.mu.Unlock()

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(efd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		r.mu.Lock()
		delete(r.events, efd)
		r.mu.Unlock()
		unix.Close(efd)
		return nil, err
	}

	return ue, nil
}

// Trigger schedules a single invocation of the listener on the reactor
// thread. Calling Trigger multiple times before the reactor drains the
// event coalesces into a single invocation — this is the same
// at-least-once, at-most-N semantics eventfd provides natively via its
// counter-add/reset-to-zero design.
func (ue *UserEvent) Trigger() {
	ue.mu.Lock()
	defer ue.mu.Unlock()
	if !ue.enabled {
		return
	}
	var one [8]byte
	one[0] = 1
	_, _ = unix.Write(ue.efd, one[:])
}

// Disable removes this UserEvent from its reactor; the listener will never
// fire again afterward. Safe to call more than once.
func (ue *UserEvent) Disable() {
	ue.mu.Lock()
	defer ue.mu.Unlock()
	if !ue.enabled {
		return
	}
	ue.enabled = false

	ue.r.mu.Lock()
	delete(ue.r.events, ue.efd)
	ue.r.mu.Unlock()

	_ = unix.EpollCtl(ue.r.epfd, unix.EPOLL_CTL_DEL, ue.efd, nil)
	unix.Close(ue.efd)
}

// drain reads (and discards) the eventfd counter and invokes the listener
// exactly once. Called on the reactor thread only.
func (ue *UserEvent) drain() {
	ue.mu.Lock()
	enabled := ue.enabled
	ue.mu.Unlock()
	if !enabled {
		return
	}

	var buf [8]byte
	_, _ = unix.Read(ue.efd, buf[:])
	ue.listener()
}
