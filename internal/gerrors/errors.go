// Package gerrors provides the structured error type shared across gcoded's
// components, mapping low-level causes (syscall errno, sqlite codes, wire
// decode failures) onto the error kinds described in the device-daemon
// protocol.
package gerrors

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind is a high-level error category. Callers that need to react
// differently to, say, a transport failure than to a malformed command
// should switch on Kind rather than parse Msg.
type Kind string

const (
	KindTransport       Kind = "transport"       // broker connection, publish, subscribe failures
	KindProtocol        Kind = "protocol"        // wire codec decode/encode failures
	KindDeviceAccess    Kind = "device-access"   // tty open/read/write/ioctl failures
	KindDeviceProtocol  Kind = "device-protocol" // device rejected or never acked a command
	KindStorage         Kind = "storage"         // sqlite alias store / fleet view failures
	KindUserInput       Kind = "user-input"      // bad hint, bad alias, bad CLI argument
	KindNotFound        Kind = "not-found"       // device/alias/job lookup miss
	KindTimeout         Kind = "timeout"         // deadline exceeded waiting for an ack or print result
	KindUnsupported     Kind = "unsupported"     // operation not valid for this device's capabilities
)

// Error is gcoded's structured error. It carries enough context to log a
// useful line without the caller needing to reconstruct it, and supports
// errors.Is/As against both Kind and syscall.Errno.
type Error struct {
	Op     string // operation that failed, e.g. "session.sendCommand"
	Device string // device name, empty if not applicable
	Kind   Kind
	Errno  syscall.Errno // 0 if not applicable
	Msg    string
	Inner  error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Device != "" {
		parts = append(parts, fmt.Sprintf("device=%s", e.Device))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("gcoded: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("gcoded: %s", msg)
}

// Unwrap supports errors.Is/As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison by Kind: errors.Is(err, gerrors.KindTimeout)
// does not compile since Kind isn't an error, so callers instead do
// errors.Is(err, &gerrors.Error{Kind: gerrors.KindTimeout}) or, more simply,
// use IsKind below.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// New creates a new structured error with no device or errno context.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// NewDevice creates a device-scoped error.
func NewDevice(op, device string, kind Kind, msg string) *Error {
	return &Error{Op: op, Device: device, Kind: kind, Msg: msg}
}

// NewErrno creates an error from a syscall errno, mapping it to a Kind.
func NewErrno(op, device string, errno syscall.Errno) *Error {
	return &Error{
		Op:     op,
		Device: device,
		Kind:   mapErrnoToKind(errno),
		Errno:  errno,
		Msg:    errno.Error(),
	}
}

// Wrap wraps an arbitrary error with gcoded context, preserving an existing
// structured error's Kind/Device/Errno if inner is already one.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ge, ok := inner.(*Error); ok {
		return &Error{
			Op:     op,
			Device: ge.Device,
			Kind:   ge.Kind,
			Errno:  ge.Errno,
			Msg:    ge.Msg,
			Inner:  ge.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Kind:  mapErrnoToKind(errno),
			Errno: errno,
			Msg:   errno.Error(),
			Inner: inner,
		}
	}

	return &Error{
		Op:    op,
		Kind:  KindDeviceAccess,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

func mapErrnoToKind(errno syscall.Errno) Kind {
	switch errno {
	case syscall.ENOENT:
		return KindNotFound
	case syscall.EBUSY, syscall.EACCES, syscall.EPERM:
		return KindDeviceAccess
	case syscall.EINVAL, syscall.E2BIG:
		return KindUserInput
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return KindUnsupported
	case syscall.ETIMEDOUT:
		return KindTimeout
	default:
		return KindDeviceAccess
	}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind == kind
	}
	return false
}

// IsErrno reports whether err is (or wraps) a *Error carrying the given
// errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Errno == errno
	}
	return false
}
