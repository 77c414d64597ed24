package gerrors

import (
	"errors"
	"syscall"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := NewDevice("session.sendCommand", "prusa-CZPX1234", KindDeviceProtocol, "no ack within deadline")
	got := err.Error()
	want := "gcoded: no ack within deadline (op=session.sendCommand)"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorIsKind(t *testing.T) {
	err := New("fleet.Print", KindTimeout, "deadline exceeded")
	if !IsKind(err, KindTimeout) {
		t.Error("expected IsKind(err, KindTimeout) to be true")
	}
	if IsKind(err, KindStorage) {
		t.Error("expected IsKind(err, KindStorage) to be false")
	}
}

func TestNewErrnoMapsKind(t *testing.T) {
	err := NewErrno("detector.openTTY", "", syscall.EACCES)
	if err.Kind != KindDeviceAccess {
		t.Errorf("Kind = %s, want %s", err.Kind, KindDeviceAccess)
	}
	if err.Errno != syscall.EACCES {
		t.Errorf("Errno = %v, want EACCES", err.Errno)
	}
}

func TestWrapPreservesStructuredError(t *testing.T) {
	inner := NewDevice("session.readLine", "prusa-CZPX1234", KindDeviceAccess, "tty closed")
	wrapped := Wrap("session.run", inner)

	if wrapped.Device != "prusa-CZPX1234" {
		t.Errorf("Device = %s, want prusa-CZPX1234", wrapped.Device)
	}
	if wrapped.Kind != KindDeviceAccess {
		t.Errorf("Kind = %s, want %s", wrapped.Kind, KindDeviceAccess)
	}
	if wrapped.Op != "session.run" {
		t.Errorf("Op = %s, want session.run", wrapped.Op)
	}
}

func TestWrapMapsBareErrno(t *testing.T) {
	wrapped := Wrap("detector.scan", syscall.ENOENT)
	if wrapped.Kind != KindNotFound {
		t.Errorf("Kind = %s, want %s", wrapped.Kind, KindNotFound)
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if Wrap("op", nil) != nil {
		t.Error("Wrap(op, nil) should return nil")
	}
}

func TestErrorsAsUnwraps(t *testing.T) {
	cause := errors.New("boom")
	wrapped := Wrap("fleet.Print", cause)

	var ge *Error
	if !errors.As(wrapped, &ge) {
		t.Fatal("expected errors.As to find *Error")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("expected errors.Is(wrapped, cause) to hold through Unwrap")
	}
}

func TestIsErrno(t *testing.T) {
	err := NewErrno("session.write", "prusa-CZPX1234", syscall.EIO)
	if !IsErrno(err, syscall.EIO) {
		t.Error("expected IsErrno to match EIO")
	}
	if IsErrno(err, syscall.ENOENT) {
		t.Error("expected IsErrno not to match ENOENT")
	}
}
