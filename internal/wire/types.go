// Package wire implements gcoded's tagged binary message codec: the format
// published between daemons and clients over the broker. Every payload is
// `[u8 type_tag][body...]`; integers are little-endian and strings are
// byte-length-prefixed. The layout mirrors the compile-time-checked structs
// the daemon's ancestor used for its own binary ABI, adapted here to a
// variable-length, tag-dispatched message set instead of a fixed ioctl ABI.
package wire

import "fmt"

// DeviceState is the ordinal-stable device state. Ordinals are wire-visible
// and must never be renumbered.
type DeviceState uint8

const (
	StateUninitialized DeviceState = 0
	StateBusy          DeviceState = 1
	StateOK            DeviceState = 2
	StatePrinting      DeviceState = 3
	StateError         DeviceState = 4
	StateDisconnected  DeviceState = 5
	StateInitDevice    DeviceState = 6
	StateShutdown      DeviceState = 7

	numDeviceStates = 8
)

func (s DeviceState) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateBusy:
		return "BUSY"
	case StateOK:
		return "OK"
	case StatePrinting:
		return "PRINTING"
	case StateError:
		return "ERROR"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateInitDevice:
		return "INIT_DEVICE"
	case StateShutdown:
		return "SHUTDOWN"
	default:
		return fmt.Sprintf("DeviceState(%d)", uint8(s))
	}
}

// Valid reports whether s is a defined ordinal.
func (s DeviceState) Valid() bool {
	return uint8(s) < numDeviceStates
}

// Operational reports whether commands may be accepted or are being
// actively processed in this state.
func (s DeviceState) Operational() bool {
	switch s {
	case StateBusy, StateOK, StatePrinting, StateInitDevice:
		return true
	default:
		return false
	}
}

// PrintResult is the wire-visible outcome of a print request.
type PrintResult uint8

const (
	ResultInvalid           PrintResult = 0
	ResultOK                PrintResult = 1
	ResultErrInvalidState   PrintResult = 2
	ResultErrPrinting       PrintResult = 3
	ResultNetErrNoDevice    PrintResult = 4
	ResultNetErrTimeout     PrintResult = 5

	numPrintResults = 6
)

func (r PrintResult) String() string {
	switch r {
	case ResultInvalid:
		return "INVALID"
	case ResultOK:
		return "OK"
	case ResultErrInvalidState:
		return "ERR_INVALID_STATE"
	case ResultErrPrinting:
		return "ERR_PRINTING"
	case ResultNetErrNoDevice:
		return "NET_ERR_NO_DEVICE"
	case ResultNetErrTimeout:
		return "NET_ERR_TIMEOUT"
	default:
		return fmt.Sprintf("PrintResult(%d)", uint8(r))
	}
}

// Valid reports whether r is a defined ordinal.
func (r PrintResult) Valid() bool {
	return uint8(r) < numPrintResults
}

// RequestCode is the 128-bit correlation identifier attached to every print
// request and echoed in its response. Part1/Part2 are surfaced individually
// to match the legacy addressing scheme; both halves are always transmitted.
type RequestCode [16]byte

// Part1 returns the low 8 bytes as a uint64, little-endian.
func (c RequestCode) Part1() uint64 {
	return leUint64(c[0:8])
}

// Part2 returns the high 8 bytes as a uint64, little-endian. Unlike the
// C++ original (which had a copy-paste bug returning Part1 twice), both
// halves are distinct here.
func (c RequestCode) Part2() uint64 {
	return leUint64(c[8:16])
}

func (c RequestCode) String() string {
	return fmt.Sprintf("%016x%016x", c.Part1(), c.Part2())
}
