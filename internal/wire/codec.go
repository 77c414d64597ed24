package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Tag identifies a wire message's type. Decoders must reject any tag
// outside this fixed set.
type Tag byte

const (
	TagDeviceState           Tag = 1
	TagPrint                 Tag = 2
	TagPrintResponse         Tag = 3
	TagPrintProgress         Tag = 4
	TagAliases               Tag = 5
	TagAliasesSet            Tag = 6
	TagAliasesSetProvider    Tag = 7
	TagSensorReadings        Tag = 8
)

// ErrMalformed is returned (wrapped with position/reason context) for any
// decode failure. Decoders report a single error kind; callers should log
// and drop the message rather than branch on sub-kind.
var ErrMalformed = errors.New("wire: malformed message")

// malformed builds an ErrMalformed-wrapping error carrying a human-readable
// reason and the byte offset at which decoding failed.
func malformed(reason string, pos int) error {
	return fmt.Errorf("%w: %s (at byte %d)", ErrMalformed, reason, pos)
}

// ErrStringTooLong is returned by encoders when a string exceeds 255 bytes,
// the maximum representable by a one-byte length prefix. The
// SENSOR_READINGS encoder also returns it for more than 255 readings and
// for a sensor name or unit that is not printable ASCII.
var ErrStringTooLong = errors.New("wire: string exceeds 255 bytes")

// Message is implemented by every wire payload type.
type Message interface {
	// Tag returns this message's wire type tag.
	Tag() Tag
	// Encode appends this message's wire encoding (including the leading
	// tag byte) to buf and returns the result.
	Encode(buf []byte) ([]byte, error)
}

// Encode is a convenience wrapper returning a freshly allocated buffer.
func Encode(m Message) ([]byte, error) {
	return m.Encode(nil)
}

// Decode dispatches on the leading tag byte and returns the decoded
// message along with the number of bytes consumed. On any malformed
// input it returns a nil message, 0, and an error wrapping ErrMalformed.
func Decode(data []byte) (Message, int, error) {
	if len(data) < 1 {
		return nil, 0, malformed("empty payload", 0)
	}

	switch Tag(data[0]) {
	case TagDeviceState:
		return decodeDeviceState(data)
	case TagPrint:
		return decodePrint(data)
	case TagPrintResponse:
		return decodePrintResponse(data)
	case TagPrintProgress:
		return decodePrintProgress(data)
	case TagAliases:
		return decodeAliases(data)
	case TagAliasesSet:
		return decodeAliasesSet(data)
	case TagAliasesSetProvider:
		return decodeAliasesSetProvider(data)
	case TagSensorReadings:
		return decodeSensorReadings(data)
	default:
		return nil, 0, malformed(fmt.Sprintf("unknown tag %d", data[0]), 0)
	}
}

func leUint64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func leUint32(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

func putLEUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putLEUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func putLEFloat64(buf []byte, v float64) []byte {
	return putLEUint64(buf, math.Float64bits(v))
}

func leFloat64(b []byte) float64 {
	return math.Float64frombits(leUint64(b))
}

// putString appends a one-byte length prefix followed by s's bytes. It
// returns ErrStringTooLong if s exceeds 255 bytes.
func putString(buf []byte, s string) ([]byte, error) {
	if len(s) > 255 {
		return nil, ErrStringTooLong
	}
	buf = append(buf, byte(len(s)))
	buf = append(buf, s...)
	return buf, nil
}

// readString reads a one-byte-length-prefixed string starting at data[pos].
// It returns the string, the new position, and an error if data is too
// short.
func readString(data []byte, pos int) (string, int, error) {
	if pos >= len(data) {
		return "", pos, malformed("truncated string length", pos)
	}
	n := int(data[pos])
	pos++
	if pos+n > len(data) {
		return "", pos, malformed("truncated string body", pos)
	}
	return string(data[pos : pos+n]), pos + n, nil
}

// newRequestCode generates a fresh 128-bit correlation code, using uuid's
// random (v4) generator as the entropy source.
func newRequestCode() (RequestCode, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return RequestCode{}, err
	}
	return RequestCode(id), nil
}

func isPrintableASCII(s string) bool {
	for _, r := range s {
		if r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}
