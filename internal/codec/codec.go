// Package codec decodes and encodes the binary frames of the Health
// Thermometer profile: temperature measurements (IEEE-11073 32-bit FLOAT
// plus optional timestamp and type fields behind a flags byte), measurement
// interval values, and the Valid Range descriptor payload.
//
// All functions are pure; logging and transport concerns stay with callers.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Kind tells final (completed) measurements apart from intermediate
// (in-progress) ones.
type Kind string

const (
	Final        Kind = "final"
	Intermediate Kind = "intermediate"
)

// Temperature measurement flag bits
const (
	FlagFahrenheit = 0x01
	FlagTimestamp  = 0x02
	FlagType       = 0x04
)

const (
	// EnvelopeSize is the ATT envelope preceding the payload: opcode plus
	// attribute handle.
	EnvelopeSize = 3

	// maxMantissa is 2^24, used to fold the 24-bit mantissa into a signed value.
	maxMantissa = 1 << 24
)

// TruncatedFrameError reports a frame shorter than the section being decoded
// requires. Lengths are checked incrementally as each optional section is
// consumed, so Section names the first field that could not be read.
type TruncatedFrameError struct {
	Section string
	Need    int
	Have    int
}

func (e *TruncatedFrameError) Error() string {
	return fmt.Sprintf("truncated frame: %s needs %d bytes, have %d", e.Section, e.Need, e.Have)
}

// ErrInvalidRange marks a Valid Range payload whose bounds are unusable
// (min == 0 or min > max). Callers must discard the range, not apply it.
var ErrInvalidRange = errors.New("invalid range")

// Measurement is a single decoded temperature reading.
type Measurement struct {
	Exponent int16
	Mantissa int32
	Time     time.Time
	HasTime  bool
	Unit     string // "celsius" or "fahrenheit"
	Type     string // empty when absent or reserved
	TypeCode byte
	HasType  bool // frame carried a type byte (Type may still be empty for reserved codes)
	Kind     Kind
}

// Value converts the mantissa/exponent pair to a float64 (mantissa * 10^exp).
func (m *Measurement) Value() float64 {
	v := float64(m.Mantissa)
	for e := m.Exponent; e > 0; e-- {
		v *= 10
	}
	for e := m.Exponent; e < 0; e++ {
		v /= 10
	}
	return v
}

var temperatureTypes = [...]string{
	"", // reserved
	"armpit",
	"body",
	"ear",
	"finger",
	"intestines",
	"mouth",
	"rectum",
	"toe",
	"tympanum",
}

// TemperatureTypeName maps a Temperature Type code to its name.
// Codes 0 and >= 10 are reserved for future use and map to "".
func TemperatureTypeName(code byte) string {
	if int(code) < len(temperatureTypes) {
		return temperatureTypes[code]
	}
	return ""
}

// DecodeMeasurement parses a Temperature Measurement or Intermediate
// Temperature frame, including its 3-byte ATT envelope.
//
// Layout after the envelope: flags byte, 4-byte IEEE-11073 FLOAT (little
// endian u32; top byte is the signed exponent, low 24 bits the two's
// complement mantissa), then a 7-byte timestamp when FlagTimestamp is set and
// a type byte when FlagType is set.
func DecodeMeasurement(frame []byte, kind Kind) (*Measurement, error) {
	if len(frame) < EnvelopeSize {
		return nil, &TruncatedFrameError{Section: "envelope", Need: EnvelopeSize, Have: len(frame)}
	}
	pdu := frame[EnvelopeSize:]

	if len(pdu) < 1 {
		return nil, &TruncatedFrameError{Section: "flags", Need: 1, Have: len(pdu)}
	}
	flags := pdu[0]
	pdu = pdu[1:]

	m := &Measurement{Kind: kind, Unit: "celsius"}
	if flags&FlagFahrenheit != 0 {
		m.Unit = "fahrenheit"
	}

	if len(pdu) < 4 {
		return nil, &TruncatedFrameError{Section: "temperature value", Need: 4, Have: len(pdu)}
	}
	raw := binary.LittleEndian.Uint32(pdu)
	m.Mantissa = int32(raw & 0x00ffffff)
	m.Exponent = int16(int8(raw >> 24))
	if m.Mantissa&0x00800000 != 0 {
		// two's complement over 24 bits
		m.Mantissa -= maxMantissa
	}
	pdu = pdu[4:]

	if flags&FlagTimestamp != 0 {
		if len(pdu) < 7 {
			return nil, &TruncatedFrameError{Section: "timestamp", Need: 7, Have: len(pdu)}
		}
		year := binary.LittleEndian.Uint16(pdu)
		m.Time = time.Date(int(year), time.Month(pdu[2]), int(pdu[3]),
			int(pdu[4]), int(pdu[5]), int(pdu[6]), 0, time.Local)
		m.HasTime = true
		pdu = pdu[7:]
	}

	if flags&FlagType != 0 {
		if len(pdu) < 1 {
			return nil, &TruncatedFrameError{Section: "temperature type", Need: 1, Have: len(pdu)}
		}
		m.TypeCode = pdu[0]
		m.HasType = true
		m.Type = TemperatureTypeName(pdu[0])
	}

	return m, nil
}

// DecodeInterval parses a Measurement Interval indication frame, including
// its 3-byte ATT envelope, and returns the interval in seconds.
func DecodeInterval(frame []byte) (uint16, error) {
	if len(frame) < EnvelopeSize+2 {
		return 0, &TruncatedFrameError{Section: "interval", Need: EnvelopeSize + 2, Have: len(frame)}
	}
	return binary.LittleEndian.Uint16(frame[EnvelopeSize:]), nil
}

// DecodeValidRange parses a Valid Range descriptor value: two little-endian
// u16 fields. A structurally complete but unusable range (min == 0 or
// min > max) fails with ErrInvalidRange.
func DecodeValidRange(value []byte) (min, max uint16, err error) {
	if len(value) < 4 {
		return 0, 0, &TruncatedFrameError{Section: "valid range", Need: 4, Have: len(value)}
	}
	min = binary.LittleEndian.Uint16(value[0:2])
	max = binary.LittleEndian.Uint16(value[2:4])
	if min == 0 || min > max {
		return 0, 0, fmt.Errorf("%w: min=%d max=%d", ErrInvalidRange, min, max)
	}
	return min, max, nil
}

// EncodeUint16 renders v as the 2-byte little-endian payload used for
// characteristic and client-config descriptor writes.
func EncodeUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}
