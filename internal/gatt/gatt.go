// Package gatt defines the generic attribute transport boundary the
// thermometer core depends on: handle-addressed discovery, read and write
// primitives, and subscription to inbound indication/notification frames.
// Implementations live elsewhere (internal/bleclient for go-ble); the core
// only sees these interfaces.
package gatt

import "github.com/google/uuid"

// ATT opcodes of unsolicited frames, plus the envelope they carry
// (opcode byte followed by the little-endian attribute handle).
const (
	OpHandleNotify   = 0x1b
	OpHandleIndicate = 0x1d

	EnvelopeSize = 3
)

// Client Characteristic Configuration values.
const (
	CCCDisable  uint16 = 0x0000
	CCCNotify   uint16 = 0x0001
	CCCIndicate uint16 = 0x0002
)

// Well-known Health Thermometer UUIDs (16-bit short form, normalized).
const (
	ServiceHealthThermometer = "1809"

	CharTemperatureMeasurement  = "2a1c"
	CharTemperatureType         = "2a1d"
	CharIntermediateTemperature = "2a1e"
	CharMeasurementInterval     = "2a21"

	DescClientConfig = "2902"
	DescValidRange   = "2906"
)

// HandleRange is an inclusive attribute handle range.
type HandleRange struct {
	Start uint16
	End   uint16
}

// Empty reports whether no handles fall within the range.
func (r HandleRange) Empty() bool {
	return r.Start > r.End
}

// Characteristic is a discovered characteristic declaration.
type Characteristic struct {
	UUID        string
	Handle      uint16
	ValueHandle uint16
	Properties  uint8
}

// Descriptor is a discovered characteristic descriptor.
type Descriptor struct {
	UUID   string
	Handle uint16
}

// SubscriptionID identifies a registered frame handler.
type SubscriptionID uuid.UUID

// NilSubscription is the zero SubscriptionID.
var NilSubscription SubscriptionID

// NewSubscriptionID returns a fresh unique subscription identifier.
func NewSubscriptionID() SubscriptionID {
	return SubscriptionID(uuid.New())
}

func (id SubscriptionID) String() string {
	return uuid.UUID(id).String()
}

// FrameHandler receives a raw inbound frame including its ATT envelope.
// The slice is only valid for the duration of the call.
type FrameHandler func(frame []byte)

// Transport is the asynchronous attribute protocol capability of one
// connected peripheral. Every operation returns immediately; the result is
// delivered later through the supplied callback, possibly on a different
// goroutine. Callers are responsible for re-serializing callbacks onto
// their own execution context.
type Transport interface {
	// DiscoverCharacteristics enumerates characteristic declarations within rng.
	DiscoverCharacteristics(rng HandleRange, cb func(chars []Characteristic, err error))

	// DiscoverDescriptors enumerates descriptors within rng.
	DiscoverDescriptors(rng HandleRange, cb func(descs []Descriptor, err error))

	// Read reads the attribute value at handle.
	Read(handle uint16, cb func(value []byte, err error))

	// Write writes value to the attribute at handle and reports the status.
	Write(handle uint16, value []byte, cb func(err error))

	// HandleIndications registers fn for inbound indication frames.
	HandleIndications(fn FrameHandler) SubscriptionID

	// HandleNotifications registers fn for inbound notification frames.
	HandleNotifications(fn FrameHandler) SubscriptionID

	// Unsubscribe removes a handler registered by HandleIndications or
	// HandleNotifications. Unknown ids are ignored.
	Unsubscribe(id SubscriptionID)

	// Confirm acknowledges the most recent indication.
	Confirm()
}
