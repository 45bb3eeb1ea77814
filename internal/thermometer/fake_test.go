package thermometer

import (
	"encoding/binary"
	"sync"

	"github.com/srg/thermlink/internal/codec"
	"github.com/srg/thermlink/internal/gatt"
)

// Fixture handles for a peripheral exposing the full thermometer service.
const (
	fixtureSvcStart uint16 = 0x0010
	fixtureSvcEnd   uint16 = 0x001b

	measurementDecl  uint16 = 0x0010
	measurementValue uint16 = 0x0011
	measurementCCC   uint16 = 0x0012

	intermediateDecl  uint16 = 0x0013
	intermediateValue uint16 = 0x0014
	intermediateCCC   uint16 = 0x0015

	typeDecl  uint16 = 0x0016
	typeValue uint16 = 0x0017

	intervalDecl       uint16 = 0x0018
	intervalValue      uint16 = 0x0019
	intervalCCC        uint16 = 0x001a
	intervalValidRange uint16 = 0x001b
)

type recordedWrite struct {
	handle uint16
	value  []byte
}

// fakeTransport serves scripted discovery results and records configuration
// traffic. Callbacks run inline on the caller's goroutine, which in these
// tests is the adapter dispatch goroutine, so the whole discovery cascade
// completes within a single dispatched item.
type fakeTransport struct {
	chars       []gatt.Characteristic
	descs       []gatt.Descriptor
	reads       map[uint16][]byte
	readErrs    map[uint16]error
	writeErr    error
	discoverErr error

	mu            sync.Mutex
	writes        []recordedWrite
	confirms      int
	indHandlers   map[gatt.SubscriptionID]gatt.FrameHandler
	notifHandlers map[gatt.SubscriptionID]gatt.FrameHandler
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reads:         make(map[uint16][]byte),
		readErrs:      make(map[uint16]error),
		indHandlers:   make(map[gatt.SubscriptionID]gatt.FrameHandler),
		notifHandlers: make(map[gatt.SubscriptionID]gatt.FrameHandler),
	}
}

// fullFixture scripts a peripheral exposing all four thermometer
// characteristics, interval 60s with a valid range of 1..900.
func fullFixture() *fakeTransport {
	ft := newFakeTransport()
	ft.chars = []gatt.Characteristic{
		{UUID: gatt.CharTemperatureMeasurement, Handle: measurementDecl, ValueHandle: measurementValue},
		{UUID: gatt.CharIntermediateTemperature, Handle: intermediateDecl, ValueHandle: intermediateValue},
		{UUID: gatt.CharTemperatureType, Handle: typeDecl, ValueHandle: typeValue},
		{UUID: gatt.CharMeasurementInterval, Handle: intervalDecl, ValueHandle: intervalValue},
	}
	ft.descs = []gatt.Descriptor{
		{UUID: gatt.DescClientConfig, Handle: measurementCCC},
		{UUID: gatt.DescClientConfig, Handle: intermediateCCC},
		{UUID: gatt.DescClientConfig, Handle: intervalCCC},
		{UUID: gatt.DescValidRange, Handle: intervalValidRange},
	}
	ft.reads[typeValue] = []byte{2} // body
	ft.reads[intervalValue] = codec.EncodeUint16(60)
	ft.reads[intervalValidRange] = append(codec.EncodeUint16(1), codec.EncodeUint16(900)...)
	return ft
}

// measurementOnlyFixture scripts a peripheral exposing only the Temperature
// Measurement characteristic.
func measurementOnlyFixture() *fakeTransport {
	ft := newFakeTransport()
	ft.chars = []gatt.Characteristic{
		{UUID: gatt.CharTemperatureMeasurement, Handle: measurementDecl, ValueHandle: measurementValue},
	}
	ft.descs = []gatt.Descriptor{
		{UUID: gatt.DescClientConfig, Handle: measurementCCC},
	}
	return ft
}

func (ft *fakeTransport) DiscoverCharacteristics(rng gatt.HandleRange, cb func([]gatt.Characteristic, error)) {
	if ft.discoverErr != nil {
		cb(nil, ft.discoverErr)
		return
	}
	var out []gatt.Characteristic
	for _, c := range ft.chars {
		if c.Handle >= rng.Start && c.Handle <= rng.End {
			out = append(out, c)
		}
	}
	cb(out, nil)
}

func (ft *fakeTransport) DiscoverDescriptors(rng gatt.HandleRange, cb func([]gatt.Descriptor, error)) {
	var out []gatt.Descriptor
	for _, d := range ft.descs {
		if d.Handle >= rng.Start && d.Handle <= rng.End {
			out = append(out, d)
		}
	}
	cb(out, nil)
}

func (ft *fakeTransport) Read(handle uint16, cb func([]byte, error)) {
	if err, ok := ft.readErrs[handle]; ok {
		cb(nil, err)
		return
	}
	cb(ft.reads[handle], nil)
}

func (ft *fakeTransport) Write(handle uint16, value []byte, cb func(error)) {
	ft.mu.Lock()
	ft.writes = append(ft.writes, recordedWrite{handle: handle, value: append([]byte(nil), value...)})
	ft.mu.Unlock()
	cb(ft.writeErr)
}

func (ft *fakeTransport) HandleIndications(fn gatt.FrameHandler) gatt.SubscriptionID {
	id := gatt.NewSubscriptionID()
	ft.mu.Lock()
	ft.indHandlers[id] = fn
	ft.mu.Unlock()
	return id
}

func (ft *fakeTransport) HandleNotifications(fn gatt.FrameHandler) gatt.SubscriptionID {
	id := gatt.NewSubscriptionID()
	ft.mu.Lock()
	ft.notifHandlers[id] = fn
	ft.mu.Unlock()
	return id
}

func (ft *fakeTransport) Unsubscribe(id gatt.SubscriptionID) {
	ft.mu.Lock()
	delete(ft.indHandlers, id)
	delete(ft.notifHandlers, id)
	ft.mu.Unlock()
}

func (ft *fakeTransport) Confirm() {
	ft.mu.Lock()
	ft.confirms++
	ft.mu.Unlock()
}

func (ft *fakeTransport) indicate(frame []byte) {
	ft.mu.Lock()
	handlers := make([]gatt.FrameHandler, 0, len(ft.indHandlers))
	for _, fn := range ft.indHandlers {
		handlers = append(handlers, fn)
	}
	ft.mu.Unlock()
	for _, fn := range handlers {
		fn(frame)
	}
}

func (ft *fakeTransport) notify(frame []byte) {
	ft.mu.Lock()
	handlers := make([]gatt.FrameHandler, 0, len(ft.notifHandlers))
	for _, fn := range ft.notifHandlers {
		handlers = append(handlers, fn)
	}
	ft.mu.Unlock()
	for _, fn := range handlers {
		fn(frame)
	}
}

func (ft *fakeTransport) recordedWrites() []recordedWrite {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]recordedWrite(nil), ft.writes...)
}

func (ft *fakeTransport) writesTo(handle uint16) []recordedWrite {
	var out []recordedWrite
	for _, w := range ft.recordedWrites() {
		if w.handle == handle {
			out = append(out, w)
		}
	}
	return out
}

func (ft *fakeTransport) resetWrites() {
	ft.mu.Lock()
	ft.writes = nil
	ft.mu.Unlock()
}

func (ft *fakeTransport) confirmCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.confirms
}

// indicationFrame builds an inbound frame with the ATT envelope for handle.
func indicationFrame(op byte, handle uint16, payload ...byte) []byte {
	frame := []byte{op}
	frame = binary.LittleEndian.AppendUint16(frame, handle)
	return append(frame, payload...)
}

type delivered struct {
	devicePath  string
	measurement *codec.Measurement
}

// fakeEndpoint records fan-out deliveries and exposes the disconnect trigger
// the adapter subscribed to.
type fakeEndpoint struct {
	mu           sync.Mutex
	deliveries   []delivered
	disconnect   func()
	cancelCount  int
	panicDeliver bool
}

func (e *fakeEndpoint) MeasurementReceived(devicePath string, m *codec.Measurement) {
	if e.panicDeliver {
		panic("endpoint gone")
	}
	e.mu.Lock()
	e.deliveries = append(e.deliveries, delivered{devicePath: devicePath, measurement: m})
	e.mu.Unlock()
}

func (e *fakeEndpoint) WatchDisconnect(fn func()) func() {
	e.mu.Lock()
	e.disconnect = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		e.cancelCount++
		e.mu.Unlock()
	}
}

func (e *fakeEndpoint) received() []delivered {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]delivered(nil), e.deliveries...)
}

func (e *fakeEndpoint) triggerDisconnect() {
	e.mu.Lock()
	fn := e.disconnect
	e.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (e *fakeEndpoint) cancels() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelCount
}

type propertyChange struct {
	devicePath string
	name       string
	value      interface{}
}

type fakeEmitter struct {
	mu      sync.Mutex
	changes []propertyChange
}

func (e *fakeEmitter) PropertyChanged(devicePath, name string, value interface{}) {
	e.mu.Lock()
	e.changes = append(e.changes, propertyChange{devicePath: devicePath, name: name, value: value})
	e.mu.Unlock()
}

func (e *fakeEmitter) changesNamed(name string) []propertyChange {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []propertyChange
	for _, c := range e.changes {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}
