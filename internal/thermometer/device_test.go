package thermometer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/thermlink/internal/codec"
	"github.com/srg/thermlink/internal/gatt"
)

func TestDiscovery_ConfiguresDevice(t *testing.T) {
	emitter := &fakeEmitter{}
	a := newTestAdapter(t, emitter)

	// A final watcher registered before the device connects.
	require.NoError(t, a.RegisterWatcher(watcherA, &fakeEndpoint{}))

	ft := fullFixture()
	tm := connectDevice(t, a, "dev0", ft)

	// Measurement indications armed because the final set is non-empty;
	// interval indications armed unconditionally.
	writes := ft.writesTo(measurementCCC)
	require.Len(t, writes, 1)
	assert.Equal(t, codec.EncodeUint16(gatt.CCCIndicate), writes[0].value)
	writes = ft.writesTo(intervalCCC)
	require.Len(t, writes, 1)
	assert.Equal(t, codec.EncodeUint16(gatt.CCCIndicate), writes[0].value)

	// Intermediate notifications stay disarmed: no intermediate watchers.
	assert.Empty(t, ft.writesTo(intermediateCCC))

	props := tm.Properties()
	assert.Equal(t, true, props["Intermediate"])
	assert.Equal(t, uint16(60), props["Interval"])
	assert.Equal(t, uint16(1), props["Minimum"])
	assert.Equal(t, uint16(900), props["Maximum"])

	assert.Len(t, emitter.changesNamed("Intermediate"), 1)
	assert.Len(t, emitter.changesNamed("Interval"), 1)
	assert.Len(t, emitter.changesNamed("Minimum"), 1)
	assert.Len(t, emitter.changesNamed("Maximum"), 1)
}

func TestDiscovery_MinimalDevice(t *testing.T) {
	a := newTestAdapter(t, nil)
	ft := measurementOnlyFixture()
	tm := connectDevice(t, a, "dev0", ft)

	props := tm.Properties()
	assert.Equal(t, false, props["Intermediate"])
	assert.NotContains(t, props, "Interval")
	assert.NotContains(t, props, "Maximum")
	assert.NotContains(t, props, "Minimum")
}

func TestDiscovery_FailureIsNotFatal(t *testing.T) {
	a := newTestAdapter(t, nil)
	ft := fullFixture()
	ft.discoverErr = errors.New("att timeout")
	tm := connectDevice(t, a, "dev0", ft)

	assert.Empty(t, tm.Characteristics())
	assert.Empty(t, ft.recordedWrites())

	// The session survives; a reconnect runs discovery again.
	ft.discoverErr = nil
	tm.Disconnected()
	tm.Connected(ft)
	settle(a)
	assert.Len(t, tm.Characteristics(), 4)
}

func TestReconnect_DeduplicatesCharacteristics(t *testing.T) {
	a := newTestAdapter(t, nil)
	ft := fullFixture()
	tm := connectDevice(t, a, "dev0", ft)
	require.Len(t, tm.Characteristics(), 4)

	tm.Disconnected()
	tm.Connected(ft)
	settle(a)

	// Re-discovery upserts by (UUID, value handle) instead of appending.
	assert.Len(t, tm.Characteristics(), 4)
}

func TestSetInterval(t *testing.T) {
	a := newTestAdapter(t, nil)
	ft := fullFixture()
	tm := connectDevice(t, a, "dev0", ft)
	ft.resetWrites()

	t.Run("out of range issues zero transport writes", func(t *testing.T) {
		assert.ErrorIs(t, tm.SetInterval(0), ErrInvalidArguments)
		assert.ErrorIs(t, tm.SetInterval(901), ErrInvalidArguments)
		assert.Empty(t, ft.recordedWrites())
	})

	t.Run("valid value writes and updates the property", func(t *testing.T) {
		require.NoError(t, tm.SetInterval(120))
		writes := ft.writesTo(intervalValue)
		require.Len(t, writes, 1)
		assert.Equal(t, codec.EncodeUint16(120), writes[0].value)
		assert.Equal(t, uint16(120), tm.Properties()["Interval"])
	})

	t.Run("write failure leaves the property unchanged", func(t *testing.T) {
		ft.writeErr = errors.New("write not permitted")
		require.NoError(t, tm.SetInterval(300))
		assert.Equal(t, uint16(120), tm.Properties()["Interval"])
		ft.writeErr = nil
	})

	t.Run("not connected", func(t *testing.T) {
		tm.Disconnected()
		settle(a)
		assert.ErrorIs(t, tm.SetInterval(120), ErrNotConnected)
	})
}

func TestSetInterval_NotAvailable(t *testing.T) {
	a := newTestAdapter(t, nil)
	ft := measurementOnlyFixture()
	tm := connectDevice(t, a, "dev0", ft)

	assert.ErrorIs(t, tm.SetInterval(60), ErrNotAvailable)
}

func TestValidRange_InvalidValuesDiscarded(t *testing.T) {
	tests := []struct {
		name  string
		value []byte
	}{
		{"zero minimum", append(codec.EncodeUint16(0), codec.EncodeUint16(10)...)},
		{"minimum above maximum", append(codec.EncodeUint16(11), codec.EncodeUint16(10)...)},
		{"short payload", []byte{0x01, 0x00, 0x0a}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emitter := &fakeEmitter{}
			a := newTestAdapter(t, emitter)
			ft := fullFixture()
			ft.reads[intervalValidRange] = tt.value
			connectDevice(t, a, "dev0", ft)

			assert.Empty(t, emitter.changesNamed("Minimum"))
			assert.Empty(t, emitter.changesNamed("Maximum"))
		})
	}
}

func TestIndication_UnknownHandleNotConfirmed(t *testing.T) {
	a := newTestAdapter(t, nil)
	ft := fullFixture()
	connectDevice(t, a, "dev0", ft)

	ep := &fakeEndpoint{}
	require.NoError(t, a.RegisterWatcher(watcherA, ep))

	ft.indicate(indicationFrame(gatt.OpHandleIndicate, 0x00ff,
		0x00, 0x42, 0x0e, 0x00, 0xfe))
	settle(a)

	assert.Empty(t, ep.received())
	assert.Equal(t, 0, ft.confirmCount())
}

func TestIndication_MalformedPayloadDroppedButConfirmed(t *testing.T) {
	a := newTestAdapter(t, nil)
	ft := fullFixture()
	connectDevice(t, a, "dev0", ft)

	ep := &fakeEndpoint{}
	require.NoError(t, a.RegisterWatcher(watcherA, ep))

	// Flags promise a temperature value that is not there.
	ft.indicate(indicationFrame(gatt.OpHandleIndicate, measurementValue, 0x00, 0x42))
	settle(a)

	assert.Empty(t, ep.received(), "truncated frames must never reach watchers")
	assert.Equal(t, 1, ft.confirmCount())
}

func TestIntervalIndication_UpdatesProperty(t *testing.T) {
	emitter := &fakeEmitter{}
	a := newTestAdapter(t, emitter)
	ft := fullFixture()
	tm := connectDevice(t, a, "dev0", ft)

	ft.indicate(indicationFrame(gatt.OpHandleIndicate, intervalValue, 0x2c, 0x01))
	settle(a)

	assert.Equal(t, uint16(300), tm.Properties()["Interval"])
	assert.Equal(t, 1, ft.confirmCount())

	// Same value again: no externally visible change event.
	ft.indicate(indicationFrame(gatt.OpHandleIndicate, intervalValue, 0x2c, 0x01))
	settle(a)
	assert.Len(t, emitter.changesNamed("Interval"), 2) // initial read + first indication
}

func TestMeasurement_TypeFromDeviceFallback(t *testing.T) {
	a := newTestAdapter(t, nil)
	ft := fullFixture() // Temperature Type characteristic reads as "body"
	connectDevice(t, a, "dev0", ft)

	ep := &fakeEndpoint{}
	require.NoError(t, a.RegisterWatcher(watcherA, ep))

	ft.indicate(indicationFrame(gatt.OpHandleIndicate, measurementValue,
		0x00, 0x42, 0x0e, 0x00, 0xfe))
	settle(a)

	require.Len(t, ep.received(), 1)
	assert.Equal(t, "body", ep.received()[0].measurement.Type)
}

func TestMeasurement_TypeFromFrameWins(t *testing.T) {
	a := newTestAdapter(t, nil)
	ft := fullFixture()
	connectDevice(t, a, "dev0", ft)

	ep := &fakeEndpoint{}
	require.NoError(t, a.RegisterWatcher(watcherA, ep))

	ft.indicate(indicationFrame(gatt.OpHandleIndicate, measurementValue,
		codec.FlagType, 0x42, 0x0e, 0x00, 0xfe, 0x03))
	settle(a)

	require.Len(t, ep.received(), 1)
	assert.Equal(t, "ear", ep.received()[0].measurement.Type)
}

func TestStaleFrames_DroppedAfterDisconnect(t *testing.T) {
	a := newTestAdapter(t, nil)
	ft := fullFixture()
	tm := connectDevice(t, a, "dev0", ft)

	ep := &fakeEndpoint{}
	require.NoError(t, a.RegisterWatcher(watcherA, ep))

	// Capture the handler the session registered, then disconnect out from
	// under it: a late frame must be ignored.
	var handler gatt.FrameHandler
	ft.mu.Lock()
	for _, fn := range ft.indHandlers {
		handler = fn
	}
	ft.mu.Unlock()
	require.NotNil(t, handler)

	tm.Disconnected()
	settle(a)

	handler(indicationFrame(gatt.OpHandleIndicate, measurementValue,
		0x00, 0x42, 0x0e, 0x00, 0xfe))
	settle(a)

	assert.Empty(t, ep.received())
	assert.Equal(t, 0, ft.confirmCount())
}

func TestStaleReads_DroppedAfterReconnect(t *testing.T) {
	a := newTestAdapter(t, nil)

	// A transport whose interval read completes only after a disconnect.
	ft := fullFixture()
	var pendingRead func([]byte, error)
	slow := &slowReadTransport{fakeTransport: ft, capture: &pendingRead, handle: intervalValue}

	tm, err := a.RegisterDevice("dev0", gatt.HandleRange{Start: fixtureSvcStart, End: fixtureSvcEnd})
	require.NoError(t, err)
	tm.Connected(slow)
	settle(a)
	require.NotNil(t, pendingRead)

	tm.Disconnected()
	settle(a)

	pendingRead(codec.EncodeUint16(60), nil)
	settle(a)

	assert.NotContains(t, tm.Properties(), "Interval",
		"results arriving after disconnect must not be applied")
}

// slowReadTransport defers the read of one handle so tests can complete it
// after a state change.
type slowReadTransport struct {
	*fakeTransport
	handle  uint16
	capture *func([]byte, error)
}

func (s *slowReadTransport) Read(handle uint16, cb func([]byte, error)) {
	if handle == s.handle {
		*s.capture = cb
		return
	}
	s.fakeTransport.Read(handle, cb)
}
