package thermometer

import (
	"encoding/binary"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/thermlink/internal/codec"
	"github.com/srg/thermlink/internal/gatt"
)

// charKey identifies a discovered characteristic. Keying by UUID and value
// handle lets reconnect-triggered re-discovery upsert into the existing set
// instead of appending duplicates.
type charKey struct {
	uuid        string
	valueHandle uint16
}

type characteristic struct {
	attr        gatt.Characteristic
	descriptors []gatt.Descriptor
}

// descAction is the configuration step a discovered descriptor triggers,
// decided by the (characteristic, descriptor) UUID pair.
type descAction int

const (
	actionIgnore descAction = iota
	actionEnableIfFinalWatchers
	actionEnableIfIntermediateWatchers
	actionAlwaysIndicate
	actionReadValidRange
)

var descActions = map[[2]string]descAction{
	{gatt.CharTemperatureMeasurement, gatt.DescClientConfig}:  actionEnableIfFinalWatchers,
	{gatt.CharIntermediateTemperature, gatt.DescClientConfig}: actionEnableIfIntermediateWatchers,
	{gatt.CharMeasurementInterval, gatt.DescClientConfig}:     actionAlwaysIndicate,
	{gatt.CharMeasurementInterval, gatt.DescValidRange}:       actionReadValidRange,
}

// Thermometer is the session of one peripheral exposing the Health
// Thermometer service. All fields are owned by the adapter's dispatch
// goroutine; the exported methods re-serialize onto it.
type Thermometer struct {
	adapter  *Adapter
	path     string
	svcRange gatt.HandleRange
	logger   *logrus.Entry

	tr      gatt.Transport // nil while disconnected
	indID   gatt.SubscriptionID
	notifID gatt.SubscriptionID

	chars *orderedmap.OrderedMap[charKey, *characteristic]

	intermediate bool
	tempType     byte
	hasType      bool
	interval     uint16
	min          uint16
	max          uint16
	hasInterval  bool
}

func newThermometer(a *Adapter, path string, rng gatt.HandleRange) *Thermometer {
	return &Thermometer{
		adapter:  a,
		path:     path,
		svcRange: rng,
		logger:   a.logger.WithField("device", path),
		chars:    orderedmap.New[charKey, *characteristic](),
	}
}

// Path returns the device identity this session was registered for.
func (t *Thermometer) Path() string {
	return t.path
}

// Connected attaches a live transport to the session: inbound frame handlers
// are registered and characteristic discovery starts over the service range.
func (t *Thermometer) Connected(tr gatt.Transport) {
	t.adapter.act.do(func() { t.connected(tr) })
}

// Disconnected detaches the transport. Discovered characteristics are
// retained; results of still in-flight operations are dropped as stale.
func (t *Thermometer) Disconnected() {
	t.adapter.act.do(func() { t.disconnected() })
}

// Characteristics returns a snapshot of the discovered characteristic set.
func (t *Thermometer) Characteristics() []gatt.Characteristic {
	var out []gatt.Characteristic
	_ = t.adapter.act.call(func() error {
		for pair := t.chars.Oldest(); pair != nil; pair = pair.Next() {
			out = append(out, pair.Value.attr)
		}
		return nil
	})
	return out
}

// Properties returns the observable property snapshot: Intermediate always,
// Interval/Maximum/Minimum only once the measurement interval is known.
func (t *Thermometer) Properties() map[string]interface{} {
	props := make(map[string]interface{})
	_ = t.adapter.act.call(func() error {
		props["Intermediate"] = t.intermediate
		if t.hasInterval {
			props["Interval"] = t.interval
			props["Maximum"] = t.max
			props["Minimum"] = t.min
		}
		return nil
	})
	return props
}

// SetInterval writes a new measurement interval requested by a subscriber.
// The value is validated against the device's valid range before any
// transport I/O; the Interval property changes only after the peripheral
// acknowledges the write.
func (t *Thermometer) SetInterval(value uint16) error {
	return t.adapter.act.call(func() error {
		if t.tr == nil {
			return ErrNotConnected
		}
		ch := t.characteristicByUUID(gatt.CharMeasurementInterval)
		if ch == nil {
			return ErrNotAvailable
		}
		if !t.hasInterval {
			return ErrNotAvailable
		}
		if value < t.min || value > t.max {
			return ErrInvalidArguments
		}

		tr := t.tr
		tr.Write(ch.attr.ValueHandle, codec.EncodeUint16(value), func(err error) {
			t.adapter.act.do(func() {
				if t.tr != tr {
					return
				}
				if err != nil {
					t.logger.WithError(err).Error("Interval write request failed")
					return
				}
				t.changeInterval(value)
			})
		})
		return nil
	})
}

// ----------------------------
// Dispatch-goroutine internals
// ----------------------------

func (t *Thermometer) connected(tr gatt.Transport) {
	if t.tr != nil {
		t.disconnected()
	}
	t.tr = tr

	t.indID = tr.HandleIndications(func(frame []byte) {
		t.adapter.act.do(func() { t.handleIndication(tr, frame) })
	})
	t.notifID = tr.HandleNotifications(func(frame []byte) {
		t.adapter.act.do(func() { t.handleNotification(tr, frame) })
	})

	tr.DiscoverCharacteristics(t.svcRange, func(chars []gatt.Characteristic, err error) {
		t.adapter.act.do(func() { t.charsDiscovered(tr, chars, err) })
	})
}

func (t *Thermometer) disconnected() {
	if t.tr == nil {
		return
	}
	t.logger.Debug("Thermometer transport disconnected")
	t.tr.Unsubscribe(t.indID)
	t.tr.Unsubscribe(t.notifID)
	t.indID = gatt.NilSubscription
	t.notifID = gatt.NilSubscription
	t.tr = nil
}

// release tears the session down on device removal.
func (t *Thermometer) release() {
	t.disconnected()
	t.chars = orderedmap.New[charKey, *characteristic]()
}

// stale reports whether a callback result belongs to a transport that is no
// longer attached and must be dropped.
func (t *Thermometer) stale(tr gatt.Transport) bool {
	return t.tr != tr
}

func (t *Thermometer) charsDiscovered(tr gatt.Transport, chars []gatt.Characteristic, err error) {
	if t.stale(tr) {
		return
	}
	if err != nil {
		t.logger.WithError(err).Error("Discover thermometer characteristics failed")
		return
	}

	for i, c := range chars {
		c.UUID = gatt.NormalizeUUID(c.UUID)
		key := charKey{uuid: c.UUID, valueHandle: c.ValueHandle}

		t.logger.WithFields(logrus.Fields{
			"uuid":   c.UUID,
			"name":   gatt.KnownName(c.UUID),
			"handle": c.ValueHandle,
		}).Debug("Discovered characteristic")

		ch, ok := t.chars.Get(key)
		if ok {
			// Reconnect re-runs discovery; refresh in place.
			ch.attr = c
			ch.descriptors = ch.descriptors[:0]
		} else {
			ch = &characteristic{attr: c}
			t.chars.Set(key, ch)
		}

		t.processCharacteristic(tr, ch)

		rng := descriptorRange(chars, i, t.svcRange.End)
		if rng.Empty() {
			continue
		}
		tr.DiscoverDescriptors(rng, func(descs []gatt.Descriptor, err error) {
			t.adapter.act.do(func() { t.descriptorsDiscovered(tr, key, descs, err) })
		})
	}
}

// descriptorRange computes the descriptor handle sub-range of the i-th
// discovered characteristic: from just past its value handle up to the next
// characteristic declaration, or the service end for the last one. An empty
// range means adjacent characteristics with no gap.
func descriptorRange(chars []gatt.Characteristic, i int, svcEnd uint16) gatt.HandleRange {
	start := chars[i].ValueHandle + 1
	if i+1 < len(chars) {
		return gatt.HandleRange{Start: start, End: chars[i+1].Handle - 1}
	}
	if chars[i].ValueHandle == svcEnd {
		return gatt.HandleRange{Start: start, End: start - 1}
	}
	return gatt.HandleRange{Start: start, End: svcEnd}
}

func (t *Thermometer) processCharacteristic(tr gatt.Transport, ch *characteristic) {
	switch ch.attr.UUID {
	case gatt.CharIntermediateTemperature:
		t.changeIntermediate(true)
	case gatt.CharTemperatureType:
		tr.Read(ch.attr.ValueHandle, func(value []byte, err error) {
			t.adapter.act.do(func() { t.typeRead(tr, value, err) })
		})
	case gatt.CharMeasurementInterval:
		tr.Read(ch.attr.ValueHandle, func(value []byte, err error) {
			t.adapter.act.do(func() { t.intervalRead(tr, value, err) })
		})
	}
}

func (t *Thermometer) typeRead(tr gatt.Transport, value []byte, err error) {
	if t.stale(tr) {
		return
	}
	if err != nil {
		t.logger.WithError(err).Debug("Temperature Type value read failed")
		return
	}
	if len(value) != 1 {
		t.logger.WithField("length", len(value)).Debug("Invalid length for Temperature Type")
		return
	}
	t.hasType = true
	t.tempType = value[0]
}

func (t *Thermometer) intervalRead(tr gatt.Transport, value []byte, err error) {
	if t.stale(tr) {
		return
	}
	if err != nil {
		t.logger.WithError(err).Debug("Measurement Interval value read failed")
		return
	}
	if len(value) < 2 {
		t.logger.WithField("length", len(value)).Debug("Invalid Measurement Interval received")
		return
	}
	t.changeInterval(binary.LittleEndian.Uint16(value))
}

func (t *Thermometer) descriptorsDiscovered(tr gatt.Transport, key charKey, descs []gatt.Descriptor, err error) {
	if t.stale(tr) {
		return
	}
	ch, ok := t.chars.Get(key)
	if !ok {
		return
	}
	if err != nil {
		t.logger.WithError(err).WithField("characteristic", key.uuid).
			Error("Discover characteristic descriptors failed")
		return
	}

	for _, d := range descs {
		d.UUID = gatt.NormalizeUUID(d.UUID)
		ch.descriptors = append(ch.descriptors, d)
		t.processDescriptor(tr, ch, d)
	}
}

func (t *Thermometer) processDescriptor(tr gatt.Transport, ch *characteristic, d gatt.Descriptor) {
	switch descActions[[2]string{ch.attr.UUID, d.UUID}] {
	case actionEnableIfFinalWatchers:
		if t.adapter.fwatchers.Len() == 0 {
			return
		}
		t.writeDescriptor(tr, d.Handle, gatt.CCCIndicate, "Enable Temperature Measurement indication")

	case actionEnableIfIntermediateWatchers:
		if t.adapter.iwatchers.Len() == 0 {
			return
		}
		t.writeDescriptor(tr, d.Handle, gatt.CCCNotify, "Enable Intermediate Temperature notification")

	case actionAlwaysIndicate:
		t.writeDescriptor(tr, d.Handle, gatt.CCCIndicate, "Enable Measurement Interval indication")

	case actionReadValidRange:
		tr.Read(d.Handle, func(value []byte, err error) {
			t.adapter.act.do(func() { t.validRangeRead(tr, value, err) })
		})

	default:
		t.logger.WithFields(logrus.Fields{
			"descriptor":     d.UUID,
			"characteristic": ch.attr.UUID,
		}).Debug("Ignored descriptor")
	}
}

func (t *Thermometer) validRangeRead(tr gatt.Transport, value []byte, err error) {
	if t.stale(tr) {
		return
	}
	if err != nil {
		t.logger.WithError(err).Debug("Valid Range descriptor read failed")
		return
	}
	min, max, err := codec.DecodeValidRange(value)
	if err != nil {
		t.logger.WithError(err).Debug("Discarding Valid Range descriptor value")
		return
	}
	t.changeMaximum(max)
	t.changeMinimum(min)
}

// writeDescriptor issues an asynchronous configuration write. Failures are
// logged and abandon only this one step.
func (t *Thermometer) writeDescriptor(tr gatt.Transport, handle uint16, value uint16, msg string) {
	tr.Write(handle, codec.EncodeUint16(value), func(err error) {
		t.adapter.act.do(func() {
			if err != nil {
				t.logger.WithError(err).Errorf("%s failed", msg)
			}
		})
	})
}

// writeClientConfig looks up the client config descriptor under the given
// characteristic and writes value to it. Used by the watcher-population
// enable/disable passes; missing pieces are logged, never fatal.
func (t *Thermometer) writeClientConfig(charUUID string, value uint16, msg string) {
	if t.tr == nil {
		return
	}
	ch := t.characteristicByUUID(charUUID)
	if ch == nil {
		t.logger.WithField("characteristic", charUUID).Debug("Characteristic not found")
		return
	}
	d := descriptorByUUID(ch, gatt.DescClientConfig)
	if d == nil {
		t.logger.WithField("characteristic", charUUID).Debug("Client config descriptor not found")
		return
	}
	t.writeDescriptor(t.tr, d.Handle, value, msg)
}

func (t *Thermometer) enableFinalMeasurement() {
	t.writeClientConfig(gatt.CharTemperatureMeasurement, gatt.CCCIndicate,
		"Enable Temperature Measurement indication")
}

func (t *Thermometer) disableFinalMeasurement() {
	t.writeClientConfig(gatt.CharTemperatureMeasurement, gatt.CCCDisable,
		"Disable Temperature Measurement indication")
}

func (t *Thermometer) enableIntermediateMeasurement() {
	t.writeClientConfig(gatt.CharIntermediateTemperature, gatt.CCCNotify,
		"Enable Intermediate Temperature notification")
}

func (t *Thermometer) disableIntermediateMeasurement() {
	t.writeClientConfig(gatt.CharIntermediateTemperature, gatt.CCCDisable,
		"Disable Intermediate Temperature notification")
}

func (t *Thermometer) characteristicByUUID(uuid string) *characteristic {
	for pair := t.chars.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.attr.UUID == uuid {
			return pair.Value
		}
	}
	return nil
}

func (t *Thermometer) characteristicByValueHandle(handle uint16) *characteristic {
	for pair := t.chars.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.attr.ValueHandle == handle {
			return pair.Value
		}
	}
	return nil
}

func descriptorByUUID(ch *characteristic, uuid string) *gatt.Descriptor {
	for i := range ch.descriptors {
		if ch.descriptors[i].UUID == uuid {
			return &ch.descriptors[i]
		}
	}
	return nil
}

// ----------------------------
// Inbound frame dispatch
// ----------------------------

func (t *Thermometer) handleIndication(tr gatt.Transport, frame []byte) {
	if t.stale(tr) {
		return
	}
	if len(frame) < gatt.EnvelopeSize {
		t.logger.WithField("length", len(frame)).Debug("Bad indication frame received")
		return
	}
	handle := binary.LittleEndian.Uint16(frame[1:3])
	ch := t.characteristicByValueHandle(handle)
	if ch == nil {
		t.logger.WithField("handle", handle).Debug("Indication for unexpected handle")
		return
	}

	switch ch.attr.UUID {
	case gatt.CharTemperatureMeasurement:
		t.measurementReceived(frame, codec.Final)
	case gatt.CharMeasurementInterval:
		t.intervalIndicated(frame)
	}

	tr.Confirm()
}

func (t *Thermometer) handleNotification(tr gatt.Transport, frame []byte) {
	if t.stale(tr) {
		return
	}
	if len(frame) < gatt.EnvelopeSize {
		t.logger.WithField("length", len(frame)).Debug("Bad notification frame received")
		return
	}
	handle := binary.LittleEndian.Uint16(frame[1:3])
	ch := t.characteristicByValueHandle(handle)
	if ch == nil {
		t.logger.WithField("handle", handle).Debug("Notification for unexpected handle")
		return
	}

	if ch.attr.UUID == gatt.CharIntermediateTemperature {
		t.measurementReceived(frame, codec.Intermediate)
	}
}

func (t *Thermometer) measurementReceived(frame []byte, kind codec.Kind) {
	m, err := codec.DecodeMeasurement(frame, kind)
	if err != nil {
		t.logger.WithError(err).Debug("Dropping malformed measurement frame")
		return
	}

	switch {
	case m.HasType && m.Type == "":
		t.logger.WithField("code", m.TypeCode).Debug("Temperature type reserved for future use")
	case !m.HasType && t.hasType:
		m.Type = codec.TemperatureTypeName(t.tempType)
		if m.Type == "" {
			t.logger.WithField("code", t.tempType).Debug("Temperature type reserved for future use")
		}
	}

	t.adapter.deliver(t, m)
}

func (t *Thermometer) intervalIndicated(frame []byte) {
	interval, err := codec.DecodeInterval(frame)
	if err != nil {
		t.logger.WithError(err).Debug("Dropping malformed interval frame")
		return
	}
	t.changeInterval(interval)
}

// ----------------------------
// Property change protocol
// ----------------------------

func (t *Thermometer) changeIntermediate(v bool) {
	if t.intermediate == v {
		return
	}
	t.intermediate = v
	t.adapter.emitter.PropertyChanged(t.path, "Intermediate", v)
}

func (t *Thermometer) changeInterval(v uint16) {
	if t.hasInterval && t.interval == v {
		return
	}
	t.hasInterval = true
	t.interval = v
	t.adapter.emitter.PropertyChanged(t.path, "Interval", v)
}

func (t *Thermometer) changeMaximum(v uint16) {
	if t.max == v {
		return
	}
	t.max = v
	t.adapter.emitter.PropertyChanged(t.path, "Maximum", v)
}

func (t *Thermometer) changeMinimum(v uint16) {
	if t.min == v {
		return
	}
	t.min = v
	t.adapter.emitter.PropertyChanged(t.path, "Minimum", v)
}
