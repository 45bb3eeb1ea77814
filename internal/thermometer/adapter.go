// Package thermometer implements the Health Thermometer profile core: the
// per-adapter watcher registry, the per-device discovery and configuration
// state machine, measurement decoding dispatch, and fan-out of decoded
// readings to registered watchers.
package thermometer

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/thermlink/internal/codec"
	"github.com/srg/thermlink/internal/gatt"
)

// WatcherID identifies a measurement watcher by its service identity and
// object address. Two watchers are the same iff both fields match.
type WatcherID struct {
	Service string
	Path    string
}

func (id WatcherID) String() string {
	return id.Service + ":" + id.Path
}

// WatcherEndpoint is the remote surface of one registered watcher.
type WatcherEndpoint interface {
	// MeasurementReceived delivers one decoded measurement. It is invoked
	// fire-and-forget: no result is awaited and failures are not reported
	// back to the adapter.
	MeasurementReceived(devicePath string, m *codec.Measurement)

	// WatchDisconnect arranges for fn to be called when the watcher's
	// transport goes away. The returned cancel releases the watch.
	WatchDisconnect(fn func()) (cancel func())
}

// PropertyEmitter publishes device property changes to the external surface.
type PropertyEmitter interface {
	PropertyChanged(devicePath, name string, value interface{})
}

type watcher struct {
	id          WatcherID
	endpoint    WatcherEndpoint
	cancelWatch func()
}

// Adapter owns the device sessions and the two watcher sets of one physical
// radio. All mutations are serialized on a single dispatch goroutine.
type Adapter struct {
	path    string
	logger  *logrus.Logger
	emitter PropertyEmitter
	act     *actor

	devices   *orderedmap.OrderedMap[string, *Thermometer]
	fwatchers *orderedmap.OrderedMap[WatcherID, *watcher]
	iwatchers *orderedmap.OrderedMap[WatcherID, *watcher]
}

type noopEmitter struct{}

func (noopEmitter) PropertyChanged(string, string, interface{}) {}

// NewAdapter creates an adapter context and starts its dispatch goroutine.
// A nil emitter disables property-change publication; a nil logger falls
// back to a default logrus logger.
func NewAdapter(ctx context.Context, path string, emitter PropertyEmitter, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if emitter == nil {
		emitter = noopEmitter{}
	}
	return &Adapter{
		path:      path,
		logger:    logger,
		emitter:   emitter,
		act:       newActor(ctx, "thermometer-adapter/"+path),
		devices:   orderedmap.New[string, *Thermometer](),
		fwatchers: orderedmap.New[WatcherID, *watcher](),
		iwatchers: orderedmap.New[WatcherID, *watcher](),
	}
}

// Path returns the adapter identity this context was created for.
func (a *Adapter) Path() string {
	return a.path
}

// RegisterDevice adds a device session for a peripheral whose thermometer
// service occupies rng. The session starts disconnected; wire its
// Connected/Disconnected methods to the transport lifecycle.
func (a *Adapter) RegisterDevice(devicePath string, rng gatt.HandleRange) (*Thermometer, error) {
	var t *Thermometer
	err := a.act.call(func() error {
		if _, ok := a.devices.Get(devicePath); ok {
			return fmt.Errorf("%w: device %s", ErrAlreadyExists, devicePath)
		}
		t = newThermometer(a, devicePath, rng)
		a.devices.Set(devicePath, t)
		a.logger.WithFields(logrus.Fields{
			"adapter": a.path,
			"device":  devicePath,
		}).Debug("Thermometer device registered")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// UnregisterDevice tears down the session for devicePath, releasing its
// frame subscriptions and transport reference.
func (a *Adapter) UnregisterDevice(devicePath string) error {
	return a.act.call(func() error {
		t, ok := a.devices.Get(devicePath)
		if !ok {
			return fmt.Errorf("%w: device %s", ErrDoesNotExist, devicePath)
		}
		t.release()
		a.devices.Delete(devicePath)
		return nil
	})
}

// Device returns the session registered for devicePath.
func (a *Adapter) Device(devicePath string) (*Thermometer, bool) {
	var t *Thermometer
	var ok bool
	_ = a.act.call(func() error {
		t, ok = a.devices.Get(devicePath)
		return nil
	})
	return t, ok
}

// RegisterWatcher adds a final-measurement watcher. The transition of the
// final set from empty to non-empty enables measurement indications on every
// device under this adapter.
func (a *Adapter) RegisterWatcher(id WatcherID, endpoint WatcherEndpoint) error {
	return a.act.call(func() error {
		if _, ok := a.fwatchers.Get(id); ok {
			return fmt.Errorf("%w: watcher %s", ErrAlreadyExists, id)
		}

		w := &watcher{id: id, endpoint: endpoint}
		if endpoint != nil {
			w.cancelWatch = endpoint.WatchDisconnect(func() {
				a.act.do(func() { a.watcherLost(id) })
			})
		}

		if a.fwatchers.Len() == 0 {
			a.eachDevice(func(t *Thermometer) { t.enableFinalMeasurement() })
		}
		a.fwatchers.Set(id, w)

		a.logger.WithField("watcher", id.String()).Debug("Thermometer watcher registered")
		return nil
	})
}

// UnregisterWatcher removes a final-measurement watcher. A final watcher
// leaving forfeits its intermediate interest as well; the transition of the
// final set back to empty disables measurement indications on every device.
func (a *Adapter) UnregisterWatcher(id WatcherID) error {
	return a.act.call(func() error {
		w, ok := a.fwatchers.Get(id)
		if !ok {
			return fmt.Errorf("%w: watcher %s", ErrDoesNotExist, id)
		}
		a.removeWatcher(w)
		a.logger.WithField("watcher", id.String()).Debug("Thermometer watcher unregistered")
		return nil
	})
}

// EnableIntermediate adds an existing final watcher to the intermediate set.
// Intermediate interest requires prior final registration.
func (a *Adapter) EnableIntermediate(id WatcherID) error {
	return a.act.call(func() error {
		w, ok := a.fwatchers.Get(id)
		if !ok {
			return fmt.Errorf("%w: watcher %s", ErrDoesNotExist, id)
		}
		if _, ok := a.iwatchers.Get(id); ok {
			return fmt.Errorf("%w: intermediate watcher %s", ErrAlreadyExists, id)
		}

		if a.iwatchers.Len() == 0 {
			a.eachDevice(func(t *Thermometer) { t.enableIntermediateMeasurement() })
		}
		a.iwatchers.Set(id, w)

		a.logger.WithField("watcher", id.String()).Debug("Intermediate measurement watcher registered")
		return nil
	})
}

// DisableIntermediate removes a watcher from the intermediate set.
func (a *Adapter) DisableIntermediate(id WatcherID) error {
	return a.act.call(func() error {
		if _, ok := a.iwatchers.Get(id); !ok {
			return fmt.Errorf("%w: intermediate watcher %s", ErrDoesNotExist, id)
		}
		a.removeIntermediate(id)
		a.logger.WithField("watcher", id.String()).Debug("Intermediate measurement watcher unregistered")
		return nil
	})
}

// Close tears down the adapter context: every device session is released,
// every watcher's disconnect watch cancelled, and the dispatch goroutine
// stopped. The adapter must not be used afterwards.
func (a *Adapter) Close() {
	_ = a.act.call(func() error {
		a.eachDevice(func(t *Thermometer) { t.release() })
		a.devices = orderedmap.New[string, *Thermometer]()
		for pair := a.fwatchers.Oldest(); pair != nil; pair = pair.Next() {
			if pair.Value.cancelWatch != nil {
				pair.Value.cancelWatch()
			}
		}
		a.fwatchers = orderedmap.New[WatcherID, *watcher]()
		a.iwatchers = orderedmap.New[WatcherID, *watcher]()
		return nil
	})
	a.act.close()
}

// ----------------------------
// Dispatch-goroutine internals
// ----------------------------

func (a *Adapter) eachDevice(fn func(*Thermometer)) {
	for pair := a.devices.Oldest(); pair != nil; pair = pair.Next() {
		fn(pair.Value)
	}
}

// removeIntermediate drops id from the intermediate set if present and
// disables intermediate notifications on the 1 -> 0 transition.
func (a *Adapter) removeIntermediate(id WatcherID) {
	if _, ok := a.iwatchers.Get(id); !ok {
		return
	}
	a.iwatchers.Delete(id)
	if a.iwatchers.Len() == 0 {
		a.eachDevice(func(t *Thermometer) { t.disableIntermediateMeasurement() })
	}
}

// removeWatcher removes w from both sets, cancelling its disconnect watch
// and issuing the disable passes owed by the population transitions.
func (a *Adapter) removeWatcher(w *watcher) {
	a.removeIntermediate(w.id)
	a.fwatchers.Delete(w.id)
	if w.cancelWatch != nil {
		w.cancelWatch()
	}
	if a.fwatchers.Len() == 0 {
		a.eachDevice(func(t *Thermometer) { t.disableFinalMeasurement() })
	}
}

// watcherLost handles a watcher whose transport disconnected: the implicit
// equivalent of UnregisterWatcher.
func (a *Adapter) watcherLost(id WatcherID) {
	w, ok := a.fwatchers.Get(id)
	if !ok {
		return
	}
	a.logger.WithField("watcher", id.String()).Debug("Thermometer watcher disconnected")
	a.removeWatcher(w)
}

// deliver fans one decoded measurement out to the audience matching its kind.
func (a *Adapter) deliver(t *Thermometer, m *codec.Measurement) {
	set := a.fwatchers
	if m.Kind == codec.Intermediate {
		set = a.iwatchers
	}
	for pair := set.Oldest(); pair != nil; pair = pair.Next() {
		a.notifyWatcher(pair.Value, t.path, m)
	}
}

func (a *Adapter) notifyWatcher(w *watcher, devicePath string, m *codec.Measurement) {
	// A failing watcher must not break delivery to the others.
	defer func() {
		if r := recover(); r != nil {
			a.logger.WithFields(logrus.Fields{
				"watcher": w.id.String(),
				"panic":   r,
			}).Warn("Measurement delivery panicked")
		}
	}()
	if w.endpoint != nil {
		w.endpoint.MeasurementReceived(devicePath, m)
	}
}
