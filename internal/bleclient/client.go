// Package bleclient connects to a Health Thermometer peripheral over
// go-ble and exposes the connection as a gatt.Transport. The go-ble client
// works in terms of characteristic objects and arms subscriptions itself,
// so this package translates between that surface and the handle-addressed
// protocol the core expects: client config writes become Subscribe calls
// and inbound values are re-wrapped in their ATT envelope.
package bleclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/thermlink/internal/gatt"
	"github.com/srg/thermlink/internal/groutine"
)

const (
	// DefaultConnectTimeout bounds Dial when the caller's context carries
	// no deadline of its own.
	DefaultConnectTimeout = 30 * time.Second

	// frameBuffer is the inbound frame ring capacity per connection.
	frameBuffer = 128
)

var (
	ErrBluetoothOff   = errors.New("bluetooth is turned off")
	ErrServiceMissing = errors.New("health thermometer service not present")
	ErrUnknownHandle  = errors.New("no attribute at handle")
	ErrNotConnected   = errors.New("device not connected")
)

// NormalizeError maps known go-ble error strings to sentinels so callers
// can branch without string matching. The original error is preserved.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "is bluetooth turned on?"),
		strings.Contains(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case strings.Contains(msg, "device not connected"),
		strings.Contains(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	default:
		return err
	}
}

// subState tracks which subscription modes are armed for one value handle.
type subState struct {
	indicate bool
	notify   bool
}

// Client is a live connection to one thermometer peripheral. It implements
// gatt.Transport; every transport callback is delivered on a goroutine owned
// by this package, never on a CoreBluetooth callback goroutine.
type Client struct {
	logger *logrus.Entry
	addr   string

	client ble.Client
	svc    *ble.Service

	mu           sync.Mutex
	charsByValue map[uint16]*ble.Characteristic
	descByHandle map[uint16]*ble.Descriptor
	descOwner    map[uint16]*ble.Characteristic
	subs         map[uint16]*subState
	indHandlers  map[gatt.SubscriptionID]gatt.FrameHandler
	noteHandlers map[gatt.SubscriptionID]gatt.FrameHandler
	closed       bool

	frames *ringChannel[[]byte]
	ctx    context.Context
	cancel context.CancelFunc
}

// Dial connects to the peripheral at address, discovers its attribute
// profile and locates the Health Thermometer service. The connection fails
// if the service is absent.
func Dial(ctx context.Context, address string, logger *logrus.Logger) (*Client, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("device address is empty")
	}
	log := logger.WithField("address", address)

	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	ble.SetDefaultDevice(dev)

	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, DefaultConnectTimeout)
		defer cancel()
	}

	log.Info("Connecting to thermometer...")
	client, err := ble.Dial(dialCtx, ble.NewAddr(address))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %q: %w", address, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithError(cancelErr).Warn("Failed to cancel connection after discovery failure")
		}
		return nil, fmt.Errorf("failed to discover profile: %w", NormalizeError(err))
	}

	var svc *ble.Service
	for _, s := range profile.Services {
		if gatt.NormalizeUUID(s.UUID.String()) == gatt.ServiceHealthThermometer {
			svc = s
			break
		}
	}
	if svc == nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithError(cancelErr).Warn("Failed to cancel connection")
		}
		return nil, ErrServiceMissing
	}

	c := &Client{
		logger:       log,
		addr:         address,
		client:       client,
		svc:          svc,
		charsByValue: make(map[uint16]*ble.Characteristic),
		descByHandle: make(map[uint16]*ble.Descriptor),
		descOwner:    make(map[uint16]*ble.Characteristic),
		subs:         make(map[uint16]*subState),
		indHandlers:  make(map[gatt.SubscriptionID]gatt.FrameHandler),
		noteHandlers: make(map[gatt.SubscriptionID]gatt.FrameHandler),
		frames:       newRingChannel[[]byte](frameBuffer),
	}
	for _, ch := range svc.Characteristics {
		c.charsByValue[ch.ValueHandle] = ch
		for _, d := range ch.Descriptors {
			c.descByHandle[d.Handle] = d
			c.descOwner[d.Handle] = ch
		}
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	groutine.Go(c.ctx, "bleclient-frame-pump", func(ctx context.Context) {
		c.pump(ctx)
	})

	log.WithFields(logrus.Fields{
		"service_start":   svc.Handle,
		"service_end":     svc.EndHandle,
		"characteristics": len(svc.Characteristics),
	}).Info("Thermometer connected")
	return c, nil
}

// Address returns the peripheral address this client dialed.
func (c *Client) Address() string {
	return c.addr
}

// ServiceRange returns the handle range of the Health Thermometer service.
func (c *Client) ServiceRange() gatt.HandleRange {
	return gatt.HandleRange{Start: c.svc.Handle, End: c.svc.EndHandle}
}

// Disconnected returns a channel closed when the link drops from the
// peripheral side. Returns nil when the platform client cannot report it.
func (c *Client) Disconnected() <-chan struct{} {
	if dc, ok := c.client.(interface{ Disconnected() <-chan struct{} }); ok {
		return dc.Disconnected()
	}
	return nil
}

// Close unsubscribes everything still armed and tears the connection down.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	type armed struct {
		ch *ble.Characteristic
		st subState
	}
	var toDisarm []armed
	for vh, st := range c.subs {
		if ch, ok := c.charsByValue[vh]; ok {
			toDisarm = append(toDisarm, armed{ch: ch, st: *st})
		}
	}
	c.mu.Unlock()

	for _, a := range toDisarm {
		if a.st.indicate {
			if err := NormalizeError(c.client.Unsubscribe(a.ch, true)); err != nil {
				c.logger.WithError(err).Debug("Indication unsubscribe failed during close")
			}
		}
		if a.st.notify {
			if err := NormalizeError(c.client.Unsubscribe(a.ch, false)); err != nil {
				c.logger.WithError(err).Debug("Notification unsubscribe failed during close")
			}
		}
	}

	c.cancel()
	err := NormalizeError(c.client.CancelConnection())
	if err != nil {
		c.logger.WithError(err).Warn("Thermometer disconnected with errors")
	} else {
		c.logger.Info("Thermometer disconnected")
	}
	return err
}

// ----------------------------
// gatt.Transport
// ----------------------------

func (c *Client) DiscoverCharacteristics(rng gatt.HandleRange, cb func([]gatt.Characteristic, error)) {
	groutine.Go(context.Background(), "bleclient-discover-chars", func(context.Context) {
		var out []gatt.Characteristic
		for _, ch := range c.svc.Characteristics {
			if ch.Handle < rng.Start || ch.Handle > rng.End {
				continue
			}
			out = append(out, gatt.Characteristic{
				UUID:        ch.UUID.String(),
				Handle:      ch.Handle,
				ValueHandle: ch.ValueHandle,
				Properties:  uint8(ch.Property),
			})
		}
		cb(out, nil)
	})
}

func (c *Client) DiscoverDescriptors(rng gatt.HandleRange, cb func([]gatt.Descriptor, error)) {
	groutine.Go(context.Background(), "bleclient-discover-descs", func(context.Context) {
		var out []gatt.Descriptor
		for _, ch := range c.svc.Characteristics {
			for _, d := range ch.Descriptors {
				if d.Handle < rng.Start || d.Handle > rng.End {
					continue
				}
				out = append(out, gatt.Descriptor{
					UUID:   d.UUID.String(),
					Handle: d.Handle,
				})
			}
		}
		cb(out, nil)
	})
}

func (c *Client) Read(handle uint16, cb func([]byte, error)) {
	groutine.Go(context.Background(), "bleclient-read", func(context.Context) {
		c.mu.Lock()
		ch := c.charsByValue[handle]
		d := c.descByHandle[handle]
		c.mu.Unlock()

		switch {
		case ch != nil:
			value, err := c.client.ReadCharacteristic(ch)
			cb(value, NormalizeError(err))
		case d != nil:
			value, err := c.client.ReadDescriptor(d)
			cb(value, NormalizeError(err))
		default:
			cb(nil, fmt.Errorf("%w: 0x%04x", ErrUnknownHandle, handle))
		}
	})
}

func (c *Client) Write(handle uint16, value []byte, cb func(error)) {
	groutine.Go(context.Background(), "bleclient-write", func(context.Context) {
		c.mu.Lock()
		ch := c.charsByValue[handle]
		d := c.descByHandle[handle]
		owner := c.descOwner[handle]
		c.mu.Unlock()

		switch {
		case d != nil && gatt.NormalizeUUID(d.UUID.String()) == gatt.DescClientConfig:
			cb(c.writeClientConfig(owner, value))
		case d != nil:
			cb(NormalizeError(c.client.WriteDescriptor(d, value)))
		case ch != nil:
			cb(NormalizeError(c.client.WriteCharacteristic(ch, value, false)))
		default:
			cb(fmt.Errorf("%w: 0x%04x", ErrUnknownHandle, handle))
		}
	})
}

func (c *Client) HandleIndications(fn gatt.FrameHandler) gatt.SubscriptionID {
	id := gatt.NewSubscriptionID()
	c.mu.Lock()
	c.indHandlers[id] = fn
	c.mu.Unlock()
	return id
}

func (c *Client) HandleNotifications(fn gatt.FrameHandler) gatt.SubscriptionID {
	id := gatt.NewSubscriptionID()
	c.mu.Lock()
	c.noteHandlers[id] = fn
	c.mu.Unlock()
	return id
}

func (c *Client) Unsubscribe(id gatt.SubscriptionID) {
	c.mu.Lock()
	delete(c.indHandlers, id)
	delete(c.noteHandlers, id)
	c.mu.Unlock()
}

// Confirm is a no-op: CoreBluetooth acknowledges indications at the
// protocol layer before they ever reach this client.
func (c *Client) Confirm() {}

// ----------------------------
// Client config translation
// ----------------------------

// writeClientConfig arms or disarms a subscription on the descriptor's
// characteristic. go-ble writes the descriptor itself as part of Subscribe,
// so the configuration value is interpreted rather than forwarded.
func (c *Client) writeClientConfig(ch *ble.Characteristic, value []byte) error {
	if ch == nil {
		return fmt.Errorf("client config descriptor without characteristic")
	}
	if len(value) < 2 {
		return fmt.Errorf("client config value too short: %d bytes", len(value))
	}

	switch binary.LittleEndian.Uint16(value) {
	case gatt.CCCIndicate:
		if err := NormalizeError(c.client.Subscribe(ch, true, c.inbound(gatt.OpHandleIndicate, ch.ValueHandle))); err != nil {
			return err
		}
		c.setSub(ch.ValueHandle, func(st *subState) { st.indicate = true })
		return nil

	case gatt.CCCNotify:
		if err := NormalizeError(c.client.Subscribe(ch, false, c.inbound(gatt.OpHandleNotify, ch.ValueHandle))); err != nil {
			return err
		}
		c.setSub(ch.ValueHandle, func(st *subState) { st.notify = true })
		return nil

	case gatt.CCCDisable:
		indErr := NormalizeError(c.client.Unsubscribe(ch, true))
		noteErr := NormalizeError(c.client.Unsubscribe(ch, false))
		c.setSub(ch.ValueHandle, func(st *subState) { st.indicate = false; st.notify = false })
		if indErr != nil && noteErr != nil {
			return fmt.Errorf("unsubscribe failed: indicate=%v, notify=%v", indErr, noteErr)
		}
		return nil

	default:
		return fmt.Errorf("unsupported client config value %x", value)
	}
}

func (c *Client) setSub(valueHandle uint16, fn func(*subState)) {
	c.mu.Lock()
	st, ok := c.subs[valueHandle]
	if !ok {
		st = &subState{}
		c.subs[valueHandle] = st
	}
	fn(st)
	c.mu.Unlock()
}

// ----------------------------
// Inbound frame pump
// ----------------------------

// inbound builds the go-ble notification handler for one value handle. The
// raw value is re-wrapped in its ATT envelope so consumers see the same
// frame shape the radio carried.
func (c *Client) inbound(op byte, valueHandle uint16) ble.NotificationHandler {
	return func(data []byte) {
		frame := make([]byte, gatt.EnvelopeSize+len(data))
		frame[0] = op
		binary.LittleEndian.PutUint16(frame[1:3], valueHandle)
		copy(frame[gatt.EnvelopeSize:], data)

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if c.frames.Send(frame) {
			c.logger.Warn("Inbound frame buffer full, oldest frame dropped")
		}
	}
}

func (c *Client) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.frames.C():
			c.dispatch(frame)
		}
	}
}

func (c *Client) dispatch(frame []byte) {
	if len(frame) == 0 {
		return
	}

	c.mu.Lock()
	var handlers []gatt.FrameHandler
	switch frame[0] {
	case gatt.OpHandleIndicate:
		for _, fn := range c.indHandlers {
			handlers = append(handlers, fn)
		}
	case gatt.OpHandleNotify:
		for _, fn := range c.noteHandlers {
			handlers = append(handlers, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(frame)
	}
}
