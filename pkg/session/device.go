package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/docbliny/bt2mqtt/pkg/busproxy"
	"github.com/docbliny/bt2mqtt/pkg/logger"
	"github.com/docbliny/bt2mqtt/pkg/utils/macaddr"
)

const servicesResolvedTimeout = 30 * time.Second

// Device wraps one remote peripheral under its owning adapter. Services
// and characteristics discovered under it are owned by the device and
// disposed with it.
type Device struct {
	mu  sync.Mutex
	log *logger.Logger
	bus *busproxy.Bus

	address string
	path    dbus.ObjectPath
	obj     *busproxy.Object

	addressType string
	alias       string
	name        string
	connected   bool
	rssi        int16

	services []*GattService

	onConnected    func()
	onDisconnected func()
	onRSSI         func(int16)

	propCancel func()
	disposed   bool
}

// NewDevice creates a handle for the peripheral with the given MAC on
// the given adapter.
func NewDevice(bus *busproxy.Bus, adapterPath dbus.ObjectPath, address string, log *logger.Logger) *Device {
	path := dbus.ObjectPath(string(adapterPath) + "/" + macaddr.ToDeviceID(address))
	return &Device{
		log:     log.Component("device").With("address", address),
		bus:     bus,
		address: address,
		path:    path,
		obj:     bus.Object(busproxy.DeviceInterface, path),
	}
}

// Address returns the canonical MAC address.
func (d *Device) Address() string { return d.address }

// Path returns the device object path.
func (d *Device) Path() dbus.ObjectPath { return d.path }

// Connected reports whether the BLE link is up.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// RSSI returns the last observed signal strength.
func (d *Device) RSSI() int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rssi
}

// OnConnected registers the callback fired after a connection has been
// fully established and services resolved.
func (d *Device) OnConnected(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onConnected = fn
}

// OnDisconnected registers the callback fired when the link drops.
func (d *Device) OnDisconnected(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDisconnected = fn
}

// OnRSSI registers the callback fired on signal-strength updates.
func (d *Device) OnRSSI(fn func(int16)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRSSI = fn
}

// Initialize reads the device properties and attaches the property
// watcher.
func (d *Device) Initialize() error {
	props, err := d.obj.GetAll()
	if err != nil {
		return fmt.Errorf("device %s properties: %w", d.address, err)
	}

	d.mu.Lock()
	if v, ok := props["AddressType"].Value().(string); ok {
		d.addressType = v
	}
	if v, ok := props["Alias"].Value().(string); ok {
		d.alias = v
	}
	if v, ok := props["Name"].Value().(string); ok {
		d.name = v
	}
	if v, ok := props["Connected"].Value().(bool); ok {
		d.connected = v
	}
	if v, ok := props["RSSI"].Value().(int16); ok {
		d.rssi = v
	}
	d.mu.Unlock()

	cancel, err := d.obj.OnPropertiesChanged(d.handlePropertiesChanged)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.propCancel = cancel
	d.mu.Unlock()

	return nil
}

func (d *Device) handlePropertiesChanged(changed map[string]dbus.Variant) {
	var fireDisconnected func()
	var fireRSSI func(int16)
	var rssi int16

	d.mu.Lock()
	if v, ok := changed["Connected"]; ok {
		if connected, ok := v.Value().(bool); ok && !connected && d.connected {
			d.connected = false
			fireDisconnected = d.onDisconnected
		}
	}
	if v, ok := changed["RSSI"]; ok {
		if value, ok := v.Value().(int16); ok {
			d.rssi = value
			rssi = value
			fireRSSI = d.onRSSI
		}
	}
	d.mu.Unlock()

	if fireDisconnected != nil {
		d.safeEmit(func() { fireDisconnected() })
	}
	if fireRSSI != nil {
		d.safeEmit(func() { fireRSSI(rssi) })
	}
}

// Connect establishes the BLE link, waits for GATT service discovery to
// finish, enumerates services, and fires the connected callback.
func (d *Device) Connect(ctx context.Context) error {
	if err := d.obj.Call("Connect"); err != nil {
		return fmt.Errorf("connect %s: %w", d.address, err)
	}

	if err := d.awaitServicesResolved(ctx); err != nil {
		_ = d.obj.Call("Disconnect")
		return err
	}

	if err := d.resolveServices(); err != nil {
		_ = d.obj.Call("Disconnect")
		return err
	}

	d.mu.Lock()
	d.connected = true
	fire := d.onConnected
	d.mu.Unlock()

	if fire != nil {
		d.safeEmit(fire)
	}
	return nil
}

// awaitServicesResolved returns once the daemon reports GATT discovery
// complete for this device.
func (d *Device) awaitServicesResolved(ctx context.Context) error {
	if v, err := d.obj.Get("ServicesResolved"); err == nil {
		if resolved, ok := v.(bool); ok && resolved {
			return nil
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, servicesResolvedTimeout)
	defer cancel()

	for {
		v, err := d.obj.WaitForProperty(waitCtx, "ServicesResolved")
		if err != nil {
			return fmt.Errorf("await services resolved for %s: %w", d.address, err)
		}
		if resolved, ok := v.(bool); ok && resolved {
			return nil
		}
	}
}

// resolveServices enumerates GattService children and their
// characteristics.
func (d *Device) resolveServices() error {
	children, err := d.obj.Children()
	if err != nil {
		return fmt.Errorf("device %s children: %w", d.address, err)
	}

	var services []*GattService
	for _, child := range children {
		if !strings.HasPrefix(child, "service") {
			continue
		}
		svc, err := newGattService(d.bus, dbus.ObjectPath(string(d.path)+"/"+child), d.log)
		if err != nil {
			return err
		}
		services = append(services, svc)
	}

	d.mu.Lock()
	d.services = services
	d.mu.Unlock()
	return nil
}

// Services returns the discovered GATT services.
func (d *Device) Services() []*GattService {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.services
}

// Characteristics returns every characteristic across all services.
func (d *Device) Characteristics() []*GattCharacteristic {
	d.mu.Lock()
	services := d.services
	d.mu.Unlock()

	var chars []*GattCharacteristic
	for _, svc := range services {
		chars = append(chars, svc.Characteristics()...)
	}
	return chars
}

// Disconnect tears down the BLE link.
func (d *Device) Disconnect() error {
	if err := d.obj.Call("Disconnect"); err != nil {
		return fmt.Errorf("disconnect %s: %w", d.address, err)
	}
	return nil
}

// Pair initiates pairing with the peripheral.
func (d *Device) Pair() error {
	return d.obj.Call("Pair")
}

// CancelPair aborts an in-flight pairing attempt.
func (d *Device) CancelPair() error {
	return d.obj.Call("CancelPairing")
}

// Dispose tears down services, detaches watchers, and releases the
// handle. Each child teardown is wrapped so one failure cannot prevent
// the rest. Idempotent.
func (d *Device) Dispose() error {
	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return nil
	}
	d.disposed = true
	services := d.services
	d.services = nil
	cancel := d.propCancel
	d.propCancel = nil
	d.mu.Unlock()

	for _, svc := range services {
		if err := svc.Dispose(); err != nil {
			d.log.Warn("error disposing service", "service", svc.Path(), "error", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	d.obj.Dispose()
	return nil
}

func (d *Device) safeEmit(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("device listener panicked", "panic", r)
		}
	}()
	fn()
}
