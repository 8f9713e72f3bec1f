package session

import (
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/docbliny/bt2mqtt/pkg/busproxy"
	"github.com/docbliny/bt2mqtt/pkg/logger"
)

// Adapter wraps one local BLE controller under /org/bluez/<name>.
type Adapter struct {
	mu  sync.Mutex
	log *logger.Logger
	bus *busproxy.Bus

	name string
	path dbus.ObjectPath
	obj  *busproxy.Object

	address      string
	addressType  string
	alias        string
	friendlyName string
	powered      bool
	discovering  bool

	available map[string]struct{}
	disposed  bool
}

// NewAdapter creates a handle for the named adapter. Initialize must be
// called before use.
func NewAdapter(bus *busproxy.Bus, name string, log *logger.Logger) *Adapter {
	path := dbus.ObjectPath(string(busproxy.BluezRootPath) + "/" + name)
	return &Adapter{
		log:       log.Component("adapter").With("adapter", name),
		bus:       bus,
		name:      name,
		path:      path,
		obj:       bus.Object(busproxy.AdapterInterface, path),
		available: make(map[string]struct{}),
	}
}

// Name returns the adapter short name.
func (a *Adapter) Name() string { return a.name }

// Path returns the adapter object path.
func (a *Adapter) Path() dbus.ObjectPath { return a.path }

// Initialize reads the adapter properties, powers the controller on if
// needed, and seeds the available-device set from the current children.
func (a *Adapter) Initialize() error {
	props, err := a.obj.GetAll()
	if err != nil {
		return fmt.Errorf("adapter %s properties: %w", a.name, err)
	}

	a.mu.Lock()
	if v, ok := props["Address"].Value().(string); ok {
		a.address = v
	}
	if v, ok := props["AddressType"].Value().(string); ok {
		a.addressType = v
	}
	if v, ok := props["Alias"].Value().(string); ok {
		a.alias = v
	}
	if v, ok := props["Name"].Value().(string); ok {
		a.friendlyName = v
	}
	if v, ok := props["Powered"].Value().(bool); ok {
		a.powered = v
	}
	if v, ok := props["Discovering"].Value().(bool); ok {
		a.discovering = v
	}
	powered := a.powered
	a.mu.Unlock()

	if !powered {
		a.log.Info("powering on adapter")
		if err := a.obj.Set("Powered", busproxy.Boolean(true)); err != nil {
			return fmt.Errorf("power on adapter %s: %w", a.name, err)
		}
		a.mu.Lock()
		a.powered = true
		a.mu.Unlock()
	}

	children, err := a.obj.Children()
	if err != nil {
		return fmt.Errorf("adapter %s children: %w", a.name, err)
	}

	a.mu.Lock()
	for _, child := range children {
		if strings.HasPrefix(child, "dev_") {
			a.available[child] = struct{}{}
		}
	}
	a.mu.Unlock()

	return nil
}

// StartDiscovery begins LE discovery. Discovery already running on the
// controller is left alone.
func (a *Adapter) StartDiscovery() error {
	a.mu.Lock()
	if a.discovering {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	filter, err := busproxy.DictVariants(map[string]busproxy.Value{
		"Transport": busproxy.String("le"),
	})
	if err != nil {
		return err
	}
	if err := a.obj.Call("SetDiscoveryFilter", filter); err != nil {
		return fmt.Errorf("set discovery filter: %w", err)
	}
	if err := a.obj.Call("StartDiscovery"); err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}

	a.mu.Lock()
	a.discovering = true
	a.mu.Unlock()

	a.log.Info("discovery started")
	return nil
}

// StopDiscovery stops discovery. Idempotent.
func (a *Adapter) StopDiscovery() error {
	a.mu.Lock()
	if !a.discovering {
		a.mu.Unlock()
		return nil
	}
	a.discovering = false
	a.mu.Unlock()

	if err := a.obj.Call("StopDiscovery"); err != nil {
		return fmt.Errorf("stop discovery: %w", err)
	}
	a.log.Info("discovery stopped")
	return nil
}

// AddAvailable records a device identifier as present on this adapter.
func (a *Adapter) AddAvailable(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.available[deviceID] = struct{}{}
}

// RemoveAvailable removes a device identifier from the available set.
func (a *Adapter) RemoveAvailable(deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.available, deviceID)
}

// HasDevice reports whether the identifier is currently available.
func (a *Adapter) HasDevice(deviceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.available[deviceID]
	return ok
}

// AvailableDeviceIDs returns a snapshot of the available identifiers.
func (a *Adapter) AvailableDeviceIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.available))
	for id := range a.available {
		ids = append(ids, id)
	}
	return ids
}

// Dispose stops discovery best-effort and releases the handle.
// Idempotent.
func (a *Adapter) Dispose() error {
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return nil
	}
	a.disposed = true
	a.mu.Unlock()

	if err := a.StopDiscovery(); err != nil {
		a.log.Warn("error stopping discovery on dispose", "error", err)
	}
	a.obj.Dispose()
	return nil
}
