// Package session manages the BLE side of the bridge: adapter
// lifecycle, device discovery, per-device connections, and the
// serialized command queue over the system bus.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/docbliny/bt2mqtt/pkg/busproxy"
	"github.com/docbliny/bt2mqtt/pkg/logger"
	"github.com/docbliny/bt2mqtt/pkg/utils/macaddr"
)

// Common errors.
var (
	ErrNoAdapter       = errors.New("no bluetooth adapter available")
	ErrAdapterNotFound = errors.New("bluetooth adapter not found")
)

// ManagedDevice is a high-level device registered with the manager.
type ManagedDevice interface {
	Address() string
	Dispose() error
}

// Config holds the session manager settings.
type Config struct {
	// AdapterName selects the adapter; empty picks the first available.
	AdapterName string

	// DesiredAddresses are the MACs Start waits for during discovery.
	DesiredAddresses []string

	// DiscoveryTimeout bounds how long Start blocks waiting for the
	// desired addresses.
	DiscoveryTimeout time.Duration

	// DiscoveryInterval is the cadence at which Start re-checks the
	// available set while waiting, in case a signal was missed.
	DiscoveryInterval time.Duration

	// MaxConnectRetries caps reconnect attempts per MAC; -1 disables
	// the cap.
	MaxConnectRetries int

	// RetryInterval is the delay before a scheduled reconnect attempt.
	RetryInterval time.Duration
}

// Manager owns the adapter, the registered devices, and the
// single-flight command queue.
type Manager struct {
	mu   sync.Mutex
	idle *sync.Cond
	log  *logger.Logger
	bus  *busproxy.Bus
	cfg  Config

	adapter *Adapter
	devices map[string]ManagedDevice
	desired map[string]struct{}

	queue       []*Command
	isExecuting bool

	retryCounts map[string]int
	timers      map[*time.Timer]struct{}

	onDeviceAdded func(mac string)
	desiredReady  chan struct{}
	readyOnce     sync.Once

	cancels  []func()
	disposed bool
}

// NewManager creates a session manager on the given bus.
func NewManager(bus *busproxy.Bus, cfg Config, log *logger.Logger) *Manager {
	m := &Manager{
		log:          log.Component("session"),
		bus:          bus,
		cfg:          cfg,
		devices:      make(map[string]ManagedDevice),
		desired:      make(map[string]struct{}),
		retryCounts:  make(map[string]int),
		timers:       make(map[*time.Timer]struct{}),
		desiredReady: make(chan struct{}),
	}
	m.idle = sync.NewCond(&m.mu)
	for _, mac := range cfg.DesiredAddresses {
		m.desired[mac] = struct{}{}
	}
	return m
}

// Bus returns the underlying bus proxy.
func (m *Manager) Bus() *busproxy.Bus { return m.bus }

// Adapter returns the active adapter, nil before Start.
func (m *Manager) Adapter() *Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adapter
}

// SetDeviceAddedHandler registers the callback fired when a desired MAC
// becomes available on the adapter.
func (m *Manager) SetDeviceAddedHandler(fn func(mac string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDeviceAdded = fn
}

// GetAdapters enumerates the adapter names under the BlueZ root path.
func (m *Manager) GetAdapters() ([]string, error) {
	root := m.bus.Object(busproxy.AdapterInterface, busproxy.BluezRootPath)
	return root.Children()
}

// Start selects the adapter, attaches object signals, initializes the
// adapter, and begins discovery. It returns once every desired address
// is present in the adapter's available set or the discovery timeout
// elapses; discovery keeps running after a timeout so stragglers are
// picked up through object-added signals.
func (m *Manager) Start(ctx context.Context) error {
	adapters, err := m.GetAdapters()
	if err != nil {
		return fmt.Errorf("enumerate adapters: %w", err)
	}
	if len(adapters) == 0 {
		return ErrNoAdapter
	}

	name := m.cfg.AdapterName
	if name == "" {
		name = adapters[0]
	} else {
		found := false
		for _, a := range adapters {
			if a == name {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %s", ErrAdapterNotFound, name)
		}
	}

	adapter := NewAdapter(m.bus, name, m.log)

	addedCancel, err := m.bus.OnObjectAdded(busproxy.DeviceInterface, m.handleObjectAdded)
	if err != nil {
		return err
	}
	removedCancel, err := m.bus.OnObjectRemoved(busproxy.DeviceInterface, m.handleObjectRemoved)
	if err != nil {
		addedCancel()
		return err
	}

	m.mu.Lock()
	m.adapter = adapter
	m.cancels = append(m.cancels, addedCancel, removedCancel)
	m.mu.Unlock()

	if err := adapter.Initialize(); err != nil {
		return err
	}

	// Synthesize added notifications for devices already present so
	// callers observe uniform semantics.
	for _, deviceID := range adapter.AvailableDeviceIDs() {
		m.noteDeviceAvailable(deviceID)
	}

	if err := adapter.StartDiscovery(); err != nil {
		return err
	}

	if m.allDesiredPresent() {
		return nil
	}

	timeout := m.cfg.DiscoveryTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	interval := m.cfg.DiscoveryInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	deadline := time.After(timeout)
	recheck := time.NewTicker(interval)
	defer recheck.Stop()

	for {
		select {
		case <-m.desiredReady:
			return nil
		case <-recheck.C:
			if m.allDesiredPresent() {
				return nil
			}
		case <-deadline:
			m.log.Warn("discovery timeout elapsed before all devices were found",
				"timeout", timeout)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// StopDiscovery stops adapter discovery. Idempotent.
func (m *Manager) StopDiscovery() error {
	m.mu.Lock()
	adapter := m.adapter
	m.mu.Unlock()
	if adapter == nil {
		return nil
	}
	return adapter.StopDiscovery()
}

// NewDevice creates an initialized low-level device on the active
// adapter.
func (m *Manager) NewDevice(mac string) (*Device, error) {
	m.mu.Lock()
	adapter := m.adapter
	m.mu.Unlock()
	if adapter == nil {
		return nil, ErrNoAdapter
	}

	dev := NewDevice(m.bus, adapter.Path(), mac, m.log)
	if err := dev.Initialize(); err != nil {
		return nil, err
	}
	return dev, nil
}

// AddDevice registers a high-level device by MAC. Duplicates are ignored
// with a warning.
func (m *Manager) AddDevice(d ManagedDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.Address()]; ok {
		m.log.Warn("device already registered, ignoring", "address", d.Address())
		return
	}
	m.devices[d.Address()] = d
}

// RemoveDevice unregisters a high-level device and clears its retry
// counter.
func (m *Manager) RemoveDevice(d ManagedDevice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[d.Address()]; !ok {
		m.log.Warn("device not registered, ignoring", "address", d.Address())
		return
	}
	delete(m.devices, d.Address())
	delete(m.retryCounts, d.Address())
}

// ReconnectDevice schedules a reconnect attempt for the MAC. The retry
// counter is deliberately never reset on a successful connect;
// resetting tended to yield infinite retries when spurious post-connect
// errors occurred. It is cleared only by explicit removal.
func (m *Manager) ReconnectDevice(mac string) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.retryCounts[mac]++
	count := m.retryCounts[mac]
	limit := m.cfg.MaxConnectRetries
	m.mu.Unlock()

	if limit != -1 && count > limit {
		m.log.Error("reconnect retry cap reached, giving up", "address", mac, "attempts", count)
		return
	}

	interval := m.cfg.RetryInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m.log.Info("scheduling reconnect", "address", mac, "attempt", count, "delay", interval)

	timer := time.AfterFunc(interval, func() {
		m.mu.Lock()
		disposed := m.disposed
		adapter := m.adapter
		m.mu.Unlock()
		if disposed || adapter == nil {
			return
		}

		if adapter.HasDevice(macaddr.ToDeviceID(mac)) {
			m.emitDeviceAdded(mac)
			return
		}
		if err := adapter.StartDiscovery(); err != nil {
			m.log.Warn("error restarting discovery for reconnect", "address", mac, "error", err)
		}
	})

	m.mu.Lock()
	if m.disposed {
		timer.Stop()
	} else {
		m.timers[timer] = struct{}{}
	}
	m.mu.Unlock()
}

// Dispose stops discovery, disposes every registered device and the
// adapter, and disconnects the bus. It waits for the in-flight command,
// clears the queue, and completes even when individual child disposals
// error. Idempotent.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true

	for timer := range m.timers {
		timer.Stop()
	}
	m.timers = make(map[*time.Timer]struct{})

	for m.isExecuting {
		m.idle.Wait()
	}
	m.queue = nil

	devices := make([]ManagedDevice, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, d)
	}
	m.devices = make(map[string]ManagedDevice)
	adapter := m.adapter
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, d := range devices {
		if err := d.Dispose(); err != nil {
			m.log.Warn("error disposing device", "address", d.Address(), "error", err)
		}
	}
	if adapter != nil {
		if err := adapter.Dispose(); err != nil {
			m.log.Warn("error disposing adapter", "error", err)
		}
	}
	if err := m.bus.Dispose(); err != nil {
		m.log.Warn("error disconnecting bus", "error", err)
	}

	return nil
}

// handleObjectAdded processes object-manager added signals for Device1
// objects.
func (m *Manager) handleObjectAdded(path dbus.ObjectPath, _ map[string]dbus.Variant) {
	m.mu.Lock()
	adapter := m.adapter
	m.mu.Unlock()
	if adapter == nil {
		return
	}

	prefix := string(adapter.Path()) + "/"
	p := string(path)
	if !strings.HasPrefix(p, prefix) {
		return
	}
	deviceID := strings.TrimPrefix(p, prefix)
	if strings.ContainsRune(deviceID, '/') || !strings.HasPrefix(deviceID, "dev_") {
		return
	}

	adapter.AddAvailable(deviceID)
	m.noteDeviceAvailable(deviceID)
}

// handleObjectRemoved processes object-manager removed signals.
func (m *Manager) handleObjectRemoved(path dbus.ObjectPath) {
	m.mu.Lock()
	adapter := m.adapter
	m.mu.Unlock()
	if adapter == nil {
		return
	}

	prefix := string(adapter.Path()) + "/"
	p := string(path)
	if !strings.HasPrefix(p, prefix) {
		return
	}
	deviceID := strings.TrimPrefix(p, prefix)
	if strings.ContainsRune(deviceID, '/') {
		return
	}
	adapter.RemoveAvailable(deviceID)
	m.log.Debug("device removed from adapter", "device", deviceID)
}

// noteDeviceAvailable fans a device identifier out to the desired-set
// bookkeeping and the added handler.
func (m *Manager) noteDeviceAvailable(deviceID string) {
	mac := macaddr.FromDeviceID(deviceID)
	if mac == "" {
		return
	}

	m.mu.Lock()
	_, wanted := m.desired[mac]
	m.mu.Unlock()
	if !wanted {
		return
	}

	m.log.Info("desired device available", "address", mac)
	m.emitDeviceAdded(mac)

	if m.allDesiredPresent() {
		m.readyOnce.Do(func() { close(m.desiredReady) })
	}
}

func (m *Manager) allDesiredPresent() bool {
	m.mu.Lock()
	adapter := m.adapter
	desired := make([]string, 0, len(m.desired))
	for mac := range m.desired {
		desired = append(desired, mac)
	}
	m.mu.Unlock()

	if adapter == nil {
		return false
	}
	for _, mac := range desired {
		if !adapter.HasDevice(macaddr.ToDeviceID(mac)) {
			return false
		}
	}
	return true
}

func (m *Manager) emitDeviceAdded(mac string) {
	m.mu.Lock()
	fn := m.onDeviceAdded
	m.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("device-added listener panicked", "panic", r)
		}
	}()
	fn(mac)
}
