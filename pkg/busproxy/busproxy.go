// Package busproxy presents the BlueZ daemon on the D-Bus system bus as a
// typed surface: per-object handles with property access, method calls,
// child enumeration, and signal subscriptions.
package busproxy

import (
	"errors"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/docbliny/bt2mqtt/pkg/logger"
)

// Well-known BlueZ names.
const (
	BluezService  = "org.bluez"
	BluezRootPath = dbus.ObjectPath("/org/bluez")

	AdapterInterface            = "org.bluez.Adapter1"
	DeviceInterface             = "org.bluez.Device1"
	GattServiceInterface        = "org.bluez.GattService1"
	GattCharacteristicInterface = "org.bluez.GattCharacteristic1"

	propertiesInterface    = "org.freedesktop.DBus.Properties"
	objectManagerInterface = "org.freedesktop.DBus.ObjectManager"

	propertiesChangedSignal = propertiesInterface + ".PropertiesChanged"
	interfacesAddedSignal   = objectManagerInterface + ".InterfacesAdded"
	interfacesRemovedSignal = objectManagerInterface + ".InterfacesRemoved"
)

// Common errors.
var (
	ErrNotInitialized = errors.New("bus proxy not initialized")
	ErrDisposed       = errors.New("bus proxy disposed")
)

// IsNotConnected reports whether err is a bus failure indicating the
// remote transport was lost.
func IsNotConnected(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Not connected")
}

type propertyWatcher func(iface string, changed map[string]dbus.Variant)

type objectAddedWatcher struct {
	iface string
	fn    func(path dbus.ObjectPath, props map[string]dbus.Variant)
}

type objectRemovedWatcher struct {
	iface string
	fn    func(path dbus.ObjectPath)
}

// Bus owns the system-bus connection and fans incoming signals out to
// registered watchers. It is initialization-guarded: operations before
// Initialize or after Dispose fail.
type Bus struct {
	mu  sync.Mutex
	log *logger.Logger

	conn        *dbus.Conn
	initialized bool
	disposed    bool

	signals chan *dbus.Signal

	nextWatcherID   int
	propWatchers    map[dbus.ObjectPath]map[int]propertyWatcher
	addedWatchers   map[int]objectAddedWatcher
	removedWatchers map[int]objectRemovedWatcher
}

// NewBus creates a Bus. Initialize must be called before use.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		log:             log.Component("busproxy"),
		propWatchers:    make(map[dbus.ObjectPath]map[int]propertyWatcher),
		addedWatchers:   make(map[int]objectAddedWatcher),
		removedWatchers: make(map[int]objectRemovedWatcher),
	}
}

// Initialize connects to the system bus and subscribes to the BlueZ
// property and object-manager signals.
func (b *Bus) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return ErrDisposed
	}
	if b.initialized {
		return nil
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return err
	}

	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(propertiesInterface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchSender(BluezService),
		},
		{
			dbus.WithMatchInterface(objectManagerInterface),
			dbus.WithMatchMember("InterfacesAdded"),
			dbus.WithMatchSender(BluezService),
		},
		{
			dbus.WithMatchInterface(objectManagerInterface),
			dbus.WithMatchMember("InterfacesRemoved"),
			dbus.WithMatchSender(BluezService),
		},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			conn.Close()
			return err
		}
	}

	b.signals = make(chan *dbus.Signal, 64)
	conn.Signal(b.signals)

	b.conn = conn
	b.initialized = true

	go b.dispatch(b.signals)

	b.log.Debug("connected to system bus")
	return nil
}

// Dispose detaches all listeners and closes the connection. Idempotent.
func (b *Bus) Dispose() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.disposed {
		return nil
	}
	b.disposed = true

	b.propWatchers = make(map[dbus.ObjectPath]map[int]propertyWatcher)
	b.addedWatchers = make(map[int]objectAddedWatcher)
	b.removedWatchers = make(map[int]objectRemovedWatcher)

	if b.conn != nil {
		b.conn.RemoveSignal(b.signals)
		if err := b.conn.Close(); err != nil {
			b.log.Warn("error closing bus connection", "error", err)
		}
		b.conn = nil
	}

	return nil
}

// Object returns a handle for the given interface at the given path.
func (b *Bus) Object(iface string, path dbus.ObjectPath) *Object {
	return &Object{bus: b, iface: iface, path: path}
}

// OnObjectAdded subscribes to object-manager InterfacesAdded signals
// carrying the given interface. The returned function cancels the
// subscription.
func (b *Bus) OnObjectAdded(iface string, fn func(path dbus.ObjectPath, props map[string]dbus.Variant)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLiveLocked(); err != nil {
		return nil, err
	}

	id := b.nextWatcherID
	b.nextWatcherID++
	b.addedWatchers[id] = objectAddedWatcher{iface: iface, fn: fn}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.addedWatchers, id)
	}, nil
}

// OnObjectRemoved subscribes to object-manager InterfacesRemoved signals
// naming the given interface.
func (b *Bus) OnObjectRemoved(iface string, fn func(path dbus.ObjectPath)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLiveLocked(); err != nil {
		return nil, err
	}

	id := b.nextWatcherID
	b.nextWatcherID++
	b.removedWatchers[id] = objectRemovedWatcher{iface: iface, fn: fn}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.removedWatchers, id)
	}, nil
}

func (b *Bus) subscribeProperties(path dbus.ObjectPath, fn propertyWatcher) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.checkLiveLocked(); err != nil {
		return nil, err
	}

	id := b.nextWatcherID
	b.nextWatcherID++
	if b.propWatchers[path] == nil {
		b.propWatchers[path] = make(map[int]propertyWatcher)
	}
	b.propWatchers[path][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if watchers, ok := b.propWatchers[path]; ok {
			delete(watchers, id)
			if len(watchers) == 0 {
				delete(b.propWatchers, path)
			}
		}
	}, nil
}

// dispatch routes incoming signals to watchers until the signal channel
// is drained on dispose.
func (b *Bus) dispatch(signals chan *dbus.Signal) {
	for sig := range signals {
		switch sig.Name {
		case propertiesChangedSignal:
			b.dispatchPropertiesChanged(sig)
		case interfacesAddedSignal:
			b.dispatchInterfacesAdded(sig)
		case interfacesRemovedSignal:
			b.dispatchInterfacesRemoved(sig)
		}
	}
}

func (b *Bus) dispatchPropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	b.mu.Lock()
	watchers := make([]propertyWatcher, 0, len(b.propWatchers[sig.Path]))
	for _, fn := range b.propWatchers[sig.Path] {
		watchers = append(watchers, fn)
	}
	b.mu.Unlock()

	for _, fn := range watchers {
		b.safeEmit(func() { fn(iface, changed) })
	}
}

func (b *Bus) dispatchInterfacesAdded(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}

	b.mu.Lock()
	watchers := make([]objectAddedWatcher, 0, len(b.addedWatchers))
	for _, w := range b.addedWatchers {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	for _, w := range watchers {
		props, ok := ifaces[w.iface]
		if !ok {
			continue
		}
		fn := w.fn
		b.safeEmit(func() { fn(path, props) })
	}
}

func (b *Bus) dispatchInterfacesRemoved(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return
	}
	names, ok := sig.Body[1].([]string)
	if !ok {
		return
	}

	b.mu.Lock()
	watchers := make([]objectRemovedWatcher, 0, len(b.removedWatchers))
	for _, w := range b.removedWatchers {
		watchers = append(watchers, w)
	}
	b.mu.Unlock()

	for _, w := range watchers {
		found := false
		for _, n := range names {
			if n == w.iface {
				found = true
				break
			}
		}
		if !found {
			continue
		}
		fn := w.fn
		b.safeEmit(func() { fn(path) })
	}
}

// safeEmit keeps a panicking listener from killing the dispatch loop.
func (b *Bus) safeEmit(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("signal listener panicked", "panic", r)
		}
	}()
	fn()
}

func (b *Bus) checkLiveLocked() error {
	if b.disposed {
		return ErrDisposed
	}
	if !b.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (b *Bus) connection() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.checkLiveLocked(); err != nil {
		return nil, err
	}
	return b.conn, nil
}
