package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/docbliny/bt2mqtt/pkg/busproxy"
	"github.com/docbliny/bt2mqtt/pkg/logger"
)

// Common errors.
var (
	ErrAlreadySubscribed = errors.New("characteristic already has a notification subscription")
)

// WriteMode selects the GATT write type.
type WriteMode string

// Write modes understood by the daemon. Command is
// write-without-response, Request is write-with-response, Reliable is
// the daemon default when unspecified.
const (
	WriteModeCommand  WriteMode = "command"
	WriteModeRequest  WriteMode = "request"
	WriteModeReliable WriteMode = "reliable"
)

// GattService is one service discovered under a connected device.
type GattService struct {
	bus  *busproxy.Bus
	log  *logger.Logger
	path dbus.ObjectPath
	obj  *busproxy.Object
	uuid string

	chars []*GattCharacteristic
}

func newGattService(bus *busproxy.Bus, path dbus.ObjectPath, log *logger.Logger) (*GattService, error) {
	svc := &GattService{
		bus:  bus,
		log:  log,
		path: path,
		obj:  bus.Object(busproxy.GattServiceInterface, path),
	}

	if v, err := svc.obj.Get("UUID"); err == nil {
		if uuid, ok := v.(string); ok {
			svc.uuid = strings.ToLower(uuid)
		}
	} else {
		return nil, fmt.Errorf("service %s UUID: %w", path, err)
	}

	children, err := svc.obj.Children()
	if err != nil {
		return nil, fmt.Errorf("service %s children: %w", path, err)
	}
	for _, child := range children {
		if !strings.HasPrefix(child, "char") {
			continue
		}
		char, err := newGattCharacteristic(bus, dbus.ObjectPath(string(path)+"/"+child), log)
		if err != nil {
			return nil, err
		}
		svc.chars = append(svc.chars, char)
	}

	return svc, nil
}

// UUID returns the lowercase service UUID.
func (s *GattService) UUID() string { return s.uuid }

// Path returns the service object path.
func (s *GattService) Path() dbus.ObjectPath { return s.path }

// Characteristics returns the characteristics under this service.
func (s *GattService) Characteristics() []*GattCharacteristic { return s.chars }

// Dispose cascades to the characteristics, wrapping each teardown
// independently.
func (s *GattService) Dispose() error {
	for _, char := range s.chars {
		if err := char.Dispose(); err != nil {
			s.log.Warn("error disposing characteristic", "characteristic", char.Path(), "error", err)
		}
	}
	s.chars = nil
	s.obj.Dispose()
	return nil
}

// GattCharacteristic is one characteristic with its capability flags and
// at most one live notification subscription.
type GattCharacteristic struct {
	mu  sync.Mutex
	bus *busproxy.Bus
	log *logger.Logger

	path  dbus.ObjectPath
	obj   *busproxy.Object
	uuid  string
	flags []string

	notifyCancel func()
	disposed     bool
}

func newGattCharacteristic(bus *busproxy.Bus, path dbus.ObjectPath, log *logger.Logger) (*GattCharacteristic, error) {
	char := &GattCharacteristic{
		bus:  bus,
		log:  log,
		path: path,
		obj:  bus.Object(busproxy.GattCharacteristicInterface, path),
	}

	props, err := char.obj.GetAll()
	if err != nil {
		return nil, fmt.Errorf("characteristic %s properties: %w", path, err)
	}
	if v, ok := props["UUID"].Value().(string); ok {
		char.uuid = strings.ToLower(v)
	}
	if v, ok := props["Flags"].Value().([]string); ok {
		char.flags = v
	}

	return char, nil
}

// UUID returns the lowercase characteristic UUID.
func (c *GattCharacteristic) UUID() string { return c.uuid }

// Path returns the characteristic object path.
func (c *GattCharacteristic) Path() dbus.ObjectPath { return c.path }

// Flags returns the capability flag set.
func (c *GattCharacteristic) Flags() []string { return c.flags }

// HasFlag reports whether the capability set contains the given flag.
func (c *GattCharacteristic) HasFlag(flag string) bool {
	for _, f := range c.flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Read reads the characteristic value starting at offset.
func (c *GattCharacteristic) Read(offset uint16) ([]byte, error) {
	options, err := busproxy.DictVariants(map[string]busproxy.Value{
		"offset": busproxy.Uint16(offset),
	})
	if err != nil {
		return nil, err
	}

	var value []byte
	if err := c.obj.CallWithResult("ReadValue", &value, options); err != nil {
		return nil, fmt.Errorf("read %s: %w", c.uuid, err)
	}
	return value, nil
}

// Write writes bytes to the characteristic using the given mode.
func (c *GattCharacteristic) Write(data []byte, mode WriteMode) error {
	entries := map[string]busproxy.Value{
		"offset": busproxy.Uint16(0),
	}
	if mode != WriteModeReliable {
		entries["type"] = busproxy.String(string(mode))
	}
	options, err := busproxy.DictVariants(entries)
	if err != nil {
		return err
	}

	if err := c.obj.Call("WriteValue", data, options); err != nil {
		return fmt.Errorf("write %s: %w", c.uuid, err)
	}
	return nil
}

// StartNotify subscribes to value notifications. A characteristic holds
// at most one live subscription.
func (c *GattCharacteristic) StartNotify(fn func([]byte)) error {
	c.mu.Lock()
	if c.notifyCancel != nil {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.mu.Unlock()

	cancel, err := c.obj.OnPropertiesChanged(func(changed map[string]dbus.Variant) {
		v, ok := changed["Value"]
		if !ok {
			return
		}
		data, ok := v.Value().([]byte)
		if !ok {
			return
		}
		value := make([]byte, len(data))
		copy(value, data)
		fn(value)
	})
	if err != nil {
		return err
	}

	if err := c.obj.Call("StartNotify"); err != nil {
		cancel()
		return fmt.Errorf("start notify %s: %w", c.uuid, err)
	}

	c.mu.Lock()
	c.notifyCancel = cancel
	c.mu.Unlock()
	return nil
}

// StopNotify cancels the live subscription. Idempotent.
func (c *GattCharacteristic) StopNotify() error {
	c.mu.Lock()
	cancel := c.notifyCancel
	c.notifyCancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	if err := c.obj.Call("StopNotify"); err != nil {
		return fmt.Errorf("stop notify %s: %w", c.uuid, err)
	}
	return nil
}

// Subscribed reports whether a notification subscription is live.
func (c *GattCharacteristic) Subscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifyCancel != nil
}

// Dispose stops notifications best-effort and releases the handle.
// Idempotent.
func (c *GattCharacteristic) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.mu.Unlock()

	if err := c.StopNotify(); err != nil {
		c.log.Warn("error stopping notifications on dispose", "characteristic", c.uuid, "error", err)
	}
	c.obj.Dispose()
	return nil
}
