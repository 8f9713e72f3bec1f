package busproxy

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
)

// Object is a handle for one BlueZ object path viewed through one
// interface. A call failing with "Not connected" disposes the handle
// locally and re-surfaces the error; all other failures propagate
// unchanged.
type Object struct {
	bus   *Bus
	iface string
	path  dbus.ObjectPath

	mu       sync.Mutex
	disposed bool
	cancels  []func()
}

// Path returns the object path this handle is bound to.
func (o *Object) Path() dbus.ObjectPath { return o.path }

// Interface returns the interface this handle speaks.
func (o *Object) Interface() string { return o.iface }

// Dispose detaches all listeners registered through this handle.
// Idempotent.
func (o *Object) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	cancels := o.cancels
	o.cancels = nil
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

func (o *Object) checkLive() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return ErrDisposed
	}
	return nil
}

// surface disposes the handle when err indicates transport loss, then
// hands the error back unchanged.
func (o *Object) surface(err error) error {
	if IsNotConnected(err) {
		o.Dispose()
	}
	return err
}

// Get reads a single property.
func (o *Object) Get(prop string) (any, error) {
	if err := o.checkLive(); err != nil {
		return nil, err
	}
	conn, err := o.bus.connection()
	if err != nil {
		return nil, err
	}

	var v dbus.Variant
	err = conn.Object(BluezService, o.path).
		Call(propertiesInterface+".Get", 0, o.iface, prop).
		Store(&v)
	if err != nil {
		return nil, o.surface(err)
	}
	return v.Value(), nil
}

// GetAll reads every property of the interface.
func (o *Object) GetAll() (map[string]dbus.Variant, error) {
	if err := o.checkLive(); err != nil {
		return nil, err
	}
	conn, err := o.bus.connection()
	if err != nil {
		return nil, err
	}

	var props map[string]dbus.Variant
	err = conn.Object(BluezService, o.path).
		Call(propertiesInterface+".GetAll", 0, o.iface).
		Store(&props)
	if err != nil {
		return nil, o.surface(err)
	}
	return props, nil
}

// Set writes a single typed property.
func (o *Object) Set(prop string, value Value) error {
	if err := o.checkLive(); err != nil {
		return err
	}
	conn, err := o.bus.connection()
	if err != nil {
		return err
	}

	variant, err := value.variant()
	if err != nil {
		return err
	}
	call := conn.Object(BluezService, o.path).
		Call(propertiesInterface+".Set", 0, o.iface, prop, variant)
	return o.surface(call.Err)
}

// Call invokes a method on the interface, discarding any return value.
func (o *Object) Call(method string, args ...any) error {
	if err := o.checkLive(); err != nil {
		return err
	}
	conn, err := o.bus.connection()
	if err != nil {
		return err
	}

	call := conn.Object(BluezService, o.path).Call(o.iface+"."+method, 0, args...)
	return o.surface(call.Err)
}

// CallWithResult invokes a method and stores its return value.
func (o *Object) CallWithResult(method string, result any, args ...any) error {
	if err := o.checkLive(); err != nil {
		return err
	}
	conn, err := o.bus.connection()
	if err != nil {
		return err
	}

	err = conn.Object(BluezService, o.path).
		Call(o.iface+"."+method, 0, args...).
		Store(result)
	return o.surface(err)
}

// Children returns the names of the immediate child objects under this
// path, discovered through introspection.
func (o *Object) Children() ([]string, error) {
	if err := o.checkLive(); err != nil {
		return nil, err
	}
	conn, err := o.bus.connection()
	if err != nil {
		return nil, err
	}

	node, err := introspect.Call(conn.Object(BluezService, o.path))
	if err != nil {
		return nil, o.surface(err)
	}
	names := make([]string, 0, len(node.Children))
	for _, child := range node.Children {
		names = append(names, child.Name)
	}
	return names, nil
}

// OnPropertiesChanged subscribes to property-change signals for this
// path, scoped to this handle's interface. The returned function cancels
// the subscription.
func (o *Object) OnPropertiesChanged(fn func(changed map[string]dbus.Variant)) (func(), error) {
	if err := o.checkLive(); err != nil {
		return nil, err
	}

	cancel, err := o.bus.subscribeProperties(o.path, func(iface string, changed map[string]dbus.Variant) {
		if iface != o.iface {
			return
		}
		fn(changed)
	})
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.cancels = append(o.cancels, cancel)
	o.mu.Unlock()

	return cancel, nil
}

// WaitForProperty blocks until a change signal carrying the named
// property is observed, then returns its value.
func (o *Object) WaitForProperty(ctx context.Context, name string) (any, error) {
	result := make(chan any, 1)
	cancel, err := o.OnPropertiesChanged(func(changed map[string]dbus.Variant) {
		if v, ok := changed[name]; ok {
			select {
			case result <- v.Value():
			default:
			}
		}
	})
	if err != nil {
		return nil, err
	}
	defer cancel()

	select {
	case v := <-result:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
