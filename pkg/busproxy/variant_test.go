package busproxy

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestValueVariantSignatures(t *testing.T) {
	tests := []struct {
		name string
		val  Value
		sig  string
	}{
		{name: "String", val: String("hci0"), sig: "s"},
		{name: "Int16", val: Int16(-42), sig: "n"},
		{name: "Uint16", val: Uint16(512), sig: "q"},
		{name: "Boolean", val: Boolean(true), sig: "b"},
		{name: "Dict", val: Dict(map[string]Value{"Transport": String("le")}), sig: "a{sv}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := tt.val.variant()
			if err != nil {
				t.Fatalf("variant() error = %v", err)
			}
			if got := v.Signature().String(); got != tt.sig {
				t.Errorf("variant() signature = %s, want %s", got, tt.sig)
			}
		})
	}
}

func TestValueVariantRejectsMismatchedData(t *testing.T) {
	v := Value{Type: TypeUint16, Data: "not a number"}
	if _, err := v.variant(); err == nil {
		t.Error("variant() accepted mismatched data")
	}
}

func TestDictVariants(t *testing.T) {
	dict, err := DictVariants(map[string]Value{
		"Transport": String("le"),
		"RSSI":      Int16(-80),
	})
	if err != nil {
		t.Fatalf("DictVariants() error = %v", err)
	}
	if got, ok := dict["Transport"].Value().(string); !ok || got != "le" {
		t.Errorf("Transport = %v, want le", dict["Transport"].Value())
	}
	if got, ok := dict["RSSI"].Value().(int16); !ok || got != -80 {
		t.Errorf("RSSI = %v, want -80", dict["RSSI"].Value())
	}
}

func TestIsNotConnected(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "Nil", err: nil, want: false},
		{name: "Transport Loss", err: errors.New("Not connected"), want: true},
		{name: "Wrapped", err: dbus.MakeFailedError(errors.New("org.bluez.Error.NotConnected: Not connected")), want: true},
		{name: "Other", err: errors.New("Operation failed"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotConnected(tt.err); got != tt.want {
				t.Errorf("IsNotConnected() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBusGuardsBeforeInitialize(t *testing.T) {
	b := NewBus(testLogger())

	if _, err := b.OnObjectAdded(DeviceInterface, func(dbus.ObjectPath, map[string]dbus.Variant) {}); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("OnObjectAdded() error = %v, want ErrNotInitialized", err)
	}
	obj := b.Object(AdapterInterface, BluezRootPath)
	if _, err := obj.Get("Powered"); !errors.Is(err, ErrNotInitialized) {
		t.Errorf("Get() error = %v, want ErrNotInitialized", err)
	}
}

func TestBusDisposeIsIdempotent(t *testing.T) {
	b := NewBus(testLogger())
	if err := b.Dispose(); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	if err := b.Dispose(); err != nil {
		t.Fatalf("second Dispose() error = %v", err)
	}
	if _, err := b.OnObjectRemoved(DeviceInterface, func(dbus.ObjectPath) {}); !errors.Is(err, ErrDisposed) {
		t.Errorf("OnObjectRemoved() error = %v, want ErrDisposed", err)
	}
}
