package busproxy

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// ValueType tags the wire type of a property value.
type ValueType int

// Supported property value types.
const (
	TypeString ValueType = iota
	TypeInt16
	TypeUint16
	TypeBoolean
	TypeDict
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "string"
	case TypeInt16:
		return "int16"
	case TypeUint16:
		return "uint16"
	case TypeBoolean:
		return "boolean"
	case TypeDict:
		return "dict"
	default:
		return "unknown"
	}
}

// Value is a typed property value. The mapping to D-Bus signatures is
// confined to this file.
type Value struct {
	Type ValueType
	Data any
}

// String builds a string value.
func String(s string) Value { return Value{Type: TypeString, Data: s} }

// Int16 builds an int16 value.
func Int16(v int16) Value { return Value{Type: TypeInt16, Data: v} }

// Uint16 builds a uint16 value.
func Uint16(v uint16) Value { return Value{Type: TypeUint16, Data: v} }

// Boolean builds a boolean value.
func Boolean(v bool) Value { return Value{Type: TypeBoolean, Data: v} }

// Dict builds a dictionary value from nested typed values.
func Dict(entries map[string]Value) Value { return Value{Type: TypeDict, Data: entries} }

// variant converts the typed value to a D-Bus variant.
func (v Value) variant() (dbus.Variant, error) {
	switch v.Type {
	case TypeString:
		s, ok := v.Data.(string)
		if !ok {
			return dbus.Variant{}, fmt.Errorf("value tagged string holds %T", v.Data)
		}
		return dbus.MakeVariant(s), nil
	case TypeInt16:
		i, ok := v.Data.(int16)
		if !ok {
			return dbus.Variant{}, fmt.Errorf("value tagged int16 holds %T", v.Data)
		}
		return dbus.MakeVariant(i), nil
	case TypeUint16:
		u, ok := v.Data.(uint16)
		if !ok {
			return dbus.Variant{}, fmt.Errorf("value tagged uint16 holds %T", v.Data)
		}
		return dbus.MakeVariant(u), nil
	case TypeBoolean:
		b, ok := v.Data.(bool)
		if !ok {
			return dbus.Variant{}, fmt.Errorf("value tagged boolean holds %T", v.Data)
		}
		return dbus.MakeVariant(b), nil
	case TypeDict:
		entries, ok := v.Data.(map[string]Value)
		if !ok {
			return dbus.Variant{}, fmt.Errorf("value tagged dict holds %T", v.Data)
		}
		dict := make(map[string]dbus.Variant, len(entries))
		for k, nested := range entries {
			variant, err := nested.variant()
			if err != nil {
				return dbus.Variant{}, fmt.Errorf("dict entry %q: %w", k, err)
			}
			dict[k] = variant
		}
		return dbus.MakeVariant(dict), nil
	default:
		return dbus.Variant{}, fmt.Errorf("unsupported value type %d", v.Type)
	}
}

// DictVariants converts a dict value to the bare map form method
// arguments expect.
func DictVariants(entries map[string]Value) (map[string]dbus.Variant, error) {
	dict := make(map[string]dbus.Variant, len(entries))
	for k, v := range entries {
		variant, err := v.variant()
		if err != nil {
			return nil, fmt.Errorf("dict entry %q: %w", k, err)
		}
		dict[k] = variant
	}
	return dict, nil
}
