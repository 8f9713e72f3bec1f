// Package macaddr converts between the canonical MAC rendering, the BlueZ
// object-path device identifier, and the base64-encoded credential forms
// found in configuration files.
package macaddr

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

var macPattern = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)

// Normalize upper-cases a MAC address and validates its shape.
func Normalize(mac string) (string, error) {
	m := strings.ToUpper(strings.TrimSpace(mac))
	if !macPattern.MatchString(m) {
		return "", fmt.Errorf("invalid MAC address %q", mac)
	}
	return m, nil
}

// ToDeviceID converts "AA:BB:CC:DD:EE:FF" to the BlueZ object-path
// segment "dev_AA_BB_CC_DD_EE_FF".
func ToDeviceID(mac string) string {
	return "dev_" + strings.ReplaceAll(mac, ":", "_")
}

// FromDeviceID is the inverse of ToDeviceID. It returns an empty string
// when the identifier does not carry the "dev_" prefix.
func FromDeviceID(deviceID string) string {
	if !strings.HasPrefix(deviceID, "dev_") {
		return ""
	}
	return strings.ReplaceAll(strings.TrimPrefix(deviceID, "dev_"), "_", ":")
}

// Sanitize replaces the colon separators with underscores for use in
// MQTT topic segments.
func Sanitize(mac string) string {
	return strings.ReplaceAll(mac, ":", "_")
}

// DecodeMac decodes a base64 MAC credential. The raw bytes arrive in
// reversed order and are rendered uppercase with colon separators.
func DecodeMac(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode mac: %w", err)
	}
	if len(raw) != 6 {
		return "", fmt.Errorf("decode mac: expected 6 bytes, got %d", len(raw))
	}
	parts := make([]string, len(raw))
	for i, b := range raw {
		parts[len(raw)-1-i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}

// EncodeMac is the inverse of DecodeMac.
func EncodeMac(mac string) (string, error) {
	m, err := Normalize(mac)
	if err != nil {
		return "", err
	}
	parts := strings.Split(m, ":")
	raw := make([]byte, len(parts))
	for i, p := range parts {
		b, err := hex.DecodeString(p)
		if err != nil {
			return "", fmt.Errorf("encode mac: %w", err)
		}
		raw[len(parts)-1-i] = b[0]
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePasskey decodes a base64 passkey credential into its
// uppercase-hex form.
func DecodePasskey(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode passkey: %w", err)
	}
	return strings.ToUpper(hex.EncodeToString(raw)), nil
}
