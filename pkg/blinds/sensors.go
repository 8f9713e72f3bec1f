package blinds

import (
	"encoding/binary"
	"fmt"
)

const sensorPayloadSize = 14

// Sensors holds one decoded sample from the Sensors characteristic.
type Sensors struct {
	BatteryPercentage   uint8
	BatteryVoltage      uint16  // mV
	BatteryCharge       uint16
	SolarPanelVoltage   uint16  // mV
	InteriorTemperature float64 // degrees C
	BatteryTemperature  float64 // degrees C
	Illuminance         float64 // lx
}

// DecodeSensors decodes a Sensors notification payload. The payload is
// little-endian and at least 14 bytes.
func DecodeSensors(data []byte) (Sensors, error) {
	if len(data) < sensorPayloadSize {
		return Sensors{}, fmt.Errorf("sensor payload too short: %d bytes", len(data))
	}
	return Sensors{
		BatteryPercentage:   data[0],
		BatteryVoltage:      binary.LittleEndian.Uint16(data[2:4]),
		BatteryCharge:       binary.LittleEndian.Uint16(data[4:6]),
		SolarPanelVoltage:   binary.LittleEndian.Uint16(data[6:8]),
		InteriorTemperature: float64(binary.LittleEndian.Uint16(data[8:10])) / 10,
		BatteryTemperature:  float64(binary.LittleEndian.Uint16(data[10:12])) / 10,
		Illuminance:         float64(binary.LittleEndian.Uint16(data[12:14])) / 10,
	}, nil
}
