// discovery.go: Home Assistant MQTT auto-discovery publication.
// See: https://www.home-assistant.io/integrations/mqtt/#mqtt-discovery
package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/docbliny/bt2mqtt/pkg/blinds"
	"github.com/docbliny/bt2mqtt/pkg/utils/macaddr"
)

// Component type constants for discovery topics.
const (
	componentCover        = "cover"
	componentSensor       = "sensor"
	componentBinarySensor = "binary_sensor"
)

// Diagnostic metric slots published per device.
const (
	MetricBattery             = "battery"
	MetricCharging            = "charging"
	MetricIlluminance         = "illuminance"
	MetricInteriorTemperature = "interior_temperature"
	MetricOverTemperature     = "is_over_temperature"
	MetricUnderVoltageLockout = "is_under_voltage_lockout"
	MetricRSSI                = "rssi"
	MetricSolarPanel          = "solar_panel"
)

// DiscoveryAvailability names one availability topic.
type DiscoveryAvailability struct {
	Topic string `json:"topic"`
}

// DiscoveryDevice is the device block shared by all entities of one
// blind.
type DiscoveryDevice struct {
	Connections  [][]string `json:"connections"`
	Identifiers  []string   `json:"identifiers"`
	Manufacturer string     `json:"manufacturer"`
	Model        string     `json:"model"`
	Name         string     `json:"name"`
	SWVersion    string     `json:"sw_version,omitempty"`
}

// DiscoveryPayload is a Home Assistant MQTT discovery message.
type DiscoveryPayload struct {
	Availability      []DiscoveryAvailability `json:"availability"`
	Device            DiscoveryDevice         `json:"device"`
	Name              string                  `json:"name"`
	UniqueID          string                  `json:"unique_id"`
	StateTopic        string                  `json:"state_topic"`
	CommandTopic      string                  `json:"command_topic,omitempty"`
	TiltCommandTopic  string                  `json:"tilt_command_topic,omitempty"`
	TiltStatusTopic   string                  `json:"tilt_status_topic,omitempty"`
	TiltMin           *int                    `json:"tilt_min,omitempty"`
	TiltMax           *int                    `json:"tilt_max,omitempty"`
	TiltOpenedValue   *int                    `json:"tilt_opened_value,omitempty"`
	TiltClosedValue   *int                    `json:"tilt_closed_value,omitempty"`
	UnitOfMeasurement string                  `json:"unit_of_measurement,omitempty"`
	DeviceClass       string                  `json:"device_class,omitempty"`
	StateClass        string                  `json:"state_class,omitempty"`
	ValueTemplate     string                  `json:"value_template,omitempty"`
	PayloadOn         string                  `json:"payload_on,omitempty"`
	PayloadOff        string                  `json:"payload_off,omitempty"`
	EntityCategory    string                  `json:"entity_category,omitempty"`
}

// discoveryTopic builds <prefix>/<component>/<sanitizedMac>/<slot>/config.
func (br *Bridge) discoveryTopic(component, mac, slot string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config",
		br.cfg.HomeAssistant.DiscoveryPrefix, component, macaddr.Sanitize(mac), slot)
}

func intPtr(v int) *int { return &v }

// publishDiscovery announces the cover entity and each diagnostic
// sensor for one blind. Discovery payloads are retained at QoS 0.
func (br *Bridge) publishDiscovery(dev *blinds.BlindDevice) error {
	mac := dev.Address()
	topics := NewTopics(mac)
	uniqueBase := "bt2mqtt_" + macaddr.Sanitize(mac)

	device := DiscoveryDevice{
		Connections:  [][]string{{"mac", mac}},
		Identifiers:  []string{uniqueBase},
		Manufacturer: "MySmartBlinds",
		Model:        "Smart Blind",
		Name:         dev.Name(),
		SWVersion:    dev.Version(),
	}
	availability := []DiscoveryAvailability{{Topic: topics.Availability()}}

	cover := DiscoveryPayload{
		Availability:     availability,
		Device:           device,
		Name:             dev.Name(),
		UniqueID:         uniqueBase + "_cover",
		StateTopic:       topics.State(),
		CommandTopic:     topics.Set(),
		TiltCommandTopic: topics.TiltSet(),
		TiltStatusTopic:  topics.TiltState(),
		TiltMin:          intPtr(blinds.MinAngle),
		TiltMax:          intPtr(blinds.MaxAngle),
		TiltOpenedValue:  intPtr(blinds.MaxAngle / 2),
		TiltClosedValue:  intPtr(blinds.MinAngle),
		DeviceClass:      "blind",
	}
	if err := br.publishDiscoveryPayload(br.discoveryTopic(componentCover, mac, "cover"), &cover); err != nil {
		return err
	}

	sensors := []DiscoveryPayload{
		{
			Name:              "Battery",
			UniqueID:          uniqueBase + "_battery",
			StateTopic:        topics.MetricState(MetricBattery),
			ValueTemplate:     "{{ value_json.percentage }}",
			UnitOfMeasurement: "%",
			DeviceClass:       "battery",
			StateClass:        "measurement",
			EntityCategory:    "diagnostic",
		},
		{
			Name:              "Illuminance",
			UniqueID:          uniqueBase + "_illuminance",
			StateTopic:        topics.MetricState(MetricIlluminance),
			ValueTemplate:     "{{ value_json.illuminance }}",
			UnitOfMeasurement: "lx",
			DeviceClass:       "illuminance",
			StateClass:        "measurement",
			EntityCategory:    "diagnostic",
		},
		{
			Name:              "Interior temperature",
			UniqueID:          uniqueBase + "_interior_temperature",
			StateTopic:        topics.MetricState(MetricInteriorTemperature),
			ValueTemplate:     "{{ value_json.temperature }}",
			UnitOfMeasurement: "°C",
			DeviceClass:       "temperature",
			StateClass:        "measurement",
			EntityCategory:    "diagnostic",
		},
		{
			Name:              "Solar panel voltage",
			UniqueID:          uniqueBase + "_solar_panel",
			StateTopic:        topics.MetricState(MetricSolarPanel),
			ValueTemplate:     "{{ value_json.voltage }}",
			UnitOfMeasurement: "mV",
			DeviceClass:       "voltage",
			StateClass:        "measurement",
			EntityCategory:    "diagnostic",
		},
		{
			Name:              "Signal strength",
			UniqueID:          uniqueBase + "_rssi",
			StateTopic:        topics.MetricState(MetricRSSI),
			ValueTemplate:     "{{ value_json.rssi }}",
			UnitOfMeasurement: "dBm",
			DeviceClass:       "signal_strength",
			StateClass:        "measurement",
			EntityCategory:    "diagnostic",
		},
	}
	slots := []string{MetricBattery, MetricIlluminance, MetricInteriorTemperature, MetricSolarPanel, MetricRSSI}
	for i := range sensors {
		sensors[i].Availability = availability
		sensors[i].Device = device
		topic := br.discoveryTopic(componentSensor, mac, slots[i])
		if err := br.publishDiscoveryPayload(topic, &sensors[i]); err != nil {
			return err
		}
	}

	binarySensors := []DiscoveryPayload{
		{
			Name:          "Charging",
			UniqueID:      uniqueBase + "_charging",
			StateTopic:    topics.MetricState(MetricCharging),
			ValueTemplate: "{{ 'ON' if value_json.charging else 'OFF' }}",
			DeviceClass:   "battery_charging",
		},
		{
			Name:          "Over temperature",
			UniqueID:      uniqueBase + "_is_over_temperature",
			StateTopic:    topics.MetricState(MetricOverTemperature),
			ValueTemplate: "{{ 'ON' if value_json.is_over_temperature else 'OFF' }}",
			DeviceClass:   "problem",
		},
		{
			Name:          "Under voltage lockout",
			UniqueID:      uniqueBase + "_is_under_voltage_lockout",
			StateTopic:    topics.MetricState(MetricUnderVoltageLockout),
			ValueTemplate: "{{ 'ON' if value_json.is_under_voltage_lockout else 'OFF' }}",
			DeviceClass:   "problem",
		},
	}
	binarySlots := []string{MetricCharging, MetricOverTemperature, MetricUnderVoltageLockout}
	for i := range binarySensors {
		binarySensors[i].Availability = availability
		binarySensors[i].Device = device
		binarySensors[i].PayloadOn = "ON"
		binarySensors[i].PayloadOff = "OFF"
		binarySensors[i].EntityCategory = "diagnostic"
		topic := br.discoveryTopic(componentBinarySensor, mac, binarySlots[i])
		if err := br.publishDiscoveryPayload(topic, &binarySensors[i]); err != nil {
			return err
		}
	}

	return nil
}

// publishDiscoveryPayload marshals and publishes one retained discovery
// message.
func (br *Bridge) publishDiscoveryPayload(topic string, payload *DiscoveryPayload) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discovery payload: %w", err)
	}
	br.log.Debug("publishing discovery", "topic", topic, "bytes", len(data))
	return br.client.Publish(topic, data, true)
}
