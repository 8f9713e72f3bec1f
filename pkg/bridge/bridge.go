// Package bridge wires decoded blind events to MQTT topics and inbound
// command messages to queued GATT writes.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/docbliny/bt2mqtt/pkg/blinds"
	"github.com/docbliny/bt2mqtt/pkg/config"
	"github.com/docbliny/bt2mqtt/pkg/logger"
	"github.com/docbliny/bt2mqtt/pkg/mqtt"
	"github.com/docbliny/bt2mqtt/pkg/session"
)

// Publisher is the broker surface the bridge needs.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topic string, handler mqtt.MessageHandler) error
}

// Bridge is the controller joining the BLE session layer to the broker.
type Bridge struct {
	mu  sync.Mutex
	log *logger.Logger
	cfg *config.Config

	client  Publisher
	manager *session.Manager

	devices  map[string]*blinds.BlindDevice
	disposed bool
}

// New creates the bridge controller.
func New(cfg *config.Config, client Publisher, manager *session.Manager, log *logger.Logger) *Bridge {
	return &Bridge{
		log:     log.Component("bridge"),
		cfg:     cfg,
		client:  client,
		manager: manager,
		devices: make(map[string]*blinds.BlindDevice),
	}
}

// Start registers every configured blind, publishes discovery, and
// subscribes to the command topics. The session manager connects
// devices as discovery surfaces them.
func (br *Bridge) Start(ctx context.Context) error {
	br.manager.SetDeviceAddedHandler(br.handleDeviceAvailable)

	for _, blindCfg := range br.cfg.SmartBlinds.Blinds {
		dev := blinds.New(br.manager, blinds.Config{
			Name:             blindCfg.Name,
			Mac:              blindCfg.Mac,
			Passkey:          blindCfg.Passkey,
			MaxUnlockRetries: br.cfg.SmartBlinds.MaxUnlockRetries,
		}, br.log)

		mac := blindCfg.Mac
		dev.OnEvent(func(ev blinds.Event) { br.handleEvent(mac, ev) })
		br.manager.AddDevice(dev)

		br.mu.Lock()
		br.devices[mac] = dev
		br.mu.Unlock()

		if br.cfg.HomeAssistant.DiscoveryEnabled {
			if err := br.publishDiscovery(dev); err != nil {
				return fmt.Errorf("discovery for %s: %w", mac, err)
			}
		}

		topics := NewTopics(mac)
		if err := br.client.Subscribe(topics.Set(), br.makeCommandHandler(dev)); err != nil {
			return err
		}
		if err := br.client.Subscribe(topics.TiltSet(), br.makeTiltHandler(dev)); err != nil {
			return err
		}

		br.log.Info("blind registered", "name", blindCfg.Name, "address", mac)
	}

	return nil
}

// handleDeviceAvailable connects a registered blind once its address
// shows up on the adapter.
func (br *Bridge) handleDeviceAvailable(mac string) {
	br.mu.Lock()
	dev := br.devices[mac]
	br.mu.Unlock()
	if dev == nil {
		return
	}
	dev.Connect()
}

// handleEvent projects one decoded device event to its topic and
// payload.
func (br *Bridge) handleEvent(mac string, ev blinds.Event) {
	topics := NewTopics(mac)

	switch ev.Kind {
	case blinds.EventUnlocked:
		br.publish(topics.Availability(), []byte(PayloadOnline), true)

	case blinds.EventDisconnected:
		br.publish(topics.Availability(), []byte(PayloadOffline), true)

	case blinds.EventAngle:
		snapped := SnapAngle(ev.Angle)
		br.publish(topics.TiltState(), []byte(fmt.Sprintf("%d", snapped)), false)
		br.publish(topics.State(), []byte(CoverState(ev.Angle)), false)

	case blinds.EventBattery:
		br.publishJSON(topics.MetricState(MetricBattery), batteryPayload{
			Percentage:  ev.Sensors.BatteryPercentage,
			Voltage:     ev.Sensors.BatteryVoltage,
			Charge:      ev.Sensors.BatteryCharge,
			Temperature: ev.Sensors.BatteryTemperature,
		})

	case blinds.EventCharging:
		br.publishJSON(topics.MetricState(MetricCharging), chargingPayload{
			Charging: ev.Status.IsSolarCharging || ev.Status.IsUsbCharging,
			Solar:    ev.Status.IsSolarCharging,
			USB:      ev.Status.IsUsbCharging,
		})

	case blinds.EventIlluminance:
		br.publishJSON(topics.MetricState(MetricIlluminance), illuminancePayload{
			Illuminance: ev.Sensors.Illuminance,
		})

	case blinds.EventInteriorTemperature:
		br.publishJSON(topics.MetricState(MetricInteriorTemperature), temperaturePayload{
			Temperature: ev.Sensors.InteriorTemperature,
		})

	case blinds.EventOverTemperature:
		br.publishJSON(topics.MetricState(MetricOverTemperature), overTemperaturePayload{
			IsOverTemperature: ev.Status.IsOverTemperature,
		})

	case blinds.EventUnderVoltageLockout:
		br.publishJSON(topics.MetricState(MetricUnderVoltageLockout), underVoltagePayload{
			IsUnderVoltageLockout: ev.Status.IsUnderVoltageLockout,
		})

	case blinds.EventSolarPanel:
		br.publishJSON(topics.MetricState(MetricSolarPanel), solarPanelPayload{
			Voltage: ev.Sensors.SolarPanelVoltage,
		})

	case blinds.EventRSSI:
		br.publishJSON(topics.MetricState(MetricRSSI), rssiPayload{RSSI: ev.RSSI})
	}
}

// State payload shapes. Field names are part of the MQTT contract the
// discovery value templates reference.
type batteryPayload struct {
	Percentage  uint8   `json:"percentage"`
	Voltage     uint16  `json:"voltage"`
	Charge      uint16  `json:"charge"`
	Temperature float64 `json:"temperature"`
}

type chargingPayload struct {
	Charging bool `json:"charging"`
	Solar    bool `json:"solar"`
	USB      bool `json:"usb"`
}

type illuminancePayload struct {
	Illuminance float64 `json:"illuminance"`
}

type temperaturePayload struct {
	Temperature float64 `json:"temperature"`
}

type overTemperaturePayload struct {
	IsOverTemperature bool `json:"is_over_temperature"`
}

type underVoltagePayload struct {
	IsUnderVoltageLockout bool `json:"is_under_voltage_lockout"`
}

type solarPanelPayload struct {
	Voltage uint16 `json:"voltage"`
}

type rssiPayload struct {
	RSSI int16 `json:"rssi"`
}

// makeCommandHandler routes plain-text OPEN/CLOSE commands. Anything
// else is logged as invalid and ignored.
func (br *Bridge) makeCommandHandler(dev *blinds.BlindDevice) mqtt.MessageHandler {
	return func(topic string, payload []byte) {
		command := strings.TrimSpace(string(payload))
		var err error
		switch command {
		case CommandOpen:
			err = dev.Open()
		case CommandClose:
			err = dev.Close()
		default:
			br.log.Warn("invalid cover command", "topic", topic, "payload", command)
			return
		}
		if err != nil {
			br.log.Warn("cover command failed", "topic", topic, "payload", command, "error", err)
		}
	}
}

// makeTiltHandler routes JSON tilt commands.
func (br *Bridge) makeTiltHandler(dev *blinds.BlindDevice) mqtt.MessageHandler {
	return func(topic string, payload []byte) {
		var angle float64
		if err := json.Unmarshal(payload, &angle); err != nil {
			br.log.Warn("invalid tilt payload", "topic", topic, "payload", string(payload))
			return
		}
		if err := dev.SetAngle(int(angle)); err != nil {
			br.log.Warn("tilt command rejected", "topic", topic, "angle", angle, "error", err)
		}
	}
}

func (br *Bridge) publish(topic string, payload []byte, retain bool) {
	if err := br.client.Publish(topic, payload, retain); err != nil {
		br.log.Warn("publish failed", "topic", topic, "error", err)
	}
}

func (br *Bridge) publishJSON(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		br.log.Error("marshal state payload", "topic", topic, "error", err)
		return
	}
	br.publish(topic, data, false)
}

// Dispose publishes retained offline for every device before the
// command queue is cleared, so consumers always observe the
// availability transition, then disposes the session manager.
// Idempotent.
func (br *Bridge) Dispose() error {
	br.mu.Lock()
	if br.disposed {
		br.mu.Unlock()
		return nil
	}
	br.disposed = true
	devices := make([]*blinds.BlindDevice, 0, len(br.devices))
	for _, dev := range br.devices {
		devices = append(devices, dev)
	}
	br.devices = make(map[string]*blinds.BlindDevice)
	br.mu.Unlock()

	for _, dev := range devices {
		topics := NewTopics(dev.Address())
		br.publish(topics.Availability(), []byte(PayloadOffline), true)
	}

	if err := br.manager.Dispose(); err != nil {
		br.log.Warn("error disposing session manager", "error", err)
	}
	return nil
}
