// Package blinds realizes the vendor smart-blind protocol over bound
// GATT characteristics: notification decoding, the passkey unlock
// handshake, and typed setters.
package blinds

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/docbliny/bt2mqtt/pkg/logger"
	"github.com/docbliny/bt2mqtt/pkg/metrics"
	"github.com/docbliny/bt2mqtt/pkg/session"
)

// Angle bounds of the vendor protocol.
const (
	MinAngle = 0
	MaxAngle = 200
)

// Common errors.
var (
	ErrInvalidAngle = errors.New("angle out of range")
)

const connectTimeout = 60 * time.Second

// requiredSlots must all bind on connect; a miss aborts the connection.
var requiredSlots = []Slot{
	SlotAck, SlotAngle, SlotName, SlotPasskey, SlotSensors, SlotStatus, SlotVersionInfo,
}

// Config identifies one blind and its protocol settings.
type Config struct {
	Name             string
	Mac              string
	Passkey          string // uppercase hex
	MaxUnlockRetries int
}

// BlindDevice owns one low-level device plus bindings to the vendor
// characteristic set.
type BlindDevice struct {
	mu      sync.Mutex
	log     *logger.Logger
	cfg     Config
	manager *session.Manager

	device *session.Device
	chars  map[Slot]*session.GattCharacteristic

	angle       int
	haveAngle   bool
	sensors     Sensors
	haveSensors bool
	status      Status
	haveStatus  bool
	version     string

	unlockState    UnlockState
	unlockAttempts int
	unlockStop     chan struct{}

	onEvent  func(Event)
	disposed bool
}

// New creates a BlindDevice. Connect drives the actual session.
func New(manager *session.Manager, cfg Config, log *logger.Logger) *BlindDevice {
	return &BlindDevice{
		log:     log.Component("blind").With("name", cfg.Name, "address", cfg.Mac),
		cfg:     cfg,
		manager: manager,
		chars:   make(map[Slot]*session.GattCharacteristic),
	}
}

// Address returns the canonical MAC address.
func (b *BlindDevice) Address() string { return b.cfg.Mac }

// Name returns the configured friendly name.
func (b *BlindDevice) Name() string { return b.cfg.Name }

// Version returns the firmware version string, empty until read.
func (b *BlindDevice) Version() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// OnEvent registers the single event listener. A faulty listener is
// isolated from the producer.
func (b *BlindDevice) OnEvent(fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onEvent = fn
}

// Connect enqueues the connection command. Failures schedule a
// reconnect through the session manager.
func (b *BlindDevice) Connect() {
	b.manager.ExecuteCommand(&session.Command{
		Name:       "connect:" + b.cfg.Mac,
		MaxRetries: 1,
		Invoke:     b.connect,
	})
}

func (b *BlindDevice) connect() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	dev := b.device
	b.mu.Unlock()

	if dev == nil {
		created, err := b.manager.NewDevice(b.cfg.Mac)
		if err != nil {
			b.manager.ReconnectDevice(b.cfg.Mac)
			return err
		}
		created.OnDisconnected(b.handleDisconnect)
		created.OnRSSI(b.handleRSSI)

		b.mu.Lock()
		b.device = created
		b.mu.Unlock()
		dev = created
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := dev.Connect(ctx); err != nil {
		b.manager.ReconnectDevice(b.cfg.Mac)
		return err
	}

	if err := b.bind(dev); err != nil {
		b.clearBindings()
		if derr := dev.Disconnect(); derr != nil {
			b.log.Warn("error disconnecting after bind failure", "error", derr)
		}
		b.manager.ReconnectDevice(b.cfg.Mac)
		return err
	}

	metrics.ConnectedDevices.Inc()
	b.log.Info("connected")
	b.emit(Event{Kind: EventConnected})

	b.beginUnlock()
	return nil
}

// bind matches discovered characteristics against the known slot set
// and subscribes to notifications. No partial bindings survive a
// failure.
func (b *BlindDevice) bind(dev *session.Device) error {
	found := make(map[Slot]*session.GattCharacteristic)
	for _, char := range dev.Characteristics() {
		if slot, ok := SlotForUUID(char.UUID()); ok {
			found[slot] = char
		}
	}

	for _, slot := range requiredSlots {
		if found[slot] == nil {
			return fmt.Errorf("characteristic %s not found on %s", slot, b.cfg.Mac)
		}
	}

	b.mu.Lock()
	b.chars = found
	b.mu.Unlock()

	handlers := map[Slot]func([]byte){
		SlotAngle:   b.handleAngleNotification,
		SlotPasskey: b.handlePasskeyNotification,
		SlotSensors: b.handleSensorsNotification,
		SlotStatus:  b.handleStatusNotification,
	}
	for _, slot := range notifySlots {
		if err := found[slot].StartNotify(handlers[slot]); err != nil {
			return fmt.Errorf("subscribe %s: %w", slot, err)
		}
	}

	b.readIdentity(found)
	return nil
}

// readIdentity reads the device name and firmware version. Both are
// informational; failures are logged and ignored.
func (b *BlindDevice) readIdentity(chars map[Slot]*session.GattCharacteristic) {
	if data, err := chars[SlotName].Read(0); err == nil {
		b.log.Info("device name", "name", string(data))
	} else {
		b.log.Warn("error reading device name", "error", err)
	}

	if data, err := chars[SlotVersionInfo].Read(0); err == nil {
		b.mu.Lock()
		b.version = string(data)
		b.mu.Unlock()
	} else {
		b.log.Warn("error reading version info", "error", err)
	}
}

func (b *BlindDevice) clearBindings() {
	b.mu.Lock()
	chars := b.chars
	b.chars = make(map[Slot]*session.GattCharacteristic)
	b.mu.Unlock()

	for _, char := range chars {
		if err := char.StopNotify(); err != nil {
			b.log.Warn("error stopping notifications", "characteristic", char.UUID(), "error", err)
		}
	}
}

// handleDisconnect returns the handshake to Locked, clears bindings,
// and schedules a reconnect.
func (b *BlindDevice) handleDisconnect() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.unlockState = UnlockLocked
	b.stopUnlockTimerLocked()
	b.mu.Unlock()

	b.clearBindings()
	metrics.ConnectedDevices.Dec()
	b.log.Warn("disconnected")
	b.emit(Event{Kind: EventDisconnected})

	b.manager.ReconnectDevice(b.cfg.Mac)
}

func (b *BlindDevice) handleRSSI(rssi int16) {
	b.emit(Event{Kind: EventRSSI, RSSI: rssi})
}

// handleAngleNotification reports the current angle.
func (b *BlindDevice) handleAngleNotification(data []byte) {
	if len(data) < 1 {
		b.log.Warn("empty angle notification")
		return
	}
	angle := int(data[0])

	b.mu.Lock()
	changed := !b.haveAngle || b.angle != angle
	b.angle = angle
	b.haveAngle = true
	b.mu.Unlock()

	if changed {
		b.emit(Event{Kind: EventAngle, Angle: angle})
	}
}

// handleSensorsNotification decodes a sensor sample and emits one event
// per changed metric. Comparisons complete before any stored value is
// updated so observers never see torn state.
func (b *BlindDevice) handleSensorsNotification(data []byte) {
	sample, err := DecodeSensors(data)
	if err != nil {
		b.log.Warn("bad sensor payload", "error", err)
		return
	}

	var emissions []Event

	b.mu.Lock()
	prev, have := b.sensors, b.haveSensors
	if !have || prev.BatteryPercentage != sample.BatteryPercentage ||
		prev.BatteryVoltage != sample.BatteryVoltage ||
		prev.BatteryCharge != sample.BatteryCharge ||
		prev.BatteryTemperature != sample.BatteryTemperature {
		emissions = append(emissions, Event{Kind: EventBattery, Sensors: sample})
	}
	if !have || prev.InteriorTemperature != sample.InteriorTemperature {
		emissions = append(emissions, Event{Kind: EventInteriorTemperature, Sensors: sample})
	}
	if !have || prev.Illuminance != sample.Illuminance {
		emissions = append(emissions, Event{Kind: EventIlluminance, Sensors: sample})
	}
	if !have || prev.SolarPanelVoltage != sample.SolarPanelVoltage {
		emissions = append(emissions, Event{Kind: EventSolarPanel, Sensors: sample})
	}
	b.sensors = sample
	b.haveSensors = true
	b.mu.Unlock()

	for _, ev := range emissions {
		b.emit(ev)
	}
}

// handleStatusNotification decodes the status word and emits one event
// per changed flag group, with the same two-phase ordering as sensors.
func (b *BlindDevice) handleStatusNotification(data []byte) {
	if len(data) < 4 {
		b.log.Warn("short status payload", "bytes", len(data))
		return
	}
	status := DecodeStatus(binary.LittleEndian.Uint32(data[:4]))

	var emissions []Event

	b.mu.Lock()
	prev, have := b.status, b.haveStatus
	if !have || prev.IsSolarCharging != status.IsSolarCharging ||
		prev.IsUsbCharging != status.IsUsbCharging {
		emissions = append(emissions, Event{Kind: EventCharging, Status: status})
	}
	if !have || prev.IsOverTemperature != status.IsOverTemperature {
		emissions = append(emissions, Event{Kind: EventOverTemperature, Status: status})
	}
	if !have || prev.IsUnderVoltageLockout != status.IsUnderVoltageLockout {
		emissions = append(emissions, Event{Kind: EventUnderVoltageLockout, Status: status})
	}
	b.status = status
	b.haveStatus = true
	b.mu.Unlock()

	for _, ev := range emissions {
		b.emit(ev)
	}
}

// SetAngle validates the range and enqueues a single write-with-response
// of the one-byte angle payload.
func (b *BlindDevice) SetAngle(angle int) error {
	if angle < MinAngle || angle > MaxAngle {
		return fmt.Errorf("%w: %d", ErrInvalidAngle, angle)
	}

	b.mu.Lock()
	char := b.chars[SlotAngle]
	b.mu.Unlock()
	if char == nil {
		b.log.Warn("angle characteristic not bound, skipping write")
		return nil
	}

	payload := []byte{byte(angle)}
	b.manager.ExecuteCommand(&session.Command{
		Name:       "setAngle:" + b.cfg.Mac,
		MaxRetries: 3,
		Invoke: func() error {
			return char.Write(payload, session.WriteModeRequest)
		},
	})
	return nil
}

// Open tilts the blind to the midpoint.
func (b *BlindDevice) Open() error {
	return b.SetAngle(MaxAngle / 2)
}

// Close tilts the blind fully closed.
func (b *BlindDevice) Close() error {
	return b.SetAngle(MinAngle)
}

// Angle returns the last reported angle.
func (b *BlindDevice) Angle() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.angle, b.haveAngle
}

// Sensors returns the last decoded sensor sample.
func (b *BlindDevice) Sensors() (Sensors, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sensors, b.haveSensors
}

// Status returns the last decoded status flags.
func (b *BlindDevice) Status() (Status, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status, b.haveStatus
}

// Connected reports whether the underlying link is up.
func (b *BlindDevice) Connected() bool {
	b.mu.Lock()
	dev := b.device
	b.mu.Unlock()
	return dev != nil && dev.Connected()
}

// Dispose stops the unlock timer and notifications, then cascades to
// the low-level device. Idempotent.
func (b *BlindDevice) Dispose() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	b.unlockState = UnlockLocked
	b.stopUnlockTimerLocked()
	dev := b.device
	b.device = nil
	b.mu.Unlock()

	b.clearBindings()
	if dev != nil {
		if err := dev.Dispose(); err != nil {
			b.log.Warn("error disposing device", "error", err)
		}
	}
	return nil
}

// emit hands an event to the listener, isolating the producer from
// listener panics.
func (b *BlindDevice) emit(ev Event) {
	b.mu.Lock()
	fn := b.onEvent
	b.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event listener panicked", "kind", ev.Kind, "panic", r)
		}
	}()
	fn(ev)
}
