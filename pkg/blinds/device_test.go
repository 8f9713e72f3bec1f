package blinds

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/docbliny/bt2mqtt/pkg/busproxy"
	"github.com/docbliny/bt2mqtt/pkg/logger"
	"github.com/docbliny/bt2mqtt/pkg/session"
)

func testBlind(t *testing.T) *BlindDevice {
	t.Helper()
	log := logger.New(logger.Config{Level: "error", Format: "text"})
	manager := session.NewManager(busproxy.NewBus(log), session.Config{}, log)
	return New(manager, Config{
		Name:             "Test Blind",
		Mac:              "AA:BB:CC:DD:EE:FF",
		Passkey:          "000102030405",
		MaxUnlockRetries: 3,
	}, log)
}

func TestSetAngleBounds(t *testing.T) {
	b := testBlind(t)

	tests := []struct {
		name    string
		angle   int
		wantErr bool
	}{
		{name: "Below Minimum", angle: -1, wantErr: true},
		{name: "Minimum", angle: 0},
		{name: "Midpoint", angle: 100},
		{name: "Maximum", angle: 200},
		{name: "Above Maximum", angle: 201, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := b.SetAngle(tt.angle)
			if (err != nil) != tt.wantErr {
				t.Errorf("SetAngle(%d) error = %v, wantErr %v", tt.angle, err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidAngle) {
				t.Errorf("SetAngle(%d) error = %v, want ErrInvalidAngle", tt.angle, err)
			}
		})
	}
}

func TestAngleNotificationEmitsOnChange(t *testing.T) {
	b := testBlind(t)

	var events []Event
	b.OnEvent(func(ev Event) { events = append(events, ev) })

	b.handleAngleNotification([]byte{0x64})
	b.handleAngleNotification([]byte{0x64})
	b.handleAngleNotification([]byte{0x00})

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].Kind != EventAngle || events[0].Angle != 100 {
		t.Errorf("events[0] = %+v, want angle 100", events[0])
	}
	if events[1].Angle != 0 {
		t.Errorf("events[1] angle = %d, want 0", events[1].Angle)
	}
}

func TestSensorsNotificationIdempotent(t *testing.T) {
	b := testBlind(t)

	var events []Event
	b.OnEvent(func(ev Event) { events = append(events, ev) })

	sample := []byte{0x55, 0x00, 0xC4, 0x0E, 0x00, 0x00, 0x00, 0x00, 0xE0, 0x00, 0xD4, 0x00, 0x32, 0x00}
	b.handleSensorsNotification(sample)
	first := len(events)
	if first == 0 {
		t.Fatal("first notification emitted no events")
	}

	// A repeated identical payload emits nothing.
	b.handleSensorsNotification(sample)
	if len(events) != first {
		t.Errorf("repeated notification emitted %d extra events", len(events)-first)
	}
}

func TestSensorsNotificationEmitsPerChangedMetric(t *testing.T) {
	b := testBlind(t)

	sample := make([]byte, 14)
	b.handleSensorsNotification(sample)

	var events []Event
	b.OnEvent(func(ev Event) { events = append(events, ev) })

	// Only illuminance changes.
	changed := make([]byte, 14)
	binary.LittleEndian.PutUint16(changed[12:14], 120)
	b.handleSensorsNotification(changed)

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Kind != EventIlluminance {
		t.Errorf("event kind = %d, want EventIlluminance", events[0].Kind)
	}
	if events[0].Sensors.Illuminance != 12.0 {
		t.Errorf("illuminance = %v, want 12.0", events[0].Sensors.Illuminance)
	}
}

func TestStatusNotificationEmitsPerChangedGroup(t *testing.T) {
	b := testBlind(t)

	b.handleStatusNotification([]byte{0x00, 0x00, 0x00, 0x00})

	var events []Event
	b.OnEvent(func(ev Event) { events = append(events, ev) })

	// Solar charging turns on; everything else is unchanged.
	word := make([]byte, 4)
	binary.LittleEndian.PutUint32(word, statusSolarCharging)
	b.handleStatusNotification(word)

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Kind != EventCharging {
		t.Errorf("event kind = %d, want EventCharging", events[0].Kind)
	}
	if !events[0].Status.IsSolarCharging {
		t.Error("IsSolarCharging = false, want true")
	}
}

func TestPasskeyNotificationUnlocks(t *testing.T) {
	b := testBlind(t)

	var events []Event
	b.OnEvent(func(ev Event) { events = append(events, ev) })

	b.mu.Lock()
	b.unlockState = UnlockUnlocking
	b.mu.Unlock()

	// Wrong echo keeps the handshake running.
	b.handlePasskeyNotification([]byte{0xDE, 0xAD})
	if b.State() != UnlockUnlocking {
		t.Fatalf("state = %s, want unlocking", b.State())
	}

	// The passkey||00 echo completes it.
	b.handlePasskeyNotification([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x00})
	if !b.IsUnlocked() {
		t.Fatal("device not unlocked after expected echo")
	}
	if len(events) != 1 || events[0].Kind != EventUnlocked {
		t.Fatalf("events = %+v, want one EventUnlocked", events)
	}
}

func TestPasskeyNotificationIgnoredWhenLocked(t *testing.T) {
	b := testBlind(t)

	b.handlePasskeyNotification([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0x05, 0x00})
	if b.IsUnlocked() {
		t.Error("device unlocked outside the unlocking state")
	}
}

func TestEventListenerPanicIsIsolated(t *testing.T) {
	b := testBlind(t)
	b.OnEvent(func(Event) { panic("observer bug") })

	// Must not panic the producer.
	b.handleAngleNotification([]byte{0x10})
}

func TestDisposeIsIdempotent(t *testing.T) {
	b := testBlind(t)
	if err := b.Dispose(); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}
	if err := b.Dispose(); err != nil {
		t.Fatalf("second Dispose() error = %v", err)
	}
}
