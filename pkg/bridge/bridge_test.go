package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/docbliny/bt2mqtt/pkg/blinds"
	"github.com/docbliny/bt2mqtt/pkg/busproxy"
	"github.com/docbliny/bt2mqtt/pkg/config"
	"github.com/docbliny/bt2mqtt/pkg/logger"
	"github.com/docbliny/bt2mqtt/pkg/mqtt"
	"github.com/docbliny/bt2mqtt/pkg/session"
)

// fakeBroker records publications and subscriptions in memory.
type fakeBroker struct {
	mu            sync.Mutex
	published     []publication
	subscriptions map[string]mqtt.MessageHandler
}

type publication struct {
	topic   string
	payload string
	retain  bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{subscriptions: make(map[string]mqtt.MessageHandler)}
}

func (f *fakeBroker) Publish(topic string, payload []byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publication{topic: topic, payload: string(payload), retain: retain})
	return nil
}

func (f *fakeBroker) Subscribe(topic string, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions[topic] = handler
	return nil
}

func (f *fakeBroker) deliver(topic string, payload string) {
	f.mu.Lock()
	handler := f.subscriptions[topic]
	f.mu.Unlock()
	if handler != nil {
		handler(topic, []byte(payload))
	}
}

func (f *fakeBroker) find(topic string) (publication, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.published) - 1; i >= 0; i-- {
		if f.published[i].topic == topic {
			return f.published[i], true
		}
	}
	return publication{}, false
}

func testBridge(t *testing.T) (*Bridge, *fakeBroker) {
	t.Helper()
	log := logger.New(logger.Config{Level: "error", Format: "text"})
	cfg := config.DefaultConfig()
	cfg.MQTT.Host = "broker.local"
	cfg.SmartBlinds.Blinds = []config.BlindConfig{{
		Name:    "Living Room",
		Mac:     "AA:BB:CC:DD:EE:FF",
		Passkey: "000102030405",
	}}

	broker := newFakeBroker()
	manager := session.NewManager(busproxy.NewBus(log), session.Config{}, log)
	br := New(cfg, broker, manager, log)
	if err := br.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return br, broker
}

func TestStartPublishesDiscovery(t *testing.T) {
	_, broker := testBridge(t)

	pub, ok := broker.find("homeassistant/cover/AA_BB_CC_DD_EE_FF/cover/config")
	if !ok {
		t.Fatal("cover discovery payload not published")
	}
	if !pub.retain {
		t.Error("discovery payload not retained")
	}

	var payload DiscoveryPayload
	if err := json.Unmarshal([]byte(pub.payload), &payload); err != nil {
		t.Fatalf("discovery payload not valid JSON: %v", err)
	}
	if payload.CommandTopic != "bt2mqtt/cover/AA_BB_CC_DD_EE_FF/set" {
		t.Errorf("command topic = %s", payload.CommandTopic)
	}
	if len(payload.Availability) != 1 ||
		payload.Availability[0].Topic != "bt2mqtt/cover/AA_BB_CC_DD_EE_FF/availability" {
		t.Errorf("availability = %+v", payload.Availability)
	}
	if payload.TiltMax == nil || *payload.TiltMax != 200 {
		t.Error("tilt_max missing or wrong")
	}

	for _, slot := range []string{"battery", "illuminance", "interior_temperature", "solar_panel", "rssi"} {
		if _, ok := broker.find("homeassistant/sensor/AA_BB_CC_DD_EE_FF/" + slot + "/config"); !ok {
			t.Errorf("sensor discovery for %s not published", slot)
		}
	}
	for _, slot := range []string{"charging", "is_over_temperature", "is_under_voltage_lockout"} {
		if _, ok := broker.find("homeassistant/binary_sensor/AA_BB_CC_DD_EE_FF/" + slot + "/config"); !ok {
			t.Errorf("binary sensor discovery for %s not published", slot)
		}
	}
}

func TestUnlockedEventPublishesOnline(t *testing.T) {
	br, broker := testBridge(t)

	br.handleEvent("AA:BB:CC:DD:EE:FF", blinds.Event{Kind: blinds.EventUnlocked})

	pub, ok := broker.find("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/availability")
	if !ok {
		t.Fatal("availability not published")
	}
	if pub.payload != PayloadOnline || !pub.retain {
		t.Errorf("availability = %+v, want retained online", pub)
	}
}

func TestAngleEventPublishesTiltAndState(t *testing.T) {
	br, broker := testBridge(t)

	br.handleEvent("AA:BB:CC:DD:EE:FF", blinds.Event{Kind: blinds.EventAngle, Angle: 100})

	tilt, ok := broker.find("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/tilt/state")
	if !ok || tilt.payload != "100" {
		t.Errorf("tilt state = %+v, want 100", tilt)
	}
	state, ok := broker.find("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/state")
	if !ok || state.payload != StateOpen {
		t.Errorf("state = %+v, want open", state)
	}

	// Angles in the closed band snap to the rail and read closed.
	br.handleEvent("AA:BB:CC:DD:EE:FF", blinds.Event{Kind: blinds.EventAngle, Angle: 195})
	tilt, _ = broker.find("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/tilt/state")
	if tilt.payload != "200" {
		t.Errorf("snapped tilt = %s, want 200", tilt.payload)
	}
	state, _ = broker.find("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/state")
	if state.payload != StateClosed {
		t.Errorf("state = %s, want closed", state.payload)
	}
}

func TestSensorEventsPublishJSONObjects(t *testing.T) {
	br, broker := testBridge(t)

	br.handleEvent("AA:BB:CC:DD:EE:FF", blinds.Event{
		Kind: blinds.EventBattery,
		Sensors: blinds.Sensors{
			BatteryPercentage:  85,
			BatteryVoltage:     3780,
			BatteryTemperature: 21.2,
		},
	})

	pub, ok := broker.find("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/battery/state")
	if !ok {
		t.Fatal("battery state not published")
	}
	if pub.retain {
		t.Error("metric state published retained")
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(pub.payload), &decoded); err != nil {
		t.Fatalf("battery payload not JSON: %v", err)
	}
	if decoded["percentage"] != float64(85) {
		t.Errorf("percentage = %v, want 85", decoded["percentage"])
	}
	if decoded["voltage"] != float64(3780) {
		t.Errorf("voltage = %v, want 3780", decoded["voltage"])
	}
}

func TestInboundOpenCloseCommands(t *testing.T) {
	_, broker := testBridge(t)

	// No characteristics are bound in this harness, so the write is
	// skipped, but routing must not treat these as invalid.
	broker.deliver("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/set", "OPEN")
	broker.deliver("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/set", "CLOSE")

	// Lower-case and unknown commands are ignored.
	broker.deliver("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/set", "open")
	broker.deliver("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/set", "TOGGLE")
}

func TestInboundTiltCommand(t *testing.T) {
	_, broker := testBridge(t)

	broker.deliver("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/tilt/set", "100")
	broker.deliver("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/tilt/set", "not-a-number")
	broker.deliver("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/tilt/set", "999")
}

func TestDisposePublishesOfflineFirst(t *testing.T) {
	br, broker := testBridge(t)

	if err := br.Dispose(); err != nil {
		t.Fatalf("Dispose() error = %v", err)
	}

	pub, ok := broker.find("bt2mqtt/cover/AA_BB_CC_DD_EE_FF/availability")
	if !ok {
		t.Fatal("offline availability not published on dispose")
	}
	if pub.payload != PayloadOffline || !pub.retain {
		t.Errorf("availability = %+v, want retained offline", pub)
	}

	if err := br.Dispose(); err != nil {
		t.Fatalf("second Dispose() error = %v", err)
	}
}

func TestDiscoveryTopicShape(t *testing.T) {
	br, _ := testBridge(t)

	got := br.discoveryTopic("sensor", "AA:BB:CC:DD:EE:FF", "battery")
	if got != "homeassistant/sensor/AA_BB_CC_DD_EE_FF/battery/config" {
		t.Errorf("discoveryTopic() = %s", got)
	}
	if strings.Contains(got, ":") {
		t.Error("discovery topic contains a colon")
	}
}
