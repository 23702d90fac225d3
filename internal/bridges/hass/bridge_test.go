package hass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/divers33/hass-melcloud-coordinator/internal/coordinator"
	"github.com/divers33/hass-melcloud-coordinator/internal/device"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/config"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/mqtt"
)

// =============================================================================
// Mocks
// =============================================================================

type publishRecord struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type mockMQTT struct {
	mu        sync.Mutex
	connected bool
	pubErr    error
	subErr    error
	published []publishRecord
	handlers  map[string]mqtt.MessageHandler
	unsubbed  []string
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pubErr != nil {
		return m.pubErr
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	m.published = append(m.published, publishRecord{topic, cp, qos, retained})
	return nil
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subErr != nil {
		return m.subErr
	}
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubbed = append(m.unsubbed, topic)
	delete(m.handlers, topic)
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// deliver invokes the handler registered under subKey with a concrete
// topic, the way the broker would expand a wildcard subscription.
func (m *mockMQTT) deliver(subKey, topic, payload string) error {
	m.mu.Lock()
	h := m.handlers[subKey]
	m.mu.Unlock()
	if h == nil {
		return fmt.Errorf("no handler registered for %s", subKey)
	}
	return h(topic, []byte(payload))
}

func (m *mockMQTT) handler(subKey string) mqtt.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[subKey]
}

func (m *mockMQTT) recordsOn(topic string) []publishRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []publishRecord
	for _, rec := range m.published {
		if rec.topic == topic {
			out = append(out, rec)
		}
	}
	return out
}

func (m *mockMQTT) lastOn(topic string) []byte {
	recs := m.recordsOn(topic)
	if len(recs) == 0 {
		return nil
	}
	return recs[len(recs)-1].payload
}

func (m *mockMQTT) topicsWithPrefix(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, rec := range m.published {
		if strings.HasPrefix(rec.topic, prefix) && !seen[rec.topic] {
			seen[rec.topic] = true
			out = append(out, rec.topic)
		}
	}
	return out
}

func (m *mockMQTT) unsubscribed(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.unsubbed {
		if u == topic {
			return true
		}
	}
	return false
}

type mockCoordinator struct {
	mu         sync.Mutex
	enqueued   []coordinator.Command
	enqueueErr error
	refreshErr error
	refreshes  int
	allFns     map[string]coordinator.SubscriberFunc
	resultFns  map[string]coordinator.ResultFunc
}

func newMockCoordinator() *mockCoordinator {
	return &mockCoordinator{
		allFns:    make(map[string]coordinator.SubscriberFunc),
		resultFns: make(map[string]coordinator.ResultFunc),
	}
}

func (m *mockCoordinator) Enqueue(_ context.Context, cmd coordinator.Command) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return "", m.enqueueErr
	}
	m.enqueued = append(m.enqueued, cmd)
	return fmt.Sprintf("cmd-%d", len(m.enqueued)), nil
}

func (m *mockCoordinator) RequestRefresh(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshes++
	return m.refreshErr
}

func (m *mockCoordinator) SubscribeAll(id string, fn coordinator.SubscriberFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.allFns[id] = fn
}

func (m *mockCoordinator) UnsubscribeAll(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.allFns, id)
}

func (m *mockCoordinator) SubscribeResults(id string, fn coordinator.ResultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resultFns[id] = fn
}

func (m *mockCoordinator) UnsubscribeResults(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resultFns, id)
}

func (m *mockCoordinator) commands() []coordinator.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]coordinator.Command, len(m.enqueued))
	copy(out, m.enqueued)
	return out
}

func (m *mockCoordinator) refreshCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refreshes
}

func (m *mockCoordinator) subscribedAll() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.allFns) > 0
}

func (m *mockCoordinator) subscribedResults() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.resultFns) > 0
}

// notifyAll plays a hub notification into every registered subscriber.
func (m *mockCoordinator) notifyAll(dev *device.Device) {
	m.mu.Lock()
	fns := make([]coordinator.SubscriberFunc, 0, len(m.allFns))
	for _, fn := range m.allFns {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(dev.DeepCopy())
	}
}

func (m *mockCoordinator) notifyResult(res coordinator.CommandResult) {
	m.mu.Lock()
	fns := make([]coordinator.ResultFunc, 0, len(m.resultFns))
	for _, fn := range m.resultFns {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(res)
	}
}

// =============================================================================
// Fixtures
// =============================================================================

func seedAta(t *testing.T, r *device.Registry) *device.Device {
	t.Helper()
	dev, _ := r.ApplyConfirmed(device.Observation{
		CloudID:    42,
		BuildingID: 7,
		Name:       "Living Room",
		Family:     device.FamilyAta,
		Capabilities: device.Capabilities{
			TemperatureIncrement:   0.5,
			MinTargetTemperature:   16,
			MaxTargetTemperature:   31,
			FanSpeeds:              5,
			SupportsVaneVertical:   true,
			SupportsVaneHorizontal: true,
			SupportsDry:            true,
			SupportsHeatCool:       true,
			SupportsHeat:           true,
			SupportsCool:           true,
			HasEnergyMeter:         true,
		},
		State: device.State{
			device.FieldPower:                 false,
			device.FieldOperationMode:         "heat",
			device.FieldTargetTemperature:     21.0,
			device.FieldRoomTemperature:       19.5,
			device.FieldFanSpeed:              "3",
			device.FieldVaneVertical:          "auto",
			device.FieldVaneHorizontal:        "auto",
			device.FieldCurrentEnergyConsumed: 12.5,
		},
		ObservedAt: time.Now(),
	})
	return dev
}

func seedAtw(t *testing.T, r *device.Registry) *device.Device {
	t.Helper()
	dev, _ := r.ApplyConfirmed(device.Observation{
		CloudID:    9,
		BuildingID: 7,
		Name:       "Heat Pump",
		Family:     device.FamilyAtw,
		Capabilities: device.Capabilities{
			TemperatureIncrement: 0.5,
			MinTargetTemperature: 10,
			MaxTargetTemperature: 30,
			SupportsHeat:         true,
			HasTank:              true,
			ZoneCount:            2,
			HasEnergyMeter:       true,
		},
		Zones: []device.Zone{
			{ID: 1, Name: "Ground floor"},
			{ID: 2},
		},
		State: device.State{
			device.FieldPower:                       true,
			device.FieldOperationMode:               "heat_zones",
			device.FieldOutdoorTemperature:          8.5,
			device.FieldTankTemperature:             47.0,
			device.FieldTargetTankTemperature:       50.0,
			device.FieldForcedHotWater:              false,
			device.FieldFlowTemperature:             35.2,
			device.FieldReturnTemperature:           30.1,
			device.FieldDemandPercentage:            62.0,
			device.FieldHeatPumpFrequency:           45.0,
			device.FieldDailyHeatingEnergyConsumed:  7.2,
			device.FieldDailyHotWaterEnergyConsumed: 2.1,
			device.FieldDailyHeatingEnergyProduced:  21.4,
			device.FieldDailyHotWaterEnergyProduced: 5.3,
			"zone1_room_temperature":                20.1,
			"zone1_target_temperature":              21.0,
			"zone1_operation_mode":                  "heat_thermostat",
			"zone2_room_temperature":                18.0,
			"zone2_target_temperature":              19.0,
			"zone2_operation_mode":                  "curve",
		},
		ObservedAt: time.Now(),
	})
	return dev
}

type testBridge struct {
	b     *Bridge
	mq    *mockMQTT
	coord *mockCoordinator
	reg   *device.Registry
}

func newTestBridge(t *testing.T, mutate ...func(*Options)) *testBridge {
	t.Helper()

	reg := device.NewRegistry()
	coord := newMockCoordinator()
	mq := newMockMQTT()

	opts := Options{
		Config: config.MQTTConfig{
			QoS: 1,
			Discovery: config.DiscoveryConfig{
				Enabled: true,
				Prefix:  "homeassistant",
			},
		},
		Coordinator: coord,
		MQTT:        mq,
		Registry:    reg,
	}
	for _, fn := range mutate {
		fn(&opts)
	}

	b, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(b.Stop)

	return &testBridge{b: b, mq: mq, coord: coord, reg: reg}
}

func (tb *testBridge) start(t *testing.T) {
	t.Helper()
	if err := tb.b.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
}

// command feeds a payload through the wildcard command subscription.
func (tb *testBridge) command(topic, payload string) error {
	return tb.mq.deliver("melbridge/command/#", topic, payload)
}

func decodeJSON(t *testing.T, payload []byte) map[string]any {
	t.Helper()
	if payload == nil {
		t.Fatal("expected a published payload, got none")
	}
	var msg map[string]any
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	return msg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestNew_Validation(t *testing.T) {
	reg := device.NewRegistry()
	coord := newMockCoordinator()
	mq := newMockMQTT()

	if _, err := New(Options{MQTT: mq, Registry: reg}); err == nil {
		t.Error("New() without a coordinator should fail")
	}
	if _, err := New(Options{Coordinator: coord, Registry: reg}); err == nil {
		t.Error("New() without an mqtt client should fail")
	}
	if _, err := New(Options{Coordinator: coord, MQTT: mq}); err == nil {
		t.Error("New() without a registry should fail")
	}

	b, err := New(Options{Coordinator: coord, MQTT: mq, Registry: reg})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	b.Stop()
}

func TestNew_DefaultDiscoveryPrefix(t *testing.T) {
	tb := newTestBridge(t, func(o *Options) {
		o.Config.Discovery = config.DiscoveryConfig{Enabled: true}
	})
	tb.start(t)

	if tb.mq.handler("homeassistant/status") == nil {
		t.Error("expected birth subscription under the default discovery prefix")
	}
}

func TestStart_AnnouncesExistingDevices(t *testing.T) {
	tb := newTestBridge(t)
	seedAta(t, tb.reg)
	tb.start(t)

	if tb.mq.handler("melbridge/command/#") == nil {
		t.Error("command subscription missing")
	}
	if !tb.coord.subscribedAll() || !tb.coord.subscribedResults() {
		t.Error("bridge did not subscribe to the coordinator hub")
	}

	if got := string(tb.mq.lastOn("melbridge/availability/42")); got != "online" {
		t.Errorf("availability = %q, want online", got)
	}

	msg := decodeJSON(t, tb.mq.lastOn("melbridge/state/42"))
	if msg["device_id"] != "42" || msg["family"] != "ata" {
		t.Errorf("state identity = %v/%v", msg["device_id"], msg["family"])
	}
	state, ok := msg["state"].(map[string]any)
	if !ok {
		t.Fatalf("state block missing in %v", msg)
	}
	if state["target_temperature"] != 21.0 {
		t.Errorf("target_temperature = %v, want 21", state["target_temperature"])
	}

	for _, rec := range tb.mq.recordsOn("melbridge/state/42") {
		if !rec.retained {
			t.Error("state publishes must be retained")
		}
	}
	for _, rec := range tb.mq.recordsOn("melbridge/availability/42") {
		if !rec.retained {
			t.Error("availability publishes must be retained")
		}
	}

	if got := tb.b.Metrics().DevicesAnnounced; got != 1 {
		t.Errorf("DevicesAnnounced = %d, want 1", got)
	}
}

func TestDeviceUpdate_AvailabilityPublishedOnTransitions(t *testing.T) {
	tb := newTestBridge(t)
	tb.start(t)
	dev := seedAta(t, tb.reg)

	tb.coord.notifyAll(dev)
	tb.coord.notifyAll(dev)

	avail := tb.mq.recordsOn("melbridge/availability/42")
	if len(avail) != 1 {
		t.Fatalf("availability publishes = %d, want 1 (no change, no republish)", len(avail))
	}
	if got := len(tb.mq.recordsOn("melbridge/state/42")); got != 2 {
		t.Errorf("state publishes = %d, want 2 (every notification)", got)
	}

	stale := dev.DeepCopy()
	stale.Available = false
	tb.coord.notifyAll(stale)

	avail = tb.mq.recordsOn("melbridge/availability/42")
	if len(avail) != 2 {
		t.Fatalf("availability publishes = %d, want 2 after transition", len(avail))
	}
	if got := string(avail[1].payload); got != "offline" {
		t.Errorf("availability = %q, want offline", got)
	}
}

func TestDeviceUpdate_DiscoveryPublishedOnce(t *testing.T) {
	tb := newTestBridge(t)
	tb.start(t)
	dev := seedAta(t, tb.reg)

	tb.coord.notifyAll(dev)
	tb.coord.notifyAll(dev)

	cfg := tb.mq.recordsOn("homeassistant/climate/melbridge_42/config")
	if len(cfg) != 1 {
		t.Errorf("discovery publishes = %d, want 1", len(cfg))
	}
}

func TestDiscoveryDisabled_SkipsConfigsAndBirth(t *testing.T) {
	tb := newTestBridge(t, func(o *Options) {
		o.Config.Discovery.Enabled = false
	})
	seedAta(t, tb.reg)
	tb.start(t)

	if topics := tb.mq.topicsWithPrefix("homeassistant/"); len(topics) != 0 {
		t.Errorf("unexpected discovery publishes: %v", topics)
	}
	if tb.mq.handler("homeassistant/status") != nil {
		t.Error("birth subscription should be skipped when discovery is disabled")
	}

	// State and availability still flow.
	if tb.mq.lastOn("melbridge/state/42") == nil {
		t.Error("state publish missing")
	}
	if tb.mq.lastOn("melbridge/availability/42") == nil {
		t.Error("availability publish missing")
	}
}

func TestResultStream_PublishedPerDevice(t *testing.T) {
	tb := newTestBridge(t)
	tb.start(t)

	tb.coord.notifyResult(coordinator.CommandResult{
		CommandID: "abc-123",
		DeviceID:  "42",
		Zone:      2,
		Field:     "target_temperature",
		Target:    21.5,
		Status:    "confirmed",
	})

	msg := decodeJSON(t, tb.mq.lastOn("melbridge/result/42"))
	if msg["command_id"] != "abc-123" || msg["status"] != "confirmed" {
		t.Errorf("result = %v", msg)
	}
	if msg["zone"] != 2.0 || msg["target"] != 21.5 {
		t.Errorf("result tuple = zone %v target %v", msg["zone"], msg["target"])
	}
	if _, ok := msg["error"]; ok {
		t.Error("confirmed result should carry no error")
	}

	tb.coord.notifyResult(coordinator.CommandResult{
		CommandID: "abc-124",
		DeviceID:  "42",
		Field:     "power",
		Target:    true,
		Status:    "expired",
		Err:       errors.New("command expired unconfirmed"),
	})

	msg = decodeJSON(t, tb.mq.lastOn("melbridge/result/42"))
	if msg["status"] != "expired" {
		t.Errorf("status = %v, want expired", msg["status"])
	}
	if msg["error"] != "command expired unconfirmed" {
		t.Errorf("error = %v", msg["error"])
	}

	if got := tb.b.Metrics().ResultPublishes; got != 2 {
		t.Errorf("ResultPublishes = %d, want 2", got)
	}
}

func TestBirthMessage_Republishes(t *testing.T) {
	tb := newTestBridge(t)
	seedAta(t, tb.reg)
	tb.start(t)

	configTopic := "homeassistant/climate/melbridge_42/config"
	if got := len(tb.mq.recordsOn(configTopic)); got != 1 {
		t.Fatalf("initial discovery publishes = %d, want 1", got)
	}

	if err := tb.mq.deliver("homeassistant/status", "homeassistant/status", "online"); err != nil {
		t.Fatalf("birth delivery failed: %v", err)
	}
	if got := len(tb.mq.recordsOn(configTopic)); got != 2 {
		t.Errorf("discovery publishes after birth = %d, want 2", got)
	}
	if got := len(tb.mq.recordsOn("melbridge/state/42")); got != 2 {
		t.Errorf("state publishes after birth = %d, want 2", got)
	}

	// Home Assistant going down is not a birth.
	if err := tb.mq.deliver("homeassistant/status", "homeassistant/status", "offline"); err != nil {
		t.Fatalf("status delivery failed: %v", err)
	}
	if got := len(tb.mq.recordsOn(configTopic)); got != 2 {
		t.Errorf("discovery publishes after offline = %d, want 2", got)
	}
}

func TestStop_DetachesEverything(t *testing.T) {
	tb := newTestBridge(t)
	tb.start(t)

	tb.b.Stop()

	if !tb.mq.unsubscribed("melbridge/command/#") {
		t.Error("command subscription not removed")
	}
	if !tb.mq.unsubscribed("homeassistant/status") {
		t.Error("birth subscription not removed")
	}
	if tb.coord.subscribedAll() || tb.coord.subscribedResults() {
		t.Error("coordinator subscriptions not removed")
	}

	tb.b.Stop()
}
