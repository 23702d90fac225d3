// Package hass presents coordinator-tracked heat pumps to Home Assistant
// over MQTT. It publishes retained state and availability per device,
// announces entities through MQTT discovery, and feeds inbound command
// topics into the coordinator's write queue.
package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/divers33/hass-melcloud-coordinator/internal/coordinator"
	"github.com/divers33/hass-melcloud-coordinator/internal/device"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/config"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/mqtt"
)

const (
	// hubSubscriberID identifies the bridge on the coordinator's hub.
	hubSubscriberID = "hass-bridge"

	// enqueueTimeout bounds the journal write done during command intake.
	enqueueTimeout = 5 * time.Second

	// refreshTimeout bounds an MQTT-triggered poll cycle.
	refreshTimeout = 2 * time.Minute

	// birthPayload is what Home Assistant publishes under {prefix}/status
	// when it starts. The bridge answers by republishing discovery configs
	// and retained state.
	birthPayload = "online"
)

// Logger is the structured logging interface used by the bridge.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Coordinator is the slice of the refresh coordinator the bridge drives:
// command intake, on-demand refresh and the two hub streams.
type Coordinator interface {
	Enqueue(ctx context.Context, cmd coordinator.Command) (string, error)
	RequestRefresh(ctx context.Context) error
	SubscribeAll(subscriberID string, fn coordinator.SubscriberFunc)
	UnsubscribeAll(subscriberID string)
	SubscribeResults(subscriberID string, fn coordinator.ResultFunc)
	UnsubscribeResults(subscriberID string)
}

// MQTTClient is the broker surface the bridge publishes and subscribes
// through. Satisfied by *mqtt.Client; mocked in tests.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Bridge translates between the coordinator's device model and Home
// Assistant's MQTT conventions.
//
// All methods are safe for concurrent use.
type Bridge struct {
	cfg      config.MQTTConfig
	coord    Coordinator
	mqtt     MQTTClient
	registry *device.Registry

	topics mqtt.Topics

	// tracked records which devices have been announced and the last
	// availability published for each, so retained topics only change
	// on real transitions.
	trackMu sync.Mutex
	tracked map[string]*deviceTrack

	metricsMu sync.Mutex
	metrics   Metrics

	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context
	ctxCancel context.CancelFunc

	lifeMu sync.Mutex
	closed bool

	logger Logger
}

type deviceTrack struct {
	available bool
}

// Metrics is a point-in-time snapshot of bridge counters.
type Metrics struct {
	DevicesAnnounced int    `json:"devices_announced"`
	CommandsReceived uint64 `json:"commands_received"`
	CommandsRejected uint64 `json:"commands_rejected"`
	StatePublishes   uint64 `json:"state_publishes"`
	ResultPublishes  uint64 `json:"result_publishes"`
	PublishFailures  uint64 `json:"publish_failures"`
}

// Options configures a Bridge.
type Options struct {
	// Config carries the QoS and discovery settings. The broker fields
	// are consumed by the MQTT client, not the bridge.
	Config config.MQTTConfig

	// Coordinator is the refresh coordinator commands are enqueued on.
	Coordinator Coordinator

	// MQTT is the connected broker client.
	MQTT MQTTClient

	// Registry supplies devices already observed before Start and the
	// displayed power state consulted when translating climate modes.
	Registry *device.Registry

	// Logger is optional; a no-op logger is used when nil.
	Logger Logger
}

// New creates a Bridge. Call Start to begin operation.
func New(opts Options) (*Bridge, error) {
	if opts.Coordinator == nil {
		return nil, fmt.Errorf("coordinator is required")
	}
	if opts.MQTT == nil {
		return nil, fmt.Errorf("mqtt client is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	cfg := opts.Config
	if cfg.Discovery.Prefix == "" {
		cfg.Discovery.Prefix = defaultDiscoveryPrefix
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:       cfg,
		coord:     opts.Coordinator,
		mqtt:      opts.MQTT,
		registry:  opts.Registry,
		tracked:   make(map[string]*deviceTrack),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: cancel,
		logger:    logger,
	}, nil
}

// Start subscribes to the command topics and both hub streams, then
// announces every device the registry already knows about. Devices that
// appear later are announced on their first hub notification.
func (b *Bridge) Start() error {
	commands := b.topics.AllCommands()
	if err := b.mqtt.Subscribe(commands, b.qos(), b.handleCommand); err != nil {
		return fmt.Errorf("subscribe to commands: %w", err)
	}
	b.logger.Info("subscribed to command topics", "topic", commands)

	if b.cfg.Discovery.Enabled {
		if err := b.mqtt.Subscribe(b.birthTopic(), b.qos(), b.handleBirth); err != nil {
			return fmt.Errorf("subscribe to home assistant status: %w", err)
		}
		b.logger.Info("subscribed to home assistant status", "topic", b.birthTopic())
	}

	b.coord.SubscribeAll(hubSubscriberID, b.handleDeviceUpdate)
	b.coord.SubscribeResults(hubSubscriberID, b.handleResult)

	for _, dev := range b.registry.List() {
		b.publishDevice(dev)
	}
	return nil
}

// Stop detaches the bridge from the coordinator and the broker and waits
// for in-flight refresh workers. Safe to call more than once. Retained
// topics are left in place; the MQTT client's shutdown flips the bridge
// status, which the discovery configs list as an availability source.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.lifeMu.Lock()
		b.closed = true
		b.lifeMu.Unlock()

		close(b.done)
		b.ctxCancel()

		b.coord.UnsubscribeAll(hubSubscriberID)
		b.coord.UnsubscribeResults(hubSubscriberID)

		if err := b.mqtt.Unsubscribe(b.topics.AllCommands()); err != nil {
			b.logger.Warn("unsubscribe failed",
				"topic", b.topics.AllCommands(),
				"error", err)
		}
		if b.cfg.Discovery.Enabled {
			if err := b.mqtt.Unsubscribe(b.birthTopic()); err != nil {
				b.logger.Warn("unsubscribe failed",
					"topic", b.birthTopic(),
					"error", err)
			}
		}

		b.wg.Wait()
		b.logger.Info("hass bridge stopped")
	})
}

// addWorker reserves a slot in the WaitGroup unless the bridge is
// stopping. Guards against Add racing Wait.
func (b *Bridge) addWorker() bool {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.closed {
		return false
	}
	b.wg.Add(1)
	return true
}

// handleDeviceUpdate receives every hub notification. The device is the
// coordinator's deep copy, safe to read without locking.
func (b *Bridge) handleDeviceUpdate(dev *device.Device) {
	b.publishDevice(dev)
}

// publishDevice announces a device on first sight, then keeps its
// retained availability and state topics current.
func (b *Bridge) publishDevice(dev *device.Device) {
	first, availChanged := b.track(dev)
	if first {
		if b.cfg.Discovery.Enabled {
			b.publishDiscovery(dev)
		}
		b.publishEvent(eventMessage{
			Type:      eventDeviceDiscovered,
			DeviceID:  dev.ID,
			Name:      dev.Name,
			Timestamp: time.Now().UTC(),
		})
		b.logger.Info("device announced",
			"device_id", dev.ID,
			"name", dev.Name,
			"family", string(dev.Family))
	}

	if first || availChanged {
		b.publishAvailability(dev.ID, dev.Available)
	}
	b.publishState(dev)
}

// track updates the per-device bookkeeping and reports whether this is
// the first sighting and whether availability flipped.
func (b *Bridge) track(dev *device.Device) (first, availChanged bool) {
	b.trackMu.Lock()
	defer b.trackMu.Unlock()

	t, ok := b.tracked[dev.ID]
	if !ok {
		b.tracked[dev.ID] = &deviceTrack{available: dev.Available}
		return true, false
	}
	if t.available != dev.Available {
		t.available = dev.Available
		return false, true
	}
	return false, false
}

// stateMessage is the retained per-device snapshot payload. State carries
// the displayed (optimistic over confirmed) values.
type stateMessage struct {
	DeviceID  string        `json:"device_id"`
	Name      string        `json:"name"`
	Family    string        `json:"family"`
	Available bool          `json:"available"`
	State     device.State  `json:"state"`
	Zones     []device.Zone `json:"zones,omitempty"`
	LastSeen  time.Time     `json:"last_seen"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (b *Bridge) publishState(dev *device.Device) {
	msg := stateMessage{
		DeviceID:  dev.ID,
		Name:      dev.Name,
		Family:    string(dev.Family),
		Available: dev.Available,
		State:     dev.DisplayedState(),
		Zones:     dev.Zones,
		LastSeen:  dev.LastSeen,
		UpdatedAt: dev.UpdatedAt,
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("state marshal failed", "device_id", dev.ID, "error", err)
		return
	}
	if err := b.publish(b.topics.DeviceState(dev.ID), payload, true); err != nil {
		b.logger.Warn("state publish failed", "device_id", dev.ID, "error", err)
		return
	}

	b.metricsMu.Lock()
	b.metrics.StatePublishes++
	b.metricsMu.Unlock()
}

func (b *Bridge) publishAvailability(deviceID string, available bool) {
	payload := availabilityOffline
	if available {
		payload = availabilityOnline
	}
	if err := b.publish(b.topics.DeviceAvailability(deviceID), []byte(payload), true); err != nil {
		b.logger.Warn("availability publish failed", "device_id", deviceID, "error", err)
		return
	}
	b.logger.Info("device availability published",
		"device_id", deviceID,
		"available", available)
}

// resultMessage mirrors a command's lifecycle outcome onto MQTT. Rejected
// commands carry no command_id because the queue never accepted them.
type resultMessage struct {
	CommandID string    `json:"command_id,omitempty"`
	DeviceID  string    `json:"device_id"`
	Zone      int       `json:"zone,omitempty"`
	Field     string    `json:"field"`
	Target    any       `json:"target"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// handleResult publishes every confirmed or expired command outcome to
// the device's result topic.
func (b *Bridge) handleResult(res coordinator.CommandResult) {
	msg := resultMessage{
		CommandID: res.CommandID,
		DeviceID:  res.DeviceID,
		Zone:      res.Zone,
		Field:     res.Field,
		Target:    res.Target,
		Status:    res.Status,
		Timestamp: time.Now().UTC(),
	}
	if res.Err != nil {
		msg.Error = res.Err.Error()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("result marshal failed", "command_id", res.CommandID, "error", err)
		return
	}
	if err := b.publish(b.topics.CommandResult(res.DeviceID), payload, false); err != nil {
		b.logger.Warn("result publish failed", "command_id", res.CommandID, "error", err)
		return
	}

	b.metricsMu.Lock()
	b.metrics.ResultPublishes++
	b.metricsMu.Unlock()
}

// Coordinator event names published under melbridge/event/{type}.
const (
	eventDeviceDiscovered = "device_discovered"
	eventRefreshCompleted = "refresh_completed"
	eventRefreshFailed    = "refresh_failed"
)

type eventMessage struct {
	Type      string    `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Name      string    `json:"name,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (b *Bridge) publishEvent(ev eventMessage) {
	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	if err := b.publish(b.topics.Event(ev.Type), payload, false); err != nil {
		b.logger.Warn("event publish failed", "type", ev.Type, "error", err)
	}
}

// handleBirth reacts to Home Assistant's birth message by republishing
// discovery configs, availability and state for every known device.
func (b *Bridge) handleBirth(_ string, payload []byte) error {
	if strings.TrimSpace(string(payload)) != birthPayload {
		return nil
	}
	b.logger.Info("home assistant restarted, republishing devices")
	b.RepublishAll()
	return nil
}

// RepublishAll re-announces every registry device. Used after a Home
// Assistant restart and exposed for operational tooling.
func (b *Bridge) RepublishAll() {
	b.trackMu.Lock()
	b.tracked = make(map[string]*deviceTrack)
	b.trackMu.Unlock()

	for _, dev := range b.registry.List() {
		b.publishDevice(dev)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) error {
	err := b.mqtt.Publish(topic, payload, b.qos(), retained)
	if err != nil {
		b.metricsMu.Lock()
		b.metrics.PublishFailures++
		b.metricsMu.Unlock()
	}
	return err
}

func (b *Bridge) qos() byte {
	return byte(b.cfg.QoS)
}

func (b *Bridge) birthTopic() string {
	return b.cfg.Discovery.Prefix + "/status"
}

// Metrics returns a snapshot of the bridge counters.
func (b *Bridge) Metrics() Metrics {
	b.metricsMu.Lock()
	m := b.metrics
	b.metricsMu.Unlock()

	b.trackMu.Lock()
	m.DevicesAnnounced = len(b.tracked)
	b.trackMu.Unlock()
	return m
}
