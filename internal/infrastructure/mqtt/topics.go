package mqtt

import (
	"fmt"
	"strconv"
	"strings"
)

// Topic prefix for all bridge traffic.
//
// Everything the daemon publishes or consumes lives under a single root:
//
//	melbridge/status                                      bridge online/offline (retained, LWT)
//	melbridge/state/{device_id}                           device snapshot (retained)
//	melbridge/availability/{device_id}                    device online/offline (retained)
//	melbridge/command/{device_id}/{field}                 inbound field write
//	melbridge/command/{device_id}/zone/{zone_id}/{field}  inbound zone field write
//	melbridge/result/{device_id}                          command lifecycle outcomes
//	melbridge/event/{type}                                coordinator events
//
// Home Assistant discovery configs are published under a separate,
// configurable prefix (default "homeassistant") via DiscoveryConfig.
const (
	// TopicPrefix is the root of all bridge topics.
	TopicPrefix = "melbridge"
)

// Topics builds bridge topic strings. Every publisher and subscriber in
// the daemon goes through these methods rather than formatting topics
// inline.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.DeviceState("12345")
//	// Returns: "melbridge/state/12345"
type Topics struct{}

// =============================================================================
// Bridge Topics
// =============================================================================

// Status returns the bridge status topic. The broker publishes the Last
// Will here if the daemon dies without a graceful shutdown.
//
// Example: melbridge/status
func (Topics) Status() string {
	return fmt.Sprintf("%s/status", TopicPrefix)
}

// DeviceState returns the topic carrying a device's full state snapshot.
// Published retained so late subscribers see the current state immediately.
//
// Example: melbridge/state/12345
func (Topics) DeviceState(deviceID string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, deviceID)
}

// DeviceAvailability returns the topic carrying a device's online/offline
// marker. Published retained.
//
// Example: melbridge/availability/12345
func (Topics) DeviceAvailability(deviceID string) string {
	return fmt.Sprintf("%s/availability/%s", TopicPrefix, deviceID)
}

// DeviceCommand returns the topic for inbound writes to a device field.
//
// Example: melbridge/command/12345/target_temperature
func (Topics) DeviceCommand(deviceID, field string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, deviceID, field)
}

// ZoneCommand returns the topic for inbound writes to a zone-scoped field
// on an air-to-water unit.
//
// Example: melbridge/command/12345/zone/1/target_temperature
func (Topics) ZoneCommand(deviceID string, zone int, field string) string {
	return fmt.Sprintf("%s/command/%s/zone/%d/%s", TopicPrefix, deviceID, zone, field)
}

// CommandResult returns the topic carrying command lifecycle outcomes
// (confirmed, expired, write_failed) for a device.
//
// Example: melbridge/result/12345
func (Topics) CommandResult(deviceID string) string {
	return fmt.Sprintf("%s/result/%s", TopicPrefix, deviceID)
}

// Event returns the topic for coordinator events.
//
// Example: melbridge/event/refresh_completed
func (Topics) Event(eventType string) string {
	return fmt.Sprintf("%s/event/%s", TopicPrefix, eventType)
}

// =============================================================================
// Home Assistant Discovery
// =============================================================================

// DiscoveryConfig returns the Home Assistant discovery config topic for an
// entity. The prefix is configurable (mqtt.discovery.prefix, default
// "homeassistant"); Home Assistant subscribes under the prefix and creates
// entities from retained configs.
//
// Example: homeassistant/climate/melbridge_12345/config
func (Topics) DiscoveryConfig(prefix, component, objectID string) string {
	return fmt.Sprintf("%s/%s/%s/config", prefix, component, objectID)
}

// =============================================================================
// Wildcard Patterns for Subscriptions
// =============================================================================

// AllCommands returns a pattern matching every inbound command, both the
// device form and the zone form.
//
// Pattern: melbridge/command/#
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/#", TopicPrefix)
}

// AllDeviceStates returns a pattern matching all device state snapshots.
//
// Pattern: melbridge/state/+
func (Topics) AllDeviceStates() string {
	return fmt.Sprintf("%s/state/+", TopicPrefix)
}

// AllDeviceAvailability returns a pattern matching all availability markers.
//
// Pattern: melbridge/availability/+
func (Topics) AllDeviceAvailability() string {
	return fmt.Sprintf("%s/availability/+", TopicPrefix)
}

// AllResults returns a pattern matching all command lifecycle outcomes.
//
// Pattern: melbridge/result/+
func (Topics) AllResults() string {
	return fmt.Sprintf("%s/result/+", TopicPrefix)
}

// AllEvents returns a pattern matching all coordinator events.
//
// Pattern: melbridge/event/+
func (Topics) AllEvents() string {
	return fmt.Sprintf("%s/event/+", TopicPrefix)
}

// AllTopics returns a pattern matching every bridge topic, retained
// snapshots included. Meant for debugging sessions, not daemon code.
//
// Pattern: melbridge/#
func (Topics) AllTopics() string {
	return fmt.Sprintf("%s/#", TopicPrefix)
}

// =============================================================================
// Command Topic Parsing
// =============================================================================

// CommandRef identifies the device, optional zone, and field addressed by
// an inbound command topic. Zone is 0 for device-level commands.
type CommandRef struct {
	DeviceID string
	Zone     int
	Field    string
}

// ParseCommandTopic extracts the command target from a topic received via
// the AllCommands subscription.
//
// Accepted forms:
//
//	melbridge/command/{device_id}/{field}
//	melbridge/command/{device_id}/zone/{zone_id}/{field}
//
// Returns ErrInvalidTopic (wrapped) for anything else.
func ParseCommandTopic(topic string) (CommandRef, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || parts[0] != TopicPrefix || parts[1] != "command" {
		return CommandRef{}, fmt.Errorf("%w: %q is not a command topic", ErrInvalidTopic, topic)
	}

	switch {
	case len(parts) == 4:
		if parts[2] == "" || parts[3] == "" {
			return CommandRef{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidTopic, topic)
		}
		return CommandRef{DeviceID: parts[2], Field: parts[3]}, nil

	case len(parts) == 6 && parts[3] == "zone":
		if parts[2] == "" || parts[5] == "" {
			return CommandRef{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidTopic, topic)
		}
		zone, err := strconv.Atoi(parts[4])
		if err != nil || zone < 1 {
			return CommandRef{}, fmt.Errorf("%w: %q has an invalid zone segment", ErrInvalidTopic, topic)
		}
		return CommandRef{DeviceID: parts[2], Zone: zone, Field: parts[5]}, nil

	default:
		return CommandRef{}, fmt.Errorf("%w: %q is not a command topic", ErrInvalidTopic, topic)
	}
}
