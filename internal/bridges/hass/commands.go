package hass

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/divers33/hass-melcloud-coordinator/internal/coordinator"
	"github.com/divers33/hass-melcloud-coordinator/internal/device"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/mqtt"
)

// Synthetic command fields resolved by the bridge itself. Everything else
// passes straight through to the coordinator's queue, so the raw field
// topics (power, target_temperature, fan_speed, vane_vertical, ...) keep
// working for non-HA consumers.
const (
	fieldHVACMode        = "hvac_mode"
	fieldWaterHeaterMode = "water_heater_mode"
	fieldRefresh         = "refresh"
)

// Home Assistant water heater modes the tank entity advertises.
const (
	waterHeaterOff         = "off"
	waterHeaterHeatPump    = "heat_pump"
	waterHeaterPerformance = "performance"
)

// statusRejected marks a command the bridge or the queue refused before
// it reached the cloud. Published on the result topic alongside the
// coordinator's confirmed/expired outcomes.
const statusRejected = "rejected"

// zoneModeFromHVAC maps Home Assistant climate modes onto zone operation
// modes. auto selects the weather compensation curve.
var zoneModeFromHVAC = map[string]string{
	"heat": "heat_thermostat",
	"cool": "cool_thermostat",
	"auto": "curve",
}

// handleCommand is the MQTT handler for melbridge/command/#. It resolves
// the target tuple from the topic, translates Home Assistant mode
// vocabulary where needed and enqueues the result.
func (b *Bridge) handleCommand(topic string, payload []byte) error {
	ref, err := mqtt.ParseCommandTopic(topic)
	if err != nil {
		b.countRejected()
		return err
	}

	if ref.Field == fieldRefresh && ref.Zone == 0 {
		return b.handleRefresh(ref)
	}

	value := decodePayload(payload)

	var cmds []coordinator.Command
	switch {
	case ref.Field == fieldHVACMode:
		cmds, err = b.translateHVACMode(ref, value)
	case ref.Field == fieldWaterHeaterMode && ref.Zone == 0:
		cmds, err = b.translateWaterHeaterMode(ref, value)
	default:
		cmds = []coordinator.Command{{
			DeviceID: ref.DeviceID,
			Zone:     ref.Zone,
			Field:    ref.Field,
			Value:    value,
		}}
	}
	if err != nil {
		b.publishRejected(ref, value, err)
		return err
	}

	ctx, cancel := context.WithTimeout(b.ctx, enqueueTimeout)
	defer cancel()

	for _, cmd := range cmds {
		if _, err := b.coord.Enqueue(ctx, cmd); err != nil {
			b.publishRejected(ref, cmd.Value, err)
			return fmt.Errorf("enqueue %s %s: %w", cmd.DeviceID, cmd.Field, err)
		}
	}

	b.metricsMu.Lock()
	b.metrics.CommandsReceived++
	b.metricsMu.Unlock()

	b.logger.Debug("command accepted",
		"device_id", ref.DeviceID,
		"zone", ref.Zone,
		"field", ref.Field)
	return nil
}

// decodePayload interprets a command payload as JSON when possible and as
// a bare string otherwise, so both 21.5 and heat work without quoting.
func decodePayload(payload []byte) any {
	var v any
	if err := json.Unmarshal(payload, &v); err == nil && v != nil {
		return v
	}
	return strings.TrimSpace(string(payload))
}

// translateHVACMode turns a Home Assistant climate mode into queue
// commands. off maps to device power; any active mode powers the unit on
// first when it is displayed as off. Zone topics additionally translate
// the HA vocabulary into zone operation modes.
func (b *Bridge) translateHVACMode(ref mqtt.CommandRef, value any) ([]coordinator.Command, error) {
	mode, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("hvac_mode wants a string, got %T", value)
	}

	if mode == "off" {
		return []coordinator.Command{{
			DeviceID: ref.DeviceID,
			Field:    device.FieldPower,
			Value:    false,
		}}, nil
	}

	cmds, err := b.powerOnCommands(ref.DeviceID)
	if err != nil {
		return nil, err
	}

	if ref.Zone == 0 {
		return append(cmds, coordinator.Command{
			DeviceID: ref.DeviceID,
			Field:    device.FieldOperationMode,
			Value:    mode,
		}), nil
	}

	zoneMode, ok := zoneModeFromHVAC[mode]
	if !ok {
		return nil, fmt.Errorf("no zone operation mode for hvac mode %q", mode)
	}
	return append(cmds, coordinator.Command{
		DeviceID: ref.DeviceID,
		Zone:     ref.Zone,
		Field:    device.ZoneFieldOperationMode,
		Value:    zoneMode,
	}), nil
}

// translateWaterHeaterMode turns a Home Assistant water heater mode into
// queue commands: off is device power, performance forces hot water,
// heat_pump releases the forcing.
func (b *Bridge) translateWaterHeaterMode(ref mqtt.CommandRef, value any) ([]coordinator.Command, error) {
	mode, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("water_heater_mode wants a string, got %T", value)
	}

	switch mode {
	case waterHeaterOff:
		return []coordinator.Command{{
			DeviceID: ref.DeviceID,
			Field:    device.FieldPower,
			Value:    false,
		}}, nil

	case waterHeaterHeatPump, waterHeaterPerformance:
		cmds, err := b.powerOnCommands(ref.DeviceID)
		if err != nil {
			return nil, err
		}
		return append(cmds, coordinator.Command{
			DeviceID: ref.DeviceID,
			Field:    device.FieldForcedHotWater,
			Value:    mode == waterHeaterPerformance,
		}), nil

	default:
		return nil, fmt.Errorf("unknown water heater mode %q", mode)
	}
}

// powerOnCommands returns a power-on command when the device's displayed
// state says it is off, so selecting an active mode on a powered-down
// unit turns it on in the same intake.
func (b *Bridge) powerOnCommands(deviceID string) ([]coordinator.Command, error) {
	dev, err := b.registry.Get(deviceID)
	if err != nil {
		return nil, err
	}
	if on, _ := dev.DisplayedState()[device.FieldPower].(bool); on {
		return nil, nil
	}
	return []coordinator.Command{{
		DeviceID: deviceID,
		Field:    device.FieldPower,
		Value:    true,
	}}, nil
}

// handleRefresh triggers an on-demand poll cycle without blocking the
// MQTT handler. The outcome is published as a coordinator event.
func (b *Bridge) handleRefresh(ref mqtt.CommandRef) error {
	if !b.addWorker() {
		return nil
	}
	go func() {
		defer b.wg.Done()

		ctx, cancel := context.WithTimeout(b.ctx, refreshTimeout)
		defer cancel()

		ev := eventMessage{
			Type:      eventRefreshCompleted,
			DeviceID:  ref.DeviceID,
			Timestamp: time.Now().UTC(),
		}
		if err := b.coord.RequestRefresh(ctx); err != nil {
			ev.Type = eventRefreshFailed
			ev.Error = err.Error()
			b.logger.Warn("mqtt refresh failed",
				"device_id", ref.DeviceID,
				"error", err)
		}
		b.publishEvent(ev)
	}()
	return nil
}

// publishRejected reports a refused command on the device's result topic
// so the issuer sees the refusal the same way it would see an expiry.
func (b *Bridge) publishRejected(ref mqtt.CommandRef, target any, cause error) {
	b.countRejected()

	msg := resultMessage{
		DeviceID:  ref.DeviceID,
		Zone:      ref.Zone,
		Field:     ref.Field,
		Target:    target,
		Status:    statusRejected,
		Error:     cause.Error(),
		Timestamp: time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("result marshal failed", "device_id", ref.DeviceID, "error", err)
		return
	}
	if err := b.publish(b.topics.CommandResult(ref.DeviceID), payload, false); err != nil {
		b.logger.Warn("result publish failed", "device_id", ref.DeviceID, "error", err)
	}

	b.logger.Warn("command rejected",
		"device_id", ref.DeviceID,
		"zone", ref.Zone,
		"field", ref.Field,
		"error", cause)
}

func (b *Bridge) countRejected() {
	b.metricsMu.Lock()
	b.metrics.CommandsRejected++
	b.metricsMu.Unlock()
}
