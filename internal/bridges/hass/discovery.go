package hass

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/divers33/hass-melcloud-coordinator/internal/device"
)

// Payload shapes follow the Home Assistant MQTT discovery schema. Only
// the keys the bridge sets are modeled.

const defaultDiscoveryPrefix = "homeassistant"

// Retained availability payloads. The per-device topic carries these
// bare; the bridge status topic is JSON and read through a template.
const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Tank setpoint bounds shown on the water heater card. MELCloud does not
// report tank limits, so the documented hardware range applies.
const (
	tankMinTemperature = 40.0
	tankMaxTemperature = 60.0
)

// Vane positions as select options. Mirrors the portable vane vocabulary.
var (
	vaneVerticalOptions   = []string{"auto", "1", "2", "3", "4", "5", "swing"}
	vaneHorizontalOptions = []string{"auto", "1", "2", "3", "4", "5", "split", "swing"}
)

// discoveryDevice is the device registry block shared by every entity of
// one unit, so Home Assistant groups them on a single device page.
type discoveryDevice struct {
	Identifiers  []string   `json:"identifiers"`
	Name         string     `json:"name"`
	Manufacturer string     `json:"manufacturer"`
	Model        string     `json:"model,omitempty"`
	SerialNumber string     `json:"serial_number,omitempty"`
	Connections  [][]string `json:"connections,omitempty"`
}

type availabilityRef struct {
	Topic         string `json:"topic"`
	ValueTemplate string `json:"value_template,omitempty"`
}

type climateConfig struct {
	Name                       *string           `json:"name"`
	UniqueID                   string            `json:"unique_id"`
	Modes                      []string          `json:"modes"`
	ModeCommandTopic           string            `json:"mode_command_topic"`
	ModeStateTopic             string            `json:"mode_state_topic"`
	ModeStateTemplate          string            `json:"mode_state_template"`
	TemperatureCommandTopic    string            `json:"temperature_command_topic"`
	TemperatureStateTopic      string            `json:"temperature_state_topic"`
	TemperatureStateTemplate   string            `json:"temperature_state_template"`
	CurrentTemperatureTopic    string            `json:"current_temperature_topic,omitempty"`
	CurrentTemperatureTemplate string            `json:"current_temperature_template,omitempty"`
	FanModes                   []string          `json:"fan_modes,omitempty"`
	FanModeCommandTopic        string            `json:"fan_mode_command_topic,omitempty"`
	FanModeStateTopic          string            `json:"fan_mode_state_topic,omitempty"`
	FanModeStateTemplate       string            `json:"fan_mode_state_template,omitempty"`
	MinTemp                    float64           `json:"min_temp,omitempty"`
	MaxTemp                    float64           `json:"max_temp,omitempty"`
	TempStep                   float64           `json:"temp_step,omitempty"`
	Availability               []availabilityRef `json:"availability"`
	AvailabilityMode           string            `json:"availability_mode"`
	Device                     discoveryDevice   `json:"device"`
}

type waterHeaterConfig struct {
	Name                       *string           `json:"name"`
	UniqueID                   string            `json:"unique_id"`
	Modes                      []string          `json:"modes"`
	ModeCommandTopic           string            `json:"mode_command_topic"`
	ModeStateTopic             string            `json:"mode_state_topic"`
	ModeStateTemplate          string            `json:"mode_state_template"`
	TemperatureCommandTopic    string            `json:"temperature_command_topic"`
	TemperatureStateTopic      string            `json:"temperature_state_topic"`
	TemperatureStateTemplate   string            `json:"temperature_state_template"`
	CurrentTemperatureTopic    string            `json:"current_temperature_topic"`
	CurrentTemperatureTemplate string            `json:"current_temperature_template"`
	MinTemp                    float64           `json:"min_temp"`
	MaxTemp                    float64           `json:"max_temp"`
	Availability               []availabilityRef `json:"availability"`
	AvailabilityMode           string            `json:"availability_mode"`
	Device                     discoveryDevice   `json:"device"`
}

type selectConfig struct {
	Name             string            `json:"name"`
	UniqueID         string            `json:"unique_id"`
	CommandTopic     string            `json:"command_topic"`
	StateTopic       string            `json:"state_topic"`
	ValueTemplate    string            `json:"value_template"`
	Options          []string          `json:"options"`
	Icon             string            `json:"icon,omitempty"`
	Availability     []availabilityRef `json:"availability"`
	AvailabilityMode string            `json:"availability_mode"`
	Device           discoveryDevice   `json:"device"`
}

type sensorConfig struct {
	Name              string            `json:"name"`
	UniqueID          string            `json:"unique_id"`
	StateTopic        string            `json:"state_topic"`
	ValueTemplate     string            `json:"value_template"`
	DeviceClass       string            `json:"device_class,omitempty"`
	UnitOfMeasurement string            `json:"unit_of_measurement,omitempty"`
	StateClass        string            `json:"state_class,omitempty"`
	EntityCategory    string            `json:"entity_category,omitempty"`
	Availability      []availabilityRef `json:"availability"`
	AvailabilityMode  string            `json:"availability_mode"`
	Device            discoveryDevice   `json:"device"`
}

type buttonConfig struct {
	Name             string            `json:"name"`
	UniqueID         string            `json:"unique_id"`
	CommandTopic     string            `json:"command_topic"`
	Icon             string            `json:"icon,omitempty"`
	EntityCategory   string            `json:"entity_category,omitempty"`
	Availability     []availabilityRef `json:"availability"`
	AvailabilityMode string            `json:"availability_mode"`
	Device           discoveryDevice   `json:"device"`
}

// publishDiscovery announces every entity the unit supports: the primary
// climate or water heater plus zone climates, vane selects, sensors and a
// refresh button. Configs are retained so Home Assistant picks them up
// on restart even without a birth message.
func (b *Bridge) publishDiscovery(dev *device.Device) {
	info := b.deviceInfo(dev)
	avail := b.availabilityRefs(dev.ID)

	switch dev.Family {
	case device.FamilyAta:
		b.publishConfig("climate", b.objectID(dev.ID, ""), b.ataClimate(dev, info, avail))
		if dev.Capabilities.SupportsVaneVertical {
			b.publishConfig("select", b.objectID(dev.ID, device.FieldVaneVertical),
				b.vaneSelect(dev, device.FieldVaneVertical, "Vane vertical",
					vaneVerticalOptions, "mdi:arrow-up-down", info, avail))
		}
		if dev.Capabilities.SupportsVaneHorizontal {
			b.publishConfig("select", b.objectID(dev.ID, device.FieldVaneHorizontal),
				b.vaneSelect(dev, device.FieldVaneHorizontal, "Vane horizontal",
					vaneHorizontalOptions, "mdi:arrow-left-right", info, avail))
		}

	case device.FamilyAtw:
		if dev.Capabilities.HasTank {
			b.publishConfig("water_heater", b.objectID(dev.ID, "tank"), b.tankWaterHeater(dev, info, avail))
		}
		for _, z := range dev.Zones {
			b.publishConfig("climate", b.objectID(dev.ID, fmt.Sprintf("zone%d", z.ID)),
				b.zoneClimate(dev, z, info, avail))
		}
	}

	for _, spec := range sensorSpecs(dev) {
		b.publishConfig("sensor", b.objectID(dev.ID, spec.field), b.fieldSensor(dev, spec, info, avail))
	}
	b.publishConfig("button", b.objectID(dev.ID, fieldRefresh), b.refreshButton(dev, info, avail))
}

func (b *Bridge) publishConfig(component, objectID string, cfg any) {
	topic := b.topics.DiscoveryConfig(b.cfg.Discovery.Prefix, component, objectID)
	payload, err := json.Marshal(cfg)
	if err != nil {
		b.logger.Error("discovery marshal failed", "topic", topic, "error", err)
		return
	}
	if err := b.publish(topic, payload, true); err != nil {
		b.logger.Warn("discovery publish failed", "topic", topic, "error", err)
	}
}

// objectID builds the discovery object id, which doubles as the entity's
// unique id. Empty suffix names the unit's primary entity.
func (b *Bridge) objectID(deviceID, suffix string) string {
	if suffix == "" {
		return "melbridge_" + deviceID
	}
	return "melbridge_" + deviceID + "_" + suffix
}

func (b *Bridge) deviceInfo(dev *device.Device) discoveryDevice {
	info := discoveryDevice{
		Identifiers:  []string{"melbridge_" + dev.ID},
		Name:         dev.Name,
		Manufacturer: "Mitsubishi Electric",
		SerialNumber: dev.SerialNumber,
	}
	switch dev.Family {
	case device.FamilyAta:
		info.Model = "Air-to-air heat pump"
	case device.FamilyAtw:
		info.Model = "Air-to-water heat pump"
	}
	if dev.MacAddress != "" {
		info.Connections = [][]string{{"mac", dev.MacAddress}}
	}
	return info
}

// availabilityRefs lists both availability sources: the bridge status
// (JSON payload, so it needs a template) and the device's own retained
// online/offline topic. availability_mode all requires both to be online.
func (b *Bridge) availabilityRefs(deviceID string) []availabilityRef {
	return []availabilityRef{
		{Topic: b.topics.Status(), ValueTemplate: "{{ value_json.status }}"},
		{Topic: b.topics.DeviceAvailability(deviceID)},
	}
}

func (b *Bridge) ataClimate(dev *device.Device, info discoveryDevice, avail []availabilityRef) climateConfig {
	state := b.topics.DeviceState(dev.ID)
	caps := dev.Capabilities

	cfg := climateConfig{
		Name:             nil,
		UniqueID:         b.objectID(dev.ID, ""),
		Modes:            ataHVACModes(caps),
		ModeCommandTopic: b.topics.DeviceCommand(dev.ID, fieldHVACMode),
		ModeStateTopic:   state,
		ModeStateTemplate: "{% if value_json.state.power %}" +
			"{{ value_json.state.operation_mode }}{% else %}off{% endif %}",
		TemperatureCommandTopic:    b.topics.DeviceCommand(dev.ID, device.FieldTargetTemperature),
		TemperatureStateTopic:      state,
		TemperatureStateTemplate:   stateTemplate(device.FieldTargetTemperature),
		CurrentTemperatureTopic:    state,
		CurrentTemperatureTemplate: stateTemplate(device.FieldRoomTemperature),
		MinTemp:                    caps.MinTargetTemperature,
		MaxTemp:                    caps.MaxTargetTemperature,
		TempStep:                   caps.TemperatureIncrement,
		Availability:               avail,
		AvailabilityMode:           "all",
		Device:                     info,
	}

	if caps.FanSpeeds > 0 {
		cfg.FanModes = fanModes(caps.FanSpeeds)
		cfg.FanModeCommandTopic = b.topics.DeviceCommand(dev.ID, device.FieldFanSpeed)
		cfg.FanModeStateTopic = state
		cfg.FanModeStateTemplate = stateTemplate(device.FieldFanSpeed)
	}
	return cfg
}

func (b *Bridge) zoneClimate(dev *device.Device, z device.Zone, info discoveryDevice, avail []availabilityRef) climateConfig {
	state := b.topics.DeviceState(dev.ID)
	caps := dev.Capabilities

	name := z.Name
	if name == "" {
		name = fmt.Sprintf("Zone %d", z.ID)
	}

	modes := []string{"off", "heat", "auto"}
	if caps.SupportsCool {
		modes = append(modes, "cool")
	}

	modeKey := device.ZoneField(z.ID, device.ZoneFieldOperationMode)
	modeTemplate := fmt.Sprintf("{%% if not value_json.state.power %%}off"+
		"{%% elif value_json.state.%s in ['heat_thermostat', 'heat_flow'] %%}heat"+
		"{%% elif value_json.state.%s == 'curve' %%}auto"+
		"{%% else %%}cool{%% endif %%}", modeKey, modeKey)

	return climateConfig{
		Name:                       &name,
		UniqueID:                   b.objectID(dev.ID, fmt.Sprintf("zone%d", z.ID)),
		Modes:                      modes,
		ModeCommandTopic:           b.topics.ZoneCommand(dev.ID, z.ID, fieldHVACMode),
		ModeStateTopic:             state,
		ModeStateTemplate:          modeTemplate,
		TemperatureCommandTopic:    b.topics.ZoneCommand(dev.ID, z.ID, device.ZoneFieldTargetTemperature),
		TemperatureStateTopic:      state,
		TemperatureStateTemplate:   stateTemplate(device.ZoneField(z.ID, device.ZoneFieldTargetTemperature)),
		CurrentTemperatureTopic:    state,
		CurrentTemperatureTemplate: stateTemplate(device.ZoneField(z.ID, device.ZoneFieldRoomTemperature)),
		MinTemp:                    caps.MinTargetTemperature,
		MaxTemp:                    caps.MaxTargetTemperature,
		TempStep:                   caps.TemperatureIncrement,
		Availability:               avail,
		AvailabilityMode:           "all",
		Device:                     info,
	}
}

func (b *Bridge) tankWaterHeater(dev *device.Device, info discoveryDevice, avail []availabilityRef) waterHeaterConfig {
	state := b.topics.DeviceState(dev.ID)
	name := "Hot water"

	return waterHeaterConfig{
		Name:             &name,
		UniqueID:         b.objectID(dev.ID, "tank"),
		Modes:            []string{waterHeaterOff, waterHeaterHeatPump, waterHeaterPerformance},
		ModeCommandTopic: b.topics.DeviceCommand(dev.ID, fieldWaterHeaterMode),
		ModeStateTopic:   state,
		ModeStateTemplate: "{% if not value_json.state.power %}off" +
			"{% elif value_json.state.forced_hot_water %}performance" +
			"{% else %}heat_pump{% endif %}",
		TemperatureCommandTopic:    b.topics.DeviceCommand(dev.ID, device.FieldTargetTankTemperature),
		TemperatureStateTopic:      state,
		TemperatureStateTemplate:   stateTemplate(device.FieldTargetTankTemperature),
		CurrentTemperatureTopic:    state,
		CurrentTemperatureTemplate: stateTemplate(device.FieldTankTemperature),
		MinTemp:                    tankMinTemperature,
		MaxTemp:                    tankMaxTemperature,
		Availability:               avail,
		AvailabilityMode:           "all",
		Device:                     info,
	}
}

func (b *Bridge) vaneSelect(dev *device.Device, field, name string, options []string, icon string, info discoveryDevice, avail []availabilityRef) selectConfig {
	return selectConfig{
		Name:             name,
		UniqueID:         b.objectID(dev.ID, field),
		CommandTopic:     b.topics.DeviceCommand(dev.ID, field),
		StateTopic:       b.topics.DeviceState(dev.ID),
		ValueTemplate:    stateTemplate(field),
		Options:          options,
		Icon:             icon,
		Availability:     avail,
		AvailabilityMode: "all",
		Device:           info,
	}
}

func (b *Bridge) fieldSensor(dev *device.Device, spec sensorSpec, info discoveryDevice, avail []availabilityRef) sensorConfig {
	return sensorConfig{
		Name:              spec.name,
		UniqueID:          b.objectID(dev.ID, spec.field),
		StateTopic:        b.topics.DeviceState(dev.ID),
		ValueTemplate:     stateTemplate(spec.field),
		DeviceClass:       spec.deviceClass,
		UnitOfMeasurement: spec.unit,
		StateClass:        spec.stateClass,
		EntityCategory:    spec.category,
		Availability:      avail,
		AvailabilityMode:  "all",
		Device:            info,
	}
}

func (b *Bridge) refreshButton(dev *device.Device, info discoveryDevice, avail []availabilityRef) buttonConfig {
	return buttonConfig{
		Name:             "Refresh",
		UniqueID:         b.objectID(dev.ID, fieldRefresh),
		CommandTopic:     b.topics.DeviceCommand(dev.ID, fieldRefresh),
		Icon:             "mdi:refresh",
		EntityCategory:   "config",
		Availability:     avail,
		AvailabilityMode: "all",
		Device:           info,
	}
}

// sensorSpec names one read-only field exposed as a sensor entity.
type sensorSpec struct {
	field       string
	name        string
	deviceClass string
	unit        string
	stateClass  string
	category    string
}

// sensorSpecs selects the sensors a unit gets. Diagnostics are announced
// only when the first observation actually reported them, since MELCloud
// omits unsupported readings rather than zeroing them.
func sensorSpecs(dev *device.Device) []sensorSpec {
	var specs []sensorSpec
	has := func(field string) bool {
		_, ok := dev.State[field]
		return ok
	}
	temp := func(field, name, category string) {
		if has(field) {
			specs = append(specs, sensorSpec{field, name, "temperature", "°C", "measurement", category})
		}
	}
	energy := func(field, name string) {
		if has(field) {
			specs = append(specs, sensorSpec{field, name, "energy", "kWh", "total_increasing", "diagnostic"})
		}
	}

	switch dev.Family {
	case device.FamilyAta:
		temp(device.FieldRoomTemperature, "Room temperature", "")
		temp(device.FieldOutdoorTemperature, "Outdoor temperature", "")
		if dev.Capabilities.HasEnergyMeter {
			energy(device.FieldCurrentEnergyConsumed, "Energy consumed")
		}

	case device.FamilyAtw:
		temp(device.FieldOutdoorTemperature, "Outdoor temperature", "")
		if dev.Capabilities.HasTank {
			temp(device.FieldTankTemperature, "Tank temperature", "")
		}
		for _, z := range dev.Zones {
			name := z.Name
			if name == "" {
				name = fmt.Sprintf("Zone %d", z.ID)
			}
			temp(device.ZoneField(z.ID, device.ZoneFieldRoomTemperature), name+" temperature", "")
		}
		temp(device.FieldFlowTemperature, "Flow temperature", "diagnostic")
		temp(device.FieldReturnTemperature, "Return temperature", "diagnostic")
		if has(device.FieldDemandPercentage) {
			specs = append(specs, sensorSpec{
				device.FieldDemandPercentage, "Demand", "", "%", "measurement", "diagnostic"})
		}
		if has(device.FieldHeatPumpFrequency) {
			specs = append(specs, sensorSpec{
				device.FieldHeatPumpFrequency, "Compressor frequency", "frequency", "Hz", "measurement", "diagnostic"})
		}
		if dev.Capabilities.HasEnergyMeter {
			energy(device.FieldDailyHeatingEnergyConsumed, "Daily heating energy consumed")
			energy(device.FieldDailyHotWaterEnergyConsumed, "Daily hot water energy consumed")
			energy(device.FieldDailyHeatingEnergyProduced, "Daily heating energy produced")
			energy(device.FieldDailyHotWaterEnergyProduced, "Daily hot water energy produced")
		}
	}
	return specs
}

// ataHVACModes lists the Home Assistant climate modes an air-to-air unit
// supports. fan_only needs no capability; off is always first.
func ataHVACModes(caps device.Capabilities) []string {
	modes := []string{"off"}
	if caps.SupportsHeat {
		modes = append(modes, "heat")
	}
	if caps.SupportsCool {
		modes = append(modes, "cool")
	}
	if caps.SupportsDry {
		modes = append(modes, "dry")
	}
	modes = append(modes, "fan_only")
	if caps.SupportsHeatCool {
		modes = append(modes, "heat_cool")
	}
	return modes
}

// fanModes lists auto plus the unit's numbered speeds.
func fanModes(speeds int) []string {
	modes := make([]string, 0, speeds+1)
	modes = append(modes, "auto")
	for i := 1; i <= speeds; i++ {
		modes = append(modes, strconv.Itoa(i))
	}
	return modes
}

func stateTemplate(field string) string {
	return fmt.Sprintf("{{ value_json.state.%s }}", field)
}
