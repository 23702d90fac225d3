package device

import (
	"fmt"
	"strings"
	"time"
)

// Family distinguishes the two MELCloud unit families.
type Family string

// Family constants.
const (
	// FamilyAta is an air-to-air unit (wall split, ducted).
	FamilyAta Family = "ata"

	// FamilyAtw is an air-to-water unit (hydrobox with heating zones and
	// optionally a hot water tank).
	FamilyAtw Family = "atw"
)

// Device-level state field names. These are the portable vocabulary shared
// by the registry, the command queue, the MQTT bridge and the REST API.
const (
	FieldPower             = "power"
	FieldOperationMode     = "operation_mode"
	FieldTargetTemperature = "target_temperature"
	FieldRoomTemperature   = "room_temperature"
	FieldFanSpeed          = "fan_speed"
	FieldVaneVertical      = "vane_vertical"
	FieldVaneHorizontal    = "vane_horizontal"

	FieldOutdoorTemperature    = "outdoor_temperature"
	FieldTankTemperature       = "tank_temperature"
	FieldTargetTankTemperature = "target_tank_temperature"
	FieldForcedHotWater        = "forced_hot_water"
)

// Diagnostic field names reported by air-to-water units when available.
const (
	FieldFlowTemperature   = "flow_temperature"
	FieldReturnTemperature = "return_temperature"
	FieldDemandPercentage  = "demand_percentage"
	FieldHeatPumpFrequency = "heat_pump_frequency"
)

// Energy field names. Values are kWh except the instantaneous reading.
const (
	FieldCurrentEnergyConsumed       = "current_energy_consumed"
	FieldDailyHeatingEnergyConsumed  = "daily_heating_energy_consumed"
	FieldDailyHotWaterEnergyConsumed = "daily_hot_water_energy_consumed"
	FieldDailyHeatingEnergyProduced  = "daily_heating_energy_produced"
	FieldDailyHotWaterEnergyProduced = "daily_hot_water_energy_produced"
)

// Per-zone field bases. Flattened into the state map as
// zone{N}_{base}, e.g. zone1_target_temperature.
const (
	ZoneFieldRoomTemperature   = "room_temperature"
	ZoneFieldTargetTemperature = "target_temperature"
	ZoneFieldOperationMode     = "operation_mode"
)

// ZoneField builds the flattened state key for a zone-scoped field.
func ZoneField(zone int, base string) string {
	return fmt.Sprintf("zone%d_%s", zone, base)
}

// ParseZoneField splits a flattened state key into its zone number and base
// name. Returns ok=false for keys that are not zone-scoped.
func ParseZoneField(field string) (zone int, base string, ok bool) {
	rest, found := strings.CutPrefix(field, "zone")
	if !found {
		return 0, "", false
	}
	num, base, found := strings.Cut(rest, "_")
	if !found || base == "" {
		return 0, "", false
	}
	switch num {
	case "1":
		zone = 1
	case "2":
		zone = 2
	default:
		return 0, "", false
	}
	return zone, base, true
}

// State holds device state as a flat field map. Values are normalized to
// bool, float64 or string regardless of how the cloud encodes them.
//
// Examples:
//   - ATA: {"power": true, "operation_mode": "heat", "target_temperature": 21.0}
//   - ATW: {"power": true, "tank_temperature": 47.5, "zone1_target_temperature": 20.0}
type State map[string]any

// Capabilities describes what a unit's hardware supports. Derived once from
// the first successful observation and never modified afterwards.
type Capabilities struct {
	// TemperatureIncrement is the setpoint granularity, typically 0.5.
	TemperatureIncrement float64 `json:"temperature_increment"`

	// Setpoint bounds. Zero means the cloud did not report a bound.
	MinTargetTemperature float64 `json:"min_target_temperature"`
	MaxTargetTemperature float64 `json:"max_target_temperature"`

	// Air-to-air.
	FanSpeeds              int  `json:"fan_speeds"`
	SupportsVaneVertical   bool `json:"supports_vane_vertical"`
	SupportsVaneHorizontal bool `json:"supports_vane_horizontal"`
	SupportsDry            bool `json:"supports_dry"`
	SupportsHeatCool       bool `json:"supports_heat_cool"`

	SupportsHeat bool `json:"supports_heat"`
	SupportsCool bool `json:"supports_cool"`

	// Air-to-water.
	HasTank   bool `json:"has_tank"`
	ZoneCount int  `json:"zone_count"`

	HasEnergyMeter bool `json:"has_energy_meter"`
}

// Zone is one heating zone of an air-to-water unit. The ID is unique within
// the parent device only.
type Zone struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Device is one heat pump as tracked by the registry.
//
// State carries cloud-confirmed values. Target carries optimistic values
// written but not yet confirmed by a poll. The two are never merged in
// place; DisplayedState overlays them on demand.
type Device struct {
	// Identity. ID is the cloud device ID in decimal, used in topics,
	// routes and journal rows; CloudID/BuildingID feed transport calls.
	ID           string `json:"id"`
	CloudID      int64  `json:"cloud_id"`
	BuildingID   int64  `json:"building_id"`
	Name         string `json:"name"`
	MacAddress   string `json:"mac_address,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`

	Family Family `json:"family"`

	Capabilities Capabilities `json:"capabilities"`
	Zones        []Zone       `json:"zones,omitempty"`

	State  State `json:"state"`
	Target State `json:"target,omitempty"`

	// Available turns false when the unit has not been observed within
	// the staleness window. Devices are never removed once seen.
	Available bool `json:"available"`

	// LastSeen is the time of the last successful observation.
	LastSeen       time.Time `json:"last_seen"`
	StateUpdatedAt time.Time `json:"state_updated_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DisplayedState returns confirmed state overlaid by pending targets. The
// result is an independent copy.
func (d *Device) DisplayedState() State {
	out := deepCopyMap(d.State)
	if out == nil {
		out = State{}
	}
	for k, v := range d.Target {
		out[k] = deepCopyValue(v)
	}
	return out
}

// HasZone reports whether the device has the given zone.
func (d *Device) HasZone(zone int) bool {
	for _, z := range d.Zones {
		if z.ID == zone {
			return true
		}
	}
	return false
}

// DeepCopy clones the device including its maps and zone slice. The
// registry hands copies across its lock boundary, so a copy must share
// no mutable memory with the original.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d
	cpy.State = deepCopyMap(d.State)
	cpy.Target = deepCopyMap(d.Target)
	if d.Zones != nil {
		cpy.Zones = make([]Zone, len(d.Zones))
		copy(cpy.Zones, d.Zones)
	}
	return &cpy
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue clones nested maps and slices. Normalisation leaves only
// bool, float64 and string leaves, which copy by value.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return val
	}
}
