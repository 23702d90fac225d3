package device

import (
	"fmt"
	"time"

	"github.com/divers33/hass-melcloud-coordinator/internal/melcloud"
)

// defaultTemperatureIncrement applies when the cloud reports none.
const defaultTemperatureIncrement = 0.5

// Normalize converts a listing entry plus its state snapshot into an
// Observation with the portable field vocabulary. Fields the payload does
// not carry are listed in Missing rather than zeroed, so a partial cloud
// response can never overwrite a previous confirmed reading.
func Normalize(entry melcloud.DeviceEntry, state *melcloud.DeviceState, observedAt time.Time) (Observation, error) {
	obs := Observation{
		CloudID:      entry.DeviceID,
		BuildingID:   entry.BuildingID,
		Name:         entry.DeviceName,
		MacAddress:   entry.MacAddress,
		SerialNumber: entry.SerialNumber,
		ObservedAt:   observedAt,
	}

	switch entry.Type() {
	case melcloud.DeviceTypeAta:
		obs.Family = FamilyAta
		obs.Capabilities = ataCapabilities(entry.Device)
		obs.State, obs.Missing = normalizeAta(state)
	case melcloud.DeviceTypeAtw:
		obs.Family = FamilyAtw
		obs.Capabilities = atwCapabilities(entry.Device)
		obs.Zones = atwZones(obs.Capabilities.ZoneCount)
		obs.State, obs.Missing = normalizeAtw(state, obs.Capabilities)
	default:
		return Observation{}, fmt.Errorf("%w: device type %d", ErrUnsupportedFamily, entry.Type())
	}

	return obs, nil
}

// ataCapabilities freezes an air-to-air unit's capability block.
func ataCapabilities(conf *melcloud.DeviceConf) Capabilities {
	caps := Capabilities{
		TemperatureIncrement: defaultTemperatureIncrement,
		// Every air-to-air unit can cool; heating is the optional mode.
		SupportsCool: true,
	}
	if conf == nil {
		return caps
	}

	if conf.TemperatureIncrement > 0 {
		caps.TemperatureIncrement = conf.TemperatureIncrement
	}
	caps.MinTargetTemperature, caps.MaxTargetTemperature = ataSetpointBounds(conf)
	if conf.ModelSupportsFanSpeed {
		caps.FanSpeeds = conf.NumberOfFanSpeeds
	}
	caps.SupportsVaneVertical = conf.ModelSupportsVaneVertical
	caps.SupportsVaneHorizontal = conf.ModelSupportsVaneHorizontal
	caps.SupportsDry = conf.ModelSupportsDry
	caps.SupportsHeatCool = conf.ModelSupportsAuto
	caps.SupportsHeat = conf.ModelSupportsHeat
	caps.HasEnergyMeter = conf.HasEnergyConsumedMeter
	return caps
}

// ataSetpointBounds collapses the per-mode bounds into one envelope. The
// queue validates against the envelope; mode-specific narrowing is the
// unit's own business and shows up on the next poll if it clamps.
func ataSetpointBounds(conf *melcloud.DeviceConf) (min, max float64) {
	mins := []float64{conf.MinTempCoolDry, conf.MinTempHeat, conf.MinTempAutomatic}
	maxs := []float64{conf.MaxTempCoolDry, conf.MaxTempHeat, conf.MaxTempAutomatic}
	for _, v := range mins {
		if v > 0 && (min == 0 || v < min) {
			min = v
		}
	}
	for _, v := range maxs {
		if v > max {
			max = v
		}
	}
	return min, max
}

// atwCapabilities freezes an air-to-water unit's capability block.
func atwCapabilities(conf *melcloud.DeviceConf) Capabilities {
	caps := Capabilities{
		TemperatureIncrement: defaultTemperatureIncrement,
		ZoneCount:            1,
	}
	if conf == nil {
		return caps
	}

	if conf.TemperatureIncrement > 0 {
		caps.TemperatureIncrement = conf.TemperatureIncrement
	}
	caps.SupportsHeat = conf.CanHeat
	caps.SupportsCool = conf.CanCool
	caps.HasTank = conf.HasHotWaterTank
	if conf.HasZone2 {
		caps.ZoneCount = 2
	}
	caps.HasEnergyMeter = conf.HasEnergyConsumedMeter
	return caps
}

func atwZones(count int) []Zone {
	zones := make([]Zone, 0, count)
	for i := 1; i <= count; i++ {
		zones = append(zones, Zone{ID: i, Name: fmt.Sprintf("Zone %d", i)})
	}
	return zones
}

func normalizeAta(state *melcloud.DeviceState) (State, []string) {
	fields := State{
		FieldPower:             state.Power,
		FieldOperationMode:     melcloud.AtaModeString(state.OperationMode),
		FieldTargetTemperature: state.SetTemperature,
		FieldFanSpeed:          melcloud.FanSpeedString(state.SetFanSpeed),
		FieldVaneVertical:      melcloud.VaneVerticalString(state.VaneVertical),
		FieldVaneHorizontal:    melcloud.VaneHorizontalString(state.VaneHorizontal),
	}

	var missing []string
	putFloat(fields, FieldRoomTemperature, state.RoomTemperature, &missing)
	putFloat(fields, FieldOutdoorTemperature, state.OutdoorTemperature, nil)
	putFloat(fields, FieldCurrentEnergyConsumed, state.CurrentEnergyConsumed, nil)
	return fields, missing
}

func normalizeAtw(state *melcloud.DeviceState, caps Capabilities) (State, []string) {
	fields := State{
		FieldPower:          state.Power,
		FieldOperationMode:  melcloud.AtwStatusString(state.OperationMode),
		FieldForcedHotWater: state.ForcedHotWaterMode,
	}

	var missing []string
	putFloat(fields, FieldOutdoorTemperature, state.OutdoorTemperature, &missing)

	if caps.HasTank {
		putFloat(fields, FieldTankTemperature, state.TankWaterTemperature, &missing)
		putFloat(fields, FieldTargetTankTemperature, state.SetTankWaterTemperature, &missing)
	}

	putFloat(fields, FieldFlowTemperature, state.FlowTemperature, nil)
	putFloat(fields, FieldReturnTemperature, state.ReturnTemperature, nil)
	putFloat(fields, FieldDemandPercentage, state.DemandPercentage, nil)
	putFloat(fields, FieldHeatPumpFrequency, state.HeatPumpFrequency, nil)

	putFloat(fields, FieldDailyHeatingEnergyConsumed, state.DailyHeatingEnergyUsed, nil)
	putFloat(fields, FieldDailyHotWaterEnergyConsumed, state.DailyHotWaterEnergyUsed, nil)
	putFloat(fields, FieldDailyHeatingEnergyProduced, state.DailyHeatingEnergyMade, nil)
	putFloat(fields, FieldDailyHotWaterEnergyProduced, state.DailyHotWaterEnergyMade, nil)

	normalizeAtwZone(fields, &missing, 1,
		state.RoomTemperatureZone1, state.SetTemperatureZone1, state.OperationModeZone1)
	if caps.ZoneCount >= 2 {
		normalizeAtwZone(fields, &missing, 2,
			state.RoomTemperatureZone2, state.SetTemperatureZone2, state.OperationModeZone2)
	}

	return fields, missing
}

func normalizeAtwZone(fields State, missing *[]string, zone int, room, target *float64, mode *int) {
	putFloat(fields, ZoneField(zone, ZoneFieldRoomTemperature), room, missing)
	putFloat(fields, ZoneField(zone, ZoneFieldTargetTemperature), target, missing)
	if mode != nil {
		fields[ZoneField(zone, ZoneFieldOperationMode)] = melcloud.AtwZoneModeString(*mode)
	} else if missing != nil {
		*missing = append(*missing, ZoneField(zone, ZoneFieldOperationMode))
	}
}

// putFloat stores a nullable wire reading. A nil pointer is appended to
// missing when the field was expected; optional fields pass missing=nil.
func putFloat(fields State, key string, v *float64, missing *[]string) {
	if v != nil {
		fields[key] = *v
		return
	}
	if missing != nil {
		*missing = append(*missing, key)
	}
}
