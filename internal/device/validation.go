package device

import (
	"fmt"

	"github.com/divers33/hass-melcloud-coordinator/internal/melcloud"
)

// Tank setpoint bounds. MELCloud does not report tank limits, so the
// documented hardware range applies.
const (
	defaultTankMinTemperature = 40.0
	defaultTankMaxTemperature = 60.0
)

// ValidateTarget checks a command target against the device's family and
// capability set and returns the value normalized to bool, float64 or
// string. Zone 0 addresses the device itself.
//
// Errors wrap ErrUnknownField, ErrUnsupportedField, ErrReadOnlyField or
// ErrInvalidValue so callers can classify without string matching.
func ValidateTarget(d *Device, zone int, field string, value any) (any, error) {
	if zone != 0 {
		return validateZoneTarget(d, zone, field, value)
	}

	switch d.Family {
	case FamilyAta:
		return validateAtaTarget(d, field, value)
	case FamilyAtw:
		return validateAtwTarget(d, field, value)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFamily, d.Family)
	}
}

func validateAtaTarget(d *Device, field string, value any) (any, error) {
	caps := d.Capabilities
	switch field {
	case FieldPower:
		return wantBool(field, value)

	case FieldOperationMode:
		mode, err := wantString(field, value)
		if err != nil {
			return nil, err
		}
		if _, err := melcloud.AtaModeFromString(mode); err != nil {
			return nil, fmt.Errorf("%w: %q is not an operation mode", ErrInvalidValue, mode)
		}
		if err := ataModeSupported(caps, mode); err != nil {
			return nil, err
		}
		return mode, nil

	case FieldTargetTemperature:
		return wantTemperature(field, value, caps.MinTargetTemperature, caps.MaxTargetTemperature)

	case FieldFanSpeed:
		if caps.FanSpeeds == 0 {
			return nil, fmt.Errorf("%w: unit has no fan speed control", ErrUnsupportedField)
		}
		s, err := wantString(field, value)
		if err != nil {
			return nil, err
		}
		speed, err := melcloud.FanSpeedFromString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %q is not a fan speed", ErrInvalidValue, s)
		}
		if speed > caps.FanSpeeds {
			return nil, fmt.Errorf("%w: fan speed %d exceeds the unit's %d speeds",
				ErrInvalidValue, speed, caps.FanSpeeds)
		}
		return s, nil

	case FieldVaneVertical:
		if !caps.SupportsVaneVertical {
			return nil, fmt.Errorf("%w: unit has no vertical vane control", ErrUnsupportedField)
		}
		s, err := wantString(field, value)
		if err != nil {
			return nil, err
		}
		if _, err := melcloud.VaneVerticalFromString(s); err != nil {
			return nil, fmt.Errorf("%w: %q is not a vertical vane position", ErrInvalidValue, s)
		}
		return s, nil

	case FieldVaneHorizontal:
		if !caps.SupportsVaneHorizontal {
			return nil, fmt.Errorf("%w: unit has no horizontal vane control", ErrUnsupportedField)
		}
		s, err := wantString(field, value)
		if err != nil {
			return nil, err
		}
		if _, err := melcloud.VaneHorizontalFromString(s); err != nil {
			return nil, fmt.Errorf("%w: %q is not a horizontal vane position", ErrInvalidValue, s)
		}
		return s, nil

	case FieldRoomTemperature, FieldOutdoorTemperature, FieldCurrentEnergyConsumed:
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyField, field)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
}

func ataModeSupported(caps Capabilities, mode string) error {
	unsupported := func() error {
		return fmt.Errorf("%w: unit does not support mode %q", ErrUnsupportedField, mode)
	}
	switch mode {
	case "heat":
		if !caps.SupportsHeat {
			return unsupported()
		}
	case "dry":
		if !caps.SupportsDry {
			return unsupported()
		}
	case "heat_cool":
		if !caps.SupportsHeatCool {
			return unsupported()
		}
	case "cool":
		if !caps.SupportsCool {
			return unsupported()
		}
	}
	// fan_only needs no capability.
	return nil
}

func validateAtwTarget(d *Device, field string, value any) (any, error) {
	caps := d.Capabilities
	switch field {
	case FieldPower:
		return wantBool(field, value)

	case FieldForcedHotWater:
		if !caps.HasTank {
			return nil, fmt.Errorf("%w: unit has no hot water tank", ErrUnsupportedField)
		}
		return wantBool(field, value)

	case FieldTargetTankTemperature:
		if !caps.HasTank {
			return nil, fmt.Errorf("%w: unit has no hot water tank", ErrUnsupportedField)
		}
		return wantTemperature(field, value, defaultTankMinTemperature, defaultTankMaxTemperature)

	case FieldOperationMode:
		// On air-to-water units operation_mode reports what the unit is
		// doing; the commanded mode lives on each zone.
		return nil, fmt.Errorf("%w: %s (use zone operation_mode)", ErrReadOnlyField, field)

	case FieldTankTemperature, FieldOutdoorTemperature, FieldFlowTemperature,
		FieldReturnTemperature, FieldDemandPercentage, FieldHeatPumpFrequency,
		FieldDailyHeatingEnergyConsumed, FieldDailyHotWaterEnergyConsumed,
		FieldDailyHeatingEnergyProduced, FieldDailyHotWaterEnergyProduced:
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyField, field)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
}

func validateZoneTarget(d *Device, zone int, field string, value any) (any, error) {
	if d.Family != FamilyAtw {
		return nil, fmt.Errorf("%w: zones exist only on air-to-water units", ErrUnsupportedField)
	}
	if !d.HasZone(zone) {
		return nil, fmt.Errorf("%w: unit has no zone %d", ErrUnsupportedField, zone)
	}

	switch field {
	case ZoneFieldTargetTemperature:
		return wantTemperature(field, value,
			d.Capabilities.MinTargetTemperature, d.Capabilities.MaxTargetTemperature)

	case ZoneFieldOperationMode:
		mode, err := wantString(field, value)
		if err != nil {
			return nil, err
		}
		if _, err := melcloud.AtwZoneModeFromString(mode); err != nil {
			return nil, fmt.Errorf("%w: %q is not a zone operation mode", ErrInvalidValue, mode)
		}
		if err := atwZoneModeSupported(d.Capabilities, mode); err != nil {
			return nil, err
		}
		return mode, nil

	case ZoneFieldRoomTemperature:
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyField, field)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
}

func atwZoneModeSupported(caps Capabilities, mode string) error {
	switch mode {
	case "heat_thermostat", "heat_flow":
		if !caps.SupportsHeat {
			return fmt.Errorf("%w: unit cannot heat", ErrUnsupportedField)
		}
	case "cool_thermostat", "cool_flow":
		if !caps.SupportsCool {
			return fmt.Errorf("%w: unit cannot cool", ErrUnsupportedField)
		}
	}
	// curve is always available.
	return nil
}

func wantBool(field string, value any) (any, error) {
	b, ok := value.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: %s wants true/false, got %T", ErrInvalidValue, field, value)
	}
	return b, nil
}

func wantString(field string, value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s wants a string, got %T", ErrInvalidValue, field, value)
	}
	return s, nil
}

// wantTemperature coerces numeric JSON shapes to float64 and range-checks
// when bounds are known. Zero bounds mean the cloud reported none.
func wantTemperature(field string, value any, min, max float64) (any, error) {
	var temp float64
	switch v := value.(type) {
	case float64:
		temp = v
	case int:
		temp = float64(v)
	case int64:
		temp = float64(v)
	default:
		return nil, fmt.Errorf("%w: %s wants a number, got %T", ErrInvalidValue, field, value)
	}

	if min != 0 && temp < min {
		return nil, fmt.Errorf("%w: %s %.1f below the unit minimum %.1f", ErrInvalidValue, field, temp, min)
	}
	if max != 0 && temp > max {
		return nil, fmt.Errorf("%w: %s %.1f above the unit maximum %.1f", ErrInvalidValue, field, temp, max)
	}
	return temp, nil
}

// =============================================================================
// Write Staging
// =============================================================================

// Stage applies a validated target onto a cloned wire snapshot, marking the
// matching effective flag. The value must have passed ValidateTarget.
func Stage(st *melcloud.DeviceState, zone int, field string, value any) error {
	if zone != 0 {
		switch field {
		case ZoneFieldTargetTemperature:
			temp, ok := value.(float64)
			if !ok {
				return fmt.Errorf("%w: %s wants a number", ErrInvalidValue, field)
			}
			return st.SetZoneTargetTemperature(zone, temp)
		case ZoneFieldOperationMode:
			mode, ok := value.(string)
			if !ok {
				return fmt.Errorf("%w: %s wants a string", ErrInvalidValue, field)
			}
			return st.SetZoneOperationMode(zone, mode)
		default:
			return fmt.Errorf("%w: %s", ErrUnknownField, field)
		}
	}

	switch field {
	case FieldPower:
		on, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s wants true/false", ErrInvalidValue, field)
		}
		st.SetPower(on)
		return nil

	case FieldOperationMode:
		mode, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants a string", ErrInvalidValue, field)
		}
		return st.SetOperationMode(mode)

	case FieldTargetTemperature:
		temp, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%w: %s wants a number", ErrInvalidValue, field)
		}
		st.SetTargetTemperature(temp)
		return nil

	case FieldFanSpeed:
		speed, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants a string", ErrInvalidValue, field)
		}
		return st.SetFanSpeedMode(speed)

	case FieldVaneVertical:
		pos, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants a string", ErrInvalidValue, field)
		}
		return st.SetVaneVertical(pos)

	case FieldVaneHorizontal:
		pos, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants a string", ErrInvalidValue, field)
		}
		return st.SetVaneHorizontal(pos)

	case FieldForcedHotWater:
		on, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s wants true/false", ErrInvalidValue, field)
		}
		st.SetForcedHotWater(on)
		return nil

	case FieldTargetTankTemperature:
		temp, ok := value.(float64)
		if !ok {
			return fmt.Errorf("%w: %s wants a number", ErrInvalidValue, field)
		}
		st.SetTankTargetTemperature(temp)
		return nil

	default:
		return fmt.Errorf("%w: %s", ErrUnknownField, field)
	}
}
