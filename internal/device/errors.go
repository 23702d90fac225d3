package device

import "errors"

// Sentinel errors for registry lookups and target validation. All are
// wrapped with context before crossing package boundaries, so match with
// errors.Is:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    writeNotFound(w, "device not found")
//	}
var (
	// ErrDeviceNotFound is returned for IDs the registry has never seen.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrUnknownField is returned when a state field name is not part of
	// the device vocabulary.
	ErrUnknownField = errors.New("device: unknown field")

	// ErrUnsupportedField is returned when a field exists but the unit's
	// capabilities do not include it (e.g. vanes on a fixed-vane model,
	// zone 2 on a single-zone hydrobox).
	ErrUnsupportedField = errors.New("device: field not supported by this unit")

	// ErrReadOnlyField is returned when a write targets a sensor reading.
	ErrReadOnlyField = errors.New("device: field is read-only")

	// ErrInvalidValue is returned when a target value has the wrong type
	// or falls outside the unit's reported bounds.
	ErrInvalidValue = errors.New("device: invalid value")

	// ErrUnsupportedFamily is returned for device types the bridge does
	// not model (e.g. energy recovery ventilators).
	ErrUnsupportedFamily = errors.New("device: unsupported family")
)
