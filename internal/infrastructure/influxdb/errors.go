package influxdb

import "errors"

// Sentinel errors, matched with errors.Is. Write failures are not among
// them: writes are asynchronous and surface through the SetOnError
// callback instead of a return value.
var (
	// ErrDisabled is returned by Connect when the integration is
	// switched off in configuration. Callers treat it as "run without
	// telemetry", not as a fault.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed wraps ping failures during Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by HealthCheck on a closed or
	// never-connected client.
	ErrNotConnected = errors.New("influxdb: not connected")
)
