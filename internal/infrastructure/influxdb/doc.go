// Package influxdb ships poll telemetry to an InfluxDB v2 instance.
//
// The refresh coordinator hands every numeric field change and each
// poll cycle's health figures to this client. They become points in two
// measurements:
//
//	device_metrics  tagged device_id, field  temperatures, setpoints, energy counters
//	refresh         tagged metric            cycle duration, success/failure
//
// Writes are batched and asynchronous. A point handed to the client is
// buffered and shipped in the background; failures arrive on the
// SetOnError callback rather than as return values. The daemon logs
// them and carries on, because telemetry is an optional sink: when the
// integration is disabled (Connect returns ErrDisabled) or the server
// is down, polling and command handling continue unaffected.
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // run without telemetry
//	}
//	client.SetOnError(func(err error) { log.Error("influx write", "error", err) })
//	client.WriteDeviceMetric("123456", "room_temperature", 21.5)
package influxdb
