package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteDeviceMetric records one numeric field from a device snapshot.
// Points land in the device_metrics measurement tagged by device and
// field name, giving one series per (device, field) pair:
//
//	device_metrics,device_id=123456,field=room_temperature value=21.5
//
// The write is buffered and never blocks. No-op on a closed client.
func (c *Client) WriteDeviceMetric(deviceID, field string, value float64) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		"device_metrics",
		map[string]string{"device_id": deviceID, "field": field},
		map[string]any{"value": value},
		time.Now(),
	))
}

// WriteRefreshMetric records one poll cycle health figure, such as
// duration_ms or success, in the refresh measurement.
func (c *Client) WriteRefreshMetric(metric string, value float64) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(write.NewPoint(
		"refresh",
		map[string]string{"metric": metric},
		map[string]any{"value": value},
		time.Now(),
	))
}
