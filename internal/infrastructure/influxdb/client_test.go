package influxdb_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/config"
	"github.com/divers33/hass-melcloud-coordinator/internal/infrastructure/influxdb"
)

// testConfig matches the dev InfluxDB from docker-compose.yml.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "melbridge-dev-token",
		Org:           "melbridge",
		Bucket:        "metrics",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// requireInflux skips the test when no server listens on the dev port.
func requireInflux(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:8086", 250*time.Millisecond)
	if err != nil {
		t.Skipf("no InfluxDB on 127.0.0.1:8086: %v", err)
	}
	conn.Close()
}

// errCapture collects asynchronous write errors race-safely.
type errCapture struct {
	mu   sync.Mutex
	errs []error
}

func (e *errCapture) add(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *errCapture) first() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.errs) == 0 {
		return nil
	}
	return e.errs[0]
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	if _, err := influxdb.Connect(cfg); !errors.Is(err, influxdb.ErrDisabled) {
		t.Fatalf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Refused(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	_, err := influxdb.Connect(cfg)
	if err == nil {
		t.Fatal("Connect() succeeded against a dead port")
	}
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

// A zero-value client behaves like a closed one. The daemon only ever
// uses connected clients, but tests and shutdown paths should not have
// to guard every call.
func TestZeroValueClient(t *testing.T) {
	var c influxdb.Client

	if c.IsConnected() {
		t.Error("IsConnected() = true on zero value")
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	// All of these must be safe no-ops.
	c.WriteDeviceMetric("dev-1", "room_temperature", 21.5)
	c.WriteRefreshMetric("duration_ms", 1234.5)
	c.Flush()
	c.SetOnError(func(error) {})

	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestConnect(t *testing.T) {
	requireInflux(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
}

func TestConnect_BatchDefaults(t *testing.T) {
	requireInflux(t)

	// Zero and negative batch settings fall back to defaults rather
	// than being passed to the client library.
	for _, tt := range []struct {
		name          string
		batchSize     int
		flushInterval int
	}{
		{"zero", 0, 0},
		{"negative", -5, -1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.BatchSize = tt.batchSize
			cfg.FlushInterval = tt.flushInterval

			client, err := influxdb.Connect(cfg)
			if err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			client.Close()
		})
	}
}

func TestHealthCheck(t *testing.T) {
	requireInflux(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	cancelled, stop := context.WithCancel(context.Background())
	stop()
	if err := client.HealthCheck(cancelled); err == nil {
		t.Error("HealthCheck() = nil with cancelled context")
	}
}

func TestWriteMetrics(t *testing.T) {
	requireInflux(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	var captured errCapture
	client.SetOnError(captured.add)

	client.WriteDeviceMetric(".test-device-1", "room_temperature", 21.5)
	client.WriteDeviceMetric(".test-device-1", "daily_heating_energy_consumed", 12.4)
	client.WriteRefreshMetric("duration_ms", 1234.5)
	client.WriteRefreshMetric("success", 1)
	client.Flush()

	// Write errors arrive on a background goroutine after the flush.
	time.Sleep(100 * time.Millisecond)
	if err := captured.first(); err != nil {
		t.Errorf("async write error = %v", err)
	}
}

func TestClose(t *testing.T) {
	requireInflux(t)

	client, err := influxdb.Connect(testConfig())
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	client.WriteDeviceMetric(".test-close", "room_temperature", 1.0)

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}

	// Writes and flushes after Close are dropped, not crashed.
	client.WriteDeviceMetric(".test-close", "room_temperature", 2.0)
	client.Flush()

	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
