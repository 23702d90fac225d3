package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/divers33/hass-melcloud-coordinator/internal/coordinator"
	"github.com/divers33/hass-melcloud-coordinator/internal/device"
)

// SystemMetrics is the /metrics response. Sections backed by optional
// wiring (the MQTT bridge, the database pool) are pointers and omitted
// when the dependency is absent.
type SystemMetrics struct {
	Timestamp     string             `json:"timestamp"`
	Version       string             `json:"version"`
	UptimeSeconds int64              `json:"uptime_seconds"`
	Runtime       RuntimeMetrics     `json:"runtime"`
	Coordinator   CoordinatorMetrics `json:"coordinator"`
	WebSocket     WSMetrics          `json:"websocket"`
	MQTT          *MQTTMetrics       `json:"mqtt,omitempty"`
	Devices       DeviceMetrics      `json:"devices"`
	Database      *DatabaseMetrics   `json:"database,omitempty"`
}

// RuntimeMetrics reports process-level Go runtime numbers.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// CoordinatorMetrics reports refresh cycle and command queue counters.
type CoordinatorMetrics struct {
	CyclesTotal         uint64    `json:"cycles_total"`
	CyclesFailed        uint64    `json:"cycles_failed"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success"`
	LastCycleMs         int64     `json:"last_cycle_ms"`
	PendingCommands     int       `json:"pending_commands"`
	Subscribers         int       `json:"subscribers"`
}

type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// DeviceMetrics summarises the registry by family and availability.
type DeviceMetrics struct {
	Total       int            `json:"total"`
	ByFamily    map[string]int `json:"by_family"`
	Available   int            `json:"available"`
	Unavailable int            `json:"unavailable"`
}

// DatabaseMetrics exposes the sql.DB pool counters.
type DatabaseMetrics struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
}

// handleMetrics assembles the full system snapshot.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime:       runtimeMetrics(),
		Coordinator:   coordinatorMetrics(s.coordinator.Metrics()),
		WebSocket:     WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Devices:       deviceMetrics(s.registry.GetStats()),
	}

	if s.mqtt != nil {
		metrics.MQTT = &MQTTMetrics{Connected: s.mqtt.IsConnected()}
	}
	if s.db != nil {
		pool := s.db.Stats()
		metrics.Database = &DatabaseMetrics{
			OpenConnections: pool.OpenConnections,
			InUse:           pool.InUse,
			Idle:            pool.Idle,
			WaitCount:       pool.WaitCount,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}

func runtimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		Goroutines:    runtime.NumGoroutine(),
		MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
		MemoryTotalMB: float64(mem.TotalAlloc) / 1024 / 1024,
		NumGC:         mem.NumGC,
	}
}

func coordinatorMetrics(m coordinator.Metrics) CoordinatorMetrics {
	return CoordinatorMetrics{
		CyclesTotal:         m.CyclesTotal,
		CyclesFailed:        m.CyclesFailed,
		ConsecutiveFailures: m.ConsecutiveFailures,
		LastSuccess:         m.LastSuccess,
		LastCycleMs:         m.LastCycleDuration.Milliseconds(),
		PendingCommands:     m.PendingCommands,
		Subscribers:         m.Subscribers,
	}
}

func deviceMetrics(stats device.Stats) DeviceMetrics {
	out := DeviceMetrics{
		Total:       stats.TotalDevices,
		ByFamily:    make(map[string]int, len(stats.ByFamily)),
		Available:   stats.Available,
		Unavailable: stats.Unavailable,
	}
	for family, count := range stats.ByFamily {
		out.ByFamily[string(family)] = count
	}
	return out
}
