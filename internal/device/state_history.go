package device

import (
	"context"
	"time"
)

// Origins of a state history row. Refresh rows are cloud-confirmed
// snapshots, command rows are optimistic overlays applied when a command
// is accepted, and expiry rows are the reverts written when a command
// times out unconfirmed.
const (
	StateHistorySourceRefresh = "refresh"
	StateHistorySourceCommand = "command"
	StateHistorySourceExpiry  = "expiry"
)

// StateHistoryEntry is one recorded change of a device's state: the full
// snapshot after the change plus where it came from. Full snapshots mean
// a single row answers "what did the device look like then" without
// replaying deltas, and the trail survives even when the time-series
// store is disabled.
type StateHistoryEntry struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	State     State     `json:"state"`
	Source    string    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// StateHistoryRepository persists state change snapshots. Implementations
// must be safe for concurrent use and store UTC timestamps.
type StateHistoryRepository interface {
	// RecordStateChange appends one snapshot for the device. An empty
	// source is recorded as a refresh.
	RecordStateChange(ctx context.Context, deviceID string, state State, source string) error

	// GetHistory returns up to limit entries for the device, newest
	// first. Out-of-range limits are clamped, not rejected.
	GetHistory(ctx context.Context, deviceID string, limit int) ([]StateHistoryEntry, error)
}
