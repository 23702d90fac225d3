package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Layouts accepted for created_at. The schema default and our own inserts
// write RFC 3339 UTC; the space-separated form covers rows touched by
// SQLite's datetime() during ad hoc maintenance.
var historyTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05"}

// SQLiteStateHistoryRepository stores state snapshots in the
// state_history table, one JSON-encoded row per change.
type SQLiteStateHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteStateHistoryRepository wraps an open database handle.
func NewSQLiteStateHistoryRepository(db *sql.DB) *SQLiteStateHistoryRepository {
	return &SQLiteStateHistoryRepository{db: db}
}

// RecordStateChange appends one snapshot row. An empty source is recorded
// as a refresh and a nil state as an empty snapshot.
func (r *SQLiteStateHistoryRepository) RecordStateChange(ctx context.Context, deviceID string, state State, source string) error {
	if deviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if source == "" {
		source = StateHistorySourceRefresh
	}
	if state == nil {
		state = State{}
	}

	snapshot, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state snapshot: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		"INSERT INTO state_history (device_id, state, source, created_at) VALUES (?, ?, ?, ?)",
		deviceID, string(snapshot), source,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting state history: %w", err)
	}

	return nil
}

// GetHistory returns up to limit entries for the device, newest first.
// A non-positive limit falls back to 50 and anything above 200 is capped.
func (r *SQLiteStateHistoryRepository) GetHistory(ctx context.Context, deviceID string, limit int) ([]StateHistoryEntry, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	// id breaks ties for changes recorded within the same second, so a
	// command overlay and its confirmation keep their true order.
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, state, source, created_at
		 FROM state_history
		 WHERE device_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying state history: %w", err)
	}
	defer rows.Close()

	// Non-nil so a device with no rows encodes as [] in the API.
	entries := make([]StateHistoryEntry, 0, limit)
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating state history: %w", err)
	}

	return entries, nil
}

// PruneHistory deletes entries older than now minus olderThan across all
// devices and reports how many rows went. The retention loop calls this
// once a day with the configured retention window.
func (r *SQLiteStateHistoryRepository) PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("retention window must be positive")
	}

	// Timestamps are stored as RFC 3339 UTC text, so string comparison
	// orders them correctly.
	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	res, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning state history: %w", err)
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned rows: %w", err)
	}
	return deleted, nil
}

// scanHistoryEntry decodes one row, including the JSON snapshot and the
// stored timestamp.
func scanHistoryEntry(rows *sql.Rows) (StateHistoryEntry, error) {
	var (
		entry     StateHistoryEntry
		snapshot  string
		createdAt string
	)
	if err := rows.Scan(&entry.ID, &entry.DeviceID, &snapshot, &entry.Source, &createdAt); err != nil {
		return StateHistoryEntry{}, fmt.Errorf("scanning state history: %w", err)
	}
	if err := json.Unmarshal([]byte(snapshot), &entry.State); err != nil {
		return StateHistoryEntry{}, fmt.Errorf("decoding state snapshot: %w", err)
	}

	ts, err := parseHistoryTimestamp(createdAt)
	if err != nil {
		return StateHistoryEntry{}, err
	}
	entry.CreatedAt = ts
	return entry, nil
}

func parseHistoryTimestamp(value string) (time.Time, error) {
	for _, layout := range historyTimeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised created_at %q", value)
}
