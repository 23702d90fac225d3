// Package journal provides access to the command_journal table, the
// durable record of every command lifecycle transition.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Command lifecycle statuses as written to the journal. A single command
// produces one issued row and then one row per later transition.
const (
	StatusIssued      = "issued"
	StatusSuperseded  = "superseded"
	StatusWritten     = "written"
	StatusWriteFailed = "write_failed"
	StatusConfirmed   = "confirmed"
	StatusExpired     = "expired"
)

// Entry represents a single command journal row.
type Entry struct {
	ID        string    `json:"id"`
	CommandID string    `json:"command_id"`
	DeviceID  string    `json:"device_id"`
	Zone      int       `json:"zone,omitempty"`
	Field     string    `json:"field"`
	Target    any       `json:"target,omitempty"`
	Status    string    `json:"status"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Filter controls which journal entries to return.
type Filter struct {
	DeviceID  string // optional: filter by device
	CommandID string // optional: filter by command
	Status    string // optional: filter by status (issued, superseded, written, ...)
	Limit     int    // default 50, max 200
	Offset    int    // pagination offset
}

// ListResult contains the paginated journal results.
type ListResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
	Limit   int     `json:"limit"`
	Offset  int     `json:"offset"`
}

// Repository defines the interface for command journal operations.
type Repository interface {
	Record(ctx context.Context, entry *Entry) error
	List(ctx context.Context, filter Filter) (*ListResult, error)
}

// SQLiteRepository stores journal entries in SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new command journal repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Record inserts a journal entry. The ID and CreatedAt are generated if empty.
func (r *SQLiteRepository) Record(ctx context.Context, entry *Entry) error {
	if entry.CommandID == "" {
		return fmt.Errorf("command id is required")
	}
	if entry.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if entry.Status == "" {
		return fmt.Errorf("status is required")
	}
	if entry.ID == "" {
		entry.ID = "jnl-" + uuid.NewString()[:8]
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var targetJSON *string
	if entry.Target != nil {
		b, err := json.Marshal(entry.Target)
		if err != nil {
			return fmt.Errorf("marshalling journal target: %w", err)
		}
		s := string(b)
		targetJSON = &s
	}

	// Zone 0 addresses the device itself and is stored as NULL.
	var zone any
	if entry.Zone != 0 {
		zone = entry.Zone
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO command_journal (id, command_id, device_id, zone, field, target, status, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.CommandID, entry.DeviceID,
		zone, entry.Field, targetJSON,
		entry.Status, nullableString(entry.Detail),
		entry.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting journal entry: %w", err)
	}

	return nil
}

// nullableString returns nil for empty strings, or the string otherwise.
// Used for nullable TEXT columns in SQLite.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// List returns journal entries matching the filter, ordered by most recent first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) (*ListResult, error) {
	// Clamp limit.
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 200 {
		filter.Limit = 200
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	// Build WHERE clause dynamically.
	var conditions []string
	var args []any

	if filter.DeviceID != "" {
		conditions = append(conditions, "device_id = ?")
		args = append(args, filter.DeviceID)
	}
	if filter.CommandID != "" {
		conditions = append(conditions, "command_id = ?")
		args = append(args, filter.CommandID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, filter.Status)
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	// The WHERE clause only ever contains ? placeholders; user input goes
	// through args.
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM command_journal %s", where)
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("counting journal entries: %w", err)
	}

	// rowid breaks ties for transitions recorded within the same second.
	query := fmt.Sprintf(
		"SELECT id, command_id, device_id, zone, field, target, status, detail, created_at FROM command_journal %s ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?",
		where,
	)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying journal entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		var zone sql.NullInt64
		var targetJSON, detail sql.NullString
		var createdAt string

		if err := rows.Scan(&entry.ID, &entry.CommandID, &entry.DeviceID,
			&zone, &entry.Field, &targetJSON, &entry.Status, &detail, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning journal entry: %w", err)
		}

		if zone.Valid {
			entry.Zone = int(zone.Int64)
		}
		if detail.Valid {
			entry.Detail = detail.String
		}
		if targetJSON.Valid && targetJSON.String != "" {
			var target any
			if json.Unmarshal([]byte(targetJSON.String), &target) == nil {
				entry.Target = target
			}
		}

		t, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			t, err = time.Parse("2006-01-02T15:04:05Z", createdAt)
			if err != nil {
				return nil, fmt.Errorf("parsing journal timestamp %q: %w", createdAt, err)
			}
		}
		entry.CreatedAt = t

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating journal entries: %w", err)
	}

	if entries == nil {
		entries = []Entry{}
	}

	return &ListResult{
		Entries: entries,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}, nil
}

// Prune deletes journal entries older than the given duration.
// Returns the number of rows deleted.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(time.RFC3339)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM command_journal WHERE created_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting journal entries: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return rowsAffected, nil
}
