package device

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// newHistoryRepo opens an in-memory SQLite database with the state_history
// schema and returns a repository over it.
func newHistoryRepo(t *testing.T) (*SQLiteStateHistoryRepository, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE state_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			state TEXT NOT NULL,
			source TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ', 'now'))
		);
		CREATE INDEX idx_state_history_device_created
			ON state_history (device_id, created_at DESC);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create test schema: %v", err)
	}

	return NewSQLiteStateHistoryRepository(db), db
}

// seedHistory inserts a row directly, bypassing the repository, with full
// control over the stored timestamp string.
func seedHistory(t *testing.T, db *sql.DB, deviceID, stateJSON, source, createdAt string) {
	t.Helper()

	_, err := db.Exec(
		"INSERT INTO state_history (device_id, state, source, created_at) VALUES (?, ?, ?, ?)",
		deviceID, stateJSON, source, createdAt,
	)
	if err != nil {
		t.Fatalf("seed state history row: %v", err)
	}
}

func rfc3339(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339)
}

func TestRecordStateChange_RoundTrip(t *testing.T) {
	repo, _ := newHistoryRepo(t)
	ctx := context.Background()

	state := State{
		FieldPower:             true,
		FieldOperationMode:     "heat",
		FieldTargetTemperature: 21.5,
	}
	if err := repo.RecordStateChange(ctx, "42", state, StateHistorySourceRefresh); err != nil {
		t.Fatalf("RecordStateChange() error = %v", err)
	}

	entries, err := repo.GetHistory(ctx, "42", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries length = %d, want 1", len(entries))
	}

	entry := entries[0]
	if entry.DeviceID != "42" {
		t.Errorf("DeviceID = %q, want %q", entry.DeviceID, "42")
	}
	if entry.Source != StateHistorySourceRefresh {
		t.Errorf("Source = %q, want %q", entry.Source, StateHistorySourceRefresh)
	}
	if entry.CreatedAt.IsZero() {
		t.Error("CreatedAt is zero, want non-zero")
	}
	if on, ok := entry.State[FieldPower].(bool); !ok || !on {
		t.Errorf("State[power] = %v, want true", entry.State[FieldPower])
	}
	if temp, ok := entry.State[FieldTargetTemperature].(float64); !ok || temp != 21.5 {
		t.Errorf("State[target_temperature] = %v, want 21.5", entry.State[FieldTargetTemperature])
	}
}

func TestRecordStateChange_Defaults(t *testing.T) {
	repo, _ := newHistoryRepo(t)
	ctx := context.Background()

	// Empty source becomes refresh, nil state an empty snapshot.
	if err := repo.RecordStateChange(ctx, "42", nil, ""); err != nil {
		t.Fatalf("RecordStateChange() error = %v", err)
	}

	entries, err := repo.GetHistory(ctx, "42", 1)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries length = %d, want 1", len(entries))
	}
	if entries[0].Source != StateHistorySourceRefresh {
		t.Errorf("Source = %q, want %q", entries[0].Source, StateHistorySourceRefresh)
	}
	if entries[0].State == nil || len(entries[0].State) != 0 {
		t.Errorf("State = %v, want empty snapshot", entries[0].State)
	}
}

func TestRecordStateChange_RequiresDeviceID(t *testing.T) {
	repo, _ := newHistoryRepo(t)

	if err := repo.RecordStateChange(context.Background(), "", State{}, StateHistorySourceRefresh); err == nil {
		t.Fatal("RecordStateChange() with empty device id: expected error")
	}
}

func TestGetHistory_NewestFirst(t *testing.T) {
	repo, db := newHistoryRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	seedHistory(t, db, "42", `{"power":false}`, StateHistorySourceCommand, rfc3339(now.Add(-2*time.Hour)))
	seedHistory(t, db, "42", `{"power":true}`, StateHistorySourceRefresh, rfc3339(now.Add(-1*time.Hour)))
	seedHistory(t, db, "42", `{"power":true,"target_temperature":22}`, StateHistorySourceExpiry, rfc3339(now))
	seedHistory(t, db, "9", `{"power":true}`, StateHistorySourceRefresh, rfc3339(now))

	entries, err := repo.GetHistory(ctx, "42", 2)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries length = %d, want 2", len(entries))
	}
	if !entries[0].CreatedAt.Equal(now) {
		t.Errorf("entry[0] CreatedAt = %s, want %s", entries[0].CreatedAt, now)
	}
	if !entries[1].CreatedAt.Equal(now.Add(-1 * time.Hour)) {
		t.Errorf("entry[1] CreatedAt = %s, want %s", entries[1].CreatedAt, now.Add(-1*time.Hour))
	}
}

func TestGetHistory_SameSecondOrder(t *testing.T) {
	repo, db := newHistoryRepo(t)
	ctx := context.Background()

	// A command overlay and its confirmation can land within one second.
	// Insertion order must win the tie.
	ts := rfc3339(time.Now().UTC())
	seedHistory(t, db, "42", `{"power":true}`, StateHistorySourceCommand, ts)
	seedHistory(t, db, "42", `{"power":true}`, StateHistorySourceRefresh, ts)

	entries, err := repo.GetHistory(ctx, "42", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries length = %d, want 2", len(entries))
	}
	if entries[0].Source != StateHistorySourceRefresh || entries[1].Source != StateHistorySourceCommand {
		t.Errorf("order = [%s, %s], want [refresh, command]", entries[0].Source, entries[1].Source)
	}
}

func TestGetHistory_LimitClamped(t *testing.T) {
	repo, db := newHistoryRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < maxHistoryLimit+10; i++ {
		seedHistory(t, db, "42", `{"power":true}`, StateHistorySourceRefresh, rfc3339(now.Add(-time.Duration(i)*time.Second)))
	}

	entries, err := repo.GetHistory(ctx, "42", 10000)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != maxHistoryLimit {
		t.Errorf("entries length = %d, want clamped %d", len(entries), maxHistoryLimit)
	}
}

func TestGetHistory_NoRows(t *testing.T) {
	repo, _ := newHistoryRepo(t)

	entries, err := repo.GetHistory(context.Background(), "missing", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if entries == nil {
		t.Fatal("entries = nil, want empty slice")
	}
	if len(entries) != 0 {
		t.Fatalf("entries length = %d, want 0", len(entries))
	}
}

func TestGetHistory_SpaceSeparatedTimestamp(t *testing.T) {
	repo, db := newHistoryRepo(t)

	// Rows rewritten with SQLite's datetime() lose the T and Z.
	seedHistory(t, db, "42", `{"power":true}`, StateHistorySourceRefresh, "2026-03-01 12:30:00")

	entries, err := repo.GetHistory(context.Background(), "42", 1)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	want := time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC)
	if len(entries) != 1 || !entries[0].CreatedAt.Equal(want) {
		t.Fatalf("CreatedAt = %v, want %v", entries[0].CreatedAt, want)
	}
}

func TestPruneHistory(t *testing.T) {
	repo, db := newHistoryRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	seedHistory(t, db, "42", `{"power":true}`, StateHistorySourceRefresh, rfc3339(now.Add(-40*24*time.Hour)))
	seedHistory(t, db, "42", `{"power":false}`, StateHistorySourceRefresh, rfc3339(now.Add(-12*time.Hour)))

	deleted, err := repo.PruneHistory(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("PruneHistory() error = %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	entries, err := repo.GetHistory(ctx, "42", 10)
	if err != nil {
		t.Fatalf("GetHistory() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries length = %d, want 1", len(entries))
	}
	if !entries[0].CreatedAt.Equal(now.Add(-12 * time.Hour)) {
		t.Errorf("remaining CreatedAt = %s, want %s", entries[0].CreatedAt, now.Add(-12*time.Hour))
	}
}

func TestPruneHistory_RejectsNonPositiveWindow(t *testing.T) {
	repo, _ := newHistoryRepo(t)

	if _, err := repo.PruneHistory(context.Background(), 0); err == nil {
		t.Fatal("PruneHistory(0): expected error")
	}
	if _, err := repo.PruneHistory(context.Background(), -time.Hour); err == nil {
		t.Fatal("PruneHistory(-1h): expected error")
	}
}
