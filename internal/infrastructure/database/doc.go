// Package database owns the bridge's local SQLite store.
//
// The store holds two tables, both append-mostly: the command journal
// (every write command's lifecycle) and the device state history
// (field-level changes observed by the refresh loop). Live device
// state is not persisted; the registry rebuilds from the cloud on
// startup, so the store is history, not truth.
//
// Open configures the connection for that workload. WAL mode keeps
// API reads from blocking the poll loop's writes, the busy timeout
// turns lock contention into short waits instead of errors, and a
// single-connection pool matches SQLite's one-writer model. The file
// is chmodded 0600 since journal rows name devices and targets.
//
// Schema changes ship as embedded up/down pairs (see the migrations
// package) and run at startup:
//
//	db, err := database.Open(database.Config{
//	    Path:        cfg.Database.Path,
//	    WALMode:     cfg.Database.WALMode,
//	    BusyTimeout: cfg.Database.BusyTimeout,
//	})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
