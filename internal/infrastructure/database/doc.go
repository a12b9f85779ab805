// Package database owns the bridge's SQLite file: the accessory cache and
// the set-request audit trail.
//
// Open creates the file (mode 0600) and configures the go-sqlite3 driver.
// Migrate applies the versioned SQL files the migrations package registers
// in MigrationsFS; each file pair is named YYYYMMDD_HHMMSS_description and
// runs in its own transaction.
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
