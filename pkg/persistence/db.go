// Package persistence provides SQLite-backed storage for the pipeline:
// projects, stage artifacts, and reviews.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"ideaforge/pkg/logx"
)

// Open creates and initializes the SQLite database with the required
// schema. Idempotent and safe to call on an existing database file.
func Open(dbPath string) (*sql.DB, error) {
	// modernc's driver takes pragmas as _pragma=name(value) pairs.
	// Foreign keys drive the project-deletion cascade; WAL mode and the
	// busy timeout keep readers from blocking the single writer.
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logx.NewLogger("persistence").Info("database initialized: %s", dbPath)
	return db, nil
}
