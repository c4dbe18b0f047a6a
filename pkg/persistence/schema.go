package persistence

import (
	"database/sql"
	"errors"
	"fmt"
)

// CurrentSchemaVersion defines the current schema version for migration support.
const CurrentSchemaVersion = 3

// initializeSchemaWithMigrations ensures the database schema is at the
// current version.
func initializeSchemaWithMigrations(db *sql.DB) error {
	currentVersion, err := getSchemaVersion(db)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	// Empty database: create fresh schema at the current version
	if currentVersion == 0 {
		return createSchema(db)
	}

	if currentVersion == CurrentSchemaVersion {
		return nil
	}
	if currentVersion > CurrentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d",
			currentVersion, CurrentSchemaVersion)
	}

	return runMigrations(db, currentVersion, CurrentSchemaVersion)
}

//nolint:funlen // Schema DDL is long by nature
func createSchema(db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			stage TEXT NOT NULL CHECK (stage IN ('REQ', 'PLAN', 'STORIES', 'PROMPT')),
			parent_artifact_id TEXT REFERENCES artifacts(id) ON DELETE CASCADE,
			story_index INTEGER,
			status TEXT NOT NULL CHECK (status IN ('Processing', 'PendingReview', 'Approved', 'Rejected', 'Failed')),
			review_id TEXT,
			raw_output TEXT NOT NULL DEFAULT '',
			parsed_output TEXT,
			technical_preferences TEXT,
			failure_reason TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS reviews (
			id TEXT PRIMARY KEY,
			artifact_id TEXT NOT NULL REFERENCES artifacts(id) ON DELETE CASCADE,
			stage TEXT NOT NULL,
			submitted_at TIMESTAMP NOT NULL,
			decision TEXT NOT NULL DEFAULT 'Pending' CHECK (decision IN ('Pending', 'Approved', 'Rejected')),
			decided_at TIMESTAMP,
			feedback TEXT NOT NULL DEFAULT '',
			payload_digest TEXT NOT NULL DEFAULT ''
		)`,
		// One in-flight artifact per pipeline slot. COALESCE folds the
		// nullable key columns so REQ artifacts collide with each other.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_artifacts_one_active
			ON artifacts(project_id, stage, COALESCE(parent_artifact_id, ''), COALESCE(story_index, -1))
			WHERE status IN ('Processing', 'PendingReview')`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_project ON artifacts(project_id, stage)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_parent ON artifacts(parent_artifact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reviews_pending ON reviews(decision) WHERE decision = 'Pending'`,
		`CREATE INDEX IF NOT EXISTS idx_reviews_artifact ON reviews(artifact_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}

	return setSchemaVersion(db, CurrentSchemaVersion)
}

func runMigrations(db *sql.DB, fromVersion, toVersion int) error {
	for version := fromVersion + 1; version <= toVersion; version++ {
		if err := runMigration(db, version); err != nil {
			return fmt.Errorf("migration to version %d failed: %w", version, err)
		}
		if err := setSchemaVersion(db, version); err != nil {
			return fmt.Errorf("failed to update schema version to %d: %w", version, err)
		}
	}
	return nil
}

func runMigration(db *sql.DB, version int) error {
	switch version {
	case 2:
		return migrateToVersion2(db)
	case 3:
		return migrateToVersion3(db)
	default:
		return fmt.Errorf("unknown migration version: %d", version)
	}
}

// migrateToVersion2 adds the failure_reason column so failed artifacts
// can report why.
func migrateToVersion2(db *sql.DB) error {
	if _, err := db.Exec("ALTER TABLE artifacts ADD COLUMN failure_reason TEXT"); err != nil {
		return fmt.Errorf("failed to add failure_reason column: %w", err)
	}
	return nil
}

// migrateToVersion3 adds the review payload digest so a decision can be
// tied to the exact output the reviewer saw.
func migrateToVersion3(db *sql.DB) error {
	if _, err := db.Exec("ALTER TABLE reviews ADD COLUMN payload_digest TEXT NOT NULL DEFAULT ''"); err != nil {
		return fmt.Errorf("failed to add payload_digest column: %w", err)
	}
	return nil
}

func getSchemaVersion(db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, version int) error {
	_, err := db.Exec("INSERT OR REPLACE INTO schema_version (version) VALUES (?)", version)
	if err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}
