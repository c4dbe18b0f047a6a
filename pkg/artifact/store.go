package artifact

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ideaforge/pkg/logx"
)

// Store provides persistence for projects and stage artifacts.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// NewStore creates a Store over an initialized database.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		logger: logx.NewLogger("artifact"),
	}
}

// CreateProject persists a new project.
func (s *Store) CreateProject(name, description string) (*Project, error) {
	if strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("project name must not be empty")
	}

	p := &Project{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.Exec(
		"INSERT INTO projects (id, name, description, created_at) VALUES (?, ?, ?, ?)",
		p.ID, p.Name, p.Description, p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}

	s.logger.Info("created project %s (%s)", p.ID, p.Name)
	return p, nil
}

// GetProject returns the project or ErrNotFound.
func (s *Store) GetProject(id string) (*Project, error) {
	var p Project
	err := s.db.QueryRow(
		"SELECT id, name, description, created_at FROM projects WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project %s: %w", id, err)
	}
	return &p, nil
}

// ListProjects returns all projects, newest first.
func (s *Store) ListProjects() ([]*Project, error) {
	rows, err := s.db.Query("SELECT id, name, description, created_at FROM projects ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var projects []*Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		projects = append(projects, &p)
	}
	return projects, rows.Err()
}

// DeleteProject removes the project. Foreign keys cascade to its
// artifacts and their reviews.
func (s *Store) DeleteProject(id string) error {
	res, err := s.db.Exec("DELETE FROM projects WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete project %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	s.logger.Info("deleted project %s", id)
	return nil
}

// Create persists a new artifact in Processing state, enforcing the
// lineage rules in one transaction:
//   - a non-REQ artifact's parent must exist, belong to the upstream
//     stage, and be Approved
//   - a PROMPT artifact's story index must fall inside the parent's
//     story list
//   - at most one non-terminal artifact may occupy a pipeline slot;
//     a concurrent duplicate loses at INSERT with ErrAlreadyInProgress
func (s *Store) Create(a *StageArtifact) error {
	if !a.Stage.Valid() {
		return fmt.Errorf("invalid stage %q", a.Stage)
	}
	if a.Stage == StageREQ && a.ParentArtifactID != "" {
		return fmt.Errorf("REQ artifacts have no parent")
	}
	if a.Stage != StageREQ && a.ParentArtifactID == "" {
		return fmt.Errorf("%s artifacts require a parent artifact", a.Stage)
	}

	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.Status = StatusProcessing
	a.CreatedAt = now
	a.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op

	if a.ParentArtifactID != "" {
		if err := s.checkParent(tx, a); err != nil {
			return err
		}
	}

	prefs, err := marshalPreferences(a.TechnicalPreferences)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		INSERT INTO artifacts
			(id, project_id, stage, parent_artifact_id, story_index, status,
			 raw_output, technical_preferences, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.ProjectID, string(a.Stage), nullString(a.ParentArtifactID),
		nullInt(a.StoryIndex), string(a.Status), a.RawOutput, prefs,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s for project %s", ErrAlreadyInProgress, a.Stage, a.ProjectID)
		}
		return fmt.Errorf("failed to create artifact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit artifact: %w", err)
	}

	s.logger.Debug("created %s artifact %s (project %s)", a.Stage, a.ID, a.ProjectID)
	return nil
}

// checkParent validates the parent's stage, status, and, for PROMPT
// artifacts, the story index bounds.
func (s *Store) checkParent(tx *sql.Tx, a *StageArtifact) error {
	var (
		parentStage  string
		parentStatus string
		parsedRaw    sql.NullString
	)
	err := tx.QueryRow(
		"SELECT stage, status, parsed_output FROM artifacts WHERE id = ?",
		a.ParentArtifactID,
	).Scan(&parentStage, &parentStatus, &parsedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: parent artifact %s", ErrNotFound, a.ParentArtifactID)
	}
	if err != nil {
		return fmt.Errorf("failed to load parent artifact: %w", err)
	}

	if Stage(parentStage) != a.Stage.Parent() {
		return fmt.Errorf("%w: %s expects a %s parent, got %s",
			ErrStageMismatch, a.Stage, a.Stage.Parent(), parentStage)
	}
	if Status(parentStatus) != StatusApproved {
		return fmt.Errorf("%w: parent %s is %s", ErrParentNotApproved, a.ParentArtifactID, parentStatus)
	}

	if a.Stage == StagePROMPT {
		if a.StoryIndex == nil {
			return fmt.Errorf("PROMPT artifacts require a story index")
		}
		parsed, err := unmarshalParsed(parsedRaw)
		if err != nil {
			return err
		}
		count := 0
		if parsed != nil {
			count = len(parsed.Stories)
		}
		if *a.StoryIndex < 0 || *a.StoryIndex >= count {
			return fmt.Errorf("%w: index %d, story count %d", ErrOutOfRange, *a.StoryIndex, count)
		}
	}
	return nil
}

// Get returns the artifact or ErrNotFound.
func (s *Store) Get(id string) (*StageArtifact, error) {
	return s.queryOne("SELECT "+artifactColumns+" FROM artifacts WHERE id = ?", id)
}

// GetByParent returns all artifacts whose parent is parentID, newest first.
func (s *Store) GetByParent(parentID string) ([]*StageArtifact, error) {
	return s.queryMany(
		"SELECT "+artifactColumns+" FROM artifacts WHERE parent_artifact_id = ? ORDER BY created_at DESC",
		parentID,
	)
}

// ListByProject returns the project's artifacts, oldest first.
func (s *Store) ListByProject(projectID string) ([]*StageArtifact, error) {
	return s.queryMany(
		"SELECT "+artifactColumns+" FROM artifacts WHERE project_id = ? ORDER BY created_at ASC",
		projectID,
	)
}

// FindApproved returns the most recently approved artifact for the
// project and stage, or ErrNotFound.
func (s *Store) FindApproved(projectID string, stage Stage) (*StageArtifact, error) {
	a, err := s.queryOne(
		"SELECT "+artifactColumns+` FROM artifacts
		 WHERE project_id = ? AND stage = ? AND status = 'Approved'
		 ORDER BY updated_at DESC LIMIT 1`,
		projectID, string(stage),
	)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: no approved %s artifact for project %s", ErrNotFound, stage, projectID)
	}
	return a, err
}

// Latest returns the most recent artifact for the project and stage
// regardless of status, or ErrNotFound.
func (s *Store) Latest(projectID string, stage Stage) (*StageArtifact, error) {
	return s.queryOne(
		"SELECT "+artifactColumns+` FROM artifacts
		 WHERE project_id = ? AND stage = ?
		 ORDER BY created_at DESC LIMIT 1`,
		projectID, string(stage),
	)
}

// SetOutput stores the raw LLM output and its parsed form.
func (s *Store) SetOutput(id, rawOutput string, parsed *ParsedOutput) error {
	parsedJSON, err := marshalParsed(parsed)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(
		"UPDATE artifacts SET raw_output = ?, parsed_output = ?, updated_at = ? WHERE id = ?",
		rawOutput, parsedJSON, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to store output for artifact %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: artifact %s", ErrNotFound, id)
	}
	return nil
}

// MarkPendingReview transitions Processing -> PendingReview and records
// the review id.
func (s *Store) MarkPendingReview(id, reviewID string) error {
	return s.transition(id, StatusPendingReview, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE artifacts SET status = ?, review_id = ?, updated_at = ? WHERE id = ?",
			string(StatusPendingReview), reviewID, time.Now().UTC(), id,
		)
		return err
	})
}

// MarkFailed transitions Processing -> Failed and records the reason.
// Failed artifacts never carry a review id.
func (s *Store) MarkFailed(id, reason string) error {
	return s.transition(id, StatusFailed, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE artifacts SET status = ?, failure_reason = ?, updated_at = ? WHERE id = ?",
			string(StatusFailed), reason, time.Now().UTC(), id,
		)
		return err
	})
}

// UpdateStatus projects a review decision onto the artifact:
// PendingReview -> Approved or Rejected. Re-applying the status the
// artifact already has is a no-op.
func (s *Store) UpdateStatus(id string, next Status) error {
	return s.transition(id, next, func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE artifacts SET status = ?, updated_at = ? WHERE id = ?",
			string(next), time.Now().UTC(), id,
		)
		return err
	})
}

// transition applies a guarded status change in one transaction.
func (s *Store) transition(id string, next Status, apply func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op

	var current string
	err = tx.QueryRow("SELECT status FROM artifacts WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: artifact %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load artifact %s: %w", id, err)
	}

	// Idempotent re-delivery of the same decision
	if Status(current) == next {
		return nil
	}
	if !Status(current).CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s for artifact %s", ErrInvalidTransition, current, next, id)
	}

	if err := apply(tx); err != nil {
		return fmt.Errorf("failed to update artifact %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit status change: %w", err)
	}

	s.logger.Debug("artifact %s: %s -> %s", id, current, next)
	return nil
}

// StoryCount returns the number of stories in a STORIES artifact.
func (s *Store) StoryCount(id string) (int, error) {
	a, err := s.Get(id)
	if err != nil {
		return 0, err
	}
	if a.Stage != StageSTORIES {
		return 0, fmt.Errorf("%w: artifact %s is %s, expected STORIES", ErrStageMismatch, id, a.Stage)
	}
	if a.Parsed == nil {
		return 0, nil
	}
	return len(a.Parsed.Stories), nil
}

// StoryAt returns one story from a STORIES artifact by index.
func (s *Store) StoryAt(id string, index int) (*UserStory, error) {
	a, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if a.Stage != StageSTORIES {
		return nil, fmt.Errorf("%w: artifact %s is %s, expected STORIES", ErrStageMismatch, id, a.Stage)
	}
	count := 0
	if a.Parsed != nil {
		count = len(a.Parsed.Stories)
	}
	if index < 0 || index >= count {
		return nil, fmt.Errorf("%w: index %d, story count %d", ErrOutOfRange, index, count)
	}
	story := a.Parsed.Stories[index]
	return &story, nil
}

const artifactColumns = `id, project_id, stage, parent_artifact_id, story_index, status,
	review_id, raw_output, parsed_output, technical_preferences, failure_reason,
	created_at, updated_at`

func (s *Store) queryOne(query string, args ...any) (*StageArtifact, error) {
	a, err := scanArtifact(s.db.QueryRow(query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: artifact", ErrNotFound)
	}
	return a, err
}

func (s *Store) queryMany(query string, args ...any) ([]*StageArtifact, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*StageArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*StageArtifact, error) {
	var (
		a          StageArtifact
		stage      string
		status     string
		parentID   sql.NullString
		storyIndex sql.NullInt64
		reviewID   sql.NullString
		parsedRaw  sql.NullString
		prefsRaw   sql.NullString
		failure    sql.NullString
	)
	err := row.Scan(
		&a.ID, &a.ProjectID, &stage, &parentID, &storyIndex, &status,
		&reviewID, &a.RawOutput, &parsedRaw, &prefsRaw, &failure,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan artifact: %w", err)
	}

	a.Stage = Stage(stage)
	a.Status = Status(status)
	a.ParentArtifactID = parentID.String
	a.ReviewID = reviewID.String
	a.FailureReason = failure.String
	if storyIndex.Valid {
		idx := int(storyIndex.Int64)
		a.StoryIndex = &idx
	}

	parsed, err := unmarshalParsed(parsedRaw)
	if err != nil {
		return nil, err
	}
	a.Parsed = parsed

	if prefsRaw.Valid && prefsRaw.String != "" {
		if err := json.Unmarshal([]byte(prefsRaw.String), &a.TechnicalPreferences); err != nil {
			return nil, fmt.Errorf("failed to decode technical preferences for %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func marshalParsed(parsed *ParsedOutput) (any, error) {
	if parsed == nil {
		return nil, nil //nolint:nilnil // NULL column value
	}
	data, err := json.Marshal(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to encode parsed output: %w", err)
	}
	return string(data), nil
}

func unmarshalParsed(raw sql.NullString) (*ParsedOutput, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil //nolint:nilnil // Absent parsed output
	}
	var parsed ParsedOutput
	if err := json.Unmarshal([]byte(raw.String), &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode parsed output: %w", err)
	}
	return &parsed, nil
}

func marshalPreferences(prefs map[string]string) (any, error) {
	if len(prefs) == 0 {
		return nil, nil //nolint:nilnil // NULL column value
	}
	data, err := json.Marshal(prefs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode technical preferences: %w", err)
	}
	return string(data), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

// isUniqueViolation detects the partial unique index firing on insert.
// The modernc driver surfaces constraint failures in the error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
