// Package review implements the human review registry. The registry is
// the single source of truth for review decisions; artifact status is a
// cached projection maintained by the stage services.
package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"ideaforge/pkg/logx"
)

// Decision is the outcome of a review.
type Decision string

// Review decisions.
const (
	DecisionPending  Decision = "Pending"
	DecisionApproved Decision = "Approved"
	DecisionRejected Decision = "Rejected"
)

// Valid reports whether d is a decidable outcome (not Pending).
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// Review is one review record.
type Review struct {
	ID          string     `json:"id"`
	ArtifactID  string     `json:"artifactId"`
	Stage       string     `json:"stage"`
	SubmittedAt time.Time  `json:"submittedAt"`
	Decision    Decision   `json:"decision"`
	DecidedAt   *time.Time `json:"decidedAt,omitempty"`
	Feedback    string     `json:"feedback,omitempty"`

	// PayloadDigest identifies the exact artifact output the review was
	// submitted over, so a decision cannot silently apply to different
	// content.
	PayloadDigest string `json:"payloadDigest,omitempty"`
}

// Sentinel errors.
var (
	// ErrNotFound: no review under the given id.
	ErrNotFound = errors.New("review not found")

	// ErrConflict: the review was already decided differently.
	// Re-delivering the same decision is idempotent and not an error.
	ErrConflict = errors.New("review already decided")

	// ErrInvalidDecision: decision is neither Approved nor Rejected.
	ErrInvalidDecision = errors.New("invalid review decision")

	// ErrTimeout: AwaitDecision gave up before a decision landed.
	ErrTimeout = errors.New("review wait timed out")
)

// Registry persists reviews and notifies interested parties when a
// decision lands. Notification is best effort and at-most-once;
// Reconcile covers anything missed across a restart.
type Registry struct {
	db     *sql.DB
	logger *logx.Logger

	mu          sync.Mutex
	waiters     map[string][]chan Review
	subscribers map[string][]func(Review)
}

// NewRegistry creates a Registry over an initialized database.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{
		db:          db,
		logger:      logx.NewLogger("review"),
		waiters:     make(map[string][]chan Review),
		subscribers: make(map[string][]func(Review)),
	}
}

// Submit registers a new pending review for an artifact.
func (r *Registry) Submit(artifactID, stage, payloadDigest string) (*Review, error) {
	if artifactID == "" {
		return nil, fmt.Errorf("artifact id must not be empty")
	}

	rev := &Review{
		ID:            uuid.New().String(),
		ArtifactID:    artifactID,
		Stage:         stage,
		SubmittedAt:   time.Now().UTC(),
		Decision:      DecisionPending,
		PayloadDigest: payloadDigest,
	}
	_, err := r.db.Exec(
		"INSERT INTO reviews (id, artifact_id, stage, submitted_at, decision, payload_digest) VALUES (?, ?, ?, ?, ?, ?)",
		rev.ID, rev.ArtifactID, rev.Stage, rev.SubmittedAt, string(rev.Decision), rev.PayloadDigest,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to submit review: %w", err)
	}

	r.logger.Info("review %s submitted for %s artifact %s", rev.ID, stage, artifactID)
	return rev, nil
}

// Get returns the review or ErrNotFound.
func (r *Registry) Get(id string) (*Review, error) {
	rev, err := r.queryOne("SELECT "+reviewColumns+" FROM reviews WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rev, err
}

// GetByArtifact returns the most recent review for an artifact.
func (r *Registry) GetByArtifact(artifactID string) (*Review, error) {
	rev, err := r.queryOne(
		"SELECT "+reviewColumns+" FROM reviews WHERE artifact_id = ? ORDER BY submitted_at DESC LIMIT 1",
		artifactID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no review for artifact %s", ErrNotFound, artifactID)
	}
	return rev, err
}

// ListPending returns all undecided reviews, oldest first.
func (r *Registry) ListPending() ([]*Review, error) {
	rows, err := r.db.Query(
		"SELECT " + reviewColumns + " FROM reviews WHERE decision = 'Pending' ORDER BY submitted_at ASC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reviews: %w", err)
	}
	defer rows.Close()

	var reviews []*Review
	for rows.Next() {
		rev, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		reviews = append(reviews, rev)
	}
	return reviews, rows.Err()
}

// Decide records the outcome of a pending review and notifies waiters
// and subscribers. Re-delivering the decision a review already carries
// succeeds without effect; a different decision fails with ErrConflict.
func (r *Registry) Decide(id string, decision Decision, feedback string) (*Review, error) {
	if !decision.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	tx, err := r.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op

	rev, err := scanReview(tx.QueryRow("SELECT "+reviewColumns+" FROM reviews WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if rev.Decision != DecisionPending {
		if rev.Decision == decision {
			return rev, nil
		}
		return nil, fmt.Errorf("%w: %s is already %s", ErrConflict, id, rev.Decision)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(
		"UPDATE reviews SET decision = ?, decided_at = ?, feedback = ? WHERE id = ?",
		string(decision), now, feedback, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to decide review %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit decision: %w", err)
	}

	rev.Decision = decision
	rev.DecidedAt = &now
	rev.Feedback = feedback

	r.logger.Info("review %s decided: %s", id, decision)
	r.notify(*rev)
	return rev, nil
}

// AwaitDecision blocks until the review is decided, the context ends,
// or the timeout elapses. A review decided before the call returns
// immediately.
func (r *Registry) AwaitDecision(ctx context.Context, id string, timeout time.Duration) (*Review, error) {
	ch := make(chan Review, 1)
	r.mu.Lock()
	r.waiters[id] = append(r.waiters[id], ch)
	r.mu.Unlock()
	defer r.dropWaiter(id, ch)

	// The decision may have landed before the waiter was registered
	rev, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if rev.Decision != DecisionPending {
		return rev, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decided := <-ch:
		return &decided, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: review %s after %s", ErrTimeout, id, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers a one-shot callback invoked when the review is
// decided. Delivery is at-most-once and in-process only; callers that
// must not miss a decision combine this with Reconcile at startup.
func (r *Registry) Subscribe(id string, fn func(Review)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[id] = append(r.subscribers[id], fn)
}

// Reconcile invokes handler for every decided review whose artifact is
// still marked PendingReview. Called at startup to pick up decisions
// made while the stage services were not listening.
func (r *Registry) Reconcile(handler func(Review)) error {
	rows, err := r.db.Query(`
		SELECT ` + reviewColumnsPrefixed + `
		FROM reviews r
		JOIN artifacts a ON a.id = r.artifact_id
		WHERE r.decision != 'Pending' AND a.status = 'PendingReview'
		ORDER BY r.decided_at ASC`)
	if err != nil {
		return fmt.Errorf("failed to query undelivered decisions: %w", err)
	}
	defer rows.Close()

	var reviews []*Review
	for rows.Next() {
		rev, err := scanReview(rows)
		if err != nil {
			return err
		}
		reviews = append(reviews, rev)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, rev := range reviews {
		r.logger.Info("reconciling decision %s for artifact %s", rev.Decision, rev.ArtifactID)
		handler(*rev)
	}
	return nil
}

func (r *Registry) notify(rev Review) {
	r.mu.Lock()
	waiters := r.waiters[rev.ID]
	subs := r.subscribers[rev.ID]
	delete(r.waiters, rev.ID)
	delete(r.subscribers, rev.ID)
	r.mu.Unlock()

	for _, ch := range waiters {
		select {
		case ch <- rev:
		default:
		}
	}
	for _, fn := range subs {
		fn(rev)
	}
}

func (r *Registry) dropWaiter(id string, ch chan Review) {
	r.mu.Lock()
	defer r.mu.Unlock()
	remaining := r.waiters[id][:0]
	for _, w := range r.waiters[id] {
		if w != ch {
			remaining = append(remaining, w)
		}
	}
	if len(remaining) == 0 {
		delete(r.waiters, id)
	} else {
		r.waiters[id] = remaining
	}
}

const reviewColumns = "id, artifact_id, stage, submitted_at, decision, decided_at, feedback, payload_digest"

const reviewColumnsPrefixed = "r.id, r.artifact_id, r.stage, r.submitted_at, r.decision, r.decided_at, r.feedback, r.payload_digest"

func (r *Registry) queryOne(query string, args ...any) (*Review, error) {
	return scanReview(r.db.QueryRow(query, args...))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReview(row rowScanner) (*Review, error) {
	var (
		rev       Review
		decision  string
		decidedAt sql.NullTime
	)
	err := row.Scan(&rev.ID, &rev.ArtifactID, &rev.Stage, &rev.SubmittedAt,
		&decision, &decidedAt, &rev.Feedback, &rev.PayloadDigest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan review: %w", err)
	}
	rev.Decision = Decision(decision)
	if decidedAt.Valid {
		t := decidedAt.Time.UTC()
		rev.DecidedAt = &t
	}
	return &rev, nil
}
