package artifact

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"ideaforge/pkg/persistence"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db)
}

func newTestProject(t *testing.T, s *Store) *Project {
	t.Helper()
	p, err := s.CreateProject("Bookstore", "Online bookstore")
	if err != nil {
		t.Fatalf("failed to create project: %v", err)
	}
	return p
}

// approveArtifact walks an artifact through its full happy path.
func approveArtifact(t *testing.T, s *Store, a *StageArtifact, parsed *ParsedOutput) {
	t.Helper()
	if err := s.SetOutput(a.ID, "raw output", parsed); err != nil {
		t.Fatalf("failed to set output: %v", err)
	}
	if err := s.MarkPendingReview(a.ID, "review-"+a.ID); err != nil {
		t.Fatalf("failed to mark pending review: %v", err)
	}
	if err := s.UpdateStatus(a.ID, StatusApproved); err != nil {
		t.Fatalf("failed to approve: %v", err)
	}
}

func reqParsed() *ParsedOutput {
	return &ParsedOutput{Requirements: &RequirementsDocument{Sections: []Section{
		{Title: "Problem Statement", Body: "Sell books online."},
		{Title: "Functional Requirements", Body: "1. Browse catalog."},
	}}}
}

func storiesParsed(n int) *ParsedOutput {
	stories := make([]UserStory, n)
	for i := range stories {
		stories[i] = UserStory{
			Title:              "Story",
			Description:        "As a reader, I want books.",
			AcceptanceCriteria: []string{"works"},
			Priority:           PriorityMedium,
			StoryPoints:        3,
		}
	}
	return &ParsedOutput{Stories: stories}
}

func TestProjectLifecycle(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	got, err := s.GetProject(p.ID)
	if err != nil {
		t.Fatalf("failed to get project: %v", err)
	}
	if got.Name != "Bookstore" || got.Description != "Online bookstore" {
		t.Errorf("unexpected project: %+v", got)
	}

	list, err := s.ListProjects()
	if err != nil {
		t.Fatalf("failed to list projects: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 project, got %d", len(list))
	}

	if err := s.DeleteProject(p.ID); err != nil {
		t.Fatalf("failed to delete project: %v", err)
	}
	if _, err := s.GetProject(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteProject(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestDeleteProjectCascades(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	a := &StageArtifact{ProjectID: p.ID, Stage: StageREQ}
	if err := s.Create(a); err != nil {
		t.Fatalf("failed to create artifact: %v", err)
	}

	if err := s.DeleteProject(p.ID); err != nil {
		t.Fatalf("failed to delete project: %v", err)
	}
	if _, err := s.Get(a.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected cascade to remove artifact, got %v", err)
	}
}

func TestCreateRequiresApprovedParent(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	req := &StageArtifact{ProjectID: p.ID, Stage: StageREQ}
	if err := s.Create(req); err != nil {
		t.Fatalf("failed to create REQ: %v", err)
	}

	// Parent still Processing: PLAN must not start
	plan := &StageArtifact{ProjectID: p.ID, Stage: StagePLAN, ParentArtifactID: req.ID}
	if err := s.Create(plan); !errors.Is(err, ErrParentNotApproved) {
		t.Fatalf("expected ErrParentNotApproved, got %v", err)
	}

	approveArtifact(t, s, req, reqParsed())
	plan = &StageArtifact{ProjectID: p.ID, Stage: StagePLAN, ParentArtifactID: req.ID}
	if err := s.Create(plan); err != nil {
		t.Fatalf("expected PLAN create to succeed, got %v", err)
	}

	// Wrong lineage: STORIES must reference a PLAN, not a REQ
	stories := &StageArtifact{ProjectID: p.ID, Stage: StageSTORIES, ParentArtifactID: req.ID}
	if err := s.Create(stories); !errors.Is(err, ErrStageMismatch) {
		t.Errorf("expected ErrStageMismatch, got %v", err)
	}
}

func TestCreateEnforcesOneActivePerSlot(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	first := &StageArtifact{ProjectID: p.ID, Stage: StageREQ}
	if err := s.Create(first); err != nil {
		t.Fatalf("failed to create first REQ: %v", err)
	}

	second := &StageArtifact{ProjectID: p.ID, Stage: StageREQ}
	if err := s.Create(second); !errors.Is(err, ErrAlreadyInProgress) {
		t.Fatalf("expected ErrAlreadyInProgress, got %v", err)
	}

	// Terminal artifacts free the slot
	if err := s.MarkFailed(first.ID, "provider exploded"); err != nil {
		t.Fatalf("failed to mark failed: %v", err)
	}
	third := &StageArtifact{ProjectID: p.ID, Stage: StageREQ}
	if err := s.Create(third); err != nil {
		t.Errorf("expected create after terminal state to succeed, got %v", err)
	}
}

func TestConcurrentDuplicateStarts(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	const attempts = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		created  int
		conflict int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Create(&StageArtifact{ProjectID: p.ID, Stage: StageREQ})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrAlreadyInProgress):
				conflict++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("expected exactly 1 winner, got %d", created)
	}
	if conflict != attempts-1 {
		t.Errorf("expected %d conflicts, got %d", attempts-1, conflict)
	}
}

func TestPromptStoryIndexBounds(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	req := &StageArtifact{ProjectID: p.ID, Stage: StageREQ}
	if err := s.Create(req); err != nil {
		t.Fatal(err)
	}
	approveArtifact(t, s, req, reqParsed())

	plan := &StageArtifact{ProjectID: p.ID, Stage: StagePLAN, ParentArtifactID: req.ID}
	if err := s.Create(plan); err != nil {
		t.Fatal(err)
	}
	approveArtifact(t, s, plan, &ParsedOutput{Plan: &ProjectPlan{Sections: []Section{{Title: "Overview", Body: "plan"}}}})

	stories := &StageArtifact{ProjectID: p.ID, Stage: StageSTORIES, ParentArtifactID: plan.ID}
	if err := s.Create(stories); err != nil {
		t.Fatal(err)
	}
	approveArtifact(t, s, stories, storiesParsed(3))

	// Index == count is out of range
	idx := 3
	prompt := &StageArtifact{ProjectID: p.ID, Stage: StagePROMPT, ParentArtifactID: stories.ID, StoryIndex: &idx}
	if err := s.Create(prompt); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("expected ErrOutOfRange for index 3 of 3, got %v", err)
	}

	idx = 2
	prompt = &StageArtifact{ProjectID: p.ID, Stage: StagePROMPT, ParentArtifactID: stories.ID, StoryIndex: &idx}
	if err := s.Create(prompt); err != nil {
		t.Fatalf("expected valid index to succeed, got %v", err)
	}

	// A second prompt for a different story of the same parent is fine
	idx2 := 1
	other := &StageArtifact{ProjectID: p.ID, Stage: StagePROMPT, ParentArtifactID: stories.ID, StoryIndex: &idx2}
	if err := s.Create(other); err != nil {
		t.Errorf("expected distinct story index to succeed, got %v", err)
	}

	// Same story index collides
	dup := &StageArtifact{ProjectID: p.ID, Stage: StagePROMPT, ParentArtifactID: stories.ID, StoryIndex: &idx2}
	if err := s.Create(dup); !errors.Is(err, ErrAlreadyInProgress) {
		t.Errorf("expected ErrAlreadyInProgress for duplicate story index, got %v", err)
	}
}

func TestStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	a := &StageArtifact{ProjectID: p.ID, Stage: StageREQ}
	if err := s.Create(a); err != nil {
		t.Fatal(err)
	}

	// Processing cannot jump straight to Approved
	if err := s.UpdateStatus(a.ID, StatusApproved); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := s.MarkPendingReview(a.ID, "r1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusPendingReview || got.ReviewID != "r1" {
		t.Errorf("unexpected state after pending review: %+v", got)
	}

	if err := s.UpdateStatus(a.ID, StatusApproved); err != nil {
		t.Fatalf("failed to approve: %v", err)
	}
	// Idempotent re-delivery
	if err := s.UpdateStatus(a.ID, StatusApproved); err != nil {
		t.Errorf("expected idempotent approve, got %v", err)
	}
	// Conflicting decision is rejected
	if err := s.UpdateStatus(a.ID, StatusRejected); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for Approved -> Rejected, got %v", err)
	}
}

func TestMarkFailedRecordsReason(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	a := &StageArtifact{ProjectID: p.ID, Stage: StageREQ}
	if err := s.Create(a); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkFailed(a.ID, "provider call failed: timeout"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed {
		t.Errorf("expected Failed, got %s", got.Status)
	}
	if got.FailureReason != "provider call failed: timeout" {
		t.Errorf("unexpected failure reason: %q", got.FailureReason)
	}
	if got.ReviewID != "" {
		t.Error("failed artifacts must not carry a review id")
	}
}

func TestStoryAccessors(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	req := &StageArtifact{ProjectID: p.ID, Stage: StageREQ}
	if err := s.Create(req); err != nil {
		t.Fatal(err)
	}
	approveArtifact(t, s, req, reqParsed())

	plan := &StageArtifact{ProjectID: p.ID, Stage: StagePLAN, ParentArtifactID: req.ID}
	if err := s.Create(plan); err != nil {
		t.Fatal(err)
	}
	approveArtifact(t, s, plan, &ParsedOutput{Plan: &ProjectPlan{Sections: []Section{{Title: "Overview", Body: "x"}}}})

	stories := &StageArtifact{ProjectID: p.ID, Stage: StageSTORIES, ParentArtifactID: plan.ID}
	if err := s.Create(stories); err != nil {
		t.Fatal(err)
	}
	approveArtifact(t, s, stories, storiesParsed(2))

	count, err := s.StoryCount(stories.ID)
	if err != nil {
		t.Fatalf("failed to count stories: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 stories, got %d", count)
	}

	if _, err := s.StoryAt(stories.ID, 1); err != nil {
		t.Errorf("expected story at index 1, got %v", err)
	}
	if _, err := s.StoryAt(stories.ID, 2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange at index == count, got %v", err)
	}
	if _, err := s.StoryCount(req.ID); !errors.Is(err, ErrStageMismatch) {
		t.Errorf("expected ErrStageMismatch for non-STORIES artifact, got %v", err)
	}
}

func TestFindApprovedAndLatest(t *testing.T) {
	s := newTestStore(t)
	p := newTestProject(t, s)

	if _, err := s.FindApproved(p.ID, StageREQ); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound with no artifacts, got %v", err)
	}

	a := &StageArtifact{ProjectID: p.ID, Stage: StageREQ}
	if err := s.Create(a); err != nil {
		t.Fatal(err)
	}
	approveArtifact(t, s, a, reqParsed())

	found, err := s.FindApproved(p.ID, StageREQ)
	if err != nil {
		t.Fatalf("failed to find approved: %v", err)
	}
	if found.ID != a.ID {
		t.Errorf("expected artifact %s, got %s", a.ID, found.ID)
	}
	if found.Parsed == nil || found.Parsed.Requirements == nil {
		t.Error("expected parsed output to round-trip")
	}

	latest, err := s.Latest(p.ID, StageREQ)
	if err != nil {
		t.Fatalf("failed to get latest: %v", err)
	}
	if latest.ID != a.ID {
		t.Errorf("expected latest %s, got %s", a.ID, latest.ID)
	}
}
