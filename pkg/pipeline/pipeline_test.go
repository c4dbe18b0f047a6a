package pipeline

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ideaforge/pkg/artifact"
	"ideaforge/pkg/assembler"
	"ideaforge/pkg/instruction"
	"ideaforge/pkg/persistence"
	"ideaforge/pkg/provider"
	"ideaforge/pkg/review"
	"ideaforge/pkg/stage"
)

type fixture struct {
	coordinator *Coordinator
	artifacts   *artifact.Store
	reviews     *review.Registry
	mock        *provider.MockClient
	project     *artifact.Project
	db          *sql.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	instructions, err := instruction.NewStore()
	require.NoError(t, err)

	artifacts := artifact.NewStore(db)
	reviews := review.NewRegistry(db)
	asm := assembler.New(artifacts, instructions, 100_000, 180_000)

	mock := &provider.MockClient{ClientName: "Claude"}
	pool := provider.NewPool(provider.PoolOptions{})
	pool.Register(mock, 2)

	services := make(map[artifact.Stage]*stage.Service)
	for _, desc := range stage.Descriptors() {
		services[desc.Stage] = stage.NewService(desc, artifacts, reviews, asm, pool, "Claude")
	}

	project, err := artifacts.CreateProject("Bookstore", "Online bookstore")
	require.NoError(t, err)

	return &fixture{
		coordinator: NewCoordinator(artifacts, reviews, services),
		artifacts:   artifacts,
		reviews:     reviews,
		mock:        mock,
		project:     project,
		db:          db,
	}
}

const sectionedOutput = "## Problem Statement\n\nSell books.\n\n## Scope\n\nOnline only.\n"

func (f *fixture) runStage(t *testing.T, st artifact.Stage, req stage.StartRequest) *stage.StartResult {
	t.Helper()
	res, err := f.coordinator.Service(st).Start(context.Background(), req)
	require.NoError(t, err)
	return res
}

func TestCanProgress(t *testing.T) {
	f := newFixture(t)
	f.mock.CompleteFunc = func(_ context.Context, _ provider.Request) (provider.Response, error) {
		return provider.Response{Content: sectionedOutput}, nil
	}

	// REQ needs nothing upstream
	ok, err := f.coordinator.CanProgress(f.project.ID, artifact.StageREQ)
	require.NoError(t, err)
	require.True(t, ok)

	// PLAN blocked until a REQ is approved
	ok, err = f.coordinator.CanProgress(f.project.ID, artifact.StagePLAN)
	require.NoError(t, err)
	require.False(t, ok)

	res := f.runStage(t, artifact.StageREQ, stage.StartRequest{
		ProjectID:          f.project.ID,
		ProjectDescription: "Online bookstore",
	})

	// PendingReview is not Approved
	ok, err = f.coordinator.CanProgress(f.project.ID, artifact.StagePLAN)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = f.reviews.Decide(res.ReviewID, review.DecisionApproved, "")
	require.NoError(t, err)

	ok, err = f.coordinator.CanProgress(f.project.ID, artifact.StagePLAN)
	require.NoError(t, err)
	require.True(t, ok)

	// STORIES still needs an approved PLAN
	ok, err = f.coordinator.CanProgress(f.project.ID, artifact.StageSTORIES)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = f.coordinator.CanProgress(f.project.ID, artifact.Stage("BOGUS"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLatestApproved(t *testing.T) {
	f := newFixture(t)
	f.mock.CompleteFunc = func(_ context.Context, _ provider.Request) (provider.Response, error) {
		return provider.Response{Content: sectionedOutput}, nil
	}

	id, err := f.coordinator.LatestApproved(f.project.ID, artifact.StageREQ)
	require.NoError(t, err)
	require.Empty(t, id)

	res := f.runStage(t, artifact.StageREQ, stage.StartRequest{
		ProjectID:          f.project.ID,
		ProjectDescription: "Online bookstore",
	})
	_, err = f.reviews.Decide(res.ReviewID, review.DecisionApproved, "")
	require.NoError(t, err)

	id, err = f.coordinator.LatestApproved(f.project.ID, artifact.StageREQ)
	require.NoError(t, err)
	require.Equal(t, res.ArtifactID, id)
}

func TestProgressRollup(t *testing.T) {
	f := newFixture(t)
	f.mock.CompleteFunc = func(_ context.Context, _ provider.Request) (provider.Response, error) {
		return provider.Response{Content: sectionedOutput}, nil
	}

	// One rejected REQ, then one approved
	rejected := f.runStage(t, artifact.StageREQ, stage.StartRequest{
		ProjectID:          f.project.ID,
		ProjectDescription: "Online bookstore",
	})
	_, err := f.reviews.Decide(rejected.ReviewID, review.DecisionRejected, "too thin")
	require.NoError(t, err)

	approved := f.runStage(t, artifact.StageREQ, stage.StartRequest{
		ProjectID:          f.project.ID,
		ProjectDescription: "Online bookstore",
	})
	_, err = f.reviews.Decide(approved.ReviewID, review.DecisionApproved, "")
	require.NoError(t, err)

	// One PLAN awaiting review
	f.runStage(t, artifact.StagePLAN, stage.StartRequest{
		ProjectID:        f.project.ID,
		ParentArtifactID: approved.ArtifactID,
	})

	progress, err := f.coordinator.Progress(f.project.ID)
	require.NoError(t, err)

	req := progress[artifact.StageREQ]
	require.Equal(t, 2, req.Total)
	require.Equal(t, 1, req.Approved)
	require.Equal(t, 0, req.Pending)
	require.Equal(t, 0, req.Failed, "rejected artifacts count in total only")

	plan := progress[artifact.StagePLAN]
	require.Equal(t, 1, plan.Total)
	require.Equal(t, 1, plan.Pending)

	require.Zero(t, progress[artifact.StageSTORIES].Total)
	require.Zero(t, progress[artifact.StagePROMPT].Total)

	_, err = f.coordinator.Progress("no-such-project")
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestReconcileProjectsMissedDecisions(t *testing.T) {
	f := newFixture(t)
	f.mock.CompleteFunc = func(_ context.Context, _ provider.Request) (provider.Response, error) {
		return provider.Response{Content: sectionedOutput}, nil
	}

	res := f.runStage(t, artifact.StageREQ, stage.StartRequest{
		ProjectID:          f.project.ID,
		ProjectDescription: "Online bookstore",
	})

	// Simulate a decision landing while no subscriber was attached: a
	// fresh registry over the same database has no in-memory waiters.
	detached := review.NewRegistry(f.db)
	_, err := detached.Decide(res.ReviewID, review.DecisionApproved, "")
	require.NoError(t, err)

	a, err := f.artifacts.Get(res.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, artifact.StatusPendingReview, a.Status, "decision not yet projected")

	require.NoError(t, f.coordinator.Reconcile())

	a, err = f.artifacts.Get(res.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, artifact.StatusApproved, a.Status)

	// A second reconcile finds nothing to replay
	require.NoError(t, f.coordinator.Reconcile())
}

func TestResubscribeReattachesPendingReviews(t *testing.T) {
	f := newFixture(t)
	f.mock.CompleteFunc = func(_ context.Context, _ provider.Request) (provider.Response, error) {
		return provider.Response{Content: sectionedOutput}, nil
	}

	res := f.runStage(t, artifact.StageREQ, stage.StartRequest{
		ProjectID:          f.project.ID,
		ProjectDescription: "Online bookstore",
	})

	// Rebuild the registry and coordinator over the same database, as a
	// process restart would.
	reviews := review.NewRegistry(f.db)
	artifacts := artifact.NewStore(f.db)
	instructions, err := instruction.NewStore()
	require.NoError(t, err)
	asm := assembler.New(artifacts, instructions, 100_000, 180_000)
	pool := provider.NewPool(provider.PoolOptions{})
	pool.Register(f.mock, 2)

	services := make(map[artifact.Stage]*stage.Service)
	for _, desc := range stage.Descriptors() {
		services[desc.Stage] = stage.NewService(desc, artifacts, reviews, asm, pool, "Claude")
	}
	restarted := NewCoordinator(artifacts, reviews, services)

	require.NoError(t, restarted.Resubscribe())

	_, err = reviews.Decide(res.ReviewID, review.DecisionApproved, "")
	require.NoError(t, err)

	a, err := artifacts.Get(res.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, artifact.StatusApproved, a.Status)
}
