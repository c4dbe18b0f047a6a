package stage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ideaforge/pkg/artifact"
	"ideaforge/pkg/assembler"
	"ideaforge/pkg/instruction"
	"ideaforge/pkg/persistence"
	"ideaforge/pkg/provider"
	"ideaforge/pkg/review"
)

// testHarness wires a full stage stack over a temp database and a
// scripted provider.
type testHarness struct {
	artifacts *artifact.Store
	reviews   *review.Registry
	services  map[artifact.Stage]*Service
	mock      *provider.MockClient
	project   *artifact.Project
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	instructions, err := instruction.NewStore()
	require.NoError(t, err)

	artifacts := artifact.NewStore(db)
	reviews := review.NewRegistry(db)
	asm := assembler.New(artifacts, instructions, 100_000, 180_000)

	mock := &provider.MockClient{ClientName: "Claude", Model: "test-model"}
	pool := provider.NewPool(provider.PoolOptions{})
	pool.Register(mock, 2)

	services := make(map[artifact.Stage]*Service)
	for _, desc := range Descriptors() {
		services[desc.Stage] = NewService(desc, artifacts, reviews, asm, pool, "Claude")
	}

	project, err := artifacts.CreateProject("Bookstore", "Online bookstore")
	require.NoError(t, err)

	return &testHarness{
		artifacts: artifacts,
		reviews:   reviews,
		services:  services,
		mock:      mock,
		project:   project,
	}
}

func respondWith(content string) func(context.Context, provider.Request) (provider.Response, error) {
	return func(_ context.Context, _ provider.Request) (provider.Response, error) {
		return provider.Response{Content: content, TokensUsed: 100}, nil
	}
}

const requirementsOutput = `## Problem Statement

Readers need to buy books online.

## Functional Requirements

1. Browse the catalog.
`

const planOutput = `## Overview

One phase.

## Phases

1. Build everything.
`

const storiesOutput = `### Story 1: Browse catalog

**Description:** As a reader, I want to browse books.

**Acceptance Criteria:**
- Catalog lists all books.

**Priority:** High

**Estimated Complexity:** 5

### Story 2: Add to cart

**Description:** As a reader, I want a cart.

**Acceptance Criteria:**
- Cart count updates.

**Priority:** Medium

**Estimated Complexity:** 3
`

// startAndApprove runs one stage to PendingReview and approves it.
func (h *testHarness) startAndApprove(t *testing.T, st artifact.Stage, req StartRequest, output string) *StartResult {
	t.Helper()
	h.mock.CompleteFunc = respondWith(output)

	res, err := h.services[st].Start(context.Background(), req)
	require.NoError(t, err)

	_, err = h.reviews.Decide(res.ReviewID, review.DecisionApproved, "")
	require.NoError(t, err)
	return res
}

func TestStartRequirementsHappyPath(t *testing.T) {
	h := newHarness(t)
	h.mock.CompleteFunc = respondWith(requirementsOutput)

	res, err := h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.ArtifactID)
	require.NotEmpty(t, res.ReviewID)

	a, err := h.artifacts.Get(res.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, artifact.StatusPendingReview, a.Status)
	require.Equal(t, res.ReviewID, a.ReviewID)
	require.Equal(t, requirementsOutput, a.RawOutput)
	require.NotNil(t, a.Parsed)
	require.Len(t, a.Parsed.Requirements.Sections, 2)

	rev, err := h.reviews.Get(res.ReviewID)
	require.NoError(t, err)
	require.Equal(t, review.DecisionPending, rev.Decision)
	require.Equal(t, res.ArtifactID, rev.ArtifactID)

	// The provider saw the instruction body and the description
	calls := h.mock.Calls()
	require.Len(t, calls, 1)
	require.Contains(t, calls[0].Prompt, "Online bookstore")
	require.Contains(t, calls[0].Prompt, assembler.HeaderDescription)
}

func TestStartValidatesArguments(t *testing.T) {
	h := newHarness(t)

	_, err := h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID: h.project.ID,
	})
	require.ErrorIs(t, err, ErrArgumentInvalid)

	_, err = h.services[artifact.StagePLAN].Start(context.Background(), StartRequest{
		ProjectID: h.project.ID,
	})
	require.ErrorIs(t, err, ErrArgumentInvalid)

	_, err = h.services[artifact.StagePROMPT].Start(context.Background(), StartRequest{
		ProjectID:        h.project.ID,
		ParentArtifactID: "parent",
	})
	require.ErrorIs(t, err, ErrArgumentInvalid)

	_, err = h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          "no-such-project",
		ProjectDescription: "x",
	})
	require.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestStartProviderFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.mock.CompleteFunc = func(_ context.Context, _ provider.Request) (provider.Response, error) {
		return provider.Response{}, provider.NewError(provider.KindAuth, "bad key")
	}

	res, err := h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	require.Error(t, err)
	require.True(t, provider.Is(err, provider.KindAuth))
	require.NotEmpty(t, res.ArtifactID)

	a, getErr := h.artifacts.Get(res.ArtifactID)
	require.NoError(t, getErr)
	require.Equal(t, artifact.StatusFailed, a.Status)
	require.Contains(t, a.FailureReason, "provider call failed")
	require.Empty(t, a.ReviewID)
}

func TestStartParseFailureRetainsRawOutput(t *testing.T) {
	h := newHarness(t)
	h.mock.CompleteFunc = respondWith("free-form prose without any sections")

	res, err := h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	require.ErrorIs(t, err, ErrParse)

	a, getErr := h.artifacts.Get(res.ArtifactID)
	require.NoError(t, getErr)
	require.Equal(t, artifact.StatusFailed, a.Status)
	require.Equal(t, "free-form prose without any sections", a.RawOutput)
	require.Nil(t, a.Parsed)
}

func TestStartDuplicateFailsAlreadyInProgress(t *testing.T) {
	h := newHarness(t)
	h.mock.CompleteFunc = respondWith(requirementsOutput)

	_, err := h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	require.NoError(t, err)

	_, err = h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	require.ErrorIs(t, err, artifact.ErrAlreadyInProgress)
}

func TestDecisionPropagatesToArtifact(t *testing.T) {
	h := newHarness(t)
	h.mock.CompleteFunc = respondWith(requirementsOutput)

	res, err := h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	require.NoError(t, err)

	_, err = h.reviews.Decide(res.ReviewID, review.DecisionApproved, "ship it")
	require.NoError(t, err)

	status, err := h.services[artifact.StageREQ].GetStatus(res.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, artifact.StatusApproved, status.Status)
}

func TestFullPipelineBookstore(t *testing.T) {
	h := newHarness(t)

	reqRes := h.startAndApprove(t, artifact.StageREQ, StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	}, requirementsOutput)

	planRes := h.startAndApprove(t, artifact.StagePLAN, StartRequest{
		ProjectID:        h.project.ID,
		ParentArtifactID: reqRes.ArtifactID,
	}, planOutput)

	// Lineage recorded
	plan, err := h.artifacts.Get(planRes.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, reqRes.ArtifactID, plan.ParentArtifactID)

	storiesRes := h.startAndApprove(t, artifact.StageSTORIES, StartRequest{
		ProjectID:        h.project.ID,
		ParentArtifactID: planRes.ArtifactID,
	}, storiesOutput)

	count, err := h.services[artifact.StageSTORIES].Count(storiesRes.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, 2, count)

	story, err := h.services[artifact.StageSTORIES].StoryAt(storiesRes.ArtifactID, 0)
	require.NoError(t, err)
	require.Equal(t, "Browse catalog", story.Title)

	// getOne at count is out of range
	_, err = h.services[artifact.StageSTORIES].StoryAt(storiesRes.ArtifactID, 2)
	require.ErrorIs(t, err, artifact.ErrOutOfRange)

	idx := 0
	h.mock.CompleteFunc = respondWith(`## Objective

Implement catalog browsing.

## Acceptance Criteria

- Catalog lists all books.
`)
	promptRes, err := h.services[artifact.StagePROMPT].Start(context.Background(), StartRequest{
		ProjectID:            h.project.ID,
		ParentArtifactID:     storiesRes.ArtifactID,
		StoryIndex:           &idx,
		TechnicalPreferences: map[string]string{"language": "Go"},
	})
	require.NoError(t, err)

	// The PROMPT prompt carries all three upstreams and the target story
	calls := h.mock.Calls()
	lastPrompt := calls[len(calls)-1].Prompt
	require.Contains(t, lastPrompt, assembler.HeaderRequirements)
	require.Contains(t, lastPrompt, assembler.HeaderPlan)
	require.Contains(t, lastPrompt, assembler.HeaderStories)
	require.Contains(t, lastPrompt, assembler.HeaderTargetStory)
	require.Contains(t, lastPrompt, "Browse catalog")

	_, err = h.reviews.Decide(promptRes.ReviewID, review.DecisionApproved, "")
	require.NoError(t, err)

	result, err := h.services[artifact.StagePROMPT].GetResult(promptRes.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, "Implement catalog browsing.", result.Prompt.Objective)
}

func TestStartPlanWithoutApprovedParent(t *testing.T) {
	h := newHarness(t)
	h.mock.CompleteFunc = respondWith(requirementsOutput)

	res, err := h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	require.NoError(t, err)

	// Parent is PendingReview, not Approved
	_, err = h.services[artifact.StagePLAN].Start(context.Background(), StartRequest{
		ProjectID:        h.project.ID,
		ParentArtifactID: res.ArtifactID,
	})
	require.ErrorIs(t, err, artifact.ErrParentNotApproved)
}

func TestRejectedParentBlocksDownstream(t *testing.T) {
	h := newHarness(t)
	h.mock.CompleteFunc = respondWith(requirementsOutput)

	res, err := h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	require.NoError(t, err)
	_, err = h.reviews.Decide(res.ReviewID, review.DecisionRejected, "not enough detail")
	require.NoError(t, err)

	ok, err := h.services[artifact.StagePLAN].CanStart(res.ArtifactID)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = h.services[artifact.StagePLAN].Start(context.Background(), StartRequest{
		ProjectID:        h.project.ID,
		ParentArtifactID: res.ArtifactID,
	})
	require.ErrorIs(t, err, artifact.ErrParentNotApproved)
}

func TestGetResultRequiresApproval(t *testing.T) {
	h := newHarness(t)
	h.mock.CompleteFunc = respondWith(requirementsOutput)

	res, err := h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	require.NoError(t, err)

	_, err = h.services[artifact.StageREQ].GetResult(res.ArtifactID)
	require.ErrorIs(t, err, artifact.ErrNotApproved)
}

func TestGetStatusStageMismatch(t *testing.T) {
	h := newHarness(t)
	h.mock.CompleteFunc = respondWith(requirementsOutput)

	res, err := h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	require.NoError(t, err)

	_, err = h.services[artifact.StagePLAN].GetStatus(res.ArtifactID)
	require.ErrorIs(t, err, artifact.ErrStageMismatch)
}

func TestCancelledCallMarksFailed(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.mock.CompleteFunc = func(callCtx context.Context, _ provider.Request) (provider.Response, error) {
		cancel()
		<-callCtx.Done()
		return provider.Response{}, provider.Classify("Claude", 0, callCtx.Err())
	}

	res, err := h.services[artifact.StageREQ].Start(ctx, StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	require.Error(t, err)

	a, getErr := h.artifacts.Get(res.ArtifactID)
	require.NoError(t, getErr)
	require.Equal(t, artifact.StatusFailed, a.Status)
	require.Contains(t, a.FailureReason, "Cancelled",
		"cancellation must not be reported as a timeout")
	require.Empty(t, a.ReviewID, "cancelled runs must not submit a review")
}

func TestDecisionIdempotentAcrossRedelivery(t *testing.T) {
	h := newHarness(t)
	h.mock.CompleteFunc = respondWith(requirementsOutput)

	res, err := h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	require.NoError(t, err)

	rev, err := h.reviews.Get(res.ReviewID)
	require.NoError(t, err)
	rev.Decision = review.DecisionApproved

	// Direct re-application (as Reconcile does) is safe
	h.services[artifact.StageREQ].ApplyDecision(*rev)
	h.services[artifact.StageREQ].ApplyDecision(*rev)

	status, err := h.services[artifact.StageREQ].GetStatus(res.ArtifactID)
	require.NoError(t, err)
	require.Equal(t, artifact.StatusApproved, status.Status)
}

func TestErrorsAreClassified(t *testing.T) {
	h := newHarness(t)
	h.mock.CompleteFunc = func(_ context.Context, _ provider.Request) (provider.Response, error) {
		return provider.Response{}, provider.NewErrorWithStatus(provider.KindRateLimited, 429, "slow down")
	}

	_, err := h.services[artifact.StageREQ].Start(context.Background(), StartRequest{
		ProjectID:          h.project.ID,
		ProjectDescription: "Online bookstore",
	})
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, provider.KindRateLimited, pe.Kind)
}

func TestDescriptorsCoverAllStages(t *testing.T) {
	descs := Descriptors()
	require.Len(t, descs, 4)

	seen := map[artifact.Stage]bool{}
	for _, d := range descs {
		require.NotNil(t, d.Parse)
		require.NotEmpty(t, d.InstructionName)
		require.Positive(t, d.MaxTokens)
		seen[d.Stage] = true
	}
	require.True(t, seen[artifact.StageREQ])
	require.True(t, seen[artifact.StagePROMPT])

	_, ok := DescriptorFor(artifact.StagePLAN)
	require.True(t, ok)
	_, ok = DescriptorFor(artifact.Stage("BOGUS"))
	require.False(t, ok)
}
