// Package pipeline provides stateless queries over the stage chain and
// startup reconciliation of review decisions.
package pipeline

import (
	"errors"

	"ideaforge/pkg/artifact"
	"ideaforge/pkg/logx"
	"ideaforge/pkg/review"
	"ideaforge/pkg/stage"
)

// StageCounts is the per-stage roll-up for one project.
type StageCounts struct {
	Total    int `json:"total"`
	Approved int `json:"approved"`
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
}

// Coordinator composes over the artifact store and the stage services.
// It holds no state of its own.
type Coordinator struct {
	artifacts *artifact.Store
	reviews   *review.Registry
	services  map[artifact.Stage]*stage.Service
	logger    *logx.Logger
}

// NewCoordinator creates a Coordinator over the stores and stage services.
func NewCoordinator(artifacts *artifact.Store, reviews *review.Registry,
	services map[artifact.Stage]*stage.Service) *Coordinator {
	return &Coordinator{
		artifacts: artifacts,
		reviews:   reviews,
		services:  services,
		logger:    logx.NewLogger("pipeline"),
	}
}

// Service returns the stage service for a stage, or nil.
func (c *Coordinator) Service(s artifact.Stage) *stage.Service {
	return c.services[s]
}

// CanProgress reports whether all upstream stages required by
// targetStage have an Approved artifact in the project.
func (c *Coordinator) CanProgress(projectID string, targetStage artifact.Stage) (bool, error) {
	if !targetStage.Valid() {
		return false, nil
	}
	for s := targetStage.Parent(); s != ""; s = s.Parent() {
		_, err := c.artifacts.FindApproved(projectID, s)
		if errors.Is(err, artifact.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

// LatestApproved returns the most recently approved artifact id for the
// project and stage, or "" when none exists.
func (c *Coordinator) LatestApproved(projectID string, s artifact.Stage) (string, error) {
	a, err := c.artifacts.FindApproved(projectID, s)
	if errors.Is(err, artifact.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return a.ID, nil
}

// Progress returns the per-stage artifact roll-up for one project.
func (c *Coordinator) Progress(projectID string) (map[artifact.Stage]StageCounts, error) {
	if _, err := c.artifacts.GetProject(projectID); err != nil {
		return nil, err
	}
	all, err := c.artifacts.ListByProject(projectID)
	if err != nil {
		return nil, err
	}

	progress := map[artifact.Stage]StageCounts{
		artifact.StageREQ:     {},
		artifact.StagePLAN:    {},
		artifact.StageSTORIES: {},
		artifact.StagePROMPT:  {},
	}
	for _, a := range all {
		counts := progress[a.Stage]
		counts.Total++
		switch a.Status {
		case artifact.StatusApproved:
			counts.Approved++
		case artifact.StatusProcessing, artifact.StatusPendingReview:
			counts.Pending++
		case artifact.StatusFailed:
			counts.Failed++
		case artifact.StatusRejected:
			// Counted in Total only
		}
		progress[a.Stage] = counts
	}
	return progress, nil
}

// Reconcile replays review decisions that landed while no stage
// service was listening, projecting them onto their artifacts. Run
// once at startup after the services are wired.
func (c *Coordinator) Reconcile() error {
	return c.reviews.Reconcile(func(rev review.Review) {
		svc, ok := c.services[artifact.Stage(rev.Stage)]
		if !ok {
			c.logger.Warn("review %s references unknown stage %s", rev.ID, rev.Stage)
			return
		}
		svc.ApplyDecision(rev)
	})
}

// Resubscribe re-registers decision subscriptions for every pending
// review so in-flight reviews keep propagating after a restart.
func (c *Coordinator) Resubscribe() error {
	pending, err := c.reviews.ListPending()
	if err != nil {
		return err
	}
	for _, rev := range pending {
		svc, ok := c.services[artifact.Stage(rev.Stage)]
		if !ok {
			continue
		}
		c.reviews.Subscribe(rev.ID, svc.ApplyDecision)
	}
	c.logger.Info("resubscribed to %d pending reviews", len(pending))
	return nil
}
