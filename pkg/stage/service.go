// Package stage runs the pipeline stages. One generic Service covers
// all four stages; a Descriptor supplies the per-stage parse logic,
// instruction name, and provider tuning.
package stage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"ideaforge/pkg/artifact"
	"ideaforge/pkg/assembler"
	"ideaforge/pkg/logx"
	"ideaforge/pkg/provider"
	"ideaforge/pkg/review"
)

// ErrArgumentInvalid marks a malformed start request.
var ErrArgumentInvalid = errors.New("invalid argument")

// StartRequest names the inputs for one stage run.
type StartRequest struct {
	ProjectID        string
	ParentArtifactID string
	// StoryIndex selects the target story; PROMPT only.
	StoryIndex *int
	// ProjectDescription seeds the REQ prompt; REQ only.
	ProjectDescription   string
	TechnicalPreferences map[string]string
	ExtraHints           string
	// Provider overrides the service's default provider for this run.
	Provider  string
	ModelHint string
}

// StartResult identifies the created artifact and its review.
type StartResult struct {
	ArtifactID string `json:"artifactId"`
	ReviewID   string `json:"reviewId"`
}

// StatusInfo is the status projection returned by GetStatus.
type StatusInfo struct {
	ArtifactID    string          `json:"artifactId"`
	Stage         artifact.Stage  `json:"stage"`
	Status        artifact.Status `json:"status"`
	ReviewID      string          `json:"reviewId,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Service executes one pipeline stage end to end: prompt assembly,
// provider call, parse, and review submission.
type Service struct {
	desc            Descriptor
	artifacts       *artifact.Store
	reviews         *review.Registry
	asm             *assembler.Assembler
	pool            *provider.Pool
	defaultProvider string
	logger          *logx.Logger
}

// NewService creates the service for one stage descriptor.
func NewService(desc Descriptor, artifacts *artifact.Store, reviews *review.Registry,
	asm *assembler.Assembler, pool *provider.Pool, defaultProvider string) *Service {
	return &Service{
		desc:            desc,
		artifacts:       artifacts,
		reviews:         reviews,
		asm:             asm,
		pool:            pool,
		defaultProvider: defaultProvider,
		logger:          logx.NewLogger("stage." + strings.ToLower(string(desc.Stage))),
	}
}

// Stage returns the stage this service runs.
func (s *Service) Stage() artifact.Stage { return s.desc.Stage }

// CanStart reports whether the parent artifact exists and is Approved.
// REQ has no parent; it can start whenever the project exists.
func (s *Service) CanStart(parentID string) (bool, error) {
	if s.desc.Stage == artifact.StageREQ {
		return true, nil
	}
	parent, err := s.artifacts.Get(parentID)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return parent.Stage == s.desc.Stage.Parent() && parent.Status == artifact.StatusApproved, nil
}

// Start runs the full stage step: validate, create the Processing
// artifact, assemble the prompt, call the provider, parse, and submit
// for review. Any failure after artifact creation marks it Failed with
// the cause; the artifact id is still returned so callers can inspect
// it.
func (s *Service) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if _, err := s.artifacts.GetProject(req.ProjectID); err != nil {
		return nil, err
	}

	a := &artifact.StageArtifact{
		ProjectID:            req.ProjectID,
		Stage:                s.desc.Stage,
		ParentArtifactID:     req.ParentArtifactID,
		StoryIndex:           req.StoryIndex,
		TechnicalPreferences: req.TechnicalPreferences,
	}
	if err := s.artifacts.Create(a); err != nil {
		return nil, err
	}
	s.logger.Info("started %s run %s for project %s", s.desc.Stage, a.ID, req.ProjectID)

	asmResult, err := s.asm.Assemble(assembler.Request{
		Stage:              s.desc.Stage,
		ProjectID:          req.ProjectID,
		InstructionName:    s.desc.InstructionName,
		StoryIndex:         req.StoryIndex,
		Preferences:        req.TechnicalPreferences,
		ExtraHints:         req.ExtraHints,
		ProjectDescription: req.ProjectDescription,
	})
	if err != nil {
		return s.fail(a.ID, fmt.Errorf("prompt assembly failed: %w", err))
	}

	providerName := s.defaultProvider
	if req.Provider != "" {
		providerName = req.Provider
	}
	llmReq := provider.NewRequest(asmResult.Prompt)
	llmReq.ModelHint = req.ModelHint
	llmReq.MaxTokens = s.desc.MaxTokens
	llmReq.Temperature = s.desc.Temperature

	resp, err := s.pool.Call(ctx, providerName, llmReq)
	if err != nil {
		return s.fail(a.ID, fmt.Errorf("provider call failed: %w", err))
	}
	s.logger.Debug("%s run %s: provider %s returned %d tokens in %s",
		s.desc.Stage, a.ID, resp.Provider, resp.TokensUsed, resp.Latency)

	parsed, err := s.desc.Parse(resp.Content)
	if err != nil {
		// Keep the raw output around for post-mortem even on parse failure
		_ = s.artifacts.SetOutput(a.ID, resp.Content, nil)
		return s.fail(a.ID, err)
	}
	if err := s.artifacts.SetOutput(a.ID, resp.Content, parsed); err != nil {
		return s.fail(a.ID, err)
	}

	rev, err := s.reviews.Submit(a.ID, string(s.desc.Stage), payloadDigest(resp.Content))
	if err != nil {
		return s.fail(a.ID, fmt.Errorf("review submission failed: %w", err))
	}
	if err := s.artifacts.MarkPendingReview(a.ID, rev.ID); err != nil {
		return s.fail(a.ID, err)
	}
	s.reviews.Subscribe(rev.ID, s.ApplyDecision)

	s.logger.Info("%s run %s awaiting review %s", s.desc.Stage, a.ID, rev.ID)
	return &StartResult{ArtifactID: a.ID, ReviewID: rev.ID}, nil
}

func (s *Service) validate(req StartRequest) error {
	if strings.TrimSpace(req.ProjectID) == "" {
		return fmt.Errorf("%w: project id must not be empty", ErrArgumentInvalid)
	}
	switch s.desc.Stage {
	case artifact.StageREQ:
		if strings.TrimSpace(req.ProjectDescription) == "" {
			return fmt.Errorf("%w: project description must not be empty", ErrArgumentInvalid)
		}
		if req.ParentArtifactID != "" {
			return fmt.Errorf("%w: REQ takes no parent artifact", ErrArgumentInvalid)
		}
	case artifact.StagePROMPT:
		if req.ParentArtifactID == "" {
			return fmt.Errorf("%w: parent artifact id must not be empty", ErrArgumentInvalid)
		}
		if req.StoryIndex == nil || *req.StoryIndex < 0 {
			return fmt.Errorf("%w: story index must be a non-negative integer", ErrArgumentInvalid)
		}
	default:
		if req.ParentArtifactID == "" {
			return fmt.Errorf("%w: parent artifact id must not be empty", ErrArgumentInvalid)
		}
	}
	return nil
}

// payloadDigest fingerprints the output a review is submitted over.
func payloadDigest(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// fail marks the artifact Failed and returns the cause alongside the
// artifact id.
func (s *Service) fail(artifactID string, cause error) (*StartResult, error) {
	s.logger.Warn("%s run %s failed: %v", s.desc.Stage, artifactID, cause)
	if err := s.artifacts.MarkFailed(artifactID, cause.Error()); err != nil {
		s.logger.Error("could not mark artifact %s failed: %v", artifactID, err)
	}
	return &StartResult{ArtifactID: artifactID}, cause
}

// GetStatus returns the artifact's status projection.
func (s *Service) GetStatus(artifactID string) (*StatusInfo, error) {
	a, err := s.get(artifactID)
	if err != nil {
		return nil, err
	}
	return &StatusInfo{
		ArtifactID:    a.ID,
		Stage:         a.Stage,
		Status:        a.Status,
		ReviewID:      a.ReviewID,
		FailureReason: a.FailureReason,
		CreatedAt:     a.CreatedAt,
		UpdatedAt:     a.UpdatedAt,
	}, nil
}

// GetResult returns the parsed output of an Approved artifact.
func (s *Service) GetResult(artifactID string) (*artifact.ParsedOutput, error) {
	a, err := s.get(artifactID)
	if err != nil {
		return nil, err
	}
	if a.Status != artifact.StatusApproved {
		return nil, fmt.Errorf("%w: artifact %s is %s", artifact.ErrNotApproved, artifactID, a.Status)
	}
	return a.Parsed, nil
}

// Count returns the story count of a STORIES artifact.
func (s *Service) Count(artifactID string) (int, error) {
	if s.desc.Stage != artifact.StageSTORIES {
		return 0, fmt.Errorf("%w: count is only defined for STORIES", ErrArgumentInvalid)
	}
	return s.artifacts.StoryCount(artifactID)
}

// StoryAt returns one story of a STORIES artifact by index.
func (s *Service) StoryAt(artifactID string, index int) (*artifact.UserStory, error) {
	if s.desc.Stage != artifact.StageSTORIES {
		return nil, fmt.Errorf("%w: story access is only defined for STORIES", ErrArgumentInvalid)
	}
	return s.artifacts.StoryAt(artifactID, index)
}

// ApplyDecision projects a review decision onto the artifact. This is
// the only path to Approved or Rejected. Safe to re-deliver.
func (s *Service) ApplyDecision(rev review.Review) {
	var next artifact.Status
	switch rev.Decision {
	case review.DecisionApproved:
		next = artifact.StatusApproved
	case review.DecisionRejected:
		next = artifact.StatusRejected
	default:
		return
	}
	if err := s.artifacts.UpdateStatus(rev.ArtifactID, next); err != nil {
		s.logger.Error("could not apply review %s decision to artifact %s: %v",
			rev.ID, rev.ArtifactID, err)
		return
	}
	s.logger.Info("artifact %s %s via review %s", rev.ArtifactID, next, rev.ID)
}

// get loads the artifact and verifies it belongs to this stage.
func (s *Service) get(artifactID string) (*artifact.StageArtifact, error) {
	a, err := s.artifacts.Get(artifactID)
	if err != nil {
		return nil, err
	}
	if a.Stage != s.desc.Stage {
		return nil, fmt.Errorf("%w: artifact %s is %s, expected %s",
			artifact.ErrStageMismatch, artifactID, a.Stage, s.desc.Stage)
	}
	return a, nil
}
