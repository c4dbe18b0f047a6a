// Package artifact defines the pipeline's stage artifacts and their
// SQLite-backed store. An artifact is one stage execution's durable
// record: raw LLM output, the parsed structured form, and the review
// lifecycle projected onto its status.
package artifact

import (
	"strings"
	"time"
)

// Stage identifies a pipeline stage.
type Stage string

// Pipeline stages in execution order.
const (
	StageREQ     Stage = "REQ"
	StagePLAN    Stage = "PLAN"
	StageSTORIES Stage = "STORIES"
	StagePROMPT  Stage = "PROMPT"
)

// Order returns the stage's position in the pipeline, REQ first.
func (s Stage) Order() int {
	switch s {
	case StageREQ:
		return 0
	case StagePLAN:
		return 1
	case StageSTORIES:
		return 2
	case StagePROMPT:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool { return s.Order() >= 0 }

// Parent returns the upstream stage, or "" for REQ.
func (s Stage) Parent() Stage {
	switch s {
	case StagePLAN:
		return StageREQ
	case StageSTORIES:
		return StagePLAN
	case StagePROMPT:
		return StageSTORIES
	default:
		return ""
	}
}

// Status is an artifact's lifecycle state.
type Status string

// Artifact statuses. Processing and PendingReview are non-terminal;
// Approved, Rejected, and Failed are terminal.
const (
	StatusProcessing    Status = "Processing"
	StatusPendingReview Status = "PendingReview"
	StatusApproved      Status = "Approved"
	StatusRejected      Status = "Rejected"
	StatusFailed        Status = "Failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusFailed
}

// CanTransitionTo reports whether the status machine permits s -> next.
// Processing fans out to PendingReview or Failed; PendingReview
// resolves to Approved or Rejected.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusProcessing:
		return next == StatusPendingReview || next == StatusFailed
	case StatusPendingReview:
		return next == StatusApproved || next == StatusRejected
	default:
		return false
	}
}

// Priority ranks a user story.
type Priority string

// Story priorities.
const (
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
	PriorityMedium   Priority = "Medium"
	PriorityLow      Priority = "Low"
)

// ParsePriority normalizes free-form priority text, defaulting to Medium.
func ParsePriority(s string) Priority {
	switch {
	case strings.EqualFold(s, string(PriorityCritical)):
		return PriorityCritical
	case strings.EqualFold(s, string(PriorityHigh)):
		return PriorityHigh
	case strings.EqualFold(s, string(PriorityLow)):
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Project owns a pipeline run. Deleting a project cascades to its
// artifacts and their reviews.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"createdAt"`
}

// StageArtifact is one stage execution record.
type StageArtifact struct {
	ID                   string            `json:"id"`
	ProjectID            string            `json:"projectId"`
	Stage                Stage             `json:"stage"`
	ParentArtifactID     string            `json:"parentArtifactId,omitempty"`
	StoryIndex           *int              `json:"storyIndex,omitempty"`
	Status               Status            `json:"status"`
	ReviewID             string            `json:"reviewId,omitempty"`
	RawOutput            string            `json:"rawOutput,omitempty"`
	Parsed               *ParsedOutput     `json:"parsedOutput,omitempty"`
	TechnicalPreferences map[string]string `json:"technicalPreferences,omitempty"`
	FailureReason        string            `json:"failureReason,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// ParsedOutput carries the stage-specific structured form. Exactly one
// field is set, matching the artifact's stage.
type ParsedOutput struct {
	Requirements *RequirementsDocument `json:"requirements,omitempty"`
	Plan         *ProjectPlan          `json:"plan,omitempty"`
	Stories      []UserStory           `json:"stories,omitempty"`
	Prompt       *PromptPackage        `json:"prompt,omitempty"`
}

// RequirementsDocument is the parsed REQ output: the document's
// markdown sections keyed by header, in original order.
type RequirementsDocument struct {
	Sections []Section `json:"sections"`
}

// ProjectPlan is the parsed PLAN output.
type ProjectPlan struct {
	Sections []Section `json:"sections"`
}

// Section is one markdown section of a stage document.
type Section struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// UserStory is one entry of a STORIES artifact. Story identity is
// (storiesArtifactId, index into Stories).
type UserStory struct {
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Priority           Priority `json:"priority"`
	StoryPoints        int      `json:"storyPoints"`
	Tags               []string `json:"tags,omitempty"`
}

// PromptPackage is the parsed PROMPT output: a self-contained
// implementation prompt for one story.
type PromptPackage struct {
	Objective           string   `json:"objective"`
	Context             string   `json:"context"`
	ImplementationSteps []string `json:"implementationSteps"`
	AcceptanceCriteria  []string `json:"acceptanceCriteria"`
	TechnicalNotes      string   `json:"technicalNotes"`
}
