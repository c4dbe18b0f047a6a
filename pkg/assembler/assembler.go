// Package assembler composes stage prompts from the instruction
// template, approved upstream artifacts, and caller-supplied context.
// Section order and headers are fixed; downstream parsers and test
// fixtures key off them.
package assembler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"ideaforge/pkg/artifact"
	"ideaforge/pkg/instruction"
	"ideaforge/pkg/logx"
	"ideaforge/pkg/tokens"
)

// Literal section headers, stable across versions.
const (
	HeaderRequirements = "# Requirements Analysis Content"
	HeaderPlan         = "# Project Planning Content"
	HeaderStories      = "# User Stories Content"
	HeaderTargetStory  = "# Target User Story"
	HeaderDescription  = "# Project Description"
	HeaderPreferences  = "# User Preferences"
	HeaderHints        = "# Additional Context"
)

// Sentinel errors.
var (
	// ErrPrerequisiteMissing: a required upstream artifact is absent
	// or not Approved.
	ErrPrerequisiteMissing = errors.New("prerequisite artifact missing or not approved")

	// ErrInstructionInvalid: the stage's instruction template failed
	// required-section validation.
	ErrInstructionInvalid = errors.New("instruction template invalid")

	// ErrBudgetExceeded: the assembled prompt crossed the hard token
	// ceiling.
	ErrBudgetExceeded = errors.New("assembled prompt exceeds token ceiling")
)

// Request names everything the assembler needs for one prompt.
type Request struct {
	Stage           artifact.Stage
	ProjectID       string
	InstructionName string
	// StoryIndex selects the target story for PROMPT assembly.
	StoryIndex  *int
	Preferences map[string]string
	ExtraHints  string
	// ProjectDescription seeds REQ assembly, which has no upstreams.
	ProjectDescription string
}

// Metadata describes an assembled prompt.
type Metadata struct {
	TokenEstimate   int      `json:"tokenEstimate"`
	SourceArtifacts []string `json:"sourceArtifacts"`
	Warning         string   `json:"warning,omitempty"`
}

// Result is an assembled prompt plus its metadata.
type Result struct {
	Prompt string
	Meta   Metadata
}

// Assembler builds prompts over the artifact store and instruction store.
type Assembler struct {
	artifacts    *artifact.Store
	instructions *instruction.Store
	softBudget   int
	hardCeiling  int
	logger       *logx.Logger
}

// New creates an Assembler. softBudget triggers a metadata warning;
// hardCeiling aborts assembly.
func New(artifacts *artifact.Store, instructions *instruction.Store, softBudget, hardCeiling int) *Assembler {
	return &Assembler{
		artifacts:    artifacts,
		instructions: instructions,
		softBudget:   softBudget,
		hardCeiling:  hardCeiling,
		logger:       logx.NewLogger("assembler"),
	}
}

// upstreamStages returns the required upstream stages in pipeline
// order, oldest first.
func upstreamStages(stage artifact.Stage) []artifact.Stage {
	switch stage {
	case artifact.StagePLAN:
		return []artifact.Stage{artifact.StageREQ}
	case artifact.StageSTORIES:
		return []artifact.Stage{artifact.StageREQ, artifact.StagePLAN}
	case artifact.StagePROMPT:
		return []artifact.Stage{artifact.StageREQ, artifact.StagePLAN, artifact.StageSTORIES}
	default:
		return nil
	}
}

// Assemble builds the prompt for one stage run.
func (a *Assembler) Assemble(req Request) (*Result, error) {
	tmpl, err := a.instructions.Get(req.InstructionName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInstructionInvalid, err)
	}
	if !tmpl.IsValid {
		return nil, fmt.Errorf("%w: template %s is missing required sections",
			ErrInstructionInvalid, tmpl.Name)
	}

	var (
		parts   []string
		sources []string
	)
	parts = append(parts, strings.TrimSpace(tmpl.Body))

	if req.Stage == artifact.StageREQ && req.ProjectDescription != "" {
		parts = append(parts, section(HeaderDescription, req.ProjectDescription))
	}

	var storiesArtifact *artifact.StageArtifact
	for _, upstream := range upstreamStages(req.Stage) {
		up, err := a.artifacts.FindApproved(req.ProjectID, upstream)
		if err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				return nil, fmt.Errorf("%w: no approved %s for project %s",
					ErrPrerequisiteMissing, upstream, req.ProjectID)
			}
			return nil, err
		}
		parts = append(parts, section(upstreamHeader(upstream), renderUpstream(up)))
		sources = append(sources, up.ID)
		if upstream == artifact.StageSTORIES {
			storiesArtifact = up
		}
	}

	if req.Stage == artifact.StagePROMPT {
		target, err := a.targetStory(storiesArtifact, req.StoryIndex)
		if err != nil {
			return nil, err
		}
		parts = append(parts, section(HeaderTargetStory, target))
	}

	if len(req.Preferences) > 0 {
		parts = append(parts, section(HeaderPreferences, renderPreferences(req.Preferences)))
	}
	if strings.TrimSpace(req.ExtraHints) != "" {
		parts = append(parts, section(HeaderHints, req.ExtraHints))
	}

	prompt := strings.Join(parts, "\n\n") + "\n"
	estimate := tokens.Estimate(prompt)

	meta := Metadata{TokenEstimate: estimate, SourceArtifacts: sources}
	if estimate > a.hardCeiling {
		return nil, fmt.Errorf("%w: estimated %d tokens, ceiling %d",
			ErrBudgetExceeded, estimate, a.hardCeiling)
	}
	if estimate > a.softBudget {
		meta.Warning = fmt.Sprintf("estimated %d tokens exceeds budget of %d", estimate, a.softBudget)
		a.logger.Warn("%s assembly for project %s: %s", req.Stage, req.ProjectID, meta.Warning)
	}

	a.logger.Debug("%s prompt assembled for project %s: ~%d tokens, %d upstream artifacts",
		req.Stage, req.ProjectID, estimate, len(sources))
	return &Result{Prompt: prompt, Meta: meta}, nil
}

func (a *Assembler) targetStory(stories *artifact.StageArtifact, index *int) (string, error) {
	if stories == nil {
		return "", fmt.Errorf("%w: no approved STORIES artifact", ErrPrerequisiteMissing)
	}
	if index == nil {
		return "", fmt.Errorf("story index required for PROMPT assembly")
	}
	count := 0
	if stories.Parsed != nil {
		count = len(stories.Parsed.Stories)
	}
	if *index < 0 || *index >= count {
		return "", fmt.Errorf("%w: index %d, story count %d", artifact.ErrOutOfRange, *index, count)
	}
	return renderStory(stories.Parsed.Stories[*index]), nil
}

func upstreamHeader(stage artifact.Stage) string {
	switch stage {
	case artifact.StageREQ:
		return HeaderRequirements
	case artifact.StagePLAN:
		return HeaderPlan
	default:
		return HeaderStories
	}
}

func section(header, body string) string {
	return header + "\n\n" + strings.TrimSpace(body)
}

// renderUpstream regenerates markdown from the artifact's parsed form
// so prompts stay deterministic even when the raw output carried
// preamble. Raw output is the fallback when no parsed form exists.
func renderUpstream(a *artifact.StageArtifact) string {
	if a.Parsed == nil {
		return a.RawOutput
	}
	switch {
	case a.Parsed.Requirements != nil:
		return renderSections(a.Parsed.Requirements.Sections)
	case a.Parsed.Plan != nil:
		return renderSections(a.Parsed.Plan.Sections)
	case a.Parsed.Stories != nil:
		var sb strings.Builder
		for i, story := range a.Parsed.Stories {
			if i > 0 {
				sb.WriteString("\n\n")
			}
			sb.WriteString(fmt.Sprintf("### Story %d: %s\n\n", i+1, story.Title))
			sb.WriteString(renderStoryBody(story))
		}
		return sb.String()
	default:
		return a.RawOutput
	}
}

func renderSections(sections []artifact.Section) string {
	var sb strings.Builder
	for i, sec := range sections {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString("## " + sec.Title + "\n\n" + strings.TrimSpace(sec.Body))
	}
	return sb.String()
}

func renderStory(story artifact.UserStory) string {
	return "### " + story.Title + "\n\n" + renderStoryBody(story)
}

func renderStoryBody(story artifact.UserStory) string {
	var sb strings.Builder
	sb.WriteString("**Description:** " + story.Description + "\n\n")
	sb.WriteString("**Acceptance Criteria:**\n")
	for _, ac := range story.AcceptanceCriteria {
		sb.WriteString("- " + ac + "\n")
	}
	sb.WriteString("\n**Priority:** " + string(story.Priority) + "\n\n")
	sb.WriteString(fmt.Sprintf("**Estimated Complexity:** %d", story.StoryPoints))
	return sb.String()
}

// renderPreferences emits key/value preferences in a stable order.
func renderPreferences(prefs map[string]string) string {
	keys := make([]string, 0, len(prefs))
	for k := range prefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString("- " + k + ": " + prefs[k] + "\n")
	}
	return sb.String()
}
