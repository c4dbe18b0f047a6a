package stage

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"ideaforge/pkg/artifact"
)

// ErrParse is wrapped by all parser failures.
var ErrParse = errors.New("failed to parse stage output")

var (
	sectionPattern  = regexp.MustCompile(`^##\s+(.+?)\s*$`)
	storyPattern    = regexp.MustCompile(`^###\s+(?:Story\s+\d+\s*:\s*)?(.+?)\s*$`)
	fieldPattern    = regexp.MustCompile(`^\*\*([^*]+):\*\*\s*(.*)$`)
	bulletPattern   = regexp.MustCompile(`^[-*]\s+(.+)$`)
	numberedPattern = regexp.MustCompile(`^\d+[.)]\s+(.+)$`)
	pointsPattern   = regexp.MustCompile(`\d+`)
)

// splitSections breaks markdown into "## Header" sections, ignoring
// headers inside fenced code blocks. Text before the first header is
// dropped; models often emit a preamble.
func splitSections(raw string) []artifact.Section {
	var (
		sections    []artifact.Section
		current     *artifact.Section
		body        []string
		inCodeBlock bool
	)

	flush := func() {
		if current != nil {
			current.Body = strings.TrimSpace(strings.Join(body, "\n"))
			sections = append(sections, *current)
		}
		body = nil
	}

	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inCodeBlock = !inCodeBlock
		}
		if !inCodeBlock {
			if m := sectionPattern.FindStringSubmatch(line); m != nil {
				flush()
				current = &artifact.Section{Title: m[1]}
				continue
			}
		}
		if current != nil {
			body = append(body, line)
		}
	}
	flush()
	return sections
}

// parseRequirements parses REQ output into its markdown sections.
func parseRequirements(raw string) (*artifact.ParsedOutput, error) {
	sections := splitSections(raw)
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: requirements document has no sections", ErrParse)
	}
	return &artifact.ParsedOutput{
		Requirements: &artifact.RequirementsDocument{Sections: sections},
	}, nil
}

// parsePlan parses PLAN output into its markdown sections.
func parsePlan(raw string) (*artifact.ParsedOutput, error) {
	sections := splitSections(raw)
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: project plan has no sections", ErrParse)
	}
	return &artifact.ParsedOutput{
		Plan: &artifact.ProjectPlan{Sections: sections},
	}, nil
}

// parseStories parses STORIES output: a section-delimited story list
// with Title, Description, Acceptance Criteria, Priority, and Estimated
// Complexity fields. Missing optional fields default (Priority Medium,
// 3 points); a story without a title or description is rejected.
//
//nolint:funlen,gocognit // Line-oriented state machine reads better unsplit
func parseStories(raw string) (*artifact.ParsedOutput, error) {
	var (
		stories     []artifact.UserStory
		current     *artifact.UserStory
		inCriteria  bool
		inCodeBlock bool
	)

	flush := func() error {
		if current == nil {
			return nil
		}
		if strings.TrimSpace(current.Title) == "" || strings.TrimSpace(current.Description) == "" {
			return fmt.Errorf("%w: story %d is missing a title or description", ErrParse, len(stories)+1)
		}
		if current.Priority == "" {
			current.Priority = artifact.PriorityMedium
		}
		if current.StoryPoints == 0 {
			current.StoryPoints = 3
		}
		stories = append(stories, *current)
		current = nil
		return nil
	}

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inCodeBlock = !inCodeBlock
			continue
		}
		if inCodeBlock {
			continue
		}

		if m := storyPattern.FindStringSubmatch(line); m != nil {
			if err := flush(); err != nil {
				return nil, err
			}
			current = &artifact.UserStory{Title: m[1]}
			inCriteria = false
			continue
		}
		if current == nil {
			continue
		}

		if m := fieldPattern.FindStringSubmatch(trimmed); m != nil {
			field, value := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
			inCriteria = false
			switch {
			case strings.EqualFold(field, "Description"):
				current.Description = value
			case strings.EqualFold(field, "Acceptance Criteria"):
				inCriteria = true
			case strings.EqualFold(field, "Priority"):
				current.Priority = artifact.ParsePriority(value)
			case strings.EqualFold(field, "Estimated Complexity"),
				strings.EqualFold(field, "Story Points"):
				if n := pointsPattern.FindString(value); n != "" {
					points, _ := strconv.Atoi(n)
					current.StoryPoints = points
				}
			case strings.EqualFold(field, "Tags"):
				for _, tag := range strings.Split(value, ",") {
					if t := strings.TrimSpace(tag); t != "" {
						current.Tags = append(current.Tags, t)
					}
				}
			}
			continue
		}

		if m := bulletPattern.FindStringSubmatch(trimmed); m != nil && inCriteria {
			current.AcceptanceCriteria = append(current.AcceptanceCriteria, strings.TrimSpace(m[1]))
			continue
		}

		// Unlabeled prose directly under the story header is its description
		if trimmed != "" && current.Description == "" {
			current.Description = trimmed
		}
	}

	if err := flush(); err != nil {
		return nil, err
	}
	if len(stories) == 0 {
		return nil, fmt.Errorf("%w: no stories found in output", ErrParse)
	}
	return &artifact.ParsedOutput{Stories: stories}, nil
}

// parsePrompt parses PROMPT output into a PromptPackage. Objective is
// mandatory; the remaining sections default to empty.
func parsePrompt(raw string) (*artifact.ParsedOutput, error) {
	sections := splitSections(raw)
	if len(sections) == 0 {
		return nil, fmt.Errorf("%w: prompt package has no sections", ErrParse)
	}

	pkg := &artifact.PromptPackage{}
	for _, sec := range sections {
		switch {
		case strings.EqualFold(sec.Title, "Objective"):
			pkg.Objective = sec.Body
		case strings.EqualFold(sec.Title, "Context"):
			pkg.Context = sec.Body
		case strings.EqualFold(sec.Title, "Implementation Steps"):
			pkg.ImplementationSteps = listItems(sec.Body)
		case strings.EqualFold(sec.Title, "Acceptance Criteria"):
			pkg.AcceptanceCriteria = listItems(sec.Body)
		case strings.EqualFold(sec.Title, "Technical Notes"):
			pkg.TechnicalNotes = sec.Body
		}
	}
	if strings.TrimSpace(pkg.Objective) == "" {
		return nil, fmt.Errorf("%w: prompt package has no Objective section", ErrParse)
	}
	return &artifact.ParsedOutput{Prompt: pkg}, nil
}

// listItems extracts bulleted or numbered list entries; non-list text
// becomes a single entry.
func listItems(body string) []string {
	var items []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := bulletPattern.FindStringSubmatch(trimmed); m != nil {
			items = append(items, strings.TrimSpace(m[1]))
		} else if m := numberedPattern.FindStringSubmatch(trimmed); m != nil {
			items = append(items, strings.TrimSpace(m[1]))
		}
	}
	if len(items) == 0 && strings.TrimSpace(body) != "" {
		items = []string{strings.TrimSpace(body)}
	}
	return items
}
