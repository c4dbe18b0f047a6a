// Package instruction provides named, versioned instruction templates
// for the pipeline stages. Templates are embedded defaults, optionally
// overridden from a watched directory, and always read as immutable
// snapshots.
package instruction

import (
	"embed"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"ideaforge/pkg/logx"
)

//go:embed templates/*.tpl.md
var templateFS embed.FS

// Template names, one per pipeline stage.
const (
	RequirementsAnalyzer = "RequirementsAnalyzer"
	ProjectPlanner       = "ProjectPlanner"
	StoryGenerator       = "StoryGenerator"
	PromptGenerator      = "PromptGenerator"
)

// templateFiles maps template names to their embedded default files.
//
//nolint:gochecknoglobals // Static name -> file mapping
var templateFiles = map[string]string{
	RequirementsAnalyzer: "templates/requirements_analyzer.tpl.md",
	ProjectPlanner:       "templates/project_planner.tpl.md",
	StoryGenerator:       "templates/story_generator.tpl.md",
	PromptGenerator:      "templates/prompt_generator.tpl.md",
}

// ErrNotFound is returned when no template is registered under a name.
var ErrNotFound = fmt.Errorf("instruction template not found")

// Template is an immutable snapshot of one instruction template.
type Template struct {
	Name             string
	Version          string
	Body             string
	RequiredSections []string
	LastModified     time.Time
	IsValid          bool
}

// Store holds the loaded templates. Reads return the current snapshot;
// reloads swap the snapshot atomically under the lock.
type Store struct {
	mu        sync.RWMutex
	templates map[string]Template
	logger    *logx.Logger
}

// NewStore loads the embedded default templates. The embedded defaults
// are compiled in and must parse; a failure here is a packaging bug.
func NewStore() (*Store, error) {
	s := &Store{
		templates: make(map[string]Template, len(templateFiles)),
		logger:    logx.NewLogger("instruction"),
	}

	for name, file := range templateFiles {
		content, err := templateFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read embedded template %s: %w", file, err)
		}
		tmpl, err := parseTemplate(name, string(content), time.Now().UTC())
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedded template %s: %w", file, err)
		}
		if !tmpl.IsValid {
			return nil, fmt.Errorf("embedded template %s is missing required sections", name)
		}
		s.templates[name] = tmpl
	}

	return s, nil
}

// Get returns the named template snapshot. Invalid templates are still
// returned; stage services check IsValid and refuse them.
func (s *Store) Get(name string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tmpl, ok := s.templates[name]
	if !ok {
		return Template{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return tmpl, nil
}

// Names returns the known template names.
func (s *Store) Names() []string {
	names := make([]string, 0, len(templateFiles))
	for name := range templateFiles {
		names = append(names, name)
	}
	return names
}

// put replaces one template snapshot.
func (s *Store) put(tmpl Template) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[tmpl.Name] = tmpl
}

// sectionHeaderPattern matches markdown section headers: "## Heading".
var sectionHeaderPattern = regexp.MustCompile(`^#{1,6}\s+(.+?)\s*$`)

// validateSections checks that every required section appears as a
// recognizable markdown header in the body. Matching is
// case-insensitive on the full header text.
func validateSections(body string, required []string) bool {
	headers := make(map[string]bool)
	for _, line := range strings.Split(body, "\n") {
		if m := sectionHeaderPattern.FindStringSubmatch(line); m != nil {
			headers[strings.ToLower(m[1])] = true
		}
	}
	for _, section := range required {
		if !headers[strings.ToLower(section)] {
			return false
		}
	}
	return true
}
