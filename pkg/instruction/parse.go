package instruction

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// frontmatter is the YAML header carried at the top of every template
// file between "---" markers.
type frontmatter struct {
	Name             string   `yaml:"name"`
	Version          string   `yaml:"version"`
	RequiredSections []string `yaml:"required_sections"`
}

// parseTemplate splits the frontmatter from the body, unmarshals the
// metadata, and validates required sections against the body.
func parseTemplate(name, content string, modified time.Time) (Template, error) {
	fmRaw, body, err := splitFrontmatter(content)
	if err != nil {
		return Template{}, err
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(fmRaw), &fm); err != nil {
		return Template{}, fmt.Errorf("failed to parse template frontmatter: %w", err)
	}
	if fm.Name != "" && fm.Name != name {
		return Template{}, fmt.Errorf("template frontmatter names %q, expected %q", fm.Name, name)
	}
	if fm.Version == "" {
		return Template{}, fmt.Errorf("template %s has no version", name)
	}

	return Template{
		Name:             name,
		Version:          fm.Version,
		Body:             body,
		RequiredSections: fm.RequiredSections,
		LastModified:     modified,
		IsValid:          validateSections(body, fm.RequiredSections),
	}, nil
}

// splitFrontmatter separates YAML frontmatter from markdown content.
// The file must start with "---" on its own line and carry a matching
// closing marker.
func splitFrontmatter(content string) (string, string, error) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return "", "", fmt.Errorf("template missing frontmatter start marker")
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			fm := strings.Join(lines[1:i], "\n")
			body := strings.Join(lines[i+1:], "\n")
			return fm, strings.TrimLeft(body, "\n"), nil
		}
	}
	return "", "", fmt.Errorf("template missing frontmatter end marker")
}
