package instruction

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// LoadOverrides applies template files from dir on top of the embedded
// defaults. Files are matched to templates by base name
// ("requirements_analyzer.tpl.md" overrides RequirementsAnalyzer).
// A file that fails to parse is skipped with a warning; a file whose
// body is missing required sections replaces the snapshot with an
// invalid one so stage starts against it fail loudly instead of
// running a stale default.
func (s *Store) LoadOverrides(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read template override dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tpl.md") {
			continue
		}
		s.loadOverrideFile(filepath.Join(dir, entry.Name()))
	}
	return nil
}

// Watch reloads override files as they change on disk. It blocks until
// the watcher fails or the store is no longer needed; run it on its
// own goroutine.
func (s *Store) Watch(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create template watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch template dir %s: %w", dir, err)
	}
	s.logger.Info("watching template overrides in %s", dir)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !strings.HasSuffix(event.Name, ".tpl.md") {
				continue
			}
			s.loadOverrideFile(event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("template watcher error: %v", err)
		}
	}
}

func (s *Store) loadOverrideFile(path string) {
	name := templateNameForFile(filepath.Base(path))
	if name == "" {
		s.logger.Debug("ignoring unknown template file %s", filepath.Base(path))
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("failed to read template override %s: %v", path, err)
		return
	}

	modified := time.Now().UTC()
	if info, err := os.Stat(path); err == nil {
		modified = info.ModTime().UTC()
	}

	tmpl, err := parseTemplate(name, string(content), modified)
	if err != nil {
		s.logger.Warn("skipping template override %s: %v", path, err)
		return
	}
	if !tmpl.IsValid {
		s.logger.Warn("template override %s is missing required sections, marking invalid", name)
	}

	s.put(tmpl)
	s.logger.Info("loaded template override %s version %s", name, tmpl.Version)
}

// templateNameForFile reverses the templateFiles mapping.
func templateNameForFile(base string) string {
	for name, file := range templateFiles {
		if filepath.Base(file) == base {
			return name
		}
	}
	return ""
}
