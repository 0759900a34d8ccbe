package watcher

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ignoreSet filters raw events by doublestar patterns evaluated against the
// slash-separated path relative to the watch root. A pattern that matches a
// directory also excludes everything below it, and patterns without a slash
// match a single path component at any depth.
type ignoreSet struct {
	patterns []string
}

func newIgnoreSet(patterns []string) (*ignoreSet, error) {
	cleaned := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		pattern = strings.TrimSuffix(filepath.ToSlash(pattern), "/")
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid ignore pattern %q: %w", pattern, doublestar.ErrBadPattern)
		}
		cleaned = append(cleaned, pattern)
	}
	return &ignoreSet{patterns: cleaned}, nil
}

func (set *ignoreSet) empty() bool {
	return set == nil || len(set.patterns) == 0
}

func (set *ignoreSet) matches(root, path string) bool {
	if set.empty() {
		return false
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	if rel == ".." || strings.HasPrefix(rel, "../") {
		return false
	}

	segments := strings.Split(rel, "/")
	for index := range segments {
		prefix := strings.Join(segments[:index+1], "/")
		for _, pattern := range set.patterns {
			if matched, _ := doublestar.Match(pattern, prefix); matched {
				return true
			}
			if !strings.Contains(pattern, "/") {
				if matched, _ := doublestar.Match(pattern, segments[index]); matched {
					return true
				}
			}
		}
	}
	return false
}
