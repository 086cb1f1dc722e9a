package archive

import (
	"path"
	"strings"
)

// Matcher decides whether a slash-separated path relative to a tree root is excluded.
//
// Patterns ending with "/" exclude a directory and everything below it.
// Patterns without a slash match the base name at any depth.
// Other patterns match the whole relative path with path.Match syntax.
type Matcher struct {
	patterns []string
}

// NewMatcher creates a matcher from the patterns. Empty patterns are ignored.
func NewMatcher(patterns ...string) *Matcher {
	m := &Matcher{patterns: make([]string, 0, len(patterns))}

	for _, pattern := range patterns {
		pattern = strings.TrimPrefix(strings.TrimSpace(pattern), "./")
		if pattern == "" || pattern == "/" {
			continue
		}

		m.patterns = append(m.patterns, pattern)
	}

	return m
}

// Match reports whether rel is excluded. A nil matcher excludes nothing.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if m == nil {
		return false
	}

	rel = strings.TrimPrefix(path.Clean("/"+rel), "/")

	for _, pattern := range m.patterns {
		if matchPattern(pattern, rel, isDir) {
			return true
		}
	}

	return false
}

func matchPattern(pattern, rel string, isDir bool) bool {
	if dir, ok := strings.CutSuffix(pattern, "/"); ok {
		if isDir && globMatch(dir, rel) {
			return true
		}

		// Entries below an excluded directory.
		for parent := path.Dir(rel); parent != "." && parent != "/"; parent = path.Dir(parent) {
			if globMatch(dir, parent) {
				return true
			}
		}

		return false
	}

	if !strings.Contains(pattern, "/") {
		return globMatch(pattern, path.Base(rel))
	}

	return globMatch(pattern, rel)
}

func globMatch(pattern, name string) bool {
	matched, err := path.Match(pattern, name)

	return err == nil && matched
}
