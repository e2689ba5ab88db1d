// Package pattern compiles per-agent channel name patterns into matchers.
//
// Patterns are case-insensitive and anchored to the full channel name.
// Three forms are supported:
//
//	general    exact name
//	tech-*     wildcard, * matches any run of characters
//	advice-    trailing dash, shorthand for the prefix form advice-*
package pattern

import (
	"fmt"
	"regexp"
	"strings"
)

// Matcher holds one agent's compiled channel patterns. A match is the union
// over all patterns; order is irrelevant. An empty pattern set matches
// nothing.
type Matcher struct {
	exact    map[string]struct{}
	prefixes []string
	globs    []*regexp.Regexp
}

// Compile builds a Matcher from raw pattern strings. Called once per agent at
// load time; an invalid pattern is a configuration error.
func Compile(patterns []string) (*Matcher, error) {
	m := &Matcher{exact: make(map[string]struct{}, len(patterns))}

	for _, raw := range patterns {
		p := strings.ToLower(strings.TrimSpace(raw))
		if p == "" {
			return nil, fmt.Errorf("empty channel pattern")
		}

		switch {
		case strings.Contains(p, "*"):
			re, err := compileGlob(p)
			if err != nil {
				return nil, fmt.Errorf("channel pattern %q: %w", raw, err)
			}
			m.globs = append(m.globs, re)
		case strings.HasSuffix(p, "-"):
			m.prefixes = append(m.prefixes, p[:len(p)-1])
		default:
			m.exact[p] = struct{}{}
		}
	}

	return m, nil
}

// MustCompile is Compile for patterns known valid, panicking otherwise.
func MustCompile(patterns []string) *Matcher {
	m, err := Compile(patterns)
	if err != nil {
		panic(err)
	}
	return m
}

func compileGlob(p string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for i, part := range strings.Split(p, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// Match reports whether the channel name matches any compiled pattern.
// Matching is pure: identical inputs always yield identical results.
func (m *Matcher) Match(channelName string) bool {
	name := strings.ToLower(channelName)
	if name == "" {
		return false
	}

	if _, ok := m.exact[name]; ok {
		return true
	}
	for _, prefix := range m.prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	for _, re := range m.globs {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Empty reports whether the matcher has no patterns at all.
func (m *Matcher) Empty() bool {
	return len(m.exact) == 0 && len(m.prefixes) == 0 && len(m.globs) == 0
}
