package bridge

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters forwarded publications using glob patterns
type GlobFilter struct {
	exchangeGlobs []glob.Glob
	subjectGlobs  []glob.Glob
}

// NewGlobFilter creates a new glob-based filter
// Empty patterns match everything
func NewGlobFilter(exchangePatterns, subjectPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		exchangeGlobs: make([]glob.Glob, 0, len(exchangePatterns)),
		subjectGlobs:  make([]glob.Glob, 0, len(subjectPatterns)),
	}

	for _, pattern := range exchangePatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exchange pattern %q: %w", pattern, err)
		}
		filter.exchangeGlobs = append(filter.exchangeGlobs, g)
	}

	// Subject globs treat "." as a separator so "weather.*" matches one
	// segment, mirroring binding pattern semantics
	for _, pattern := range subjectPatterns {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid subject pattern %q: %w", pattern, err)
		}
		filter.subjectGlobs = append(filter.subjectGlobs, g)
	}

	return filter, nil
}

// Match returns true if the exchange and subject match the configured patterns
// If no patterns are configured, all publications match
func (f *GlobFilter) Match(exchange, subject string) bool {
	exchangeMatch := len(f.exchangeGlobs) == 0
	if !exchangeMatch {
		for _, g := range f.exchangeGlobs {
			if g.Match(exchange) {
				exchangeMatch = true
				break
			}
		}
	}

	if !exchangeMatch {
		return false
	}

	subjectMatch := len(f.subjectGlobs) == 0
	if !subjectMatch {
		for _, g := range f.subjectGlobs {
			if g.Match(subject) {
				subjectMatch = true
				break
			}
		}
	}

	return subjectMatch
}
