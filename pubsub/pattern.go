package pubsub

import (
	"fmt"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maxpert/repubsub/telemetry"
)

// Binding patterns are dot-separated segment lists. A segment is either a
// literal ([A-Za-z0-9_-]+), "*" (exactly one segment) or "#" (zero or more
// segments). "weather.*.temp" matches "weather.us.temp" but not
// "weather.temp"; "weather.#.temp" matches both.
//
// Patterns compile to anchored regular expressions. Every fragment carries a
// leading delimiter and candidates are matched with a delimiter prepended, so
// "#.temp" degrades gracefully to "match temp at any depth" instead of
// matching nothing.
const (
	delimiter    = "."
	segmentClass = `[A-Za-z0-9_-]`

	patternCacheSize = 1024
)

var (
	segmentRe = regexp.MustCompile(`^` + segmentClass + `+$`)

	patternCache *lru.Cache[string, *regexp.Regexp]
)

func init() {
	// Only fails for non-positive sizes.
	patternCache, _ = lru.New[string, *regexp.Regexp](patternCacheSize)
}

// CompilePattern compiles a binding pattern into a predicate over topic
// keys. Flat keys match against their dotted name, tag keys against the
// dotted join of their sorted tags; tree keys never match a pattern.
// Compiled patterns are cached, so binding the same pattern from many
// queues is cheap.
func CompilePattern(pattern string) (Predicate, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}
	return &patternPredicate{pattern: pattern, re: re}, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	if re, ok := patternCache.Get(pattern); ok {
		telemetry.PatternCacheHits.Inc()
		return re, nil
	}
	telemetry.PatternCacheMisses.Inc()

	if pattern == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidPattern)
	}

	var b strings.Builder
	b.WriteString("^")
	for _, seg := range strings.Split(pattern, delimiter) {
		switch {
		case seg == "*":
			b.WriteString(`\.` + segmentClass + `+`)
		case seg == "#":
			b.WriteString(`(?:\.` + segmentClass + `+)*`)
		case segmentRe.MatchString(seg):
			b.WriteString(`\.`)
			b.WriteString(regexp.QuoteMeta(seg))
		default:
			return nil, fmt.Errorf("%w: bad segment %q in %q", ErrInvalidPattern, seg, pattern)
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	patternCache.Add(pattern, re)
	return re, nil
}

// matchSubject anchors the candidate by prepending the delimiter before
// testing it against a compiled pattern.
func matchSubject(re *regexp.Regexp, subject string) bool {
	return re.MatchString(delimiter + subject)
}
