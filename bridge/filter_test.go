package bridge

import (
	"strings"
	"testing"
)

func TestGlobFilterEmptyMatchesEverything(t *testing.T) {
	filter, err := NewGlobFilter(nil, nil)
	if err != nil {
		t.Fatalf("failed to create filter: %v", err)
	}

	cases := [][2]string{
		{"messages", "weather.us"},
		{"anything", "at.all"},
		{"", ""},
	}
	for _, c := range cases {
		if !filter.Match(c[0], c[1]) {
			t.Errorf("empty filter rejected (%q, %q)", c[0], c[1])
		}
	}
}

func TestGlobFilterExchangePatterns(t *testing.T) {
	filter, err := NewGlobFilter([]string{"weather_*", "alerts"}, nil)
	if err != nil {
		t.Fatalf("failed to create filter: %v", err)
	}

	tests := []struct {
		exchange string
		want     bool
	}{
		{"weather_eu", true},
		{"weather_", true},
		{"alerts", true},
		{"alerts_extra", false},
		{"orders", false},
	}
	for _, tt := range tests {
		if got := filter.Match(tt.exchange, "any.subject"); got != tt.want {
			t.Errorf("Match(%q, ...) = %v, want %v", tt.exchange, got, tt.want)
		}
	}
}

// Subject globs treat "." as a separator, so "*" spans a single segment and
// "**" spans the rest of the subject.
func TestGlobFilterSubjectPatterns(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"weather.*", "weather.us", true},
		{"weather.*", "weather.us.ca", false},
		{"weather.*", "weather", false},
		{"weather.**", "weather.us", true},
		{"weather.**", "weather.us.ca.sf", true},
		{"weather.**", "orders.eu", false},
		{"*.us", "weather.us", true},
		{"*.us", "weather.us.ca", false},
		{"exact.subject", "exact.subject", true},
		{"exact.subject", "exact.subjects", false},
	}

	for _, tt := range tests {
		filter, err := NewGlobFilter(nil, []string{tt.pattern})
		if err != nil {
			t.Fatalf("failed to compile %q: %v", tt.pattern, err)
		}
		if got := filter.Match("messages", tt.subject); got != tt.want {
			t.Errorf("pattern %q against %q = %v, want %v", tt.pattern, tt.subject, got, tt.want)
		}
	}
}

func TestGlobFilterCombinesDimensions(t *testing.T) {
	filter, err := NewGlobFilter([]string{"weather_*"}, []string{"alerts.**"})
	if err != nil {
		t.Fatalf("failed to create filter: %v", err)
	}

	// Both dimensions must match
	if !filter.Match("weather_eu", "alerts.storm.coastal") {
		t.Error("expected match when both dimensions hit")
	}
	if filter.Match("orders", "alerts.storm") {
		t.Error("expected miss when the exchange does not match")
	}
	if filter.Match("weather_eu", "forecasts.daily") {
		t.Error("expected miss when the subject does not match")
	}
}

func TestGlobFilterAlternativesWithinDimension(t *testing.T) {
	filter, err := NewGlobFilter(nil, []string{"weather.**", "alerts.**"})
	if err != nil {
		t.Fatalf("failed to create filter: %v", err)
	}

	// Any one subject pattern suffices
	for _, subject := range []string{"weather.us", "alerts.storm"} {
		if !filter.Match("messages", subject) {
			t.Errorf("expected %q to pass", subject)
		}
	}
	if filter.Match("messages", "orders.eu") {
		t.Error("expected unrelated subject to be rejected")
	}
}

func TestGlobFilterInvalidPatterns(t *testing.T) {
	if _, err := NewGlobFilter([]string{"["}, nil); err == nil {
		t.Error("expected error for invalid exchange pattern")
	} else if !strings.Contains(err.Error(), "invalid exchange pattern") {
		t.Errorf("unexpected error: %v", err)
	}

	if _, err := NewGlobFilter(nil, []string{"["}); err == nil {
		t.Error("expected error for invalid subject pattern")
	} else if !strings.Contains(err.Error(), "invalid subject pattern") {
		t.Errorf("unexpected error: %v", err)
	}
}
