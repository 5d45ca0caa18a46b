package demo

import (
	"sort"
	"testing"

	"github.com/maxpert/repubsub/pubsub"
	"github.com/maxpert/repubsub/store"
)

func TestRandomTopicDrawsFromVocabulary(t *testing.T) {
	for i := 0; i < 100; i++ {
		category, chartype, character := randomTopic()

		if _, ok := Categories[category]; !ok {
			t.Fatalf("unknown category %q", category)
		}
		characters, ok := Characters[chartype]
		if !ok {
			t.Fatalf("unknown character type %q", chartype)
		}
		if !contains(characters, character) {
			t.Fatalf("character %q not of type %q", character, chartype)
		}
	}
}

func TestRandomHierarchyIsPublishable(t *testing.T) {
	for i := 0; i < 50; i++ {
		tree, headline := randomHierarchy()

		if len(tree) == 0 {
			t.Fatal("empty hierarchy")
		}
		var pool []string
		for category, chartypes := range tree {
			if _, ok := Categories[category]; !ok {
				t.Fatalf("unknown category %q", category)
			}
			pool = append(pool, Categories[category]...)
			if len(chartypes) == 0 {
				t.Fatalf("category %q has no character types", category)
			}
			for chartype, characters := range chartypes {
				valid, ok := Characters[chartype]
				if !ok {
					t.Fatalf("unknown character type %q", chartype)
				}
				if len(characters) == 0 {
					t.Fatalf("character type %q has no characters", chartype)
				}
				if !sort.StringsAreSorted(characters) {
					t.Fatalf("characters not sorted: %v", characters)
				}
				for _, c := range characters {
					if !contains(valid, c) {
						t.Fatalf("character %q not of type %q", c, chartype)
					}
				}
			}
		}
		if !contains(pool, headline) {
			t.Fatalf("headline %q not drawn from the covered categories", headline)
		}

		// The hierarchy must be a valid topic key
		if _, err := pubsub.TreeKey(tree); err != nil {
			t.Fatalf("hierarchy does not form a topic: %v", err)
		}
	}
}

func TestRandomPatternIsBindable(t *testing.T) {
	st := store.NewMemory(store.Options{})
	defer st.Close()

	exchange, err := pubsub.NewExchange(st, "regex_demo")
	if err != nil {
		t.Fatalf("failed to create exchange: %v", err)
	}

	for i := 0; i < 100; i++ {
		pattern := randomPattern()
		if _, err := exchange.Queue(pattern); err != nil {
			t.Fatalf("pattern %q does not bind: %v", pattern, err)
		}
	}
}

func TestSampleReturnsDistinctElements(t *testing.T) {
	options := []string{"a", "b", "c", "d", "e"}
	for n := 1; n <= len(options); n++ {
		got := sample(options, n)
		if len(got) != n {
			t.Fatalf("sample(%d) returned %d elements", n, len(got))
		}
		seen := map[string]bool{}
		for _, s := range got {
			if seen[s] {
				t.Fatalf("duplicate element %q in sample", s)
			}
			seen[s] = true
			if !contains(options, s) {
				t.Fatalf("sample returned foreign element %q", s)
			}
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
