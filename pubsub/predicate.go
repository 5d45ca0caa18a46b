package pubsub

import (
	"regexp"
	"sort"
	"strings"
)

// Predicate decides whether a subscription wants a topic key. Compiled
// binding patterns, tag containment and tree containment all implement it,
// and arbitrary functions slot in through PredicateFunc.
type Predicate interface {
	Match(key Key) bool
}

// PredicateFunc adapts a plain function to the Predicate interface.
type PredicateFunc func(Key) bool

func (f PredicateFunc) Match(key Key) bool { return f(key) }

type patternPredicate struct {
	pattern string
	re      *regexp.Regexp
}

func (p *patternPredicate) Match(key Key) bool {
	switch key.shape {
	case ShapeString:
		return matchSubject(p.re, key.name)
	case ShapeTags:
		return matchSubject(p.re, strings.Join(key.tags, delimiter))
	default:
		return false
	}
}

func (p *patternPredicate) String() string { return p.pattern }

// ContainsTags matches tag keys that carry every one of the given tags.
// Other shapes never match.
func ContainsTags(tags ...string) Predicate {
	want := sortDedup(tags)
	return PredicateFunc(func(key Key) bool {
		if key.shape != ShapeTags || len(want) == 0 {
			return false
		}
		for _, tag := range want {
			if !containsSorted(key.tags, tag) {
				return false
			}
		}
		return true
	})
}

// TreeContains matches tree keys whose hierarchy holds the given leaf under
// the given category and subcategory.
func TreeContains(category, subcategory, leaf string) Predicate {
	return PredicateFunc(func(key Key) bool {
		if key.shape != ShapeTree {
			return false
		}
		subs, ok := key.tree[category]
		if !ok {
			return false
		}
		return containsSorted(subs[subcategory], leaf)
	})
}

// treeSubset matches tree keys that contain every category, subcategory and
// leaf of want. Backs Queue.BindTopic for tree topics.
func treeSubset(want map[string]map[string][]string) Predicate {
	return PredicateFunc(func(key Key) bool {
		if key.shape != ShapeTree {
			return false
		}
		for cat, wantSubs := range want {
			haveSubs, ok := key.tree[cat]
			if !ok {
				return false
			}
			for sub, wantLeaves := range wantSubs {
				haveLeaves, sok := haveSubs[sub]
				if !sok {
					return false
				}
				for _, leaf := range wantLeaves {
					if !containsSorted(haveLeaves, leaf) {
						return false
					}
				}
			}
		}
		return true
	})
}

// Or combines predicates; a key matches when any of them matches.
func Or(preds ...Predicate) Predicate {
	return PredicateFunc(func(key Key) bool {
		for _, p := range preds {
			if p.Match(key) {
				return true
			}
		}
		return false
	})
}

func containsSorted(sorted []string, s string) bool {
	i := sort.SearchStrings(sorted, s)
	return i < len(sorted) && sorted[i] == s
}
