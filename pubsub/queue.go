package pubsub

import (
	"context"
	"fmt"
	"sync"
)

// Queue accumulates bindings on one exchange. Consume snapshots the current
// set and opens a subscription matching any of them; bindings added after
// Consume affect only later subscriptions.
type Queue struct {
	exchange *Exchange

	mu       sync.Mutex
	bindings []Predicate
}

// Bind compiles and adds binding patterns. On a bad pattern nothing is
// added, not even the patterns before it.
func (q *Queue) Bind(patterns ...string) error {
	compiled := make([]Predicate, 0, len(patterns))
	for _, p := range patterns {
		pred, err := CompilePattern(p)
		if err != nil {
			return err
		}
		compiled = append(compiled, pred)
	}
	q.add(compiled...)
	return nil
}

// BindTopic binds topics so the queue receives them and everything beneath
// them: a flat topic binds "<name>.#", a tag topic binds containment of its
// tags, a tree topic binds structural containment of its hierarchy.
func (q *Queue) BindTopic(topics ...*Topic) error {
	compiled := make([]Predicate, 0, len(topics))
	for _, t := range topics {
		switch t.key.shape {
		case ShapeString:
			pred, err := CompilePattern(t.key.name + delimiter + "#")
			if err != nil {
				return err
			}
			compiled = append(compiled, pred)
		case ShapeTags:
			compiled = append(compiled, ContainsTags(t.key.tags...))
		case ShapeTree:
			compiled = append(compiled, treeSubset(t.key.tree))
		default:
			return fmt.Errorf("%w: cannot bind %s topic", ErrInvalidTopic, t.key.shape)
		}
	}
	q.add(compiled...)
	return nil
}

// BindPredicate adds predicates directly.
func (q *Queue) BindPredicate(preds ...Predicate) {
	q.add(preds...)
}

// BindFunc adds a plain function as a binding.
func (q *Queue) BindFunc(fn func(Key) bool) {
	q.add(PredicateFunc(fn))
}

func (q *Queue) add(preds ...Predicate) {
	q.mu.Lock()
	q.bindings = append(q.bindings, preds...)
	q.mu.Unlock()
}

// Bindings reports how many bindings the queue holds.
func (q *Queue) Bindings() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.bindings)
}

// Consume opens a subscription matching any current binding. A queue with
// no bindings would silently receive nothing, so that is an error.
func (q *Queue) Consume(ctx context.Context) (*Subscription, error) {
	q.mu.Lock()
	preds := make([]Predicate, len(q.bindings))
	copy(preds, q.bindings)
	q.mu.Unlock()
	if len(preds) == 0 {
		return nil, ErrNoBindings
	}
	return q.exchange.Subscribe(ctx, Or(preds...))
}
