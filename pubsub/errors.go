package pubsub

import "errors"

var (
	// ErrInvalidPattern is returned when a binding pattern does not conform
	// to the dot-separated segment grammar.
	ErrInvalidPattern = errors.New("invalid binding pattern")

	// ErrInvalidTopic is returned when a topic key fails validation.
	ErrInvalidTopic = errors.New("invalid topic")

	// ErrShapeMismatch is returned when a published topic's shape differs
	// from the shape the exchange was first used with.
	ErrShapeMismatch = errors.New("topic shape does not match exchange")

	// ErrExchangeUnavailable wraps storage failures surfaced through an
	// exchange operation.
	ErrExchangeUnavailable = errors.New("exchange unavailable")

	// ErrNoBindings is returned by Queue.Consume when nothing was bound.
	ErrNoBindings = errors.New("queue has no bindings")

	// ErrSubscriptionLost is returned by Subscription.Next when the change
	// feed died underneath it. Messages published while the subscription is
	// down are not replayed; callers resubscribe and continue from there.
	ErrSubscriptionLost = errors.New("subscription lost")

	// ErrSubscriptionClosed is returned by Subscription.Next after Close.
	ErrSubscriptionClosed = errors.New("subscription closed")
)
