// Package demo carries the runnable topic-shape walkthrough: three
// publisher/subscriber pairs showing flat string topics with binding
// patterns, tag-set topics and hierarchical topics, all over a superhero
// news wire.
package demo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/maxpert/repubsub/pubsub"
	"github.com/maxpert/repubsub/store"
)

const publishInterval = 500 * time.Millisecond

// Run executes one demo mode. kind picks the topic style (regex, tags or
// hierarchy), action picks the side (publish or subscribe). Publishers run
// until the context ends; subscribers print matches until the context ends
// or the feed dies.
func Run(ctx context.Context, st store.Store, kind, action string) error {
	type runner func(context.Context, store.Store) error
	modes := map[string]runner{
		"regex/publish":       regexPublish,
		"regex/subscribe":     regexSubscribe,
		"tags/publish":        tagsPublish,
		"tags/subscribe":      tagsSubscribe,
		"hierarchy/publish":   hierarchyPublish,
		"hierarchy/subscribe": hierarchySubscribe,
	}

	run, ok := modes[kind+"/"+action]
	if !ok {
		return fmt.Errorf("unknown demo mode %s %s", kind, action)
	}
	return run(ctx, st)
}

// regexPublish publishes headlines on simple string topics
func regexPublish(ctx context.Context, st store.Store) error {
	exchange, err := pubsub.NewExchange(st, "regex_demo")
	if err != nil {
		return err
	}

	for {
		category, chartype, character := randomTopic()
		topicKey := fmt.Sprintf("%s.%s.%s", category, chartype, character)
		payload := choice(Categories[category])

		fmt.Printf("Publishing on topic %s : %s\n", topicKey, payload)

		topic, err := exchange.Topic(topicKey)
		if err != nil {
			return err
		}
		if err := topic.Publish(ctx, payload); err != nil {
			return err
		}
		if err := sleep(ctx, publishInterval); err != nil {
			return err
		}
	}
}

// regexSubscribe subscribes with a random binding pattern
func regexSubscribe(ctx context.Context, st store.Store) error {
	exchange, err := pubsub.NewExchange(st, "regex_demo")
	if err != nil {
		return err
	}

	pattern := randomPattern()
	queue, err := exchange.Queue(pattern)
	if err != nil {
		return err
	}
	sub, err := queue.Consume(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	reminder := fmt.Sprintf("Subscribed to: %s", pattern)
	printSubscription(reminder)

	for i := 0; ; i++ {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if i%20 == 19 {
			// Reminder what we're subscribed to
			printSubscription(reminder)
		}
		fmt.Printf("Received on %s : %v\n", msg.Topic.Name(), payloadOf(msg))
	}
}

// randomPattern builds a random binding pattern over the demo vocabulary
func randomPattern() string {
	category, chartype, character := randomTopic()
	// Avoid patterns like fights.*.Batman where the middle segment
	// could only ever be one thing
	tail := choice([]string{
		chartype + "." + choice([]string{character, "*"}),
		"#",
	})
	return choice([]string{category, "*"}) + "." + tail
}

// tagsPublish publishes headlines with a set of tags as the topic
func tagsPublish(ctx context.Context, st store.Store) error {
	exchange, err := pubsub.NewExchange(st, "tags_demo")
	if err != nil {
		return err
	}

	var headlines []string
	headlines = append(headlines, Teamups...)
	headlines = append(headlines, Events...)
	headlines = append(headlines, Fights...)

	for {
		// Union of two random topics. The topic key sorts and dedups
		// the tags, so two unions over the same tags update the same
		// record.
		a1, b1, c1 := randomTopic()
		a2, b2, c2 := randomTopic()
		topic, err := exchange.TagTopic(a1, b1, c1, a2, b2, c2)
		if err != nil {
			return err
		}
		payload := choice(headlines)

		fmt.Printf("Publishing on tags #%s\n", strings.Join(topic.Key().Tags(), " #"))
		fmt.Printf("\t%s\n", payload)

		if err := topic.Publish(ctx, payload); err != nil {
			return err
		}
		if err := sleep(ctx, publishInterval); err != nil {
			return err
		}
	}
}

// tagsSubscribe subscribes to messages carrying two specific tags
func tagsSubscribe(ctx context.Context, st store.Store) error {
	exchange, err := pubsub.NewExchange(st, "tags_demo")
	if err != nil {
		return err
	}

	category, chartype, character := randomTopic()
	tags := sample([]string{category, chartype, character}, 2)

	queue, err := exchange.Queue()
	if err != nil {
		return err
	}
	queue.BindPredicate(pubsub.ContainsTags(tags...))
	sub, err := queue.Consume(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	reminder := fmt.Sprintf("Subscribed to messages with tags: #%s", strings.Join(tags, " #"))
	printSubscription(reminder)

	for i := 0; ; i++ {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if i%10 == 9 {
			// Reminder what we're subscribed to
			printSubscription(reminder)
		}
		fmt.Printf("Received message with tags: #%s\n", strings.Join(msg.Topic.Tags(), " #"))
		fmt.Printf("\t%v\n\n", payloadOf(msg))
	}
}

// hierarchyPublish publishes headlines on hierarchical topics
func hierarchyPublish(ctx context.Context, st store.Store) error {
	exchange, err := pubsub.NewExchange(st, "hierarchy_demo")
	if err != nil {
		return err
	}

	for {
		tree, payload := randomHierarchy()
		topic, err := exchange.TreeTopic(tree)
		if err != nil {
			return err
		}

		fmt.Println("Publishing on hierarchical topic:")
		printHierarchy(tree)
		fmt.Printf(" - %s\n\n", payload)

		if err := topic.Publish(ctx, payload); err != nil {
			return err
		}
		if err := sleep(ctx, publishInterval); err != nil {
			return err
		}
	}
}

// hierarchySubscribe subscribes to one leaf of the hierarchy
func hierarchySubscribe(ctx context.Context, st store.Store) error {
	exchange, err := pubsub.NewExchange(st, "hierarchy_demo")
	if err != nil {
		return err
	}

	category, chartype, character := randomTopic()
	queue, err := exchange.Queue()
	if err != nil {
		return err
	}
	queue.BindPredicate(pubsub.TreeContains(category, chartype, character))
	sub, err := queue.Consume(ctx)
	if err != nil {
		return err
	}
	defer sub.Close()

	reminder := fmt.Sprintf("Subscribed to topic: [%q][%q].contains(%q)", category, chartype, character)
	printSubscription(reminder)

	for i := 0; ; i++ {
		msg, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if i%5 == 4 {
			// Reminder what we're subscribed to
			printSubscription(reminder)
		}
		fmt.Println("Received message with topic:")
		printHierarchy(msg.Topic.Tree())
		fmt.Printf(" - %v\n\n", payloadOf(msg))
	}
}

// payloadOf decodes a message payload for printing
func payloadOf(msg pubsub.Message) any {
	var payload any
	if err := msg.Decode(&payload); err != nil {
		return string(msg.Payload)
	}
	return payload
}

// printHierarchy prints a topic hierarchy nicely
func printHierarchy(tree map[string]map[string][]string) {
	for _, category := range sortedKeys(tree) {
		fmt.Printf("    %s :\n", category)
		chartypes := tree[category]
		for _, chartype := range sortedKeys(chartypes) {
			fmt.Printf("        %s : %s\n", chartype, strings.Join(chartypes[chartype], ", "))
		}
	}
}

// printSubscription prints a subscription reminder message
func printSubscription(sub string) {
	bar := strings.Repeat("=", len(sub))
	fmt.Println(bar)
	fmt.Println(sub)
	fmt.Println(bar)
	fmt.Println()
}

// sleep waits for d unless the context ends first
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
