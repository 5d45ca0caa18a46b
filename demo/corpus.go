package demo

import (
	"math/rand"
	"sort"
)

// Characters by type, the vocabulary every demo topic draws from
var Characters = map[string][]string{
	"superheroes":   {"Batman", "Superman", "CaptainAmerica"},
	"supervillains": {"Joker", "LexLuthor", "RedSkull"},
	"sidekicks":     {"Robin", "JimmyOlsen", "BuckyBarnes"},
}

// Teamups headlines
var Teamups = []string{
	"You'll never guess who's teaming up",
	"A completely one-sided fight between superheroes",
	"Sidekick goes on rampage. Hundreds given parking tickets",
	"Local politician warns of pairing between villains",
	"Unexpected coalition teams up to take on opponents",
}

// Fights headlines
var Fights = []string{
	"A fight rages between combatants",
	"Tussle between mighty foes continues",
	"All out war in the streets between battling heroes",
	"City's greatest hero defeated!",
	"Villain locked in minimum security prison after defeat",
}

// Events headlines
var Events = []string{
	"Scientists accidentally thaw a T-Rex and release it",
	"Time vortex opens over downtown",
	"EMP turns out the lights. You'll never guess who turned them back on",
	"Inter-dimensional sludge released. Who can contain it?",
	"Super computer-virus disables all police cars. City helpless.",
}

// Categories maps category names to their headline pools
var Categories = map[string][]string{
	"teamups": Teamups,
	"fights":  Fights,
	"events":  Events,
}

// Sorted name lists so random picks don't depend on map iteration order
var (
	categoryNames  = sortedKeys(Categories)
	characterTypes = sortedKeys(Characters)
)

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// randomTopic returns the pieces of a random topic
func randomTopic() (category, chartype, character string) {
	category = choice(categoryNames)
	chartype = choice(characterTypes)
	character = choice(Characters[chartype])
	return category, chartype, character
}

// randomHierarchy returns a random hierarchical topic and a headline drawn
// from the categories it covers
func randomHierarchy() (map[string]map[string][]string, string) {
	topic := map[string]map[string][]string{}
	var headlines []string

	for _, category := range sample(categoryNames, 1+rand.Intn(2)) {
		headlines = append(headlines, Categories[category]...)
		for _, chartype := range sample(characterTypes, 1+rand.Intn(2)) {
			characters := sample(Characters[chartype], 1+rand.Intn(2))
			sort.Strings(characters)
			if topic[category] == nil {
				topic[category] = map[string][]string{}
			}
			topic[category][chartype] = characters
		}
	}

	return topic, choice(headlines)
}

// choice returns one random element
func choice(options []string) string {
	return options[rand.Intn(len(options))]
}

// sample returns n distinct random elements
func sample(options []string, n int) []string {
	idx := rand.Perm(len(options))
	out := make([]string, 0, n)
	for _, i := range idx[:n] {
		out = append(out, options[i])
	}
	return out
}
