// Package phrase generates short human-readable correlation phrases.
//
// A phrase ("adjective noun verb noun") is shown to the user when an
// operation fails and is attached to the matching log line, so a support
// conversation can be tied back to the exact failure without exposing
// internals in chat.
package phrase

import (
	"math/rand/v2"
	"strings"
)

var adjectives = []string{
	"amber", "brave", "calm", "clever", "crimson", "curious", "dusty",
	"eager", "fuzzy", "gentle", "glossy", "golden", "humble", "icy",
	"jolly", "lucky", "mellow", "nimble", "polite", "quiet", "rustic",
	"silent", "swift", "tidy", "velvet", "witty",
}

var nouns = []string{
	"acorn", "anchor", "badger", "beacon", "canyon", "comet", "falcon",
	"fern", "glacier", "harbor", "heron", "lantern", "maple", "meadow",
	"otter", "pebble", "pigeon", "prairie", "raven", "saddle", "sparrow",
	"thicket", "tulip", "walnut", "willow", "zephyr",
}

var verbs = []string{
	"admires", "carries", "chases", "collects", "follows", "guards",
	"greets", "ignores", "mimics", "paints", "ponders", "repairs",
	"shadows", "sketches", "studies", "tickles", "trades", "visits",
	"watches", "weighs",
}

// Generator produces correlation phrases. The zero value is not usable;
// construct with New (random) or NewWithIntn (deterministic, for tests).
type Generator struct {
	intn func(n int) int
}

func New() *Generator {
	return &Generator{intn: rand.IntN}
}

// NewWithIntn builds a Generator driven by the given index picker.
func NewWithIntn(intn func(n int) int) *Generator {
	return &Generator{intn: intn}
}

// Phrase returns four lowercase words: adjective noun verb noun.
func (g *Generator) Phrase() string {
	parts := []string{
		adjectives[g.intn(len(adjectives))],
		nouns[g.intn(len(nouns))],
		verbs[g.intn(len(verbs))],
		nouns[g.intn(len(nouns))],
	}
	return strings.Join(parts, " ")
}
