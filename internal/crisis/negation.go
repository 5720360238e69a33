package crisis

import (
	"regexp"
)

// DefaultNegationWindow is how many preceding tokens are inspected for a negation word.
const DefaultNegationWindow = 3

var tokenPattern = regexp.MustCompile(`[\p{L}']+`)

// negationSet is satisfied by *lexicon.Lexicon.
type negationSet interface {
	IsNegation(word string) bool
}

// NegationScanner decides whether a keyword match is negated by a nearby preceding word.
type NegationScanner struct {
	words  negationSet
	window int
}

// NewNegationScanner returns a scanner over the given negation set.
func NewNegationScanner(words negationSet) *NegationScanner {
	return &NegationScanner{words: words, window: DefaultNegationWindow}
}

// IsNegated reports whether any of the last three tokens ending at or before
// matchStart in the lower-cased text is a negation word.
func (n *NegationScanner) IsNegated(lower string, matchStart int) bool {
	spans := tokenPattern.FindAllStringIndex(lower, -1)
	preceding := make([]string, 0, len(spans))
	for _, sp := range spans {
		if sp[1] > matchStart {
			break
		}
		preceding = append(preceding, lower[sp[0]:sp[1]])
	}
	if len(preceding) > n.window {
		preceding = preceding[len(preceding)-n.window:]
	}
	for _, tok := range preceding {
		if n.words.IsNegation(tok) {
			return true
		}
	}
	return false
}
