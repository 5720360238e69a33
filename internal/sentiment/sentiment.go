// Package sentiment tags messages with a coarse polarity using keyword counts.
// Its word lists are independent of the crisis lexicon.
package sentiment

import (
	"strings"

	"github.com/BTreeMap/Empathibot/internal/models"
)

var defaultPositive = []string{
	"happy", "good", "great", "better", "excellent", "wonderful",
	"love", "joy", "grateful", "thankful", "blessed", "excited",
}

var defaultNegative = []string{
	"sad", "bad", "terrible", "awful", "horrible", "hate",
	"depressed", "anxious", "worried", "scared", "angry", "upset",
}

// Analyzer counts positive and negative words in a message.
type Analyzer struct {
	positive []string
	negative []string
}

// NewAnalyzer returns an Analyzer with the built-in word lists.
func NewAnalyzer() *Analyzer {
	return &Analyzer{positive: defaultPositive, negative: defaultNegative}
}

// Analyze counts how many positive and negative words occur in text. The
// larger count wins and becomes the score; a tie is neutral with score zero.
func (a *Analyzer) Analyze(text string) models.Sentiment {
	lower := strings.ToLower(text)
	pos := countContained(lower, a.positive)
	neg := countContained(lower, a.negative)
	switch {
	case pos > neg:
		return models.Sentiment{Label: models.SentimentPositive, Score: float64(pos)}
	case neg > pos:
		return models.Sentiment{Label: models.SentimentNegative, Score: float64(neg)}
	default:
		return models.Sentiment{Label: models.SentimentNeutral, Score: 0}
	}
}

func countContained(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

// Escalation is the fixed tag stored with turns answered on the escalation path.
var Escalation = models.Sentiment{Label: models.SentimentNegative, Score: 0.9}
