// Package crisis scores free-text messages for self-harm and suicide risk.
//
// Scoring is rule based: every non-negated phrase of the critical, high and
// moderate tiers adds a fixed weight, positive/coping phrases subtract, and the
// total is mapped to a severity tier through an ordered threshold table.
package crisis

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/BTreeMap/Empathibot/internal/lexicon"
	"github.com/BTreeMap/Empathibot/internal/models"
)

// Tier weights.
const (
	CriticalWeight = 100
	HighWeight     = 50
	ModerateWeight = 20
	PositiveWeight = 10
)

// confidencePerMatch is the confidence contributed by each matched risk keyword.
const confidencePerMatch = 0.2

type threshold struct {
	min      int
	severity models.Severity
	isCrisis bool
}

// thresholds is evaluated top to bottom; the first row whose min is reached wins.
// Moderate is a severity tier but not a crisis.
var thresholds = []threshold{
	{min: 100, severity: models.SeverityCritical, isCrisis: true},
	{min: 50, severity: models.SeverityHigh, isCrisis: true},
	{min: 20, severity: models.SeverityModerate, isCrisis: false},
	{min: 0, severity: models.SeverityLow, isCrisis: false},
}

// Classify maps a score total to its severity tier and crisis flag.
func Classify(score int) (models.Severity, bool) {
	for _, t := range thresholds {
		if score >= t.min {
			return t.severity, t.isCrisis
		}
	}
	return models.SeverityLow, false
}

type keyword struct {
	phrase  string
	pattern *regexp.Regexp
}

type scoredTier struct {
	tier     lexicon.Tier
	weight   int
	keywords []keyword
}

// Detector scores messages against a Lexicon. It holds no mutable state and is
// safe for concurrent use.
type Detector struct {
	version  string
	tiers    []scoredTier
	positive []string
	negation *NegationScanner
}

// NewDetector compiles the lexicon's phrases into match patterns.
func NewDetector(lex *lexicon.Lexicon) (*Detector, error) {
	if lex == nil {
		return nil, fmt.Errorf("crisis detector requires a lexicon")
	}
	d := &Detector{
		version:  lex.Version(),
		positive: lex.Phrases(lexicon.TierPositive),
		negation: NewNegationScanner(lex),
	}
	weights := []struct {
		tier   lexicon.Tier
		weight int
	}{
		{lexicon.TierCritical, CriticalWeight},
		{lexicon.TierHigh, HighWeight},
		{lexicon.TierModerate, ModerateWeight},
	}
	for _, w := range weights {
		st := scoredTier{tier: w.tier, weight: w.weight}
		for _, phrase := range lex.Phrases(w.tier) {
			re, err := compilePhrase(phrase)
			if err != nil {
				return nil, fmt.Errorf("failed to compile %s phrase %q: %w", w.tier, phrase, err)
			}
			st.keywords = append(st.keywords, keyword{phrase: phrase, pattern: re})
		}
		d.tiers = append(d.tiers, st)
	}
	return d, nil
}

// LexiconVersion returns the version of the lexicon the detector was built from.
func (d *Detector) LexiconVersion() string { return d.version }

// compilePhrase turns "kill myself" into a pattern where each run of spaces
// matches one or more whitespace characters. Word boundaries are checked by
// the caller so that non-ASCII letters count as word characters.
func compilePhrase(phrase string) (*regexp.Regexp, error) {
	parts := strings.Fields(phrase)
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile(strings.Join(quoted, `[\s\p{Z}]+`))
}

// Normalize lower-cases text for matching and folds typographic apostrophes.
func Normalize(text string) string {
	return strings.ReplaceAll(strings.ToLower(text), "’", "'")
}

// Assess scores text and returns a fresh assessment. It is a pure function of
// the text and the lexicon.
func (d *Detector) Assess(text string) models.CrisisAssessment {
	lower := Normalize(text)
	score := 0
	matched := []string{}

	for _, st := range d.tiers {
		for _, kw := range st.keywords {
			for _, start := range findAll(kw.pattern, lower) {
				if d.negation.IsNegated(lower, start) {
					continue
				}
				score += st.weight
				matched = append(matched, kw.phrase)
			}
		}
	}

	for _, p := range d.positive {
		if strings.Contains(lower, p) {
			score = max(0, score-PositiveWeight)
		}
	}

	severity, isCrisis := Classify(score)
	return models.CrisisAssessment{
		IsCrisis:        isCrisis,
		Severity:        severity,
		Score:           score,
		MatchedKeywords: matched,
		Confidence:      math.Min(1.0, confidencePerMatch*float64(len(matched))),
	}
}

// findAll returns the start offsets of every non-overlapping occurrence of re in
// s that begins and ends on a word boundary.
func findAll(re *regexp.Regexp, s string) []int {
	var starts []int
	pos := 0
	for pos <= len(s) {
		loc := re.FindStringIndex(s[pos:])
		if loc == nil {
			break
		}
		start, end := pos+loc[0], pos+loc[1]
		if isBoundary(s, start) && isBoundary(s, end) {
			starts = append(starts, start)
			pos = end
			continue
		}
		_, size := utf8.DecodeRuneInString(s[start:])
		if size == 0 {
			break
		}
		pos = start + size
	}
	return starts
}

// isBoundary reports whether offset i in s sits between a word and a non-word character.
func isBoundary(s string, i int) bool {
	before, after := false, false
	if i > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:i])
		before = isWordRune(r)
	}
	if i < len(s) {
		r, _ := utf8.DecodeRuneInString(s[i:])
		after = isWordRune(r)
	}
	return before != after
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}
