// Package lexicon loads the versioned crisis keyword sets used by the crisis detector.
//
// A Lexicon is immutable once loaded: every accessor returns a copy, so a single
// instance can be shared by any number of detectors and goroutines.
package lexicon

import (
	"bytes"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultLexicon []byte

// Tier names a keyword category.
type Tier string

const (
	TierCritical Tier = "critical"
	TierHigh     Tier = "high"
	TierModerate Tier = "moderate"
	TierPositive Tier = "positive"
)

// Tiers lists every category in scoring order.
var Tiers = []Tier{TierCritical, TierHigh, TierModerate, TierPositive}

var (
	ErrMissingVersion   = errors.New("lexicon version is required")
	ErrEmptyTier        = errors.New("lexicon tier has no phrases")
	ErrEmptyPhrase      = errors.New("lexicon contains an empty phrase")
	ErrNoNegations      = errors.New("lexicon negation list is empty")
	ErrChecksumMismatch = errors.New("lexicon checksum mismatch")
)

type phraseBlock struct {
	Lang    string   `yaml:"lang"`
	Phrases []string `yaml:"phrases"`
}

type document struct {
	Version   string                   `yaml:"version"`
	Tiers     map[string][]phraseBlock `yaml:"tiers"`
	Negations []string                 `yaml:"negations"`
}

// Lexicon holds the phrase lists per tier and the negation word set.
type Lexicon struct {
	version   string
	checksum  string
	tiers     map[Tier][]string
	languages map[Tier][]string
	negations map[string]struct{}
}

// Opts configures lexicon loading.
type Opts struct {
	ExpectedChecksum string // hex SHA-256 of the raw file; empty disables verification
}

// Option defines a configuration option for lexicon loading.
type Option func(*Opts)

// WithExpectedChecksum pins the lexicon to a known SHA-256 digest.
func WithExpectedChecksum(sum string) Option {
	return func(o *Opts) { o.ExpectedChecksum = strings.ToLower(strings.TrimSpace(sum)) }
}

// Default returns the lexicon compiled into the binary.
func Default(opts ...Option) (*Lexicon, error) {
	return Parse(defaultLexicon, opts...)
}

// LoadFile reads and parses a lexicon from disk.
func LoadFile(path string, opts ...Option) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon %s: %w", path, err)
	}
	return Parse(data, opts...)
}

// Load parses a lexicon from r.
func Load(r io.Reader, opts ...Option) (*Lexicon, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read lexicon: %w", err)
	}
	return Parse(data, opts...)
}

// Parse validates raw lexicon bytes and builds an immutable Lexicon.
func Parse(data []byte, opts ...Option) (*Lexicon, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}

	digest := sha256.Sum256(data)
	checksum := hex.EncodeToString(digest[:])
	if cfg.ExpectedChecksum != "" && cfg.ExpectedChecksum != checksum {
		slog.Error("Lexicon checksum mismatch", "expected", cfg.ExpectedChecksum, "actual", checksum)
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, cfg.ExpectedChecksum, checksum)
	}

	var doc document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode lexicon: %w", err)
	}

	if strings.TrimSpace(doc.Version) == "" {
		return nil, ErrMissingVersion
	}

	lex := &Lexicon{
		version:   doc.Version,
		checksum:  checksum,
		tiers:     make(map[Tier][]string, len(Tiers)),
		languages: make(map[Tier][]string, len(Tiers)),
		negations: make(map[string]struct{}, len(doc.Negations)),
	}

	for name := range doc.Tiers {
		if !isKnownTier(Tier(name)) {
			return nil, fmt.Errorf("unknown lexicon tier %q", name)
		}
	}

	for _, tier := range Tiers {
		var phrases, langs []string
		for _, block := range doc.Tiers[string(tier)] {
			for _, p := range block.Phrases {
				norm := strings.ToLower(strings.Join(strings.Fields(p), " "))
				if norm == "" {
					return nil, fmt.Errorf("%w (tier %s, lang %s)", ErrEmptyPhrase, tier, block.Lang)
				}
				phrases = append(phrases, norm)
			}
			langs = append(langs, block.Lang)
		}
		if len(phrases) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEmptyTier, tier)
		}
		lex.tiers[tier] = phrases
		lex.languages[tier] = langs
	}

	for _, w := range doc.Negations {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		lex.negations[w] = struct{}{}
	}
	if len(lex.negations) == 0 {
		return nil, ErrNoNegations
	}

	slog.Debug("Lexicon loaded", "version", lex.version, "checksum", lex.checksum,
		"critical", len(lex.tiers[TierCritical]), "high", len(lex.tiers[TierHigh]),
		"moderate", len(lex.tiers[TierModerate]), "positive", len(lex.tiers[TierPositive]),
		"negations", len(lex.negations))
	return lex, nil
}

func isKnownTier(t Tier) bool {
	for _, known := range Tiers {
		if known == t {
			return true
		}
	}
	return false
}

// Version returns the lexicon's declared version string.
func (l *Lexicon) Version() string { return l.version }

// Checksum returns the hex SHA-256 of the raw lexicon file.
func (l *Lexicon) Checksum() string { return l.checksum }

// Phrases returns a copy of the phrases of tier, in file order.
func (l *Lexicon) Phrases(tier Tier) []string {
	return append([]string(nil), l.tiers[tier]...)
}

// Languages returns the language tags that contributed phrases to tier.
func (l *Lexicon) Languages(tier Tier) []string {
	return append([]string(nil), l.languages[tier]...)
}

// IsNegation reports whether word is in the negation set.
func (l *Lexicon) IsNegation(word string) bool {
	_, ok := l.negations[word]
	return ok
}

// Negations returns the negation set sorted alphabetically.
func (l *Lexicon) Negations() []string {
	out := make([]string, 0, len(l.negations))
	for w := range l.negations {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
