// Package conversation runs the per-message state machine: resolve the user,
// detect language and crisis risk, then either escalate with a fixed response
// or generate a reply, and commit the turn to the store in one step.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/BTreeMap/Empathibot/internal/crisis"
	"github.com/BTreeMap/Empathibot/internal/language"
	"github.com/BTreeMap/Empathibot/internal/memory"
	"github.com/BTreeMap/Empathibot/internal/models"
	"github.com/BTreeMap/Empathibot/internal/sentiment"
	"github.com/BTreeMap/Empathibot/internal/store"
)

// Defaults for the orchestrator.
const (
	DefaultHistoryLimit      = 10
	DefaultGenerationTimeout = 30 * time.Second
	DefaultStoreTimeout      = 5 * time.Second
	// maxContextKeywords caps how many matched keywords are named in the context.
	maxContextKeywords = 3
)

// SessionStore is the subset of store.Store the orchestrator needs.
type SessionStore interface {
	GetOrCreateUser(ctx context.Context, identity string) (models.UserProfile, error)
	GetUser(ctx context.Context, userID string) (models.UserProfile, error)
	History(ctx context.Context, userID string, limit int) ([]models.MessageTurn, error)
	CommitTurn(ctx context.Context, commit store.TurnCommit) error
}

// Generator produces a reply for a prepared prompt context.
type Generator interface {
	GenerateReply(ctx context.Context, pc models.PromptContext) (string, error)
}

// Assessor scores a message for crisis risk.
type Assessor interface {
	Assess(text string) models.CrisisAssessment
}

// LanguageDetector returns a supported language code, never failing.
type LanguageDetector interface {
	Detect(text string) string
}

// SentimentAnalyzer tags a message with a coarse polarity.
type SentimentAnalyzer interface {
	Analyze(text string) models.Sentiment
}

// Opts holds configuration options for the Orchestrator.
type Opts struct {
	HistoryLimit      int
	GenerationTimeout time.Duration
	StoreTimeout      time.Duration
	Sentiment         SentimentAnalyzer
	Now               func() time.Time
	Pick              func(n int) int
}

// Option defines a configuration option for the Orchestrator.
type Option func(*Opts)

// WithHistoryLimit sets how many stored turns are loaded to seed memory.
func WithHistoryLimit(n int) Option {
	return func(o *Opts) { o.HistoryLimit = n }
}

// WithGenerationTimeout bounds each generation call. Zero disables the bound.
func WithGenerationTimeout(d time.Duration) Option {
	return func(o *Opts) { o.GenerationTimeout = d }
}

// WithStoreTimeout bounds each store call. Zero disables the bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *Opts) { o.StoreTimeout = d }
}

// WithSentimentAnalyzer replaces the default keyword-count analyzer.
func WithSentimentAnalyzer(a SentimentAnalyzer) Option {
	return func(o *Opts) { o.Sentiment = a }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// WithPicker overrides how a check-in template is chosen; pick(n) must return a value in [0, n).
func WithPicker(pick func(n int) int) Option {
	return func(o *Opts) { o.Pick = pick }
}

// Orchestrator ties detection, memory, generation and persistence together.
// It holds no per-user state; concurrent calls for different users are independent.
type Orchestrator struct {
	store     SessionStore
	generator Generator
	assessor  Assessor
	languages LanguageDetector
	sentiment SentimentAnalyzer

	historyLimit      int
	generationTimeout time.Duration
	storeTimeout      time.Duration
	now               func() time.Time
	pick              func(n int) int
}

// TurnResult describes the outcome of one processed message.
type TurnResult struct {
	UserID     string                  `json:"user_id"`
	Reply      string                  `json:"reply"`
	Assessment models.CrisisAssessment `json:"crisis_info"`
	Sentiment  models.Sentiment        `json:"sentiment"`
	Language   string                  `json:"language"`
	Escalated  bool                    `json:"escalated"`
}

// NewOrchestrator creates an Orchestrator. Every collaborator is required.
func NewOrchestrator(st SessionStore, gen Generator, assessor Assessor, languages LanguageDetector, opts ...Option) (*Orchestrator, error) {
	if st == nil || gen == nil || assessor == nil || languages == nil {
		return nil, fmt.Errorf("orchestrator requires store, generator, assessor and language detector")
	}
	cfg := Opts{
		HistoryLimit:      DefaultHistoryLimit,
		GenerationTimeout: DefaultGenerationTimeout,
		StoreTimeout:      DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HistoryLimit < memory.DefaultWindow {
		cfg.HistoryLimit = memory.DefaultWindow
	}
	if cfg.Sentiment == nil {
		cfg.Sentiment = sentiment.NewAnalyzer()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Pick == nil {
		cfg.Pick = rand.IntN
	}
	return &Orchestrator{
		store:             st,
		generator:         gen,
		assessor:          assessor,
		languages:         languages,
		sentiment:         cfg.Sentiment,
		historyLimit:      cfg.HistoryLimit,
		generationTimeout: cfg.GenerationTimeout,
		storeTimeout:      cfg.StoreTimeout,
		now:               cfg.Now,
		pick:              cfg.Pick,
	}, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func asStoreError(op string, err error) error {
	var se *models.StoreError
	if errors.As(err, &se) {
		return err
	}
	var ve *models.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &models.StoreError{Op: op, Err: err}
}

// ProcessMessage handles one inbound message and returns the reply for the
// caller to deliver. The turn is recorded in full or not at all; a store or
// generation failure aborts it and is returned unrecorded.
func (o *Orchestrator) ProcessMessage(ctx context.Context, identity, text string) (*TurnResult, error) {
	if err := models.ValidateInbound(identity, text); err != nil {
		return nil, err
	}

	user, err := o.resolveUser(ctx, identity)
	if err != nil {
		return nil, err
	}

	lang := o.languages.Detect(text)
	assessment := o.assessor.Assess(text)
	slog.Debug("Orchestrator.ProcessMessage: message assessed",
		"userID", user.ID, "language", lang, "severity", assessment.Severity, "score", assessment.Score)

	if assessment.IsCrisis {
		return o.escalate(ctx, user, text, lang, assessment)
	}
	return o.respond(ctx, user, text, lang, assessment)
}

func (o *Orchestrator) resolveUser(ctx context.Context, identity string) (models.UserProfile, error) {
	sctx, cancel := withTimeout(ctx, o.storeTimeout)
	defer cancel()
	user, err := o.store.GetOrCreateUser(sctx, identity)
	if err != nil {
		slog.Error("Orchestrator.resolveUser: failed to resolve user", "error", err)
		return models.UserProfile{}, asStoreError("get_or_create_user", err)
	}
	return user, nil
}

func (o *Orchestrator) escalate(ctx context.Context, user models.UserProfile, text, lang string, a models.CrisisAssessment) (*TurnResult, error) {
	reply, ok := crisis.Response(a.Severity)
	if !ok {
		return nil, fmt.Errorf("no escalation response for severity %s", a.Severity)
	}
	now := o.now().UTC()
	slog.Warn("Orchestrator.escalate: crisis escalation",
		"userID", user.ID, "severity", a.Severity, "score", a.Score, "matchedKeywords", a.MatchedKeywords)

	commit := store.TurnCommit{
		UserID:         user.ID,
		Language:       lang,
		CrisisDetected: true,
		Alert: &models.CrisisAlert{
			UserID:          user.ID,
			Identity:        user.Identity,
			Message:         text,
			Severity:        a.Severity,
			Score:           a.Score,
			MatchedKeywords: a.MatchedKeywords,
			ResponseSent:    reply,
			Timestamp:       now,
		},
		Turn: models.MessageTurn{
			UserID:     user.ID,
			Input:      text,
			Reply:      reply,
			Sentiment:  sentiment.Escalation,
			Assessment: a,
			Language:   lang,
			Timestamp:  now,
		},
	}
	if err := o.commit(ctx, commit); err != nil {
		return nil, err
	}
	return &TurnResult{
		UserID:     user.ID,
		Reply:      reply,
		Assessment: a,
		Sentiment:  sentiment.Escalation,
		Language:   lang,
		Escalated:  true,
	}, nil
}

func (o *Orchestrator) respond(ctx context.Context, user models.UserProfile, text, lang string, a models.CrisisAssessment) (*TurnResult, error) {
	sctx, cancel := withTimeout(ctx, o.storeTimeout)
	history, err := o.store.History(sctx, user.ID, o.historyLimit)
	cancel()
	if err != nil {
		slog.Error("Orchestrator.respond: failed to load history", "userID", user.ID, "error", err)
		return nil, asStoreError("history", err)
	}
	mem := memory.New(history)

	prompt := models.PromptContext{
		HistorySummary: mem.ContextSummary(),
		Input:          CombinedInput(BuildContext(user, a), text),
	}
	gctx, gcancel := withTimeout(ctx, o.generationTimeout)
	reply, err := o.generator.GenerateReply(gctx, prompt)
	gcancel()
	if err != nil {
		slog.Error("Orchestrator.respond: generation failed", "userID", user.ID, "error", err)
		var ge *models.GenerationError
		if !errors.As(err, &ge) {
			err = &models.GenerationError{Err: err}
		}
		return nil, err
	}
	if strings.TrimSpace(reply) == "" {
		return nil, &models.GenerationError{Err: errors.New("empty reply")}
	}
	if a.Severity == models.SeverityModerate {
		reply += "\n\n💙 Remember, if you need immediate support: " + language.CrisisResources(lang)
	}

	tag := o.sentiment.Analyze(text)
	now := o.now().UTC()
	commit := store.TurnCommit{
		UserID:   user.ID,
		Language: lang,
		Turn: models.MessageTurn{
			UserID:     user.ID,
			Input:      text,
			Reply:      reply,
			Sentiment:  tag,
			Assessment: a,
			Language:   lang,
			Timestamp:  now,
		},
		Mood: &models.MoodEntry{Timestamp: now, Sentiment: tag.Label, CrisisSeverity: a.Severity},
	}
	if err := o.commit(ctx, commit); err != nil {
		return nil, err
	}
	slog.Info("Orchestrator.respond: generated reply", "userID", user.ID, "replyLength", len(reply))
	return &TurnResult{
		UserID:     user.ID,
		Reply:      reply,
		Assessment: a,
		Sentiment:  tag,
		Language:   lang,
	}, nil
}

func (o *Orchestrator) commit(ctx context.Context, c store.TurnCommit) error {
	sctx, cancel := withTimeout(ctx, o.storeTimeout)
	defer cancel()
	if err := o.store.CommitTurn(sctx, c); err != nil {
		slog.Error("Orchestrator.commit: failed to record turn", "userID", c.UserID, "error", err)
		return asStoreError("commit_turn", err)
	}
	return nil
}

// BuildContext assembles the one-line context string given to generation from
// the profile as it was before this turn.
func BuildContext(user models.UserProfile, a models.CrisisAssessment) string {
	var parts []string
	if user.DisplayName != "" {
		parts = append(parts, "User's name: "+user.DisplayName)
	}
	if user.RiskLevel != "" {
		parts = append(parts, "Risk level: "+string(user.RiskLevel))
	}
	if (a.Severity == models.SeverityModerate || a.Severity == models.SeverityLow) && len(a.MatchedKeywords) > 0 {
		kw := a.MatchedKeywords
		if len(kw) > maxContextKeywords {
			kw = kw[:maxContextKeywords]
		}
		parts = append(parts, "User is experiencing: "+strings.Join(kw, ", "))
	}
	if len(parts) == 0 {
		return "New conversation"
	}
	return strings.Join(parts, " | ")
}

// CombinedInput joins the context line and the user's message.
func CombinedInput(contextLine, message string) string {
	return "Context: " + contextLine + "\n\nUser message: " + message
}
