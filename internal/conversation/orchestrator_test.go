package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/Empathibot/internal/crisis"
	"github.com/BTreeMap/Empathibot/internal/lexicon"
	"github.com/BTreeMap/Empathibot/internal/models"
	"github.com/BTreeMap/Empathibot/internal/store"
)

// fakeGenerator records prompts and returns a fixed reply or error.
type fakeGenerator struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []models.PromptContext
}

func (g *fakeGenerator) GenerateReply(ctx context.Context, pc models.PromptContext) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, pc)
	return g.reply, g.err
}

func (g *fakeGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.prompts)
}

func (g *fakeGenerator) Last() models.PromptContext {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[len(g.prompts)-1]
}

type fixedLanguage string

func (f fixedLanguage) Detect(string) string { return string(f) }

// failingStore fails CommitTurn while delegating everything else.
type failingStore struct {
	*store.InMemoryStore
}

func (f *failingStore) CommitTurn(ctx context.Context, c store.TurnCommit) error {
	return &models.StoreError{Op: "commit_turn", Err: errors.New("disk full")}
}

func newTestOrchestrator(t *testing.T, st SessionStore, gen Generator, opts ...Option) *Orchestrator {
	t.Helper()
	lex, err := lexicon.Default()
	if err != nil {
		t.Fatalf("failed to load lexicon: %v", err)
	}
	det, err := crisis.NewDetector(lex)
	if err != nil {
		t.Fatalf("failed to build detector: %v", err)
	}
	o, err := NewOrchestrator(st, gen, det, fixedLanguage("en"), opts...)
	if err != nil {
		t.Fatalf("failed to build orchestrator: %v", err)
	}
	return o
}

func TestProcessMessageEscalation(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	gen := &fakeGenerator{reply: "unused"}
	o := newTestOrchestrator(t, st, gen)

	res, err := o.ProcessMessage(ctx, "+15550200", "I want to kill myself")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Escalated || res.Assessment.Severity != models.SeverityCritical {
		t.Errorf("expected critical escalation, got %+v", res)
	}
	if !strings.Contains(res.Reply, "988") || !strings.Contains(res.Reply, "911") {
		t.Errorf("escalation reply missing hotlines: %q", res.Reply)
	}
	if gen.Calls() != 0 {
		t.Errorf("generation must not run on the escalation path, got %d calls", gen.Calls())
	}

	user, _ := st.GetUser(ctx, res.UserID)
	if user.RiskLevel != models.RiskHigh || user.CrisisAlerts != 1 || user.ConversationCount != 1 {
		t.Errorf("unexpected profile after escalation: %+v", user)
	}
	if len(user.MoodTrend) != 0 {
		t.Errorf("escalation must not append mood, got %v", user.MoodTrend)
	}
	history, _ := st.History(ctx, res.UserID, 10)
	if len(history) != 1 || history[0].Sentiment.Label != models.SentimentNegative || history[0].Sentiment.Score != 0.9 {
		t.Errorf("expected one turn tagged negative/0.9, got %+v", history)
	}
	alerts, _ := st.ListCrisisAlerts(ctx, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if len(alerts) != 1 || alerts[0].ResponseSent != res.Reply {
		t.Errorf("expected one crisis alert with the response, got %+v", alerts)
	}
}

func TestProcessMessageRespond(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	gen := &fakeGenerator{reply: "I'm glad to hear it."}
	o := newTestOrchestrator(t, st, gen)

	res, err := o.ProcessMessage(ctx, "+15550201", "I'm feeling much better today, therapy is really helping")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Escalated || res.Reply != "I'm glad to hear it." {
		t.Errorf("unexpected result: %+v", res)
	}
	if res.Sentiment.Label != models.SentimentPositive {
		t.Errorf("expected positive sentiment, got %s", res.Sentiment.Label)
	}
	want := "Context: Risk level: unknown\n\nUser message: I'm feeling much better today, therapy is really helping"
	if got := gen.Last().Input; got != want {
		t.Errorf("prompt input = %q, want %q", got, want)
	}

	user, _ := st.GetUser(ctx, res.UserID)
	if user.ConversationCount != 1 || user.RiskLevel != models.RiskUnknown {
		t.Errorf("unexpected profile: %+v", user)
	}
	if len(user.MoodTrend) != 1 || user.MoodTrend[0].Sentiment != models.SentimentPositive || user.MoodTrend[0].CrisisSeverity != models.SeverityLow {
		t.Errorf("expected one positive/low mood entry, got %+v", user.MoodTrend)
	}
}

func TestProcessMessageModerateAppendsResources(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	gen := &fakeGenerator{reply: "That sounds heavy."}
	o := newTestOrchestrator(t, st, gen)

	res, err := o.ProcessMessage(ctx, "+15550202", "I've been so depressed lately")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Escalated {
		t.Fatal("moderate severity must not escalate")
	}
	if !strings.HasPrefix(res.Reply, "That sounds heavy.\n\n💙 Remember, if you need immediate support: ") {
		t.Errorf("expected resources suffix, got %q", res.Reply)
	}
	if !strings.Contains(res.Reply, "988") {
		t.Errorf("expected hotline in resources suffix, got %q", res.Reply)
	}
	if !strings.Contains(gen.Last().Input, "User is experiencing: depressed") {
		t.Errorf("expected matched keywords in context, got %q", gen.Last().Input)
	}
}

func TestProcessMessageMemoryWindow(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	gen := &fakeGenerator{reply: "ok"}
	o := newTestOrchestrator(t, st, gen)
	for i := 1; i <= 7; i++ {
		if _, err := o.ProcessMessage(ctx, "+15550203", fmt.Sprintf("note %d", i)); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}
	summary := gen.Last().HistorySummary
	if strings.Contains(summary, "note 1\n") || !strings.Contains(summary, "Human: note 2") || !strings.Contains(summary, "Human: note 6") {
		t.Errorf("expected the last five exchanges in memory, got %q", summary)
	}
}

func TestProcessMessageGenerationFailureRecordsNothing(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	gen := &fakeGenerator{err: errors.New("quota exceeded")}
	o := newTestOrchestrator(t, st, gen)

	_, err := o.ProcessMessage(ctx, "+15550204", "hello there")
	var ge *models.GenerationError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GenerationError, got %v", err)
	}
	user, _ := st.GetOrCreateUser(ctx, "+15550204")
	if user.ConversationCount != 0 {
		t.Errorf("failed turn must not be recorded, count = %d", user.ConversationCount)
	}
	history, _ := st.History(ctx, user.ID, 10)
	if len(history) != 0 {
		t.Errorf("failed turn must not be recorded, history = %v", history)
	}
}

func TestProcessMessageEmptyReplyIsGenerationError(t *testing.T) {
	o := newTestOrchestrator(t, store.NewInMemoryStore(), &fakeGenerator{reply: "  "})
	_, err := o.ProcessMessage(context.Background(), "+15550205", "hello there")
	var ge *models.GenerationError
	if !errors.As(err, &ge) {
		t.Errorf("expected GenerationError for empty output, got %v", err)
	}
}

func TestProcessMessageStoreFailure(t *testing.T) {
	st := &failingStore{InMemoryStore: store.NewInMemoryStore()}
	o := newTestOrchestrator(t, st, &fakeGenerator{reply: "ok"})
	_, err := o.ProcessMessage(context.Background(), "+15550206", "hello there")
	var se *models.StoreError
	if !errors.As(err, &se) {
		t.Errorf("expected StoreError, got %v", err)
	}
}

func TestProcessMessageValidation(t *testing.T) {
	o := newTestOrchestrator(t, store.NewInMemoryStore(), &fakeGenerator{reply: "ok"})
	for _, tc := range []struct{ identity, body string }{
		{"", "hi"},
		{"+15550207", ""},
		{"+15550207", "   "},
		{"+15550207", strings.Repeat("a", models.MaxMessageBodyLength+1)},
	} {
		_, err := o.ProcessMessage(context.Background(), tc.identity, tc.body)
		var ve *models.ValidationError
		if !errors.As(err, &ve) {
			t.Errorf("ProcessMessage(%q, len %d): expected ValidationError, got %v", tc.identity, len(tc.body), err)
		}
	}
}

func TestConcurrentTurnsSameUser(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore(store.WithMaxHistory(4))
	o := newTestOrchestrator(t, st, &fakeGenerator{reply: "ok"})
	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.ProcessMessage(ctx, "+15550208", fmt.Sprintf("message %d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	user, _ := st.GetOrCreateUser(ctx, "+15550208")
	if user.ConversationCount != n {
		t.Errorf("conversation_count = %d, want %d", user.ConversationCount, n)
	}
	history, _ := st.History(ctx, user.ID, 10)
	if len(history) != 4 {
		t.Errorf("history length = %d, want 4", len(history))
	}
}

func TestBuildContext(t *testing.T) {
	tests := []struct {
		name string
		user models.UserProfile
		a    models.CrisisAssessment
		want string
	}{
		{"empty", models.UserProfile{}, models.CrisisAssessment{Severity: models.SeverityLow}, "New conversation"},
		{
			"name and risk",
			models.UserProfile{DisplayName: "Sam", RiskLevel: models.RiskHigh},
			models.CrisisAssessment{Severity: models.SeverityLow},
			"User's name: Sam | Risk level: high",
		},
		{
			"keywords capped at three",
			models.UserProfile{RiskLevel: models.RiskUnknown},
			models.CrisisAssessment{Severity: models.SeverityModerate, MatchedKeywords: []string{"a", "b", "c", "d"}},
			"Risk level: unknown | User is experiencing: a, b, c",
		},
		{
			"high severity keywords omitted",
			models.UserProfile{},
			models.CrisisAssessment{Severity: models.SeverityHigh, MatchedKeywords: []string{"x"}},
			"New conversation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildContext(tt.user, tt.a); got != tt.want {
				t.Errorf("BuildContext() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewOrchestratorRequiresCollaborators(t *testing.T) {
	if _, err := NewOrchestrator(nil, &fakeGenerator{}, nil, fixedLanguage("en")); err == nil {
		t.Error("expected error for missing collaborators")
	}
}
