package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/BTreeMap/Empathibot/internal/models"
)

// stepClock returns a strictly increasing time on every call.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func newStepClock() *stepClock {
	return &stepClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type storeFactory func(t *testing.T, opts ...Option) interface {
	Store
	DedupRepo
}

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	b := map[string]storeFactory{
		"memory": func(t *testing.T, opts ...Option) interface {
			Store
			DedupRepo
		} {
			return NewInMemoryStore(opts...)
		},
		"sqlite": func(t *testing.T, opts ...Option) interface {
			Store
			DedupRepo
		} {
			return newTestSQLiteStore(t, opts...)
		},
	}
	if dsn, ok := syscall.Getenv("DATABASE_URL"); ok && dsn != "" {
		b["postgres"] = func(t *testing.T, opts ...Option) interface {
			Store
			DedupRepo
		} {
			s, err := NewPostgresStore(append([]Option{WithPostgresDSN(dsn)}, opts...)...)
			if err != nil {
				t.Skipf("Postgres not available: %v", err)
			}
			for _, table := range []string{"mood_entries", "message_turns", "crisis_alerts", "check_in_logs", "crisis_follow_ups", "inbound_dedup", "users"} {
				s.db.Exec("DELETE FROM " + table)
			}
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return b
}

func newTestSQLiteStore(t *testing.T, opts ...Option) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state", "empathibot.db")
	s, err := NewSQLiteStore(append([]Option{WithSQLiteDSN(dbPath)}, opts...)...)
	if err != nil {
		t.Fatalf("failed to open sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetOrCreateUser(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			first, err := s.GetOrCreateUser(ctx, "+15550001")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if first.RiskLevel != models.RiskUnknown || first.PreferredLanguage != "en" || !first.CheckInEnabled {
				t.Errorf("unexpected defaults: %+v", first)
			}
			if first.MoodTrend == nil || len(first.MoodTrend) != 0 {
				t.Errorf("expected empty mood trend, got %v", first.MoodTrend)
			}
			second, err := s.GetOrCreateUser(ctx, "+15550001")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if second.ID != first.ID {
				t.Errorf("expected same user id, got %s and %s", first.ID, second.ID)
			}

			_, err = s.GetOrCreateUser(ctx, "")
			var ve *models.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("expected ValidationError for empty identity, got %v", err)
			}

			_, err = s.GetUser(ctx, "u_missing")
			if !errors.Is(err, models.ErrUserNotFound) {
				t.Errorf("expected ErrUserNotFound, got %v", err)
			}
		})
	}
}

func TestRecordActivity(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			u, _ := s.GetOrCreateUser(ctx, "+15550002")
			if err := s.RecordActivity(ctx, u.ID, "es", false); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err := s.RecordActivity(ctx, u.ID, "", true); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got, err := s.GetUser(ctx, u.ID)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.ConversationCount != 2 {
				t.Errorf("conversation_count = %d, want 2", got.ConversationCount)
			}
			if got.CrisisAlerts != 1 || got.RiskLevel != models.RiskHigh {
				t.Errorf("expected one crisis alert and high risk, got %d %s", got.CrisisAlerts, got.RiskLevel)
			}
			if got.PreferredLanguage != "es" {
				t.Errorf("empty language must not overwrite preference, got %q", got.PreferredLanguage)
			}
			if err := s.RecordActivity(ctx, "u_missing", "en", false); !errors.Is(err, models.ErrUserNotFound) {
				t.Errorf("expected ErrUserNotFound, got %v", err)
			}
		})
	}
}

func TestConcurrentActivityLosesNoUpdates(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			const maxHistory = 5
			s := newStore(t, WithMaxHistory(maxHistory))
			u, _ := s.GetOrCreateUser(ctx, "+15550003")
			const workers = 20
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					errs <- s.CommitTurn(ctx, TurnCommit{
						UserID:   u.ID,
						Language: "en",
						Turn:     models.MessageTurn{Input: fmt.Sprintf("msg %d", i), Reply: "ok"},
						Mood:     &models.MoodEntry{Sentiment: models.SentimentNeutral, CrisisSeverity: models.SeverityLow},
					})
				}(i)
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				if err != nil {
					t.Fatalf("commit failed: %v", err)
				}
			}
			got, _ := s.GetUser(ctx, u.ID)
			if got.ConversationCount != workers {
				t.Errorf("conversation_count = %d, want %d", got.ConversationCount, workers)
			}
			if len(got.MoodTrend) != workers {
				t.Errorf("mood trend length = %d, want %d", len(got.MoodTrend), workers)
			}
			history, err := s.History(ctx, u.ID, 0)
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			if len(history) != maxHistory {
				t.Errorf("history length = %d, want %d after trimming", len(history), maxHistory)
			}
			seen := make(map[string]bool)
			for _, turn := range history {
				if seen[turn.Input] {
					t.Errorf("duplicate turn %q in history", turn.Input)
				}
				seen[turn.Input] = true
			}
		})
	}
}

func TestHistoryRetention(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newStepClock()
			s := newStore(t, WithMaxHistory(3), WithClock(clock.Now))
			u, _ := s.GetOrCreateUser(ctx, "+15550004")
			for i := 1; i <= 5; i++ {
				turn := models.MessageTurn{
					UserID: u.ID,
					Input:  fmt.Sprintf("message %d", i),
					Reply:  fmt.Sprintf("reply %d", i),
					Sentiment: models.Sentiment{
						Label: models.SentimentNegative,
						Score: 1,
					},
					Assessment: models.CrisisAssessment{Severity: models.SeverityModerate, Score: 20, MatchedKeywords: []string{"depressed"}},
					Language:   "en",
					Timestamp:  clock.Now(),
				}
				if err := s.SaveTurn(ctx, turn); err != nil {
					t.Fatalf("save turn %d: %v", i, err)
				}
			}
			history, err := s.History(ctx, u.ID, 10)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(history) != 3 {
				t.Fatalf("expected 3 retained turns, got %d", len(history))
			}
			for i, want := range []string{"message 3", "message 4", "message 5"} {
				if history[i].Input != want {
					t.Errorf("history[%d] = %q, want %q", i, history[i].Input, want)
				}
			}
			if history[2].Assessment.Score != 20 || history[2].Sentiment.Label != models.SentimentNegative {
				t.Errorf("turn payload not preserved: %+v", history[2])
			}
			if len(history[2].Assessment.MatchedKeywords) != 1 {
				t.Errorf("matched keywords not preserved: %v", history[2].Assessment.MatchedKeywords)
			}

			recent, _ := s.History(ctx, u.ID, 2)
			if len(recent) != 2 || recent[0].Input != "message 4" || recent[1].Input != "message 5" {
				t.Errorf("expected last two turns oldest first, got %+v", recent)
			}

			if err := s.SaveTurn(ctx, models.MessageTurn{UserID: "u_missing", Input: "x"}); !errors.Is(err, models.ErrUserNotFound) {
				t.Errorf("expected ErrUserNotFound, got %v", err)
			}
		})
	}
}

func TestMoodTrendBounded(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newStepClock()
			s := newStore(t, WithClock(clock.Now))
			u, _ := s.GetOrCreateUser(ctx, "+15550005")
			var last time.Time
			for i := 0; i < models.MoodTrendCapacity+5; i++ {
				last = clock.Now()
				entry := models.MoodEntry{Timestamp: last, Sentiment: models.SentimentPositive, CrisisSeverity: models.SeverityLow}
				if err := s.AppendMood(ctx, u.ID, entry); err != nil {
					t.Fatalf("append mood: %v", err)
				}
			}
			got, _ := s.GetUser(ctx, u.ID)
			if len(got.MoodTrend) != models.MoodTrendCapacity {
				t.Fatalf("mood trend length = %d, want %d", len(got.MoodTrend), models.MoodTrendCapacity)
			}
			if !got.MoodTrend[len(got.MoodTrend)-1].Timestamp.Equal(last) {
				t.Errorf("expected newest entry last, got %v want %v", got.MoodTrend[len(got.MoodTrend)-1].Timestamp, last)
			}
		})
	}
}

func TestCommitTurnEscalation(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newStepClock()
			s := newStore(t, WithClock(clock.Now))
			u, _ := s.GetOrCreateUser(ctx, "+15550006")
			alertAt := clock.Now()
			err := s.CommitTurn(ctx, TurnCommit{
				UserID:         u.ID,
				Language:       "en",
				CrisisDetected: true,
				Alert: &models.CrisisAlert{
					UserID: u.ID, Identity: u.Identity, Message: "I want to kill myself",
					Severity: models.SeverityCritical, Score: 100, MatchedKeywords: []string{"kill myself"},
					ResponseSent: "help", Timestamp: alertAt,
				},
				Turn: models.MessageTurn{Input: "I want to kill myself", Reply: "help"},
			})
			if err != nil {
				t.Fatalf("commit failed: %v", err)
			}
			got, _ := s.GetUser(ctx, u.ID)
			if got.CrisisAlerts != 1 || got.RiskLevel != models.RiskHigh || got.ConversationCount != 1 {
				t.Errorf("unexpected profile after escalation: %+v", got)
			}
			if len(got.MoodTrend) != 0 {
				t.Errorf("escalation must not append a mood entry, got %v", got.MoodTrend)
			}
			alerts, err := s.ListCrisisAlerts(ctx, alertAt.Add(-time.Minute), alertAt.Add(time.Minute))
			if err != nil {
				t.Fatalf("list alerts: %v", err)
			}
			if len(alerts) != 1 || alerts[0].Severity != models.SeverityCritical || alerts[0].MatchedKeywords[0] != "kill myself" {
				t.Errorf("unexpected alerts: %+v", alerts)
			}
			outside, _ := s.ListCrisisAlerts(ctx, alertAt, alertAt.Add(time.Minute))
			if len(outside) != 0 {
				t.Errorf("alert window lower bound must be exclusive, got %d alerts", len(outside))
			}

			err = s.CommitTurn(ctx, TurnCommit{UserID: "u_missing", Turn: models.MessageTurn{Input: "x"}})
			if !errors.Is(err, models.ErrUserNotFound) {
				t.Errorf("expected ErrUserNotFound, got %v", err)
			}
		})
	}
}

func TestCheckInCandidates(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			clock := newStepClock()
			s := newStore(t, WithClock(clock.Now))
			fresh, _ := s.GetOrCreateUser(ctx, "+15550007")
			optedOut, _ := s.GetOrCreateUser(ctx, "+15550008")
			recent, _ := s.GetOrCreateUser(ctx, "+15550009")

			if err := s.SetCheckInEnabled(ctx, optedOut.ID, false); err != nil {
				t.Fatalf("set check-in enabled: %v", err)
			}
			sentAt := clock.Now()
			if err := s.RecordCheckIn(ctx, models.CheckInLog{
				UserID: recent.ID, Identity: recent.Identity, Message: "hi", Status: models.OutreachSent, DeliveryID: "SM1", Timestamp: sentAt,
			}); err != nil {
				t.Fatalf("record check-in: %v", err)
			}
			if err := s.RecordCheckIn(ctx, models.CheckInLog{
				UserID: fresh.ID, Identity: fresh.Identity, Message: "hi", Status: models.OutreachGeneratedNotSent,
			}); err != nil {
				t.Fatalf("record check-in: %v", err)
			}

			candidates, err := s.ListCheckInCandidates(ctx, sentAt.Add(-time.Hour))
			if err != nil {
				t.Fatalf("list candidates: %v", err)
			}
			if len(candidates) != 1 || candidates[0].ID != fresh.ID {
				t.Errorf("expected only the fresh user, got %+v", candidates)
			}

			later, _ := s.ListCheckInCandidates(ctx, sentAt.Add(25*time.Hour))
			if len(later) != 2 {
				t.Errorf("expected fresh and recent users after a day, got %d", len(later))
			}

			got, _ := s.GetUser(ctx, recent.ID)
			if got.LastCheckIn == nil || !got.LastCheckIn.Equal(sentAt) {
				t.Errorf("expected last_check_in %v, got %v", sentAt, got.LastCheckIn)
			}
		})
	}
}

func TestProfileUpdates(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			u, _ := s.GetOrCreateUser(ctx, "+15550010")
			if err := s.SetDisplayName(ctx, u.ID, "Sam"); err != nil {
				t.Fatalf("set display name: %v", err)
			}
			got, _ := s.GetUser(ctx, u.ID)
			if got.DisplayName != "Sam" {
				t.Errorf("display name = %q, want Sam", got.DisplayName)
			}
			if err := s.SetDisplayName(ctx, "u_missing", "x"); !errors.Is(err, models.ErrUserNotFound) {
				t.Errorf("expected ErrUserNotFound, got %v", err)
			}
		})
	}
}

func TestCrisisFollowUps(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			u, _ := s.GetOrCreateUser(ctx, "+15550011")
			has, err := s.HasCrisisFollowUp(ctx, u.ID)
			if err != nil || has {
				t.Fatalf("expected no follow-up, got %v %v", has, err)
			}
			if err := s.SaveCrisisFollowUp(ctx, models.CrisisFollowUp{
				UserID: u.ID, Identity: u.Identity, Severity: models.SeverityHigh, Message: "checking in", Status: models.OutreachSent,
			}); err != nil {
				t.Fatalf("save follow-up: %v", err)
			}
			has, err = s.HasCrisisFollowUp(ctx, u.ID)
			if err != nil || !has {
				t.Errorf("expected follow-up recorded, got %v %v", has, err)
			}
		})
	}
}

func TestInboundDedup(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			isNew, err := s.RecordInbound(ctx, "SM123", "+15550012")
			if err != nil || !isNew {
				t.Fatalf("expected first record to be new, got %v %v", isNew, err)
			}
			isNew, err = s.RecordInbound(ctx, "SM123", "+15550012")
			if err != nil || isNew {
				t.Errorf("expected duplicate, got %v %v", isNew, err)
			}
			dup, err := s.IsDuplicate(ctx, "SM123")
			if err != nil || !dup {
				t.Errorf("expected IsDuplicate true, got %v %v", dup, err)
			}
			if err := s.MarkProcessed(ctx, "SM123"); err != nil {
				t.Errorf("mark processed: %v", err)
			}
			dup, _ = s.IsDuplicate(ctx, "SM999")
			if dup {
				t.Error("unseen message reported as duplicate")
			}
		})
	}
}

func TestDetectDSNType(t *testing.T) {
	tests := map[string]string{
		"postgres://u:p@localhost/db":          "postgres",
		"postgresql://localhost/db":            "postgres",
		"host=localhost user=x dbname=y":       "postgres",
		"/var/lib/empathibot/state.db":         "sqlite3",
		"file:/tmp/x.db?_busy_timeout=5000":    "sqlite3",
		"file:test.db?cache=shared&mode=rwc":   "sqlite3",
	}
	for dsn, want := range tests {
		if got := DetectDSNType(dsn); got != want {
			t.Errorf("DetectDSNType(%q) = %q, want %q", dsn, got, want)
		}
	}
}

func TestPlaceholderRewrite(t *testing.T) {
	c := &sqlCore{dialect: postgresDialect}
	got := c.q(`UPDATE users SET a = ?, b = ? WHERE id = ?`)
	if want := `UPDATE users SET a = $1, b = $2 WHERE id = $3`; got != want {
		t.Errorf("q() = %q, want %q", got, want)
	}
	s := &sqlCore{dialect: sqliteDialect}
	if got := s.q(`SELECT ?`); got != `SELECT ?` {
		t.Errorf("sqlite query must be unchanged, got %q", got)
	}
}

func TestOpenSelectsBackend(t *testing.T) {
	mem, err := Open()
	if err != nil {
		t.Fatalf("Open(): %v", err)
	}
	if _, ok := mem.(*InMemoryStore); !ok {
		t.Errorf("expected in-memory store without DSN, got %T", mem)
	}

	lite, err := Open(WithSQLiteDSN(filepath.Join(t.TempDir(), "open.db")))
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	defer lite.Close()
	if _, ok := lite.(*SQLiteStore); !ok {
		t.Errorf("expected SQLite store for a file DSN, got %T", lite)
	}
}
