package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/Empathibot/internal/models"
	"github.com/BTreeMap/Empathibot/internal/store"
)

func moods(labels ...models.SentimentLabel) []models.MoodEntry {
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.MoodEntry, len(labels))
	for i, l := range labels {
		out[i] = models.MoodEntry{Timestamp: base.Add(time.Duration(i) * time.Hour), Sentiment: l, CrisisSeverity: models.SeverityLow}
	}
	return out
}

func TestBuildInsights(t *testing.T) {
	pos, neg, neu := models.SentimentPositive, models.SentimentNegative, models.SentimentNeutral
	tests := []struct {
		name  string
		trend []models.MoodEntry
		want  models.MoodTrendDirection
		score float64
	}{
		{"no moods", nil, models.MoodStable, 0},
		{"improving", moods(pos, pos, neu), models.MoodImproving, 2.0 / 3.0},
		{"declining", moods(neg, neg, pos, neg), models.MoodDeclining, -0.5},
		{"stable", moods(pos, neg, neu), models.MoodStable, 0},
		{"only last seven count", moods(neg, neg, neg, pos, pos, pos, pos, pos, pos, pos), models.MoodImproving, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildInsights(models.UserProfile{ID: "u_1", MoodTrend: tt.trend})
			if got.MoodTrend != tt.want {
				t.Errorf("trend = %s, want %s", got.MoodTrend, tt.want)
			}
			if got.MoodScore != tt.score {
				t.Errorf("score = %v, want %v", got.MoodScore, tt.score)
			}
			if len(got.RecentMoods) > 7 {
				t.Errorf("expected at most 7 recent moods, got %d", len(got.RecentMoods))
			}
		})
	}
}

func TestInsightsFromStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	o := newTestOrchestrator(t, st, &fakeGenerator{reply: "ok"})
	if _, err := o.ProcessMessage(ctx, "+15550400", "I feel happy and grateful"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, _ := st.GetOrCreateUser(ctx, "+15550400")
	ins, err := o.Insights(ctx, u.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ins.TotalConversations != 1 || ins.MoodTrend != models.MoodImproving || len(ins.RecentMoods) != 1 {
		t.Errorf("unexpected insights: %+v", ins)
	}
}
