package conversation

import (
	"context"

	"github.com/BTreeMap/Empathibot/internal/models"
)

const (
	insightWindow   = 7
	improvingCutoff = 0.3
	decliningCutoff = -0.3
)

// Insights summarizes a user's recent mood and crisis history.
func (o *Orchestrator) Insights(ctx context.Context, userID string) (models.UserInsights, error) {
	sctx, cancel := withTimeout(ctx, o.storeTimeout)
	defer cancel()
	user, err := o.store.GetUser(sctx, userID)
	if err != nil {
		return models.UserInsights{}, asStoreError("get_user", err)
	}
	return BuildInsights(user), nil
}

// BuildInsights scores the last seven mood entries: (positive - negative) / n.
func BuildInsights(user models.UserProfile) models.UserInsights {
	recent := user.MoodTrend
	if len(recent) > insightWindow {
		recent = recent[len(recent)-insightWindow:]
	}
	recent = append([]models.MoodEntry{}, recent...)

	var score float64
	if n := len(recent); n > 0 {
		var pos, neg int
		for _, m := range recent {
			switch m.Sentiment {
			case models.SentimentPositive:
				pos++
			case models.SentimentNegative:
				neg++
			}
		}
		score = float64(pos-neg) / float64(n)
	}

	trend := models.MoodStable
	switch {
	case score > improvingCutoff:
		trend = models.MoodImproving
	case score < decliningCutoff:
		trend = models.MoodDeclining
	}
	return models.UserInsights{
		UserID:             user.ID,
		TotalConversations: user.ConversationCount,
		CrisisAlerts:       user.CrisisAlerts,
		RiskLevel:          user.RiskLevel,
		MoodTrend:          trend,
		MoodScore:          score,
		RecentMoods:        recent,
	}
}
