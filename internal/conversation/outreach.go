package conversation

import (
	"context"
	"strings"

	"github.com/BTreeMap/Empathibot/internal/models"
)

const defaultCheckInName = "friend"

var checkInTemplates = []string{
	"Hey {name} 👋 Just checking in - how are you feeling today?",
	"Hi {name} 💙 I wanted to see how you're doing. What's on your mind?",
	"Hello {name} ☀️ How has your day been treating you?",
	"Hey {name} 🌟 Just thinking of you. How are things going?",
}

const (
	criticalFollowUp = "💙 Checking in after our conversation. I'm still here if you need support.\n\n" +
		"Please remember:\n📞 988 - Available 24/7\n📱 Crisis Text Line: Text HOME to 741741\n\n" +
		"You matter, and people care about you. How are you doing right now?"
	highFollowUp = "💙 Hi, I wanted to follow up and see how you're feeling now.\n\n" +
		"Remember that I'm here to listen, and professional support is available if you need it.\n\n" +
		"How are things going?"
	defaultFollowUp = "💙 Just checking in on you. How are you feeling today?\n\n" +
		"I'm here if you want to talk about anything."
)

// GenerateCheckIn returns a friendly check-in addressed to the user. It has
// no side effects.
func (o *Orchestrator) GenerateCheckIn(ctx context.Context, userID string) (string, error) {
	sctx, cancel := withTimeout(ctx, o.storeTimeout)
	defer cancel()
	user, err := o.store.GetUser(sctx, userID)
	if err != nil {
		return "", asStoreError("get_user", err)
	}
	return CheckInMessage(user.DisplayName, o.pick), nil
}

// CheckInMessage fills a template chosen by pick with name, or "friend" when empty.
func CheckInMessage(name string, pick func(n int) int) string {
	if name == "" {
		name = defaultCheckInName
	}
	i := pick(len(checkInTemplates))
	if i < 0 || i >= len(checkInTemplates) {
		i = 0
	}
	return strings.ReplaceAll(checkInTemplates[i], "{name}", name)
}

// GenerateFollowUp returns the follow-up text sent some hours after a crisis alert.
func (o *Orchestrator) GenerateFollowUp(userID string, severity models.Severity) string {
	return FollowUpMessage(severity)
}

// FollowUpMessage maps a severity to its follow-up text.
func FollowUpMessage(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return criticalFollowUp
	case models.SeverityHigh:
		return highFollowUp
	default:
		return defaultFollowUp
	}
}
