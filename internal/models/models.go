// Package models defines the core data structures for Empathibot.
//
// It includes user profiles, conversation turns, crisis assessments and the
// delivery/receipt types shared across modules.
package models

import (
	"time"
)

// Validation constants for inbound traffic
const (
	// MaxMessageBodyLength defines the maximum accepted length of an inbound message body
	MaxMessageBodyLength = 4096
	// MaxDisplayNameLength defines the maximum accepted length of a user's display name
	MaxDisplayNameLength = 100
	// MoodTrendCapacity is the number of mood entries retained per user
	MoodTrendCapacity = 30
	// DefaultLanguage is the language assumed when detection fails
	DefaultLanguage = "en"
)

// RiskLevel is the coarse risk classification stored on a user profile.
type RiskLevel string

const (
	RiskUnknown  RiskLevel = "unknown"
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
)

// Severity is the outcome tier of crisis scoring.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityModerate Severity = "moderate"
	SeverityLow      Severity = "low"
)

// IsValidSeverity reports whether s is one of the four known tiers.
func IsValidSeverity(s Severity) bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityModerate, SeverityLow:
		return true
	default:
		return false
	}
}

// SentimentLabel is the coarse polarity of a message.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNegative SentimentLabel = "negative"
	SentimentNeutral  SentimentLabel = "neutral"
)

// Sentiment tags a message with its polarity and a strength score.
type Sentiment struct {
	Label SentimentLabel `json:"sentiment"`
	Score float64        `json:"score"`
}

// CrisisAssessment is the result of scoring one message for crisis risk.
// It is produced fresh per message and never mutated afterwards.
type CrisisAssessment struct {
	IsCrisis        bool     `json:"is_crisis"`
	Severity        Severity `json:"severity"`
	Score           int      `json:"severity_score"`
	MatchedKeywords []string `json:"matched_keywords"`
	Confidence      float64  `json:"confidence"`
}

// MoodEntry is one point of a user's mood trend.
type MoodEntry struct {
	Timestamp      time.Time      `json:"timestamp"`
	Sentiment      SentimentLabel `json:"sentiment"`
	CrisisSeverity Severity       `json:"crisis_severity"`
}

// AppendMood appends entry to trend and keeps only the newest MoodTrendCapacity
// entries. The returned slice never aliases trend.
func AppendMood(trend []MoodEntry, entry MoodEntry) []MoodEntry {
	out := make([]MoodEntry, 0, len(trend)+1)
	out = append(out, trend...)
	out = append(out, entry)
	if len(out) > MoodTrendCapacity {
		out = out[len(out)-MoodTrendCapacity:]
	}
	return out
}

// UserProfile is the per-identity record created on first contact.
type UserProfile struct {
	ID                string      `json:"id"`
	Identity          string      `json:"identity"` // opaque external address, e.g. a phone number
	DisplayName       string      `json:"display_name,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	LastInteraction   time.Time   `json:"last_interaction"`
	ConversationCount int         `json:"conversation_count"`
	CrisisAlerts      int         `json:"crisis_alerts"`
	PreferredLanguage string      `json:"preferred_language"`
	RiskLevel         RiskLevel   `json:"risk_level"`
	MoodTrend         []MoodEntry `json:"mood_trend"`
	CheckInEnabled    bool        `json:"check_in_enabled"`
	LastCheckIn       *time.Time  `json:"last_check_in,omitempty"`
}

// NewUserProfile returns the default profile for a first-contact identity.
func NewUserProfile(id, identity string, now time.Time) UserProfile {
	return UserProfile{
		ID:                id,
		Identity:          identity,
		CreatedAt:         now,
		LastInteraction:   now,
		PreferredLanguage: DefaultLanguage,
		RiskLevel:         RiskUnknown,
		MoodTrend:         []MoodEntry{},
		CheckInEnabled:    true,
	}
}

// MessageTurn is one inbound message and the reply produced for it.
type MessageTurn struct {
	ID         int64            `json:"id,omitempty"`
	UserID     string           `json:"user_id"`
	Input      string           `json:"user_message"`
	Reply      string           `json:"bot_response"`
	Sentiment  Sentiment        `json:"sentiment"`
	Assessment CrisisAssessment `json:"crisis_info"`
	Language   string           `json:"language"`
	Timestamp  time.Time        `json:"timestamp"`
}

// CrisisAlert records an escalation.
type CrisisAlert struct {
	ID              int64     `json:"id,omitempty"`
	UserID          string    `json:"user_id"`
	Identity        string    `json:"identity"`
	Message         string    `json:"message"`
	Severity        Severity  `json:"severity"`
	Score           int       `json:"severity_score"`
	MatchedKeywords []string  `json:"matched_keywords"`
	ResponseSent    string    `json:"response_sent"`
	Timestamp       time.Time `json:"timestamp"`
}

// OutreachStatus is the outcome of a scheduled outbound message.
type OutreachStatus string

const (
	// OutreachSent indicates the gateway accepted the message.
	OutreachSent OutreachStatus = "sent"
	// OutreachGeneratedNotSent indicates text was generated but no gateway was configured.
	OutreachGeneratedNotSent OutreachStatus = "generated_not_sent"
	// OutreachFailed indicates the gateway rejected the message.
	OutreachFailed OutreachStatus = "failed"
)

// CheckInLog records one daily check-in attempt.
type CheckInLog struct {
	UserID     string         `json:"user_id"`
	Identity   string         `json:"identity"`
	Message    string         `json:"message"`
	Status     OutreachStatus `json:"status"`
	DeliveryID string         `json:"delivery_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// CrisisFollowUp records one follow-up sent after a crisis alert.
type CrisisFollowUp struct {
	UserID     string         `json:"user_id"`
	Identity   string         `json:"identity"`
	Severity   Severity       `json:"severity"`
	Message    string         `json:"message"`
	Status     OutreachStatus `json:"status"`
	DeliveryID string         `json:"delivery_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// PromptContext is the input to the generation capability.
type PromptContext struct {
	HistorySummary string `json:"history_summary"`
	Input          string `json:"input"`
}

// MoodTrendDirection summarises recent mood entries.
type MoodTrendDirection string

const (
	MoodImproving MoodTrendDirection = "improving"
	MoodDeclining MoodTrendDirection = "declining"
	MoodStable    MoodTrendDirection = "stable"
)

// UserInsights is the longitudinal view over a user's profile.
type UserInsights struct {
	UserID             string             `json:"user_id"`
	TotalConversations int                `json:"total_conversations"`
	CrisisAlerts       int                `json:"crisis_alerts"`
	RiskLevel          RiskLevel          `json:"risk_level"`
	MoodTrend          MoodTrendDirection `json:"mood_trend"`
	MoodScore          float64            `json:"mood_score"`
	RecentMoods        []MoodEntry        `json:"recent_moods"`
}

// MessageStatus represents the delivery status of a message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt is a delivery event emitted by a messaging service.
type Receipt struct {
	To         string        `json:"to"`
	Status     MessageStatus `json:"status"`
	DeliveryID string        `json:"delivery_id,omitempty"`
	Time       int64         `json:"time"`
}

// Response represents an inbound message from a user.
type Response struct {
	ID   string `json:"id,omitempty"` // provider message id, used for deduplication
	From string `json:"from"`
	Body string `json:"body"`
	Time int64  `json:"time"`
}
