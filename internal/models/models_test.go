package models

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAppendMoodKeepsNewestThirty(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var trend []MoodEntry
	for i := 0; i < 35; i++ {
		trend = AppendMood(trend, MoodEntry{Timestamp: base.Add(time.Duration(i) * time.Minute), Sentiment: SentimentNeutral})
	}
	if len(trend) != MoodTrendCapacity {
		t.Fatalf("expected %d entries, got %d", MoodTrendCapacity, len(trend))
	}
	for i, e := range trend {
		want := base.Add(time.Duration(i+5) * time.Minute)
		if !e.Timestamp.Equal(want) {
			t.Errorf("entry %d: expected %v, got %v", i, want, e.Timestamp)
		}
	}
}

func TestAppendMoodDoesNotAlias(t *testing.T) {
	trend := make([]MoodEntry, 1, 10)
	out := AppendMood(trend, MoodEntry{Sentiment: SentimentPositive})
	out[0].Sentiment = SentimentNegative
	if trend[0].Sentiment == SentimentNegative {
		t.Error("AppendMood returned a slice sharing the input backing array")
	}
}

func TestNewUserProfileDefaults(t *testing.T) {
	now := time.Now()
	p := NewUserProfile("u_1", "+15550001", now)
	if p.RiskLevel != RiskUnknown {
		t.Errorf("expected risk %q, got %q", RiskUnknown, p.RiskLevel)
	}
	if !p.CheckInEnabled {
		t.Error("expected check-ins enabled by default")
	}
	if p.PreferredLanguage != DefaultLanguage {
		t.Errorf("expected language %q, got %q", DefaultLanguage, p.PreferredLanguage)
	}
	if p.MoodTrend == nil || len(p.MoodTrend) != 0 {
		t.Errorf("expected empty non-nil mood trend, got %v", p.MoodTrend)
	}
	if p.LastCheckIn != nil {
		t.Error("expected no last check-in on a new profile")
	}
}

func TestValidateInbound(t *testing.T) {
	tests := []struct {
		name     string
		identity string
		body     string
		wantErr  error
	}{
		{"valid", "+1555", "hello", nil},
		{"empty identity", "", "hello", ErrEmptyIdentity},
		{"blank identity", "  \t ", "hello", ErrEmptyIdentity},
		{"empty body", "+1555", "", ErrEmptyMessage},
		{"blank body", "+1555", " \t\n", ErrEmptyMessage},
		{"too long", "+1555", strings.Repeat("a", MaxMessageBodyLength+1), ErrMessageTooLong},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateInbound(tt.identity, tt.body)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestStoreErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := error(&StoreError{Op: "save_turn", Err: cause})
	if !errors.Is(err, cause) {
		t.Error("StoreError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "save_turn") {
		t.Errorf("expected op in message, got %q", err.Error())
	}
}

func TestUserUpdateValidate(t *testing.T) {
	empty := UserUpdate{}
	if err := empty.Validate(); !errors.Is(err, ErrEmptyUpdate) {
		t.Errorf("expected ErrEmptyUpdate, got %v", err)
	}
	long := strings.Repeat("x", MaxDisplayNameLength+1)
	tooLong := UserUpdate{DisplayName: &long}
	if err := tooLong.Validate(); !errors.Is(err, ErrDisplayNameTooLong) {
		t.Errorf("expected ErrDisplayNameTooLong, got %v", err)
	}
	name := "Sam"
	ok := UserUpdate{DisplayName: &name}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
