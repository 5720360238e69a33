package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BTreeMap/Empathibot/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func storeErr(op string, err error) error {
	var se *models.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &models.StoreError{Op: op, Err: err}
}

func marshalJSON(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal column: %w", err)
	}
	return string(b), nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const userColumns = `id, identity, display_name, created_at, last_interaction, conversation_count,
	crisis_alerts, preferred_language, risk_level, check_in_enabled, last_check_in`

func scanUser(row rowScanner) (models.UserProfile, error) {
	var p models.UserProfile
	var displayName sql.NullString
	var risk string
	var lastCheckIn sql.NullTime
	err := row.Scan(
		&p.ID, &p.Identity, &displayName, &p.CreatedAt, &p.LastInteraction, &p.ConversationCount,
		&p.CrisisAlerts, &p.PreferredLanguage, &risk, &p.CheckInEnabled, &lastCheckIn,
	)
	if err != nil {
		return p, err
	}
	p.DisplayName = displayName.String
	p.RiskLevel = models.RiskLevel(risk)
	p.CreatedAt = p.CreatedAt.UTC()
	p.LastInteraction = p.LastInteraction.UTC()
	if lastCheckIn.Valid {
		t := lastCheckIn.Time.UTC()
		p.LastCheckIn = &t
	}
	return p, nil
}

const turnColumns = `id, user_id, user_message, bot_response, sentiment, crisis_info, language, created_at`

func scanTurn(row rowScanner) (models.MessageTurn, error) {
	var t models.MessageTurn
	var sentimentJSON, crisisJSON []byte
	err := row.Scan(&t.ID, &t.UserID, &t.Input, &t.Reply, &sentimentJSON, &crisisJSON, &t.Language, &t.Timestamp)
	if err != nil {
		return t, fmt.Errorf("scan turn failed: %w", err)
	}
	if err := json.Unmarshal(sentimentJSON, &t.Sentiment); err != nil {
		return t, fmt.Errorf("decode sentiment: %w", err)
	}
	if err := json.Unmarshal(crisisJSON, &t.Assessment); err != nil {
		return t, fmt.Errorf("decode crisis info: %w", err)
	}
	if t.Assessment.MatchedKeywords == nil {
		t.Assessment.MatchedKeywords = []string{}
	}
	t.Timestamp = t.Timestamp.UTC()
	return t, nil
}

const alertColumns = `id, user_id, identity, message, severity, severity_score, matched_keywords, response_sent, created_at`

func scanAlert(row rowScanner) (models.CrisisAlert, error) {
	var a models.CrisisAlert
	var severity string
	var keywordsJSON []byte
	err := row.Scan(&a.ID, &a.UserID, &a.Identity, &a.Message, &severity, &a.Score, &keywordsJSON, &a.ResponseSent, &a.Timestamp)
	if err != nil {
		return a, fmt.Errorf("scan crisis alert failed: %w", err)
	}
	a.Severity = models.Severity(severity)
	if err := json.Unmarshal(keywordsJSON, &a.MatchedKeywords); err != nil {
		return a, fmt.Errorf("decode matched keywords: %w", err)
	}
	a.Timestamp = a.Timestamp.UTC()
	return a, nil
}
