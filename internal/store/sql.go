package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/Empathibot/internal/models"
)

// dialect captures the differences between the SQL backends.
type dialect struct {
	name       string
	numbered   bool   // $1 placeholders instead of ?
	lockSuffix string // appended to the user-row lock query
}

var (
	sqliteDialect   = dialect{name: "sqlite3"}
	postgresDialect = dialect{name: "postgres", numbered: true, lockSuffix: " FOR UPDATE"}
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqlCore implements Store and DedupRepo on top of database/sql. SQLiteStore and
// PostgresStore embed it and only differ in connection setup and dialect.
type sqlCore struct {
	db         *sql.DB
	dialect    dialect
	maxHistory int
	now        func() time.Time
}

// q rewrites ? placeholders for dialects that number them.
func (c *sqlCore) q(query string) string {
	if !c.dialect.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (c *sqlCore) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(op, fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("sqlCore.withTx: rollback failed", "op", op, "error", rbErr)
		}
		return storeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return storeErr(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// lockUser serializes writers on one user's row for the rest of the transaction.
func (c *sqlCore) lockUser(ctx context.Context, tx *sql.Tx, userID string) error {
	var id string
	err := tx.QueryRowContext(ctx, c.q(`SELECT id FROM users WHERE id = ?`+c.dialect.lockSuffix), userID).Scan(&id)
	if isNoRows(err) {
		return models.ErrUserNotFound
	}
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	return nil
}

func (c *sqlCore) GetOrCreateUser(ctx context.Context, identity string) (models.UserProfile, error) {
	if identity == "" {
		return models.UserProfile{}, &models.ValidationError{Field: "identity", Err: models.ErrEmptyIdentity}
	}
	p := models.NewUserProfile(NewUserID(), identity, c.now().UTC())
	_, err := c.db.ExecContext(ctx, c.q(`INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity) DO NOTHING`),
		p.ID, p.Identity, nilIfEmpty(p.DisplayName), p.CreatedAt, p.LastInteraction, p.ConversationCount,
		p.CrisisAlerts, p.PreferredLanguage, string(p.RiskLevel), p.CheckInEnabled, nil,
	)
	if err != nil {
		return models.UserProfile{}, storeErr("get_or_create_user", err)
	}
	row := c.db.QueryRowContext(ctx, c.q(`SELECT `+userColumns+` FROM users WHERE identity = ?`), identity)
	got, err := scanUser(row)
	if err != nil {
		return models.UserProfile{}, storeErr("get_or_create_user", err)
	}
	if got.MoodTrend, err = c.moodTrend(ctx, c.db, got.ID); err != nil {
		return models.UserProfile{}, storeErr("get_or_create_user", err)
	}
	if got.ID == p.ID {
		slog.Debug("sqlCore.GetOrCreateUser: created user", "userID", got.ID)
	}
	return got, nil
}

func (c *sqlCore) GetUser(ctx context.Context, userID string) (models.UserProfile, error) {
	row := c.db.QueryRowContext(ctx, c.q(`SELECT `+userColumns+` FROM users WHERE id = ?`), userID)
	p, err := scanUser(row)
	if isNoRows(err) {
		return models.UserProfile{}, storeErr("get_user", models.ErrUserNotFound)
	}
	if err != nil {
		return models.UserProfile{}, storeErr("get_user", err)
	}
	if p.MoodTrend, err = c.moodTrend(ctx, c.db, p.ID); err != nil {
		return models.UserProfile{}, storeErr("get_user", err)
	}
	return p, nil
}

func (c *sqlCore) moodTrend(ctx context.Context, db querier, userID string) ([]models.MoodEntry, error) {
	rows, err := db.QueryContext(ctx, c.q(`SELECT recorded_at, sentiment, crisis_severity FROM mood_entries
		WHERE user_id = ? ORDER BY id ASC`), userID)
	if err != nil {
		return nil, fmt.Errorf("query mood trend: %w", err)
	}
	defer rows.Close()
	trend := []models.MoodEntry{}
	for rows.Next() {
		var e models.MoodEntry
		var sentiment, severity string
		if err := rows.Scan(&e.Timestamp, &sentiment, &severity); err != nil {
			return nil, fmt.Errorf("scan mood entry: %w", err)
		}
		e.Timestamp = e.Timestamp.UTC()
		e.Sentiment = models.SentimentLabel(sentiment)
		e.CrisisSeverity = models.Severity(severity)
		trend = append(trend, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mood trend: %w", err)
	}
	return trend, nil
}

func (c *sqlCore) RecordActivity(ctx context.Context, userID, language string, crisisDetected bool) error {
	if err := c.recordActivity(ctx, c.db, userID, language, crisisDetected); err != nil {
		return storeErr("record_activity", err)
	}
	return nil
}

// recordActivity performs the counter update as a single UPDATE so that
// concurrent callers never lose an increment.
func (c *sqlCore) recordActivity(ctx context.Context, db querier, userID, language string, crisisDetected bool) error {
	set := []string{"last_interaction = ?", "conversation_count = conversation_count + 1"}
	args := []interface{}{c.now().UTC()}
	if language != "" {
		set = append(set, "preferred_language = ?")
		args = append(args, language)
	}
	if crisisDetected {
		set = append(set, "crisis_alerts = crisis_alerts + 1", "risk_level = ?")
		args = append(args, string(models.RiskHigh))
	}
	args = append(args, userID)
	res, err := db.ExecContext(ctx, c.q(`UPDATE users SET `+strings.Join(set, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update activity: %w", err)
	}
	if n == 0 {
		return models.ErrUserNotFound
	}
	return nil
}

func (c *sqlCore) History(ctx context.Context, userID string, limit int) ([]models.MessageTurn, error) {
	if limit <= 0 || limit > c.maxHistory {
		limit = c.maxHistory
	}
	rows, err := c.db.QueryContext(ctx, c.q(`SELECT `+turnColumns+` FROM (
			SELECT `+turnColumns+` FROM message_turns WHERE user_id = ?
			ORDER BY created_at DESC, id DESC LIMIT ?
		) recent ORDER BY created_at ASC, id ASC`), userID, limit)
	if err != nil {
		return nil, storeErr("history", err)
	}
	defer rows.Close()
	turns := []models.MessageTurn{}
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, storeErr("history", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("history", err)
	}
	return turns, nil
}

func (c *sqlCore) SaveTurn(ctx context.Context, turn models.MessageTurn) error {
	return c.withTx(ctx, "save_turn", func(tx *sql.Tx) error {
		if err := c.lockUser(ctx, tx, turn.UserID); err != nil {
			return err
		}
		return c.insertTurn(ctx, tx, turn)
	})
}

// insertTurn appends a turn and trims the user's history in the same transaction.
func (c *sqlCore) insertTurn(ctx context.Context, tx *sql.Tx, turn models.MessageTurn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = c.now()
	}
	if turn.Assessment.MatchedKeywords == nil {
		turn.Assessment.MatchedKeywords = []string{}
	}
	sentimentJSON, err := marshalJSON(turn.Sentiment)
	if err != nil {
		return err
	}
	crisisJSON, err := marshalJSON(turn.Assessment)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, c.q(`INSERT INTO message_turns
		(user_id, user_message, bot_response, sentiment, crisis_info, language, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		turn.UserID, turn.Input, turn.Reply, sentimentJSON, crisisJSON, turn.Language, turn.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	_, err = tx.ExecContext(ctx, c.q(`DELETE FROM message_turns WHERE user_id = ? AND id NOT IN (
		SELECT id FROM message_turns WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?)`),
		turn.UserID, turn.UserID, c.maxHistory,
	)
	if err != nil {
		return fmt.Errorf("trim history: %w", err)
	}
	return nil
}

func (c *sqlCore) AppendMood(ctx context.Context, userID string, entry models.MoodEntry) error {
	return c.withTx(ctx, "append_mood", func(tx *sql.Tx) error {
		if err := c.lockUser(ctx, tx, userID); err != nil {
			return err
		}
		return c.insertMood(ctx, tx, userID, entry)
	})
}

func (c *sqlCore) insertMood(ctx context.Context, tx *sql.Tx, userID string, entry models.MoodEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.now()
	}
	_, err := tx.ExecContext(ctx, c.q(`INSERT INTO mood_entries (user_id, recorded_at, sentiment, crisis_severity)
		VALUES (?, ?, ?, ?)`),
		userID, entry.Timestamp.UTC(), string(entry.Sentiment), string(entry.CrisisSeverity),
	)
	if err != nil {
		return fmt.Errorf("insert mood entry: %w", err)
	}
	_, err = tx.ExecContext(ctx, c.q(`DELETE FROM mood_entries WHERE user_id = ? AND id NOT IN (
		SELECT id FROM mood_entries WHERE user_id = ? ORDER BY id DESC LIMIT ?)`),
		userID, userID, models.MoodTrendCapacity,
	)
	if err != nil {
		return fmt.Errorf("trim mood trend: %w", err)
	}
	return nil
}

func (c *sqlCore) SaveCrisisAlert(ctx context.Context, alert models.CrisisAlert) error {
	if err := c.insertAlert(ctx, c.db, alert); err != nil {
		return storeErr("save_crisis_alert", err)
	}
	return nil
}

func (c *sqlCore) insertAlert(ctx context.Context, db querier, alert models.CrisisAlert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = c.now()
	}
	if alert.MatchedKeywords == nil {
		alert.MatchedKeywords = []string{}
	}
	keywordsJSON, err := marshalJSON(alert.MatchedKeywords)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, c.q(`INSERT INTO crisis_alerts
		(user_id, identity, message, severity, severity_score, matched_keywords, response_sent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		alert.UserID, alert.Identity, alert.Message, string(alert.Severity), alert.Score,
		keywordsJSON, alert.ResponseSent, alert.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert crisis alert: %w", err)
	}
	return nil
}

func (c *sqlCore) CommitTurn(ctx context.Context, commit TurnCommit) error {
	return c.withTx(ctx, "commit_turn", func(tx *sql.Tx) error {
		if err := c.lockUser(ctx, tx, commit.UserID); err != nil {
			return err
		}
		if err := c.recordActivity(ctx, tx, commit.UserID, commit.Language, commit.CrisisDetected); err != nil {
			return err
		}
		if commit.Alert != nil {
			if err := c.insertAlert(ctx, tx, *commit.Alert); err != nil {
				return err
			}
		}
		turn := commit.Turn
		turn.UserID = commit.UserID
		if err := c.insertTurn(ctx, tx, turn); err != nil {
			return err
		}
		if commit.Mood != nil {
			if err := c.insertMood(ctx, tx, commit.UserID, *commit.Mood); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *sqlCore) updateUserField(ctx context.Context, op, column string, value interface{}, userID string) error {
	res, err := c.db.ExecContext(ctx, c.q(`UPDATE users SET `+column+` = ? WHERE id = ?`), value, userID)
	if err != nil {
		return storeErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(op, err)
	}
	if n == 0 {
		return storeErr(op, models.ErrUserNotFound)
	}
	return nil
}

func (c *sqlCore) SetDisplayName(ctx context.Context, userID, name string) error {
	return c.updateUserField(ctx, "set_display_name", "display_name", nilIfEmpty(name), userID)
}

func (c *sqlCore) SetCheckInEnabled(ctx context.Context, userID string, enabled bool) error {
	return c.updateUserField(ctx, "set_check_in_enabled", "check_in_enabled", enabled, userID)
}

func (c *sqlCore) ListCheckInCandidates(ctx context.Context, idleBefore time.Time) ([]models.UserProfile, error) {
	rows, err := c.db.QueryContext(ctx, c.q(`SELECT `+userColumns+` FROM users
		WHERE check_in_enabled = ? AND (last_check_in IS NULL OR last_check_in < ?)
		ORDER BY created_at ASC`), true, idleBefore.UTC())
	if err != nil {
		return nil, storeErr("list_check_in_candidates", err)
	}
	defer rows.Close()
	var users []models.UserProfile
	for rows.Next() {
		p, err := scanUser(rows)
		if err != nil {
			return nil, storeErr("list_check_in_candidates", err)
		}
		users = append(users, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list_check_in_candidates", err)
	}
	return users, nil
}

func (c *sqlCore) RecordCheckIn(ctx context.Context, log models.CheckInLog) error {
	if log.Timestamp.IsZero() {
		log.Timestamp = c.now()
	}
	return c.withTx(ctx, "record_check_in", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, c.q(`INSERT INTO check_in_logs
			(user_id, identity, message, status, delivery_id, error, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`),
			log.UserID, log.Identity, log.Message, string(log.Status),
			nilIfEmpty(log.DeliveryID), nilIfEmpty(log.Error), log.Timestamp.UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert check-in log: %w", err)
		}
		if log.Status != models.OutreachSent {
			return nil
		}
		if _, err := tx.ExecContext(ctx, c.q(`UPDATE users SET last_check_in = ? WHERE id = ?`),
			log.Timestamp.UTC(), log.UserID); err != nil {
			return fmt.Errorf("update last check-in: %w", err)
		}
		return nil
	})
}

func (c *sqlCore) ListCrisisAlerts(ctx context.Context, from, to time.Time) ([]models.CrisisAlert, error) {
	rows, err := c.db.QueryContext(ctx, c.q(`SELECT `+alertColumns+` FROM crisis_alerts
		WHERE created_at > ? AND created_at < ? ORDER BY created_at ASC, id ASC`), from.UTC(), to.UTC())
	if err != nil {
		return nil, storeErr("list_crisis_alerts", err)
	}
	defer rows.Close()
	var alerts []models.CrisisAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, storeErr("list_crisis_alerts", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list_crisis_alerts", err)
	}
	return alerts, nil
}

func (c *sqlCore) HasCrisisFollowUp(ctx context.Context, userID string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx, c.q(`SELECT COUNT(*) FROM crisis_follow_ups WHERE user_id = ?`), userID).Scan(&n)
	if err != nil {
		return false, storeErr("has_crisis_follow_up", err)
	}
	return n > 0, nil
}

func (c *sqlCore) SaveCrisisFollowUp(ctx context.Context, f models.CrisisFollowUp) error {
	if f.Timestamp.IsZero() {
		f.Timestamp = c.now()
	}
	_, err := c.db.ExecContext(ctx, c.q(`INSERT INTO crisis_follow_ups
		(user_id, identity, severity, message, status, delivery_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		f.UserID, f.Identity, string(f.Severity), f.Message, string(f.Status),
		nilIfEmpty(f.DeliveryID), nilIfEmpty(f.Error), f.Timestamp.UTC(),
	)
	if err != nil {
		return storeErr("save_crisis_follow_up", err)
	}
	return nil
}

// Close closes the database connection.
func (c *sqlCore) Close() error {
	slog.Debug("sqlCore.Close: closing database connection", "dialect", c.dialect.name)
	if err := c.db.Close(); err != nil {
		slog.Error("sqlCore.Close: failed to close database", "dialect", c.dialect.name, "error", err)
		return err
	}
	return nil
}
