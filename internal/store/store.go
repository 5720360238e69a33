// Package store provides persistence backends for Empathibot.
//
// Every backend implements Store: user profiles, message history with
// per-user retention trimming, bounded mood trends, crisis alerts and the
// check-in/follow-up logs written by the scheduler. Backends guarantee
// read-modify-write atomicity for counter updates and for append-then-trim,
// and CommitTurn applies all writes of one conversation turn atomically.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/Empathibot/internal/models"
	"github.com/BTreeMap/Empathibot/internal/util"
)

// Store is the session persistence contract used by the orchestrator and the scheduler.
type Store interface {
	// GetOrCreateUser looks up a profile by identity, creating a default one if absent.
	GetOrCreateUser(ctx context.Context, identity string) (models.UserProfile, error)
	// GetUser loads a profile by internal id.
	GetUser(ctx context.Context, userID string) (models.UserProfile, error)
	// RecordActivity increments the interaction counter, optionally updates the
	// preferred language, and on crisis increments the alert counter and sets risk to high.
	RecordActivity(ctx context.Context, userID, language string, crisisDetected bool) error
	// History returns the most recent limit turns, oldest first.
	History(ctx context.Context, userID string, limit int) ([]models.MessageTurn, error)
	// SaveTurn appends a turn and trims the user's history to the retention limit.
	SaveTurn(ctx context.Context, turn models.MessageTurn) error
	// AppendMood appends to the mood trend, keeping the newest MoodTrendCapacity entries.
	AppendMood(ctx context.Context, userID string, entry models.MoodEntry) error
	// SaveCrisisAlert records an escalation.
	SaveCrisisAlert(ctx context.Context, alert models.CrisisAlert) error
	// CommitTurn applies every write of one turn in a single transaction.
	CommitTurn(ctx context.Context, commit TurnCommit) error

	SetDisplayName(ctx context.Context, userID, name string) error
	SetCheckInEnabled(ctx context.Context, userID string, enabled bool) error

	// ListCheckInCandidates returns users with check-ins enabled whose last
	// check-in is missing or older than idleBefore. Mood trends are not loaded.
	ListCheckInCandidates(ctx context.Context, idleBefore time.Time) ([]models.UserProfile, error)
	// RecordCheckIn logs a check-in attempt and, when sent, stamps last_check_in.
	RecordCheckIn(ctx context.Context, log models.CheckInLog) error
	// ListCrisisAlerts returns alerts strictly between from and to, oldest first.
	ListCrisisAlerts(ctx context.Context, from, to time.Time) ([]models.CrisisAlert, error)
	HasCrisisFollowUp(ctx context.Context, userID string) (bool, error)
	SaveCrisisFollowUp(ctx context.Context, followUp models.CrisisFollowUp) error

	Close() error
}

// TurnCommit bundles the writes of one processed message.
type TurnCommit struct {
	UserID         string
	Language       string
	CrisisDetected bool
	Alert          *models.CrisisAlert // set on the escalation path
	Turn           models.MessageTurn
	Mood           *models.MoodEntry // set on the normal reply path
}

// NewUserID generates an internal user identifier.
func NewUserID() string {
	return util.GenerateUserID()
}

// InMemoryStore is a mutex-guarded Store for tests and ephemeral deployments.
type InMemoryStore struct {
	mu         sync.Mutex
	maxHistory int
	now        func() time.Time
	nextTurnID int64
	nextAlert  int64

	users      map[string]*models.UserProfile
	byIdentity map[string]string
	turns      map[string][]models.MessageTurn
	alerts     []models.CrisisAlert
	checkIns   []models.CheckInLog
	followUps  []models.CrisisFollowUp
	inbound    map[string]*DedupRecord
}

// Compile-time checks.
var (
	_ Store     = (*InMemoryStore)(nil)
	_ DedupRepo = (*InMemoryStore)(nil)
)

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := applyOpts(opts)
	return &InMemoryStore{
		maxHistory: cfg.MaxHistory,
		now:        cfg.Now,
		users:      make(map[string]*models.UserProfile),
		byIdentity: make(map[string]string),
		turns:      make(map[string][]models.MessageTurn),
		inbound:    make(map[string]*DedupRecord),
	}
}

func copyProfile(p *models.UserProfile) models.UserProfile {
	out := *p
	out.MoodTrend = append([]models.MoodEntry{}, p.MoodTrend...)
	if p.LastCheckIn != nil {
		t := *p.LastCheckIn
		out.LastCheckIn = &t
	}
	return out
}

func (s *InMemoryStore) GetOrCreateUser(ctx context.Context, identity string) (models.UserProfile, error) {
	if identity == "" {
		return models.UserProfile{}, &models.ValidationError{Field: "identity", Err: models.ErrEmptyIdentity}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byIdentity[identity]; ok {
		return copyProfile(s.users[id]), nil
	}
	p := models.NewUserProfile(NewUserID(), identity, s.now().UTC())
	s.users[p.ID] = &p
	s.byIdentity[identity] = p.ID
	return copyProfile(&p), nil
}

func (s *InMemoryStore) GetUser(ctx context.Context, userID string) (models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[userID]
	if !ok {
		return models.UserProfile{}, &models.StoreError{Op: "get_user", Err: models.ErrUserNotFound}
	}
	return copyProfile(p), nil
}

func (s *InMemoryStore) RecordActivity(ctx context.Context, userID, language string, crisisDetected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordActivityLocked(userID, language, crisisDetected)
}

func (s *InMemoryStore) recordActivityLocked(userID, language string, crisisDetected bool) error {
	p, ok := s.users[userID]
	if !ok {
		return &models.StoreError{Op: "record_activity", Err: models.ErrUserNotFound}
	}
	p.LastInteraction = s.now().UTC()
	p.ConversationCount++
	if language != "" {
		p.PreferredLanguage = language
	}
	if crisisDetected {
		p.CrisisAlerts++
		p.RiskLevel = models.RiskHigh
	}
	return nil
}

func (s *InMemoryStore) History(ctx context.Context, userID string, limit int) ([]models.MessageTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.turns[userID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return append([]models.MessageTurn{}, turns...), nil
}

func (s *InMemoryStore) SaveTurn(ctx context.Context, turn models.MessageTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[turn.UserID]; !ok {
		return &models.StoreError{Op: "save_turn", Err: models.ErrUserNotFound}
	}
	s.saveTurnLocked(turn)
	return nil
}

func (s *InMemoryStore) saveTurnLocked(turn models.MessageTurn) {
	s.nextTurnID++
	turn.ID = s.nextTurnID
	if turn.Timestamp.IsZero() {
		turn.Timestamp = s.now().UTC()
	}
	turns := append(s.turns[turn.UserID], turn)
	sort.SliceStable(turns, func(i, j int) bool {
		if turns[i].Timestamp.Equal(turns[j].Timestamp) {
			return turns[i].ID < turns[j].ID
		}
		return turns[i].Timestamp.Before(turns[j].Timestamp)
	})
	if len(turns) > s.maxHistory {
		turns = append([]models.MessageTurn(nil), turns[len(turns)-s.maxHistory:]...)
	}
	s.turns[turn.UserID] = turns
}

func (s *InMemoryStore) AppendMood(ctx context.Context, userID string, entry models.MoodEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[userID]
	if !ok {
		return &models.StoreError{Op: "append_mood", Err: models.ErrUserNotFound}
	}
	p.MoodTrend = models.AppendMood(p.MoodTrend, entry)
	return nil
}

func (s *InMemoryStore) SaveCrisisAlert(ctx context.Context, alert models.CrisisAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveAlertLocked(alert)
	return nil
}

func (s *InMemoryStore) saveAlertLocked(alert models.CrisisAlert) {
	s.nextAlert++
	alert.ID = s.nextAlert
	alert.MatchedKeywords = append([]string{}, alert.MatchedKeywords...)
	s.alerts = append(s.alerts, alert)
}

func (s *InMemoryStore) CommitTurn(ctx context.Context, c TurnCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[c.UserID]
	if !ok {
		return &models.StoreError{Op: "commit_turn", Err: models.ErrUserNotFound}
	}
	// Every step below is infallible once the user exists.
	if err := s.recordActivityLocked(c.UserID, c.Language, c.CrisisDetected); err != nil {
		return err
	}
	if c.Alert != nil {
		s.saveAlertLocked(*c.Alert)
	}
	turn := c.Turn
	turn.UserID = c.UserID
	s.saveTurnLocked(turn)
	if c.Mood != nil {
		p.MoodTrend = models.AppendMood(p.MoodTrend, *c.Mood)
	}
	return nil
}

func (s *InMemoryStore) SetDisplayName(ctx context.Context, userID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[userID]
	if !ok {
		return &models.StoreError{Op: "set_display_name", Err: models.ErrUserNotFound}
	}
	p.DisplayName = name
	return nil
}

func (s *InMemoryStore) SetCheckInEnabled(ctx context.Context, userID string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.users[userID]
	if !ok {
		return &models.StoreError{Op: "set_check_in_enabled", Err: models.ErrUserNotFound}
	}
	p.CheckInEnabled = enabled
	return nil
}

func (s *InMemoryStore) ListCheckInCandidates(ctx context.Context, idleBefore time.Time) ([]models.UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.UserProfile
	for _, p := range s.users {
		if !p.CheckInEnabled {
			continue
		}
		if p.LastCheckIn != nil && !p.LastCheckIn.Before(idleBefore) {
			continue
		}
		cp := copyProfile(p)
		cp.MoodTrend = nil
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) RecordCheckIn(ctx context.Context, log models.CheckInLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.Timestamp.IsZero() {
		log.Timestamp = s.now().UTC()
	}
	s.checkIns = append(s.checkIns, log)
	if log.Status == models.OutreachSent {
		if p, ok := s.users[log.UserID]; ok {
			t := log.Timestamp
			p.LastCheckIn = &t
		}
	}
	return nil
}

// CheckInLogs returns a copy of every recorded check-in log.
func (s *InMemoryStore) CheckInLogs() []models.CheckInLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CheckInLog{}, s.checkIns...)
}

func (s *InMemoryStore) ListCrisisAlerts(ctx context.Context, from, to time.Time) ([]models.CrisisAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CrisisAlert
	for _, a := range s.alerts {
		if a.Timestamp.After(from) && a.Timestamp.Before(to) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *InMemoryStore) HasCrisisFollowUp(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.followUps {
		if f.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

func (s *InMemoryStore) SaveCrisisFollowUp(ctx context.Context, f models.CrisisFollowUp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Timestamp.IsZero() {
		f.Timestamp = s.now().UTC()
	}
	s.followUps = append(s.followUps, f)
	return nil
}

// CrisisFollowUps returns a copy of every recorded follow-up.
func (s *InMemoryStore) CrisisFollowUps() []models.CrisisFollowUp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.CrisisFollowUp{}, s.followUps...)
}

func (s *InMemoryStore) Close() error { return nil }
