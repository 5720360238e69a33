// Package checkin implements the scheduler-facing outreach runs: the daily
// check-in for idle users and the follow-up after a recent crisis alert.
// Each run is a single pass with no retries; per-user failures are logged and
// recorded without stopping the run.
package checkin

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/Empathibot/internal/models"
)

// Windows used to select outreach targets.
const (
	CheckInIdle       = 24 * time.Hour
	FollowUpMinAge    = 4 * time.Hour
	FollowUpMaxAge    = 24 * time.Hour
	DefaultSendPeriod = time.Second
)

// Gateway delivers an outbound message and returns the provider's delivery id.
type Gateway interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// Store is the persistence needed by the runs.
type Store interface {
	ListCheckInCandidates(ctx context.Context, idleBefore time.Time) ([]models.UserProfile, error)
	RecordCheckIn(ctx context.Context, log models.CheckInLog) error
	ListCrisisAlerts(ctx context.Context, from, to time.Time) ([]models.CrisisAlert, error)
	HasCrisisFollowUp(ctx context.Context, userID string) (bool, error)
	SaveCrisisFollowUp(ctx context.Context, followUp models.CrisisFollowUp) error
}

// Writer produces outreach text.
type Writer interface {
	GenerateCheckIn(ctx context.Context, userID string) (string, error)
	GenerateFollowUp(userID string, severity models.Severity) string
}

// Result summarizes one run.
type Result struct {
	Eligible  int       `json:"eligible"`
	Sent      int       `json:"sent"`
	Timestamp time.Time `json:"timestamp"`
}

// Opts holds configuration options for the Runner.
type Opts struct {
	SendPeriod time.Duration
	Now        func() time.Time
}

// Option defines a configuration option for the Runner.
type Option func(*Opts)

// WithSendPeriod sets the minimum spacing between outbound sends. Zero disables pacing.
func WithSendPeriod(d time.Duration) Option {
	return func(o *Opts) { o.SendPeriod = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Runner executes check-in and follow-up runs.
type Runner struct {
	store   Store
	writer  Writer
	gateway Gateway // nil means generate and log only
	limiter *rate.Limiter
	now     func() time.Time
}

// NewRunner creates a Runner. gateway may be nil.
func NewRunner(st Store, writer Writer, gateway Gateway, opts ...Option) (*Runner, error) {
	if st == nil || writer == nil {
		return nil, fmt.Errorf("check-in runner requires a store and a writer")
	}
	cfg := Opts{SendPeriod: DefaultSendPeriod, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	limit := rate.Inf
	if cfg.SendPeriod > 0 {
		limit = rate.Every(cfg.SendPeriod)
	}
	return &Runner{
		store:   st,
		writer:  writer,
		gateway: gateway,
		limiter: rate.NewLimiter(limit, 1),
		now:     cfg.Now,
	}, nil
}

// deliver sends body when a gateway is configured.
func (r *Runner) deliver(ctx context.Context, to, body string) (models.OutreachStatus, string, error) {
	if r.gateway == nil {
		return models.OutreachGeneratedNotSent, "", nil
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return models.OutreachFailed, "", err
	}
	id, err := r.gateway.Send(ctx, to, body)
	if err != nil {
		return models.OutreachFailed, "", err
	}
	return models.OutreachSent, id, nil
}

// RunDailyCheckIns reaches out to every opted-in user without a check-in in the last day.
func (r *Runner) RunDailyCheckIns(ctx context.Context) (Result, error) {
	now := r.now().UTC()
	res := Result{Timestamp: now}
	users, err := r.store.ListCheckInCandidates(ctx, now.Add(-CheckInIdle))
	if err != nil {
		slog.Error("Runner.RunDailyCheckIns: failed to list candidates", "error", err)
		return res, fmt.Errorf("list check-in candidates: %w", err)
	}
	res.Eligible = len(users)
	slog.Info("Runner.RunDailyCheckIns: starting run", "eligible", res.Eligible)

	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		entry := models.CheckInLog{UserID: u.ID, Identity: u.Identity}
		msg, err := r.writer.GenerateCheckIn(ctx, u.ID)
		if err != nil {
			entry.Status, entry.Error = models.OutreachFailed, err.Error()
		} else {
			entry.Message = msg
			status, id, sendErr := r.deliver(ctx, u.Identity, msg)
			entry.Status, entry.DeliveryID = status, id
			if sendErr != nil {
				entry.Error = sendErr.Error()
			}
		}
		entry.Timestamp = r.now().UTC()
		if entry.Status == models.OutreachSent {
			res.Sent++
		} else if entry.Status == models.OutreachFailed {
			slog.Warn("Runner.RunDailyCheckIns: check-in failed", "userID", u.ID, "error", entry.Error)
		}
		if err := r.store.RecordCheckIn(ctx, entry); err != nil {
			slog.Error("Runner.RunDailyCheckIns: failed to record check-in", "userID", u.ID, "error", err)
		}
	}
	slog.Info("Runner.RunDailyCheckIns: run complete", "eligible", res.Eligible, "sent", res.Sent)
	return res, nil
}

// RunCrisisFollowUps follows up once with each user whose crisis alert is
// between four hours and one day old and who has not been followed up yet.
func (r *Runner) RunCrisisFollowUps(ctx context.Context) (Result, error) {
	now := r.now().UTC()
	res := Result{Timestamp: now}
	alerts, err := r.store.ListCrisisAlerts(ctx, now.Add(-FollowUpMaxAge), now.Add(-FollowUpMinAge))
	if err != nil {
		slog.Error("Runner.RunCrisisFollowUps: failed to list alerts", "error", err)
		return res, fmt.Errorf("list crisis alerts: %w", err)
	}

	seen := make(map[string]bool)
	for _, a := range alerts {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		// One follow-up per user per run; the latest alert in the window sets the severity.
		if seen[a.UserID] {
			continue
		}
		seen[a.UserID] = true
		a = latestAlert(alerts, a.UserID)

		has, err := r.store.HasCrisisFollowUp(ctx, a.UserID)
		if err != nil {
			slog.Error("Runner.RunCrisisFollowUps: follow-up lookup failed", "userID", a.UserID, "error", err)
			continue
		}
		if has {
			continue
		}
		res.Eligible++

		msg := r.writer.GenerateFollowUp(a.UserID, a.Severity)
		status, id, sendErr := r.deliver(ctx, a.Identity, msg)
		f := models.CrisisFollowUp{
			UserID:     a.UserID,
			Identity:   a.Identity,
			Severity:   a.Severity,
			Message:    msg,
			Status:     status,
			DeliveryID: id,
			Timestamp:  r.now().UTC(),
		}
		if sendErr != nil {
			f.Error = sendErr.Error()
			slog.Warn("Runner.RunCrisisFollowUps: follow-up failed", "userID", a.UserID, "error", sendErr)
		}
		if status == models.OutreachSent {
			res.Sent++
		}
		if err := r.store.SaveCrisisFollowUp(ctx, f); err != nil {
			slog.Error("Runner.RunCrisisFollowUps: failed to record follow-up", "userID", a.UserID, "error", err)
		}
	}
	slog.Info("Runner.RunCrisisFollowUps: run complete", "eligible", res.Eligible, "sent", res.Sent)
	return res, nil
}

// latestAlert returns the newest alert for userID; alerts are ordered oldest first.
func latestAlert(alerts []models.CrisisAlert, userID string) models.CrisisAlert {
	var out models.CrisisAlert
	for _, a := range alerts {
		if a.UserID == userID {
			out = a
		}
	}
	return out
}
