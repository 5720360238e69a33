// Package api exposes Empathibot over HTTP: the Twilio webhook, a synchronous
// message endpoint, user insights and profile updates, crisis resources, and
// manual triggers for the outreach runs.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BTreeMap/Empathibot/internal/conversation"
	"github.com/BTreeMap/Empathibot/internal/models"
	"github.com/BTreeMap/Empathibot/internal/scheduler"
	"github.com/BTreeMap/Empathibot/internal/util"
)

const (
	// DefaultAddr is the default listen address.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second
	// DefaultReadHeaderTimeout bounds slow clients.
	DefaultReadHeaderTimeout = 10 * time.Second
	// DefaultOutreachTimeout bounds a manually triggered outreach run.
	DefaultOutreachTimeout = 10 * time.Minute
	// maxRequestBody caps JSON request bodies.
	maxRequestBody = 64 << 10
)

// Conversation is the turn pipeline and insight view the handlers call into.
type Conversation interface {
	ProcessMessage(ctx context.Context, identity, text string) (*conversation.TurnResult, error)
	Insights(ctx context.Context, userID string) (models.UserInsights, error)
}

// UserStore is the profile surface behind PATCH /users/{id}.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (models.UserProfile, error)
	SetDisplayName(ctx context.Context, userID, name string) error
	SetCheckInEnabled(ctx context.Context, userID string, enabled bool) error
}

var _ Conversation = (*conversation.Orchestrator)(nil)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr            string
	ShutdownTimeout time.Duration
	Webhook         http.HandlerFunc
	Outreach        scheduler.OutreachRunner
	OutreachTimeout time.Duration
	LexiconVersion  string
	Transport       string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithShutdownTimeout sets how long Run waits for in-flight requests on shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithWebhook mounts an inbound webhook handler on POST /whatsapp.
func WithWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.Webhook = h }
}

// WithOutreach enables the manual check-in and follow-up triggers.
func WithOutreach(r scheduler.OutreachRunner) Option {
	return func(o *Opts) { o.Outreach = r }
}

// WithOutreachTimeout bounds manually triggered runs.
func WithOutreachTimeout(d time.Duration) Option {
	return func(o *Opts) { o.OutreachTimeout = d }
}

// WithHealthInfo sets the lexicon version and transport reported by GET /health.
func WithHealthInfo(lexiconVersion, transport string) Option {
	return func(o *Opts) {
		o.LexiconVersion = lexiconVersion
		o.Transport = transport
	}
}

// Server is the HTTP adapter over the conversation pipeline.
type Server struct {
	conv      Conversation
	users     UserStore
	opts      Opts
	mux       *http.ServeMux
	startedAt time.Time
}

// NewServer builds a Server and registers its routes.
func NewServer(conv Conversation, users UserStore, opts ...Option) (*Server, error) {
	if conv == nil {
		return nil, errors.New("conversation pipeline is required")
	}
	if users == nil {
		return nil, errors.New("user store is required")
	}
	cfg := Opts{
		Addr:            DefaultAddr,
		ShutdownTimeout: DefaultShutdownTimeout,
		OutreachTimeout: DefaultOutreachTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{
		conv:      conv,
		users:     users,
		opts:      cfg,
		mux:       http.NewServeMux(),
		startedAt: time.Now(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /crisis-resources", s.crisisResourcesHandler)
	s.mux.HandleFunc("POST /messages", s.messageHandler)
	s.mux.HandleFunc("GET /users/{id}/insights", s.insightsHandler)
	s.mux.HandleFunc("PATCH /users/{id}", s.updateUserHandler)
	if s.opts.Webhook != nil {
		s.mux.HandleFunc("POST /whatsapp", s.opts.Webhook)
	}
	if s.opts.Outreach != nil {
		s.mux.HandleFunc("POST /checkins/run", s.runCheckInsHandler)
		s.mux.HandleFunc("POST /followups/run", s.runFollowUpsHandler)
	}
}

// Handler returns the routed handler wrapped in logging and panic recovery.
func (s *Server) Handler() http.Handler {
	return withRecovery(withRequestLog(s.mux))
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Serve: listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		slog.Info("Server.Serve: shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		reqID := util.GenerateRequestID()
		rec.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(rec, r)
		slog.Debug("Server: request handled",
			"request_id", reqID, "method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration", time.Since(start))
	})
}

func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				slog.Error("Server: panic in handler", "panic", p, "path", r.URL.Path)
				writeJSONResponse(w, http.StatusInternalServerError, models.Error("Internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
