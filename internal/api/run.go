package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/Empathibot/internal/cache"
	"github.com/BTreeMap/Empathibot/internal/checkin"
	"github.com/BTreeMap/Empathibot/internal/conversation"
	"github.com/BTreeMap/Empathibot/internal/crisis"
	"github.com/BTreeMap/Empathibot/internal/genai"
	"github.com/BTreeMap/Empathibot/internal/language"
	"github.com/BTreeMap/Empathibot/internal/lexicon"
	"github.com/BTreeMap/Empathibot/internal/messaging"
	"github.com/BTreeMap/Empathibot/internal/scheduler"
	"github.com/BTreeMap/Empathibot/internal/store"
	"github.com/BTreeMap/Empathibot/internal/twiliowhatsapp"
	"github.com/BTreeMap/Empathibot/internal/whatsapp"
)

// Messaging transports selectable with MESSAGING_TRANSPORT.
const (
	TransportNone     = "none"
	TransportTwilio   = "twilio"
	TransportWhatsApp = "whatsapp"
)

// Config groups the per-module options assembled by the command.
type Config struct {
	LexiconPath string
	Lexicon     []lexicon.Option

	Store    []store.Option
	RedisURL string
	Cache    []cache.Option

	GenAI        []genai.Option
	Conversation []conversation.Option

	Transport string
	Twilio    []twiliowhatsapp.Option
	WhatsApp  []whatsapp.Option
	Handler   []messaging.HandlerOption

	CheckIn          []checkin.Option
	SchedulerEnabled bool
	CheckInCron      string
	FollowUpCron     string

	API []Option
}

// LoadLexicon reads the lexicon at path, or the embedded default when path is empty.
func LoadLexicon(path string, opts ...lexicon.Option) (*lexicon.Lexicon, error) {
	if path == "" {
		return lexicon.Default(opts...)
	}
	return lexicon.LoadFile(path, opts...)
}

// openStore opens the backend and, when redisURL is set, fronts it with the
// profile cache. An unreachable Redis is logged and skipped.
func openStore(ctx context.Context, cfg Config) (store.Backend, store.Store, io.Closer, error) {
	backend, err := store.Open(cfg.Store...)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	if cfg.RedisURL == "" {
		return backend, backend, backend, nil
	}
	client, err := cache.Dial(ctx, cfg.RedisURL)
	if err != nil {
		slog.Warn("api.Run: redis unavailable, continuing without profile cache", "error", err)
		return backend, backend, backend, nil
	}
	pc := cache.NewProfileCache(backend, client, cfg.Cache...)
	slog.Info("api.Run: profile cache enabled")
	return backend, pc, pc, nil
}

// openMessaging builds the configured transport. A nil service means replies
// are only available through POST /messages.
func openMessaging(ctx context.Context, cfg Config) (messaging.Service, http.HandlerFunc, func(), error) {
	switch strings.ToLower(cfg.Transport) {
	case "", TransportNone:
		return nil, nil, func() {}, nil
	case TransportTwilio:
		client, err := twiliowhatsapp.NewClient(cfg.Twilio...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client)
		return svc, svc.TwilioWebhookHandler, func() {}, nil
	case TransportWhatsApp:
		client, err := whatsapp.NewClient(ctx, cfg.WhatsApp...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, client.Disconnect, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown messaging transport %q", cfg.Transport)
	}
}

// Run wires every module from cfg and serves HTTP until ctx is cancelled.
func Run(ctx context.Context, cfg Config) error {
	lex, err := LoadLexicon(cfg.LexiconPath, cfg.Lexicon...)
	if err != nil {
		return fmt.Errorf("load lexicon: %w", err)
	}
	slog.Info("api.Run: lexicon loaded", "version", lex.Version(), "sha256", lex.Checksum())

	detector, err := crisis.NewDetector(lex)
	if err != nil {
		return fmt.Errorf("crisis detector: %w", err)
	}

	backend, st, closer, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			slog.Error("api.Run: failed to close store", "error", err)
		}
	}()

	gen, err := genai.NewClient(cfg.GenAI...)
	if err != nil {
		return fmt.Errorf("genai client: %w", err)
	}

	orch, err := conversation.NewOrchestrator(st, gen, detector, language.NewDetector(), cfg.Conversation...)
	if err != nil {
		return err
	}

	svc, webhook, disconnect, err := openMessaging(ctx, cfg)
	if err != nil {
		return err
	}
	defer disconnect()

	var gateway checkin.Gateway
	if svc != nil {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("start messaging service: %w", err)
		}
		handlerOpts := append([]messaging.HandlerOption{messaging.WithDedup(backend)}, cfg.Handler...)
		handler, err := messaging.NewResponseHandler(svc, orch, handlerOpts...)
		if err != nil {
			_ = svc.Stop()
			return err
		}
		handler.Start(ctx)
		defer func() {
			_ = svc.Stop()
			handler.Wait()
		}()
		gateway = messaging.Gateway{Service: svc}
	}

	runner, err := checkin.NewRunner(st, orch, gateway, cfg.CheckIn...)
	if err != nil {
		return err
	}

	if cfg.SchedulerEnabled {
		sched := scheduler.NewScheduler()
		if err := scheduler.RegisterOutreach(ctx, sched, runner, cfg.CheckInCron, cfg.FollowUpCron, scheduler.DefaultJobTimeout); err != nil {
			sched.Stop()
			return fmt.Errorf("schedule outreach: %w", err)
		}
		defer sched.Stop()
		slog.Info("api.Run: outreach scheduled", "jobs", sched.Jobs())
	}

	apiOpts := append([]Option{
		WithOutreach(runner),
		WithHealthInfo(lex.Version(), transportName(cfg.Transport)),
	}, cfg.API...)
	if webhook != nil {
		apiOpts = append(apiOpts, WithWebhook(webhook))
	}
	server, err := NewServer(orch, st, apiOpts...)
	if err != nil {
		return err
	}
	return server.Run(ctx)
}

func transportName(t string) string {
	if t == "" {
		return TransportNone
	}
	return strings.ToLower(t)
}
