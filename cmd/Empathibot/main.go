package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/Empathibot/internal/api"
	"github.com/BTreeMap/Empathibot/internal/conversation"
	"github.com/BTreeMap/Empathibot/internal/genai"
	"github.com/BTreeMap/Empathibot/internal/lexicon"
	"github.com/BTreeMap/Empathibot/internal/lockfile"
	"github.com/BTreeMap/Empathibot/internal/scheduler"
	"github.com/BTreeMap/Empathibot/internal/store"
	"github.com/BTreeMap/Empathibot/internal/twiliowhatsapp"
	"github.com/BTreeMap/Empathibot/internal/util"
	"github.com/BTreeMap/Empathibot/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for Empathibot state data
	DefaultStateDir = "/var/lib/empathibot"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "empathibot.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

func main() {
	initializeLogger(os.Getenv("EMPATHIBOT_LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// One process per SQLite state dir.
	if usesStateDir(*flags.dbDSN) {
		lock, err := lockfile.AcquireLock(*flags.stateDir)
		if err != nil {
			slog.Error("Another Empathibot instance appears to be running", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := lock.Release(); err != nil {
				slog.Warn("failed to release state lock", "error", err)
			}
		}()
	}

	cfg := buildRunConfig(config, flags)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping Empathibot", "transport", cfg.Transport, "scheduler", cfg.SchedulerEnabled)
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "redis_set", cfg.RedisURL != "")
	if err := api.Run(ctx, cfg); err != nil {
		slog.Error("Empathibot failed to run", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("Empathibot exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseURL   string
	WhatsAppDBDSN string
	OpenAIKey     string
	OpenAIModel   string
	APIAddr       string
	RedisURL      string
	LexiconPath   string
	LexiconSHA256 string
	MaxHistory    int
	Transport     string
	TwilioSID     string
	TwilioToken   string
	TwilioFrom    string
	CheckInCron   string
	FollowUpCron  string
	SchedulerOn   bool
	GenTimeout    time.Duration
	StoreTimeout  time.Duration
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
	transport *string
	lexicon   *string
}

// initializeLogger sets up structured logging; level defaults to debug.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:      os.Getenv("EMPATHIBOT_STATE_DIR"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN: os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		APIAddr:       os.Getenv("API_ADDR"),
		RedisURL:      os.Getenv("REDIS_URL"),
		LexiconPath:   os.Getenv("LEXICON_PATH"),
		LexiconSHA256: os.Getenv("LEXICON_SHA256"),
		MaxHistory:    util.ParseIntEnv("EMPATHIBOT_MAX_HISTORY", store.DefaultMaxHistory),
		Transport:     os.Getenv("MESSAGING_TRANSPORT"),
		TwilioSID:     os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:   os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:    os.Getenv("TWILIO_FROM_NUMBER"),
		CheckInCron:   os.Getenv("CHECKIN_CRON"),
		FollowUpCron:  os.Getenv("FOLLOWUP_CRON"),
		SchedulerOn:   util.ParseBoolEnv("SCHEDULER_ENABLED", true),
		GenTimeout:    util.ParseDurationEnv("GENERATION_TIMEOUT", conversation.DefaultGenerationTimeout),
		StoreTimeout:  util.ParseDurationEnv("STORE_TIMEOUT", conversation.DefaultStoreTimeout),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No EMPATHIBOT_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	if config.Transport == "" {
		config.Transport = api.TransportNone
	}
	if config.CheckInCron == "" {
		config.CheckInCron = scheduler.DefaultCheckInCron
	}
	if config.FollowUpCron == "" {
		config.FollowUpCron = scheduler.DefaultFollowUpCron
	}

	slog.Debug("environment variables loaded",
		"EMPATHIBOT_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"MESSAGING_TRANSPORT", config.Transport,
		"SCHEDULER_ENABLED", config.SchedulerOn)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlags(flag.CommandLine, os.Args[1:], config)
}

func parseFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		qrOutput:  fs.String("qr-output", "", "path to write WhatsApp login QR code"),
		numeric:   fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:  fs.String("state-dir", config.StateDir, "state directory for Empathibot data (overrides $EMPATHIBOT_STATE_DIR)"),
		dbDSN:     fs.String("db-dsn", config.DatabaseURL, "application database DSN (overrides $DATABASE_URL)"),
		openaiKey: fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		transport: fs.String("transport", config.Transport, "messaging transport: twilio, whatsapp or none (overrides $MESSAGING_TRANSPORT)"),
		lexicon:   fs.String("lexicon", config.LexiconPath, "crisis lexicon YAML file (overrides $LEXICON_PATH)"),
	}
	if err := fs.Parse(args); err != nil {
		slog.Warn("flag parsing failed", "error", err)
	}

	// Follow a moved state dir when the DSN was the default SQLite path.
	defaultDSN := filepath.Join(config.StateDir, DefaultAppDBFileName)
	if *flags.dbDSN == defaultDSN && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"transport", *flags.transport,
		"lexicon", *flags.lexicon)
	return flags
}

func usesStateDir(dsn string) bool {
	return store.DetectDSNType(dsn) != "postgres"
}

// ensureDirectoriesExist creates the state dir and the SQLite file's parent.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if usesStateDir(*flags.dbDSN) {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(*flags.dbDSN, "file:")))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "state_dir", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// buildRunConfig turns env and flags into per-module options.
func buildRunConfig(config Config, flags Flags) api.Config {
	cfg := api.Config{
		LexiconPath:      *flags.lexicon,
		RedisURL:         config.RedisURL,
		Transport:        strings.ToLower(*flags.transport),
		SchedulerEnabled: config.SchedulerOn,
		CheckInCron:      config.CheckInCron,
		FollowUpCron:     config.FollowUpCron,
	}
	if config.LexiconSHA256 != "" {
		cfg.Lexicon = append(cfg.Lexicon, lexicon.WithExpectedChecksum(config.LexiconSHA256))
	}
	cfg.Store = buildStoreOptions(config, flags)
	cfg.GenAI = buildGenAIOptions(config, flags)
	cfg.Conversation = []conversation.Option{
		conversation.WithGenerationTimeout(config.GenTimeout),
		conversation.WithStoreTimeout(config.StoreTimeout),
	}
	cfg.Twilio = buildTwilioOptions(config)
	cfg.WhatsApp = buildWhatsAppOptions(config, flags)
	if *flags.apiAddr != "" {
		cfg.API = append(cfg.API, api.WithAddr(*flags.apiAddr))
	}
	return cfg
}

func buildStoreOptions(config Config, flags Flags) []store.Option {
	opts := []store.Option{store.WithMaxHistory(config.MaxHistory)}
	dsn := *flags.dbDSN
	if dsn == "" {
		return opts
	}
	if store.DetectDSNType(dsn) == "postgres" {
		return append(opts, store.WithPostgresDSN(dsn))
	}
	return append(opts, store.WithSQLiteDSN(dsn))
}

func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(config.OpenAIModel))
	}
	return opts
}

func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(config.TwilioSID))
	}
	if config.TwilioToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioToken))
	}
	if config.TwilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(config.TwilioFrom))
	}
	return opts
}

func buildWhatsAppOptions(config Config, flags Flags) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDBDSN)}
	if *flags.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}
