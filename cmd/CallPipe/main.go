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

	"github.com/BTreeMap/CallPipe/internal/api"
	"github.com/BTreeMap/CallPipe/internal/audio"
	"github.com/BTreeMap/CallPipe/internal/conversation"
	"github.com/BTreeMap/CallPipe/internal/deepgram"
	"github.com/BTreeMap/CallPipe/internal/flow"
	"github.com/BTreeMap/CallPipe/internal/genai"
	"github.com/BTreeMap/CallPipe/internal/kayako"
	"github.com/BTreeMap/CallPipe/internal/pipeline"
	"github.com/BTreeMap/CallPipe/internal/ranker"
	"github.com/BTreeMap/CallPipe/internal/relay"
	"github.com/BTreeMap/CallPipe/internal/rendezvous"
	"github.com/BTreeMap/CallPipe/internal/store"
	"github.com/BTreeMap/CallPipe/internal/twiliovoice"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CallPipe state data
	DefaultStateDir = "/var/lib/callpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "callpipe.db"
	// DefaultMediaDirName is the directory under the state dir for synthesized media
	DefaultMediaDirName = "media"
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	slog.Info("Bootstrapping CallPipe with configured modules")
	if err := run(flags); err != nil {
		slog.Error("CallPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CallPipe exited successfully")
}

// run wires the modules together and serves until interrupted.
func run(flags Flags) error {
	st, err := buildStore(flags)
	if err != nil {
		return err
	}
	defer st.Close()

	dg, err := deepgram.NewClient(buildDeepgramOptions(flags)...)
	if err != nil {
		return err
	}

	gen, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return err
	}

	kk, err := kayako.NewClient(buildKayakoOptions(flags)...)
	if err != nil {
		return err
	}

	mediaDir := filepath.Join(*flags.stateDir, DefaultMediaDirName)
	rl := relay.New()
	bridge := audio.NewBridge(dg, dg, rl, audio.WithMediaDir(mediaDir))
	exchange := rendezvous.NewExchange()

	registry := conversation.NewRegistry()
	registry.OnEnd(bridge.Close)
	registry.OnEnd(rl.Release)
	registry.OnEnd(exchange.Abandon)

	rk := ranker.New(kk)
	pipe := pipeline.New(gen, kk, rk, kk, exchange)

	var flowOpts []flow.Option
	if *flags.issueFirst {
		flowOpts = append(flowOpts, flow.WithIssueFirst())
	}
	engine := flow.NewEngine(registry, rl, exchange, bridge, pipe, kk, gen, st, flowOpts...)

	renderer := twiliovoice.NewRenderer(buildRendererOptions(flags)...)
	server := api.NewServer(engine, renderer, registry, st,
		api.WithAddr(*flags.apiAddr),
		api.WithMediaDir(mediaDir),
	)

	// Serve until SIGINT/SIGTERM, then drain.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("Shutdown signal received, draining API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), api.DefaultShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// Config holds environment configuration
type Config struct {
	DatabaseURL   string
	StateDir      string
	OpenAIKey     string
	OpenAIModel   string
	DeepgramKey   string
	KayakoURL     string
	KayakoEmail   string
	KayakoPass    string
	APIAddr       string
	PublicBaseURL string
	StreamURL     string
}

// Flags holds command line flag values
type Flags struct {
	stateDir    *string
	dbDSN       *string
	openaiKey   *string
	openaiModel *string
	deepgramKey *string
	kayakoURL   *string
	kayakoEmail *string
	kayakoPass  *string
	apiAddr     *string
	baseURL     *string
	streamURL   *string
	issueFirst  *bool
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		StateDir:      os.Getenv("CALLPIPE_STATE_DIR"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   os.Getenv("OPENAI_MODEL"),
		DeepgramKey:   os.Getenv("DEEPGRAM_API_KEY"),
		KayakoURL:     os.Getenv("KAYAKO_URL"),
		KayakoEmail:   os.Getenv("KAYAKO_EMAIL"),
		KayakoPass:    os.Getenv("KAYAKO_PASSWORD"),
		APIAddr:       os.Getenv("API_ADDR"),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		StreamURL:     os.Getenv("STREAM_URL"),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CALLPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	// Derive the media stream URL from the public base URL when not given.
	if config.StreamURL == "" && config.PublicBaseURL != "" {
		config.StreamURL = deriveStreamURL(config.PublicBaseURL)
		slog.Debug("Derived media stream URL from public base URL", "stream_url", config.StreamURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CALLPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"DEEPGRAM_API_KEY_SET", config.DeepgramKey != "",
		"KAYAKO_URL", config.KayakoURL,
		"API_ADDR", config.APIAddr,
		"PUBLIC_BASE_URL", config.PublicBaseURL)

	return config
}

// deriveStreamURL rewrites an http(s) base URL into the websocket URL the
// media stream connects to.
func deriveStreamURL(baseURL string) string {
	ws := baseURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/audio"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for CallPipe data (overrides $CALLPIPE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "database DSN for the call record store (overrides $DATABASE_URL)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel: flag.String("openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)"),
		deepgramKey: flag.String("deepgram-api-key", config.DeepgramKey, "Deepgram API key (overrides $DEEPGRAM_API_KEY)"),
		kayakoURL:   flag.String("kayako-url", config.KayakoURL, "Kayako base URL (overrides $KAYAKO_URL)"),
		kayakoEmail: flag.String("kayako-email", config.KayakoEmail, "Kayako agent email (overrides $KAYAKO_EMAIL)"),
		kayakoPass:  flag.String("kayako-password", config.KayakoPass, "Kayako agent password (overrides $KAYAKO_PASSWORD)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		baseURL:     flag.String("base-url", config.PublicBaseURL, "public base URL for telephony callbacks (overrides $PUBLIC_BASE_URL)"),
		streamURL:   flag.String("stream-url", config.StreamURL, "websocket URL for the media stream (overrides $STREAM_URL)"),
		issueFirst:  flag.Bool("issue-first", false, "collect the caller's issue before their email address"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"deepgramKeySet", *flags.deepgramKey != "",
		"kayakoURL", *flags.kayakoURL,
		"apiAddr", *flags.apiAddr,
		"baseURL", *flags.baseURL,
		"issueFirst", *flags.issueFirst)

	// Update database DSN if not explicitly set but state directory is provided
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(filepath.Join(*flags.stateDir, DefaultMediaDirName), 0755); err != nil {
		return err
	}
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		dbDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "db_dir", dbDir)
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			slog.Error("Failed to create database directory", "error", err, "db_dir", dbDir)
			return err
		}
	}
	return nil
}

// buildStore constructs the call record store for the configured DSN.
func buildStore(flags Flags) (store.Store, error) {
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, using in-memory store")
		return store.NewInMemoryStore(), nil
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(*flags.dbDSN))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
	return store.NewSQLiteStore(store.WithSQLiteDSN(*flags.dbDSN))
}

// buildDeepgramOptions constructs Deepgram configuration options
func buildDeepgramOptions(flags Flags) []deepgram.Option {
	var opts []deepgram.Option
	if *flags.deepgramKey != "" {
		opts = append(opts, deepgram.WithAPIKey(*flags.deepgramKey))
	}
	return opts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var opts []genai.Option
	if *flags.openaiKey != "" {
		opts = append(opts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		opts = append(opts, genai.WithModel(*flags.openaiModel))
	}
	return opts
}

// buildKayakoOptions constructs Kayako configuration options
func buildKayakoOptions(flags Flags) []kayako.Option {
	var opts []kayako.Option
	if *flags.kayakoURL != "" {
		opts = append(opts, kayako.WithBaseURL(*flags.kayakoURL))
	}
	if *flags.kayakoEmail != "" || *flags.kayakoPass != "" {
		opts = append(opts, kayako.WithCredentials(*flags.kayakoEmail, *flags.kayakoPass))
	}
	return opts
}

// buildRendererOptions constructs TwiML renderer configuration options
func buildRendererOptions(flags Flags) []twiliovoice.Option {
	var opts []twiliovoice.Option
	if *flags.baseURL != "" {
		opts = append(opts, twiliovoice.WithBaseURL(*flags.baseURL))
	}
	if *flags.streamURL != "" {
		opts = append(opts, twiliovoice.WithStreamURL(*flags.streamURL))
	}
	return opts
}
