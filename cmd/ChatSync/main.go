// Command ChatSync runs a local-first chat message store with an HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ChatSync/internal/api"
	"github.com/BTreeMap/ChatSync/internal/genai"
	"github.com/BTreeMap/ChatSync/internal/lockfile"
	"github.com/BTreeMap/ChatSync/internal/remote"
	"github.com/BTreeMap/ChatSync/internal/repository"
	"github.com/BTreeMap/ChatSync/internal/store"
	"github.com/BTreeMap/ChatSync/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatSync state data
	DefaultStateDir = "/var/lib/chatsync"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "chatsync.db"
	// MemoryDSN disables persistence of the local store
	MemoryDSN = "memory"
	// DefaultRoom is the default Redis room name
	DefaultRoom = "general"
)

// Remote source kinds
const (
	RemoteMemory = "memory"
	RemoteHTTP   = "http"
	RemoteRedis  = "redis"
	RemoteTwilio = "twilio"
)

func main() {
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(os.Stdout, flags.Debug)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ChatSync", "remote", flags.Remote, "state_dir", flags.StateDir, "api_addr", flags.APIAddr)
	if err := run(ctx, flags); err != nil {
		slog.Error("ChatSync failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatSync exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir      string
	DatabaseURL   string
	APIAddr       string
	Remote        string
	RemoteURL     string
	RedisURL      string
	Room          string
	OpenAIKey     string
	OpenAIModel   string
	Temperature   float64
	MaxTokens     int64
	SystemPrompt  string
	RetryInterval time.Duration
	RemoteTimeout time.Duration
	Debug         bool
}

// Flags holds the effective configuration after command line parsing
type Flags struct {
	StateDir      string
	DBDSN         string
	APIAddr       string
	Remote        string
	RemoteURL     string
	RedisURL      string
	Room          string
	OpenAIKey     string
	OpenAIModel   string
	Temperature   float64
	MaxTokens     int64
	SystemPrompt  string
	RetryInterval time.Duration
	RemoteTimeout time.Duration
	Debug         bool
}

// initializeLogger installs a text slog handler on w.
func initializeLogger(w io.Writer, debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:      util.GetEnv("CHATSYNC_STATE_DIR", DefaultStateDir),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		APIAddr:       util.GetEnv("API_ADDR", api.DefaultAPIAddr),
		Remote:        util.GetEnv("CHATSYNC_REMOTE", RemoteMemory),
		RemoteURL:     os.Getenv("CHATSYNC_REMOTE_URL"),
		RedisURL:      os.Getenv("REDIS_URL"),
		Room:          util.GetEnv("CHATSYNC_ROOM", DefaultRoom),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:   util.GetEnv("OPENAI_MODEL", genai.DefaultModel),
		Temperature:   util.ParseFloatEnv("OPENAI_TEMPERATURE", genai.DefaultTemperature),
		MaxTokens:     util.ParseInt64Env("OPENAI_MAX_TOKENS", genai.DefaultMaxTokens),
		SystemPrompt:  util.GetEnv("CHATSYNC_SYSTEM_PROMPT", genai.DefaultSystemPrompt),
		RetryInterval: util.ParseDurationEnv("CHATSYNC_RETRY_INTERVAL", repository.DefaultSweepInterval),
		RemoteTimeout: util.ParseDurationEnv("CHATSYNC_REMOTE_TIMEOUT", repository.DefaultRemoteTimeout),
		Debug:         util.ParseBoolEnv("CHATSYNC_DEBUG", false),
	}

	slog.Debug("environment variables loaded",
		"CHATSYNC_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"API_ADDR", config.APIAddr,
		"CHATSYNC_REMOTE", config.Remote,
		"REDIS_URL_SET", config.RedisURL != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "")
	return config
}

// parseCommandLineFlags parses args with environment defaults. The database
// DSN defaults to a SQLite file inside the final state directory.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var f Flags
	fs.StringVar(&f.StateDir, "state-dir", config.StateDir, "state directory for ChatSync data (overrides $CHATSYNC_STATE_DIR)")
	fs.StringVar(&f.DBDSN, "db-dsn", config.DatabaseURL, "database DSN for the local store, or \"memory\" (overrides $DATABASE_URL)")
	fs.StringVar(&f.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&f.Remote, "remote", config.Remote, "remote source: memory, http, redis or twilio (overrides $CHATSYNC_REMOTE)")
	fs.StringVar(&f.RemoteURL, "remote-url", config.RemoteURL, "base URL of the http remote (overrides $CHATSYNC_REMOTE_URL)")
	fs.StringVar(&f.RedisURL, "redis-url", config.RedisURL, "Redis URL for the redis remote (overrides $REDIS_URL)")
	fs.StringVar(&f.Room, "room", config.Room, "room name for the redis remote (overrides $CHATSYNC_ROOM)")
	fs.StringVar(&f.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key for replies on the memory remote (overrides $OPENAI_API_KEY)")
	fs.StringVar(&f.OpenAIModel, "openai-model", config.OpenAIModel, "OpenAI chat model for replies (overrides $OPENAI_MODEL)")
	fs.Float64Var(&f.Temperature, "openai-temperature", config.Temperature, "sampling temperature for replies (overrides $OPENAI_TEMPERATURE)")
	fs.Int64Var(&f.MaxTokens, "openai-max-tokens", config.MaxTokens, "maximum reply length in tokens (overrides $OPENAI_MAX_TOKENS)")
	fs.StringVar(&f.SystemPrompt, "system-prompt", config.SystemPrompt, "system prompt for generated replies (overrides $CHATSYNC_SYSTEM_PROMPT)")
	fs.DurationVar(&f.RetryInterval, "retry-interval", config.RetryInterval, "how often pending messages are retried (overrides $CHATSYNC_RETRY_INTERVAL)")
	fs.DurationVar(&f.RemoteTimeout, "remote-timeout", config.RemoteTimeout, "timeout for a single remote call (overrides $CHATSYNC_REMOTE_TIMEOUT)")
	fs.BoolVar(&f.Debug, "debug", config.Debug, "enable debug logging (overrides $CHATSYNC_DEBUG)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	f.Remote = strings.ToLower(strings.TrimSpace(f.Remote))
	if f.DBDSN == "" {
		f.DBDSN = filepath.Join(f.StateDir, DefaultDBFileName)
	}
	return f, nil
}

// run wires the local store, remote source, reconciler, retry sweeper and
// API server, and blocks until ctx is cancelled.
func run(ctx context.Context, flags Flags) error {
	local, closeLocal, err := openLocalStore(flags)
	if err != nil {
		return err
	}
	defer closeLocal()

	src, closeRemote, err := buildRemoteSource(ctx, flags)
	if err != nil {
		return err
	}
	defer closeRemote()

	repo := repository.New(local, src, repository.WithRemoteTimeout(flags.RemoteTimeout))

	sweeper := repository.NewRetrySweeper(repo, repository.WithSweepInterval(flags.RetryInterval))
	if _, err := sweeper.RecoverPending(); err != nil {
		return fmt.Errorf("recover pending messages: %w", err)
	}
	go sweeper.Run(ctx)

	if msgs, err := repo.Load(ctx); err != nil {
		if !errors.Is(err, repository.ErrNoCachedMessages) {
			return fmt.Errorf("initial load: %w", err)
		}
		slog.Warn("Initial load found nothing: remote unavailable and cache empty", "error", err)
	} else {
		slog.Info("Initial load complete", "messages", len(msgs))
	}

	return api.NewServer(repo, api.WithAddr(flags.APIAddr)).Run(ctx)
}

// openLocalStore opens the local store selected by flags.DBDSN and returns a
// function releasing everything it acquired.
func openLocalStore(flags Flags) (store.LocalStore, func(), error) {
	if flags.DBDSN == MemoryDSN {
		slog.Info("Using in-memory local store; messages will not survive a restart")
		return store.NewInMemoryStore(), func() {}, nil
	}

	var (
		repo store.MessageRepo
		lock *lockfile.Lock
		err  error
	)
	if store.DetectDSNType(flags.DBDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		repo, err = store.NewPostgresStore(store.WithPostgresDSN(flags.DBDSN))
	} else {
		// A SQLite file has a single writer: the process holding the lock.
		lock, err = lockfile.AcquireLock(filepath.Dir(flags.DBDSN))
		if err != nil {
			return nil, nil, err
		}
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", flags.DBDSN)
		repo, err = store.NewSQLiteStore(store.WithSQLiteDSN(flags.DBDSN))
	}
	if err != nil {
		lock.Release()
		return nil, nil, fmt.Errorf("open local store: %w", err)
	}

	local, err := store.NewPersistentStore(repo)
	if err != nil {
		repo.Close()
		lock.Release()
		return nil, nil, fmt.Errorf("hydrate local store: %w", err)
	}
	cleanup := func() {
		if err := repo.Close(); err != nil {
			slog.Error("Failed to close local store", "error", err)
		}
		lock.Release()
	}
	return local, cleanup, nil
}

// buildRemoteSource constructs the remote selected by flags.Remote.
func buildRemoteSource(ctx context.Context, flags Flags) (remote.Source, func(), error) {
	noop := func() {}
	switch flags.Remote {
	case RemoteMemory, "":
		responder := remote.Responder(remote.NoticeResponder{})
		if flags.OpenAIKey != "" {
			client, err := genai.NewClient(buildGenAIOptions(flags)...)
			if err != nil {
				return nil, nil, fmt.Errorf("configure GenAI responder: %w", err)
			}
			responder = client
		}
		slog.Info("Using in-process memory remote", "genai", flags.OpenAIKey != "")
		return remote.NewMemorySource(remote.WithServerIDs(), remote.WithResponder(responder)), noop, nil

	case RemoteHTTP:
		if flags.RemoteURL == "" {
			return nil, nil, fmt.Errorf("remote %q requires -remote-url or $CHATSYNC_REMOTE_URL", flags.Remote)
		}
		src, err := remote.NewHTTPSource(flags.RemoteURL)
		if err != nil {
			return nil, nil, err
		}
		return src, noop, nil

	case RemoteRedis:
		if flags.RedisURL == "" {
			return nil, nil, fmt.Errorf("remote %q requires -redis-url or $REDIS_URL", flags.Remote)
		}
		src, err := remote.NewRedisSource(ctx, flags.RedisURL, flags.Room)
		if err != nil {
			return nil, nil, err
		}
		return src, func() { src.Close() }, nil

	case RemoteTwilio:
		src, err := remote.NewTwilioSource()
		if err != nil {
			return nil, nil, fmt.Errorf("configure Twilio remote: %w", err)
		}
		return src, noop, nil

	default:
		return nil, nil, fmt.Errorf("unknown remote %q (want memory, http, redis or twilio)", flags.Remote)
	}
}

// buildGenAIOptions maps the reply generation flags onto genai options.
func buildGenAIOptions(flags Flags) []genai.Option {
	opts := []genai.Option{genai.WithAPIKey(flags.OpenAIKey)}
	if flags.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(flags.OpenAIModel))
	}
	opts = append(opts, genai.WithTemperature(flags.Temperature))
	if flags.MaxTokens > 0 {
		opts = append(opts, genai.WithMaxTokens(flags.MaxTokens))
	}
	if flags.SystemPrompt != "" {
		opts = append(opts, genai.WithSystemPrompt(flags.SystemPrompt))
	}
	return opts
}
