package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/usememos/chatsync/internal/profile"
	"github.com/usememos/chatsync/server"
	"github.com/usememos/chatsync/store"
	"github.com/usememos/chatsync/store/db"
)

const version = "0.1.0"

var (
	rootCmd = &cobra.Command{
		Use:   "chatsync",
		Short: `Chat sessions with an AI assistant, kept in sync with a database.`,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			// A missing .env file is fine.
			_ = godotenv.Load()
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Run: func(cmd *cobra.Command, _ []string) {
			s, ctx, cancel := mustStart(cmd)
			defer cancel()
			defer s.Close()

			if err := s.Start(ctx); err != nil {
				slog.Error("server stopped with error", slog.String("error", err.Error()))
				os.Exit(1)
			}
		},
	}
)

func init() {
	viper.SetDefault("mode", "dev")
	viper.SetDefault("driver", "sqlite")
	viper.SetDefault("port", 8081)
	viper.SetDefault("log-level", "info")
	viper.SetDefault("coalesce-window", "300ms")
	viper.SetDefault("ai-timeout", "60s")
	viper.SetDefault("probe-interval", "30s")

	flags := rootCmd.PersistentFlags()
	flags.String("mode", "dev", `mode of server, can be "prod" or "dev" or "demo"`)
	flags.String("addr", "", "address of server")
	flags.Int("port", 8081, "port of server")
	flags.String("data", "", "data directory")
	flags.String("driver", "sqlite", "database driver: sqlite, postgres or mysql")
	flags.String("dsn", "", "database source name (aka. DSN)")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.String("ai-provider", "openai", "generator implementation: openai or langchain")
	flags.String("ai-base-url", "", "OpenAI compatible API base URL")
	flags.String("ai-api-key", "", "API key for the completion endpoint")
	flags.String("ai-model", "mistral", "model name or alias")
	flags.Int("ai-max-tokens", 1000, "max tokens per reply")
	flags.Float64("ai-temperature", 0.7, "sampling temperature")
	flags.Duration("ai-timeout", time.Minute, "HTTP timeout for generation requests")
	flags.String("system-prompt", "", "system instruction prepended to every request")
	flags.Duration("coalesce-window", 300*time.Millisecond, "submissions inside this window collapse into the last one; 0 disables")
	flags.String("busy-policy", "ignore", "what to do with a submission while a reply is pending: ignore or supersede")
	flags.Int("context-max-messages", 0, "most recent messages sent for generation; 0 means all")
	flags.Int("context-max-chars", 0, "character budget of the history sent for generation; 0 means unbounded")
	flags.String("probe-url", "", "URL probed with HEAD to track connectivity; empty disables probing")
	flags.Duration("probe-interval", 30*time.Second, "connectivity probe interval")
	flags.String("snapshot-backend", "file", "local snapshot backend: file, redis, s3 or none")
	flags.String("snapshot-key", "chatsync-chats", "snapshot key")
	flags.String("redis-url", "", "redis URL for the redis snapshot backend")
	flags.String("s3-bucket", "", "bucket for the s3 snapshot backend")
	flags.String("s3-region", "", "region for the s3 snapshot backend")
	flags.String("s3-endpoint", "", "custom endpoint for S3 compatible storage")
	flags.String("s3-access-key", "", "access key for the s3 snapshot backend")
	flags.String("s3-secret-key", "", "secret key for the s3 snapshot backend")
	flags.Bool("vector-enabled", false, "index messages for semantic search")
	flags.String("embedding-model", "mistral-embed", "embedding model for semantic search")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("chatsync")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(serveCmd, chatCmd, chatsCmd, clearCmd, mcpCmd)
}

func loadProfile() (*profile.Profile, error) {
	temperature := viper.GetFloat64("ai-temperature")
	p := &profile.Profile{
		Mode:               viper.GetString("mode"),
		Addr:               viper.GetString("addr"),
		Port:               viper.GetInt("port"),
		Data:               viper.GetString("data"),
		Driver:             viper.GetString("driver"),
		DSN:                viper.GetString("dsn"),
		LogLevel:           viper.GetString("log-level"),
		AIProvider:         viper.GetString("ai-provider"),
		AIBaseURL:          viper.GetString("ai-base-url"),
		AIAPIKey:           viper.GetString("ai-api-key"),
		AIModel:            viper.GetString("ai-model"),
		AIMaxTokens:        viper.GetInt("ai-max-tokens"),
		AITemperature:      &temperature,
		AITimeout:          viper.GetDuration("ai-timeout"),
		SystemPrompt:       viper.GetString("system-prompt"),
		CoalesceWindow:     viper.GetDuration("coalesce-window"),
		BusyPolicy:         viper.GetString("busy-policy"),
		ContextMaxMessages: viper.GetInt("context-max-messages"),
		ContextMaxChars:    viper.GetInt("context-max-chars"),
		ProbeURL:           viper.GetString("probe-url"),
		ProbeInterval:      viper.GetDuration("probe-interval"),
		SnapshotBackend:    viper.GetString("snapshot-backend"),
		SnapshotKey:        viper.GetString("snapshot-key"),
		RedisURL:           viper.GetString("redis-url"),
		S3Bucket:           viper.GetString("s3-bucket"),
		S3Region:           viper.GetString("s3-region"),
		S3Endpoint:         viper.GetString("s3-endpoint"),
		S3AccessKey:        viper.GetString("s3-access-key"),
		S3SecretKey:        viper.GetString("s3-secret-key"),
		VectorEnabled:      viper.GetBool("vector-enabled"),
		EmbeddingModel:     viper.GetString("embedding-model"),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func setupLogger(p *profile.Profile) {
	opts := &slog.HandlerOptions{Level: p.SlogLevel()}
	var handler slog.Handler
	if p.IsDev() {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// mustStart loads the profile, opens the store and bootstraps the engine.
// The returned context is cancelled on SIGINT or SIGTERM.
func mustStart(cmd *cobra.Command) (*server.Server, context.Context, context.CancelFunc) {
	p, err := loadProfile()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	setupLogger(p)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	dbDriver, err := db.NewDBDriver(p)
	if err != nil {
		cancel()
		slog.Error("failed to create db driver", slog.String("error", err.Error()))
		os.Exit(1)
	}
	storeInstance := store.New(dbDriver)
	if err := storeInstance.Migrate(ctx); err != nil {
		cancel()
		slog.Error("failed to migrate", slog.String("error", err.Error()))
		os.Exit(1)
	}

	s, err := server.NewServer(ctx, p, storeInstance)
	if err != nil {
		cancel()
		storeInstance.Close()
		slog.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := s.Bootstrap(ctx); err != nil {
		cancel()
		s.Close()
		slog.Error("failed to load chats", slog.String("error", err.Error()))
		os.Exit(1)
	}
	return s, ctx, cancel
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
