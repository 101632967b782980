package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the chatsync engine.
type Profile struct {
	// Mode can be "prod" or "dev".
	Mode string
	// Addr is the binding address for the HTTP API.
	Addr string
	// Port is the binding port for the HTTP API.
	Port int
	// Data is the data directory.
	Data string
	// Driver is the database driver: sqlite, postgres or mysql.
	Driver string
	// DSN points to where the chats are stored.
	DSN      string
	LogLevel string

	AIProvider    string
	AIBaseURL     string
	AIAPIKey      string
	AIModel       string
	AIMaxTokens   int
	// AITemperature is nil when unset; 0 asks for deterministic replies.
	AITemperature *float64
	AITimeout     time.Duration
	SystemPrompt  string

	CoalesceWindow     time.Duration
	BusyPolicy         string
	ContextMaxMessages int
	ContextMaxChars    int

	ProbeURL      string
	ProbeInterval time.Duration

	// SnapshotBackend is one of "file", "redis", "s3" or "none".
	SnapshotBackend string
	SnapshotKey     string
	RedisURL        string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string

	VectorEnabled  bool
	EmbeddingModel string
}

const (
	defaultSnapshotKey = "chatsync-chats"
	defaultAIBaseURL   = "https://api.mistral.ai/v1"

	defaultAIMaxTokens    = 1000
	defaultAITemperature  = 0.7
	defaultEmbeddingModel = "mistral-embed"
)

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// Validate fills the defaults and checks the selected backends.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/chatsync"
	}
	if p.Data == "" {
		p.Data = "."
	}
	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	if p.Driver == "" {
		p.Driver = "sqlite"
	}
	switch p.Driver {
	case "sqlite":
		if p.DSN == "" {
			p.DSN = filepath.Join(dataDir, fmt.Sprintf("chatsync_%s.db", p.Mode))
		}
	case "postgres", "mysql":
		if p.DSN == "" {
			return errors.Errorf("dsn is required for driver %q", p.Driver)
		}
	default:
		return errors.Errorf("unknown driver %q", p.Driver)
	}

	switch p.AIProvider {
	case "":
		p.AIProvider = "openai"
	case "openai", "langchain":
	default:
		return errors.Errorf("unknown ai provider %q", p.AIProvider)
	}
	if p.AIBaseURL == "" {
		p.AIBaseURL = defaultAIBaseURL
	}
	if p.AIModel == "" {
		p.AIModel = "mistral"
	}
	if p.AIMaxTokens <= 0 {
		p.AIMaxTokens = defaultAIMaxTokens
	}
	if p.AITemperature == nil {
		temperature := defaultAITemperature
		p.AITemperature = &temperature
	} else if *p.AITemperature < 0 || *p.AITemperature > 2 {
		return errors.Errorf("ai temperature %v out of range [0, 2]", *p.AITemperature)
	}
	if p.EmbeddingModel == "" {
		p.EmbeddingModel = defaultEmbeddingModel
	}
	if p.ContextMaxMessages < 0 || p.ContextMaxChars < 0 {
		return errors.New("context limits must not be negative")
	}

	switch p.BusyPolicy {
	case "":
		p.BusyPolicy = "ignore"
	case "ignore", "supersede":
	default:
		return errors.Errorf("unknown busy policy %q", p.BusyPolicy)
	}

	if p.SnapshotKey == "" {
		p.SnapshotKey = defaultSnapshotKey
	}
	switch p.SnapshotBackend {
	case "":
		p.SnapshotBackend = "file"
	case "file", "none":
	case "redis":
		if p.RedisURL == "" {
			return errors.New("redis-url is required for the redis snapshot backend")
		}
	case "s3":
		if p.S3Bucket == "" {
			return errors.New("s3-bucket is required for the s3 snapshot backend")
		}
	default:
		return errors.Errorf("unknown snapshot backend %q", p.SnapshotBackend)
	}
	return nil
}

// SlogLevel maps the configured log level onto slog.
func (p *Profile) SlogLevel() slog.Level {
	switch strings.ToLower(p.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dataDir, 0o750); err != nil {
				return "", errors.Wrapf(err, "unable to create data folder %s", dataDir)
			}
			return dataDir, nil
		}
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}
