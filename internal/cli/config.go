package cli

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/itinerary-coord/internal/breaker"
	"github.com/ChuLiYu/itinerary-coord/internal/conflict"
	"github.com/ChuLiYu/itinerary-coord/internal/notify"
	"github.com/ChuLiYu/itinerary-coord/internal/retry"
	"github.com/ChuLiYu/itinerary-coord/pkg/types"
)

// Storage drivers.
const (
	DriverMemory = "memory"
	DriverWAL    = "wal"
	DriverSQLite = "sqlite"
	DriverBolt   = "bolt"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	LogLevel string `yaml:"log_level"`

	Worker struct {
		Workers       int           `yaml:"workers"`
		PollInterval  time.Duration `yaml:"poll_interval"`
		DeferDelay    time.Duration `yaml:"defer_delay"`
		ReportTimeout time.Duration `yaml:"report_timeout"`
	} `yaml:"worker"`

	Storage struct {
		// Driver: memory / wal / sqlite
		Driver           string        `yaml:"driver"`
		Dir              string        `yaml:"dir"`
		SyncOnAppend     bool          `yaml:"sync_on_append"`
		FlushInterval    time.Duration `yaml:"flush_interval"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
		SnapshotBackups  int           `yaml:"snapshot_backups"`
		SweepInterval    time.Duration `yaml:"sweep_interval"`
		// DeadLetters: memory / bolt；sqlite 儲存自帶死信表
		DeadLetters string `yaml:"dead_letters"`
	} `yaml:"storage"`

	Documents struct {
		// Driver: memory / bolt
		Driver           string          `yaml:"driver"`
		Path             string          `yaml:"path"`
		MaxCommitRetries int             `yaml:"max_commit_retries"`
		Conflict         conflict.Config `yaml:"conflict"`
	} `yaml:"documents"`

	Retry struct {
		Default retry.Config                    `yaml:"default"`
		Kinds   map[types.TaskKind]retry.Config `yaml:"kinds"`
	} `yaml:"retry"`

	Breakers struct {
		Default      breaker.Config            `yaml:"default"`
		Dependencies map[string]breaker.Config `yaml:"dependencies"`
	} `yaml:"breakers"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Notify struct {
		Redis struct {
			Enabled             bool `yaml:"enabled"`
			notify.RedisOptions `yaml:",inline"`
		} `yaml:"redis"`
		Webhook struct {
			URL     string             `yaml:"url"`
			Events  []notify.EventType `yaml:"events"`
			Headers map[string]string  `yaml:"headers"`
		} `yaml:"webhook"`
	} `yaml:"notify"`
}

// DefaultConfig is what an empty file yields.
func DefaultConfig() *Config {
	cfg := &Config{LogLevel: "info"}
	cfg.Worker.Workers = 4
	cfg.Worker.PollInterval = time.Second
	cfg.Worker.DeferDelay = 5 * time.Second
	cfg.Worker.ReportTimeout = 5 * time.Second

	cfg.Storage.Driver = DriverWAL
	cfg.Storage.Dir = "./data"
	cfg.Storage.SnapshotInterval = 30 * time.Second
	cfg.Storage.SnapshotBackups = 2
	cfg.Storage.SweepInterval = time.Second
	cfg.Storage.DeadLetters = DriverBolt

	cfg.Documents.Driver = DriverBolt
	cfg.Documents.Conflict = conflict.DefaultConfig()

	cfg.Retry.Default = retry.DefaultConfig()
	cfg.Breakers.Default = breaker.DefaultConfig()

	cfg.Metrics.Addr = ":9090"
	cfg.Server.Addr = ":50051"
	return cfg
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case DriverMemory, DriverWAL, DriverSQLite:
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	switch c.Storage.DeadLetters {
	case DriverMemory, DriverBolt:
	default:
		return fmt.Errorf("storage.dead_letters: unknown driver %q", c.Storage.DeadLetters)
	}
	switch c.Documents.Driver {
	case DriverMemory, DriverBolt:
	default:
		return fmt.Errorf("documents.driver: unknown driver %q", c.Documents.Driver)
	}
	if c.Worker.Workers < 0 {
		return fmt.Errorf("worker.workers must not be negative")
	}
	if c.Notify.Redis.Enabled && c.Notify.Redis.Addr == "" {
		return fmt.Errorf("notify.redis.addr is required when redis is enabled")
	}
	return nil
}
