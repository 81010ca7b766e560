// Package config loads daemon configuration from defaults and FACTREEL_*
// environment overrides, and channel definitions from a YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	Approval  ApprovalConfig
	Dedup     DedupConfig
	Scheduler SchedulerConfig
	Collab    CollabConfig
}

type ServerConfig struct {
	Port  int
	Token string // bearer token for mutating API routes; empty disables auth
}

type LogConfig struct {
	Level string
}

type StorageConfig struct {
	DataDir      string
	ChannelsFile string
}

type PipelineConfig struct {
	Workers      int
	MaxAttempts  int
	BaseBackoff  time.Duration
	Multiplier   float64
	StageTimeout time.Duration
}

type ApprovalConfig struct {
	TTL time.Duration
}

type DedupConfig struct {
	// Retention bounds how far back idea dedup looks.
	Retention time.Duration
	// Similarity is the token-set overlap above which two topics count as
	// duplicates. Tunable; there is no canonical value.
	Similarity float64
	// MaxRounds bounds idea regeneration when a batch comes back short.
	MaxRounds int
	// CompactionInterval is how often history compaction runs.
	CompactionInterval time.Duration
}

type SchedulerConfig struct {
	Tick time.Duration
}

type CollabConfig struct {
	// URL is the base address of the media/AI collaborator service.
	URL string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Log: LogConfig{
			Level: "info",
		},
		Storage: StorageConfig{
			DataDir:      dataDir,
			ChannelsFile: filepath.Join(dataDir, "channels.yaml"),
		},
		Pipeline: PipelineConfig{
			Workers:      4,
			MaxAttempts:  3,
			BaseBackoff:  2 * time.Second,
			Multiplier:   2,
			StageTimeout: 2 * time.Minute,
		},
		Approval: ApprovalConfig{
			TTL: 24 * time.Hour,
		},
		Dedup: DedupConfig{
			Retention:          90 * 24 * time.Hour,
			Similarity:         0.6,
			MaxRounds:          3,
			CompactionInterval: 6 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			Tick: 30 * time.Second,
		},
		Collab: CollabConfig{
			URL: "http://localhost:4700",
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "factreel")
	}
	return ".factreel"
}

// Load reads configuration from defaults and FACTREEL_* environment overrides.
func Load() (Config, error) {
	cfg := defaults()
	applyEnvOverrides(&cfg, os.Getenv)

	if cfg.Pipeline.Workers <= 0 {
		return Config{}, fmt.Errorf("pipeline workers must be positive, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Dedup.Similarity <= 0 || cfg.Dedup.Similarity > 1 {
		return Config{}, fmt.Errorf("dedup similarity must be in (0, 1], got %v", cfg.Dedup.Similarity)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, getenv func(string) string) {
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setInt("FACTREEL_PORT", &cfg.Server.Port)
	setString("FACTREEL_API_TOKEN", &cfg.Server.Token)
	setString("FACTREEL_LOG_LEVEL", &cfg.Log.Level)
	setString("FACTREEL_DATA_DIR", &cfg.Storage.DataDir)
	setString("FACTREEL_CHANNELS_FILE", &cfg.Storage.ChannelsFile)
	setInt("FACTREEL_WORKERS", &cfg.Pipeline.Workers)
	setInt("FACTREEL_STAGE_MAX_ATTEMPTS", &cfg.Pipeline.MaxAttempts)
	setDuration("FACTREEL_STAGE_BASE_BACKOFF", &cfg.Pipeline.BaseBackoff)
	setFloat("FACTREEL_STAGE_MULTIPLIER", &cfg.Pipeline.Multiplier)
	setDuration("FACTREEL_STAGE_TIMEOUT", &cfg.Pipeline.StageTimeout)
	setDuration("FACTREEL_APPROVAL_TTL", &cfg.Approval.TTL)
	setDuration("FACTREEL_DEDUP_RETENTION", &cfg.Dedup.Retention)
	setFloat("FACTREEL_DEDUP_SIMILARITY", &cfg.Dedup.Similarity)
	setInt("FACTREEL_DEDUP_MAX_ROUNDS", &cfg.Dedup.MaxRounds)
	setDuration("FACTREEL_SCHEDULER_TICK", &cfg.Scheduler.Tick)
	setString("FACTREEL_COLLAB_URL", &cfg.Collab.URL)
}

// Channel is one publishing destination and its content style.
type Channel struct {
	Slug          string `yaml:"slug"`
	Name          string `yaml:"name"`
	Description   string `yaml:"description"`
	VideoDuration int    `yaml:"video_duration"`
	CardMode      string `yaml:"card_mode"`
}

// LoadChannels reads channel definitions from a YAML file. A missing file is
// not an error: it yields no channels.
func LoadChannels(path string) ([]Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading channels file: %w", err)
	}

	var doc struct {
		Channels []Channel `yaml:"channels"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing channels file: %w", err)
	}

	for i, ch := range doc.Channels {
		if ch.Slug == "" {
			return nil, fmt.Errorf("channel %d: slug is required", i)
		}
		if ch.VideoDuration <= 0 {
			doc.Channels[i].VideoDuration = 8
		}
		if ch.CardMode == "" {
			doc.Channels[i].CardMode = "template"
		}
	}
	return doc.Channels, nil
}

// Descriptions maps channel slugs to their style descriptions.
func Descriptions(channels []Channel) map[string]string {
	m := make(map[string]string, len(channels))
	for _, ch := range channels {
		m[ch.Slug] = ch.Description
	}
	return m
}
