// Package config loads the relay settings from YAML with environment
// overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"channel-relay/pkg/pipeline"
)

type Source struct {
	FeedURL       string        `yaml:"feed_url"`
	CheckInterval time.Duration `yaml:"check_interval"`
	Lookback      time.Duration `yaml:"lookback"`
	ActiveHours   struct {
		Start string `yaml:"start"`
		End   string `yaml:"end"`
	} `yaml:"active_hours"`
}

type Target struct {
	UploadURL         string `yaml:"upload_url"`
	Token             string `yaml:"token"`
	PrivacyStatus     string `yaml:"privacy_status"`
	TitlePrefix       string `yaml:"title_prefix"`
	DescriptionPrefix string `yaml:"description_prefix"`
	MadeForKids       bool   `yaml:"made_for_kids"`
}

type Pipeline struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	MaxRetries       int           `yaml:"max_retries"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryMax         time.Duration `yaml:"retry_max"`
	FreshnessWindow  time.Duration `yaml:"freshness_window"`
	DownloadDir      string        `yaml:"download_dir"`
	MinFreeSpaceMB   uint64        `yaml:"min_free_space_mb"`
	RemoveArtifacts  bool          `yaml:"remove_artifacts"`
	EventHistorySize int           `yaml:"event_history_size"`
}

type Database struct {
	// URL selects Postgres. When empty the SQLite file at SQLitePath is used.
	URL        string `yaml:"url"`
	MaxConns   int    `yaml:"max_conns"`
	SQLitePath string `yaml:"sqlite_path"`
}

type RabbitMQ struct {
	URL        string `yaml:"url"`
	BufferSize int    `yaml:"buffer_size"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the YAML configuration structure
type Config struct {
	Source   Source   `yaml:"source"`
	Target   Target   `yaml:"target"`
	Pipeline Pipeline `yaml:"pipeline"`
	Database Database `yaml:"database"`
	RabbitMQ RabbitMQ `yaml:"rabbitmq"`
	HTTP     HTTP     `yaml:"http"`
	Log      Log      `yaml:"log"`
}

func Default() *Config {
	c := &Config{}
	c.Source.CheckInterval = 5 * time.Minute
	c.Source.Lookback = 24 * time.Hour
	c.Target.PrivacyStatus = "public"
	c.Pipeline = Pipeline{
		MaxConcurrent:    3,
		MaxRetries:       3,
		TickInterval:     2 * time.Second,
		RetryBase:        2 * time.Second,
		RetryMax:         60 * time.Second,
		FreshnessWindow:  time.Hour,
		DownloadDir:      filepath.Join(os.TempDir(), "channel-relay"),
		MinFreeSpaceMB:   1024,
		RemoveArtifacts:  true,
		EventHistorySize: 1000,
	}
	c.Database.SQLitePath = "channel-relay.db"
	c.RabbitMQ.BufferSize = 256
	c.HTTP.Addr = ":9091"
	c.Log = Log{Level: "info", Format: "json"}
	return c
}

// Load reads path (optional) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv overrides settings from the environment variables the deployment
// already sets for the other services.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, v, err)
		}
		*dst = n
		return nil
	}

	str("DATABASE_URL", &c.Database.URL)
	str("SQLITE_PATH", &c.Database.SQLitePath)
	str("RABBITMQ_URL", &c.RabbitMQ.URL)
	str("SOURCE_FEED_URL", &c.Source.FeedURL)
	str("TARGET_UPLOAD_URL", &c.Target.UploadURL)
	str("TARGET_TOKEN", &c.Target.Token)
	str("DOWNLOAD_DIR", &c.Pipeline.DownloadDir)
	str("METRICS_ADDR", &c.HTTP.Addr)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	if err := num("DB_MAX_CONNS", &c.Database.MaxConns); err != nil {
		return err
	}
	if err := num("MAX_CONCURRENT", &c.Pipeline.MaxConcurrent); err != nil {
		return err
	}
	return num("MAX_RETRIES", &c.Pipeline.MaxRetries)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Pipeline.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("pipeline.max_concurrent must be at least 1, got %d", c.Pipeline.MaxConcurrent))
	}
	if c.Pipeline.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("pipeline.max_retries must not be negative, got %d", c.Pipeline.MaxRetries))
	}
	if c.Pipeline.TickInterval <= 0 {
		errs = append(errs, errors.New("pipeline.tick_interval must be positive"))
	}
	if c.Pipeline.RetryMax > 0 && c.Pipeline.RetryMax < c.Pipeline.RetryBase {
		errs = append(errs, errors.New("pipeline.retry_max must not be below pipeline.retry_base"))
	}
	if c.Source.CheckInterval < 10*time.Second {
		errs = append(errs, fmt.Errorf("source.check_interval must be at least 10s, got %s", c.Source.CheckInterval))
	}
	if _, err := c.ActiveHours(); err != nil {
		errs = append(errs, err)
	}
	switch c.Target.PrivacyStatus {
	case "public", "unlisted", "private":
	default:
		errs = append(errs, fmt.Errorf("target.privacy_status must be public, unlisted or private, got %q", c.Target.PrivacyStatus))
	}
	if c.Database.URL == "" && c.Database.SQLitePath == "" {
		errs = append(errs, errors.New("one of database.url or database.sqlite_path is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) ActiveHours() (pipeline.ActiveHours, error) {
	return pipeline.ParseActiveHours(c.Source.ActiveHours.Start, c.Source.ActiveHours.End)
}

// OrchestratorConfig maps the settings onto the pipeline orchestrator.
func (c *Config) OrchestratorConfig() pipeline.Config {
	return pipeline.Config{
		TickInterval:      c.Pipeline.TickInterval,
		FreshnessWindow:   c.Pipeline.FreshnessWindow,
		Backoff:           pipeline.Backoff{Base: c.Pipeline.RetryBase, Max: c.Pipeline.RetryMax},
		DownloadDir:       c.Pipeline.DownloadDir,
		MinFreeBytes:      c.Pipeline.MinFreeSpaceMB << 20,
		RemoveArtifacts:   c.Pipeline.RemoveArtifacts,
		TitlePrefix:       c.Target.TitlePrefix,
		DescriptionPrefix: c.Target.DescriptionPrefix,
		PrivacyStatus:     c.Target.PrivacyStatus,
		MadeForKids:       c.Target.MadeForKids,
	}
}

// PollerConfig maps the settings onto the source channel poller. Validate
// has already rejected malformed active hours.
func (c *Config) PollerConfig() pipeline.PollerConfig {
	hours, _ := c.ActiveHours()
	return pipeline.PollerConfig{
		Interval:    c.Source.CheckInterval,
		Lookback:    c.Source.Lookback,
		ActiveHours: hours,
	}
}
