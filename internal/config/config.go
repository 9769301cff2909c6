// Package config loads the agent configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config models the YAML configuration file.
type Config struct {
	// AppID identifies this installation to the ingestion endpoint. A random
	// id is used when empty.
	AppID      string `yaml:"appId"`
	AppVersion string `yaml:"appVersion"`
	// NodeName is attached to every tailed line.
	NodeName  string          `yaml:"nodeName"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Ingestion IngestionConfig `yaml:"ingestion"`
	Groups    []GroupConfig   `yaml:"groups"`
	Sources   []SourceConfig  `yaml:"sources"`
	HTTP      HTTPConfig      `yaml:"http"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// StorageConfig selects the log store. An empty path keeps logs in memory.
type StorageConfig struct {
	Path string `yaml:"path"`
}

type IngestionConfig struct {
	URL               string            `yaml:"url"`
	Timeout           time.Duration     `yaml:"timeout"`
	RequestsPerSecond float64           `yaml:"requestsPerSecond"`
	Burst             int               `yaml:"burst"`
	Gzip              bool              `yaml:"gzip"`
	Headers           map[string]string `yaml:"headers"`
}

type GroupConfig struct {
	Name               string        `yaml:"name"`
	MaxLogsPerBatch    int           `yaml:"maxLogsPerBatch"`
	BatchInterval      time.Duration `yaml:"batchInterval"`
	MaxParallelBatches int           `yaml:"maxParallelBatches"`
}

// SourceConfig tails files matching Paths into Group.
type SourceConfig struct {
	Group           string        `yaml:"group"`
	Paths           []string      `yaml:"paths"`
	LogType         string        `yaml:"logType"`
	ScanInterval    time.Duration `yaml:"scanInterval"`
	FileIdleTimeout time.Duration `yaml:"fileIdleTimeout"`
	// Worker pool sizing; zero values use the daemon defaults.
	MinWorkers    int `yaml:"minWorkers"`
	MaxWorkers    int `yaml:"maxWorkers"`
	FileQueueSize int `yaml:"fileQueueSize"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

const (
	DefaultMaxLogsPerBatch    = 50
	DefaultBatchInterval      = 3 * time.Second
	DefaultMaxParallelBatches = 3
)

// Load parses a YAML configuration file, applies defaults and environment
// overrides, and validates the result. An empty path starts from defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = "info"
	}
	if c.Ingestion.Timeout == 0 {
		c.Ingestion.Timeout = 10 * time.Second
	}
	if c.Ingestion.RequestsPerSecond > 0 && c.Ingestion.Burst == 0 {
		c.Ingestion.Burst = 1
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = ":8080"
	}
	for i := range c.Groups {
		c.Groups[i].applyDefaults()
	}
	for i := range c.Sources {
		c.Sources[i].applyDefaults()
	}
}

func (g *GroupConfig) applyDefaults() {
	if g.MaxLogsPerBatch == 0 {
		g.MaxLogsPerBatch = DefaultMaxLogsPerBatch
	}
	if g.BatchInterval == 0 {
		g.BatchInterval = DefaultBatchInterval
	}
	if g.MaxParallelBatches == 0 {
		g.MaxParallelBatches = DefaultMaxParallelBatches
	}
}

func (s *SourceConfig) applyDefaults() {
	if strings.TrimSpace(s.LogType) == "" {
		s.LogType = "line"
	}
	if s.ScanInterval == 0 {
		s.ScanInterval = 30 * time.Second
	}
	if s.FileIdleTimeout == 0 {
		s.FileIdleTimeout = 5 * time.Minute
	}
}

// applyEnv overrides file values with AGENT_* environment variables.
func (c *Config) applyEnv() {
	c.AppID = getEnv("AGENT_APP_ID", c.AppID)
	c.Ingestion.URL = getEnv("AGENT_INGESTION_URL", c.Ingestion.URL)
	c.Ingestion.Timeout = getEnvAsDuration("AGENT_INGESTION_TIMEOUT", c.Ingestion.Timeout)
	c.Ingestion.RequestsPerSecond = getEnvAsFloat("AGENT_INGESTION_RPS", c.Ingestion.RequestsPerSecond)
	c.Ingestion.Burst = getEnvAsInt("AGENT_INGESTION_BURST", c.Ingestion.Burst)
	c.Storage.Path = getEnv("AGENT_STORAGE_PATH", c.Storage.Path)
	c.HTTP.Addr = getEnv("AGENT_METRICS_ADDR", c.HTTP.Addr)
	c.Log.Level = getEnv("AGENT_LOG_LEVEL", c.Log.Level)
	c.NodeName = getEnv("NODE_NAME", c.NodeName)
}

func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Ingestion.URL) == "" {
		errs = append(errs, errors.New("ingestion.url is required"))
	}
	if c.AppID != "" {
		if _, err := uuid.Parse(c.AppID); err != nil {
			errs = append(errs, fmt.Errorf("appId: %w", err))
		}
	}
	if c.Ingestion.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("ingestion.requestsPerSecond must be >= 0"))
	}

	groups := make(map[string]struct{}, len(c.Groups))
	for i, g := range c.Groups {
		name := strings.TrimSpace(g.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("groups[%d]: name is required", i))
			continue
		case g.MaxLogsPerBatch < 1:
			errs = append(errs, fmt.Errorf("groups[%d]: maxLogsPerBatch must be >= 1", i))
		case g.BatchInterval < 0:
			errs = append(errs, fmt.Errorf("groups[%d]: batchInterval must be >= 0", i))
		case g.MaxParallelBatches < 1:
			errs = append(errs, fmt.Errorf("groups[%d]: maxParallelBatches must be >= 1", i))
		}
		if _, dup := groups[name]; dup {
			errs = append(errs, fmt.Errorf("groups[%d]: duplicate group %q", i, name))
		}
		groups[name] = struct{}{}
	}

	for i, s := range c.Sources {
		if _, ok := groups[s.Group]; !ok {
			errs = append(errs, fmt.Errorf("sources[%d]: unknown group %q", i, s.Group))
		}
		if len(s.Paths) == 0 {
			errs = append(errs, fmt.Errorf("sources[%d]: at least one path is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// AppUUID returns the configured application id, or a new random one when
// none is set.
func (c *Config) AppUUID() uuid.UUID {
	if id, err := uuid.Parse(c.AppID); err == nil {
		return id
	}
	return uuid.New()
}
