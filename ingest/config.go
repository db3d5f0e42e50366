package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/recette/connectivity"
	"github.com/hazyhaar/recette/ingest/internal/acquire"
	"github.com/hazyhaar/recette/ingest/internal/bus"
	"github.com/hazyhaar/recette/ingest/internal/events"
	"github.com/hazyhaar/recette/ingest/internal/extraction"
	"github.com/hazyhaar/recette/ingest/internal/guardrail"
	"github.com/hazyhaar/recette/ingest/internal/lifecycle"
	"github.com/hazyhaar/recette/ingest/internal/normalize"
	"github.com/hazyhaar/recette/ingest/internal/pipeline"
	"github.com/hazyhaar/recette/ingest/internal/search"
	"github.com/hazyhaar/recette/observability"
)

// Config configures the ingestion service. Zero values take the defaults
// documented on each component.
type Config struct {
	Fetch      acquire.Config             `yaml:"fetch"`
	Breaker    connectivity.BreakerConfig `yaml:"breaker"`
	Extraction extraction.Config          `yaml:"extraction"`
	Guardrail  guardrail.Config           `yaml:"guardrail"`
	Normalize  normalize.Config           `yaml:"normalize"`
	Pipeline   pipeline.Config            `yaml:"pipeline"`
	Lifecycle  lifecycle.Config           `yaml:"lifecycle"`
	Worker     bus.Config                 `yaml:"worker"`

	// Search declares the discovery providers, in registration order.
	Search []search.ProviderConfig `yaml:"search"`

	LLM LLMConfig `yaml:"llm"`

	// Kafka mirrors progress events to a topic when brokers are listed.
	Kafka events.KafkaConfig `yaml:"kafka"`

	Retention observability.Retention `yaml:"retention"`

	// WorkerName labels heartbeats. Default: "recette-<hostname>".
	WorkerName string `yaml:"worker_name"`
	// HeartbeatInterval is the worker heartbeat period. Default: 15s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// CleanupInterval is how often retention runs. Default: 1h.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// CleanupSchedule is a cron spec ("0 3 * * *", "@daily") for retention.
	// When set it replaces CleanupInterval.
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

// LLMConfig declares model routes per logical phase and the prompt
// catalog.
type LLMConfig struct {
	// PromptsFile is a YAML prompt catalog merged over the built-in one.
	PromptsFile string `yaml:"prompts_file"`
	// Routes are upserted into llm_routes at startup. Rows written there
	// later are picked up by the route watcher.
	Routes []LLMRoute `yaml:"routes"`
	// WatchInterval is the route reload poll period. Default: 2s.
	WatchInterval time.Duration `yaml:"watch_interval"`
}

// LLMRoute is one llm_routes row.
type LLMRoute struct {
	Phase    string         `yaml:"phase"`
	Strategy string         `yaml:"strategy"` // http, local, noop
	Endpoint string         `yaml:"endpoint"`
	Provider string         `yaml:"provider"`
	Model    string         `yaml:"model"`
	Config   map[string]any `yaml:"config"`
}

func (r LLMRoute) route() (connectivity.Route, error) {
	rt := connectivity.Route{Phase: r.Phase, Strategy: r.Strategy, Endpoint: r.Endpoint, Provider: r.Provider, Model: r.Model}
	if rt.Strategy == "" {
		rt.Strategy = "http"
	}
	if len(r.Config) > 0 {
		data, err := json.Marshal(r.Config)
		if err != nil {
			return rt, fmt.Errorf("ingest: route %s config: %w", r.Phase, err)
		}
		rt.Config = data
	}
	return rt, nil
}

func (c *Config) defaults() {
	if c.WorkerName == "" {
		host, _ := os.Hostname()
		c.WorkerName = "recette-" + host
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Hour
	}
	if c.LLM.WatchInterval <= 0 {
		c.LLM.WatchInterval = 2 * time.Second
	}
	if c.Retention == (observability.Retention{}) {
		c.Retention = observability.Retention{
			Events:     30 * 24 * time.Hour,
			Metrics:    7 * 24 * time.Hour,
			Heartbeats: 24 * time.Hour,
		}
	}
}

// LoadConfigFile reads a YAML config. A missing file is an error; an empty
// path returns the defaults.
func LoadConfigFile(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		cfg.defaults()
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ingest: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("ingest: parse config %s: %w", path, err)
	}
	cfg.defaults()
	return cfg, nil
}
