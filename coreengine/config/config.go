// Package config loads service configuration, kernel policy and stage
// graph files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeeves-cluster-organization/handoffkernel/coreengine/stagegraph"
)

// Config is the service configuration of handoffd.
type Config struct {
	Server    ServerConfig        `yaml:"server"`
	Store     StoreConfig         `yaml:"store"`
	Lock      LockConfig          `yaml:"lock"`
	NATS      NATSConfig          `yaml:"nats"`
	Telemetry TelemetryConfig     `yaml:"telemetry"`
	Logging   LoggingConfig       `yaml:"logging"`
	Cache     CacheConfig         `yaml:"cache"`
	Core      CoreConfig          `yaml:"core"`
	Quality   QualityPolicy       `yaml:"quality"`
	Agents    []AgentSpec         `yaml:"agents"`
	Artifacts []ArtifactSpec      `yaml:"artifacts"`
	Graphs    []*stagegraph.Graph `yaml:"graphs"`
	// Additional stage graph files, loaded after the inline graphs.
	GraphFiles []string `yaml:"graph_files"`
	// Supervisors receive escalated exceptions.
	Supervisors []string `yaml:"supervisors"`
}

type ServerConfig struct {
	GRPCAddr        string        `yaml:"grpc_addr"`
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Per-client HTTP API limit; zero disables it.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // memory | sqlite
	Path   string `yaml:"path"`
}

type LockConfig struct {
	Driver        string        `yaml:"driver"` // memory | redis
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
	Prefix        string        `yaml:"prefix"`
}

type NATSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Embedded bool   `yaml:"embedded"`
	URL      string `yaml:"url"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DataDir  string `yaml:"data_dir"`
	// Stream names the JetStream stream retaining published records.
	// Empty disables retention.
	Stream    string        `yaml:"stream"`
	Retention time.Duration `yaml:"retention"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
	Compress    bool   `yaml:"compress"`
}

type CacheConfig struct {
	Enabled     bool          `yaml:"enabled"`
	NumCounters int64         `yaml:"num_counters"`
	MaxCost     int64         `yaml:"max_cost"`
	TTL         time.Duration `yaml:"ttl"`
}

// AgentSpec registers an opaque agent and its capabilities.
type AgentSpec struct {
	ID           string   `yaml:"id" json:"id"`
	Capabilities []string `yaml:"capabilities" json:"capabilities"`
	// Lower runs first under the "first" selection rule.
	Priority int `yaml:"priority" json:"priority"`
}

// ArtifactSpec seeds the artifact store at startup.
type ArtifactSpec struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	Name       string `yaml:"name"`
	Location   string `yaml:"location"`
	Version    string `yaml:"version"`
	SizeBytes  int64  `yaml:"size_bytes"`
	FieldCount int    `yaml:"field_count"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			GRPCAddr:        ":50051",
			HTTPAddr:        ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver: "memory",
			Path:   "data/handoff.db",
		},
		Lock: LockConfig{
			Driver: "memory",
			TTL:    30 * time.Second,
			Prefix: "handoff:lock:",
		},
		NATS: NATSConfig{
			Host:      "127.0.0.1",
			Port:      4222,
			DataDir:   "data/nats",
			Stream:    "HANDOFF_EVENTS",
			Retention: 7 * 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "handoffd",
			Environment: "development",
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Cache: CacheConfig{
			Enabled:     true,
			NumCounters: 10_000,
			MaxCost:     1 << 20,
			TTL:         5 * time.Minute,
		},
		Core:    *DefaultCoreConfig(),
		Quality: DefaultQualityPolicy(),
	}
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

// Load reads the YAML file at path, or at $HANDOFF_CONFIG when path is empty,
// then applies environment overrides. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = os.Getenv("HANDOFF_CONFIG")
	}
	if path == "" {
		path = "config/handoff.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	for _, file := range cfg.GraphFiles {
		g, err := LoadStageGraph(file)
		if err != nil {
			return nil, fmt.Errorf("graph file %s: %w", file, err)
		}
		cfg.Graphs = append(cfg.Graphs, g)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("HANDOFF_GRPC_ADDR"); v != "" {
		cfg.Server.GRPCAddr = v
	}
	if v := os.Getenv("HANDOFF_HTTP_ADDR"); v != "" {
		cfg.Server.HTTPAddr = v
	}
	if v := os.Getenv("HANDOFF_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("HANDOFF_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("HANDOFF_REDIS_ADDR"); v != "" {
		cfg.Lock.Driver = "redis"
		cfg.Lock.RedisAddr = v
	}
	if v := os.Getenv("HANDOFF_NATS_URL"); v != "" {
		cfg.NATS.Enabled = true
		cfg.NATS.Embedded = false
		cfg.NATS.URL = v
	}
	if v := os.Getenv("HANDOFF_NATS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NATS.Port = port
		}
	}
	if v := os.Getenv("HANDOFF_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = v
	}
}

// Validate checks drivers, core limits and every stage graph.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for sqlite")
		}
	default:
		return fmt.Errorf("unknown store.driver '%s'", c.Store.Driver)
	}
	switch c.Lock.Driver {
	case "memory":
	case "redis":
		if c.Lock.RedisAddr == "" {
			return fmt.Errorf("lock.redis_addr is required for redis")
		}
	default:
		return fmt.Errorf("unknown lock.driver '%s'", c.Lock.Driver)
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		return fmt.Errorf("server rate limit must not be negative")
	}
	if c.NATS.Enabled && !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required unless nats.embedded is set")
	}
	if err := c.Core.Validate(); err != nil {
		return fmt.Errorf("core: %w", err)
	}

	seen := map[string]bool{}
	for _, g := range c.Graphs {
		if err := g.Validate(); err != nil {
			return fmt.Errorf("graph: %w", err)
		}
		if seen[g.Name] {
			return fmt.Errorf("duplicate graph name: %s", g.Name)
		}
		seen[g.Name] = true
	}
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent without id")
		}
		if len(a.Capabilities) == 0 {
			return fmt.Errorf("agent '%s' has no capabilities", a.ID)
		}
	}
	return nil
}

// Graph returns the named stage graph.
func (c *Config) Graph(name string) (*stagegraph.Graph, bool) {
	for _, g := range c.Graphs {
		if g.Name == name {
			return g, true
		}
	}
	return nil, false
}
