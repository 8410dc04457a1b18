// Package config handles Huddle configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/huddle/config.yaml, /etc/huddle/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "huddle", "config.yaml"))
	}

	paths = append(paths, "/etc/huddle/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Duration is a time.Duration that unmarshals from Go duration strings
// such as "45s" or "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all Huddle configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	HTTP       HTTPConfig       `yaml:"http"`
	Services   ServicesConfig   `yaml:"services"`
	Agents     []AgentConfig    `yaml:"agents"`
	Memory     MemoryConfig     `yaml:"memory"`
	Cache      CacheConfig      `yaml:"cache"`
	State      StateConfig      `yaml:"state"`
	FanOut     FanOutConfig     `yaml:"fanout"`
	Background BackgroundConfig `yaml:"background"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	LogFormat  string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HTTPConfig sizes the process-wide outbound connection pool.
type HTTPConfig struct {
	MaxConnsPerHost    int  `yaml:"max_conns_per_host"`
	MaxIdleConns       int  `yaml:"max_idle_conns"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// ServicesConfig locates the non-specialist downstream services and
// holds the per-service timeout profiles used by the caller package.
type ServicesConfig struct {
	CheckpointURL      string `yaml:"checkpoint_url"`
	ChecklistURL       string `yaml:"checklist_url"`
	PrimaryURL         string `yaml:"primary_url"`
	PrimaryEnrichedURL string `yaml:"primary_enriched_url"`

	// Timeouts maps a logical service name (checklist, checkpoint,
	// memory, specialist, primary, primary_enriched) to its read
	// timeout. An agent's own timeout overrides the specialist profile.
	Timeouts map[string]Duration `yaml:"timeouts"`
	// MaxRetries is the default retry budget for retryable failures.
	// Zero selects the default of 3; a negative value disables retries.
	MaxRetries int `yaml:"max_retries"`
	// BackoffBase is the first retry delay; later delays double.
	BackoffBase Duration `yaml:"backoff_base"`
}

// Agent types understood by the registry.
const (
	AgentTypeCore  = "core"
	AgentTypeSync  = "sync"
	AgentTypeAsync = "async"
)

// AgentConfig describes one downstream specialist agent.
type AgentConfig struct {
	Name      string   `yaml:"name"`
	URL       string   `yaml:"url"`
	Type      string   `yaml:"type"` // core, sync, async
	DependsOn []string `yaml:"depends_on"`
	Timeout   Duration `yaml:"timeout"`
}

// MemoryConfig locates the remote Memory service.
type MemoryConfig struct {
	URL             string   `yaml:"url"`
	FetchTimeout    Duration `yaml:"fetch_timeout"`
	SemanticTimeout Duration `yaml:"semantic_timeout"`
	SaveTimeout     Duration `yaml:"save_timeout"`
}

// CacheConfig defines both cache tiers.
type CacheConfig struct {
	LocalCapacity int `yaml:"local_capacity"`

	// Redis is the networked tier. An empty Addr runs local-only.
	Redis RedisConfig `yaml:"redis"`

	ContextTTL    Duration `yaml:"context_ttl"`
	EvaluationTTL Duration `yaml:"evaluation_ttl"`
	StateTTL      Duration `yaml:"state_ttl"`

	// RecoveryPoll is how often an unavailable networked tier is probed
	// and re-initialized.
	RecoveryPoll Duration `yaml:"recovery_poll"`
}

// RedisConfig holds networked cache connection settings.
type RedisConfig struct {
	Addr        string   `yaml:"addr"`
	Password    string   `yaml:"password"`
	DB          int      `yaml:"db"`
	DialTimeout Duration `yaml:"dial_timeout"`
	IOTimeout   Duration `yaml:"io_timeout"`
	PoolSize    int      `yaml:"pool_size"`
}

// StateConfig tunes conversation state handling.
type StateConfig struct {
	ContextWindow   int      `yaml:"context_window"` // turns kept in the rolling window
	SaveInterval    Duration `yaml:"save_interval"`
	MaxNameLength   int      `yaml:"max_name_length"`
	RetryNameLength int      `yaml:"retry_name_length"`
	InitialLimit    int      `yaml:"initial_checkpoint_limit"`
}

// FanOutConfig bounds specialist fan-out.
type FanOutConfig struct {
	PerSpecialist      Duration `yaml:"per_specialist"`
	BatchPerSpecialist Duration `yaml:"batch_per_specialist"`
	BatchCeiling       Duration `yaml:"batch_ceiling"`
}

// BackgroundConfig sizes the background job supervisor.
type BackgroundConfig struct {
	Workers      int      `yaml:"workers"`
	QueueSize    int      `yaml:"queue_size"`
	JobTimeout   Duration `yaml:"job_timeout"`
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// LedgerConfig controls the sqlite turn ledger.
type LedgerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // defaults to <data_dir>/turns.db
}

// MQTTConfig controls the optional stats publisher.
type MQTTConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Broker          string   `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	DeviceName      string   `yaml:"device_name"`
	TopicPrefix     string   `yaml:"topic_prefix"`
	DiscoveryPrefix string   `yaml:"discovery_prefix"` // Home Assistant discovery; empty disables
	PublishInterval Duration `yaml:"publish_interval"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// downstream URLs set.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// DefaultTimeouts returns the built-in timeout profile per logical service.
func DefaultTimeouts() map[string]Duration {
	return map[string]Duration{
		"checklist":        Duration(10 * time.Second),
		"checkpoint":       Duration(20 * time.Second),
		"memory":           Duration(5 * time.Second),
		"specialist":       Duration(45 * time.Second),
		"primary":          Duration(30 * time.Second),
		"primary_enriched": Duration(90 * time.Second),
	}
}

// ApplyDefaults fills zero values with defaults. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Services.Timeouts == nil {
		c.Services.Timeouts = make(map[string]Duration)
	}
	for name, d := range DefaultTimeouts() {
		if _, ok := c.Services.Timeouts[name]; !ok {
			c.Services.Timeouts[name] = d
		}
	}
	if c.Services.MaxRetries == 0 {
		c.Services.MaxRetries = 3
	}
	if c.Services.BackoffBase == 0 {
		c.Services.BackoffBase = Duration(500 * time.Millisecond)
	}

	for i := range c.Agents {
		if c.Agents[i].Type == "" {
			c.Agents[i].Type = AgentTypeCore
		}
	}

	if c.Memory.FetchTimeout == 0 {
		c.Memory.FetchTimeout = Duration(2 * time.Second)
	}
	if c.Memory.SemanticTimeout == 0 {
		c.Memory.SemanticTimeout = Duration(3 * time.Second)
	}
	if c.Memory.SaveTimeout == 0 {
		c.Memory.SaveTimeout = Duration(10 * time.Second)
	}

	if c.Cache.LocalCapacity == 0 {
		c.Cache.LocalCapacity = 1000
	}
	if c.Cache.ContextTTL == 0 {
		c.Cache.ContextTTL = Duration(300 * time.Second)
	}
	if c.Cache.EvaluationTTL == 0 {
		c.Cache.EvaluationTTL = Duration(10 * time.Minute)
	}
	if c.Cache.StateTTL == 0 {
		c.Cache.StateTTL = Duration(24 * time.Hour)
	}
	if c.Cache.RecoveryPoll == 0 {
		c.Cache.RecoveryPoll = Duration(30 * time.Second)
	}
	if c.Cache.Redis.DialTimeout == 0 {
		c.Cache.Redis.DialTimeout = Duration(time.Second)
	}
	if c.Cache.Redis.IOTimeout == 0 {
		c.Cache.Redis.IOTimeout = Duration(time.Second)
	}
	if c.Cache.Redis.PoolSize == 0 {
		c.Cache.Redis.PoolSize = 20
	}

	if c.State.ContextWindow == 0 {
		c.State.ContextWindow = 16
	}
	if c.State.SaveInterval == 0 {
		c.State.SaveInterval = Duration(5 * time.Second)
	}
	if c.State.MaxNameLength == 0 {
		c.State.MaxNameLength = 100
	}
	if c.State.RetryNameLength == 0 {
		c.State.RetryNameLength = 50
	}
	if c.State.InitialLimit == 0 {
		c.State.InitialLimit = 2
	}

	if c.FanOut.PerSpecialist == 0 {
		c.FanOut.PerSpecialist = Duration(45 * time.Second)
	}
	if c.FanOut.BatchPerSpecialist == 0 {
		c.FanOut.BatchPerSpecialist = Duration(30 * time.Second)
	}
	if c.FanOut.BatchCeiling == 0 {
		c.FanOut.BatchCeiling = Duration(120 * time.Second)
	}

	if c.Background.Workers == 0 {
		c.Background.Workers = 4
	}
	if c.Background.QueueSize == 0 {
		c.Background.QueueSize = 256
	}
	if c.Background.JobTimeout == 0 {
		c.Background.JobTimeout = Duration(60 * time.Second)
	}
	if c.Background.DrainTimeout == 0 {
		c.Background.DrainTimeout = Duration(15 * time.Second)
	}

	if c.Ledger.Path == "" {
		c.Ledger.Path = filepath.Join(c.DataDir, "turns.db")
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "huddle"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "huddle"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = Duration(60 * time.Second)
	}
}

// Validate checks URLs and agent table consistency. Dependency cycles
// are rejected by the registry when it is built.
func (c *Config) Validate() error {
	var errs []error

	for field, raw := range map[string]string{
		"services.checkpoint_url": c.Services.CheckpointURL,
		"services.checklist_url":  c.Services.ChecklistURL,
		"services.primary_url":    c.Services.PrimaryURL,
		"memory.url":              c.Memory.URL,
	} {
		if raw == "" {
			errs = append(errs, fmt.Errorf("%s is required", field))
			continue
		}
		if err := validURL(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", field, err))
		}
	}
	if c.Services.PrimaryEnrichedURL != "" {
		if err := validURL(c.Services.PrimaryEnrichedURL); err != nil {
			errs = append(errs, fmt.Errorf("services.primary_enriched_url: %w", err))
		}
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if a.Name == "" {
			errs = append(errs, fmt.Errorf("agents[%d]: name is required", i))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("agents[%d]: duplicate agent %q", i, a.Name))
		}
		seen[a.Name] = true
		if err := validURL(a.URL); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d] %s: %w", i, a.Name, err))
		}
		switch a.Type {
		case AgentTypeCore, AgentTypeSync, AgentTypeAsync:
		default:
			errs = append(errs, fmt.Errorf("agents[%d] %s: unknown type %q (valid: core, sync, async)", i, a.Name, a.Type))
		}
	}
	for _, a := range c.Agents {
		for _, dep := range a.DependsOn {
			if !seen[dep] {
				errs = append(errs, fmt.Errorf("agent %s depends on unknown agent %q", a.Name, dep))
			}
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt.enabled is true"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
