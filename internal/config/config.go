package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HostMode selects how a configured host is reached.
type HostMode string

const (
	ModeAPI   HostMode = "api"   // Docker Engine API over unix socket or TCP
	ModeSSH   HostMode = "ssh"   // docker CLI over SSH
	ModeLocal HostMode = "local" // Docker API on the local machine, /proc metrics
)

// HostEntry describes one Docker host to collect from.
type HostEntry struct {
	Name     string   `yaml:"name"`
	Mode     HostMode `yaml:"mode"`
	Endpoint string   `yaml:"endpoint"` // socket path, tcp:// URL, or user@host:port

	// SSH credentials, only used when Mode is "ssh".
	SSHKeyPath  string `yaml:"ssh_key_path"`
	SSHPassword string `yaml:"ssh_password"`

	// Swarm role flags.
	IsManager         bool `yaml:"is_manager"`
	RouteThroughThis  bool `yaml:"route_through_this_manager"`
	AutoDiscoverNodes bool `yaml:"auto_discover_nodes"`
}

// Config holds all Spyglass controller configuration, from environment
// variables with an optional YAML file override for the host list.
type Config struct {
	// Host fleet
	Hosts []HostEntry `yaml:"hosts"`

	// Indexing store
	ElasticURL      string `yaml:"elastic_url"`
	ElasticUser     string `yaml:"elastic_user"`
	ElasticPassword string `yaml:"elastic_password"`
	IndexPrefix     string `yaml:"index_prefix"`
	RetentionDays   int    `yaml:"retention_days"`

	// Collector intervals
	LogInterval     time.Duration `yaml:"log_interval"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	SwarmRefresh    time.Duration `yaml:"swarm_refresh"`

	// Actions
	ActionTimeout  time.Duration `yaml:"action_timeout"`
	AgentFreshness time.Duration `yaml:"agent_freshness"`

	// Probes
	GPUProbe bool `yaml:"gpu_probe"`

	// SSH hosts
	SSHTimeout time.Duration `yaml:"ssh_timeout"`

	// Web
	WebPort string `yaml:"web_port"`

	// Logging
	LogJSON  bool `yaml:"log_json"`
	LogDebug bool `yaml:"log_debug"`
}

// Load reads configuration from environment variables, then applies the
// YAML file named by SPYGLASS_CONFIG_FILE (if set and present) on top.
func Load() (*Config, error) {
	cfg := &Config{
		ElasticURL:      envStr("SPYGLASS_ELASTIC_URL", "http://localhost:9200"),
		ElasticUser:     envStr("SPYGLASS_ELASTIC_USER", ""),
		ElasticPassword: envStr("SPYGLASS_ELASTIC_PASSWORD", ""),
		IndexPrefix:     envStr("SPYGLASS_INDEX_PREFIX", "spyglass"),
		RetentionDays:   envInt("SPYGLASS_RETENTION_DAYS", 7),
		LogInterval:     envDuration("SPYGLASS_LOG_INTERVAL", 30*time.Second),
		MetricsInterval: envDuration("SPYGLASS_METRICS_INTERVAL", 15*time.Second),
		SwarmRefresh:    envDuration("SPYGLASS_SWARM_REFRESH", 5*time.Minute),
		ActionTimeout:   envDuration("SPYGLASS_ACTION_TIMEOUT", 60*time.Second),
		AgentFreshness:  envDuration("SPYGLASS_AGENT_FRESHNESS", 30*time.Second),
		GPUProbe:        envBool("SPYGLASS_GPU_PROBE", true),
		SSHTimeout:      envDuration("SPYGLASS_SSH_TIMEOUT", 30*time.Second),
		WebPort:         envStr("SPYGLASS_WEB_PORT", "8420"),
		LogJSON:         envBool("SPYGLASS_LOG_JSON", true),
		LogDebug:        envBool("SPYGLASS_LOG_DEBUG", false),
	}

	if path := os.Getenv("SPYGLASS_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	// A bare controller with no host list still monitors the local daemon.
	if len(cfg.Hosts) == 0 {
		cfg.Hosts = []HostEntry{{
			Name:     envStr("SPYGLASS_HOST_NAME", "local"),
			Mode:     ModeLocal,
			Endpoint: envStr("SPYGLASS_DOCKER_SOCK", "/var/run/docker.sock"),
		}}
	}

	return cfg, nil
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.RetentionDays <= 0 {
		errs = append(errs, fmt.Errorf("SPYGLASS_RETENTION_DAYS must be > 0, got %d", c.RetentionDays))
	}
	if c.LogInterval <= 0 {
		errs = append(errs, fmt.Errorf("SPYGLASS_LOG_INTERVAL must be > 0, got %s", c.LogInterval))
	}
	if c.MetricsInterval <= 0 {
		errs = append(errs, fmt.Errorf("SPYGLASS_METRICS_INTERVAL must be > 0, got %s", c.MetricsInterval))
	}
	if c.ActionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SPYGLASS_ACTION_TIMEOUT must be > 0, got %s", c.ActionTimeout))
	}

	seen := make(map[string]bool, len(c.Hosts))
	for i, h := range c.Hosts {
		if h.Name == "" {
			errs = append(errs, fmt.Errorf("hosts[%d]: name is required", i))
			continue
		}
		if seen[h.Name] {
			errs = append(errs, fmt.Errorf("hosts[%d]: duplicate host name %q", i, h.Name))
		}
		seen[h.Name] = true
		switch h.Mode {
		case ModeAPI, ModeLocal:
			if h.Endpoint == "" {
				errs = append(errs, fmt.Errorf("host %s: endpoint is required for mode %s", h.Name, h.Mode))
			}
		case ModeSSH:
			if !strings.Contains(h.Endpoint, "@") {
				errs = append(errs, fmt.Errorf("host %s: ssh endpoint must be user@host[:port], got %q", h.Name, h.Endpoint))
			}
		default:
			errs = append(errs, fmt.Errorf("host %s: mode must be api, ssh, or local, got %q", h.Name, h.Mode))
		}
		if h.AutoDiscoverNodes && !h.IsManager {
			errs = append(errs, fmt.Errorf("host %s: auto_discover_nodes requires is_manager", h.Name))
		}
	}
	return errors.Join(errs...)
}

// Manager returns the host entry flagged for swarm routing, if any.
func (c *Config) Manager() (HostEntry, bool) {
	for _, h := range c.Hosts {
		if h.IsManager && h.RouteThroughThis {
			return h, true
		}
	}
	return HostEntry{}, false
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
