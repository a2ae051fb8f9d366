package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearSpyglassEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"SPYGLASS_ELASTIC_URL", "SPYGLASS_ELASTIC_USER", "SPYGLASS_ELASTIC_PASSWORD",
		"SPYGLASS_INDEX_PREFIX", "SPYGLASS_RETENTION_DAYS", "SPYGLASS_LOG_INTERVAL",
		"SPYGLASS_METRICS_INTERVAL", "SPYGLASS_SWARM_REFRESH", "SPYGLASS_ACTION_TIMEOUT",
		"SPYGLASS_AGENT_FRESHNESS", "SPYGLASS_GPU_PROBE", "SPYGLASS_SSH_TIMEOUT",
		"SPYGLASS_WEB_PORT",
		"SPYGLASS_LOG_JSON", "SPYGLASS_LOG_DEBUG", "SPYGLASS_CONFIG_FILE",
		"SPYGLASS_HOST_NAME", "SPYGLASS_DOCKER_SOCK",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearSpyglassEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ElasticURL != "http://localhost:9200" {
		t.Errorf("ElasticURL = %q, want http://localhost:9200", cfg.ElasticURL)
	}
	if cfg.IndexPrefix != "spyglass" {
		t.Errorf("IndexPrefix = %q, want spyglass", cfg.IndexPrefix)
	}
	if cfg.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7", cfg.RetentionDays)
	}
	if cfg.LogInterval != 30*time.Second {
		t.Errorf("LogInterval = %s, want 30s", cfg.LogInterval)
	}
	if cfg.MetricsInterval != 15*time.Second {
		t.Errorf("MetricsInterval = %s, want 15s", cfg.MetricsInterval)
	}
	if cfg.WebPort != "8420" {
		t.Errorf("WebPort = %q, want 8420", cfg.WebPort)
	}
	if cfg.SSHTimeout != 30*time.Second {
		t.Errorf("SSHTimeout = %s, want 30s", cfg.SSHTimeout)
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
	// With no host list the controller still watches the local daemon.
	if len(cfg.Hosts) != 1 {
		t.Fatalf("Hosts = %d entries, want 1", len(cfg.Hosts))
	}
	if cfg.Hosts[0].Mode != ModeLocal || cfg.Hosts[0].Name != "local" {
		t.Errorf("fallback host = %+v", cfg.Hosts[0])
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearSpyglassEnv(t)
	t.Setenv("SPYGLASS_LOG_INTERVAL", "1m")
	t.Setenv("SPYGLASS_RETENTION_DAYS", "30")
	t.Setenv("SPYGLASS_INDEX_PREFIX", "prod")
	t.Setenv("SPYGLASS_LOG_JSON", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogInterval != time.Minute {
		t.Errorf("LogInterval = %s, want 1m", cfg.LogInterval)
	}
	if cfg.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", cfg.RetentionDays)
	}
	if cfg.IndexPrefix != "prod" {
		t.Errorf("IndexPrefix = %q, want prod", cfg.IndexPrefix)
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestLoadYAMLOverlay(t *testing.T) {
	clearSpyglassEnv(t)
	t.Setenv("SPYGLASS_RETENTION_DAYS", "14")

	path := filepath.Join(t.TempDir(), "spyglass.yml")
	data := `
index_prefix: lab
hosts:
  - name: manager-1
    mode: api
    endpoint: tcp://10.0.0.2:2375
    is_manager: true
    route_through_this_manager: true
    auto_discover_nodes: true
  - name: edge-1
    mode: ssh
    endpoint: admin@10.0.0.9:22
    ssh_key_path: /keys/edge
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SPYGLASS_CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// File overrides the env default, env vars not in the file survive.
	if cfg.IndexPrefix != "lab" {
		t.Errorf("IndexPrefix = %q, want lab", cfg.IndexPrefix)
	}
	if cfg.RetentionDays != 14 {
		t.Errorf("RetentionDays = %d, want 14", cfg.RetentionDays)
	}
	if len(cfg.Hosts) != 2 {
		t.Fatalf("Hosts = %d entries, want 2", len(cfg.Hosts))
	}
	m := cfg.Hosts[0]
	if m.Name != "manager-1" || m.Mode != ModeAPI || !m.IsManager || !m.RouteThroughThis || !m.AutoDiscoverNodes {
		t.Errorf("manager entry = %+v", m)
	}
	e := cfg.Hosts[1]
	if e.Mode != ModeSSH || e.Endpoint != "admin@10.0.0.9:22" || e.SSHKeyPath != "/keys/edge" {
		t.Errorf("ssh entry = %+v", e)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	clearSpyglassEnv(t)
	t.Setenv("SPYGLASS_CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yml"))
	if _, err := Load(); err == nil {
		t.Fatal("Load with missing config file succeeded, want error")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			RetentionDays:   7,
			LogInterval:     30 * time.Second,
			MetricsInterval: 15 * time.Second,
			ActionTimeout:   time.Minute,
			Hosts: []HostEntry{
				{Name: "node-1", Mode: ModeAPI, Endpoint: "tcp://10.0.0.2:2375"},
			},
		}
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(_ *Config) {}, ""},
		{"zero retention", func(c *Config) { c.RetentionDays = 0 }, "RETENTION_DAYS"},
		{"zero log interval", func(c *Config) { c.LogInterval = 0 }, "LOG_INTERVAL"},
		{"zero action timeout", func(c *Config) { c.ActionTimeout = 0 }, "ACTION_TIMEOUT"},
		{"missing host name", func(c *Config) { c.Hosts[0].Name = "" }, "name is required"},
		{"duplicate host name", func(c *Config) {
			c.Hosts = append(c.Hosts, HostEntry{Name: "node-1", Mode: ModeLocal, Endpoint: "/var/run/docker.sock"})
		}, "duplicate host name"},
		{"api mode without endpoint", func(c *Config) { c.Hosts[0].Endpoint = "" }, "endpoint is required"},
		{"bad mode", func(c *Config) { c.Hosts[0].Mode = "carrier-pigeon" }, "mode must be"},
		{"ssh endpoint without user", func(c *Config) {
			c.Hosts[0].Mode = ModeSSH
			c.Hosts[0].Endpoint = "10.0.0.9:22"
		}, "user@host"},
		{"auto discover without manager", func(c *Config) { c.Hosts[0].AutoDiscoverNodes = true }, "requires is_manager"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %q, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateJoinsAllErrors(t *testing.T) {
	cfg := &Config{
		RetentionDays: 0,
		LogInterval:   0,
		Hosts:         []HostEntry{{Name: "n", Mode: "bogus"}},
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate = nil, want error")
	}
	for _, want := range []string{"RETENTION_DAYS", "LOG_INTERVAL", "mode must be"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error missing %q: %v", want, err)
		}
	}
}

func TestManager(t *testing.T) {
	cfg := &Config{Hosts: []HostEntry{
		{Name: "worker", Mode: ModeAPI},
		{Name: "mgr", Mode: ModeAPI, IsManager: true, RouteThroughThis: true},
	}}
	got, ok := cfg.Manager()
	if !ok || got.Name != "mgr" {
		t.Fatalf("Manager = %+v, %v", got, ok)
	}

	cfg.Hosts[1].RouteThroughThis = false
	if _, ok := cfg.Manager(); ok {
		t.Fatal("Manager without route flag = true, want false")
	}
}
