package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
services:
  checkpoint_url: http://checkpoints:8001/generate
  checklist_url: http://checklist:8002/evaluate
  primary_url: http://primary:8003/respond
memory:
  url: http://memory:8004
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0600))
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	require.NoError(t, err)
	assert.Equal(t, path, got)
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600))
	t.Chdir(dir)

	got, err := FindConfig("")
	require.NoError(t, err)
	assert.Equal(t, "config.yaml", got)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Listen.Port)
	assert.Equal(t, 1000, cfg.Cache.LocalCapacity)
	assert.Equal(t, 300*time.Second, cfg.Cache.ContextTTL.Std())
	assert.Equal(t, 16, cfg.State.ContextWindow)
	assert.Equal(t, 5*time.Second, cfg.State.SaveInterval.Std())
	assert.Equal(t, 120*time.Second, cfg.FanOut.BatchCeiling.Std())
	assert.Equal(t, 3, cfg.Services.MaxRetries)
	assert.Equal(t, 10*time.Second, cfg.Services.Timeouts["checklist"].Std())
	assert.Equal(t, 90*time.Second, cfg.Services.Timeouts["primary_enriched"].Std())
	assert.Equal(t, filepath.Join("./data", "turns.db"), cfg.Ledger.Path)
}

func TestLoad_NegativeMaxRetriesDisablesRetries(t *testing.T) {
	body := strings.Replace(minimalYAML, "services:\n", "services:\n  max_retries: -1\n", 1)
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.Services.MaxRetries, "a negative budget survives defaulting")
}

func TestLoad_ParsesDurationsAndAgents(t *testing.T) {
	body := `
memory:
  url: http://memory:8004
services:
  checkpoint_url: http://checkpoints:8001/generate
  checklist_url: http://checklist:8002/evaluate
  primary_url: http://primary:8003/respond
  timeouts:
    checklist: 3s
agents:
  - name: loneliness
    url: http://loneliness:9001/chat
    type: sync
  - name: summary
    url: http://summary:9002/run
    type: async
    depends_on: [loneliness]
    timeout: 1m30s
`
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Services.Timeouts["checklist"].Std())
	assert.Equal(t, 30*time.Second, cfg.Services.Timeouts["primary"].Std(), "unset profiles keep their default")
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, 90*time.Second, cfg.Agents[1].Timeout.Std())
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("HUDDLE_TEST_REDIS_PASSWORD", "secret123")
	body := minimalYAML + "cache:\n  redis:\n    addr: localhost:6379\n    password: ${HUDDLE_TEST_REDIS_PASSWORD}\n"

	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	assert.Equal(t, "secret123", cfg.Cache.Redis.Password)
}

func TestLoad_InvalidDuration(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+"state:\n  save_interval: soon\n"))
	assert.ErrorContains(t, err, "invalid duration")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing memory url",
			mutate:  func(c *Config) { c.Memory.URL = "" },
			wantErr: "memory.url is required",
		},
		{
			name:    "bad scheme",
			mutate:  func(c *Config) { c.Services.PrimaryURL = "ftp://primary" },
			wantErr: "unsupported scheme",
		},
		{
			name: "unknown dependency",
			mutate: func(c *Config) {
				c.Agents = []AgentConfig{{Name: "a", URL: "http://a", Type: AgentTypeSync, DependsOn: []string{"ghost"}}}
			},
			wantErr: `unknown agent "ghost"`,
		},
		{
			name: "duplicate agent",
			mutate: func(c *Config) {
				c.Agents = []AgentConfig{
					{Name: "a", URL: "http://a", Type: AgentTypeSync},
					{Name: "a", URL: "http://a2", Type: AgentTypeSync},
				}
			},
			wantErr: "duplicate agent",
		},
		{
			name: "bad agent type",
			mutate: func(c *Config) {
				c.Agents = []AgentConfig{{Name: "a", URL: "http://a", Type: "batch"}}
			},
			wantErr: "unknown type",
		},
		{
			name:    "mqtt without broker",
			mutate:  func(c *Config) { c.MQTT.Enabled = true },
			wantErr: "mqtt.broker is required",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "unknown log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Services.CheckpointURL = "http://checkpoints"
			cfg.Services.ChecklistURL = "http://checklist"
			cfg.Services.PrimaryURL = "http://primary"
			cfg.Memory.URL = "http://memory"
			tt.mutate(cfg)

			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, "ParseLogLevel(%q)", tt.in)
		} else {
			assert.NoError(t, err, "ParseLogLevel(%q)", tt.in)
		}
		assert.Equal(t, tt.want, got, "ParseLogLevel(%q)", tt.in)
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	assert.Equal(t, "TRACE", a.Value.String())

	b := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	assert.Equal(t, slog.LevelInfo, b.Value.Any(), "info level is left alone")
}
