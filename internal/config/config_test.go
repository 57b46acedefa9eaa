package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Run.MaxParallel)
	assert.Equal(t, 3, cfg.Run.RetryBudget)
	assert.Equal(t, 10, cfg.Run.IterationFactor)
	assert.Contains(t, cfg.Sandbox.AllowedCommands, "vercel")
	assert.NotContains(t, cfg.Sandbox.AllowedCommands, "rm")
	assert.NotContains(t, cfg.Sandbox.AllowedCommands, "bash")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "no workspace root", mutate: func(c *Config) { c.Workspace.Root = "" }, wantErr: "workspace.root"},
		{name: "absolute trace artifact", mutate: func(c *Config) { c.Workspace.TraceArtifact = "/tmp/trace.json" }, wantErr: "trace_artifact"},
		{name: "zero parallel", mutate: func(c *Config) { c.Run.MaxParallel = 0 }, wantErr: "max_parallel"},
		{name: "zero retry budget", mutate: func(c *Config) { c.Run.RetryBudget = 0 }, wantErr: "retry_budget"},
		{name: "zero iteration factor", mutate: func(c *Config) { c.Run.IterationFactor = 0 }, wantErr: "iteration_factor"},
		{name: "negative replans", mutate: func(c *Config) { c.Run.MaxReplans = -1 }, wantErr: "max_replans"},
		{name: "empty allow-list", mutate: func(c *Config) { c.Sandbox.AllowedCommands = nil }, wantErr: "allowed_commands"},
		{name: "bad log format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crewd.yaml")
	content := `
workspace:
  root: /srv/builds/feat-auth
run:
  max_parallel: 4
  task_timeout: 15m
sandbox:
  allowed_commands: ["ls", "npm"]
logging:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/builds/feat-auth", cfg.Workspace.Root)
	assert.Equal(t, 4, cfg.Run.MaxParallel)
	assert.Equal(t, 15*time.Minute, cfg.Run.TaskTimeout.Duration())
	assert.Equal(t, []string{"ls", "npm"}, cfg.Sandbox.AllowedCommands)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Run.RetryBudget, "unset keys keep defaults")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Run.MaxParallel)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CREWD_RUN_MAX_PARALLEL", "8")
	t.Setenv("CREWD_LOGGING_LEVEL", "warn")
	t.Setenv("CREWD_AGENT_COMMAND", "/usr/local/bin/bridge")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Run.MaxParallel)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/usr/local/bin/bridge", cfg.Agent.Command)
}

func TestLoadProviderCredentialEnv(t *testing.T) {
	t.Setenv("VERCEL_TOKEN", "vc-secret")
	t.Setenv("SUPABASE_ACCESS_TOKEN", "sb-secret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "vc-secret", cfg.Deploy.VercelToken.Value())
	assert.Equal(t, "sb-secret", cfg.Deploy.SupabaseToken.Value())
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workspace: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadOversizedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "huge.yaml")
	big := make([]byte, maxConfigFileSize+1)
	require.NoError(t, os.WriteFile(path, big, 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestTransformEnvKey(t *testing.T) {
	assert.Equal(t, "run.max_parallel", transformEnvKey("CREWD_RUN_MAX_PARALLEL"))
	assert.Equal(t, "workspace.root", transformEnvKey("CREWD_WORKSPACE_ROOT"))
	assert.Equal(t, "deploy.supabase_token", transformEnvKey("CREWD_DEPLOY_SUPABASE_TOKEN"))
	assert.Equal(t, "agent.command", transformEnvKey("CREWD_AGENT_COMMAND"))
}

func TestDurationUnmarshal(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-5s")), "negative durations rejected")
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}

func TestSecretNeverLeaks(t *testing.T) {
	s := Secret("sk-live-very-secret")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "very-secret")

	out, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{Token: s})
	require.NoError(t, err)
	assert.NotContains(t, string(out), "very-secret")

	assert.Equal(t, "sk-live-very-secret", s.Value())
	assert.True(t, s.IsSet())
	assert.False(t, Secret("").IsSet())
	assert.Equal(t, "", Secret("").String())
}
