// Package config provides configuration loading for crewd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration for a crewd run.
type Config struct {
	Workspace Workspace `koanf:"workspace"`
	Run       Run       `koanf:"run"`
	Sandbox   Sandbox   `koanf:"sandbox"`
	Agent     Agent     `koanf:"agent"`
	Deploy    Deploy    `koanf:"deploy"`
	Logging   Logging   `koanf:"logging"`
}

// Workspace configures the sandboxed workspace root.
type Workspace struct {
	// Root is the directory all file operations and command working
	// directories are confined beneath. Created if missing.
	Root string `koanf:"root"`

	// TraceArtifact is the path, relative to Root, where the trace
	// ledger is persisted.
	TraceArtifact string `koanf:"trace_artifact"`
}

// Run configures the supervisor control loop.
type Run struct {
	// MaxParallel bounds concurrently executing workers.
	MaxParallel int `koanf:"max_parallel"`

	// RetryBudget is the default per-task attempt limit.
	RetryBudget int `koanf:"retry_budget"`

	// IterationFactor scales the iteration bound with plan size:
	// bound = IterationFactor * task count. Never a fixed constant.
	IterationFactor int `koanf:"iteration_factor"`

	// TaskTimeout limits a single worker execution.
	TaskTimeout Duration `koanf:"task_timeout"`

	// MaxReplans caps plan revisions after blocked tasks. Zero disables
	// replanning.
	MaxReplans int `koanf:"max_replans"`
}

// Sandbox configures command execution guarding.
type Sandbox struct {
	// AllowedCommands is the explicit allow-list of tool binaries the
	// Runner may spawn. Anything else is rejected before execution.
	AllowedCommands []string `koanf:"allowed_commands"`

	// CommandTimeout limits a single external command.
	CommandTimeout Duration `koanf:"command_timeout"`

	// DeployTimeout is the extended limit for deployment commands.
	DeployTimeout Duration `koanf:"deploy_timeout"`
}

// Agent configures the external language-model bridge. crewd talks to it as
// a subprocess: a JSON request on stdin, a JSON response on stdout. This
// keeps model provider choice out of the orchestrator entirely.
type Agent struct {
	// Command is the bridge executable. Required for run.
	Command string `koanf:"command"`

	// Args are fixed arguments prepended to every invocation.
	Args []string `koanf:"args"`

	// Timeout bounds one bridge invocation.
	Timeout Duration `koanf:"timeout"`
}

// Deploy holds credentials for deployment-provider CLIs. Values arrive via
// environment variables and are injected into the Runner environment, never
// passed as command-line arguments.
type Deploy struct {
	VercelToken        Secret `koanf:"vercel_token"`
	VercelOrgID        string `koanf:"vercel_org_id"`
	VercelProjectID    string `koanf:"vercel_project_id"`
	SupabaseToken      Secret `koanf:"supabase_token"`
	SupabaseProjectRef string `koanf:"supabase_project_ref"`
}

// Logging configures structured log output.
type Logging struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// Default returns a configuration with working defaults.
func Default() *Config {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return &Config{
		Workspace: Workspace{
			Root:          filepath.Join(cwd, "workspace"),
			TraceArtifact: filepath.Join(".crewd", "trace.json"),
		},
		Run: Run{
			MaxParallel:     2,
			RetryBudget:     3,
			IterationFactor: 10,
			TaskTimeout:     Duration(10 * time.Minute),
			MaxReplans:      2,
		},
		Sandbox: Sandbox{
			AllowedCommands: []string{
				"ls", "cat", "mkdir", "touch", "cp", "mv", "rg",
				"node", "npm", "npx", "pnpm", "yarn",
				"git", "vercel", "supabase",
			},
			CommandTimeout: Duration(2 * time.Minute),
			DeployTimeout:  Duration(5 * time.Minute),
		},
		Agent: Agent{
			Timeout: Duration(5 * time.Minute),
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root must be set")
	}
	if filepath.IsAbs(c.Workspace.TraceArtifact) {
		return fmt.Errorf("workspace.trace_artifact must be relative to the workspace root")
	}
	if c.Run.MaxParallel < 1 {
		return fmt.Errorf("run.max_parallel must be >= 1, got %d", c.Run.MaxParallel)
	}
	if c.Run.RetryBudget < 1 {
		return fmt.Errorf("run.retry_budget must be >= 1, got %d", c.Run.RetryBudget)
	}
	if c.Run.IterationFactor < 1 {
		return fmt.Errorf("run.iteration_factor must be >= 1, got %d", c.Run.IterationFactor)
	}
	if c.Run.MaxReplans < 0 {
		return fmt.Errorf("run.max_replans must be >= 0, got %d", c.Run.MaxReplans)
	}
	if len(c.Sandbox.AllowedCommands) == 0 {
		return fmt.Errorf("sandbox.allowed_commands must not be empty")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	return nil
}
