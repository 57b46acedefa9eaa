package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/config"
)

// redactedFlagPrefixes name argument flags whose values are replaced in logs.
// Secrets must arrive via environment variables, but a misbehaving agent may
// still try to pass one on the command line.
var redactedFlagPrefixes = []string{"--token", "--password", "--key", "--secret"}

// RunOptions configures a single command execution.
type RunOptions struct {
	// Dir is the working directory, already resolved into the workspace.
	// Zero value means the workspace root.
	Dir Path

	// Env holds extra KEY=VALUE pairs appended to the inherited
	// environment. Credentials are injected here, never into argv.
	Env []string

	// Timeout overrides the configured command timeout when positive.
	Timeout time.Duration
}

// RunResult captures the outcome of an executed command.
type RunResult struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Runner executes allow-listed commands with argument-vector semantics.
// There is no shell involved at any point, which closes the injection class
// structurally instead of enumerating forbidden patterns.
type Runner struct {
	sandbox *Sandbox
	allowed map[string]bool
	timeout time.Duration
	logger  *zap.Logger
}

func newRunner(s *Sandbox, cfg config.Sandbox, logger *zap.Logger) *Runner {
	allowed := make(map[string]bool, len(cfg.AllowedCommands))
	for _, c := range cfg.AllowedCommands {
		allowed[c] = true
	}
	timeout := cfg.CommandTimeout.Duration()
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{
		sandbox: s,
		allowed: allowed,
		timeout: timeout,
		logger:  logger.Named("runner"),
	}
}

// Allowed reports whether a command name passes the allow-list.
func (r *Runner) Allowed(command string) bool {
	return r.allowed[command]
}

// Run executes command with args inside the workspace. The command name must
// be a bare binary name on the allow-list; rejection happens before any
// process is spawned and carries ErrCommandRejected. A spawned command that
// exits non-zero returns the result alongside ErrExecutionFailed so callers
// can surface stderr to the retry loop.
func (r *Runner) Run(ctx context.Context, command string, args []string, opts RunOptions) (*RunResult, error) {
	if err := r.check(command, args); err != nil {
		r.logger.Warn("command rejected",
			zap.String("command", command),
			zap.Strings("args", redactArgs(args)),
			zap.Error(err),
		)
		return nil, err
	}

	dir := opts.Dir.Abs()
	if dir == "" {
		dir = r.sandbox.Root()
	}

	timeout := r.timeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), opts.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	result := &RunResult{
		Command:  command,
		Args:     redactArgs(args),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	r.logger.Info("command executed",
		zap.String("command", command),
		zap.Strings("args", result.Args),
		zap.Duration("duration", result.Duration),
	)
	r.appendCommandLog(result)

	if runErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			result.ExitCode = -1
			return result, fmt.Errorf("%w: %s timed out after %s", ErrExecutionFailed, command, timeout)
		}
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, fmt.Errorf("%w: %s exited %d", ErrExecutionFailed, command, result.ExitCode)
		}
		result.ExitCode = -1
		return result, fmt.Errorf("%w: %s: %v", ErrExecutionFailed, command, runErr)
	}
	return result, nil
}

// check validates the command name and argument vector before spawn.
func (r *Runner) check(command string, args []string) error {
	if command == "" {
		return fmt.Errorf("%w: empty command", ErrCommandRejected)
	}
	if strings.ContainsRune(command, os.PathSeparator) || strings.Contains(command, "/") {
		return fmt.Errorf("%w: command must be a bare binary name, got %q", ErrCommandRejected, command)
	}
	if !r.allowed[command] {
		return fmt.Errorf("%w: %q is not on the allow-list", ErrCommandRejected, command)
	}
	for _, arg := range args {
		if strings.ContainsAny(arg, "\n\r\x00") {
			return fmt.Errorf("%w: argument contains control characters", ErrCommandRejected)
		}
	}
	return nil
}

// redactArgs replaces secret-bearing argument values for logging.
func redactArgs(args []string) []string {
	out := make([]string, len(args))
	redactNext := false
	for i, arg := range args {
		if redactNext {
			out[i] = "[REDACTED]"
			redactNext = false
			continue
		}
		out[i] = arg
		for _, prefix := range redactedFlagPrefixes {
			if arg == prefix {
				redactNext = true
				break
			}
			if strings.HasPrefix(arg, prefix+"=") {
				out[i] = prefix + "=[REDACTED]"
				break
			}
		}
	}
	return out
}

// appendCommandLog records the invocation in the workspace artifact log.
// Best effort: a failed log write never fails the command.
func (r *Runner) appendCommandLog(result *RunResult) {
	dir := filepath.Join(r.sandbox.Root(), internalDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(filepath.Join(dir, "commands.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s %s %s exit=%d duration=%s\n",
		time.Now().UTC().Format(time.RFC3339),
		result.Command,
		strings.Join(result.Args, " "),
		result.ExitCode,
		result.Duration.Round(time.Millisecond),
	)
}
