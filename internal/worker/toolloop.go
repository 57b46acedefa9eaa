package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/sandbox"
	"github.com/fyrsmithlabs/crewd/internal/task"
)

// defaultMaxTurns bounds agent calls per task attempt.
const defaultMaxTurns = 20

// outputLimit truncates tool results fed back to the agent.
const outputLimit = 8 * 1024

// base drives the agent tool loop shared by all capability workers.
type base struct {
	capability task.Capability
	agent      Agent
	logger     *zap.Logger
	maxTurns   int

	// commandEnv is appended to run_command environments. Deploy
	// credentials are injected here, never into argument vectors.
	commandEnv []string

	// commandTimeout overrides the runner default when positive.
	commandTimeout time.Duration

	// onCommand inspects command results for extra artifacts
	// (deployment URLs).
	onCommand func(*sandbox.RunResult) []Artifact
}

func newBase(capability task.Capability, opts Options) base {
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return base{
		capability: capability,
		agent:      opts.Agent,
		logger:     opts.Logger.Named("worker").With(zap.String("capability", string(capability))),
		maxTurns:   maxTurns,
	}
}

// Options configures a capability worker.
type Options struct {
	Agent    Agent
	Logger   *zap.Logger
	MaxTurns int
}

func (b *base) Capability() task.Capability { return b.capability }

// Execute drives the agent until it stops requesting tools or the turn
// budget runs out. Sandbox rejections are translated into tool-result text
// and fed back to the agent; only agent errors and turn exhaustion fail the
// attempt. Every failure carries the task identifier.
func (b *base) Execute(ctx context.Context, t *task.Task, sb *sandbox.Sandbox) *Result {
	var usage Usage
	var artifacts []Artifact
	var transcript []Turn

	files := b.listing(sb)

	b.logger.Info("starting task",
		zap.String("task_id", t.ID),
		zap.Int("attempt", t.RetryCount+1),
	)

	for turn := 0; turn < b.maxTurns; turn++ {
		resp, err := b.agent.Generate(ctx, Request{
			Capability:  b.capability,
			TaskID:      t.ID,
			Description: t.Description,
			Feedback:    t.Feedback,
			Files:       files,
			Criteria:    t.AcceptanceCriteria,
			Transcript:  transcript,
		})
		if err != nil {
			b.logger.Error("agent call failed", zap.String("task_id", t.ID), zap.Error(err))
			return failedResult(t, task.ErrorKindExecutionFailed, fmt.Sprintf("agent: %v", err), usage)
		}
		usage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			b.logger.Info("task finished", zap.String("task_id", t.ID), zap.Int("turns", turn+1))
			artifacts = append(artifacts, Artifact{Type: ArtifactSummary, Detail: resp.Text})
			return &Result{
				TaskID:    t.ID,
				Status:    StatusCompleted,
				Artifacts: artifacts,
				Summary:   resp.Text,
				Usage:     usage,
			}
		}

		transcript = append(transcript, Turn{Role: "assistant", Content: resp.Text})
		for _, call := range resp.ToolCalls {
			output, produced := b.executeTool(ctx, sb, call)
			artifacts = append(artifacts, produced...)
			transcript = append(transcript, Turn{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    truncate(output, outputLimit),
			})
		}
		files = b.listing(sb)
	}

	return failedResult(t, task.ErrorKindExecutionFailed,
		fmt.Sprintf("tool loop did not converge within %d turns", b.maxTurns), usage)
}

// executeTool dispatches one tool call to the sandbox. Errors come back as
// tool-result text so the agent can correct itself; the taxonomy kinds are
// embedded for the validator's attribution.
func (b *base) executeTool(ctx context.Context, sb *sandbox.Sandbox, call ToolCall) (string, []Artifact) {
	switch call.Name {
	case "read_file":
		p, err := sb.Resolve(stringInput(call.Input, "path"))
		if err != nil {
			return toolError(err), nil
		}
		data, err := sb.ReadFile(p)
		if err != nil {
			return toolError(err), nil
		}
		return string(data), nil

	case "write_file":
		p, err := sb.Resolve(stringInput(call.Input, "path"))
		if err != nil {
			return toolError(err), nil
		}
		if err := sb.WriteFile(p, []byte(stringInput(call.Input, "content"))); err != nil {
			return toolError(err), nil
		}
		return fmt.Sprintf("wrote %s", p.Rel()), []Artifact{{Type: ArtifactFileWritten, Path: p.Rel()}}

	case "list_files":
		dir := stringInput(call.Input, "path")
		if dir == "" {
			dir = "."
		}
		p, err := sb.Resolve(dir)
		if err != nil {
			return toolError(err), nil
		}
		files, err := sb.ListDir(p)
		if err != nil {
			return toolError(err), nil
		}
		if len(files) == 0 {
			return "directory is empty", nil
		}
		return joinLines(files), nil

	case "delete_file":
		p, err := sb.Resolve(stringInput(call.Input, "path"))
		if err != nil {
			return toolError(err), nil
		}
		if err := sb.DeleteFile(p); err != nil {
			return toolError(err), nil
		}
		return fmt.Sprintf("deleted %s", p.Rel()), nil

	case "run_command":
		return b.runCommand(ctx, sb, call)

	default:
		return fmt.Sprintf("error: unknown tool %q", call.Name), nil
	}
}

func (b *base) runCommand(ctx context.Context, sb *sandbox.Sandbox, call ToolCall) (string, []Artifact) {
	command := stringInput(call.Input, "command")
	args := stringSliceInput(call.Input, "args")

	result, err := sb.Runner().Run(ctx, command, args, sandbox.RunOptions{
		Env:     b.commandEnv,
		Timeout: b.commandTimeout,
	})
	if err != nil && result == nil {
		// Rejected before spawn.
		return toolError(err), nil
	}

	output := result.Stdout
	if result.Stderr != "" {
		output += "\n[stderr]\n" + result.Stderr
	}
	if err != nil {
		output += fmt.Sprintf("\n[exit code] %d", result.ExitCode)
	}

	artifacts := []Artifact{{
		Type:   ArtifactCommandOutput,
		Detail: fmt.Sprintf("%s (exit %d)", command, result.ExitCode),
	}}
	if b.onCommand != nil {
		artifacts = append(artifacts, b.onCommand(result)...)
	}
	return output, artifacts
}

// toolError translates a sandbox error into agent-visible text, tagged with
// its taxonomy kind.
func toolError(err error) string {
	switch {
	case errors.Is(err, sandbox.ErrPathEscape):
		return fmt.Sprintf("error [%s]: %v", task.ErrorKindPathEscape, err)
	case errors.Is(err, sandbox.ErrCommandRejected):
		return fmt.Sprintf("error [%s]: %v", task.ErrorKindCommandRejected, err)
	case errors.Is(err, sandbox.ErrExecutionFailed):
		return fmt.Sprintf("error [%s]: %v", task.ErrorKindExecutionFailed, err)
	default:
		return fmt.Sprintf("error: %v", err)
	}
}

func (b *base) listing(sb *sandbox.Sandbox) []string {
	root, err := sb.Resolve(".")
	if err != nil {
		return nil
	}
	files, err := sb.ListDir(root)
	if err != nil {
		return nil
	}
	return files
}

func stringInput(input map[string]any, key string) string {
	v, _ := input[key].(string)
	return v
}

func stringSliceInput(input map[string]any, key string) []string {
	raw, ok := input[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[truncated]"
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
