// Package agent bridges crewd to a language model through an external
// command. The bridge receives one JSON request on stdin and writes one JSON
// response on stdout, so provider choice and prompting live outside the
// orchestrator.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/config"
	"github.com/fyrsmithlabs/crewd/internal/state"
	"github.com/fyrsmithlabs/crewd/internal/task"
	"github.com/fyrsmithlabs/crewd/internal/worker"
)

// ErrNoCommand means the bridge was constructed without an executable.
var ErrNoCommand = errors.New("agent: no bridge command configured")

const (
	modeGenerate = "generate"
	modeReplan   = "replan"
)

// envelope is the request written to the bridge's stdin.
type envelope struct {
	Mode string `json:"mode"`

	// Mode "generate".
	Request *worker.Request `json:"request,omitempty"`

	// Mode "replan".
	FeatureID string          `json:"feature_id,omitempty"`
	Tasks     []*task.Task    `json:"tasks,omitempty"`
	Messages  []state.Message `json:"messages,omitempty"`
}

// Bridge invokes the configured command once per call. It implements the
// worker Agent and the supervisor Planner.
type Bridge struct {
	command string
	args    []string
	timeout time.Duration
	logger  *zap.Logger
}

func New(cfg config.Agent, logger *zap.Logger) (*Bridge, error) {
	if cfg.Command == "" {
		return nil, ErrNoCommand
	}
	return &Bridge{
		command: cfg.Command,
		args:    cfg.Args,
		timeout: cfg.Timeout.Duration(),
		logger:  logger.Named("agent"),
	}, nil
}

// Generate asks the bridge for the next worker step.
func (b *Bridge) Generate(ctx context.Context, req worker.Request) (*worker.Response, error) {
	out, err := b.invoke(ctx, envelope{Mode: modeGenerate, Request: &req})
	if err != nil {
		return nil, err
	}
	var resp worker.Response
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, fmt.Errorf("agent: decoding response: %w", err)
	}
	return &resp, nil
}

// Replan asks the bridge for a revised plan. Only user and validator
// messages are forwarded; callers enforce that by passing the filtered log.
// A response with no tasks is the planner declining to revise and returns a
// nil plan, not an error; the supervisor ends such runs blocked.
func (b *Bridge) Replan(ctx context.Context, featureID string, tasks []*task.Task, messages []state.Message) (*task.Plan, error) {
	out, err := b.invoke(ctx, envelope{
		Mode:      modeReplan,
		FeatureID: featureID,
		Tasks:     tasks,
		Messages:  messages,
	})
	if err != nil {
		return nil, err
	}

	var p task.Plan
	if err := json.Unmarshal(out, &p); err != nil {
		return nil, fmt.Errorf("agent: decoding revision: %w", err)
	}
	if len(p.Tasks) == 0 {
		return nil, nil
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("agent: invalid revision: %w", err)
	}
	return &p, nil
}

func (b *Bridge) invoke(ctx context.Context, env envelope) ([]byte, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("agent: encoding request: %w", err)
	}

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, b.command, b.args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err = cmd.Run()
	b.logger.Debug("bridge invocation",
		zap.String("mode", env.Mode),
		zap.Duration("duration", time.Since(start)),
		zap.Bool("ok", err == nil),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent: bridge timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("agent: bridge failed: %w (stderr: %s)", err, truncateStderr(stderr.String()))
	}
	return stdout.Bytes(), nil
}

func truncateStderr(s string) string {
	const limit = 512
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
