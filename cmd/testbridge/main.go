// Package main provides a scripted agent bridge for exercising crewd
// without a language model. It speaks the bridge protocol (one JSON envelope
// on stdin, one JSON response on stdout) and replays canned steps from a
// scenario file.
//
// The bridge runs as a fresh process per call, so scenarios are stateless:
// the step to replay is chosen by counting assistant turns already in the
// transcript.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/crewd/internal/state"
	"github.com/fyrsmithlabs/crewd/internal/task"
	"github.com/fyrsmithlabs/crewd/internal/worker"
)

// Scenario scripts bridge behavior for one run.
type Scenario struct {
	// Tasks maps task identifiers to their scripted steps. A task not
	// listed here gets a single completion step.
	Tasks map[string]TaskScript `json:"tasks"`

	// Replan is returned for replan requests. Empty means no revision.
	Replan *task.Plan `json:"replan,omitempty"`
}

// TaskScript is the ordered agent responses for one task. When the
// transcript is longer than the script, the last step repeats.
type TaskScript struct {
	Steps []worker.Response `json:"steps"`
}

type envelope struct {
	Mode      string          `json:"mode"`
	Request   *worker.Request `json:"request,omitempty"`
	FeatureID string          `json:"feature_id,omitempty"`
	Tasks     []*task.Task    `json:"tasks,omitempty"`
	Messages  []state.Message `json:"messages,omitempty"`
}

func main() {
	scenarioPath := flag.String("scenario", "", "Path to scenario JSON file")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	logLevel := zapcore.WarnLevel
	if *verbose {
		logLevel = zapcore.DebugLevel
	}
	logConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(logLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewDevelopmentEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := logConfig.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	scenario := &Scenario{}
	if *scenarioPath != "" {
		data, err := os.ReadFile(*scenarioPath)
		if err != nil {
			logger.Fatal("Failed to read scenario", zap.Error(err))
		}
		if err := json.Unmarshal(data, scenario); err != nil {
			logger.Fatal("Failed to parse scenario", zap.Error(err))
		}
	}

	input, err := io.ReadAll(os.Stdin)
	if err != nil {
		logger.Fatal("Failed to read request", zap.Error(err))
	}
	var env envelope
	if err := json.Unmarshal(input, &env); err != nil {
		logger.Fatal("Failed to parse request envelope", zap.Error(err))
	}

	switch env.Mode {
	case "generate":
		if env.Request == nil {
			logger.Fatal("Generate request missing body")
		}
		resp := scenario.respond(env.Request)
		logger.Debug("replaying step",
			zap.String("task_id", env.Request.TaskID),
			zap.Int("tool_calls", len(resp.ToolCalls)),
		)
		writeJSON(logger, resp)

	case "replan":
		plan := scenario.Replan
		if plan == nil {
			plan = &task.Plan{FeatureID: env.FeatureID}
		}
		writeJSON(logger, plan)

	default:
		logger.Fatal("Unknown mode", zap.String("mode", env.Mode))
	}
}

// respond picks the scripted step for the request's position in the task
// conversation.
func (s *Scenario) respond(req *worker.Request) *worker.Response {
	script, ok := s.Tasks[req.TaskID]
	if !ok || len(script.Steps) == 0 {
		return &worker.Response{
			Text:  fmt.Sprintf("completed %s", req.TaskID),
			Usage: worker.Usage{InputTokens: 1, OutputTokens: 1},
		}
	}

	turn := 0
	for _, t := range req.Transcript {
		if t.Role == "assistant" {
			turn++
		}
	}
	if turn >= len(script.Steps) {
		turn = len(script.Steps) - 1
	}
	step := script.Steps[turn]
	return &step
}

func writeJSON(logger *zap.Logger, v any) {
	out, err := json.Marshal(v)
	if err != nil {
		logger.Fatal("Failed to encode response", zap.Error(err))
	}
	fmt.Println(string(out))
}
