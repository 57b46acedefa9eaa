// Package worker provides capability-typed task executors. A worker consumes
// one claimed task, drives the agent tool loop against the sandbox, and
// produces a result or an attributed failure. Workers are never given an
// unconstrained filesystem or process handle; every side effect flows through
// the sandbox.
package worker

import (
	"context"

	"github.com/fyrsmithlabs/crewd/internal/sandbox"
	"github.com/fyrsmithlabs/crewd/internal/task"
)

// Status is the outcome of one worker execution.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ArtifactType categorizes worker outputs for validation.
type ArtifactType string

const (
	ArtifactFileWritten   ArtifactType = "file_written"
	ArtifactCommandOutput ArtifactType = "command_output"
	ArtifactDeploymentURL ArtifactType = "deployment_url"
	ArtifactSummary       ArtifactType = "summary"
)

// Artifact is a work product referenced by the validator and the trace
// ledger.
type Artifact struct {
	Type   ArtifactType `json:"type"`
	Path   string       `json:"path,omitempty"`
	Detail string       `json:"detail,omitempty"`
}

// Result is the worker execution contract. TaskID is always set, even when
// the failure occurs before task-specific work begins; the validator cannot
// attribute an untagged failure and must not default it to success.
type Result struct {
	TaskID    string          `json:"task_id"`
	Status    Status          `json:"status"`
	Artifacts []Artifact      `json:"artifacts,omitempty"`
	Summary   string          `json:"summary,omitempty"`
	Error     *task.ErrorInfo `json:"error,omitempty"`
	Usage     Usage           `json:"usage"`
}

// Worker executes tasks of exactly one capability.
type Worker interface {
	// Capability returns the tag this worker serves. The dispatcher
	// selects workers by tag, never by runtime type inspection.
	Capability() task.Capability

	// Execute runs one claimed task against the sandbox.
	Execute(ctx context.Context, t *task.Task, sb *sandbox.Sandbox) *Result
}

// failedResult builds an attributed failure, preserving the contract that
// every failed result names its task.
func failedResult(t *task.Task, kind task.ErrorKind, message string, usage Usage) *Result {
	return &Result{
		TaskID: t.ID,
		Status: StatusFailed,
		Error: &task.ErrorInfo{
			TaskID:  t.ID,
			Kind:    kind,
			Message: message,
		},
		Usage: usage,
	}
}
