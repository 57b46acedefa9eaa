// Package task defines the shared task model for crewd runs: capability-typed
// units of work with dependencies, retry budgets, and requirement claims.
package task

import (
	"fmt"
	"time"
)

// Capability is the closed set of worker categories a task may be assigned to.
type Capability string

const (
	// CapabilityUI covers frontend work: components, pages, styling.
	CapabilityUI Capability = "ui"

	// CapabilityDatabase covers schema, migrations, and policies.
	CapabilityDatabase Capability = "database"

	// CapabilityLogic covers backend functions, API routes, and integrations.
	CapabilityLogic Capability = "logic"

	// CapabilityDeploy covers provider CLI invocations (previews, migrations).
	CapabilityDeploy Capability = "deploy"
)

// Capabilities returns all known capability tags.
func Capabilities() []Capability {
	return []Capability{CapabilityUI, CapabilityDatabase, CapabilityLogic, CapabilityDeploy}
}

// ParseCapability validates a capability tag from plan input.
func ParseCapability(s string) (Capability, error) {
	for _, c := range Capabilities() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown capability %q", s)
}

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusBlocked    Status = "blocked"
)

// Terminal reports whether no further transitions are possible. A failed
// task is not terminal: it returns to pending while retry budget remains.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusBlocked
}

// ErrorKind categorizes task failures for retry policy and reporting.
type ErrorKind string

const (
	ErrorKindPathEscape        ErrorKind = "path_escape"
	ErrorKindCommandRejected   ErrorKind = "command_rejected"
	ErrorKindExecutionFailed   ErrorKind = "execution_failed"
	ErrorKindValidationFailed  ErrorKind = "validation_failed"
	ErrorKindUnattributed      ErrorKind = "unattributed_failure"
	ErrorKindBudgetExhausted   ErrorKind = "budget_exhausted"
	ErrorKindIterationBound    ErrorKind = "iteration_bound"
	ErrorKindDependencyBlocked ErrorKind = "dependency_blocked"
)

// ErrorInfo captures the kind and message of the most recent failure,
// attributed to the task it belongs to.
type ErrorInfo struct {
	TaskID  string    `json:"task_id"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s (task %s)", e.Kind, e.Message, e.TaskID)
}

// Task is an atomic unit of work in a run.
type Task struct {
	ID                 string     `json:"id"`
	Capability         Capability `json:"capability"`
	Description        string     `json:"description"`
	Dependencies       []string   `json:"dependencies,omitempty"`
	Status             Status     `json:"status"`
	RetryCount         int        `json:"retry_count"`
	RetryBudget        int        `json:"retry_budget"`
	LastError          *ErrorInfo `json:"last_error,omitempty"`
	RequirementIDs     []string   `json:"requirement_ids,omitempty"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty"`

	// Feedback carries the validator's verdict from the previous attempt
	// into the next attempt's worker context.
	Feedback string `json:"feedback,omitempty"`

	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// BudgetExhausted reports whether the task has consumed its retry budget.
func (t *Task) BudgetExhausted() bool {
	return t.RetryCount >= t.RetryBudget
}

// Clone returns a deep copy so callers can mutate without aliasing the
// store's record.
func (t *Task) Clone() *Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.RequirementIDs = append([]string(nil), t.RequirementIDs...)
	c.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	if t.LastError != nil {
		e := *t.LastError
		c.LastError = &e
	}
	return &c
}
