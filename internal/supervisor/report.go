package supervisor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fyrsmithlabs/crewd/internal/metrics"
	"github.com/fyrsmithlabs/crewd/internal/state"
	"github.com/fyrsmithlabs/crewd/internal/task"
	"github.com/fyrsmithlabs/crewd/internal/trace"
)

// RunStatus is the final disposition of a run.
type RunStatus string

const (
	// StatusDone means every task completed and every requirement resolved.
	StatusDone RunStatus = "done"
	// StatusBlocked means at least one task or requirement could not be
	// resolved within its budget or the iteration bound.
	StatusBlocked RunStatus = "blocked"
	// StatusFatal means the run halted on an internal error, such as an
	// unattributed worker result.
	StatusFatal RunStatus = "fatal"
)

// TaskReport is the final record of one task.
type TaskReport struct {
	ID          string          `json:"id"`
	Capability  task.Capability `json:"capability"`
	Status      task.Status     `json:"status"`
	Attempts    int             `json:"attempts"`
	RetryBudget int             `json:"retry_budget"`
	LastError   *task.ErrorInfo `json:"last_error,omitempty"`
}

// Report summarizes a finished run.
type Report struct {
	RunID     string    `json:"run_id"`
	FeatureID string    `json:"feature_id"`
	Status    RunStatus `json:"status"`
	Reason    string    `json:"reason,omitempty"`

	Iterations     int `json:"iterations"`
	IterationBound int `json:"iteration_bound"`

	Tasks []TaskReport `json:"tasks"`

	Requirements           []trace.Record   `json:"requirements"`
	Evidence               []trace.Evidence `json:"evidence,omitempty"`
	UnresolvedRequirements []string         `json:"unresolved_requirements,omitempty"`
	FailedRequirements     []string         `json:"failed_requirements,omitempty"`

	DeploymentURLs []string `json:"deployment_urls,omitempty"`

	Usage    state.TokenUsage `json:"usage"`
	Duration time.Duration    `json:"duration"`
}

func (s *Supervisor) report(start time.Time, status RunStatus, reason string) *Report {
	metrics.RecordRun(context.Background(), string(status), time.Since(start), s.store.Iteration())
	r := &Report{
		RunID:          s.store.RunID(),
		FeatureID:      s.store.FeatureID(),
		Status:         status,
		Reason:         reason,
		Iterations:     s.store.Iteration(),
		IterationBound: s.store.IterationBound(),
		Requirements:   s.ledger.Records(),
		Evidence:       s.ledger.EvidenceRecords(),
		DeploymentURLs: s.deploymentURLs,
		Usage:          s.store.Usage(),
		Duration:       time.Since(start),
	}
	r.UnresolvedRequirements = s.ledger.Unresolved()
	r.FailedRequirements = s.ledger.Failed()

	for _, t := range s.store.Tasks() {
		r.Tasks = append(r.Tasks, TaskReport{
			ID:          t.ID,
			Capability:  t.Capability,
			Status:      t.Status,
			Attempts:    t.RetryCount,
			RetryBudget: t.RetryBudget,
			LastError:   t.LastError,
		})
	}
	return r
}

// JSON renders the report for persistence or stdout.
func (r *Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
