// Package validator reviews worker results before any task is marked
// complete. A result with no task attribution is rejected outright rather
// than guessed at.
package validator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/sandbox"
	"github.com/fyrsmithlabs/crewd/internal/task"
	"github.com/fyrsmithlabs/crewd/internal/trace"
	"github.com/fyrsmithlabs/crewd/internal/worker"
)

// ErrUnattributedResult means a worker returned a result without a task
// identifier. The run halts instead of attributing the outcome to a guess.
var ErrUnattributedResult = errors.New("validator: result carries no task id")

// Checker inspects a completed result for one capability. changed lists the
// workspace files added or modified during the attempt; nil means no
// snapshot was available.
type Checker interface {
	// Check returns findings describing problems. An empty slice means the
	// result passed.
	Check(ctx context.Context, t *task.Task, result *worker.Result, sb *sandbox.Sandbox, changed []string) ([]Finding, error)
}

// Finding is one problem a checker located.
type Finding struct {
	Path   string `json:"path,omitempty"`
	Detail string `json:"detail"`
}

func (f Finding) String() string {
	if f.Path == "" {
		return f.Detail
	}
	return f.Path + ": " + f.Detail
}

// Decision is the validator's verdict on one result.
type Decision struct {
	TaskID   string
	Passed   bool
	Feedback string
	Err      *task.ErrorInfo
}

// Validator applies capability checks and records requirement outcomes.
type Validator struct {
	checkers map[task.Capability]Checker
	ledger   *trace.Ledger
	logger   *zap.Logger
}

// New builds a Validator with the built-in checker set. Custom checkers
// replace the defaults for their capability.
func New(ledger *trace.Ledger, logger *zap.Logger, overrides map[task.Capability]Checker) *Validator {
	checkers := map[task.Capability]Checker{
		task.CapabilityUI:       &sourceChecker{},
		task.CapabilityDatabase: &sourceChecker{},
		task.CapabilityLogic:    &sourceChecker{},
		task.CapabilityDeploy:   &deployChecker{},
	}
	for c, ch := range overrides {
		checkers[c] = ch
	}
	return &Validator{
		checkers: checkers,
		ledger:   ledger,
		logger:   logger.Named("validator"),
	}
}

// Review judges a worker result for the given task. It returns
// ErrUnattributedResult when the result has no task identifier, and
// otherwise a Decision the supervisor feeds into the task state machine.
// changed lists workspace files added or modified during the attempt.
// Requirement ledger records are written here: pass on a clean result,
// fail on a rejection that exhausts the retry budget.
func (v *Validator) Review(ctx context.Context, t *task.Task, result *worker.Result, sb *sandbox.Sandbox, changed []string) (*Decision, error) {
	if result == nil || result.TaskID == "" {
		return nil, ErrUnattributedResult
	}
	if result.TaskID != t.ID {
		return nil, fmt.Errorf("%w: result for %q while validating %q", ErrUnattributedResult, result.TaskID, t.ID)
	}

	if result.Status == worker.StatusFailed {
		return v.reject(t, result, findingsFromError(result.Error))
	}

	checker, ok := v.checkers[t.Capability]
	if !ok {
		checker = &sourceChecker{}
	}
	findings, err := checker.Check(ctx, t, result, sb, changed)
	if err != nil {
		return nil, fmt.Errorf("validator: checking task %s: %w", t.ID, err)
	}
	if len(findings) > 0 {
		return v.reject(t, result, findings)
	}

	if err := v.recordPass(t, result); err != nil {
		return nil, err
	}
	v.logger.Info("task passed validation",
		zap.String("task_id", t.ID),
		zap.Int("artifacts", len(result.Artifacts)),
	)
	return &Decision{TaskID: t.ID, Passed: true}, nil
}

func (v *Validator) reject(t *task.Task, result *worker.Result, findings []Finding) (*Decision, error) {
	feedback := composeFeedback(t, findings)
	errInfo := result.Error
	if errInfo == nil {
		errInfo = &task.ErrorInfo{
			TaskID:  t.ID,
			Kind:    task.ErrorKindValidationFailed,
			Message: summarizeFindings(findings),
		}
	}

	// A fail verdict is durable only once this failure exhausts the retry
	// budget; mid-retry the requirement stays unknown.
	if t.RetryCount+1 >= t.RetryBudget {
		for _, reqID := range t.RequirementIDs {
			ids, err := v.appendEvidence(reqID, result, trace.StatusFail)
			if err != nil {
				return nil, fmt.Errorf("validator: recording evidence for %s: %w", reqID, err)
			}
			err = v.ledger.RecordFail(reqID, "validator review", summarizeFindings(findings), ids)
			if err != nil {
				return nil, fmt.Errorf("validator: recording failure for %s: %w", reqID, err)
			}
		}
	}

	v.logger.Warn("task failed validation",
		zap.String("task_id", t.ID),
		zap.String("kind", string(errInfo.Kind)),
		zap.Int("findings", len(findings)),
	)
	return &Decision{TaskID: t.ID, Passed: false, Feedback: feedback, Err: errInfo}, nil
}

func (v *Validator) recordPass(t *task.Task, result *worker.Result) error {
	var files []string
	var evidence string
	for _, a := range result.Artifacts {
		switch a.Type {
		case worker.ArtifactFileWritten:
			files = append(files, a.Path)
		case worker.ArtifactDeploymentURL:
			evidence = a.Detail
		}
	}
	if evidence == "" {
		evidence = result.Summary
	}
	for _, reqID := range t.RequirementIDs {
		ids, err := v.appendEvidence(reqID, result, trace.StatusPass)
		if err != nil {
			return fmt.Errorf("validator: recording evidence for %s: %w", reqID, err)
		}
		if err := v.ledger.RecordPass(reqID, files, "validator review", evidence, ids); err != nil {
			return fmt.Errorf("validator: recording pass for %s: %w", reqID, err)
		}
	}
	return nil
}

// appendEvidence materializes the worker's artifacts into structured ledger
// evidence for one requirement and returns the entry identifiers. The
// validator writes on the workers' behalf; the ledger stays single-writer.
func (v *Validator) appendEvidence(reqID string, result *worker.Result, status trace.Status) ([]string, error) {
	var ids []string
	for _, a := range result.Artifacts {
		e := trace.Evidence{RequirementID: reqID, Status: status}
		switch a.Type {
		case worker.ArtifactCommandOutput:
			e.Type = trace.EvidenceCommand
			e.Command = a.Detail
		case worker.ArtifactFileWritten:
			e.Type = trace.EvidenceFile
			e.OutputPath = a.Path
		case worker.ArtifactDeploymentURL:
			e.Type = trace.EvidenceURL
			e.Detail = a.Detail
		default:
			continue
		}
		id, err := v.ledger.AppendEvidence(e)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func findingsFromError(errInfo *task.ErrorInfo) []Finding {
	if errInfo == nil {
		return []Finding{{Detail: "worker reported failure without detail"}}
	}
	return []Finding{{Detail: fmt.Sprintf("[%s] %s", errInfo.Kind, errInfo.Message)}}
}

// composeFeedback produces the text attached to the task for its next
// attempt. It names each finding and restates the acceptance criteria.
func composeFeedback(t *task.Task, findings []Finding) string {
	var b strings.Builder
	b.WriteString("The previous attempt was rejected:\n")
	for _, f := range findings {
		b.WriteString("- ")
		b.WriteString(f.String())
		b.WriteString("\n")
	}
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, c := range t.AcceptanceCriteria {
			b.WriteString("- ")
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func summarizeFindings(findings []Finding) string {
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, "; ")
}
