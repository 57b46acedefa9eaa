// Package supervisor drives a run to completion: it promotes ready tasks,
// dispatches them to capability workers under a parallelism cap, feeds
// results through the validator, and decides when the run is done, blocked,
// or must be replanned.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/metrics"
	"github.com/fyrsmithlabs/crewd/internal/sandbox"
	"github.com/fyrsmithlabs/crewd/internal/state"
	"github.com/fyrsmithlabs/crewd/internal/task"
	"github.com/fyrsmithlabs/crewd/internal/trace"
	"github.com/fyrsmithlabs/crewd/internal/validator"
	"github.com/fyrsmithlabs/crewd/internal/worker"
)

// Planner revises a plan after tasks end blocked. It receives only user and
// validator messages; worker transcripts are not planner input.
type Planner interface {
	Replan(ctx context.Context, featureID string, tasks []*task.Task, messages []state.Message) (*task.Plan, error)
}

// Options tunes the run loop.
type Options struct {
	// MaxParallel caps concurrently executing tasks.
	MaxParallel int
	// TaskTimeout bounds one task attempt end to end.
	TaskTimeout time.Duration
	// MaxReplans caps plan revisions after blocked tasks.
	MaxReplans int
}

// Supervisor owns the run loop for one plan.
type Supervisor struct {
	store     *state.Store
	pool      worker.Pool
	validator *validator.Validator
	sandbox   *sandbox.Sandbox
	ledger    *trace.Ledger
	planner   Planner
	logger    *zap.Logger
	opts      Options

	deploymentURLs []string
}

// New builds a Supervisor. The planner may be nil, in which case blocked
// tasks end the run without revision.
func New(store *state.Store, pool worker.Pool, v *validator.Validator, sb *sandbox.Sandbox, ledger *trace.Ledger, planner Planner, logger *zap.Logger, opts Options) *Supervisor {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	return &Supervisor{
		store:     store,
		pool:      pool,
		validator: v,
		sandbox:   sb,
		ledger:    ledger,
		planner:   planner,
		logger:    logger.Named("supervisor"),
		opts:      opts,
	}
}

type dispatchResult struct {
	taskID     string
	capability task.Capability
	result     *worker.Result
	started    time.Time

	// baseline is the workspace snapshot at claim time, diffed against
	// the post-attempt snapshot for the validator's changed-file check.
	baseline map[string]string
}

// Run executes the plan until every task is terminal or the run is cut
// short. In-flight tasks are always allowed to finish; cancellation stops
// new dispatches only.
func (s *Supervisor) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	results := make(chan dispatchResult)
	inflight := 0
	replans := 0

	s.logger.Info("run starting",
		zap.String("run_id", s.store.RunID()),
		zap.String("feature_id", s.store.FeatureID()),
		zap.Int("tasks", len(s.store.Tasks())),
		zap.Int("iteration_bound", s.store.IterationBound()),
	)
	s.refreshSnapshot()

	for {
		if ctx.Err() != nil {
			if err := s.drain(results, &inflight); err != nil {
				s.logger.Error("draining after cancellation", zap.Error(err))
			}
			return s.report(start, StatusFatal, "run cancelled"), ctx.Err()
		}

		if inflight == 0 && s.store.AllTerminal() {
			if s.store.AnyBlocked() {
				if s.planner != nil && replans < s.opts.MaxReplans {
					replans++
					revised, err := s.replan(ctx)
					if err != nil {
						return s.report(start, StatusFatal, err.Error()), err
					}
					if revised {
						continue
					}
				}
				return s.report(start, StatusBlocked, "tasks blocked after exhausting retries"), nil
			}
			if !s.ledger.IsComplete() {
				return s.report(start, StatusBlocked,
					fmt.Sprintf("unresolved requirements: %v", s.ledger.Unresolved())), nil
			}
			return s.report(start, StatusDone, ""), nil
		}

		dispatched, stop, err := s.dispatch(ctx, results, &inflight)
		if err != nil {
			if drainErr := s.drain(results, &inflight); drainErr != nil {
				s.logger.Error("draining after fatal dispatch error", zap.Error(drainErr))
			}
			return s.report(start, StatusFatal, err.Error()), err
		}
		if stop {
			if err := s.drain(results, &inflight); err != nil {
				return s.report(start, StatusFatal, err.Error()), err
			}
			s.blockRemaining(task.ErrorKindIterationBound, "iteration bound reached before the task was scheduled")
			return s.report(start, StatusBlocked, "iteration bound reached"), nil
		}

		if inflight > 0 && dispatched == 0 {
			res := <-results
			inflight--
			if err := s.handleResult(ctx, res); err != nil {
				if drainErr := s.drain(results, &inflight); drainErr != nil {
					s.logger.Error("draining after fatal result", zap.Error(drainErr))
				}
				return s.report(start, StatusFatal, err.Error()), err
			}
			continue
		}

		if dispatched == 0 && inflight == 0 {
			// Pending tasks remain but none can become ready: their
			// dependency chains pass through blocked tasks. These tasks
			// never ran and consumed no budget, so they carry their own
			// error kind.
			s.blockRemaining(task.ErrorKindDependencyBlocked, "dependency chain contains a blocked task")
		}
	}
}

// dispatch claims ready tasks up to the parallelism cap and starts a worker
// goroutine for each. The second result is true when the iteration bound is
// exhausted.
func (s *Supervisor) dispatch(ctx context.Context, results chan<- dispatchResult, inflight *int) (int, bool, error) {
	ready := s.store.Ready()
	if len(ready) == 0 || *inflight >= s.opts.MaxParallel {
		return 0, false, nil
	}

	if _, ok := s.store.BeginIteration(); !ok {
		s.logger.Warn("iteration bound reached",
			zap.Int("bound", s.store.IterationBound()),
			zap.Strings("unscheduled", s.store.NonTerminal()),
		)
		return 0, true, nil
	}

	dispatched := 0
	baseline := s.store.FilesSnapshot()
	for _, t := range ready {
		if *inflight >= s.opts.MaxParallel {
			break
		}
		w, ok := s.pool.Lookup(t.Capability)
		if !ok {
			return dispatched, false, fmt.Errorf("no worker registered for capability %q (task %s)", t.Capability, t.ID)
		}
		claimed, ok := s.store.Claim(t.ID)
		if !ok {
			continue
		}

		*inflight++
		dispatched++
		metrics.RecordDispatch(ctx, string(claimed.Capability))
		s.logger.Info("dispatching task",
			zap.String("task_id", claimed.ID),
			zap.String("capability", string(claimed.Capability)),
			zap.Int("attempt", claimed.RetryCount+1),
		)

		go func(t *task.Task) {
			started := time.Now()
			runCtx := ctx
			var cancel context.CancelFunc
			if s.opts.TaskTimeout > 0 {
				// Detached from the run context so cancellation lets
				// in-flight work finish under its own timeout.
				runCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.opts.TaskTimeout)
				defer cancel()
			}
			result := w.Execute(runCtx, t, s.sandbox)
			results <- dispatchResult{
				taskID:     t.ID,
				capability: t.Capability,
				result:     result,
				started:    started,
				baseline:   baseline,
			}
		}(claimed)
	}
	return dispatched, false, nil
}

// handleResult validates one worker result and applies the verdict to the
// task state machine. An unattributed result is fatal.
func (s *Supervisor) handleResult(ctx context.Context, res dispatchResult) error {
	metrics.RecordTaskDuration(ctx, string(res.capability), time.Since(res.started))

	t, ok := s.store.Get(res.taskID)
	if !ok {
		return fmt.Errorf("result for unknown task %s", res.taskID)
	}

	// Recompute the workspace snapshot now that the worker is done; the
	// diff against the claim-time baseline feeds the changed-file check
	// and the refreshed snapshot is the next dispatch's baseline.
	var changed []string
	current, err := s.sandbox.Snapshot()
	if err != nil {
		s.logger.Warn("workspace snapshot failed", zap.Error(err))
	} else {
		changed = changedPaths(res.baseline, current)
		s.store.SetFilesSnapshot(current)
	}

	decision, err := s.validator.Review(ctx, t, res.result, s.sandbox, changed)
	if err != nil {
		if errors.Is(err, validator.ErrUnattributedResult) {
			s.logger.Error("unattributed worker result, halting run",
				zap.String("expected_task_id", res.taskID),
			)
		}
		return err
	}

	s.store.AddUsage(res.result.Usage.InputTokens, res.result.Usage.OutputTokens)
	metrics.RecordValidation(ctx, decision.Passed)

	if res.result.Summary != "" {
		s.store.Append(state.OriginWorker, res.taskID, res.result.Summary)
	}
	for _, a := range res.result.Artifacts {
		if a.Type == worker.ArtifactDeploymentURL {
			s.deploymentURLs = append(s.deploymentURLs, a.Detail)
		}
	}

	if decision.Passed {
		if err := s.store.MarkCompleted(res.taskID); err != nil {
			return err
		}
		s.logger.Info("task completed", zap.String("task_id", res.taskID))
		return nil
	}

	s.store.Append(state.OriginValidator, res.taskID, decision.Feedback)
	blocked, err := s.store.MarkFailed(res.taskID, decision.Err, decision.Feedback)
	if err != nil {
		return err
	}
	if blocked {
		metrics.RecordBlocked(ctx)
		s.logger.Warn("task blocked, retry budget exhausted",
			zap.String("task_id", res.taskID),
			zap.Int("attempts", t.RetryCount+1),
		)
	} else {
		metrics.RecordRetry(ctx, string(res.capability))
		s.logger.Info("task requeued for retry",
			zap.String("task_id", res.taskID),
			zap.Int("attempt", t.RetryCount+1),
		)
	}
	return nil
}

// drain waits for every in-flight worker to finish and applies its result.
// The first fatal error is returned; remaining results are still consumed.
func (s *Supervisor) drain(results <-chan dispatchResult, inflight *int) error {
	var firstErr error
	for *inflight > 0 {
		res := <-results
		*inflight--
		if err := s.handleResult(context.Background(), res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// replan asks the planner for a revision and merges it. Returns true when
// the merge left runnable work.
func (s *Supervisor) replan(ctx context.Context) (bool, error) {
	s.logger.Info("requesting plan revision", zap.Strings("blocked", s.blockedIDs()))

	plan, err := s.planner.Replan(ctx, s.store.FeatureID(), s.store.Tasks(), s.store.ReplanningMessages())
	if err != nil {
		return false, fmt.Errorf("replanning: %w", err)
	}
	if plan == nil || len(plan.Tasks) == 0 {
		return false, nil
	}
	if err := plan.Validate(); err != nil {
		return false, fmt.Errorf("replanning produced invalid plan: %w", err)
	}

	added := s.store.MergePlan(plan)
	if err := s.ledger.Register(plan.RequirementIDs()...); err != nil {
		return false, fmt.Errorf("registering revised requirements: %w", err)
	}
	s.store.Append(state.OriginSupervisor, "", fmt.Sprintf("plan revised: %d tasks added", len(added)))
	return !s.store.AllTerminal(), nil
}

func (s *Supervisor) blockRemaining(kind task.ErrorKind, message string) {
	for _, id := range s.store.NonTerminal() {
		err := s.store.MarkBlocked(id, &task.ErrorInfo{
			TaskID:  id,
			Kind:    kind,
			Message: message,
		})
		if err != nil {
			s.logger.Error("blocking unscheduled task", zap.String("task_id", id), zap.Error(err))
		}
	}
}

func (s *Supervisor) blockedIDs() []string {
	var out []string
	for _, t := range s.store.Tasks() {
		if t.Status == task.StatusBlocked {
			out = append(out, t.ID)
		}
	}
	return out
}

// changedPaths lists files added or modified relative to a baseline
// snapshot. The result is never nil: an empty slice means a clean diff,
// while callers pass nil to the validator only when no snapshot exists.
func changedPaths(baseline, current map[string]string) []string {
	out := []string{}
	for rel, sum := range current {
		if baseline[rel] != sum {
			out = append(out, rel)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Supervisor) refreshSnapshot() {
	snapshot, err := s.sandbox.Snapshot()
	if err != nil {
		s.logger.Warn("workspace snapshot failed", zap.Error(err))
		return
	}
	s.store.SetFilesSnapshot(snapshot)
}
