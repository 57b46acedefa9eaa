package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/crewd/internal/config"
	"github.com/fyrsmithlabs/crewd/internal/logging"
	"github.com/fyrsmithlabs/crewd/internal/sandbox"
	"github.com/fyrsmithlabs/crewd/internal/state"
	"github.com/fyrsmithlabs/crewd/internal/task"
	"github.com/fyrsmithlabs/crewd/internal/trace"
	"github.com/fyrsmithlabs/crewd/internal/validator"
	"github.com/fyrsmithlabs/crewd/internal/worker"
)

// stubWorker scripts results per task by attempt number.
type stubWorker struct {
	capability task.Capability

	mu      sync.Mutex
	calls   map[string]int
	history []string
	execute func(t *task.Task, attempt int) *worker.Result
}

func newStubWorker(c task.Capability, execute func(t *task.Task, attempt int) *worker.Result) *stubWorker {
	return &stubWorker{capability: c, calls: make(map[string]int), execute: execute}
}

func (s *stubWorker) Capability() task.Capability { return s.capability }

func (s *stubWorker) Execute(ctx context.Context, t *task.Task, sb *sandbox.Sandbox) *worker.Result {
	s.mu.Lock()
	s.calls[t.ID]++
	attempt := s.calls[t.ID]
	s.history = append(s.history, t.ID)
	s.mu.Unlock()
	return s.execute(t, attempt)
}

func (s *stubWorker) order() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.history...)
}

func completed(t *task.Task) *worker.Result {
	return &worker.Result{TaskID: t.ID, Status: worker.StatusCompleted, Summary: "done"}
}

func failed(t *task.Task) *worker.Result {
	return &worker.Result{
		TaskID: t.ID,
		Status: worker.StatusFailed,
		Error:  &task.ErrorInfo{TaskID: t.ID, Kind: task.ErrorKindValidationFailed, Message: "rejected"},
	}
}

// passChecker accepts everything; artifact checks are covered in the
// validator package.
type passChecker struct{}

func (passChecker) Check(ctx context.Context, t *task.Task, result *worker.Result, sb *sandbox.Sandbox, changed []string) ([]validator.Finding, error) {
	return nil, nil
}

func passCheckers() map[task.Capability]validator.Checker {
	out := make(map[task.Capability]validator.Checker)
	for _, c := range task.Capabilities() {
		out[c] = passChecker{}
	}
	return out
}

type fixture struct {
	store  *state.Store
	ledger *trace.Ledger
	sb     *sandbox.Sandbox
	sup    *Supervisor
}

func newFixture(t *testing.T, plan *task.Plan, pool worker.Pool, planner Planner, opts Options) *fixture {
	t.Helper()
	sb, err := sandbox.New(config.Sandbox{AllowedCommands: []string{"ls"}}, t.TempDir(), logging.NewNop())
	require.NoError(t, err)

	ledger := trace.New("")
	require.NoError(t, ledger.Register(plan.RequirementIDs()...))

	store := state.New(plan.FeatureID, 10, 2)
	store.MergePlan(plan)

	if opts.MaxParallel == 0 {
		opts.MaxParallel = 2
	}
	if opts.TaskTimeout == 0 {
		opts.TaskTimeout = time.Minute
	}

	v := validator.New(ledger, logging.NewNop(), passCheckers())
	return &fixture{
		store:  store,
		ledger: ledger,
		sb:     sb,
		sup:    New(store, pool, v, sb, ledger, planner, logging.NewNop(), opts),
	}
}

func TestRunRespectsDependencyOrder(t *testing.T) {
	plan := &task.Plan{
		FeatureID: "feat-x",
		Tasks: []task.Task{
			{ID: "T1", Capability: task.CapabilityDatabase, RequirementIDs: []string{"REQ-1"}},
			{ID: "T2", Capability: task.CapabilityLogic, Dependencies: []string{"T1"}, RequirementIDs: []string{"REQ-2"}},
		},
	}

	db := newStubWorker(task.CapabilityDatabase, func(tk *task.Task, _ int) *worker.Result { return completed(tk) })
	logic := newStubWorker(task.CapabilityLogic, func(tk *task.Task, _ int) *worker.Result { return completed(tk) })
	pool := worker.Pool{task.CapabilityDatabase: db, task.CapabilityLogic: logic}

	f := newFixture(t, plan, pool, nil, Options{})
	report, err := f.sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusDone, report.Status)
	assert.Equal(t, []string{"T1"}, db.order())
	assert.Equal(t, []string{"T2"}, logic.order())
	assert.True(t, f.ledger.IsComplete())
	assert.Empty(t, report.UnresolvedRequirements)
}

func TestRunRetriesThenSucceeds(t *testing.T) {
	plan := &task.Plan{
		Tasks: []task.Task{
			{ID: "T1", Capability: task.CapabilityUI, RequirementIDs: []string{"REQ-1"}},
		},
	}

	ui := newStubWorker(task.CapabilityUI, func(tk *task.Task, attempt int) *worker.Result {
		if attempt == 1 {
			return failed(tk)
		}
		return completed(tk)
	})

	f := newFixture(t, plan, worker.Pool{task.CapabilityUI: ui}, nil, Options{})
	report, err := f.sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusDone, report.Status)
	require.Len(t, report.Tasks, 1)
	assert.Equal(t, 1, report.Tasks[0].Attempts)
	assert.Equal(t, task.StatusCompleted, report.Tasks[0].Status)

	// The retry attempt saw the validator's feedback.
	t1, _ := f.store.Get("T1")
	assert.Equal(t, task.StatusCompleted, t1.Status)
}

func TestRunBlocksOnBudgetExhaustion(t *testing.T) {
	plan := &task.Plan{
		Tasks: []task.Task{
			{ID: "T1", Capability: task.CapabilityUI, RequirementIDs: []string{"REQ-1"}},
		},
	}

	ui := newStubWorker(task.CapabilityUI, func(tk *task.Task, _ int) *worker.Result { return failed(tk) })

	f := newFixture(t, plan, worker.Pool{task.CapabilityUI: ui}, nil, Options{})
	report, err := f.sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusBlocked, report.Status)
	assert.Equal(t, 2, len(ui.order()), "default budget of 2 attempts")
	require.Len(t, report.Tasks, 1)
	assert.Equal(t, task.StatusBlocked, report.Tasks[0].Status)
	assert.Contains(t, report.FailedRequirements, "REQ-1")
}

func TestRunFatalOnUnattributedResult(t *testing.T) {
	plan := &task.Plan{
		Tasks: []task.Task{
			{ID: "T1", Capability: task.CapabilityUI},
		},
	}

	ui := newStubWorker(task.CapabilityUI, func(tk *task.Task, _ int) *worker.Result {
		return &worker.Result{Status: worker.StatusCompleted}
	})

	f := newFixture(t, plan, worker.Pool{task.CapabilityUI: ui}, nil, Options{})
	report, err := f.sup.Run(context.Background())

	require.ErrorIs(t, err, validator.ErrUnattributedResult)
	assert.Equal(t, StatusFatal, report.Status)
}

func TestRunStopsAtIterationBound(t *testing.T) {
	plan := &task.Plan{
		Tasks: []task.Task{
			{ID: "T1", Capability: task.CapabilityUI},
		},
	}

	ui := newStubWorker(task.CapabilityUI, func(tk *task.Task, _ int) *worker.Result { return failed(tk) })

	sb, err := sandbox.New(config.Sandbox{AllowedCommands: []string{"ls"}}, t.TempDir(), logging.NewNop())
	require.NoError(t, err)
	ledger := trace.New("")

	// Factor 1 with one task allows exactly one dispatch cycle; a large
	// retry budget cannot extend the run past the bound.
	store := state.New("feat-x", 1, 10)
	store.MergePlan(plan)

	v := validator.New(ledger, logging.NewNop(), passCheckers())
	sup := New(store, worker.Pool{task.CapabilityUI: ui}, v, sb, ledger, nil, logging.NewNop(),
		Options{MaxParallel: 1, TaskTimeout: time.Minute})

	report, err := sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusBlocked, report.Status)
	assert.Equal(t, 1, report.Iterations)
	require.Len(t, report.Tasks, 1)
	assert.Equal(t, task.StatusBlocked, report.Tasks[0].Status)
	require.NotNil(t, report.Tasks[0].LastError)
	assert.Equal(t, task.ErrorKindIterationBound, report.Tasks[0].LastError.Kind)
}

// scriptedPlanner returns a fixed revision once, then nothing.
type scriptedPlanner struct {
	plan    *task.Plan
	mu      sync.Mutex
	calls   int
	gotMsgs []state.Message
}

func (p *scriptedPlanner) Replan(ctx context.Context, featureID string, tasks []*task.Task, messages []state.Message) (*task.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.gotMsgs = messages
	if p.calls > 1 {
		return nil, nil
	}
	return p.plan, nil
}

func TestRunReplansAfterBlocked(t *testing.T) {
	plan := &task.Plan{
		Tasks: []task.Task{
			{ID: "T1", Capability: task.CapabilityUI, RequirementIDs: []string{"REQ-1"}},
		},
	}

	ui := newStubWorker(task.CapabilityUI, func(tk *task.Task, attempt int) *worker.Result {
		// T1 exhausts its budget; the revision's T2 succeeds at once.
		if tk.ID == "T1" && attempt <= 2 {
			return failed(tk)
		}
		return completed(tk)
	})

	// The revision must supersede the blocked task: blocked records not
	// redefined by a revision keep the run blocked.
	planner := &scriptedPlanner{plan: &task.Plan{Tasks: []task.Task{
		{ID: "T1", Capability: task.CapabilityUI, Description: "revised approach", RequirementIDs: []string{"REQ-1"}},
		{ID: "T2", Capability: task.CapabilityUI, RequirementIDs: []string{"REQ-2"}},
	}}}

	f := newFixture(t, plan, worker.Pool{task.CapabilityUI: ui}, planner, Options{MaxReplans: 1})
	report, err := f.sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusDone, report.Status)

	// Requirements introduced by the revision register as unknown and
	// resolve through the same gate.
	r, ok := f.ledger.Get("REQ-2")
	require.True(t, ok)
	assert.Equal(t, trace.StatusPass, r.Status)

	// The planner saw only user and validator messages.
	for _, m := range planner.gotMsgs {
		assert.Contains(t, []state.Origin{state.OriginUser, state.OriginValidator}, m.Origin)
	}
	assert.NotEmpty(t, planner.gotMsgs, "validator feedback reaches the planner")
}

func TestRunBlocksDependentsOfBlockedTasks(t *testing.T) {
	plan := &task.Plan{
		Tasks: []task.Task{
			{ID: "T1", Capability: task.CapabilityUI, RequirementIDs: []string{"REQ-1"}},
			{ID: "T2", Capability: task.CapabilityUI, Dependencies: []string{"T1"}},
		},
	}

	ui := newStubWorker(task.CapabilityUI, func(tk *task.Task, _ int) *worker.Result { return failed(tk) })

	f := newFixture(t, plan, worker.Pool{task.CapabilityUI: ui}, nil, Options{})
	report, err := f.sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusBlocked, report.Status)
	assert.Equal(t, []string{"T1", "T1"}, ui.order(), "T2 is never dispatched")
	assert.Equal(t, task.StatusBlocked, report.Tasks[1].Status)

	// T2 never ran, so its report names the blocked dependency rather
	// than a budget it never consumed.
	require.NotNil(t, report.Tasks[1].LastError)
	assert.Equal(t, task.ErrorKindDependencyBlocked, report.Tasks[1].LastError.Kind)
}

func TestRunRefreshesSnapshotAfterEachResult(t *testing.T) {
	plan := &task.Plan{
		Tasks: []task.Task{
			{ID: "T1", Capability: task.CapabilityUI, RequirementIDs: []string{"REQ-1"}},
		},
	}

	var f *fixture
	ui := newStubWorker(task.CapabilityUI, func(tk *task.Task, _ int) *worker.Result {
		p, err := f.sb.Resolve("src/Form.tsx")
		if err != nil {
			return failed(tk)
		}
		if err := f.sb.WriteFile(p, []byte("export const Form = () => null;")); err != nil {
			return failed(tk)
		}
		return failed(tk)
	})

	f = newFixture(t, plan, worker.Pool{task.CapabilityUI: ui}, nil, Options{})
	report, err := f.sup.Run(context.Background())
	require.NoError(t, err)

	// The run never reaches done, so the snapshot visible here was
	// recomputed when the worker's result came back.
	assert.Equal(t, StatusBlocked, report.Status)
	snapshot := f.store.FilesSnapshot()
	assert.Contains(t, snapshot, "src/Form.tsx")
}

func TestRunBlockedWhenRequirementsUnresolved(t *testing.T) {
	plan := &task.Plan{
		Tasks: []task.Task{
			{ID: "T1", Capability: task.CapabilityUI},
		},
	}

	ui := newStubWorker(task.CapabilityUI, func(tk *task.Task, _ int) *worker.Result { return completed(tk) })

	f := newFixture(t, plan, worker.Pool{task.CapabilityUI: ui}, nil, Options{})
	// A requirement no task claims can never resolve; done must not be
	// reported even though every task completed.
	require.NoError(t, f.ledger.Register("REQ-ORPHAN"))

	report, err := f.sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusBlocked, report.Status)
	assert.Contains(t, report.UnresolvedRequirements, "REQ-ORPHAN")
}

func TestRunParallelismCap(t *testing.T) {
	plan := &task.Plan{
		Tasks: []task.Task{
			{ID: "T1", Capability: task.CapabilityUI},
			{ID: "T2", Capability: task.CapabilityUI},
			{ID: "T3", Capability: task.CapabilityUI},
		},
	}

	var mu sync.Mutex
	running, peak := 0, 0
	ui := newStubWorker(task.CapabilityUI, func(tk *task.Task, _ int) *worker.Result {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return completed(tk)
	})

	f := newFixture(t, plan, worker.Pool{task.CapabilityUI: ui}, nil, Options{MaxParallel: 2})
	report, err := f.sup.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusDone, report.Status)
	assert.LessOrEqual(t, peak, 2)
	assert.Len(t, ui.order(), 3)
}

func TestRunMissingWorkerIsFatal(t *testing.T) {
	plan := &task.Plan{
		Tasks: []task.Task{
			{ID: "T1", Capability: task.CapabilityDeploy},
		},
	}

	f := newFixture(t, plan, worker.Pool{}, nil, Options{})
	report, err := f.sup.Run(context.Background())

	require.Error(t, err)
	assert.Equal(t, StatusFatal, report.Status)
	assert.Contains(t, err.Error(), "deploy")
}
