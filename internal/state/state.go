// Package state holds the single mutable record of a crewd run: the task
// collection, the origin-tagged message log, and the iteration counter.
//
// Every task transition goes through a Store method under one lock, which is
// what enforces the single-writer-per-task rule: a task enters in_progress
// through a compare-and-set claim, so two workers can never execute the same
// task concurrently.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/crewd/internal/task"
)

// ErrUnknownTask indicates a transition referenced a task identifier that is
// not in the store.
var ErrUnknownTask = errors.New("unknown task")

// Origin tags a message with the component that produced it. Replanning
// consumes only user and validator messages; worker output is context for
// humans, never planner input.
type Origin string

const (
	OriginUser       Origin = "user"
	OriginSupervisor Origin = "supervisor"
	OriginWorker     Origin = "worker"
	OriginValidator  Origin = "validator"
)

// Message is one entry in the append-only run log.
type Message struct {
	ID      string    `json:"id"`
	Origin  Origin    `json:"origin"`
	TaskID  string    `json:"task_id,omitempty"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// TokenUsage accumulates language-model token counts across the run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Store is the process-wide mutable record for one run.
type Store struct {
	mu sync.Mutex

	runID     string
	featureID string

	order []string
	tasks map[string]*task.Task

	messages []Message

	iteration       int
	iterationFactor int

	defaultBudget int

	usage    TokenUsage
	snapshot map[string]string // workspace relpath -> content hash
}

// New creates an empty store. The iteration bound is derived from plan size
// at merge time: iterationFactor * task count.
func New(featureID string, iterationFactor, defaultBudget int) *Store {
	return &Store{
		runID:           uuid.NewString(),
		featureID:       featureID,
		tasks:           make(map[string]*task.Task),
		iterationFactor: iterationFactor,
		defaultBudget:   defaultBudget,
		snapshot:        make(map[string]string),
	}
}

// RunID returns the unique identifier for this run.
func (s *Store) RunID() string { return s.runID }

// FeatureID returns the feature this run implements.
func (s *Store) FeatureID() string { return s.featureID }

// MergePlan applies a plan to the store: tasks are updated by identifier
// preserving insertion order, new tasks append, and completed tasks are
// never reverted by replanning. Returns the identifiers of added tasks.
func (s *Store) MergePlan(p *task.Plan) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var added []string
	for i := range p.Tasks {
		incoming := p.Tasks[i].Clone()
		if incoming.RetryBudget <= 0 {
			incoming.RetryBudget = s.defaultBudget
		}

		existing, ok := s.tasks[incoming.ID]
		if !ok {
			incoming.Status = task.StatusPending
			s.tasks[incoming.ID] = incoming
			s.order = append(s.order, incoming.ID)
			added = append(added, incoming.ID)
			continue
		}
		if existing.Status == task.StatusCompleted {
			continue
		}
		// Replanning refreshes the work definition but keeps the
		// retry history of the record it replaces.
		incoming.Status = task.StatusPending
		incoming.RetryCount = existing.RetryCount
		incoming.RetryBudget = existing.RetryBudget
		incoming.Feedback = existing.Feedback
		s.tasks[incoming.ID] = incoming
	}
	return added
}

// Append adds a message to the run log and returns it.
func (s *Store) Append(origin Origin, taskID, content string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{
		ID:      uuid.NewString(),
		Origin:  origin,
		TaskID:  taskID,
		Content: content,
		At:      time.Now().UTC(),
	}
	s.messages = append(s.messages, msg)
	return msg
}

// Messages returns a copy of the full run log.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// ReplanningMessages returns only the entries replanning is allowed to
// consume: user requests and validator verdicts. This is an interface
// contract, not a heuristic on message order.
func (s *Store) ReplanningMessages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.messages {
		if m.Origin == OriginUser || m.Origin == OriginValidator {
			out = append(out, m)
		}
	}
	return out
}

// IterationBound returns the current bound: iterationFactor * task count.
// The bound scales with plan size so large plans are not truncated early.
func (s *Store) IterationBound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iterationFactor * len(s.order)
}

// Iteration returns the number of completed dispatch cycles.
func (s *Store) Iteration() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iteration
}

// BeginIteration advances the iteration counter. It returns the new counter
// value and false once the bound is reached, at which point the caller must
// terminate the run in a blocked state.
func (s *Store) BeginIteration() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bound := s.iterationFactor * len(s.order)
	if s.iteration >= bound {
		return s.iteration, false
	}
	s.iteration++
	return s.iteration, true
}

// Ready promotes every pending task whose dependencies are all completed to
// ready and returns clones of the ready set in insertion order. Tasks with a
// blocked dependency can never become ready and are left pending; they are
// reported by NonTerminal at run end.
func (s *Store) Ready() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ready []*task.Task
	for _, id := range s.order {
		t := s.tasks[id]
		if t.Status != task.StatusPending && t.Status != task.StatusReady {
			continue
		}
		if !s.depsCompleted(t) {
			continue
		}
		t.Status = task.StatusReady
		ready = append(ready, t.Clone())
	}
	return ready
}

func (s *Store) depsCompleted(t *task.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := s.tasks[dep]
		if !ok || d.Status != task.StatusCompleted {
			return false
		}
	}
	return true
}

// Claim transitions a task from ready to in_progress. It is the only path
// into in_progress; the boolean result is false when another writer already
// claimed the task or the task is not ready.
func (s *Store) Claim(id string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != task.StatusReady {
		return nil, false
	}
	t.Status = task.StatusInProgress
	t.StartedAt = time.Now().UTC()
	return t.Clone(), true
}

// MarkCompleted transitions an in_progress task to completed.
func (s *Store) MarkCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != task.StatusInProgress {
		return fmt.Errorf("task %s is %s, not in_progress", id, t.Status)
	}
	t.Status = task.StatusCompleted
	t.CompletedAt = time.Now().UTC()
	t.LastError = nil
	return nil
}

// MarkFailed records a failure against an in_progress task. The retry count
// increments; while budget remains the task returns to pending for
// redispatch, otherwise it becomes blocked (terminal). Returns true when the
// task was blocked.
func (s *Store) MarkFailed(id string, errInfo *task.ErrorInfo, feedback string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != task.StatusInProgress {
		return false, fmt.Errorf("task %s is %s, not in_progress", id, t.Status)
	}

	t.RetryCount++
	t.LastError = errInfo
	t.Feedback = feedback

	if t.BudgetExhausted() {
		t.Status = task.StatusBlocked
		t.CompletedAt = time.Now().UTC()
		return true, nil
	}
	t.Status = task.StatusPending
	return false, nil
}

// MarkBlocked forces a task terminal without consuming budget. Used when the
// run itself ends (iteration bound) for tasks that were never scheduled.
func (s *Store) MarkBlocked(id string, errInfo *task.ErrorInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status.Terminal() {
		return nil
	}
	t.Status = task.StatusBlocked
	t.LastError = errInfo
	return nil
}

// Get returns a clone of one task record.
func (s *Store) Get(id string) (*task.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Tasks returns clones of every task in insertion order.
func (s *Store) Tasks() []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*task.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.tasks[id].Clone())
	}
	return out
}

// NonTerminal returns identifiers of tasks that have not reached a terminal
// status, in insertion order. Used for end-of-run diagnostics.
func (s *Store) NonTerminal() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, id := range s.order {
		if !s.tasks[id].Status.Terminal() {
			out = append(out, id)
		}
	}
	return out
}

// AllTerminal reports whether every task is completed or blocked.
func (s *Store) AllTerminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		if !s.tasks[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// AnyBlocked reports whether any task ended blocked.
func (s *Store) AnyBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.order {
		if s.tasks[id].Status == task.StatusBlocked {
			return true
		}
	}
	return false
}

// InProgress returns identifiers of tasks currently claimed by workers.
func (s *Store) InProgress() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for _, id := range s.order {
		if s.tasks[id].Status == task.StatusInProgress {
			out = append(out, id)
		}
	}
	return out
}

// AddUsage accumulates token usage from one agent call.
func (s *Store) AddUsage(input, output int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.InputTokens += input
	s.usage.OutputTokens += output
	s.usage.TotalTokens += input + output
}

// Usage returns accumulated token usage.
func (s *Store) Usage() TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage
}

// SetFilesSnapshot replaces the workspace file snapshot.
func (s *Store) SetFilesSnapshot(snapshot map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = make(map[string]string, len(snapshot))
	for k, v := range snapshot {
		s.snapshot[k] = v
	}
}

// FilesSnapshot returns a copy of the workspace file snapshot.
func (s *Store) FilesSnapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.snapshot))
	for k, v := range s.snapshot {
		out[k] = v
	}
	return out
}
