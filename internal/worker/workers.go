package worker

import (
	"github.com/fyrsmithlabs/crewd/internal/task"
)

// UIWorker builds frontend components and pages.
type UIWorker struct{ base }

func NewUI(opts Options) *UIWorker {
	return &UIWorker{base: newBase(task.CapabilityUI, opts)}
}

// DatabaseWorker writes schema migrations and queries.
type DatabaseWorker struct{ base }

func NewDatabase(opts Options) *DatabaseWorker {
	return &DatabaseWorker{base: newBase(task.CapabilityDatabase, opts)}
}

// LogicWorker implements application and API logic.
type LogicWorker struct{ base }

func NewLogic(opts Options) *LogicWorker {
	return &LogicWorker{base: newBase(task.CapabilityLogic, opts)}
}

// Pool maps capabilities to workers. A task whose capability has no entry
// cannot be dispatched.
type Pool map[task.Capability]Worker

// Lookup returns the worker for a capability.
func (p Pool) Lookup(c task.Capability) (Worker, bool) {
	w, ok := p[c]
	return w, ok
}
