package trace

import (
	"time"

	"github.com/google/uuid"
)

// EvidenceType categorizes one piece of verification evidence.
type EvidenceType string

const (
	// EvidenceCommand is the outcome of an allow-listed command run.
	EvidenceCommand EvidenceType = "command"

	// EvidenceFile is a workspace file produced for the requirement.
	EvidenceFile EvidenceType = "file"

	// EvidenceURL is an externally checkable address, such as a deployment.
	EvidenceURL EvidenceType = "url"
)

// Evidence is one verification artifact backing a requirement verdict.
// Workers surface evidence through their result artifacts; the validator
// materializes those into ledger entries, keeping the ledger single-writer.
type Evidence struct {
	ID            string       `json:"id"`
	Type          EvidenceType `json:"type"`
	RequirementID string       `json:"requirement_id"`
	Command       string       `json:"command,omitempty"`
	OutputPath    string       `json:"output_path,omitempty"`
	Detail        string       `json:"detail,omitempty"`
	Status        Status       `json:"status"`
	CreatedAt     time.Time    `json:"created_at"`
}

// AppendEvidence stores one evidence entry, assigning its identifier and
// timestamp when unset, and returns the identifier for the trace record to
// reference.
func (l *Ledger) AppendEvidence(e Evidence) (string, error) {
	l.mu.Lock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	l.evidence = append(l.evidence, e)
	id := e.ID
	l.mu.Unlock()
	return id, l.save()
}

// EvidenceFor returns evidence entries for one requirement, append order.
func (l *Ledger) EvidenceFor(reqID string) []Evidence {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Evidence
	for _, e := range l.evidence {
		if e.RequirementID == reqID {
			out = append(out, e)
		}
	}
	return out
}

// EvidenceRecords returns a copy of every evidence entry.
func (l *Ledger) EvidenceRecords() []Evidence {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Evidence(nil), l.evidence...)
}
