// Package trace maintains the requirement traceability ledger: one record per
// requirement identifier mapping to implementation evidence and a
// pass/fail/unknown status. Ledger completeness is the sole gate for marking
// a run done.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrUnknownRequirement indicates a verdict referenced a requirement that was
// never registered.
var ErrUnknownRequirement = errors.New("unknown requirement")

// Status is the verification state of one requirement.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusUnknown Status = "unknown"
)

// Record maps one requirement identifier to its implementation evidence.
// EvidenceIDs reference the structured entries in the evidence artifact.
type Record struct {
	ReqID          string    `json:"req_id"`
	Implementation []string  `json:"implementation"`
	Verification   string    `json:"verification"`
	Evidence       string    `json:"evidence"`
	EvidenceIDs    []string  `json:"evidence_ids,omitempty"`
	Status         Status    `json:"status"`
	UpdatedAt      time.Time `json:"updated_at,omitempty"`
}

// Ledger is the append-register, validator-mutated record set. When a
// persistence path is configured every mutation rewrites the artifact
// atomically, so the on-disk form is valid structured data at every point in
// the run.
type Ledger struct {
	mu       sync.Mutex
	order    []string
	records  map[string]*Record
	evidence []Evidence
	path     string

	// evidencePath holds the structured evidence artifact next to the
	// trace artifact, which stays a plain record array.
	evidencePath string
}

// New creates a ledger. path is the artifact location; empty disables
// persistence (tests).
func New(path string) *Ledger {
	l := &Ledger{
		records: make(map[string]*Record),
		path:    path,
	}
	if path != "" {
		l.evidencePath = filepath.Join(filepath.Dir(path), "evidence.json")
	}
	return l
}

// Register adds unknown-status records for requirement identifiers not yet
// present. Replanning may introduce new requirements mid-run; existing
// records, including pass/fail verdicts, survive.
func (l *Ledger) Register(reqIDs ...string) error {
	l.mu.Lock()
	for _, id := range reqIDs {
		if id == "" {
			continue
		}
		if _, ok := l.records[id]; ok {
			continue
		}
		l.records[id] = &Record{ReqID: id, Status: StatusUnknown}
		l.order = append(l.order, id)
	}
	l.mu.Unlock()
	return l.save()
}

// RecordPass sets a requirement to pass with implementation and evidence
// references. Called by the validator on task completion.
func (l *Ledger) RecordPass(reqID string, implementation []string, verification, evidence string, evidenceIDs []string) error {
	return l.record(reqID, StatusPass, implementation, verification, evidence, evidenceIDs)
}

// RecordFail sets a requirement to fail. Called by the validator when the
// claiming task becomes blocked.
func (l *Ledger) RecordFail(reqID, verification, evidence string, evidenceIDs []string) error {
	return l.record(reqID, StatusFail, nil, verification, evidence, evidenceIDs)
}

func (l *Ledger) record(reqID string, status Status, implementation []string, verification, evidence string, evidenceIDs []string) error {
	l.mu.Lock()
	r, ok := l.records[reqID]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequirement, reqID)
	}
	r.Status = status
	r.Implementation = implementation
	r.Verification = verification
	r.Evidence = evidence
	r.EvidenceIDs = evidenceIDs
	r.UpdatedAt = time.Now().UTC()
	l.mu.Unlock()
	return l.save()
}

// IsComplete reports whether no requirement remains unknown. A run cannot be
// marked done while this is false.
func (l *Ledger) IsComplete() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.order {
		if l.records[id].Status == StatusUnknown {
			return false
		}
	}
	return true
}

// Unresolved returns requirement identifiers still unknown, in registration
// order.
func (l *Ledger) Unresolved() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, id := range l.order {
		if l.records[id].Status == StatusUnknown {
			out = append(out, id)
		}
	}
	return out
}

// Failed returns requirement identifiers with fail status.
func (l *Ledger) Failed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, id := range l.order {
		if l.records[id].Status == StatusFail {
			out = append(out, id)
		}
	}
	return out
}

// Records returns a copy of all records in registration order.
func (l *Ledger) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, *l.records[id])
	}
	return out
}

// Get returns a copy of one record.
func (l *Ledger) Get(reqID string) (Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.records[reqID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// save persists both artifacts atomically: write to a temp file in the same
// directory, then rename over the target. Readers never observe a partial
// write.
func (l *Ledger) save() error {
	l.mu.Lock()
	if l.path == "" {
		l.mu.Unlock()
		return nil
	}
	records := make([]Record, 0, len(l.order))
	for _, id := range l.order {
		records = append(records, *l.records[id])
	}
	evidence := make([]Evidence, 0, len(l.evidence))
	evidence = append(evidence, l.evidence...)
	path, evidencePath := l.path, l.evidencePath
	l.mu.Unlock()

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode trace artifact: %w", err)
	}
	if err := writeArtifact(path, data); err != nil {
		return err
	}

	data, err = json.MarshalIndent(evidence, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode evidence artifact: %w", err)
	}
	return writeArtifact(evidencePath, data)
}

func writeArtifact(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create trace directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".trace-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp trace file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
