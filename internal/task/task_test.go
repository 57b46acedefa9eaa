package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapability(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Capability
		wantErr bool
	}{
		{name: "ui", input: "ui", want: CapabilityUI},
		{name: "database", input: "database", want: CapabilityDatabase},
		{name: "logic", input: "logic", want: CapabilityLogic},
		{name: "deploy", input: "deploy", want: CapabilityDeploy},
		{name: "unknown", input: "frontend", wantErr: true},
		{name: "empty", input: "", wantErr: true},
		{name: "case sensitive", input: "UI", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCapability(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusBlocked.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusReady.Terminal())
	assert.False(t, StatusInProgress.Terminal())
	// Failed tasks return to pending while budget remains.
	assert.False(t, StatusFailed.Terminal())
}

func TestBudgetExhausted(t *testing.T) {
	tk := &Task{RetryBudget: 3}
	assert.False(t, tk.BudgetExhausted())
	tk.RetryCount = 2
	assert.False(t, tk.BudgetExhausted())
	tk.RetryCount = 3
	assert.True(t, tk.BudgetExhausted())
}

func TestClone(t *testing.T) {
	orig := &Task{
		ID:             "T1",
		Capability:     CapabilityLogic,
		Dependencies:   []string{"T0"},
		RequirementIDs: []string{"REQ-1"},
		LastError:      &ErrorInfo{TaskID: "T1", Kind: ErrorKindValidationFailed, Message: "bad"},
	}

	clone := orig.Clone()
	clone.Dependencies[0] = "changed"
	clone.RequirementIDs[0] = "changed"
	clone.LastError.Message = "changed"

	assert.Equal(t, "T0", orig.Dependencies[0])
	assert.Equal(t, "REQ-1", orig.RequirementIDs[0])
	assert.Equal(t, "bad", orig.LastError.Message)
}

func TestErrorInfoError(t *testing.T) {
	e := &ErrorInfo{TaskID: "T1", Kind: ErrorKindPathEscape, Message: "escape attempt"}
	assert.Contains(t, e.Error(), "path_escape")
	assert.Contains(t, e.Error(), "T1")
}
