package worker

import (
	"context"

	"github.com/fyrsmithlabs/crewd/internal/task"
)

// Agent abstracts the language-model capability: text and tool results in,
// text or tool calls out. The concrete provider lives outside this module.
type Agent interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Request is one agent invocation within a task's tool loop.
type Request struct {
	Capability  task.Capability `json:"capability"`
	TaskID      string          `json:"task_id"`
	Description string          `json:"description"`

	// Feedback carries the validator verdict from the previous attempt.
	Feedback string `json:"feedback,omitempty"`

	// Files is the current workspace snapshot listing.
	Files []string `json:"files,omitempty"`

	Criteria []string `json:"criteria,omitempty"`

	// Transcript accumulates prior turns and tool results.
	Transcript []Turn `json:"transcript,omitempty"`
}

// Turn is one entry in the agent conversation.
type Turn struct {
	Role    string `json:"role"` // "assistant" or "tool"
	Content string `json:"content"`

	// ToolCallID links a tool turn to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Response is the agent's output for one turn. A response with no tool calls
// is final; Text is the task summary.
type Response struct {
	Text      string     `json:"text"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     Usage      `json:"usage"`
}

// ToolCall is a structured request to execute one sandbox tool.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// Usage counts tokens for one or more agent calls.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates usage from another call.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}
