package provider

import (
	"encoding/json"

	"github.com/codeloom-ai/codeloom/pkg/types"
)

// Event is one element of a model call's event stream. The union covers
// what providers emit (text, reasoning, tool input, step boundaries) plus
// the tool execution results the orchestrator feeds back through the same
// processor. Consumers switch over the concrete types exhaustively.
type Event interface {
	event()
}

// StepStart opens one inference step.
type StepStart struct{}

// TextStart opens a text block. ID scopes the deltas that follow.
type TextStart struct {
	ID string
}

// TextDelta appends text to the open text block.
type TextDelta struct {
	ID   string
	Text string
}

// TextEnd closes the open text block.
type TextEnd struct {
	ID string
}

// ReasoningStart opens an extended-thinking block.
type ReasoningStart struct {
	ID string
}

// ReasoningDelta appends to the open reasoning block.
type ReasoningDelta struct {
	ID   string
	Text string
}

// ReasoningEnd closes the open reasoning block.
type ReasoningEnd struct {
	ID string
}

// ToolInputStart announces a tool call whose arguments are still
// streaming.
type ToolInputStart struct {
	ID   string // provider call ID
	Name string
}

// ToolInputDelta carries a fragment of the tool call's argument JSON.
type ToolInputDelta struct {
	ID    string
	Delta string
}

// ToolCall carries a tool call with fully parsed arguments.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult reports a successfully executed tool call. Synthesized by
// the orchestrator, not by providers.
type ToolResult struct {
	ID       string
	Title    string
	Output   string
	Metadata map[string]any
}

// ToolError reports a failed tool call. Synthesized by the orchestrator.
type ToolError struct {
	ID    string
	Error string
}

// StepFinish closes one inference step with the provider's declared stop
// reason and usage counts.
type StepFinish struct {
	Reason string // "stop" | "tool-calls" | "length" | ...
	Usage  types.TokenUsage
}

// Finish ends the stream.
type Finish struct {
	Reason string
}

// ErrorEvent carries a mid-stream failure. Err is already classified.
type ErrorEvent struct {
	Err error
}

func (StepStart) event()      {}
func (TextStart) event()      {}
func (TextDelta) event()      {}
func (TextEnd) event()        {}
func (ReasoningStart) event() {}
func (ReasoningDelta) event() {}
func (ReasoningEnd) event()   {}
func (ToolInputStart) event() {}
func (ToolInputDelta) event() {}
func (ToolCall) event()       {}
func (ToolResult) event()     {}
func (ToolError) event()      {}
func (StepFinish) event()     {}
func (Finish) event()         {}
func (ErrorEvent) event()     {}

// Stop reasons normalized across providers.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool-calls"
	FinishLength    = "length"
	FinishError     = "error"
	FinishAborted   = "aborted"
)
