// Package tool provides the tool contract the engine executes against.
// Tool side effects are the tool's own concern; the engine only sequences
// execution and persists results.
package tool

import (
	"context"
	"encoding/json"
)

// Tool is one executable tool offered to the model.
type Tool interface {
	// ID returns the tool identifier as exposed to the model.
	ID() string

	// Description returns the tool description.
	Description() string

	// Parameters returns the JSON Schema for tool parameters.
	Parameters() json.RawMessage

	// Execute runs the tool. ctx carries the turn's cancellation token;
	// implementations must return promptly once it is cancelled.
	Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error)
}

// Context provides execution context to tools.
type Context struct {
	SessionID string
	MessageID string
	CallID    string
	Agent     string
	WorkDir   string
	Extra     map[string]any

	// OnMetadata pushes live title/metadata updates onto the running
	// tool part while the tool executes.
	OnMetadata func(title string, meta map[string]any)
}

// SetMetadata updates tool execution metadata.
func (c *Context) SetMetadata(title string, meta map[string]any) {
	if c.OnMetadata != nil {
		c.OnMetadata(title, meta)
	}
}

// Result is the output of a tool execution.
type Result struct {
	Title       string         `json:"title"`
	Output      string         `json:"output"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Attachments []Attachment   `json:"attachments,omitempty"`
}

// Attachment is a file produced or referenced by a tool.
type Attachment struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
}
