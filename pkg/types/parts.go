package types

import (
	"encoding/json"
	"fmt"
)

// Part is one atomic, independently persisted fragment of a message.
// Every part carries its own ID plus the session and message it belongs
// to; part IDs are strictly increasing within a session.
type Part interface {
	PartType() string
	PartID() string
}

// PartBase holds the fields shared by every part variant.
type PartBase struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

func (b PartBase) PartID() string { return b.ID }

// PartTime contains timing information for a message part.
type PartTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// TextPart represents streamed text content.
type TextPart struct {
	PartBase
	Type      string   `json:"type"` // always "text"
	Text      string   `json:"text"`
	Synthetic bool     `json:"synthetic,omitempty"`
	Time      PartTime `json:"time,omitempty"`
}

func (p *TextPart) PartType() string { return "text" }

// ReasoningPart represents extended thinking content.
type ReasoningPart struct {
	PartBase
	Type string   `json:"type"` // always "reasoning"
	Text string   `json:"text"`
	Time PartTime `json:"time,omitempty"`
}

func (p *ReasoningPart) PartType() string { return "reasoning" }

// FilePart represents a file attachment resolved into the message.
type FilePart struct {
	PartBase
	Type     string `json:"type"` // always "file"
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	URL      string `json:"url"`
	Source   string `json:"source,omitempty"`
}

func (p *FilePart) PartType() string { return "file" }

// Tool part states. A tool part only ever moves forward through
// pending -> running -> completed | error.
const (
	ToolPending   = "pending"
	ToolRunning   = "running"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// ToolPart represents one tool call and its result.
type ToolPart struct {
	PartBase
	Type   string    `json:"type"` // always "tool"
	CallID string    `json:"callID"`
	Tool   string    `json:"tool"`
	State  ToolState `json:"state"`
}

func (p *ToolPart) PartType() string { return "tool" }

// ToolState is the nested state machine payload of a tool part.
type ToolState struct {
	Status    string         `json:"status"` // pending | running | completed | error
	Input     map[string]any `json:"input,omitempty"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Compacted bool           `json:"compacted,omitempty"`
	Time      PartTime       `json:"time,omitempty"`
}

// stateRank orders tool states for forward-only transition checks.
func stateRank(status string) int {
	switch status {
	case ToolPending:
		return 0
	case ToolRunning:
		return 1
	case ToolCompleted, ToolError:
		return 2
	default:
		return -1
	}
}

// CanTransition reports whether a tool part may move to the given status.
// Terminal states never transition again.
func (s ToolState) CanTransition(status string) bool {
	from, to := stateRank(s.Status), stateRank(status)
	if from < 0 || to < 0 {
		return false
	}
	return to > from
}

// StepStartPart marks the beginning of one model inference step and
// records the filesystem snapshot taken at that point.
type StepStartPart struct {
	PartBase
	Type     string `json:"type"` // always "step-start"
	Snapshot string `json:"snapshot,omitempty"`
}

func (p *StepStartPart) PartType() string { return "step-start" }

// StepFinishPart closes one model inference step with its usage and cost.
type StepFinishPart struct {
	PartBase
	Type   string     `json:"type"` // always "step-finish"
	Reason string     `json:"reason,omitempty"`
	Cost   float64    `json:"cost"`
	Tokens TokenUsage `json:"tokens"`
}

func (p *StepFinishPart) PartType() string { return "step-finish" }

// SnapshotPart records a content-addressed working-tree reference.
type SnapshotPart struct {
	PartBase
	Type     string `json:"type"` // always "snapshot"
	Snapshot string `json:"snapshot"`
}

func (p *SnapshotPart) PartType() string { return "snapshot" }

// PatchPart lists the files changed during one step, with per-file line
// counts where blob contents were available.
type PatchPart struct {
	PartBase
	Type  string     `json:"type"` // always "patch"
	Hash  string     `json:"hash"`
	Files []string   `json:"files"`
	Diffs []FileDiff `json:"diffs,omitempty"`
}

func (p *PatchPart) PartType() string { return "patch" }

// AgentPart records a sub-agent spawned by a tool call.
type AgentPart struct {
	PartBase
	Type      string  `json:"type"` // always "agent"
	Name      string  `json:"name"`
	SubSessID *string `json:"source,omitempty"`
}

func (p *AgentPart) PartType() string { return "agent" }

// RetryPart records one retried model call attempt.
type RetryPart struct {
	PartBase
	Type    string `json:"type"` // always "retry"
	Attempt int    `json:"attempt"`
	Error   string `json:"error"`
	Created int64  `json:"created"`
}

func (p *RetryPart) PartType() string { return "retry" }

// UnmarshalPart decodes a stored part into its concrete type.
func UnmarshalPart(data []byte) (Part, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	var part Part
	switch probe.Type {
	case "text":
		part = &TextPart{}
	case "reasoning":
		part = &ReasoningPart{}
	case "file":
		part = &FilePart{}
	case "tool":
		part = &ToolPart{}
	case "step-start":
		part = &StepStartPart{}
	case "step-finish":
		part = &StepFinishPart{}
	case "snapshot":
		part = &SnapshotPart{}
	case "patch":
		part = &PatchPart{}
	case "agent":
		part = &AgentPart{}
	case "retry":
		part = &RetryPart{}
	default:
		return nil, fmt.Errorf("unknown part type %q", probe.Type)
	}

	if err := json.Unmarshal(data, part); err != nil {
		return nil, err
	}
	return part, nil
}
