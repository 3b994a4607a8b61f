package event

import "github.com/codeloom-ai/codeloom/pkg/types"

// SessionUpdatedData is the payload for session.updated events.
type SessionUpdatedData struct {
	Info *types.Session `json:"info"`
}

// SessionDeletedData is the payload for session.deleted events.
type SessionDeletedData struct {
	Info *types.Session `json:"info"`
}

// SessionIdleData is the payload for session.idle events, published when
// a turn finishes and no parent session is waiting on the result.
type SessionIdleData struct {
	SessionID string `json:"sessionID"`
}

// SessionErrorData is the payload for session.error events.
type SessionErrorData struct {
	SessionID string              `json:"sessionID,omitempty"`
	Error     *types.MessageError `json:"error,omitempty"`
}

// SessionCompactedData is the payload for session.compacted events.
type SessionCompactedData struct {
	SessionID string `json:"sessionID"`
}

// MessageUpdatedData is the payload for message.updated events.
type MessageUpdatedData struct {
	Info *types.Message `json:"info"`
}

// MessageRemovedData is the payload for message.removed events.
type MessageRemovedData struct {
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
}

// MessagePartUpdatedData is the payload for message.part.updated events.
// Delta carries the streaming text increment when present.
type MessagePartUpdatedData struct {
	Part  types.Part `json:"part"`
	Delta string     `json:"delta,omitempty"`
}

// FileEditedData is the payload for file.edited events.
type FileEditedData struct {
	File string `json:"file"`
}

// PermissionAskedData is the payload for permission.asked events.
type PermissionAskedData struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	Kind      string   `json:"kind"`
	Pattern   []string `json:"pattern,omitempty"`
	Title     string   `json:"title"`
}

// PermissionRepliedData is the payload for permission.replied events.
type PermissionRepliedData struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Response  string `json:"response"` // "once" | "always" | "reject"
}
