package types

import "encoding/json"

// Message is either a user or an assistant message. Message IDs are
// strictly increasing within a session; sorting by ID reconstructs the
// conversation without timestamps.
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"` // "user" | "assistant"
	Time      MessageTime `json:"time"`

	// User-specific fields
	Agent   string              `json:"agent,omitempty"`
	Model   *ModelRef           `json:"model,omitempty"`
	Summary *UserMessageSummary `json:"-"`

	// Assistant-specific fields
	ParentID   string        `json:"parentID,omitempty"` // user message that triggered this
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	Mode       string        `json:"mode,omitempty"` // agent name
	System     *string       `json:"system,omitempty"`
	Path       *MessagePath  `json:"path,omitempty"`
	IsSummary  bool          `json:"-"` // compaction summary message
	Finish     *string       `json:"finish,omitempty"`
	Cost       float64       `json:"cost"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Error      *MessageError `json:"error,omitempty"`
}

// Completed reports whether an assistant message has finished streaming.
func (m *Message) Completed() bool {
	return m.Role != "assistant" || m.Time.Completed != nil
}

// MarshalJSON writes the summary field according to role: user messages
// carry a structured summary, assistant messages a boolean flag.
func (m Message) MarshalJSON() ([]byte, error) {
	type Alias Message
	aux := struct {
		Alias
		Summary any `json:"summary,omitempty"`
	}{
		Alias: Alias(m),
	}

	if m.Role == "user" && m.Summary != nil {
		aux.Summary = m.Summary
	} else if m.Role == "assistant" && m.IsSummary {
		aux.Summary = true
	}

	return json.Marshal(aux)
}

// UnmarshalJSON mirrors MarshalJSON's role-dependent summary handling.
func (m *Message) UnmarshalJSON(data []byte) error {
	type Alias Message
	aux := struct {
		*Alias
		Summary json.RawMessage `json:"summary,omitempty"`
	}{
		Alias: (*Alias)(m),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.Summary) > 0 {
		if m.Role == "user" {
			var summary UserMessageSummary
			if err := json.Unmarshal(aux.Summary, &summary); err == nil {
				m.Summary = &summary
			}
		} else if m.Role == "assistant" {
			var isSummary bool
			if err := json.Unmarshal(aux.Summary, &isSummary); err == nil {
				m.IsSummary = isSummary
			}
		}
	}

	return nil
}

// MessagePath contains the working directory and project root at the time
// the message was produced.
type MessagePath struct {
	Cwd  string `json:"cwd"`
	Root string `json:"root"`
}

// UserMessageSummary contains summary information for a user message.
type UserMessageSummary struct {
	Title string     `json:"title,omitempty"`
	Body  string     `json:"body,omitempty"`
	Diffs []FileDiff `json:"diffs,omitempty"`
}

// MessageTime contains timestamps for a message. Completed is set exactly
// once, even when the message ends with a terminal error.
type MessageTime struct {
	Created   int64  `json:"created"`
	Updated   *int64 `json:"updated,omitempty"`
	Completed *int64 `json:"completed,omitempty"`
}

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TokenUsage contains running token totals for an assistant message.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning"`
	Cache     CacheUsage `json:"cache"`
}

// Total returns the token count relevant to context-window accounting.
func (u TokenUsage) Total() int {
	return u.Input + u.Cache.Read + u.Output
}

// Add accumulates another usage sample into the running totals.
func (u *TokenUsage) Add(other TokenUsage) {
	u.Input += other.Input
	u.Output += other.Output
	u.Reasoning += other.Reasoning
	u.Cache.Read += other.Cache.Read
	u.Cache.Write += other.Cache.Write
}

// CacheUsage contains prompt-cache hit/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// MessageError is the terminal error attached to an assistant message.
// Format: {"name": "APIError", "data": {"message": "..."}}
type MessageError struct {
	Name string           `json:"name"`
	Data MessageErrorData `json:"data"`
}

// MessageErrorData contains the error details.
type MessageErrorData struct {
	Message    string `json:"message"`
	ProviderID string `json:"providerID,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}
