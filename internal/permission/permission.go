package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/codeloom-ai/codeloom/internal/event"
	"github.com/codeloom-ai/codeloom/internal/id"
)

// Action is what a tool call is allowed to do once a request resolves.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Reply is a user's answer to a pending request.
type Reply string

const (
	ReplyOnce   Reply = "once"
	ReplyAlways Reply = "always"
	ReplyReject Reply = "reject"
)

// Request describes a tool invocation awaiting approval.
type Request struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	CallID    string         `json:"callID"`
	Tool      string         `json:"tool"`
	Title     string         `json:"title"`
	Patterns  []string       `json:"patterns,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Response resolves a pending request.
type Response struct {
	RequestID string `json:"requestID"`
	Reply     Reply  `json:"reply"`
}

// RejectedError is returned when the user (or configuration) denies a request.
type RejectedError struct {
	SessionID string
	Tool      string
	CallID    string
	Message   string
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permission for %s rejected", e.Tool)
}

// Service mediates tool approvals for a single app instance. Ask blocks the
// calling turn until Respond delivers a reply or the context is cancelled.
type Service struct {
	bus *event.Bus

	mu       sync.RWMutex
	always   map[string]map[string]bool // sessionID -> tool -> approved
	patterns map[string]map[string]bool // sessionID -> pattern -> approved
	pending  map[string]chan Response
}

func NewService(bus *event.Bus) *Service {
	return &Service{
		bus:      bus,
		always:   make(map[string]map[string]bool),
		patterns: make(map[string]map[string]bool),
		pending:  make(map[string]chan Response),
	}
}

// Check applies the configured action for a tool before it runs.
func (s *Service) Check(ctx context.Context, req Request, action Action) error {
	switch action {
	case ActionAllow:
		return nil
	case ActionDeny:
		return &RejectedError{
			SessionID: req.SessionID,
			Tool:      req.Tool,
			CallID:    req.CallID,
			Message:   "permission denied by configuration",
		}
	default:
		return s.Ask(ctx, req)
	}
}

// Ask publishes a permission request and blocks until it is answered.
func (s *Service) Ask(ctx context.Context, req Request) error {
	s.mu.RLock()
	if s.always[req.SessionID][req.Tool] {
		s.mu.RUnlock()
		return nil
	}
	if len(req.Patterns) > 0 {
		granted := true
		for _, p := range req.Patterns {
			if !s.patterns[req.SessionID][p] {
				granted = false
				break
			}
		}
		if granted {
			s.mu.RUnlock()
			return nil
		}
	}
	s.mu.RUnlock()

	if req.ID == "" {
		req.ID = id.Ascending(id.Permission)
	}

	resp := make(chan Response, 1)
	s.mu.Lock()
	s.pending[req.ID] = resp
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	s.bus.Publish(event.Event{
		Type: event.PermissionAsked,
		Data: event.PermissionAskedData{
			ID:        req.ID,
			SessionID: req.SessionID,
			Kind:      req.Tool,
			Pattern:   req.Patterns,
			Title:     req.Title,
		},
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r := <-resp:
		switch r.Reply {
		case ReplyOnce:
			return nil
		case ReplyAlways:
			s.approve(req.SessionID, req.Tool, req.Patterns)
			return nil
		default:
			return &RejectedError{
				SessionID: req.SessionID,
				Tool:      req.Tool,
				CallID:    req.CallID,
				Message:   "permission rejected by user",
			}
		}
	}
}

// Respond delivers a reply to a pending request. Unknown request IDs are
// ignored so late replies after an abort are harmless.
func (s *Service) Respond(requestID string, reply Reply) {
	s.mu.RLock()
	ch, ok := s.pending[requestID]
	s.mu.RUnlock()
	if ok {
		ch <- Response{RequestID: requestID, Reply: reply}
	}

	s.bus.Publish(event.Event{
		Type: event.PermissionReplied,
		Data: event.PermissionRepliedData{ID: requestID, Response: string(reply)},
	})
}

func (s *Service) approve(sessionID, tool string, patterns []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.always[sessionID] == nil {
		s.always[sessionID] = make(map[string]bool)
	}
	s.always[sessionID][tool] = true
	if len(patterns) > 0 {
		if s.patterns[sessionID] == nil {
			s.patterns[sessionID] = make(map[string]bool)
		}
		for _, p := range patterns {
			s.patterns[sessionID][p] = true
		}
	}
}

// ClearSession drops all remembered approvals for a session.
func (s *Service) ClearSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.always, sessionID)
	delete(s.patterns, sessionID)
}

// ExtractPatterns pulls pattern-like fields out of raw tool input so
// "always" approvals can be scoped to what the tool touched.
func ExtractPatterns(tool string, input []byte) []string {
	var keys []string
	switch tool {
	case "glob":
		keys = []string{"pattern"}
	case "read":
		keys = []string{"filePath"}
	default:
		keys = []string{"pattern", "filePath", "path", "command"}
	}
	var out []string
	for _, k := range keys {
		if v := gjson.GetBytes(input, k); v.Exists() && v.String() != "" {
			out = append(out, v.String())
		}
	}
	return out
}
