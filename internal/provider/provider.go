// Package provider abstracts model providers behind a typed event
// stream. The engine consumes Stream events and never sees a provider's
// wire protocol; raw provider failures are classified into the error
// taxonomy in errors.go at this boundary and nowhere else.
package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/codeloom-ai/codeloom/pkg/types"
)

// ModelInfo describes one model's limits and pricing.
type ModelInfo struct {
	ID         string `json:"id"`
	ProviderID string `json:"providerID"`
	Name       string `json:"name"`

	// ContextLimit is the total context window in tokens; zero means the
	// model reports no limit and compaction treats it as unbounded.
	ContextLimit int `json:"contextLimit"`
	// OutputLimit is the maximum output tokens per call.
	OutputLimit int `json:"outputLimit"`

	Cost      ModelCost `json:"cost"`
	ToolCall  bool      `json:"toolCall"`
	Reasoning bool      `json:"reasoning"`
}

// ModelCost is USD per one million tokens.
type ModelCost struct {
	Input      float64 `json:"input"`
	Output     float64 `json:"output"`
	CacheRead  float64 `json:"cacheRead"`
	CacheWrite float64 `json:"cacheWrite"`
}

// Usage converts a usage sample into dollars.
func (c ModelCost) Usage(u types.TokenUsage) float64 {
	const million = 1_000_000
	return float64(u.Input)*c.Input/million +
		float64(u.Output)*c.Output/million +
		float64(u.Cache.Read)*c.CacheRead/million +
		float64(u.Cache.Write)*c.CacheWrite/million
}

// ChatMessage is one provider-agnostic history entry.
type ChatMessage struct {
	Role    string // "user" | "assistant" | "tool"
	Content string

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCallRef
	// CallID is set on tool-result messages.
	CallID string
}

// ToolCallRef references a tool call inside an assistant history entry.
type ToolCallRef struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDef describes one tool offered to the model.
type ToolDef struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema
}

// Request is one streaming completion request.
type Request struct {
	System      string
	Messages    []ChatMessage
	Tools       []ToolDef
	MaxTokens   int
	Temperature *float64
	TopP        *float64
}

// Stream yields Events for one model call. Recv returns io.EOF after the
// Finish event; any other error has already been classified.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// Provider is one configured model provider.
type Provider interface {
	ID() string
	Models() []ModelInfo
	Stream(ctx context.Context, modelID string, req *Request) (Stream, error)
}

// Model binds a provider to one of its models.
type Model struct {
	Info     ModelInfo
	provider Provider
}

// Stream starts one completion call against this model.
func (m *Model) Stream(ctx context.Context, req *Request) (Stream, error) {
	return m.provider.Stream(ctx, m.Info.ID, req)
}

// Registry resolves providers and models.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry over the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.providers[p.ID()] = p
	}
	return r
}

// Register adds a provider, replacing any with the same ID.
func (r *Registry) Register(p Provider) {
	r.providers[p.ID()] = p
}

// List returns the registered providers in unspecified order.
func (r *Registry) List() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	return out
}

// Get returns a provider by ID.
func (r *Registry) Get(providerID string) (Provider, error) {
	p, ok := r.providers[providerID]
	if !ok {
		return nil, &ModelNotFoundError{ProviderID: providerID}
	}
	return p, nil
}

// GetModel resolves a model by provider and model ID.
func (r *Registry) GetModel(providerID, modelID string) (*Model, error) {
	p, err := r.Get(providerID)
	if err != nil {
		return nil, err
	}
	for _, info := range p.Models() {
		if info.ID == modelID {
			return &Model{Info: info, provider: p}, nil
		}
	}
	return nil, &ModelNotFoundError{ProviderID: providerID, ModelID: modelID}
}

// ModelNotFoundError reports an unknown provider or model.
type ModelNotFoundError struct {
	ProviderID string
	ModelID    string
}

func (e *ModelNotFoundError) Error() string {
	if e.ModelID == "" {
		return fmt.Sprintf("provider not found: %s", e.ProviderID)
	}
	return fmt.Sprintf("model not found: %s/%s", e.ProviderID, e.ModelID)
}
