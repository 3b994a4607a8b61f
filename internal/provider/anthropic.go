package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/codeloom-ai/codeloom/pkg/types"
)

// Anthropic is the Claude provider.
type Anthropic struct {
	client anthropic.Client
	models []ModelInfo
}

// NewAnthropic creates the Anthropic provider with the given API key.
// An empty baseURL uses the SDK default endpoint.
func NewAnthropic(apiKey, baseURL string) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Anthropic{
		client: anthropic.NewClient(opts...),
		models: anthropicModels,
	}
}

var anthropicModels = []ModelInfo{
	{
		ID:           "claude-sonnet-4-20250514",
		ProviderID:   "anthropic",
		Name:         "Claude Sonnet 4",
		ContextLimit: 200_000,
		OutputLimit:  64_000,
		Cost:         ModelCost{Input: 3, Output: 15, CacheRead: 0.3, CacheWrite: 3.75},
		ToolCall:     true,
		Reasoning:    true,
	},
	{
		ID:           "claude-opus-4-20250514",
		ProviderID:   "anthropic",
		Name:         "Claude Opus 4",
		ContextLimit: 200_000,
		OutputLimit:  32_000,
		Cost:         ModelCost{Input: 15, Output: 75, CacheRead: 1.5, CacheWrite: 18.75},
		ToolCall:     true,
		Reasoning:    true,
	},
	{
		ID:           "claude-3-5-haiku-20241022",
		ProviderID:   "anthropic",
		Name:         "Claude Haiku 3.5",
		ContextLimit: 200_000,
		OutputLimit:  8_192,
		Cost:         ModelCost{Input: 0.8, Output: 4, CacheRead: 0.08, CacheWrite: 1},
		ToolCall:     true,
	},
}

func (a *Anthropic) ID() string          { return "anthropic" }
func (a *Anthropic) Models() []ModelInfo { return a.models }

// Stream starts one streaming message call and adapts the Anthropic SSE
// events to the engine's event vocabulary.
func (a *Anthropic) Stream(ctx context.Context, modelID string, req *Request) (Stream, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelID),
		MaxTokens: int64(req.MaxTokens),
		Messages:  buildAnthropicHistory(req.Messages),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Tools) > 0 {
		params.Tools = buildAnthropicTools(req.Tools)
	}

	sse := a.client.Messages.NewStreaming(ctx, params)
	if err := sse.Err(); err != nil {
		return nil, classifyAnthropic(ctx, err)
	}

	return &anthropicStream{ctx: ctx, sse: sse, blocks: make(map[int64]*blockState)}, nil
}

func buildAnthropicHistory(messages []ChatMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.CallID, msg.Content, false),
			))
		case "assistant":
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out
}

func buildAnthropicTools(tools []ToolDef) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema struct {
			Properties any      `json:"properties"`
			Required   []string `json:"required"`
		}
		_ = json.Unmarshal(t.Parameters, &schema)

		out = append(out, anthropic.ToolUnionParam{OfTool: &anthropic.ToolParam{
			Name:        t.Name,
			Description: anthropic.String(t.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema.Properties,
				Required:   schema.Required,
			},
		}})
	}
	return out
}

// blockState tracks one streamed content block by index.
type blockState struct {
	kind  string // "text" | "reasoning" | "tool"
	id    string
	name  string
	input string
}

type anthropicStream struct {
	ctx    context.Context
	sse    *ssestream.Stream[anthropic.MessageStreamEventUnion]
	queue  []Event
	blocks map[int64]*blockState
	usage  types.TokenUsage
	reason string
	done   bool
}

func (s *anthropicStream) Recv() (Event, error) {
	for {
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}
		if err := s.ctx.Err(); err != nil {
			return nil, ErrAborted
		}

		if !s.sse.Next() {
			if err := s.sse.Err(); err != nil {
				return nil, classifyAnthropic(s.ctx, err)
			}
			// Stream ended without message_stop.
			s.done = true
			s.queue = append(s.queue, s.finishEvents()...)
			continue
		}

		s.translate(s.sse.Current())
	}
}

func (s *anthropicStream) translate(ev anthropic.MessageStreamEventUnion) {
	switch ev.Type {
	case "message_start":
		s.usage.Input = int(ev.Message.Usage.InputTokens)
		s.usage.Cache.Read = int(ev.Message.Usage.CacheReadInputTokens)
		s.usage.Cache.Write = int(ev.Message.Usage.CacheCreationInputTokens)
		s.queue = append(s.queue, StepStart{})

	case "content_block_start":
		block := &blockState{}
		switch ev.ContentBlock.Type {
		case "tool_use":
			block.kind = "tool"
			block.id = ev.ContentBlock.ID
			block.name = ev.ContentBlock.Name
			s.queue = append(s.queue, ToolInputStart{ID: block.id, Name: block.name})
		case "thinking":
			block.kind = "reasoning"
			block.id = blockID(ev.Index)
			s.queue = append(s.queue, ReasoningStart{ID: block.id})
		default:
			block.kind = "text"
			block.id = blockID(ev.Index)
			s.queue = append(s.queue, TextStart{ID: block.id})
		}
		s.blocks[ev.Index] = block

	case "content_block_delta":
		block, ok := s.blocks[ev.Index]
		if !ok {
			return
		}
		switch ev.Delta.Type {
		case "text_delta":
			s.queue = append(s.queue, TextDelta{ID: block.id, Text: ev.Delta.Text})
		case "thinking_delta":
			s.queue = append(s.queue, ReasoningDelta{ID: block.id, Text: ev.Delta.Thinking})
		case "input_json_delta":
			block.input += ev.Delta.PartialJSON
			s.queue = append(s.queue, ToolInputDelta{ID: block.id, Delta: ev.Delta.PartialJSON})
		}

	case "content_block_stop":
		block, ok := s.blocks[ev.Index]
		if !ok {
			return
		}
		switch block.kind {
		case "tool":
			input := block.input
			if input == "" {
				input = "{}"
			}
			s.queue = append(s.queue, ToolCall{ID: block.id, Name: block.name, Input: json.RawMessage(input)})
		case "reasoning":
			s.queue = append(s.queue, ReasoningEnd{ID: block.id})
		default:
			s.queue = append(s.queue, TextEnd{ID: block.id})
		}

	case "message_delta":
		s.reason = normalizeStopReason(string(ev.Delta.StopReason))
		s.usage.Output = int(ev.Usage.OutputTokens)

	case "message_stop":
		s.done = true
		s.queue = append(s.queue, s.finishEvents()...)
	}
}

func (s *anthropicStream) finishEvents() []Event {
	reason := s.reason
	if reason == "" {
		reason = FinishStop
	}
	return []Event{
		StepFinish{Reason: reason, Usage: s.usage},
		Finish{Reason: reason},
	}
}

func (s *anthropicStream) Close() error {
	return s.sse.Close()
}

func blockID(index int64) string {
	return fmt.Sprintf("blk_%d", index)
}

func normalizeStopReason(reason string) string {
	switch reason {
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	case "end_turn", "stop_sequence":
		return FinishStop
	default:
		return FinishStop
	}
}

// classifyAnthropic maps raw SDK failures into the engine taxonomy.
func classifyAnthropic(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ErrAborted
	}

	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		headers := map[string]string{}
		if apierr.Response != nil {
			for key := range apierr.Response.Header {
				headers[key] = apierr.Response.Header.Get(key)
			}
		}
		switch apierr.StatusCode {
		case 401, 403:
			return &AuthError{ProviderID: "anthropic", Message: err.Error()}
		}
		return NewAPIError(apierr.StatusCode, err.Error(), headers)
	}

	return err
}
