package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codeloom-ai/codeloom/internal/event"
	"github.com/codeloom-ai/codeloom/internal/id"
	"github.com/codeloom-ai/codeloom/internal/permission"
	"github.com/codeloom-ai/codeloom/internal/provider"
	"github.com/codeloom-ai/codeloom/internal/snapshot"
	"github.com/codeloom-ai/codeloom/internal/storage"
	"github.com/codeloom-ai/codeloom/internal/tool"
	"github.com/codeloom-ai/codeloom/pkg/types"
)

// MaxSteps bounds the tool-call loop within one turn.
const MaxSteps = 50

// Engine owns session turns. One engine exists per logical instance
// (working directory); all state is carried on the struct, never in
// package globals.
type Engine struct {
	store       *storage.Storage
	bus         *event.Bus
	locks       *Locks
	queue       *requestQueue
	providers   *provider.Registry
	tools       *tool.Registry
	permissions *permission.Service
	snapshots   *snapshot.Tracker

	defaultModel types.ModelRef
	// smallModel runs ancillary calls like titling; falls back to
	// defaultModel when unset.
	smallModel         types.ModelRef
	agents             map[string]*Agent
	compactionDisabled bool

	// mu makes "acquire or enqueue" and queue draining atomic against
	// each other, closing the race between a releasing turn and an
	// arriving prompt.
	mu sync.Mutex
}

// Options configures an Engine.
type Options struct {
	Store       *storage.Storage
	Bus         *event.Bus
	Providers   *provider.Registry
	Tools       *tool.Registry
	Permissions *permission.Service
	Snapshots   *snapshot.Tracker

	DefaultModel types.ModelRef
	SmallModel   types.ModelRef
	// Agents overrides the builtin agent definitions by name.
	Agents            map[string]*Agent
	DisableCompaction bool
}

// NewEngine creates a prompt engine.
func NewEngine(opts Options) *Engine {
	return &Engine{
		store:              opts.Store,
		bus:                opts.Bus,
		locks:              NewLocks(),
		queue:              newRequestQueue(),
		providers:          opts.Providers,
		tools:              opts.Tools,
		permissions:        opts.Permissions,
		snapshots:          opts.Snapshots,
		defaultModel:       opts.DefaultModel,
		smallModel:         opts.SmallModel,
		agents:             opts.Agents,
		compactionDisabled: opts.DisableCompaction,
	}
}

// agentByName resolves a configured agent, falling back to the builtin
// definitions.
func (e *Engine) agentByName(name string) *Agent {
	if agent, ok := e.agents[name]; ok {
		return agent
	}
	return AgentByName(name)
}

// PromptInput is one prompt request against a session.
type PromptInput struct {
	SessionID string
	Text      string
	Agent     string
	Model     *types.ModelRef
}

// PromptResult is the completed turn's final assistant message and its
// parts.
type PromptResult struct {
	Message *types.Message
	Parts   []types.Part
}

// Prompt runs one turn, or queues the request when the session is busy.
// Queued callers block until the lock holder finishes their input's
// turn and resolves them.
func (e *Engine) Prompt(ctx context.Context, input PromptInput) (*PromptResult, error) {
	session, err := e.findSession(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}

	if err := e.cleanupRevert(ctx, session); err != nil {
		log.Warn().Err(err).Str("sessionID", session.ID).Msg("revert cleanup failed")
	}

	agent := e.agentByName(input.Agent)
	modelRef := e.defaultModel
	if input.Model != nil {
		modelRef = *input.Model
	}
	model, err := e.providers.GetModel(modelRef.ProviderID, modelRef.ModelID)
	if err != nil {
		return nil, err
	}

	userMsg, err := e.persistUserMessage(ctx, session, input, modelRef)
	if err != nil {
		return nil, err
	}

	e.ensureTitle(ctx, session, input.Text)

	e.mu.Lock()
	if e.locks.IsLocked(session.ID) {
		entry := &queued{
			messageID: userMsg.ID,
			input:     input,
			done:      make(chan queueResult, 1),
		}
		e.queue.push(session.ID, entry)
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-entry.done:
			return res.result, res.err
		}
	}

	hold, err := e.locks.Acquire(ctx, session.ID)
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return e.run(hold, session, agent, model, userMsg.ID)
}

// Abort cancels a session's in-flight turn. The turn's own cleanup
// releases the lock and drains the queue.
func (e *Engine) Abort(sessionID string) bool {
	return e.locks.Abort(sessionID)
}

// IsBusy reports whether a turn is running for the session.
func (e *Engine) IsBusy(sessionID string) bool {
	return e.locks.IsLocked(sessionID)
}

// Shutdown force-cancels every in-flight turn.
func (e *Engine) Shutdown() {
	e.locks.Shutdown()
}

// run is the lock holder's outer loop: turns keep running while queued
// input raced in mid-turn; then the queue is resolved, the lock
// released and post-turn housekeeping done.
func (e *Engine) run(hold *Hold, session *types.Session, agent *Agent, model *provider.Model, parentID string) (*PromptResult, error) {
	ctx := hold.Ctx

	var result *PromptResult
	var err error
	for {
		result, err = e.runTurn(ctx, session, agent, model, parentID)

		e.mu.Lock()
		newest := e.queue.peekNewest(session.ID)
		if err == nil && result != nil && newest != nil && newest.messageID > result.Message.ID {
			// New input arrived after this turn read its history; keep
			// the lock and give it a turn of its own, under its own
			// agent and model.
			e.mu.Unlock()
			parentID = newest.messageID
			agent = e.agentByName(newest.input.Agent)
			if newest.input.Model != nil {
				m, merr := e.providers.GetModel(newest.input.Model.ProviderID, newest.input.Model.ModelID)
				if merr != nil {
					log.Warn().Err(merr).Msg("queued model unavailable, keeping current model")
				} else {
					model = m
				}
			}
			continue
		}
		entries := e.queue.take(session.ID)
		hold.Release()
		e.mu.Unlock()

		for _, entry := range entries {
			entry.done <- queueResult{result: result, err: err}
		}
		break
	}

	// Post-turn housekeeping runs outside the lock and never fails the
	// turn.
	cleanupCtx := context.Background()
	if pruneErr := e.prune(cleanupCtx, session.ID); pruneErr != nil {
		log.Debug().Err(pruneErr).Str("sessionID", session.ID).Msg("prune failed")
	}
	if session.ParentID == nil {
		e.bus.Publish(event.Event{
			Type: event.SessionIdle,
			Data: event.SessionIdleData{SessionID: session.ID},
		})
	}

	return result, err
}

// runTurn executes one turn: model calls and tool executions repeat
// until the model stops asking for tools, the step budget runs out, or
// the turn fails or is aborted.
func (e *Engine) runTurn(ctx context.Context, session *types.Session, agent *Agent, model *provider.Model, parentID string) (*PromptResult, error) {
	system := NewSystemPrompt(session, agent, model.Info.ProviderID, model.Info.ID).Build()

	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxSteps
	}

	var t *turn
	for step := 0; step < maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			if t != nil {
				t.fail(ctx, provider.ErrAborted)
				t.finalize(context.Background())
			}
			return e.resultOf(t), provider.ErrAborted
		}

		history, usage, err := e.buildHistory(ctx, session)
		if err != nil {
			return e.resultOf(t), err
		}

		if !e.compactionDisabled && IsOverflow(usage, model.Info) {
			if err := e.compact(ctx, session, agent, model, history, parentID); err != nil {
				log.Warn().Err(err).Str("sessionID", session.ID).Msg("compaction failed, continuing with full history")
			} else {
				history, _, err = e.buildHistory(ctx, session)
				if err != nil {
					return e.resultOf(t), err
				}
			}
		}

		t, err = e.newTurn(ctx, session, agent, model, parentID, system)
		if err != nil {
			return nil, err
		}

		req := &provider.Request{
			System:      system,
			Messages:    history,
			Tools:       e.toolDefs(agent, model),
			MaxTokens:   model.Info.OutputLimit,
			Temperature: agent.Temperature,
			TopP:        agent.TopP,
		}

		if err := e.streamWithRetries(ctx, t, model, req); err != nil {
			t.finalize(context.Background())
			return e.resultOf(t), err
		}

		if t.msg.Error == nil && t.finish == provider.FinishToolCalls && len(t.runningTools()) > 0 {
			t.executeTools(ctx)
			t.finalize(ctx)
			if t.blocked {
				// Permission rejection ends the turn quietly.
				return e.resultOf(t), nil
			}
			continue
		}

		t.finalize(ctx)
		return e.resultOf(t), nil
	}

	if t != nil && t.msg.Error == nil {
		t.fail(ctx, fmt.Errorf("maximum steps reached (%d)", maxSteps))
		t.finalize(ctx)
	}
	return e.resultOf(t), nil
}

// streamWithRetries issues one model call, re-issuing it per the retry
// policy while the processor signals shouldRetry.
func (e *Engine) streamWithRetries(ctx context.Context, t *turn, model *provider.Model, req *provider.Request) error {
	for {
		stream, err := model.Stream(ctx, req)
		if err != nil {
			t.streamError(ctx, err)
		} else {
			err = t.consume(ctx, stream)
			stream.Close()
			if err != nil {
				return err
			}
		}

		if !t.shouldRetry {
			return nil
		}

		delay := Delay(t.lastErr, t.attempt)
		log.Info().Int("attempt", t.attempt).Dur("delay", delay).Msg("retrying model call")
		if err := sleepCtx(ctx, delay); err != nil {
			t.shouldRetry = false
			t.fail(ctx, provider.ErrAborted)
			return provider.ErrAborted
		}
	}
}

func (e *Engine) resultOf(t *turn) *PromptResult {
	if t == nil {
		return nil
	}
	return &PromptResult{Message: t.msg, Parts: t.parts}
}

// persistUserMessage writes the prompt's user message and text part.
func (e *Engine) persistUserMessage(ctx context.Context, session *types.Session, input PromptInput, modelRef types.ModelRef) (*types.Message, error) {
	msg := &types.Message{
		ID:        id.Ascending(id.Message),
		SessionID: session.ID,
		Role:      "user",
		Agent:     input.Agent,
		Model:     &modelRef,
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if err := e.store.Put(ctx, []string{"message", session.ID, msg.ID}, msg); err != nil {
		return nil, err
	}

	part := &types.TextPart{
		PartBase: types.PartBase{
			ID:        id.Ascending(id.Part),
			SessionID: session.ID,
			MessageID: msg.ID,
		},
		Type: "text",
		Text: input.Text,
	}
	if err := e.store.Put(ctx, []string{"part", msg.ID, part.ID}, part); err != nil {
		return nil, err
	}

	e.bus.Publish(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{Info: msg},
	})
	e.bus.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: part},
	})
	return msg, nil
}

// cleanupRevert applies a pending revert before a new turn: messages
// past the revert point are removed and the working tree restored to
// the revert snapshot.
func (e *Engine) cleanupRevert(ctx context.Context, session *types.Session) error {
	if session.Revert == nil {
		return nil
	}
	revert := session.Revert

	messages, err := e.loadMessages(ctx, session.ID)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if msg.ID <= revert.MessageID {
			continue
		}
		keys, _ := e.store.List(ctx, []string{"part", msg.ID})
		for _, key := range keys {
			e.store.Delete(ctx, []string{"part", msg.ID, key})
		}
		if err := e.store.Delete(ctx, []string{"message", session.ID, msg.ID}); err == nil {
			e.bus.Publish(event.Event{
				Type: event.MessageRemoved,
				Data: event.MessageRemovedData{SessionID: session.ID, MessageID: msg.ID},
			})
		}
	}

	if revert.Snapshot != nil && e.snapshots != nil {
		if err := e.snapshots.Restore(ctx, *revert.Snapshot); err != nil {
			log.Warn().Err(err).Msg("snapshot restore failed during revert cleanup")
		}
	}

	e.updateSession(ctx, session, func(s *types.Session) {
		s.Revert = nil
	})
	return nil
}

// buildHistory converts the session's working history (since the last
// summary boundary) into provider chat messages. The returned usage is
// the newest completed assistant message's token totals, which is what
// the overflow check measures against the context window.
func (e *Engine) buildHistory(ctx context.Context, session *types.Session) ([]provider.ChatMessage, types.TokenUsage, error) {
	messages, err := e.loadMessages(ctx, session.ID)
	if err != nil {
		return nil, types.TokenUsage{}, err
	}
	if idx := lastSummaryIndex(messages); idx >= 0 {
		messages = messages[idx:]
	}

	var usage types.TokenUsage
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == "assistant" && m.Completed() && m.Tokens != nil {
			usage = *m.Tokens
			break
		}
	}

	var history []provider.ChatMessage
	for _, msg := range messages {
		parts, err := e.loadParts(ctx, msg.ID)
		if err != nil || len(parts) == 0 {
			// Errored turns without content add nothing to the model's
			// view.
			continue
		}
		history = append(history, convertMessage(msg, parts)...)
	}
	return history, usage, nil
}

// convertMessage flattens one stored message into chat entries: an
// assistant message with tool calls yields one assistant entry plus one
// tool entry per terminal tool part.
func convertMessage(msg *types.Message, parts []types.Part) []provider.ChatMessage {
	var content string
	var toolCalls []provider.ToolCallRef
	var toolResults []provider.ChatMessage

	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			content += pt.Text
		case *types.ToolPart:
			if msg.Role != "assistant" {
				continue
			}
			args, _ := json.Marshal(pt.State.Input)
			toolCalls = append(toolCalls, provider.ToolCallRef{
				ID:        pt.CallID,
				Name:      pt.Tool,
				Arguments: string(args),
			})
			if pt.State.Status == types.ToolCompleted || pt.State.Status == types.ToolError {
				toolResults = append(toolResults, provider.ChatMessage{
					Role:    "tool",
					CallID:  pt.CallID,
					Content: toolOutputForHistory(pt),
				})
			}
		}
	}

	if content == "" && len(toolCalls) == 0 {
		return nil
	}

	out := []provider.ChatMessage{{
		Role:      msg.Role,
		Content:   content,
		ToolCalls: toolCalls,
	}}
	return append(out, toolResults...)
}

// toolDefs lists the tool definitions offered to the model.
func (e *Engine) toolDefs(agent *Agent, model *provider.Model) []provider.ToolDef {
	if !model.Info.ToolCall {
		return nil
	}
	var defs []provider.ToolDef
	for _, t := range e.tools.List() {
		if !agent.ToolEnabled(t.ID()) {
			continue
		}
		defs = append(defs, provider.ToolDef{
			Name:        t.ID(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// findSession locates a session by ID across projects.
func (e *Engine) findSession(ctx context.Context, sessionID string) (*types.Session, error) {
	projects, err := e.store.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}
	for _, projectID := range projects {
		var session types.Session
		if err := e.store.Get(ctx, []string{"session", projectID, sessionID}, &session); err == nil {
			return &session, nil
		}
	}
	return nil, fmt.Errorf("session not found: %s", sessionID)
}

// loadMessages returns a session's messages in ID (creation) order.
func (e *Engine) loadMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := e.store.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

// loadParts returns a message's parts in ID order.
func (e *Engine) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := e.store.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}
