package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/codeloom-ai/codeloom/internal/event"
	"github.com/codeloom-ai/codeloom/internal/id"
	"github.com/codeloom-ai/codeloom/internal/provider"
	"github.com/codeloom-ai/codeloom/internal/storage"
	"github.com/codeloom-ai/codeloom/pkg/types"
)

const (
	// OutputMax caps how much of the context window is reserved for the
	// model's output when deciding overflow.
	OutputMax = 32000

	// PruneProtect is how many tokens of recent tool output survive a
	// prune pass untouched.
	PruneProtect = 40000
	// PruneMinimum is the smallest total worth pruning; below it the
	// pass is skipped to avoid churn.
	PruneMinimum = 20000

	// pruneProtectTurns is how many recent user turns are always kept
	// intact regardless of token counts.
	pruneProtectTurns = 2

	compactedPlaceholder = "[Old tool output removed to save context]"
)

// IsOverflow reports whether the given usage no longer fits the model's
// usable context. A model without a context limit never overflows.
func IsOverflow(usage types.TokenUsage, model provider.ModelInfo) bool {
	if model.ContextLimit == 0 {
		return false
	}
	reserved := model.OutputLimit
	if reserved > OutputMax {
		reserved = OutputMax
	}
	return usage.Total() > model.ContextLimit-reserved
}

const summarySystemPrompt = `You are summarizing a coding session so it can continue in a fresh
context. Preserve everything needed to resume seamlessly:

1. What was accomplished
2. Current work in progress
3. Files involved and their state
4. Next steps
5. Key user requests and constraints

Be concise but complete.`

const summaryUserPrompt = `Summarize our conversation above. This summary will be the only
context available when the conversation continues.`

const resumePrompt = "Continue working on the task using the summary above as context."

// compact rewrites the session's working history: everything since the
// last summary boundary is summarized into one assistant message marked
// as a summary, followed by a synthetic user message that resumes the
// task. History built afterwards starts at the new boundary.
func (e *Engine) compact(ctx context.Context, session *types.Session, agent *Agent, model *provider.Model, history []provider.ChatMessage, parentID string) error {
	now := time.Now().UnixMilli()
	e.updateSession(ctx, session, func(s *types.Session) {
		s.Time.Compacting = &now
	})
	defer e.updateSession(ctx, session, func(s *types.Session) {
		s.Time.Compacting = nil
	})

	t, err := e.newTurn(ctx, session, agent, model, parentID, summarySystemPrompt)
	if err != nil {
		return err
	}
	t.msg.IsSummary = true
	if err := t.saveMessage(ctx); err != nil {
		return err
	}

	req := &provider.Request{
		System:    summarySystemPrompt,
		Messages:  append(append([]provider.ChatMessage{}, history...), provider.ChatMessage{Role: "user", Content: summaryUserPrompt}),
		MaxTokens: 4096,
	}

	// Ancillary call: retried on its own backoff, outside the turn
	// retry budget.
	operation := func() error {
		stream, err := model.Stream(ctx, req)
		if err != nil {
			if provider.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer stream.Close()
		if err := t.consume(ctx, stream); err != nil {
			return backoff.Permanent(err)
		}
		if t.msg.Error != nil && provider.IsRetryable(t.lastErr) {
			return t.lastErr
		}
		return nil
	}
	if err := backoff.Retry(operation, newSummaryBackOff(ctx)); err != nil {
		t.finalize(ctx)
		return err
	}
	t.finalize(ctx)

	// Synthetic resume message keeps the turn loop going after the
	// boundary without user input.
	resume := &types.Message{
		ID:        id.Ascending(id.Message),
		SessionID: session.ID,
		Role:      "user",
		Agent:     agent.Name,
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if err := e.store.Put(ctx, []string{"message", session.ID, resume.ID}, resume); err != nil {
		return err
	}
	part := &types.TextPart{
		PartBase: types.PartBase{
			ID:        id.Ascending(id.Part),
			SessionID: session.ID,
			MessageID: resume.ID,
		},
		Type:      "text",
		Text:      resumePrompt,
		Synthetic: true,
	}
	if err := e.store.Put(ctx, []string{"part", resume.ID, part.ID}, part); err != nil {
		return err
	}

	e.bus.Publish(event.Event{
		Type: event.SessionCompacted,
		Data: event.SessionCompactedData{SessionID: session.ID},
	})
	return nil
}

// prune is the cheap post-turn pass: old completed tool outputs beyond
// the protect threshold are marked compacted so future history reads
// replace them with a placeholder. The two most recent user turns and
// anything past the last summary boundary are never touched.
func (e *Engine) prune(ctx context.Context, sessionID string) error {
	messages, err := e.loadMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	type candidate struct {
		messageID string
		part      *types.ToolPart
		tokens    int
	}

	var candidates []candidate
	protected := 0
	userTurns := 0

scan:
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.IsSummary {
			break scan
		}
		if msg.Role == "user" {
			userTurns++
			continue
		}

		parts, err := e.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		for j := len(parts) - 1; j >= 0; j-- {
			tp, ok := parts[j].(*types.ToolPart)
			if !ok || tp.State.Status != types.ToolCompleted || tp.State.Compacted {
				continue
			}
			tokens := estimateTokens(tp.State.Output)
			if userTurns < pruneProtectTurns || protected < PruneProtect {
				protected += tokens
				continue
			}
			candidates = append(candidates, candidate{messageID: msg.ID, part: tp, tokens: tokens})
		}
	}

	total := 0
	for _, c := range candidates {
		total += c.tokens
	}
	if total <= PruneMinimum {
		return nil
	}

	for _, c := range candidates {
		c.part.State.Compacted = true
		if err := e.store.Put(ctx, []string{"part", c.messageID, c.part.ID}, c.part); err != nil {
			log.Debug().Err(err).Str("partID", c.part.ID).Msg("prune write failed")
		}
	}
	log.Debug().Str("sessionID", sessionID).Int("parts", len(candidates)).Int("tokens", total).Msg("pruned tool outputs")
	return nil
}

// estimateTokens is a rough character-based token estimate.
func estimateTokens(text string) int {
	return len(text) / 4
}

// updateSession applies a mutation through storage's atomic
// read-modify-write and republishes the session.
func (e *Engine) updateSession(ctx context.Context, session *types.Session, mutate func(*types.Session)) {
	path := []string{"session", session.ProjectID, session.ID}
	var stored types.Session
	err := e.store.Update(ctx, path, &stored, func() {
		mutate(&stored)
		stored.Time.Updated = time.Now().UnixMilli()
	})
	if err != nil {
		if err == storage.ErrNotFound {
			mutate(session)
			session.Time.Updated = time.Now().UnixMilli()
			e.store.Put(ctx, path, session)
			return
		}
		log.Error().Err(err).Str("sessionID", session.ID).Msg("session update failed")
		return
	}
	*session = stored
	e.bus.Publish(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Info: session},
	})
}

// lastSummaryIndex returns the index of the most recent summary message,
// or -1.
func lastSummaryIndex(messages []*types.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "assistant" && messages[i].IsSummary {
			return i
		}
	}
	return -1
}

// toolOutputForHistory substitutes pruned tool output on history reads.
func toolOutputForHistory(tp *types.ToolPart) string {
	if tp.State.Compacted {
		return compactedPlaceholder
	}
	if tp.State.Status == types.ToolError {
		return "Error: " + tp.State.Error
	}
	return tp.State.Output
}
