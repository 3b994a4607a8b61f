package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codeloom-ai/codeloom/internal/event"
	"github.com/codeloom-ai/codeloom/internal/id"
	"github.com/codeloom-ai/codeloom/internal/provider"
	"github.com/codeloom-ai/codeloom/pkg/types"
)

// turn materializes one assistant message from a model call's event
// stream. The same turn is reused across retries of the call; tool
// results executed by the orchestrator are fed back through handle so
// every part mutation flows through one place.
type turn struct {
	engine *Engine

	session *types.Session
	agent   *Agent
	model   *provider.Model

	msg   *types.Message
	parts []types.Part

	// Open streaming blocks, keyed by the provider's block id.
	text      map[string]*types.TextPart
	reasoning map[string]*types.ReasoningPart
	// Tool parts keyed by call ID; argument JSON accumulates separately
	// until the tool-call event delivers the parsed payload.
	tools     map[string]*types.ToolPart
	toolInput map[string]*strings.Builder

	snapshotRef string
	stepUsage   types.TokenUsage

	attempt     int
	shouldRetry bool
	lastErr     error
	blocked     bool
	finish      string
}

// newTurn creates and persists the assistant message for one turn step.
func (e *Engine) newTurn(ctx context.Context, session *types.Session, agent *Agent, model *provider.Model, parentID string, system string) (*turn, error) {
	now := time.Now().UnixMilli()
	msg := &types.Message{
		ID:         id.Ascending(id.Message),
		SessionID:  session.ID,
		Role:       "assistant",
		ParentID:   parentID,
		ProviderID: model.Info.ProviderID,
		ModelID:    model.Info.ID,
		Mode:       agent.Name,
		System:     &system,
		Path: &types.MessagePath{
			Cwd:  session.Directory,
			Root: session.Directory,
		},
		Tokens: &types.TokenUsage{},
		Time:   types.MessageTime{Created: now},
	}

	t := &turn{
		engine:    e,
		session:   session,
		agent:     agent,
		model:     model,
		msg:       msg,
		text:      make(map[string]*types.TextPart),
		reasoning: make(map[string]*types.ReasoningPart),
		tools:     make(map[string]*types.ToolPart),
		toolInput: make(map[string]*strings.Builder),
	}

	if err := t.saveMessage(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

// consume drains one model stream into the turn. Terminal failures are
// recorded on the assistant message, not returned; the returned error is
// reserved for cancellation.
func (t *turn) consume(ctx context.Context, stream provider.Stream) error {
	t.shouldRetry = false
	t.finish = ""

	for {
		if err := ctx.Err(); err != nil {
			t.fail(ctx, provider.ErrAborted)
			return provider.ErrAborted
		}

		ev, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			t.streamError(ctx, err)
			return nil
		}

		t.handle(ctx, ev)
		if t.finish != "" || t.shouldRetry {
			return nil
		}
	}
}

// handle applies one stream event to the turn's state.
func (t *turn) handle(ctx context.Context, ev provider.Event) {
	now := time.Now().UnixMilli()

	switch e := ev.(type) {
	case provider.StepStart:
		t.startStep(ctx)

	case provider.TextStart:
		// A reused block ID means a retried call superseded the previous
		// attempt's block; close it so it never stays open.
		if prev, ok := t.text[e.ID]; ok {
			prev.Text = strings.TrimRight(prev.Text, " \t\n\r")
			prev.Time.End = &now
			t.savePart(ctx, prev, "")
		}
		part := &types.TextPart{
			PartBase: t.newPartBase(),
			Type:     "text",
			Time:     types.PartTime{Start: &now},
		}
		t.text[e.ID] = part
		t.addPart(ctx, part, "")

	case provider.TextDelta:
		part, ok := t.text[e.ID]
		if !ok {
			return
		}
		part.Text += e.Text
		t.savePart(ctx, part, e.Text)

	case provider.TextEnd:
		part, ok := t.text[e.ID]
		if !ok {
			return
		}
		part.Text = strings.TrimRight(part.Text, " \t\n\r")
		part.Time.End = &now
		t.savePart(ctx, part, "")
		delete(t.text, e.ID)

	case provider.ReasoningStart:
		if prev, ok := t.reasoning[e.ID]; ok {
			prev.Text = strings.TrimRight(prev.Text, " \t\n\r")
			prev.Time.End = &now
			t.savePart(ctx, prev, "")
		}
		part := &types.ReasoningPart{
			PartBase: t.newPartBase(),
			Type:     "reasoning",
			Time:     types.PartTime{Start: &now},
		}
		t.reasoning[e.ID] = part
		t.addPart(ctx, part, "")

	case provider.ReasoningDelta:
		part, ok := t.reasoning[e.ID]
		if !ok {
			return
		}
		part.Text += e.Text
		t.savePart(ctx, part, e.Text)

	case provider.ReasoningEnd:
		part, ok := t.reasoning[e.ID]
		if !ok {
			return
		}
		part.Text = strings.TrimRight(part.Text, " \t\n\r")
		part.Time.End = &now
		t.savePart(ctx, part, "")
		delete(t.reasoning, e.ID)

	case provider.ToolInputStart:
		if _, ok := t.tools[e.ID]; ok {
			return
		}
		part := &types.ToolPart{
			PartBase: t.newPartBase(),
			Type:     "tool",
			CallID:   e.ID,
			Tool:     e.Name,
			State: types.ToolState{
				Status: types.ToolPending,
				Time:   types.PartTime{Start: &now},
			},
		}
		t.tools[e.ID] = part
		t.toolInput[e.ID] = &strings.Builder{}
		t.addPart(ctx, part, "")

	case provider.ToolInputDelta:
		if buf, ok := t.toolInput[e.ID]; ok {
			buf.WriteString(e.Delta)
		}

	case provider.ToolCall:
		part, ok := t.tools[e.ID]
		if !ok {
			// Provider skipped the input-start announcement; tolerate it.
			part = &types.ToolPart{
				PartBase: t.newPartBase(),
				Type:     "tool",
				CallID:   e.ID,
				Tool:     e.Name,
				State: types.ToolState{
					Status: types.ToolPending,
					Time:   types.PartTime{Start: &now},
				},
			}
			t.tools[e.ID] = part
			t.parts = append(t.parts, part)
		}
		if !part.State.CanTransition(types.ToolRunning) {
			log.Debug().Str("callID", e.ID).Str("status", part.State.Status).Msg("dropping tool-call for non-pending part")
			return
		}
		var input map[string]any
		if err := json.Unmarshal(e.Input, &input); err != nil {
			input = map[string]any{}
		}
		part.State.Status = types.ToolRunning
		part.State.Input = input
		t.savePart(ctx, part, "")

	case provider.ToolResult:
		part, ok := t.tools[e.ID]
		if !ok || part.State.Status != types.ToolRunning {
			log.Debug().Str("callID", e.ID).Msg("dropping tool-result without running part")
			return
		}
		part.State.Status = types.ToolCompleted
		part.State.Output = e.Output
		part.State.Title = e.Title
		if e.Metadata != nil {
			if part.State.Metadata == nil {
				part.State.Metadata = make(map[string]any)
			}
			for k, v := range e.Metadata {
				part.State.Metadata[k] = v
			}
		}
		part.State.Time.End = &now
		t.savePart(ctx, part, "")

	case provider.ToolError:
		part, ok := t.tools[e.ID]
		if !ok || !part.State.CanTransition(types.ToolError) {
			log.Debug().Str("callID", e.ID).Msg("dropping tool-error without active part")
			return
		}
		part.State.Status = types.ToolError
		part.State.Error = e.Error
		part.State.Time.End = &now
		t.savePart(ctx, part, "")

	case provider.StepFinish:
		t.finishStep(ctx, e)

	case provider.Finish:
		t.finish = e.Reason
		if e.Reason == provider.FinishLength {
			t.fail(ctx, &provider.OutputLengthError{})
		}

	case provider.ErrorEvent:
		t.streamError(ctx, e.Err)
	}
}

// startStep snapshots the working tree and emits a step-start part.
func (t *turn) startStep(ctx context.Context) {
	t.stepUsage = types.TokenUsage{}
	t.snapshotRef = ""
	if t.engine.snapshots != nil {
		ref, err := t.engine.snapshots.Track(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("snapshot failed, continuing without")
		} else {
			t.snapshotRef = ref
		}
	}

	part := &types.StepStartPart{
		PartBase: t.newPartBase(),
		Type:     "step-start",
		Snapshot: t.snapshotRef,
	}
	t.addPart(ctx, part, "")
}

// finishStep folds the step's usage into the message totals and emits
// step-finish plus, when the snapshot diverged, a patch part.
func (t *turn) finishStep(ctx context.Context, e provider.StepFinish) {
	t.stepUsage.Add(e.Usage)
	t.msg.Tokens.Add(e.Usage)
	cost := t.model.Info.Cost.Usage(e.Usage)
	t.msg.Cost += cost

	part := &types.StepFinishPart{
		PartBase: t.newPartBase(),
		Type:     "step-finish",
		Reason:   e.Reason,
		Cost:     cost,
		Tokens:   e.Usage,
	}
	t.addPart(ctx, part, "")
	t.saveMessage(ctx)

	if t.snapshotRef == "" || t.engine.snapshots == nil {
		return
	}
	diffed, err := t.engine.snapshots.Diff(ctx, t.snapshotRef)
	if err != nil || len(diffed.Files) == 0 {
		return
	}
	files := make([]string, 0, len(diffed.Files))
	for _, d := range diffed.Files {
		files = append(files, d.Path)
	}
	patch := &types.PatchPart{
		PartBase: t.newPartBase(),
		Type:     "patch",
		Hash:     t.snapshotRef,
		Files:    files,
		Diffs:    diffed.Files,
	}
	t.addPart(ctx, patch, "")
	t.engine.recordDiffs(ctx, t.session, diffed.Files)
	for _, file := range files {
		t.engine.bus.Publish(event.Event{
			Type: event.FileEdited,
			Data: event.FileEditedData{File: file},
		})
	}
}

// recordDiffs folds one step's per-file line counts into the session's
// running change summary. Steps diff against their own snapshot, so
// counts for a path accumulate across steps.
func (e *Engine) recordDiffs(ctx context.Context, session *types.Session, diffs []types.FileDiff) {
	e.updateSession(ctx, session, func(s *types.Session) {
		byPath := make(map[string]int, len(s.Summary.Diffs))
		for i, d := range s.Summary.Diffs {
			byPath[d.Path] = i
		}
		for _, d := range diffs {
			if i, ok := byPath[d.Path]; ok {
				s.Summary.Diffs[i].Additions += d.Additions
				s.Summary.Diffs[i].Deletions += d.Deletions
			} else {
				s.Summary.Diffs = append(s.Summary.Diffs, d)
			}
		}
		s.Summary.Files = len(s.Summary.Diffs)
		s.Summary.Additions = 0
		s.Summary.Deletions = 0
		for _, d := range s.Summary.Diffs {
			s.Summary.Additions += d.Additions
			s.Summary.Deletions += d.Deletions
		}
	})
}

// streamError classifies a mid-stream failure: retryable API errors
// within budget record a retry part and set shouldRetry; everything else
// becomes the message's terminal error.
func (t *turn) streamError(ctx context.Context, err error) {
	if provider.IsAborted(err) {
		t.fail(ctx, provider.ErrAborted)
		return
	}
	if provider.IsRetryable(err) && t.attempt < MaxAttempts {
		t.attempt++
		part := &types.RetryPart{
			PartBase: t.newPartBase(),
			Type:     "retry",
			Attempt:  t.attempt,
			Error:    err.Error(),
			Created:  time.Now().UnixMilli(),
		}
		t.addPart(ctx, part, "")
		t.shouldRetry = true
		t.lastErr = err
		return
	}
	t.fail(ctx, err)
}

// fail records err as the message's terminal error and notifies
// observers. The completed stamp happens in finalize.
func (t *turn) fail(ctx context.Context, err error) {
	if t.msg.Error != nil {
		return
	}
	data := types.MessageErrorData{
		Message:    err.Error(),
		ProviderID: t.msg.ProviderID,
	}
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		data.StatusCode = apiErr.StatusCode
	}
	t.msg.Error = &types.MessageError{
		Name: provider.ErrorName(err),
		Data: data,
	}
	t.finish = provider.FinishError
	t.saveMessage(ctx)

	t.engine.bus.Publish(event.Event{
		Type: event.SessionError,
		Data: event.SessionErrorData{SessionID: t.session.ID, Error: t.msg.Error},
	})
}

// finalize closes the turn after its last stream exits: dangling tool
// parts are forced to error, open text blocks are closed, and completed
// is stamped unless another attempt is pending.
func (t *turn) finalize(ctx context.Context) {
	now := time.Now().UnixMilli()

	for blockID, part := range t.text {
		part.Text = strings.TrimRight(part.Text, " \t\n\r")
		part.Time.End = &now
		t.savePart(ctx, part, "")
		delete(t.text, blockID)
	}
	for blockID, part := range t.reasoning {
		part.Text = strings.TrimRight(part.Text, " \t\n\r")
		part.Time.End = &now
		t.savePart(ctx, part, "")
		delete(t.reasoning, blockID)
	}
	for _, part := range t.tools {
		if part.State.Status == types.ToolCompleted || part.State.Status == types.ToolError {
			continue
		}
		part.State.Status = types.ToolError
		part.State.Error = "Tool execution aborted"
		part.State.Time.End = &now
		t.savePart(ctx, part, "")
	}

	if t.shouldRetry {
		return
	}
	if t.msg.Time.Completed == nil {
		t.msg.Time.Completed = &now
	}
	t.saveMessage(ctx)
}

// runningTools returns tool parts awaiting execution, in creation order.
func (t *turn) runningTools() []*types.ToolPart {
	var out []*types.ToolPart
	for _, part := range t.parts {
		if tp, ok := part.(*types.ToolPart); ok && tp.State.Status == types.ToolRunning {
			out = append(out, tp)
		}
	}
	return out
}

func (t *turn) newPartBase() types.PartBase {
	return types.PartBase{
		ID:        id.Ascending(id.Part),
		SessionID: t.session.ID,
		MessageID: t.msg.ID,
	}
}

// addPart appends and persists a freshly created part.
func (t *turn) addPart(ctx context.Context, part types.Part, delta string) {
	t.parts = append(t.parts, part)
	t.savePart(ctx, part, delta)
}

func (t *turn) savePart(ctx context.Context, part types.Part, delta string) {
	if err := t.engine.store.Put(ctx, []string{"part", t.msg.ID, part.PartID()}, part); err != nil {
		log.Error().Err(err).Str("partID", part.PartID()).Msg("failed to persist part")
	}
	t.engine.bus.Publish(event.Event{
		Type: event.MessagePartUpdated,
		Data: event.MessagePartUpdatedData{Part: part, Delta: delta},
	})
}

func (t *turn) saveMessage(ctx context.Context) error {
	now := time.Now().UnixMilli()
	t.msg.Time.Updated = &now
	if err := t.engine.store.Put(ctx, []string{"message", t.session.ID, t.msg.ID}, t.msg); err != nil {
		return err
	}
	t.engine.bus.Publish(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{Info: t.msg},
	})
	return nil
}
