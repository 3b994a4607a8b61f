package session

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom-ai/codeloom/internal/event"
	"github.com/codeloom-ai/codeloom/internal/provider"
	"github.com/codeloom-ai/codeloom/internal/storage"
	"github.com/codeloom-ai/codeloom/internal/tool"
	"github.com/codeloom-ai/codeloom/pkg/types"
)

// fakeStream replays a fixed event script. When gate is set, Recv
// blocks until the gate closes, which lets tests hold a turn open.
type fakeStream struct {
	events []provider.Event
	idx    int
	gate   chan struct{}
}

func (s *fakeStream) Recv() (provider.Event, error) {
	if s.gate != nil {
		<-s.gate
	}
	if s.idx >= len(s.events) {
		return nil, io.EOF
	}
	ev := s.events[s.idx]
	s.idx++
	return ev, nil
}

func (s *fakeStream) Close() error { return nil }

// scriptedProvider dispatches on the request's system prompt: title and
// summary requests get their own scripts, everything else consumes the
// main-turn scripts in call order.
type scriptedProvider struct {
	mu    sync.Mutex
	model provider.ModelInfo

	titleEvents   []provider.Event
	summaryEvents []provider.Event
	mainCalls     [][]provider.Event
	gates         []chan struct{}

	mainRequests []*provider.Request
}

func (p *scriptedProvider) ID() string                   { return "test" }
func (p *scriptedProvider) Models() []provider.ModelInfo { return []provider.ModelInfo{p.model} }

func (p *scriptedProvider) Stream(ctx context.Context, modelID string, req *provider.Request) (provider.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch req.System {
	case titleSystemPrompt:
		return &fakeStream{events: p.titleEvents}, nil
	case summarySystemPrompt:
		return &fakeStream{events: p.summaryEvents}, nil
	}

	i := len(p.mainRequests)
	p.mainRequests = append(p.mainRequests, req)

	stream := &fakeStream{}
	if i < len(p.mainCalls) {
		stream.events = p.mainCalls[i]
	} else {
		stream.events = textTurn("done", provider.FinishStop)
	}
	if i < len(p.gates) {
		stream.gate = p.gates[i]
	}
	return stream, nil
}

// textTurn scripts a single-step text response.
func textTurn(text, finish string) []provider.Event {
	return []provider.Event{
		provider.StepStart{},
		provider.TextStart{ID: "blk_0"},
		provider.TextDelta{ID: "blk_0", Text: text},
		provider.TextEnd{ID: "blk_0"},
		provider.StepFinish{Reason: finish, Usage: types.TokenUsage{Input: 10, Output: 5}},
		provider.Finish{Reason: finish},
	}
}

func testModel() provider.ModelInfo {
	return provider.ModelInfo{
		ID:           "fake-model",
		ProviderID:   "test",
		Name:         "Fake Model",
		ContextLimit: 200000,
		OutputLimit:  8192,
		ToolCall:     true,
	}
}

func newLoopFixture(t *testing.T, fake *scriptedProvider) (*Engine, *Service, *types.Session) {
	t.Helper()

	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "b.txt"), []byte("b"), 0o644))

	store := storage.New(t.TempDir())
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })

	engine := NewEngine(Options{
		Store:        store,
		Bus:          bus,
		Providers:    provider.NewRegistry(fake),
		Tools:        tool.NewRegistry(workDir),
		DefaultModel: types.ModelRef{ProviderID: "test", ModelID: "fake-model"},
	})
	svc := NewService(store, bus)

	session, err := svc.Create(context.Background(), workDir, "")
	require.NoError(t, err)
	return engine, svc, session
}

func TestPromptToolLoop(t *testing.T) {
	fake := &scriptedProvider{
		model:       testModel(),
		titleEvents: []provider.Event{provider.TextDelta{ID: "blk_0", Text: "Listing files"}, provider.Finish{Reason: provider.FinishStop}},
		mainCalls: [][]provider.Event{
			{
				provider.StepStart{},
				provider.ToolInputStart{ID: "call_1", Name: "glob"},
				provider.ToolInputDelta{ID: "call_1", Delta: `{"pattern":"*"}`},
				provider.ToolCall{ID: "call_1", Name: "glob", Input: json.RawMessage(`{"pattern":"*"}`)},
				provider.StepFinish{Reason: provider.FinishToolCalls, Usage: types.TokenUsage{Input: 100, Output: 20}},
				provider.Finish{Reason: provider.FinishToolCalls},
			},
			textTurn("The directory holds a.txt and b.txt.", provider.FinishStop),
		},
	}
	engine, svc, session := newLoopFixture(t, fake)
	ctx := context.Background()

	result, err := engine.Prompt(ctx, PromptInput{SessionID: session.ID, Text: "list files"})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Nil(t, result.Message.Error)
	assert.NotNil(t, result.Message.Time.Completed)

	// The second call carried the first turn's tool call and result.
	require.Len(t, fake.mainRequests, 2)
	second := fake.mainRequests[1].Messages
	var toolEntry *provider.ChatMessage
	for i := range second {
		if second[i].Role == "tool" && second[i].CallID == "call_1" {
			toolEntry = &second[i]
		}
	}
	require.NotNil(t, toolEntry)
	assert.Contains(t, toolEntry.Content, "a.txt")
	assert.Contains(t, toolEntry.Content, "b.txt")

	// Two assistant messages plus the user message landed in storage.
	messages, err := svc.Messages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "user", messages[0].Role)

	toolTurn := messages[1]
	parts, err := svc.Parts(ctx, toolTurn.ID)
	require.NoError(t, err)
	var toolPart *types.ToolPart
	for _, p := range parts {
		if tp, ok := p.(*types.ToolPart); ok {
			toolPart = tp
		}
	}
	require.NotNil(t, toolPart)
	assert.Equal(t, types.ToolCompleted, toolPart.State.Status)
	assert.Contains(t, toolPart.State.Output, "a.txt")
	assert.Equal(t, 100, toolTurn.Tokens.Input)

	finalParts, err := svc.Parts(ctx, result.Message.ID)
	require.NoError(t, err)
	var text string
	for _, p := range finalParts {
		if tp, ok := p.(*types.TextPart); ok {
			text += tp.Text
		}
	}
	assert.Equal(t, "The directory holds a.txt and b.txt.", text)

	// First prompt titled the session.
	got, err := svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "Listing files", got.Title)
}

func TestPromptRetriesTransientError(t *testing.T) {
	fake := &scriptedProvider{
		model: testModel(),
		mainCalls: [][]provider.Event{
			{provider.ErrorEvent{Err: provider.NewAPIError(429, "rate limited", map[string]string{"retry-after-ms": "1"})}},
			textTurn("recovered", provider.FinishStop),
		},
	}
	engine, svc, session := newLoopFixture(t, fake)
	ctx := context.Background()

	result, err := engine.Prompt(ctx, PromptInput{SessionID: session.ID, Text: "hello"})
	require.NoError(t, err)

	assert.Nil(t, result.Message.Error)
	assert.NotNil(t, result.Message.Time.Completed)
	require.Len(t, fake.mainRequests, 2)

	parts, err := svc.Parts(ctx, result.Message.ID)
	require.NoError(t, err)
	var retries []*types.RetryPart
	for _, p := range parts {
		if rp, ok := p.(*types.RetryPart); ok {
			retries = append(retries, rp)
		}
	}
	require.Len(t, retries, 1)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Contains(t, retries[0].Error, "rate limited")
}

func TestPromptExhaustsRetryBudget(t *testing.T) {
	failing := []provider.Event{provider.ErrorEvent{Err: provider.NewAPIError(503, "overloaded", map[string]string{"retry-after-ms": "1"})}}
	calls := make([][]provider.Event, MaxAttempts+1)
	for i := range calls {
		calls[i] = failing
	}
	fake := &scriptedProvider{model: testModel(), mainCalls: calls}
	engine, _, session := newLoopFixture(t, fake)

	result, err := engine.Prompt(context.Background(), PromptInput{SessionID: session.ID, Text: "hello"})
	require.NoError(t, err)

	require.NotNil(t, result.Message.Error)
	assert.Equal(t, provider.NameAPI, result.Message.Error.Name)
	assert.Equal(t, 503, result.Message.Error.Data.StatusCode)
	assert.Len(t, fake.mainRequests, MaxAttempts+1)
}

func TestPromptQueuesWhileBusy(t *testing.T) {
	gate := make(chan struct{})
	fake := &scriptedProvider{
		model: testModel(),
		mainCalls: [][]provider.Event{
			textTurn("first answer", provider.FinishStop),
			textTurn("second answer", provider.FinishStop),
		},
		gates: []chan struct{}{gate},
	}
	engine, _, session := newLoopFixture(t, fake)
	ctx := context.Background()

	type outcome struct {
		result *PromptResult
		err    error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	go func() {
		r, err := engine.Prompt(ctx, PromptInput{SessionID: session.ID, Text: "first"})
		first <- outcome{r, err}
	}()
	require.Eventually(t, func() bool { return engine.IsBusy(session.ID) }, time.Second, time.Millisecond)

	go func() {
		r, err := engine.Prompt(ctx, PromptInput{SessionID: session.ID, Text: "second"})
		second <- outcome{r, err}
	}()
	require.Eventually(t, func() bool {
		return engine.queue.peekNewest(session.ID) != nil
	}, time.Second, time.Millisecond)

	close(gate)

	res1 := <-first
	res2 := <-second
	require.NoError(t, res1.err)
	require.NoError(t, res2.err)

	// The queued input got a turn of its own under the same lock, and
	// both callers resolved with that turn's result.
	require.Len(t, fake.mainRequests, 2)
	assert.Equal(t, res1.result.Message.ID, res2.result.Message.ID)
	assert.Nil(t, res2.result.Message.Error)
	assert.False(t, engine.IsBusy(session.ID))
}

func TestPromptWhileBusyGetsOwnHistory(t *testing.T) {
	gate := make(chan struct{})
	fake := &scriptedProvider{
		model: testModel(),
		mainCalls: [][]provider.Event{
			textTurn("first answer", provider.FinishStop),
			textTurn("second answer", provider.FinishStop),
		},
		gates: []chan struct{}{gate},
	}
	engine, _, session := newLoopFixture(t, fake)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		engine.Prompt(ctx, PromptInput{SessionID: session.ID, Text: "first"})
		close(done)
	}()
	require.Eventually(t, func() bool { return engine.IsBusy(session.ID) }, time.Second, time.Millisecond)

	queuedDone := make(chan struct{})
	go func() {
		engine.Prompt(ctx, PromptInput{SessionID: session.ID, Text: "second"})
		close(queuedDone)
	}()
	require.Eventually(t, func() bool {
		return engine.queue.peekNewest(session.ID) != nil
	}, time.Second, time.Millisecond)

	close(gate)
	<-done
	<-queuedDone

	// The drained turn rebuilt history, so it saw the queued user text.
	require.Len(t, fake.mainRequests, 2)
	var sawSecond bool
	for _, m := range fake.mainRequests[1].Messages {
		if m.Role == "user" && m.Content == "second" {
			sawSecond = true
		}
	}
	assert.True(t, sawSecond)
}

func TestQueuedPromptRunsUnderItsOwnAgent(t *testing.T) {
	gate := make(chan struct{})
	fake := &scriptedProvider{
		model: testModel(),
		mainCalls: [][]provider.Event{
			textTurn("first answer", provider.FinishStop),
			textTurn("second answer", provider.FinishStop),
		},
		gates: []chan struct{}{gate},
	}
	engine, _, session := newLoopFixture(t, fake)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		engine.Prompt(ctx, PromptInput{SessionID: session.ID, Text: "first"})
		close(done)
	}()
	require.Eventually(t, func() bool { return engine.IsBusy(session.ID) }, time.Second, time.Millisecond)

	type outcome struct {
		result *PromptResult
		err    error
	}
	second := make(chan outcome, 1)
	go func() {
		r, err := engine.Prompt(ctx, PromptInput{SessionID: session.ID, Text: "second", Agent: "plan"})
		second <- outcome{r, err}
	}()
	require.Eventually(t, func() bool {
		return engine.queue.peekNewest(session.ID) != nil
	}, time.Second, time.Millisecond)

	close(gate)
	<-done
	res := <-second
	require.NoError(t, res.err)

	// The continuation turn ran under the queued prompt's agent, not the
	// first caller's.
	assert.Equal(t, "plan", res.result.Message.Mode)
}

func TestAbortCancelsTurn(t *testing.T) {
	gate := make(chan struct{})
	fake := &scriptedProvider{
		model:     testModel(),
		mainCalls: [][]provider.Event{textTurn("never delivered", provider.FinishStop)},
		gates:     []chan struct{}{gate},
	}
	engine, svc, session := newLoopFixture(t, fake)
	ctx := context.Background()

	type outcome struct {
		result *PromptResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := engine.Prompt(ctx, PromptInput{SessionID: session.ID, Text: "work"})
		done <- outcome{r, err}
	}()
	require.Eventually(t, func() bool { return engine.IsBusy(session.ID) }, time.Second, time.Millisecond)

	require.True(t, engine.Abort(session.ID))
	close(gate)

	res := <-done
	require.ErrorIs(t, res.err, provider.ErrAborted)
	require.NotNil(t, res.result)
	require.NotNil(t, res.result.Message.Error)
	assert.Equal(t, provider.NameAborted, res.result.Message.Error.Name)
	assert.False(t, engine.IsBusy(session.ID), "abort cleanup released the lock")

	// Aborting again with nothing in flight reports false.
	assert.False(t, engine.Abort(session.ID))

	messages, err := svc.Messages(ctx, session.ID)
	require.NoError(t, err)
	assistant := messages[len(messages)-1]
	assert.NotNil(t, assistant.Time.Completed)
}

func TestPromptCompactsOverflowingSession(t *testing.T) {
	model := testModel()
	model.ContextLimit = 1000
	model.OutputLimit = 100

	overflowing := []provider.Event{
		provider.StepStart{},
		provider.TextStart{ID: "blk_0"},
		provider.TextDelta{ID: "blk_0", Text: "big answer"},
		provider.TextEnd{ID: "blk_0"},
		provider.StepFinish{Reason: provider.FinishStop, Usage: types.TokenUsage{Input: 950, Output: 50}},
		provider.Finish{Reason: provider.FinishStop},
	}
	fake := &scriptedProvider{
		model: model,
		summaryEvents: []provider.Event{
			provider.TextStart{ID: "blk_0"},
			provider.TextDelta{ID: "blk_0", Text: "We listed files and answered questions."},
			provider.TextEnd{ID: "blk_0"},
			provider.Finish{Reason: provider.FinishStop},
		},
		mainCalls: [][]provider.Event{
			overflowing,
			textTurn("fresh context answer", provider.FinishStop),
		},
	}
	engine, svc, session := newLoopFixture(t, fake)
	ctx := context.Background()

	// First turn leaves the session over the usable window.
	_, err := engine.Prompt(ctx, PromptInput{SessionID: session.ID, Text: "fill the context"})
	require.NoError(t, err)

	result, err := engine.Prompt(ctx, PromptInput{SessionID: session.ID, Text: "keep going"})
	require.NoError(t, err)
	assert.Nil(t, result.Message.Error)

	messages, err := svc.Messages(ctx, session.ID)
	require.NoError(t, err)

	summaryIdx := -1
	for i, m := range messages {
		if m.IsSummary {
			summaryIdx = i
		}
	}
	require.GreaterOrEqual(t, summaryIdx, 0, "a summary message was written")
	assert.Equal(t, "assistant", messages[summaryIdx].Role)

	summaryParts, err := svc.Parts(ctx, messages[summaryIdx].ID)
	require.NoError(t, err)
	var summaryText string
	for _, p := range summaryParts {
		if tp, ok := p.(*types.TextPart); ok {
			summaryText += tp.Text
		}
	}
	assert.Contains(t, summaryText, "listed files")

	// The boundary is followed by the synthetic resume message.
	require.Greater(t, len(messages), summaryIdx+1)
	resume := messages[summaryIdx+1]
	assert.Equal(t, "user", resume.Role)
	resumeParts, err := svc.Parts(ctx, resume.ID)
	require.NoError(t, err)
	require.Len(t, resumeParts, 1)
	text := resumeParts[0].(*types.TextPart)
	assert.True(t, text.Synthetic)
	assert.Equal(t, resumePrompt, text.Text)

	// The post-compaction call saw only history from the boundary on.
	final := fake.mainRequests[len(fake.mainRequests)-1]
	for _, m := range final.Messages {
		assert.NotEqual(t, "fill the context", m.Content)
	}
	assert.Equal(t, session.ID, result.Message.SessionID)
	assert.False(t, engine.IsBusy(session.ID))
}

func TestShutdownRejectsNewPrompts(t *testing.T) {
	fake := &scriptedProvider{model: testModel()}
	engine, _, session := newLoopFixture(t, fake)

	engine.Shutdown()
	_, err := engine.Prompt(context.Background(), PromptInput{SessionID: session.ID, Text: "hello"})
	require.Error(t, err)
}
