package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolState_CanTransition(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		ok   bool
	}{
		{"pending to running", ToolPending, ToolRunning, true},
		{"pending to completed", ToolPending, ToolCompleted, true},
		{"running to completed", ToolRunning, ToolCompleted, true},
		{"running to error", ToolRunning, ToolError, true},
		{"running to pending", ToolRunning, ToolPending, false},
		{"completed to running", ToolCompleted, ToolRunning, false},
		{"completed to error", ToolCompleted, ToolError, false},
		{"error to completed", ToolError, ToolCompleted, false},
		{"unknown target", ToolRunning, "paused", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ToolState{Status: tt.from}
			assert.Equal(t, tt.ok, s.CanTransition(tt.to))
		})
	}
}

func TestMessage_SummaryMarshaling(t *testing.T) {
	// Assistant summary messages serialize summary as a boolean.
	asst := Message{
		ID:        "msg1",
		SessionID: "ses1",
		Role:      "assistant",
		IsSummary: true,
	}
	data, err := json.Marshal(asst)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"summary":true`)

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.IsSummary)

	// User messages serialize the structured summary.
	user := Message{
		ID:        "msg2",
		SessionID: "ses1",
		Role:      "user",
		Summary:   &UserMessageSummary{Title: "fix the tests"},
	}
	data, err = json.Marshal(user)
	require.NoError(t, err)

	var userBack Message
	require.NoError(t, json.Unmarshal(data, &userBack))
	require.NotNil(t, userBack.Summary)
	assert.Equal(t, "fix the tests", userBack.Summary.Title)
}

func TestMessage_Completed(t *testing.T) {
	msg := &Message{Role: "assistant", Time: MessageTime{Created: 1}}
	assert.False(t, msg.Completed())

	done := int64(2)
	msg.Time.Completed = &done
	assert.True(t, msg.Completed())

	// User messages are always complete.
	assert.True(t, (&Message{Role: "user"}).Completed())
}

func TestTokenUsage(t *testing.T) {
	u := TokenUsage{Input: 100, Output: 50, Cache: CacheUsage{Read: 25}}
	assert.Equal(t, 175, u.Total())

	u.Add(TokenUsage{Input: 10, Output: 5, Reasoning: 3, Cache: CacheUsage{Read: 1, Write: 2}})
	assert.Equal(t, 110, u.Input)
	assert.Equal(t, 55, u.Output)
	assert.Equal(t, 3, u.Reasoning)
	assert.Equal(t, 26, u.Cache.Read)
	assert.Equal(t, 2, u.Cache.Write)
}

func TestUnmarshalPart(t *testing.T) {
	tool := &ToolPart{
		PartBase: PartBase{ID: "prt1", SessionID: "ses1", MessageID: "msg1"},
		Type:     "tool",
		CallID:   "call1",
		Tool:     "glob",
		State:    ToolState{Status: ToolCompleted, Output: "a.txt\nb.txt"},
	}
	data, err := json.Marshal(tool)
	require.NoError(t, err)

	part, err := UnmarshalPart(data)
	require.NoError(t, err)
	back, ok := part.(*ToolPart)
	require.True(t, ok)
	assert.Equal(t, "glob", back.Tool)
	assert.Equal(t, ToolCompleted, back.State.Status)

	_, err = UnmarshalPart([]byte(`{"id":"x","type":"hologram"}`))
	assert.Error(t, err)
}

func TestUnmarshalPart_StepParts(t *testing.T) {
	start := &StepStartPart{
		PartBase: PartBase{ID: "prt2", SessionID: "ses1", MessageID: "msg1"},
		Type:     "step-start",
		Snapshot: "snap-abc",
	}
	data, err := json.Marshal(start)
	require.NoError(t, err)

	part, err := UnmarshalPart(data)
	require.NoError(t, err)
	assert.Equal(t, "step-start", part.PartType())
	assert.Equal(t, "prt2", part.PartID())

	finish := &StepFinishPart{
		PartBase: PartBase{ID: "prt3", SessionID: "ses1", MessageID: "msg1"},
		Type:     "step-finish",
		Reason:   "tool-calls",
		Cost:     0.0042,
		Tokens:   TokenUsage{Input: 1200, Output: 80},
	}
	data, err = json.Marshal(finish)
	require.NoError(t, err)

	part, err = UnmarshalPart(data)
	require.NoError(t, err)
	fp, ok := part.(*StepFinishPart)
	require.True(t, ok)
	assert.Equal(t, 1200, fp.Tokens.Input)
	assert.InDelta(t, 0.0042, fp.Cost, 1e-9)
}
