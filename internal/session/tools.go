package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/codeloom-ai/codeloom/internal/event"
	"github.com/codeloom-ai/codeloom/internal/permission"
	"github.com/codeloom-ai/codeloom/internal/provider"
	"github.com/codeloom-ai/codeloom/internal/tool"
	"github.com/codeloom-ai/codeloom/pkg/types"
)

// executeTools runs every tool call the model requested in the last
// step. Results are fed back through handle as synthesized stream
// events, so tool state transitions go through the same gate as
// provider events. Tool failures never fail the turn; a permission
// rejection sets blocked instead, which quietly ends it.
func (t *turn) executeTools(ctx context.Context) {
	for _, part := range t.runningTools() {
		if err := ctx.Err(); err != nil {
			return
		}
		t.executeTool(ctx, part)
		if t.blocked {
			return
		}
	}
}

func (t *turn) executeTool(ctx context.Context, part *types.ToolPart) {
	impl, ok := t.engine.tools.Get(part.Tool)
	if !ok {
		t.handle(ctx, provider.ToolError{
			ID:    part.CallID,
			Error: fmt.Sprintf("Tool not found: %s", part.Tool),
		})
		return
	}

	input, err := json.Marshal(part.State.Input)
	if err != nil {
		t.handle(ctx, provider.ToolError{
			ID:    part.CallID,
			Error: fmt.Sprintf("Invalid tool input: %v", err),
		})
		return
	}

	if err := t.checkPermission(ctx, part, input); err != nil {
		var rejected *permission.RejectedError
		if errors.As(err, &rejected) {
			// Rejection ends the turn without erroring the message.
			t.blocked = true
		}
		t.handle(ctx, provider.ToolError{ID: part.CallID, Error: err.Error()})
		return
	}

	toolCtx := &tool.Context{
		SessionID: t.session.ID,
		MessageID: t.msg.ID,
		CallID:    part.CallID,
		Agent:     t.agent.Name,
		WorkDir:   t.session.Directory,
		Extra: map[string]any{
			"model": t.msg.ModelID,
		},
		OnMetadata: func(title string, meta map[string]any) {
			part.State.Title = title
			if part.State.Metadata == nil {
				part.State.Metadata = make(map[string]any)
			}
			for k, v := range meta {
				part.State.Metadata[k] = v
			}
			t.engine.bus.Publish(event.Event{
				Type: event.MessagePartUpdated,
				Data: event.MessagePartUpdatedData{Part: part},
			})
		},
	}

	result, err := impl.Execute(ctx, input, toolCtx)
	if err != nil {
		log.Debug().Err(err).Str("tool", part.Tool).Msg("tool execution failed")
		t.handle(ctx, provider.ToolError{ID: part.CallID, Error: err.Error()})
		return
	}

	t.handle(ctx, provider.ToolResult{
		ID:       part.CallID,
		Title:    result.Title,
		Output:   result.Output,
		Metadata: result.Metadata,
	})
}

// checkPermission applies the agent's policy for this tool before it
// runs.
func (t *turn) checkPermission(ctx context.Context, part *types.ToolPart, input []byte) error {
	if t.engine.permissions == nil {
		return nil
	}
	action := t.agent.PermissionFor(part.Tool)
	if action == permission.ActionAllow {
		return nil
	}
	req := permission.Request{
		SessionID: t.session.ID,
		MessageID: t.msg.ID,
		CallID:    part.CallID,
		Tool:      part.Tool,
		Title:     fmt.Sprintf("Allow %s?", part.Tool),
		Patterns:  permission.ExtractPatterns(part.Tool, input),
		Metadata:  part.State.Input,
	}
	return t.engine.permissions.Check(ctx, req, action)
}
