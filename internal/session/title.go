package session

import (
	"context"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/codeloom-ai/codeloom/internal/provider"
	"github.com/codeloom-ai/codeloom/pkg/types"
)

const titleSystemPrompt = `You are a title generator. You output ONLY a thread title. Nothing else.

Generate a brief title that would help the user find this conversation later.

Rules:
- A single line, under 50 characters
- No explanations
- Use -ing verbs for actions (Debugging, Implementing, Analyzing)
- Keep exact: technical terms, numbers, filenames
- Always output something meaningful`

// DefaultTitle is the placeholder until the first prompt names the
// session.
const DefaultTitle = "New Session"

func isDefaultTitle(title string) bool {
	return strings.HasPrefix(title, DefaultTitle)
}

// ensureTitle names a session from its first prompt. Best effort: any
// failure leaves the default title in place.
func (e *Engine) ensureTitle(ctx context.Context, session *types.Session, userContent string) {
	if session.ParentID != nil {
		return
	}
	if !isDefaultTitle(session.Title) {
		return
	}

	ref := e.smallModel
	if ref.ProviderID == "" {
		ref = e.defaultModel
	}
	model, err := e.providers.GetModel(ref.ProviderID, ref.ModelID)
	if err != nil {
		return
	}

	stream, err := model.Stream(ctx, &provider.Request{
		System: titleSystemPrompt,
		Messages: []provider.ChatMessage{
			{Role: "user", Content: "Generate a title for this conversation:\n\n" + userContent},
		},
		MaxTokens: 64,
	})
	if err != nil {
		log.Debug().Err(err).Msg("title generation failed")
		return
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		ev, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return
		}
		if delta, ok := ev.(provider.TextDelta); ok {
			sb.WriteString(delta.Text)
		}
	}

	title := strings.TrimSpace(sb.String())
	for _, line := range strings.Split(title, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			title = line
			break
		}
	}
	if len(title) > 100 {
		title = title[:97] + "..."
	}
	if title == "" {
		return
	}

	e.updateSession(ctx, session, func(s *types.Session) {
		s.Title = title
	})
}
