package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom-ai/codeloom/internal/storage"
	"github.com/codeloom-ai/codeloom/pkg/types"
)

func TestServiceCreateAndGet(t *testing.T) {
	_, svc := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()

	session, err := svc.Create(ctx, dir, "My session")
	require.NoError(t, err)
	assert.Equal(t, "My session", session.Title)
	assert.Equal(t, dir, session.Directory)
	assert.NotEmpty(t, session.ProjectID)
	assert.NotZero(t, session.Time.Created)

	got, err := svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)

	_, err = svc.Get(ctx, "ses_missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestServiceCreateDefaultTitle(t *testing.T) {
	_, svc := newTestEngine(t)
	session, err := svc.Create(context.Background(), t.TempDir(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultTitle, session.Title)
}

func TestServiceListNewestFirst(t *testing.T) {
	_, svc := newTestEngine(t)
	ctx := context.Background()
	dir := t.TempDir()

	first, err := svc.Create(ctx, dir, "first")
	require.NoError(t, err)
	second, err := svc.Create(ctx, dir, "second")
	require.NoError(t, err)

	sessions, err := svc.List(ctx, dir)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, second.ID, sessions[0].ID)
	assert.Equal(t, first.ID, sessions[1].ID)

	// Sessions in another directory stay out of the listing.
	other := t.TempDir()
	_, err = svc.Create(ctx, other, "elsewhere")
	require.NoError(t, err)
	sessions, err = svc.List(ctx, dir)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)

	all, err := svc.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestServiceRename(t *testing.T) {
	_, svc := newTestEngine(t)
	ctx := context.Background()

	session, err := svc.Create(ctx, t.TempDir(), "before")
	require.NoError(t, err)
	renamed, err := svc.Rename(ctx, session.ID, "after")
	require.NoError(t, err)
	assert.Equal(t, "after", renamed.Title)
	assert.GreaterOrEqual(t, renamed.Time.Updated, session.Time.Updated)

	got, err := svc.Get(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "after", got.Title)
}

func TestServiceDeleteRemovesHistory(t *testing.T) {
	engine, svc := newTestEngine(t)
	ctx := context.Background()

	session, err := svc.Create(ctx, t.TempDir(), "doomed")
	require.NoError(t, err)
	part := seedTurn(t, engine, session.ID, "tool output")

	require.NoError(t, svc.Delete(ctx, session.ID))

	_, err = svc.Get(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	messages, err := svc.Messages(ctx, session.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
	parts, err := svc.Parts(ctx, part.MessageID)
	require.NoError(t, err)
	assert.Empty(t, parts)
}

func TestServiceForkCopiesHistoryUpToMessage(t *testing.T) {
	engine, svc := newTestEngine(t)
	ctx := context.Background()

	session, err := svc.Create(ctx, t.TempDir(), "origin")
	require.NoError(t, err)
	seedTurn(t, engine, session.ID, "output one")
	cut := seedTurn(t, engine, session.ID, "output two")
	seedTurn(t, engine, session.ID, "output three")

	fork, err := svc.Fork(ctx, session.ID, cut.MessageID)
	require.NoError(t, err)
	require.NotNil(t, fork.ParentID)
	assert.Equal(t, session.ID, *fork.ParentID)
	assert.Equal(t, "origin (fork)", fork.Title)

	// Four of the six messages fall at or before the cut point.
	messages, err := svc.Messages(ctx, fork.ID)
	require.NoError(t, err)
	require.Len(t, messages, 4)
	for _, msg := range messages {
		assert.Equal(t, fork.ID, msg.SessionID)
	}

	parts, err := svc.Parts(ctx, messages[3].ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "output two", parts[0].(*types.ToolPart).State.Output)

	children, err := svc.Children(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, fork.ID, children[0].ID)

	// The original keeps its full history.
	original, err := svc.Messages(ctx, session.ID)
	require.NoError(t, err)
	assert.Len(t, original, 6)
}

func TestServiceRevertAndUnrevert(t *testing.T) {
	_, svc := newTestEngine(t)
	ctx := context.Background()

	session, err := svc.Create(ctx, t.TempDir(), "revertable")
	require.NoError(t, err)

	ref := "abc123def456"
	updated, err := svc.Revert(ctx, session.ID, "msg_cut", nil, &ref)
	require.NoError(t, err)
	require.NotNil(t, updated.Revert)
	assert.Equal(t, "msg_cut", updated.Revert.MessageID)
	require.NotNil(t, updated.Revert.Snapshot)
	assert.Equal(t, ref, *updated.Revert.Snapshot)

	cleared, err := svc.Unrevert(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, cleared.Revert)
}

func TestRevertCleanupRemovesLaterMessages(t *testing.T) {
	engine, svc := newTestEngine(t)
	ctx := context.Background()

	session, err := svc.Create(ctx, t.TempDir(), "rewind")
	require.NoError(t, err)
	keep := seedTurn(t, engine, session.ID, "kept")
	drop := seedTurn(t, engine, session.ID, "dropped")

	session, err = svc.Revert(ctx, session.ID, keep.MessageID, nil, nil)
	require.NoError(t, err)

	require.NoError(t, engine.cleanupRevert(ctx, session))
	assert.Nil(t, session.Revert)

	messages, err := svc.Messages(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, keep.MessageID, messages[1].ID)

	parts, err := svc.Parts(ctx, drop.MessageID)
	require.NoError(t, err)
	assert.Empty(t, parts)
}
