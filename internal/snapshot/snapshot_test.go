package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeloom-ai/codeloom/internal/storage"
)

func newTestTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	workDir := t.TempDir()
	store := storage.New(t.TempDir())
	return NewTracker(store, workDir, nil), workDir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestTrackAndChanged(t *testing.T) {
	tracker, workDir := newTestTracker(t)
	ctx := context.Background()

	writeFile(t, workDir, "main.go", "package main\n")
	writeFile(t, workDir, "lib/util.go", "package lib\n")

	ref, err := tracker.Track(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	changed, err := tracker.Changed(ctx, ref)
	require.NoError(t, err)
	assert.Empty(t, changed)

	writeFile(t, workDir, "main.go", "package main\n\nfunc main() {}\n")
	writeFile(t, workDir, "new.go", "package main\n")
	require.NoError(t, os.Remove(filepath.Join(workDir, "lib/util.go")))

	changed, err = tracker.Changed(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []string{"lib/util.go", "main.go", "new.go"}, changed)
}

func TestTrackIsContentAddressed(t *testing.T) {
	tracker, workDir := newTestTracker(t)
	ctx := context.Background()

	writeFile(t, workDir, "a.txt", "hello\n")

	ref1, err := tracker.Track(ctx)
	require.NoError(t, err)
	ref2, err := tracker.Track(ctx)
	require.NoError(t, err)
	assert.Equal(t, ref1, ref2)
}

func TestChangedUnknownRef(t *testing.T) {
	tracker, _ := newTestTracker(t)
	ctx := context.Background()

	changed, err := tracker.Changed(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Empty(t, changed)

	changed, err = tracker.Changed(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestDiffCountsLines(t *testing.T) {
	tracker, workDir := newTestTracker(t)
	ctx := context.Background()

	writeFile(t, workDir, "a.txt", "one\ntwo\nthree\n")
	ref, err := tracker.Track(ctx)
	require.NoError(t, err)

	writeFile(t, workDir, "a.txt", "one\ntwo changed\nthree\nfour\n")

	patch, err := tracker.Diff(ctx, ref)
	require.NoError(t, err)
	require.Len(t, patch.Files, 1)
	assert.Equal(t, "a.txt", patch.Files[0].Path)
	assert.Equal(t, 2, patch.Files[0].Additions)
	assert.Equal(t, 1, patch.Files[0].Deletions)
}

func TestRestore(t *testing.T) {
	tracker, workDir := newTestTracker(t)
	ctx := context.Background()

	writeFile(t, workDir, "a.txt", "original\n")
	ref, err := tracker.Track(ctx)
	require.NoError(t, err)

	writeFile(t, workDir, "a.txt", "modified\n")
	writeFile(t, workDir, "extra.txt", "added after snapshot\n")

	require.NoError(t, tracker.Restore(ctx, ref))

	data, err := os.ReadFile(filepath.Join(workDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(data))

	_, err = os.Stat(filepath.Join(workDir, "extra.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestChangedAgainstOlderRefRescans(t *testing.T) {
	workDir := t.TempDir()
	store := storage.New(t.TempDir())
	w, err := NewWatcher(workDir)
	require.NoError(t, err)
	defer w.Stop()
	w.Start()
	tracker := NewTracker(store, workDir, w)
	ctx := context.Background()

	writeFile(t, workDir, "a.txt", "original\n")
	refA, err := tracker.Track(ctx)
	require.NoError(t, err)

	writeFile(t, workDir, "a.txt", "modified\n")
	require.Eventually(t, w.SawChanges, time.Second, 10*time.Millisecond)

	// A newer snapshot resets the dirty flag; the flag now vouches for
	// refB only, never for refA.
	refB, err := tracker.Track(ctx)
	require.NoError(t, err)
	require.NotEqual(t, refA, refB)

	changed, err := tracker.Changed(ctx, refA)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, changed)

	changed, err = tracker.Changed(ctx, refB)
	require.NoError(t, err)
	assert.Empty(t, changed)

	require.NoError(t, tracker.Restore(ctx, refA))
	data, err := os.ReadFile(filepath.Join(workDir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original\n", string(data))
}

func TestWatcherSeesWrites(t *testing.T) {
	workDir := t.TempDir()
	w, err := NewWatcher(workDir)
	require.NoError(t, err)
	defer w.Stop()
	w.Start()

	w.Reset()
	assert.False(t, w.SawChanges())

	require.NoError(t, os.WriteFile(filepath.Join(workDir, "f.txt"), []byte("x"), 0644))

	assert.Eventually(t, w.SawChanges, time.Second, 10*time.Millisecond)
}
