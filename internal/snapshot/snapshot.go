// Package snapshot captures lightweight file-tree manifests around turn
// steps so patches and reverts can be computed without a VCS. Tracking is
// best-effort: callers treat a failed snapshot as "no snapshot" and carry
// on with the turn.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/codeloom-ai/codeloom/internal/storage"
	"github.com/codeloom-ai/codeloom/pkg/types"
)

// maxBlobSize caps the file size stored for diffing. Larger files are
// tracked by hash only and reported without line counts.
const maxBlobSize = 1 << 20

var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"__pycache__":  true,
}

type manifestEntry struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

type manifest struct {
	Files map[string]manifestEntry `json:"files"`
}

// Patch is the change set between a snapshot and the current tree.
type Patch struct {
	Hash  string           `json:"hash"`
	Files []types.FileDiff `json:"files"`
}

// Tracker records and compares snapshots for one working directory.
type Tracker struct {
	store   *storage.Storage
	workDir string
	watcher *Watcher

	mu sync.Mutex
	// lastRef is the most recently tracked snapshot. The watcher's dirty
	// flag only speaks to this ref; older refs always rescan.
	lastRef string
}

// NewTracker creates a tracker rooted at workDir. The watcher is
// optional; without it every Changed call rescans the full tree.
func NewTracker(store *storage.Storage, workDir string, watcher *Watcher) *Tracker {
	return &Tracker{store: store, workDir: workDir, watcher: watcher}
}

// Track captures the current tree and returns a reference to it. The
// reference is content-addressed: identical trees share one manifest.
func (t *Tracker) Track(ctx context.Context) (string, error) {
	m, err := t.scan()
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	ref := hex.EncodeToString(sum[:])[:12]

	if err := t.store.Put(ctx, []string{"snapshot", "manifest", ref}, m); err != nil {
		return "", err
	}

	// Store blobs for files small enough to diff later. Content-addressed
	// by file hash so unchanged files cost nothing across snapshots.
	for path, entry := range m.Files {
		if entry.Size > maxBlobSize {
			continue
		}
		blobPath := []string{"snapshot", "blob", entry.Hash}
		if t.store.Exists(ctx, blobPath) {
			continue
		}
		content, err := os.ReadFile(filepath.Join(t.workDir, path))
		if err != nil {
			continue
		}
		if err := t.store.Put(ctx, blobPath, string(content)); err != nil {
			log.Debug().Err(err).Str("path", path).Msg("snapshot blob write failed")
		}
	}

	t.mu.Lock()
	t.lastRef = ref
	t.mu.Unlock()
	if t.watcher != nil {
		t.watcher.Reset()
	}
	return ref, nil
}

// Changed lists the files that differ from the given snapshot, sorted.
// An unknown or empty ref yields an empty list.
func (t *Tracker) Changed(ctx context.Context, ref string) ([]string, error) {
	if ref == "" {
		return nil, nil
	}
	// When the watcher saw no writes since the snapshot was taken the
	// tree cannot have diverged; skip the rescan entirely. The flag is
	// reset on every Track, so it only vouches for the newest ref.
	t.mu.Lock()
	last := t.lastRef
	t.mu.Unlock()
	if t.watcher != nil && ref == last && !t.watcher.SawChanges() {
		return nil, nil
	}
	var old manifest
	if err := t.store.Get(ctx, []string{"snapshot", "manifest", ref}, &old); err != nil {
		if err == storage.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	cur, err := t.scan()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var changed []string
	for path, entry := range cur.Files {
		prev, ok := old.Files[path]
		if !ok || prev.Hash != entry.Hash {
			changed = append(changed, path)
		}
		seen[path] = true
	}
	for path := range old.Files {
		if !seen[path] {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

// Diff computes per-file line additions and deletions against a
// snapshot. Files too large for blob storage appear with zero counts.
func (t *Tracker) Diff(ctx context.Context, ref string) (*Patch, error) {
	changed, err := t.Changed(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(changed) == 0 {
		return &Patch{Hash: ref}, nil
	}

	var old manifest
	if err := t.store.Get(ctx, []string{"snapshot", "manifest", ref}, &old); err != nil {
		return nil, err
	}

	dmp := diffmatchpatch.New()
	patch := &Patch{Hash: ref}
	for _, path := range changed {
		before := t.blob(ctx, old.Files[path].Hash)
		after := ""
		if data, err := os.ReadFile(filepath.Join(t.workDir, path)); err == nil && int64(len(data)) <= maxBlobSize {
			after = string(data)
		}

		diff := types.FileDiff{Path: path}
		if before != "" || after != "" {
			chars1, chars2, lines := dmp.DiffLinesToChars(before, after)
			diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), lines)
			for _, d := range diffs {
				n := strings.Count(d.Text, "\n")
				if n == 0 && d.Text != "" {
					n = 1
				}
				switch d.Type {
				case diffmatchpatch.DiffInsert:
					diff.Additions += n
				case diffmatchpatch.DiffDelete:
					diff.Deletions += n
				}
			}
		}
		patch.Files = append(patch.Files, diff)
	}
	return patch, nil
}

// Restore rewrites changed files back to their snapshot contents.
// Files without a stored blob are left untouched.
func (t *Tracker) Restore(ctx context.Context, ref string) error {
	changed, err := t.Changed(ctx, ref)
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}

	var old manifest
	if err := t.store.Get(ctx, []string{"snapshot", "manifest", ref}, &old); err != nil {
		return err
	}

	for _, path := range changed {
		abs := filepath.Join(t.workDir, path)
		entry, existed := old.Files[path]
		if !existed {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return err
			}
			continue
		}
		content := t.blob(ctx, entry.Hash)
		if content == "" && entry.Size > 0 {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(abs, []byte(content), 0644); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) blob(ctx context.Context, hash string) string {
	if hash == "" {
		return ""
	}
	var content string
	if err := t.store.Get(ctx, []string{"snapshot", "blob", hash}, &content); err != nil {
		return ""
	}
	return content
}

func (t *Tracker) scan() (*manifest, error) {
	m := &manifest{Files: make(map[string]manifestEntry)}
	err := filepath.WalkDir(t.workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != t.workDir && (skipDirs[name] || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(t.workDir, path)
		if err != nil {
			return nil
		}
		hash, err := hashFile(path)
		if err != nil {
			return nil
		}
		m.Files[rel] = manifestEntry{Hash: hash, Size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func hashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
