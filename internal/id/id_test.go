package id

import (
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAscending_Ordering(t *testing.T) {
	ids := make([]string, 100)
	for i := range ids {
		ids[i] = Ascending(Part)
	}

	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	assert.Equal(t, sorted, ids, "creation order must equal lexicographic order")

	// No duplicates even within the same millisecond.
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestDescending_Ordering(t *testing.T) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = Descending(Session)
	}

	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i], ids[i-1], "later session ids must sort first")
	}
}

func TestPrefixes(t *testing.T) {
	assert.True(t, strings.HasPrefix(Ascending(Session), "ses_"))
	assert.True(t, strings.HasPrefix(Ascending(Message), "msg_"))
	assert.True(t, strings.HasPrefix(Ascending(Part), "prt_"))
}

func TestAscending_Concurrent(t *testing.T) {
	const n = 200
	var wg sync.WaitGroup
	out := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out <- Ascending(Message)
		}()
	}
	wg.Wait()
	close(out)

	seen := make(map[string]bool, n)
	for id := range out {
		assert.False(t, seen[id])
		seen[id] = true
	}
	assert.Len(t, seen, n)
}
