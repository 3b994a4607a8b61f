package session

import "sync"

// queued is one prompt waiting for a busy session. The caller blocks on
// done until the lock holder's drain pass resolves it.
type queued struct {
	messageID string
	input     PromptInput
	done      chan queueResult
}

type queueResult struct {
	result *PromptResult
	err    error
}

// requestQueue holds pending prompts per session. Entries are appended
// in arrival order and drained only by the current lock holder after it
// releases work, never concurrently with an active stream.
type requestQueue struct {
	mu      sync.Mutex
	pending map[string][]*queued
}

func newRequestQueue() *requestQueue {
	return &requestQueue{pending: make(map[string][]*queued)}
}

func (q *requestQueue) push(sessionID string, entry *queued) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[sessionID] = append(q.pending[sessionID], entry)
}

// take removes and returns all entries for a session.
func (q *requestQueue) take(sessionID string) []*queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	entries := q.pending[sessionID]
	delete(q.pending, sessionID)
	return entries
}

// peekNewest returns the entry with the highest queued message ID for a
// session, or nil when the queue is empty. Message IDs ascend, so a
// queued ID greater than the just-completed assistant message means new
// input raced in after that turn read its history. The lock holder runs
// the continuation turn with that entry's agent and model.
func (q *requestQueue) peekNewest(sessionID string) *queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	var newest *queued
	for _, entry := range q.pending[sessionID] {
		if newest == nil || entry.messageID > newest.messageID {
			newest = entry
		}
	}
	return newest
}
