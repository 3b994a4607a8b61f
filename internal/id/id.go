// Package id generates the identifiers used for sessions, messages and
// parts. IDs are ULIDs behind a typed prefix: strictly monotonic within
// the process, so sorting by ID reproduces creation order without
// consulting timestamps.
package id

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind is the identifier namespace prefix.
type Kind string

const (
	Session    Kind = "ses"
	Message    Kind = "msg"
	Part       Kind = "prt"
	Permission Kind = "per"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// next returns a ULID guaranteed to be strictly greater than any ULID
// previously returned by this process.
func next() ulid.ULID {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// Ascending returns an identifier that sorts after every identifier
// previously generated for the same kind.
func Ascending(kind Kind) string {
	return string(kind) + "_" + next().String()
}

// Descending returns an identifier that sorts before every identifier
// previously generated for the same kind, so a plain ascending listing
// yields newest-first. Used for session IDs.
func Descending(kind Kind) string {
	u := next()
	for i := range u {
		u[i] = ^u[i]
	}
	return string(kind) + "_" + u.String()
}
