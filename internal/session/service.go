package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeloom-ai/codeloom/internal/event"
	"github.com/codeloom-ai/codeloom/internal/id"
	"github.com/codeloom-ai/codeloom/internal/storage"
	"github.com/codeloom-ai/codeloom/pkg/types"
)

// Service manages session records. Turn execution lives on Engine; the
// service only reads and mutates persisted state.
type Service struct {
	store *storage.Storage
	bus   *event.Bus
}

func NewService(store *storage.Storage, bus *event.Bus) *Service {
	return &Service{store: store, bus: bus}
}

// Create starts a new session in the given directory. Session IDs sort
// descending by creation time, so listings are newest first.
func (s *Service) Create(ctx context.Context, directory, title string) (*types.Session, error) {
	now := time.Now().UnixMilli()
	if title == "" {
		title = DefaultTitle
	}

	session := &types.Session{
		ID:        id.Descending(id.Session),
		ProjectID: projectID(directory),
		Directory: directory,
		Title:     title,
		Version:   "1",
		Time: types.SessionTime{
			Created: now,
			Updated: now,
		},
	}

	if err := s.store.Put(ctx, []string{"session", session.ProjectID, session.ID}, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	s.bus.Publish(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Info: session},
	})
	return session, nil
}

// Get retrieves a session by ID, searching all projects.
func (s *Service) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	projects, err := s.store.List(ctx, []string{"session"})
	if err != nil {
		return nil, err
	}
	for _, project := range projects {
		var session types.Session
		if err := s.store.Get(ctx, []string{"session", project, sessionID}, &session); err == nil {
			return &session, nil
		}
	}
	return nil, storage.ErrNotFound
}

// List returns a directory's sessions, newest first by ID order. An
// empty directory lists every project.
func (s *Service) List(ctx context.Context, directory string) ([]*types.Session, error) {
	var projects []string
	if directory == "" {
		all, err := s.store.List(ctx, []string{"session"})
		if err != nil {
			return nil, err
		}
		projects = all
	} else {
		projects = []string{projectID(directory)}
	}

	var sessions []*types.Session
	for _, project := range projects {
		err := s.store.Scan(ctx, []string{"session", project}, func(key string, data json.RawMessage) error {
			var session types.Session
			if err := json.Unmarshal(data, &session); err != nil {
				return err
			}
			sessions = append(sessions, &session)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

// Update atomically mutates a session and bumps its updated time.
func (s *Service) Update(ctx context.Context, sessionID string, mutate func(*types.Session)) (*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var stored types.Session
	path := []string{"session", session.ProjectID, session.ID}
	err = s.store.Update(ctx, path, &stored, func() {
		mutate(&stored)
		stored.Time.Updated = time.Now().UnixMilli()
	})
	if err != nil {
		return nil, err
	}

	s.bus.Publish(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Info: &stored},
	})
	return &stored, nil
}

// Rename sets a session's title.
func (s *Service) Rename(ctx context.Context, sessionID, title string) (*types.Session, error) {
	return s.Update(ctx, sessionID, func(sess *types.Session) {
		sess.Title = title
	})
}

// Delete removes a session with its messages and parts.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	messages, _ := s.Messages(ctx, sessionID)
	for _, msg := range messages {
		keys, _ := s.store.List(ctx, []string{"part", msg.ID})
		for _, key := range keys {
			s.store.Delete(ctx, []string{"part", msg.ID, key})
		}
		s.store.Delete(ctx, []string{"message", sessionID, msg.ID})
	}

	if err := s.store.Delete(ctx, []string{"session", session.ProjectID, sessionID}); err != nil {
		return err
	}

	s.bus.Publish(event.Event{
		Type: event.SessionDeleted,
		Data: event.SessionDeletedData{Info: session},
	})
	return nil
}

// Children returns sessions forked from or spawned under the given one.
func (s *Service) Children(ctx context.Context, sessionID string) ([]*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	all, err := s.List(ctx, session.Directory)
	if err != nil {
		return nil, err
	}
	var children []*types.Session
	for _, sess := range all {
		if sess.ParentID != nil && *sess.ParentID == sessionID {
			children = append(children, sess)
		}
	}
	return children, nil
}

// Fork copies a session's history up to and including messageID into a
// new session parented on the original.
func (s *Service) Fork(ctx context.Context, sessionID, messageID string) (*types.Session, error) {
	session, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	fork, err := s.Create(ctx, session.Directory, session.Title+" (fork)")
	if err != nil {
		return nil, err
	}
	fork, err = s.Update(ctx, fork.ID, func(sess *types.Session) {
		sess.ParentID = &sessionID
	})
	if err != nil {
		return nil, err
	}

	messages, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	for _, msg := range messages {
		copied := *msg
		copied.SessionID = fork.ID
		if err := s.store.Put(ctx, []string{"message", fork.ID, copied.ID}, &copied); err != nil {
			return nil, err
		}
		parts, _ := s.Parts(ctx, msg.ID)
		for _, part := range parts {
			s.store.Put(ctx, []string{"part", copied.ID, part.PartID()}, part)
		}
		if msg.ID == messageID {
			break
		}
	}
	return fork, nil
}

// Revert marks a session as rewound to a message; the next turn removes
// everything past it and restores the snapshot.
func (s *Service) Revert(ctx context.Context, sessionID, messageID string, partID, snapshotRef *string) (*types.Session, error) {
	return s.Update(ctx, sessionID, func(sess *types.Session) {
		sess.Revert = &types.SessionRevert{
			MessageID: messageID,
			PartID:    partID,
			Snapshot:  snapshotRef,
		}
	})
}

// Unrevert clears a pending revert without applying it.
func (s *Service) Unrevert(ctx context.Context, sessionID string) (*types.Session, error) {
	return s.Update(ctx, sessionID, func(sess *types.Session) {
		sess.Revert = nil
	})
}

// Messages returns a session's messages in creation (ID) order.
func (s *Service) Messages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	var messages []*types.Message
	err := s.store.Scan(ctx, []string{"message", sessionID}, func(key string, data json.RawMessage) error {
		var msg types.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		messages = append(messages, &msg)
		return nil
	})
	return messages, err
}

// Parts returns a message's parts in creation (ID) order.
func (s *Service) Parts(ctx context.Context, messageID string) ([]types.Part, error) {
	var parts []types.Part
	err := s.store.Scan(ctx, []string{"part", messageID}, func(key string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			return err
		}
		parts = append(parts, part)
		return nil
	})
	return parts, err
}

// projectID derives the storage namespace for a working directory.
func projectID(directory string) string {
	h := sha256.Sum256([]byte(directory))
	return hex.EncodeToString(h[:])[:16]
}
