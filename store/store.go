// Package store defines the conversation persistence contract and an
// in-memory implementation. Networked backends live in the redis and mongo
// subpackages.
package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"goa.design/roundtable/convo"
)

type (
	// Store persists conversations and the user → conversation index.
	Store interface {
		// Get retrieves a conversation by id. Returns ErrNotFound when the id
		// is unknown.
		Get(ctx context.Context, id string) (*convo.Conversation, error)
		// Put stores the full conversation state, replacing any previous
		// version.
		Put(ctx context.Context, c *convo.Conversation) error
		// ListByUser returns the conversations a user belongs to, most
		// recently updated first.
		ListByUser(ctx context.Context, userID string) ([]*convo.Conversation, error)
		// AddUserToConversation records that a user participates in a
		// conversation.
		AddUserToConversation(ctx context.Context, userID, conversationID string) error
	}

	// Memory is a process-local Store for tests and single-node deployments.
	Memory struct {
		mu     sync.RWMutex
		convos map[string]*convo.Conversation
		users  map[string]map[string]struct{}
	}
)

// ErrNotFound reports an unknown conversation id.
var ErrNotFound = errors.New("store: conversation not found")

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		convos: make(map[string]*convo.Conversation),
		users:  make(map[string]map[string]struct{}),
	}
}

// Get implements Store.
func (s *Memory) Get(_ context.Context, id string) (*convo.Conversation, error) {
	if id == "" {
		return nil, errors.New("store: conversation id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convos[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(c), nil
}

// Put implements Store.
func (s *Memory) Put(_ context.Context, c *convo.Conversation) error {
	if c == nil || c.ID == "" {
		return errors.New("store: conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convos[c.ID] = clone(c)
	return nil
}

// ListByUser implements Store.
func (s *Memory) ListByUser(_ context.Context, userID string) ([]*convo.Conversation, error) {
	if userID == "" {
		return nil, errors.New("store: user id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*convo.Conversation
	for id := range s.users[userID] {
		if c, ok := s.convos[id]; ok {
			out = append(out, clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

// AddUserToConversation implements Store.
func (s *Memory) AddUserToConversation(_ context.Context, userID, conversationID string) error {
	if userID == "" || conversationID == "" {
		return errors.New("store: user id and conversation id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.users[userID]
	if !ok {
		set = make(map[string]struct{})
		s.users[userID] = set
	}
	set[conversationID] = struct{}{}
	return nil
}

// clone deep-copies the slices so callers cannot mutate stored state.
func clone(c *convo.Conversation) *convo.Conversation {
	out := *c
	out.Participants = append([]convo.Participant(nil), c.Participants...)
	out.Messages = append([]convo.Message(nil), c.Messages...)
	return &out
}
