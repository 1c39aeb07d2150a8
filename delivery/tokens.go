package delivery

import (
	"context"
	"sync"
)

// MemoryTokens is an in-memory TokenSource with registration. Suitable for
// single-process deployments; a database-backed implementation satisfies the
// same interface.
type MemoryTokens struct {
	mu      sync.RWMutex
	targets map[string]PushTarget
}

// NewMemoryTokens builds an empty token registry.
func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{targets: make(map[string]PushTarget)}
}

// Register binds a device to userID, replacing any prior binding.
func (m *MemoryTokens) Register(userID string, target PushTarget) {
	m.mu.Lock()
	m.targets[userID] = target
	m.mu.Unlock()
}

// Remove drops the user's device binding.
func (m *MemoryTokens) Remove(userID string) {
	m.mu.Lock()
	delete(m.targets, userID)
	m.mu.Unlock()
}

// PushTarget implements TokenSource.
func (m *MemoryTokens) PushTarget(_ context.Context, userID string) (*PushTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.targets[userID]
	if !ok {
		return nil, nil
	}
	return &target, nil
}
