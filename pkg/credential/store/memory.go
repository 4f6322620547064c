package store

import (
	"context"
	"sync"

	"github.com/itsharex/proxycast/pkg/credential"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments
// where credentials come entirely from configuration.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[string]*credential.Credential
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		creds: make(map[string]*credential.Credential),
	}
}

// Load returns clones of every stored credential.
func (s *MemoryStore) Load(ctx context.Context) ([]*credential.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*credential.Credential, 0, len(s.creds))
	for _, c := range s.creds {
		out = append(out, c.Clone())
	}
	return out, nil
}

// SaveCredential inserts or updates one credential.
func (s *MemoryStore) SaveCredential(cred *credential.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.creds[cred.ID] = cred.Clone()
	return nil
}

// Delete removes one credential by id.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.creds, id)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
