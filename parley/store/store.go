// Package store persists the few pieces of client state that survive a
// restart: the token pair and the UI theme.
package store

import (
	"context"
	"sync"
)

// Prefs is the persisted client state.
type Prefs struct {
	AccessToken  string
	RefreshToken string
	Theme        string
}

// Store loads and saves Prefs.
type Store interface {
	Load(ctx context.Context) (Prefs, error)
	Save(ctx context.Context, p Prefs) error
}

// Memory keeps Prefs for the life of the process.
type Memory struct {
	mu    sync.Mutex
	prefs Prefs
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(context.Context) (Prefs, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prefs, nil
}

func (m *Memory) Save(_ context.Context, p Prefs) error {
	m.mu.Lock()
	m.prefs = p
	m.mu.Unlock()
	return nil
}
