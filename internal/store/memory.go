package store

import (
	"context"
	"slices"
	"sync"

	"github.com/nmslite/agentprov/internal/model"
)

// Memory holds results in process memory. The history is lost on restart.
type Memory struct {
	mu      sync.RWMutex
	results map[string]*model.InstallationResult
	order   []string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{results: make(map[string]*model.InstallationResult)}
}

// Save stores a copy of result, replacing an earlier result with the same ID.
func (m *Memory) Save(_ context.Context, result *model.InstallationResult) error {
	c := clone(result)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[c.ID]; !ok {
		m.order = append(m.order, c.ID)
	}
	m.results[c.ID] = c
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*model.InstallationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *Memory) List(_ context.Context, limit int) ([]*model.InstallationResult, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*model.InstallationResult, 0, min(limit, len(m.order)))
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, clone(m.results[m.order[i]]))
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }

func clone(r *model.InstallationResult) *model.InstallationResult {
	c := *r
	c.Attempts = slices.Clone(r.Attempts)
	if r.Error != nil {
		e := *r.Error
		c.Error = &e
	}
	return &c
}
