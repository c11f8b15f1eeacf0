package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"plotline/internal/domain"
)

// Memory is an in-process Store with the same TTL and claim semantics as
// the Redis implementation. It backs tests and the CLI's local mode.
type Memory struct {
	TTL time.Duration
	Now func() time.Time

	mu       sync.Mutex
	sessions map[string]*memRecord
}

type memRecord struct {
	data      []byte
	claims    map[string]bool
	expiresAt time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		TTL:      ttl,
		Now:      time.Now,
		sessions: make(map[string]*memRecord),
	}
}

func (m *Memory) record(id string) (*memRecord, bool) {
	rec, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	if m.Now().After(rec.expiresAt) {
		delete(m.sessions, id)
		return nil, false
	}
	return rec, true
}

func (m *Memory) Create(ctx context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.record(s.ID); ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	s.Version = 1
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.sessions[s.ID] = &memRecord{
		data:      data,
		claims:    make(map[string]bool),
		expiresAt: m.Now().Add(m.TTL),
	}
	return nil
}

func (m *Memory) Get(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.record(id)
	if !ok {
		return nil, ErrNotFound
	}
	return decodeSession(rec.data)
}

func (m *Memory) Update(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.record(id)
	if !ok {
		return nil, ErrNotFound
	}
	s, err := decodeSession(rec.data)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.Version++
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	rec.data = data
	rec.expiresAt = m.Now().Add(m.TTL)
	return s, nil
}

func (m *Memory) ClaimTask(ctx context.Context, sessionID, taskID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.record(sessionID)
	if !ok {
		return false, ErrNotFound
	}
	if rec.claims[taskID] {
		return false, nil
	}
	rec.claims[taskID] = true
	return true, nil
}

func (m *Memory) ReleaseClaim(ctx context.Context, sessionID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.record(sessionID); ok {
		delete(rec.claims, taskID)
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func decodeSession(data []byte) (*domain.Session, error) {
	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}
