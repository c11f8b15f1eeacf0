// Package store owns session persistence. Sessions are reachable only by
// id, expire a fixed window after their last write, and are mutated through
// read-modify-write cycles; ClaimTask is the single hard compare-and-set.
package store

import (
	"context"
	"errors"
	"time"

	"plotline/internal/domain"
)

// DefaultTTL is how long a session survives without a write.
const DefaultTTL = 24 * time.Hour

// ErrNotFound reports an unknown or expired session. Callers surface it as
// a "create a new session" condition.
var ErrNotFound = errors.New("session not found")

// ErrConflict reports a lost optimistic write race after retries.
var ErrConflict = errors.New("session update conflict")

// Store is the session store contract.
type Store interface {
	// Create persists a fresh session.
	Create(ctx context.Context, s *domain.Session) error
	// Get returns a snapshot of the session.
	Get(ctx context.Context, id string) (*domain.Session, error)
	// Update applies fn to the current session state and persists the
	// result, retrying on concurrent writers. Every successful update
	// bumps the session version and refreshes the TTL.
	Update(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error)
	// ClaimTask atomically transitions a task from pending to running.
	// Exactly one of N racing claimants observes true.
	ClaimTask(ctx context.Context, sessionID, taskID string) (bool, error)
	// ReleaseClaim undoes a won claim whose follow-up state write failed,
	// making the task claimable again. Releasing an unclaimed task is a
	// no-op.
	ReleaseClaim(ctx context.Context, sessionID, taskID string) error
	Close() error
}
