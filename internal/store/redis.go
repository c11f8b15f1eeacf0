package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"plotline/internal/domain"
)

// updateAttempts bounds the optimistic retry loop; contention is rare
// (one active player per session), so losing this many races in a row
// means something else is wrong.
const updateAttempts = 8

// Redis is the production Store. One JSON document per session at
// session:<id>, claim markers at session:<id>:claim:<task>, both expiring
// TTL after the last session write.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to the given redis URL and verifies the connection.
func NewRedis(ctx context.Context, url string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}, nil
}

func sessionKey(id string) string { return "session:" + id }

func claimKey(sessionID, taskID string) string {
	return "session:" + sessionID + ":claim:" + taskID
}

func (r *Redis) Create(ctx context.Context, s *domain.Session) error {
	s.Version = 1
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, sessionKey(s.ID), data, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*domain.Session, error) {
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(data)
}

// Update runs an optimistic WATCH/MULTI cycle: concurrent writers fail the
// transaction and the read-modify-write is retried against fresh state.
func (r *Redis) Update(ctx context.Context, id string, fn func(*domain.Session) error) (*domain.Session, error) {
	key := sessionKey(id)
	var updated *domain.Session
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		s, err := decodeSession(data)
		if err != nil {
			return err
		}
		if err := fn(s); err != nil {
			return err
		}
		s.Version++
		out, err := json.Marshal(s)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = s
		return nil
	}
	for i := 0; i < updateAttempts; i++ {
		err := r.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, ErrConflict
}

func (r *Redis) ClaimTask(ctx context.Context, sessionID, taskID string) (bool, error) {
	exists, err := r.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, ErrNotFound
	}
	ok, err := r.client.SetNX(ctx, claimKey(sessionID, taskID), "1", r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	return ok, nil
}

func (r *Redis) ReleaseClaim(ctx context.Context, sessionID, taskID string) error {
	if err := r.client.Del(ctx, claimKey(sessionID, taskID)).Err(); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
