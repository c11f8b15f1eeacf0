package repo_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"plotline/internal/db"
	"plotline/internal/events"
	"plotline/internal/migrate"
	"plotline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestMintAPIKeyRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	key, secret, err := r.MintAPIKey(ctx, "alice", "laptop")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if !strings.HasPrefix(secret, "plk_") {
		t.Fatalf("secret = %q, want plk_ prefix", secret)
	}
	if key.KeyHash == "" || strings.Contains(key.KeyHash, secret) {
		t.Fatalf("stored hash must not carry the secret: %q", key.KeyHash)
	}

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret))
	if err != nil {
		t.Fatalf("lookup by hash: %v", err)
	}
	if got.ID != key.ID || got.ActorID != "alice" || got.Name != "laptop" {
		t.Fatalf("lookup = %+v", got)
	}

	keys, err := r.ListAPIKeys(ctx, "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].ID != key.ID {
		t.Fatalf("list = %+v", keys)
	}
	if keys, _ := r.ListAPIKeys(ctx, "bob"); len(keys) != 0 {
		t.Fatalf("foreign actor sees keys: %+v", keys)
	}

	if err := r.DeleteAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(secret)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted key still resolves: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, key.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("double delete: %v", err)
	}
}

func TestMintAPIKeyRequiresActor(t *testing.T) {
	r := newRepo(t)
	if _, _, err := r.MintAPIKey(context.Background(), "  ", "x"); err == nil {
		t.Fatalf("expected error for blank actor")
	}
}

func TestMintedSecretsAreUnique(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	seen := map[string]bool{}
	for i := 0; i < 8; i++ {
		_, secret, err := r.MintAPIKey(ctx, "alice", "")
		if err != nil {
			t.Fatalf("mint: %v", err)
		}
		if seen[secret] {
			t.Fatalf("duplicate secret minted")
		}
		seen[secret] = true
	}
}

func TestEventsAfterCursor(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}

	record := func(evtType string) {
		t.Helper()
		if err := w.AppendDirect(ctx, evtType, "demo", "session", "s1", "alice", nil); err != nil {
			t.Fatalf("append %s: %v", evtType, err)
		}
	}
	record("session.created")
	record("segment.appended")

	cursor, err := r.LatestEventID(ctx, "demo")
	if err != nil {
		t.Fatalf("latest id: %v", err)
	}
	if cursor == 0 {
		t.Fatalf("cursor should point at the newest event")
	}
	if fresh, _ := r.EventsAfter(ctx, 100, cursor, "demo"); len(fresh) != 0 {
		t.Fatalf("no events after the cursor yet, got %+v", fresh)
	}

	record("segment.appended")
	record("session.ended")

	fresh, err := r.EventsAfter(ctx, 100, cursor, "demo")
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(fresh) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(fresh), fresh)
	}
	// Ascending, so the caller can advance the cursor as it prints.
	if fresh[0].Type != "segment.appended" || fresh[1].Type != "session.ended" {
		t.Fatalf("order = %s, %s", fresh[0].Type, fresh[1].Type)
	}
	if fresh[0].ID <= cursor || fresh[1].ID <= fresh[0].ID {
		t.Fatalf("ids not ascending past cursor: %d, %d, %d", cursor, fresh[0].ID, fresh[1].ID)
	}

	// Unscoped: the latest id covers every project.
	if err := w.AppendDirect(ctx, "project.imported", "other", "project", "other", "alice", nil); err != nil {
		t.Fatal(err)
	}
	all, err := r.LatestEventID(ctx, "")
	if err != nil {
		t.Fatalf("latest id unscoped: %v", err)
	}
	scoped, _ := r.LatestEventID(ctx, "demo")
	if all <= scoped {
		t.Fatalf("unscoped latest %d should pass project latest %d", all, scoped)
	}
}
