package relay

import (
	"context"
	"errors"
	"testing"

	"foresight/sync/internal/conflict"
	"foresight/sync/internal/storage"
)

func TestCreateBumpsVersion(t *testing.T) {
	store := NewCardStore(storage.NewMemoryKV())
	ctx := context.Background()

	stored, err := store.Apply(ctx, "create", conflict.Payload{"id": "card-1", "title": "Roadmap"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if v, _ := conflict.Version(stored); v != 1 {
		t.Errorf("expected version 1 after create, got %d", v)
	}

	loaded, err := store.Get(ctx, "card-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if loaded["title"] != "Roadmap" {
		t.Errorf("unexpected stored card: %v", loaded)
	}
}

func TestStaleUpdateConflicts(t *testing.T) {
	store := NewCardStore(storage.NewMemoryKV())
	ctx := context.Background()

	if _, err := store.Apply(ctx, "create", conflict.Payload{"id": "card-1", "title": "v1"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	// Someone else advances the card to version 2.
	if _, err := store.Apply(ctx, "update", conflict.Payload{"id": "card-1", "title": "v2", conflict.VersionField: 1}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	_, err := store.Apply(ctx, "update", conflict.Payload{"id": "card-1", "title": "stale", conflict.VersionField: 1})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflictErr.Current["title"] != "v2" {
		t.Errorf("conflict must carry current state, got %v", conflictErr.Current)
	}
	if v, _ := conflict.Version(conflictErr.Current); v != 2 {
		t.Errorf("expected current version 2, got %d", v)
	}
}

func TestFreshUpdateAdvancesVersion(t *testing.T) {
	store := NewCardStore(storage.NewMemoryKV())
	ctx := context.Background()

	if _, err := store.Apply(ctx, "create", conflict.Payload{"id": "card-1", "title": "v1"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	stored, err := store.Apply(ctx, "update", conflict.Payload{"id": "card-1", "title": "v2", conflict.VersionField: 1})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if v, _ := conflict.Version(stored); v != 2 {
		t.Errorf("expected version 2, got %d", v)
	}
}

func TestUpdateCreatesMissingCard(t *testing.T) {
	store := NewCardStore(storage.NewMemoryKV())

	stored, err := store.Apply(context.Background(), "update", conflict.Payload{"id": "card-9", "title": "upsert"})
	if err != nil {
		t.Fatalf("update of missing card failed: %v", err)
	}
	if v, _ := conflict.Version(stored); v != 1 {
		t.Errorf("expected version 1 for upserted card, got %d", v)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store := NewCardStore(storage.NewMemoryKV())
	ctx := context.Background()

	if _, err := store.Apply(ctx, "create", conflict.Payload{"id": "card-1"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := store.Apply(ctx, "delete", conflict.Payload{"id": "card-1"}); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "card-1"); !errors.Is(err, ErrCardNotFound) {
		t.Errorf("expected card gone, got %v", err)
	}
	// Deleting again is not an error.
	if _, err := store.Apply(ctx, "delete", conflict.Payload{"id": "card-1"}); err != nil {
		t.Errorf("second delete failed: %v", err)
	}
}

func TestApplyRejectsMissingID(t *testing.T) {
	store := NewCardStore(storage.NewMemoryKV())

	if _, err := store.Apply(context.Background(), "create", conflict.Payload{"title": "no id"}); err == nil {
		t.Error("expected error for payload without id")
	}
	if _, err := store.Apply(context.Background(), "archive", conflict.Payload{"id": "card-1"}); err == nil {
		t.Error("expected error for unknown action")
	}
}
