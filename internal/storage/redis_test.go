package storage

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisKV, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	kv, err := NewRedisKV("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis kv: %v", err)
	}
	return kv, s
}

func TestNewRedisKV(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	kv, err := NewRedisKV("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisKV failed: %v", err)
	}
	defer kv.Close()

	ctx := context.Background()
	if err := kv.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisKVBadURL(t *testing.T) {
	if _, err := NewRedisKV("not-a-url"); err == nil {
		t.Error("expected error for invalid redis url, got nil")
	}
}

func TestSetAndGet(t *testing.T) {
	kv, s := setupTestRedis(t)
	defer kv.Close()
	defer s.Close()

	ctx := context.Background()
	value := []byte(`[{"id":"mut_1"}]`)

	if err := kv.Set(ctx, "queue:card-7", value); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	got, err := kv.Get(ctx, "queue:card-7")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("expected %s, got %s", value, got)
	}
}

func TestGetMissingKey(t *testing.T) {
	kv, s := setupTestRedis(t)
	defer kv.Close()
	defer s.Close()

	_, err := kv.Get(context.Background(), "queue:missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	kv, s := setupTestRedis(t)
	defer kv.Close()
	defer s.Close()

	ctx := context.Background()
	if err := kv.Set(ctx, "queue:card-7", []byte("[]")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	if err := kv.Delete(ctx, "queue:card-7"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := kv.Get(ctx, "queue:card-7"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting a missing key is a no-op
	if err := kv.Delete(ctx, "queue:card-7"); err != nil {
		t.Errorf("Delete of missing key failed: %v", err)
	}
}

func TestKeysAreIsolated(t *testing.T) {
	kv, s := setupTestRedis(t)
	defer kv.Close()
	defer s.Close()

	ctx := context.Background()
	if err := kv.Set(ctx, "queue:card-1", []byte("a")); err != nil {
		t.Fatalf("Set card-1 failed: %v", err)
	}
	if err := kv.Set(ctx, "queue:card-2", []byte("b")); err != nil {
		t.Fatalf("Set card-2 failed: %v", err)
	}

	if err := kv.Delete(ctx, "queue:card-1"); err != nil {
		t.Fatalf("Delete card-1 failed: %v", err)
	}

	got, err := kv.Get(ctx, "queue:card-2")
	if err != nil {
		t.Fatalf("Get card-2 failed: %v", err)
	}
	if string(got) != "b" {
		t.Errorf("expected b, got %s", got)
	}
}

func TestMemoryKV(t *testing.T) {
	kv := NewMemoryKV()
	ctx := context.Background()

	if _, err := kv.Get(ctx, "queue:x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := kv.Set(ctx, "queue:x", []byte("v1")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, err := kv.Get(ctx, "queue:x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v1" {
		t.Errorf("expected v1, got %s", got)
	}

	// Mutating the returned slice must not touch the stored value
	got[0] = 'X'
	again, _ := kv.Get(ctx, "queue:x")
	if string(again) != "v1" {
		t.Errorf("stored value mutated through returned slice: %s", again)
	}

	if err := kv.Delete(ctx, "queue:x"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := kv.Get(ctx, "queue:x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
