// Package relay is the development counterpart of the client engines: an
// HTTP sync endpoint with optimistic-concurrency checks and a websocket
// fan-out hub for collaboration events.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"foresight/sync/internal/conflict"
	"foresight/sync/internal/storage"
)

var ErrCardNotFound = errors.New("card not found")

// ConflictError carries the server's current card state back to the caller
// so it can be returned with a 409.
type ConflictError struct {
	CardID  string
	Current conflict.Payload
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("card %s was modified by someone else", e.CardID)
}

// CardStore keeps authoritative card state in a KV store, one JSON document
// per card. Every accepted write bumps the card's version.
type CardStore struct {
	kv storage.KV
}

func NewCardStore(kv storage.KV) *CardStore {
	return &CardStore{kv: kv}
}

func cardKey(id string) string {
	return "card:" + id
}

// Get returns the stored payload for a card.
func (s *CardStore) Get(ctx context.Context, id string) (conflict.Payload, error) {
	raw, err := s.kv.Get(ctx, cardKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrCardNotFound
		}
		return nil, fmt.Errorf("load card %s: %w", id, err)
	}
	var payload conflict.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode card %s: %w", id, err)
	}
	return payload, nil
}

// Apply runs one mutation against the store and returns the authoritative
// payload after the write. An update whose version lags the stored card
// returns a *ConflictError holding the current state; deletes always
// succeed, removing a missing card is a no-op.
func (s *CardStore) Apply(ctx context.Context, action string, incoming conflict.Payload) (conflict.Payload, error) {
	id := cardID(incoming)
	if id == "" {
		return nil, fmt.Errorf("payload has no id")
	}

	switch action {
	case "create", "update":
		current, err := s.Get(ctx, id)
		if err != nil && !errors.Is(err, ErrCardNotFound) {
			return nil, err
		}
		if current != nil {
			have, _ := conflict.Version(current)
			got, ok := conflict.Version(incoming)
			if !ok || have > got {
				return nil, &ConflictError{CardID: id, Current: current}
			}
		}
		return s.put(ctx, id, incoming)
	case "delete":
		if err := s.kv.Delete(ctx, cardKey(id)); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("delete card %s: %w", id, err)
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}

// put stores the payload with its version bumped past whatever the client
// sent, making the stored copy authoritative.
func (s *CardStore) put(ctx context.Context, id string, incoming conflict.Payload) (conflict.Payload, error) {
	stored := make(conflict.Payload, len(incoming)+1)
	for k, v := range incoming {
		stored[k] = v
	}
	version, _ := conflict.Version(incoming)
	stored[conflict.VersionField] = version + 1

	raw, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode card %s: %w", id, err)
	}
	if err := s.kv.Set(ctx, cardKey(id), raw); err != nil {
		return nil, fmt.Errorf("store card %s: %w", id, err)
	}
	return stored, nil
}

func cardID(p conflict.Payload) string {
	raw, ok := p["id"]
	if !ok {
		return ""
	}
	id, ok := raw.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(id)
}
