package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"foresight/sync/internal/conflict"
)

// metaConflictReplay tags an item whose payload was rewritten by a conflict
// resolution and is being re-submitted.
const metaConflictReplay = "conflictReplay"

// ForceSync cancels any pending debounce and flushes the queue now,
// including items whose retry budget was previously exhausted. It returns
// once every attempted item has either synced, been rescheduled, or failed.
func (m *Manager) ForceSync(ctx context.Context) error {
	m.mu.Lock()
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	m.exhausted = make(map[string]bool)
	m.mu.Unlock()

	return m.syncAll(ctx)
}

// syncAll drains the queue in batch-FIFO rounds: the oldest BatchSize
// eligible items per round, synced concurrently within the round.
func (m *Manager) syncAll(ctx context.Context) error {
	var errs []error
	succeeded := 0

	for {
		m.mu.Lock()
		ready := m.online && !m.closed
		m.mu.Unlock()
		if !ready {
			break
		}

		batch := m.takeBatch()
		if len(batch) == 0 {
			break
		}
		m.setStatus(StatusSyncing)

		type result struct{ err error }
		results := make(chan result, len(batch))
		for _, item := range batch {
			go func(item *Item) {
				results <- result{err: m.syncItem(ctx, item)}
			}(item)
		}

		failed := 0
		for range batch {
			r := <-results
			if r.err != nil {
				errs = append(errs, r.err)
				failed++
			} else {
				succeeded++
			}
		}

		m.mu.Lock()
		for _, item := range batch {
			delete(m.inflight, item.ID)
		}
		m.mu.Unlock()

		// A fully failed round will not make progress by looping again;
		// per-item retry timers take over from here.
		if failed == len(batch) {
			break
		}
	}

	m.finishRound(succeeded, errs)
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// finishRound settles status and fires the aggregate notifications: one
// success and at most one error callback per round, never per item.
func (m *Manager) finishRound(succeeded int, errs []error) {
	m.mu.Lock()
	online := m.online
	stuck := len(m.exhausted) > 0 && len(m.items) > 0
	m.mu.Unlock()

	if online {
		if stuck {
			m.setStatus(StatusError)
		} else {
			m.setStatus(StatusOnline)
		}
	}

	if succeeded > 0 && m.opts.OnSyncSuccess != nil {
		m.opts.OnSyncSuccess(succeeded)
	}
	if len(errs) > 0 && m.opts.OnSyncError != nil {
		m.opts.OnSyncError(errors.Join(errs...))
	}
}

// takeBatch claims up to BatchSize of the oldest items that are not already
// in flight, awaiting a retry timer, or out of retry budget.
func (m *Manager) takeBatch() []*Item {
	m.mu.Lock()
	defer m.mu.Unlock()

	var batch []*Item
	for _, item := range m.items {
		if len(batch) == m.opts.BatchSize {
			break
		}
		if m.inflight[item.ID] || m.exhausted[item.ID] {
			continue
		}
		if _, waiting := m.retryTimers[item.ID]; waiting {
			continue
		}
		m.inflight[item.ID] = true
		batch = append(batch, item)
	}
	return batch
}

// syncItem pushes one item to the remote endpoint and routes the outcome:
// 2xx removes it, 409 goes through conflict resolution, anything else
// schedules a backoff retry.
func (m *Manager) syncItem(ctx context.Context, item *Item) error {
	m.mu.Lock()
	payload := item.Payload
	metadata := item.Metadata
	m.mu.Unlock()

	body, err := json.Marshal(map[string]any{
		"data":      payload,
		"metadata":  metadata,
		"timestamp": item.EnqueuedAt,
	})
	if err != nil {
		// Unserializable payloads can never sync; drop rather than retry.
		log.Printf("queue %s: dropping unserializable item %s: %v", m.key, item.ID, err)
		m.Remove(ctx, item.ID)
		return fmt.Errorf("marshal item %s: %w", item.ID, err)
	}

	method := http.MethodPost
	if item.Action == ActionDelete {
		method = http.MethodDelete
	}
	req, err := http.NewRequestWithContext(ctx, method, m.opts.Endpoint+"/"+string(item.Action), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for %s: %w", item.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.opts.HTTPClient.Do(req)
	if err != nil {
		return m.handleFailure(item, fmt.Errorf("send %s: %w", item.ID, err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		m.handleAccepted(item, resp.Body)
		return nil
	case resp.StatusCode == http.StatusConflict:
		return m.handleConflict(ctx, item, resp.Body)
	default:
		return m.handleFailure(item, fmt.Errorf("sync %s: server returned %d", item.ID, resp.StatusCode))
	}
}

// handleAccepted merges any server-returned authoritative fields back to the
// host and confirms the item.
func (m *Manager) handleAccepted(item *Item, body io.Reader) {
	if m.opts.OnServerState != nil {
		var state conflict.Payload
		if err := json.NewDecoder(body).Decode(&state); err == nil && len(state) > 0 {
			m.opts.OnServerState(item.ID, state)
		}
	}
	m.mu.Lock()
	m.removeLocked(item.ID)
	m.mu.Unlock()
}

// handleConflict builds a conflict record from the server's current state
// and either consults the configured resolver or applies the default
// policy. A surviving local payload is re-submitted immediately, tagged as
// a conflict replay.
func (m *Manager) handleConflict(ctx context.Context, item *Item, body io.Reader) error {
	var server conflict.Payload
	if err := json.NewDecoder(body).Decode(&server); err != nil {
		return m.handleFailure(item, fmt.Errorf("decode conflict body for %s: %w", item.ID, err))
	}

	rec := conflict.Resolve(item.Payload, server)

	if m.opts.Resolver != nil {
		resolved, err := m.opts.Resolver(ctx, rec)
		if err != nil {
			return m.handleFailure(item, fmt.Errorf("resolver for %s: %w", item.ID, err))
		}
		if resolved == nil {
			m.dropForServer(item, rec)
			return nil
		}
		return m.replayResolved(ctx, item, resolved)
	}

	// Default policy. A replayed item that conflicts again stops here: the
	// server has moved on twice, let it win.
	if rec.Resolution == conflict.UseLocal && item.Metadata[metaConflictReplay] != "true" {
		return m.replayResolved(ctx, item, item.Payload)
	}
	rec.Resolution = conflict.UseServer
	m.dropForServer(item, rec)
	return nil
}

func (m *Manager) dropForServer(item *Item, rec conflict.Record) {
	m.mu.Lock()
	m.removeLocked(item.ID)
	m.mu.Unlock()
	if m.opts.OnConflict != nil {
		m.opts.OnConflict(rec)
	}
}

func (m *Manager) replayResolved(ctx context.Context, item *Item, payload conflict.Payload) error {
	m.mu.Lock()
	item.Payload = payload
	if item.Metadata == nil {
		item.Metadata = make(map[string]string)
	}
	item.Metadata[metaConflictReplay] = "true"
	m.persist()
	m.mu.Unlock()

	return m.syncItem(ctx, item)
}

// handleFailure bumps the retry counter and either schedules an exponential
// backoff retry or, once the budget is spent, parks the item until the next
// ForceSync.
func (m *Manager) handleFailure(item *Item, cause error) error {
	m.mu.Lock()
	item.RetryCount++
	attempts := item.RetryCount
	m.persist()

	if attempts >= m.opts.MaxRetries {
		m.exhausted[item.ID] = true
		m.mu.Unlock()
		return &ExhaustedError{ItemID: item.ID, Attempts: attempts, Err: cause}
	}

	delay := m.opts.RetryBaseDelay << (attempts - 1)
	id := item.ID
	m.retryTimers[id] = time.AfterFunc(delay, func() { m.retryOne(id) })
	m.mu.Unlock()

	return fmt.Errorf("sync %s (attempt %d, retrying in %s): %w", item.ID, attempts, delay, cause)
}

// retryOne re-attempts a single backed-off item. Connectivity loss leaves
// the item queued; the next online transition or ForceSync picks it up.
func (m *Manager) retryOne(id string) {
	m.mu.Lock()
	delete(m.retryTimers, id)
	if m.closed || !m.online || m.inflight[id] {
		m.mu.Unlock()
		return
	}
	var item *Item
	for _, it := range m.items {
		if it.ID == id {
			item = it
			break
		}
	}
	if item == nil {
		m.mu.Unlock()
		return
	}
	m.inflight[id] = true
	m.mu.Unlock()

	err := m.syncItem(context.Background(), item)

	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()

	var errs []error
	succeeded := 0
	if err != nil {
		var exhausted *ExhaustedError
		if errors.As(err, &exhausted) {
			errs = append(errs, err)
		} else {
			// Another retry is already scheduled; stay quiet until the item
			// either syncs or exhausts.
			log.Printf("queue %s: %v", m.key, err)
			return
		}
	} else {
		succeeded = 1
	}
	m.finishRound(succeeded, errs)
}
