// Package queue implements the offline mutation queue: durable, retryable,
// conflict-aware replay of local card edits against the remote sync
// endpoint. No local edit is lost while the network is unavailable; the
// queue drains toward the server's authoritative state once it returns.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"foresight/sync/internal/conflict"
	"foresight/sync/internal/storage"
	"foresight/sync/internal/util"
)

// Action is the kind of mutation an item carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Status is the queue's connectivity/sync state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusSyncing Status = "syncing"
	StatusError   Status = "error"
)

// Item is one pending local edit. Items are immutable once enqueued except
// for RetryCount and, after a conflict resolution, Payload.
type Item struct {
	ID         string            `json:"id"`
	Action     Action            `json:"action"`
	Payload    conflict.Payload  `json:"payload"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
	RetryCount int               `json:"retryCount"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Stats is a read-only snapshot of the queue.
type Stats struct {
	Total    int            `json:"total"`
	ByAction map[Action]int `json:"byAction"`
	Oldest   time.Time      `json:"oldest"`
	Newest   time.Time      `json:"newest"`
}

// ExhaustedError reports an item that used up its retry budget. The item
// stays queued; only an explicit ForceSync will attempt it again.
type ExhaustedError struct {
	ItemID   string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("sync exhausted for %s after %d attempts: %v", e.ItemID, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Options configures a Manager. Endpoint is required; everything else has a
// usable default.
type Options struct {
	Endpoint       string
	BatchSize      int
	MaxRetries     int
	RetryBaseDelay time.Duration
	SyncDebounce   time.Duration
	HTTPClient     *http.Client

	// Resolver overrides the default server-wins conflict policy.
	Resolver conflict.ResolverFunc

	// Aggregate notifications: at most one call per sync round.
	OnSyncSuccess func(count int)
	OnSyncError   func(err error)
	// OnConflict fires for every conflict resolution, whichever side won.
	OnConflict func(rec conflict.Record)
	// OnServerState surfaces authoritative fields the server returned on a
	// successful sync, for the host to merge back into its card state.
	OnServerState  func(itemID string, state conflict.Payload)
	OnStatusChange func(status Status)
}

// Manager owns the ordered list of pending mutations for one document
// queue. It is the only writer of the backing storage key.
type Manager struct {
	opts Options
	kv   storage.KV
	key  string

	mu          sync.Mutex
	items       []*Item
	status      Status
	online      bool
	closed      bool
	debounce    *time.Timer
	retryTimers map[string]*time.Timer
	inflight    map[string]bool
	exhausted   map[string]bool
}

// New creates a Manager persisting under the given storage key and reloads
// any queue that survived a previous run. A storage read failure is logged
// and the queue starts empty in memory.
func New(opts Options, kv storage.KV, key string) *Manager {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = time.Second
	}
	if opts.SyncDebounce <= 0 {
		opts.SyncDebounce = time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	m := &Manager{
		opts:        opts,
		kv:          kv,
		key:         key,
		status:      StatusOnline,
		online:      true,
		retryTimers: make(map[string]*time.Timer),
		inflight:    make(map[string]bool),
		exhausted:   make(map[string]bool),
	}
	m.reload()
	return m
}

func (m *Manager) reload() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	data, err := m.kv.Get(ctx, m.key)
	if err == storage.ErrNotFound {
		return
	}
	if err != nil {
		log.Printf("queue %s: load failed, starting empty: %v", m.key, err)
		return
	}

	var items []*Item
	if err := json.Unmarshal(data, &items); err != nil {
		log.Printf("queue %s: corrupt persisted queue, starting empty: %v", m.key, err)
		return
	}
	m.items = items
	if len(items) > 0 {
		log.Printf("queue %s: reloaded %d pending mutations", m.key, len(items))
	}
}

// persist rewrites the whole queue under the storage key. Callers hold mu.
// Failure is non-fatal: the queue keeps operating in memory only.
func (m *Manager) persist() {
	data, err := json.Marshal(m.items)
	if err != nil {
		log.Printf("queue %s: marshal failed: %v", m.key, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.kv.Set(ctx, m.key, data); err != nil {
		log.Printf("queue %s: persist failed, continuing in memory: %v", m.key, err)
	}
}

// Enqueue appends a mutation, persists it, and schedules a debounced sync
// when online. It never fails on network conditions.
func (m *Manager) Enqueue(ctx context.Context, action Action, payload conflict.Payload, metadata map[string]string) (string, error) {
	switch action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}

	item := &Item{
		ID:         util.NewID("mut"),
		Action:     action,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
		Metadata:   metadata,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fmt.Errorf("queue is closed")
	}
	m.items = append(m.items, item)
	m.persist()
	online := m.online
	m.mu.Unlock()

	if online {
		m.scheduleDebouncedSync()
	}
	return item.ID, nil
}

// Remove drops an item by id. Removing an unknown id is a no-op.
func (m *Manager) Remove(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Manager) removeLocked(id string) {
	for i, item := range m.items {
		if item.ID == id {
			m.items = append(m.items[:i], m.items[i+1:]...)
			if t, ok := m.retryTimers[id]; ok {
				t.Stop()
				delete(m.retryTimers, id)
			}
			delete(m.exhausted, id)
			m.persist()
			return
		}
	}
}

// Clear drops every pending item. Used for explicit user-initiated discard.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.retryTimers {
		t.Stop()
		delete(m.retryTimers, id)
	}
	m.items = nil
	m.exhausted = make(map[string]bool)
	m.persist()
}

// Stats returns a snapshot of the queue.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Total:    len(m.items),
		ByAction: make(map[Action]int),
	}
	for _, item := range m.items {
		stats.ByAction[item.Action]++
		if stats.Oldest.IsZero() || item.EnqueuedAt.Before(stats.Oldest) {
			stats.Oldest = item.EnqueuedAt
		}
		if item.EnqueuedAt.After(stats.Newest) {
			stats.Newest = item.EnqueuedAt
		}
	}
	return stats
}

// Len returns the number of pending items.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Status returns the current sync status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetOnline flips the connectivity signal. Going online with a non-empty
// queue triggers an immediate forced sync in the background.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.closed || m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	pending := len(m.items)
	m.mu.Unlock()

	if online {
		m.setStatus(StatusOnline)
		if pending > 0 {
			go func() {
				if err := m.ForceSync(context.Background()); err != nil {
					log.Printf("queue %s: sync on reconnect: %v", m.key, err)
				}
			}()
		}
	} else {
		m.setStatus(StatusOffline)
	}
}

// Close stops all timers. Pending items stay persisted for the next run.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.debounce != nil {
		m.debounce.Stop()
		m.debounce = nil
	}
	for id, t := range m.retryTimers {
		t.Stop()
		delete(m.retryTimers, id)
	}
}

func (m *Manager) setStatus(status Status) {
	m.mu.Lock()
	if m.status == status {
		m.mu.Unlock()
		return
	}
	m.status = status
	cb := m.opts.OnStatusChange
	m.mu.Unlock()

	if cb != nil {
		cb(status)
	}
}

// scheduleDebouncedSync coalesces rapid enqueues into a single sync round.
func (m *Manager) scheduleDebouncedSync() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if m.debounce != nil {
		m.debounce.Reset(m.opts.SyncDebounce)
		return
	}
	m.debounce = time.AfterFunc(m.opts.SyncDebounce, func() {
		m.mu.Lock()
		m.debounce = nil
		m.mu.Unlock()
		// Unlike ForceSync this leaves exhausted items parked.
		if err := m.syncAll(context.Background()); err != nil {
			log.Printf("queue %s: debounced sync: %v", m.key, err)
		}
	})
}
