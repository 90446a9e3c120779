// Package collab implements the realtime collaboration session for one
// card: presence tracking, advisory field locks, and a bounded log of
// recent collaboration events. A Session turns the inbound event stream
// into the two views editing surfaces need, "who is here" and "what is
// locked by whom".
package collab

import (
	"log"
	"sort"
	"sync"
	"time"

	"foresight/sync/internal/util"
)

// Sender delivers outbound events; implemented by transport.Session.
// Implementations must tolerate being called while disconnected.
type Sender interface {
	Send(ev Event) error
}

// Options configures a Session.
type Options struct {
	DocumentID  string
	UserID      string
	DisplayName string

	LockTTL        time.Duration
	CursorDebounce time.Duration
	EventLogSize   int

	// OnEvent fires for inbound field_change and cursor_move events.
	OnEvent func(ev Event)
	// OnPresenceChange fires when a participant joins or leaves.
	OnPresenceChange func(participants []Participant)
}

type fieldLock struct {
	FieldLock
	timer *time.Timer // armed only for locally held locks
}

// Session owns the presence registry, lock registry, and event log for one
// document. All state is in-memory and dies with the session.
type Session struct {
	opts   Options
	sender Sender

	mu           sync.Mutex
	participants map[string]*Participant
	locks        map[string]*fieldLock
	events       []Event
	cursorTimer  *time.Timer
	pendingCur   *Cursor
	closed       bool
}

// NewSession creates the per-document session state. The caller is expected
// to wire the transport's OnEvent to HandleEvent.
func NewSession(opts Options, sender Sender) *Session {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.CursorDebounce <= 0 {
		opts.CursorDebounce = 100 * time.Millisecond
	}
	if opts.EventLogSize <= 0 {
		opts.EventLogSize = 100
	}
	return &Session{
		opts:         opts,
		sender:       sender,
		participants: make(map[string]*Participant),
		locks:        make(map[string]*fieldLock),
	}
}

// Close releases every locally held lock and stops the session's timers.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.cursorTimer != nil {
		s.cursorTimer.Stop()
		s.cursorTimer = nil
	}
	var release []string
	for field, lock := range s.locks {
		if lock.timer != nil {
			lock.timer.Stop()
		}
		if lock.HolderID == s.opts.UserID {
			release = append(release, field)
		}
		delete(s.locks, field)
	}
	s.mu.Unlock()

	for _, field := range release {
		s.send(s.newEvent(EventUnlockField, func(ev *Event) { ev.Field = field }))
	}
}

// LockField claims an advisory lock for the local participant. It reports
// failure plus the current holder when a remote participant has the field;
// re-locking an own field refreshes its expiry instead of duplicating it.
func (s *Session) LockField(field string) (bool, string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, ""
	}

	now := time.Now()
	if lock, ok := s.locks[field]; ok && lock.HolderID != s.opts.UserID {
		if lock.ExpiresAt.After(now) {
			holder := lock.HolderID
			s.mu.Unlock()
			return false, holder
		}
		// Remote lock went stale without an unlock event; take it over.
		delete(s.locks, field)
	}

	if lock, ok := s.locks[field]; ok {
		// Refresh: same holder, same single lock, new expiry.
		lock.ExpiresAt = now.Add(s.opts.LockTTL)
		lock.timer.Reset(s.opts.LockTTL)
	} else {
		lock := &fieldLock{FieldLock: FieldLock{
			Field:      field,
			HolderID:   s.opts.UserID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(s.opts.LockTTL),
		}}
		lock.timer = time.AfterFunc(s.opts.LockTTL, func() { s.expireLock(field) })
		s.locks[field] = lock
	}

	ev := s.newEvent(EventLockField, func(ev *Event) { ev.Field = field })
	s.appendEventLocked(ev)
	s.mu.Unlock()

	s.send(ev)
	return true, ""
}

// UnlockField releases a locally held lock; a no-op for fields the local
// participant does not hold.
func (s *Session) UnlockField(field string) {
	s.mu.Lock()
	lock, ok := s.locks[field]
	if !ok || lock.HolderID != s.opts.UserID {
		s.mu.Unlock()
		return
	}
	if lock.timer != nil {
		lock.timer.Stop()
	}
	delete(s.locks, field)
	ev := s.newEvent(EventUnlockField, func(ev *Event) { ev.Field = field })
	s.appendEventLocked(ev)
	s.mu.Unlock()

	s.send(ev)
}

// expireLock is the lock TTL firing: release and announce, exactly once.
func (s *Session) expireLock(field string) {
	s.mu.Lock()
	lock, ok := s.locks[field]
	if !ok || lock.HolderID != s.opts.UserID || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.locks, field)
	ev := s.newEvent(EventUnlockField, func(ev *Event) { ev.Field = field })
	s.appendEventLocked(ev)
	s.mu.Unlock()

	log.Printf("collab %s: lock on %q expired", s.opts.DocumentID, field)
	s.send(ev)
}

// IsFieldLocked reports whether a remote participant holds the field. A
// lock held by the local participant is transparent to its own holder.
func (s *Session) IsFieldLocked(field string) bool {
	_, locked := s.FieldLockHolder(field)
	return locked
}

// FieldLockHolder returns the remote holder of a field lock, if any.
func (s *Session) FieldLockHolder(field string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[field]
	if !ok || lock.HolderID == s.opts.UserID || !lock.ExpiresAt.After(time.Now()) {
		return "", false
	}
	return lock.HolderID, true
}

// BroadcastFieldChange announces an edit to one field. Always allowed: the
// lock registry is advisory, enforcement is the editing surface's call.
func (s *Session) BroadcastFieldChange(field string, value, previousValue any) {
	ev := s.newEvent(EventFieldChange, func(ev *Event) {
		ev.Field = field
		ev.Value = value
		ev.PreviousValue = previousValue
	})

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.appendEventLocked(ev)
	s.mu.Unlock()

	s.send(ev)
}

// BroadcastCursorMove shares the local cursor position, debounced so only
// the most recent position inside each window goes out.
func (s *Session) BroadcastCursorMove(x, y float64, field string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pendingCur = &Cursor{X: x, Y: y, Field: field}
	if s.cursorTimer == nil {
		s.cursorTimer = time.AfterFunc(s.opts.CursorDebounce, s.flushCursor)
	}
	s.mu.Unlock()
}

func (s *Session) flushCursor() {
	s.mu.Lock()
	s.cursorTimer = nil
	cur := s.pendingCur
	s.pendingCur = nil
	if cur == nil || s.closed {
		s.mu.Unlock()
		return
	}
	ev := s.newEvent(EventCursorMove, func(ev *Event) { ev.Cursor = cur })
	s.appendEventLocked(ev)
	s.mu.Unlock()

	s.send(ev)
}

// HandleEvent ingests one inbound event from the transport. Updates are
// idempotent upserts, so duplicates after a reconnect resend are harmless.
func (s *Session) HandleEvent(ev Event) {
	if ev.UserID == s.opts.UserID {
		return
	}

	var presence []Participant
	notify := false

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	switch ev.Type {
	case EventUserJoin:
		p, ok := s.participants[ev.UserID]
		if !ok {
			p = &Participant{
				ID:          ev.UserID,
				DisplayName: ev.UserName,
				Color:       util.ColorFor(ev.UserID),
			}
			s.participants[ev.UserID] = p
		}
		if ev.UserName != "" {
			p.DisplayName = ev.UserName
		}
		p.LastActiveAt = time.Now()
		s.appendEventLocked(ev)
		notify = true

	case EventUserLeave:
		delete(s.participants, ev.UserID)
		for field, lock := range s.locks {
			if lock.HolderID == ev.UserID {
				if lock.timer != nil {
					lock.timer.Stop()
				}
				delete(s.locks, field)
			}
		}
		s.appendEventLocked(ev)
		notify = true

	case EventFieldChange:
		s.touchLocked(ev.UserID)
		s.appendEventLocked(ev)

	case EventCursorMove:
		if p := s.touchLocked(ev.UserID); p != nil {
			p.Cursor = ev.Cursor
		}
		s.appendEventLocked(ev)

	case EventLockField:
		// Last writer wins: the server relays lock messages in one order
		// for every client, so whichever holder it relays last owns the
		// field, even if that silently replaces an earlier holder.
		if existing, ok := s.locks[ev.Field]; ok && existing.timer != nil {
			existing.timer.Stop()
		}
		now := time.Now()
		s.locks[ev.Field] = &fieldLock{FieldLock: FieldLock{
			Field:      ev.Field,
			HolderID:   ev.UserID,
			AcquiredAt: now,
			ExpiresAt:  now.Add(s.opts.LockTTL),
		}}
		s.touchLocked(ev.UserID)
		s.appendEventLocked(ev)

	case EventUnlockField:
		if existing, ok := s.locks[ev.Field]; ok {
			if existing.timer != nil {
				existing.timer.Stop()
			}
			delete(s.locks, ev.Field)
		}
		s.touchLocked(ev.UserID)
		s.appendEventLocked(ev)

	default:
		log.Printf("collab %s: ignoring unknown event type %q", s.opts.DocumentID, ev.Type)
	}

	if notify {
		presence = s.participantsLocked()
	}
	s.mu.Unlock()

	if notify && s.opts.OnPresenceChange != nil {
		s.opts.OnPresenceChange(presence)
	}
	if (ev.Type == EventFieldChange || ev.Type == EventCursorMove) && s.opts.OnEvent != nil {
		s.opts.OnEvent(ev)
	}
}

// touchLocked refreshes a participant's activity clock. Callers hold mu.
func (s *Session) touchLocked(userID string) *Participant {
	p, ok := s.participants[userID]
	if !ok {
		return nil
	}
	p.LastActiveAt = time.Now()
	return p
}

// Participants returns a snapshot of the remote participants, sorted by id.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.participantsLocked()
}

func (s *Session) participantsLocked() []Participant {
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Events returns a copy of the bounded event log in arrival order.
func (s *Session) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Locks returns a snapshot of the lock registry, remote and local.
func (s *Session) Locks() []FieldLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FieldLock, 0, len(s.locks))
	for _, lock := range s.locks {
		out = append(out, lock.FieldLock)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// appendEventLocked records an event, evicting the oldest past capacity.
// Callers hold mu.
func (s *Session) appendEventLocked(ev Event) {
	s.events = append(s.events, ev)
	if len(s.events) > s.opts.EventLogSize {
		s.events = s.events[len(s.events)-s.opts.EventLogSize:]
	}
}

func (s *Session) newEvent(t EventType, fill func(*Event)) Event {
	ev := Event{
		ID:        util.NewID("evt"),
		Type:      t,
		UserID:    s.opts.UserID,
		UserName:  s.opts.DisplayName,
		Timestamp: time.Now().UTC(),
	}
	if fill != nil {
		fill(&ev)
	}
	return ev
}

func (s *Session) send(ev Event) {
	if err := s.sender.Send(ev); err != nil {
		log.Printf("collab %s: send %s: %v", s.opts.DocumentID, ev.Type, err)
	}
}
