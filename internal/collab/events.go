package collab

import (
	"time"
)

// EventType discriminates collaboration events on the wire and in the log.
type EventType string

const (
	EventFieldChange EventType = "field_change"
	EventCursorMove  EventType = "cursor_move"
	EventUserJoin    EventType = "user_join"
	EventUserLeave   EventType = "user_leave"
	EventLockField   EventType = "lock_field"
	EventUnlockField EventType = "unlock_field"
)

// Cursor is a participant's pointer position, optionally pinned to a field.
type Cursor struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Field string  `json:"field,omitempty"`
}

// Event is the atomic unit broadcast over the transport and recorded in the
// session's event log. Which fields are set depends on Type.
type Event struct {
	ID            string    `json:"id"`
	Type          EventType `json:"type"`
	UserID        string    `json:"userId"`
	UserName      string    `json:"userName,omitempty"`
	Field         string    `json:"field,omitempty"`
	Value         any       `json:"value,omitempty"`
	PreviousValue any       `json:"previousValue,omitempty"`
	Cursor        *Cursor   `json:"cursor,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Participant is a remote user known to be active in the session.
type Participant struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Color        string    `json:"assignedColor"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	Cursor       *Cursor   `json:"cursor,omitempty"`
}

// FieldLock is an advisory exclusive claim on one named card field.
type FieldLock struct {
	Field      string    `json:"field"`
	HolderID   string    `json:"holderId"`
	AcquiredAt time.Time `json:"acquiredAt"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
