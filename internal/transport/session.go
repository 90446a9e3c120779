// Package transport owns the persistent websocket connection a
// collaboration session rides on: connect, announce, reconnect on loss,
// and buffer outbound events until the connection returns.
package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"foresight/sync/internal/collab"
	"foresight/sync/internal/util"

	"github.com/gorilla/websocket"
)

// Options configures a transport Session for one document.
type Options struct {
	// URL is the websocket base, e.g. ws://host:port; the session connects
	// to {URL}/collaboration/{DocumentID}.
	URL         string
	DocumentID  string
	UserID      string
	DisplayName string

	// ReconnectDelay is the fixed interval between reconnect attempts.
	// Reconnection retries indefinitely; an editing session is long-lived
	// compared to transient network blips.
	ReconnectDelay time.Duration

	// OnEvent receives every decoded inbound event.
	OnEvent func(ev collab.Event)
	// OnConnect fires after each successful connect, once the join
	// announcement and any buffered events have been written.
	OnConnect func()

	Dialer *websocket.Dialer
}

// Session is a persistent connection with automatic reconnect. Send never
// fails on connection loss: events queue in memory and flush, in order,
// right after the next successful connect.
type Session struct {
	opts Options

	mu        sync.Mutex
	conn      *websocket.Conn
	buffer    []collab.Event
	reconnect *time.Timer
	closed    bool
}

// NewSession prepares a transport session; no I/O happens until Connect.
func NewSession(opts Options) *Session {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &Session{opts: opts}
}

func (s *Session) endpoint() string {
	return s.opts.URL + "/collaboration/" + s.opts.DocumentID
}

// Connect dials the collaboration endpoint, announces the local user, and
// flushes the outbound buffer. A failed dial schedules a retry and returns
// the error; the reconnect loop keeps trying in the background.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("transport is closed")
	}
	if s.conn != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	conn, _, err := s.opts.Dialer.DialContext(ctx, s.endpoint(), nil)
	if err != nil {
		s.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", s.endpoint(), err)
	}

	join := collab.Event{
		ID:        util.NewID("evt"),
		Type:      collab.EventUserJoin,
		UserID:    s.opts.UserID,
		UserName:  s.opts.DisplayName,
		Timestamp: time.Now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return fmt.Errorf("transport is closed")
	}
	if s.conn != nil {
		// Another Connect won the race.
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	pending := s.buffer
	s.buffer = nil

	if err := conn.WriteJSON(join); err != nil {
		s.dropConnLocked(conn)
		s.buffer = pending
		s.mu.Unlock()
		s.scheduleReconnect()
		return fmt.Errorf("announce join: %w", err)
	}
	for i, ev := range pending {
		if err := conn.WriteJSON(ev); err != nil {
			s.dropConnLocked(conn)
			s.buffer = pending[i:]
			s.mu.Unlock()
			s.scheduleReconnect()
			return fmt.Errorf("flush buffered event: %w", err)
		}
	}
	s.mu.Unlock()

	go s.readLoop(conn)
	if s.opts.OnConnect != nil {
		s.opts.OnConnect()
	}
	return nil
}

// Send transmits immediately when connected, otherwise buffers until the
// next reconnect. Only a closed session refuses an event.
func (s *Session) Send(ev collab.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("transport is closed")
	}
	conn := s.conn
	if conn == nil {
		s.buffer = append(s.buffer, ev)
		s.mu.Unlock()
		return nil
	}

	if err := conn.WriteJSON(ev); err != nil {
		// Keep the event; it goes out with the reconnect flush.
		s.dropConnLocked(conn)
		s.buffer = append(s.buffer, ev)
		s.mu.Unlock()
		log.Printf("transport %s: write failed, buffering: %v", s.opts.DocumentID, err)
		s.scheduleReconnect()
		return nil
	}
	s.mu.Unlock()
	return nil
}

// Disconnect closes the connection and stops reconnecting. The outbound
// buffer is discarded with the session.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.closed = true
	if s.reconnect != nil {
		s.reconnect.Stop()
		s.reconnect = nil
	}
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// Connected reports whether a live connection exists right now.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Buffered returns the number of events waiting for the next reconnect.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var ev collab.Event
		if err := conn.ReadJSON(&ev); err != nil {
			s.mu.Lock()
			closed := s.closed
			current := s.conn == conn
			if current {
				s.dropConnLocked(conn)
			}
			s.mu.Unlock()

			if closed || !current {
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("transport %s: connection lost: %v", s.opts.DocumentID, err)
			}
			s.scheduleReconnect()
			return
		}
		if s.opts.OnEvent != nil {
			s.opts.OnEvent(ev)
		}
	}
}

// dropConnLocked clears the active connection. Callers hold mu.
func (s *Session) dropConnLocked(conn *websocket.Conn) {
	conn.Close()
	if s.conn == conn {
		s.conn = nil
	}
}

func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.reconnect != nil || s.conn != nil {
		return
	}
	s.reconnect = time.AfterFunc(s.opts.ReconnectDelay, func() {
		s.mu.Lock()
		s.reconnect = nil
		s.mu.Unlock()
		if err := s.Connect(context.Background()); err != nil {
			log.Printf("transport %s: reconnect failed, retrying in %s: %v",
				s.opts.DocumentID, s.opts.ReconnectDelay, err)
		}
	})
}
