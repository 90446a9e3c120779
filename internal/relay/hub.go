package relay

import (
	"log"
	"net/http"
	"sync"
	"time"

	"foresight/sync/internal/collab"
	"foresight/sync/internal/util"

	"github.com/gorilla/websocket"
)

const clientSendBuffer = 64

// Hub relays collaboration events between the participants of each
// document. It is a pure fan-out: events pass through untouched, every
// participant except the sender receives them.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	rooms map[string]map[*hubClient]bool
}

type hubClient struct {
	conn     *websocket.Conn
	out      chan collab.Event
	userID   string
	userName string
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		rooms: make(map[string]map[*hubClient]bool),
	}
}

// ServeWS upgrades the request and keeps the connection in the document's
// room until it drops. Blocks for the lifetime of the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, documentID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("relay %s: upgrade failed: %v", documentID, err)
		return
	}

	client := &hubClient{conn: conn, out: make(chan collab.Event, clientSendBuffer)}

	h.mu.Lock()
	room, ok := h.rooms[documentID]
	if !ok {
		room = make(map[*hubClient]bool)
		h.rooms[documentID] = room
	}
	room[client] = true
	h.mu.Unlock()

	go client.writePump()
	h.readPump(documentID, client)
}

// readPump forwards inbound events to the rest of the room and records the
// sender's identity from their join announcement. When the connection
// drops, a leave event is synthesized for everyone still in the room.
func (h *Hub) readPump(documentID string, c *hubClient) {
	defer func() {
		h.mu.Lock()
		if room, ok := h.rooms[documentID]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, documentID)
			}
		}
		userID, userName := c.userID, c.userName
		h.mu.Unlock()

		close(c.out)
		c.conn.Close()

		if userID != "" {
			h.broadcast(documentID, c, collab.Event{
				ID:        util.NewID("evt"),
				Type:      collab.EventUserLeave,
				UserID:    userID,
				UserName:  userName,
				Timestamp: time.Now().UTC(),
			})
		}
	}()

	for {
		var ev collab.Event
		if err := c.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("relay %s: read failed: %v", documentID, err)
			}
			return
		}
		if ev.Type == collab.EventUserJoin {
			h.mu.Lock()
			c.userID = ev.UserID
			c.userName = ev.UserName
			h.mu.Unlock()
		}
		h.broadcast(documentID, c, ev)
	}
}

// broadcast delivers an event to every room member except the sender. A
// client whose buffer is full misses the event rather than stalling the
// room.
func (h *Hub) broadcast(documentID string, from *hubClient, ev collab.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.rooms[documentID] {
		if client == from {
			continue
		}
		select {
		case client.out <- ev:
		default:
			log.Printf("relay %s: dropping %s event for slow participant %s", documentID, ev.Type, client.userID)
		}
	}
}

// RoomSize reports how many connections a document currently has.
func (h *Hub) RoomSize(documentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[documentID])
}

func (c *hubClient) writePump() {
	for ev := range c.out {
		if err := c.conn.WriteJSON(ev); err != nil {
			c.conn.Close()
			return
		}
	}
}
