package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"foresight/sync/internal/collab"
	"foresight/sync/internal/conflict"
	"foresight/sync/internal/queue"
	"foresight/sync/internal/storage"

	"github.com/gorilla/websocket"
)

type failingPinger struct{ err error }

func (p *failingPinger) Ping(ctx context.Context) error { return p.err }

func newTestServer(t *testing.T, pinger Pinger) (*httptest.Server, *CardStore) {
	t.Helper()
	store := NewCardStore(storage.NewMemoryKV())
	server := httptest.NewServer(NewHTTPServer(store, NewHub(), pinger, "*").Handler())
	t.Cleanup(server.Close)
	return server, store
}

func postMutation(t *testing.T, server *httptest.Server, action string, data conflict.Payload) *http.Response {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"data":      data,
		"timestamp": time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	method := http.MethodPost
	if action == "delete" {
		method = http.MethodDelete
	}
	req, err := http.NewRequest(method, server.URL+"/sync/"+action, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func decodePayload(t *testing.T, resp *http.Response) conflict.Payload {
	t.Helper()
	defer resp.Body.Close()
	var payload conflict.Payload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/api/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
}

func TestReadyReportsStoreFailure(t *testing.T) {
	server, _ := newTestServer(t, &failingPinger{err: errors.New("connection refused")})

	resp, err := http.Get(server.URL + "/api/ready")
	if err != nil {
		t.Fatalf("ready request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when the store is down, got %d", resp.StatusCode)
	}
}

func TestSyncCreateReturnsAuthoritativeState(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp := postMutation(t, server, "create", conflict.Payload{"id": "card-1", "title": "Roadmap"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodePayload(t, resp)
	if v, _ := conflict.Version(payload); v != 1 {
		t.Errorf("expected authoritative version 1, got %d", v)
	}

	// The card is readable back through the inspection endpoint.
	got, err := http.Get(server.URL + "/api/cards/card-1")
	if err != nil {
		t.Fatalf("card fetch failed: %v", err)
	}
	card := decodePayload(t, got)
	if card["title"] != "Roadmap" {
		t.Errorf("unexpected card: %v", card)
	}
}

func TestSyncStaleUpdateReturns409WithCurrentState(t *testing.T) {
	server, store := newTestServer(t, nil)

	if _, err := store.Apply(context.Background(), "create", conflict.Payload{"id": "card-1", "title": "server copy", conflict.VersionField: 4}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	resp := postMutation(t, server, "update", conflict.Payload{"id": "card-1", "title": "stale local", conflict.VersionField: 1})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	current := decodePayload(t, resp)
	if current["title"] != "server copy" {
		t.Errorf("409 body must carry current state, got %v", current)
	}
}

func TestSyncDeleteRequiresDeleteMethod(t *testing.T) {
	server, store := newTestServer(t, nil)

	if _, err := store.Apply(context.Background(), "create", conflict.Payload{"id": "card-1"}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	body := bytes.NewReader([]byte(`{"data":{"id":"card-1"}}`))
	resp, err := http.Post(server.URL+"/sync/delete", "application/json", body)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for POST delete, got %d", resp.StatusCode)
	}

	resp = postMutation(t, server, "delete", conflict.Payload{"id": "card-1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200 for DELETE, got %d", resp.StatusCode)
	}
	if _, err := store.Get(context.Background(), "card-1"); !errors.Is(err, ErrCardNotFound) {
		t.Errorf("expected card removed, got %v", err)
	}
}

func TestSyncRejectsEmptyData(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp, err := http.Post(server.URL+"/sync/create", "application/json", strings.NewReader(`{"data":{}}`))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for empty data, got %d", resp.StatusCode)
	}
}

func dialRoom(t *testing.T, server *httptest.Server, documentID, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/collaboration/" + documentID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })

	join := collab.Event{
		ID:        fmt.Sprintf("evt_%s_join", userID),
		Type:      collab.EventUserJoin,
		UserID:    userID,
		UserName:  userID,
		Timestamp: time.Now().UTC(),
	}
	if err := conn.WriteJSON(join); err != nil {
		t.Fatalf("join failed: %v", err)
	}
	return conn
}

func collectEvents(conn *websocket.Conn, mu *sync.Mutex, into *[]collab.Event) {
	for {
		var ev collab.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		mu.Lock()
		*into = append(*into, ev)
		mu.Unlock()
	}
}

func waitForEvents(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHubRelaysBetweenParticipants(t *testing.T) {
	server, _ := newTestServer(t, nil)

	alice := dialRoom(t, server, "card-1", "alice")
	bob := dialRoom(t, server, "card-1", "bob")

	var mu sync.Mutex
	var aliceGot, bobGot []collab.Event
	go collectEvents(alice, &mu, &aliceGot)
	go collectEvents(bob, &mu, &bobGot)

	change := collab.Event{
		ID:        "evt_change",
		Type:      collab.EventFieldChange,
		UserID:    "alice",
		Field:     "title",
		Value:     "Updated",
		Timestamp: time.Now().UTC(),
	}
	if err := alice.WriteJSON(change); err != nil {
		t.Fatalf("alice write failed: %v", err)
	}

	waitForEvents(t, "bob to see the change", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range bobGot {
			if ev.Type == collab.EventFieldChange && ev.Field == "title" {
				return true
			}
		}
		return false
	})

	// The sender never hears their own event back.
	mu.Lock()
	for _, ev := range aliceGot {
		if ev.ID == "evt_change" {
			t.Error("alice received her own event")
		}
	}
	mu.Unlock()
}

func TestHubSynthesizesLeaveOnDisconnect(t *testing.T) {
	server, _ := newTestServer(t, nil)

	alice := dialRoom(t, server, "card-1", "alice")
	bob := dialRoom(t, server, "card-1", "bob")

	var mu sync.Mutex
	var aliceGot []collab.Event
	go collectEvents(alice, &mu, &aliceGot)

	// Wait until the room sees both members before dropping bob.
	waitForEvents(t, "alice to see bob join", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range aliceGot {
			if ev.Type == collab.EventUserJoin && ev.UserID == "bob" {
				return true
			}
		}
		return false
	})

	bob.Close()

	waitForEvents(t, "leave event for bob", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, ev := range aliceGot {
			if ev.Type == collab.EventUserLeave && ev.UserID == "bob" {
				return true
			}
		}
		return false
	})
}

// End to end: a real mutation queue draining against this relay, including
// the stale-update path where the server's answer wins.
func TestQueueDrainsAgainstRelay(t *testing.T) {
	server, store := newTestServer(t, nil)

	if _, err := store.Apply(context.Background(), "create", conflict.Payload{"id": "card-1", "title": "server copy", conflict.VersionField: 4}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	var mu sync.Mutex
	var conflicts []conflict.Record
	var serverStates []conflict.Payload
	manager := queue.New(queue.Options{
		Endpoint:       server.URL + "/sync",
		RetryBaseDelay: 10 * time.Millisecond,
		SyncDebounce:   10 * time.Millisecond,
		OnConflict: func(rec conflict.Record) {
			mu.Lock()
			defer mu.Unlock()
			conflicts = append(conflicts, rec)
		},
		OnServerState: func(itemID string, state conflict.Payload) {
			mu.Lock()
			defer mu.Unlock()
			serverStates = append(serverStates, state)
		},
	}, storage.NewMemoryKV(), "queue:card-1")
	defer manager.Close()

	// A stale edit: the server has moved ahead, this client saw version 1.
	if _, err := manager.Enqueue(context.Background(), queue.ActionUpdate,
		conflict.Payload{"id": "card-1", "title": "stale local", conflict.VersionField: 1}, nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	// A fresh create for another card syncs cleanly.
	if _, err := manager.Enqueue(context.Background(), queue.ActionCreate,
		conflict.Payload{"id": "card-2", "title": "fresh"}, nil); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	waitForEvents(t, "queue to drain", func() bool { return manager.Len() == 0 })

	mu.Lock()
	defer mu.Unlock()
	if len(conflicts) != 1 {
		t.Fatalf("expected 1 conflict record, got %d", len(conflicts))
	}
	if conflicts[0].Resolution != conflict.UseServer {
		t.Errorf("expected server to win, got %s", conflicts[0].Resolution)
	}
	if conflicts[0].Server["title"] != "server copy" {
		t.Errorf("conflict record missing server state: %v", conflicts[0].Server)
	}

	found := false
	for _, state := range serverStates {
		if v, _ := conflict.Version(state); state["id"] == "card-2" && v == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("expected authoritative state for card-2, got %v", serverStates)
	}

	// The stale edit never overwrote the server's copy.
	current, err := store.Get(context.Background(), "card-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if current["title"] != "server copy" {
		t.Errorf("server copy was overwritten: %v", current)
	}
}
