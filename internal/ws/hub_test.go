package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// newTestServer upgrades each request and serves it on the hub with the user
// id taken from the "user" query parameter.
func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = hub.ServeConn(conn, r.URL.Query().Get("user"))
	}))
}

func dial(t *testing.T, server *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func waitForConnections(t *testing.T, hub *Hub, userID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ConnectionCount(userID) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d connections for %s, got %d", want, userID, hub.ConnectionCount(userID))
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return event
}

func TestNotifyReachesOnlyListedUsers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	server := newTestServer(t, hub)
	defer server.Close()

	alice := dial(t, server, "usr_alice")
	defer alice.Close()
	bob := dial(t, server, "usr_bob")
	defer bob.Close()
	waitForConnections(t, hub, "usr_alice", 1)
	waitForConnections(t, hub, "usr_bob", 1)

	hub.Notify("new_issue", map[string]any{"id": "iss_1", "status": "triaged"}, []string{"usr_alice"})

	event := readEvent(t, alice)
	if event.Event != "new_issue" {
		t.Errorf("expected new_issue event, got %s", event.Event)
	}
	data, _ := event.Data.(map[string]any)
	if data["status"] != "triaged" {
		t.Errorf("expected status triaged, got %v", data["status"])
	}

	// bob holds no grant and must receive nothing
	_ = bob.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := bob.ReadMessage(); err == nil {
		t.Error("expected no event for unlisted user")
	}
}

func TestAllConnectionsOfUserReceiveCopy(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	server := newTestServer(t, hub)
	defer server.Close()

	first := dial(t, server, "usr_alice")
	defer first.Close()
	second := dial(t, server, "usr_alice")
	defer second.Close()
	waitForConnections(t, hub, "usr_alice", 2)

	hub.Notify("new_issue", map[string]any{"id": "iss_1"}, []string{"usr_alice"})

	for _, conn := range []*websocket.Conn{first, second} {
		event := readEvent(t, conn)
		if event.Event != "new_issue" {
			t.Errorf("expected new_issue, got %s", event.Event)
		}
	}
}

func TestRejectsConnectionWithoutUser(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	server := newTestServer(t, hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	// server closes the connection before it joins any room
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected connection to be closed")
	}
	if got := hub.ConnectionCount(""); got != 0 {
		t.Errorf("expected no room for empty user, got %d connections", got)
	}
}

func TestDisconnectCleansRoom(t *testing.T) {
	hub := NewHub()
	defer hub.Close()
	server := newTestServer(t, hub)
	defer server.Close()

	conn := dial(t, server, "usr_alice")
	waitForConnections(t, hub, "usr_alice", 1)

	conn.Close()
	waitForConnections(t, hub, "usr_alice", 0)

	// delivery to a user with no connections is a silent no-op
	hub.Notify("new_issue", map[string]any{"id": "iss_1"}, []string{"usr_alice"})
}

func TestNotifySkipsUnknownUsers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	// no connections registered at all; must not panic or block
	hub.Notify("new_issue", map[string]any{"id": "iss_1"}, []string{"usr_ghost", "usr_other"})
}
