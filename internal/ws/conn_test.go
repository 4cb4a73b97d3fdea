package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// newTestServer starts an httptest.Server that upgrades to WebSocket and
// registers the connection in the manager under the id from the query string.
func newTestServer(t *testing.T, cm *ConnManager) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept error: %v", err)
			return
		}

		c := &client{
			id:   r.URL.Query().Get("id"),
			conn: conn,
		}
		ctx := cm.Add(c)
		if ctx.Err() != nil {
			return
		}
		defer cm.Remove(c.id)

		// Keep reading to hold the connection open.
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
}

func dialWS(t *testing.T, url, connID string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "?id=" + connID
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return conn
}

func waitForCount(t *testing.T, cm *ConnManager, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for cm.Count() != n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if cm.Count() != n {
		t.Fatalf("expected %d connections, got %d", n, cm.Count())
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	return env
}

func TestConnManagerAddAndRemove(t *testing.T) {
	cm := NewConnManager()
	ts := newTestServer(t, cm)
	defer ts.Close()

	conn := dialWS(t, ts.URL, "c1")
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForCount(t, cm, 1)

	cm.Remove("c1")
	if cm.Count() != 0 {
		t.Fatalf("expected 0 connections after remove, got %d", cm.Count())
	}
}

func TestSendToDeliversEnvelope(t *testing.T) {
	cm := NewConnManager()
	ts := newTestServer(t, cm)
	defer ts.Close()

	conn := dialWS(t, ts.URL, "c1")
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForCount(t, cm, 1)

	cm.SendTo("c1", "greeting", map[string]string{"text": "hello"})

	env := readEnvelope(t, conn)
	if env.Type != "greeting" {
		t.Fatalf("expected type 'greeting', got %q", env.Type)
	}
	var payload map[string]string
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload["text"] != "hello" {
		t.Errorf("expected payload text 'hello', got %q", payload["text"])
	}
}

func TestSendToUnknownConnection(t *testing.T) {
	cm := NewConnManager()
	// Must not panic or block.
	cm.SendTo("nobody", "greeting", "hi")
}

func TestBroadcastReachesAllConnections(t *testing.T) {
	cm := NewConnManager()
	ts := newTestServer(t, cm)
	defer ts.Close()

	conn1 := dialWS(t, ts.URL, "c1")
	defer conn1.Close(websocket.StatusNormalClosure, "")
	conn2 := dialWS(t, ts.URL, "c2")
	defer conn2.Close(websocket.StatusNormalClosure, "")
	waitForCount(t, cm, 2)

	cm.Broadcast("ping", "now")

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		env := readEnvelope(t, conn)
		if env.Type != "ping" {
			t.Errorf("expected type 'ping', got %q", env.Type)
		}
	}
}

func TestGroupBroadcastExcludesActor(t *testing.T) {
	cm := NewConnManager()
	ts := newTestServer(t, cm)
	defer ts.Close()

	conn1 := dialWS(t, ts.URL, "c1")
	defer conn1.Close(websocket.StatusNormalClosure, "")
	conn2 := dialWS(t, ts.URL, "c2")
	defer conn2.Close(websocket.StatusNormalClosure, "")
	waitForCount(t, cm, 2)

	if err := cm.AddToGroup("c1", "g"); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	if err := cm.AddToGroup("c2", "g"); err != nil {
		t.Fatalf("add c2: %v", err)
	}

	cm.BroadcastToGroup("g", "update", "v1", "c1")

	env := readEnvelope(t, conn2)
	if env.Type != "update" {
		t.Fatalf("expected 'update' on c2, got %q", env.Type)
	}

	// c1 was excluded; a follow-up direct send must be the next frame it sees.
	cm.SendTo("c1", "direct", "x")
	env = readEnvelope(t, conn1)
	if env.Type != "direct" {
		t.Errorf("expected c1 to skip the group update, got %q", env.Type)
	}
}

func TestAddToGroupUnknownConnection(t *testing.T) {
	cm := NewConnManager()
	if err := cm.AddToGroup("nobody", "g"); err == nil {
		t.Fatal("expected error for unknown connection")
	}
}

func TestRemoveDropsGroupMembership(t *testing.T) {
	cm := NewConnManager()
	ts := newTestServer(t, cm)
	defer ts.Close()

	conn := dialWS(t, ts.URL, "c1")
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForCount(t, cm, 1)

	if err := cm.AddToGroup("c1", "g"); err != nil {
		t.Fatalf("add c1: %v", err)
	}
	cm.Remove("c1")

	if members := cm.GroupMembers("g"); len(members) != 0 {
		t.Errorf("expected empty group after remove, got %v", members)
	}
	if cm.Stats().Groups != 0 {
		t.Errorf("expected empty group to be pruned, got %d groups", cm.Stats().Groups)
	}
}

func TestMaxConnsRejectsExcess(t *testing.T) {
	cm := NewConnManager(WithMaxConns(1))
	ts := newTestServer(t, cm)
	defer ts.Close()

	conn1 := dialWS(t, ts.URL, "c1")
	defer conn1.Close(websocket.StatusNormalClosure, "")
	waitForCount(t, cm, 1)

	conn2 := dialWS(t, ts.URL, "c2")
	defer conn2.Close(websocket.StatusNormalClosure, "")

	// The second connection is closed by the manager.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn2.Read(ctx); err == nil {
		t.Fatal("expected rejected connection to be closed")
	}

	if cm.Count() != 1 {
		t.Errorf("expected 1 active connection, got %d", cm.Count())
	}
	if cm.Stats().Rejected != 1 {
		t.Errorf("expected 1 rejection, got %d", cm.Stats().Rejected)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	cm := NewConnManager()
	ts := newTestServer(t, cm)
	defer ts.Close()

	conn := dialWS(t, ts.URL, "c1")
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForCount(t, cm, 1)

	cm.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected connection to be closed after shutdown")
	}
	if cm.Count() != 0 {
		t.Errorf("expected 0 connections, got %d", cm.Count())
	}
	if err := cm.AddToGroup("c1", "g"); err == nil {
		t.Error("expected group operations to fail after shutdown")
	}
}
