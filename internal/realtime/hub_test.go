package realtime_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"premium-market/internal/realtime"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, hub *realtime.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) realtime.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env realtime.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	return env
}

func TestHubRoutesUserMessages(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	hub := realtime.NewHub(logger)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	alice := dial(t, srv, "?user_id=alice")
	anon := dial(t, srv, "")
	waitClients(t, hub, 2)

	ctx := context.Background()
	if err := hub.EmitToUser(ctx, "alice", map[string]string{"outcome": "win"}); err != nil {
		t.Fatal(err)
	}
	if err := hub.Broadcast(ctx, "market", map[string]int{"symbols": 3}); err != nil {
		t.Fatal(err)
	}

	first := readEnvelope(t, alice)
	if first.Type != realtime.UserTopic {
		t.Fatalf("alice first message type = %s", first.Type)
	}
	if second := readEnvelope(t, alice); second.Type != "market" {
		t.Fatalf("alice second message type = %s", second.Type)
	}

	// the anonymous client only sees the broadcast
	got := readEnvelope(t, anon)
	if got.Type != "market" {
		t.Fatalf("anon message type = %s", got.Type)
	}
	data, _ := json.Marshal(got.Data)
	if string(data) != `{"symbols":3}` {
		t.Fatalf("anon payload = %s", data)
	}
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	hub := realtime.NewHub(logger)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "?user_id=bob")
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
}
