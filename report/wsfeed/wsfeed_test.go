package wsfeed

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestFeedBroadcastsLineToConnectedClient(t *testing.T) {
	feed := NewFeed()
	srv := httptest.NewServer(http.HandlerFunc(feed.Handler))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server goroutine time to register the client.
	deadline := time.Now().Add(2 * time.Second)
	for feed.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if feed.ClientCount() != 1 {
		t.Fatalf("expected 1 connected client, got %d", feed.ClientCount())
	}

	feed.BroadcastLine("!range 1 2 3.000")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	if string(msg) != "!range 1 2 3.000" {
		t.Fatalf("unexpected message: %q", msg)
	}
}
