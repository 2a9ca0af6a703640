// Package wsfeed streams the reporting channel's output to connected
// browser/debug clients over a websocket: every `!range`/`!id`/`!remove`
// line is broadcast as it is emitted, and the peer-table snapshot is
// pushed periodically as JSON.
package wsfeed

import (
	"log"
	"net/http"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/gorilla/websocket"
)

var jsonAPI = jsoniter.ConfigCompatibleWithStandardLibrary

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Feed fans out lines and JSON snapshots to every connected client.
type Feed struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

// NewFeed constructs an empty Feed.
func NewFeed() *Feed {
	return &Feed{clients: make(map[*websocket.Conn]chan []byte)}
}

// Handler is an http.HandlerFunc that upgrades the connection and registers
// it as a broadcast target until it disconnects.
func (f *Feed) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("wsfeed: upgrade failed: %v", err)
		return
	}

	out := make(chan []byte, 64)
	f.mu.Lock()
	f.clients[conn] = out
	f.mu.Unlock()

	go f.writePump(conn, out)
	f.readPump(conn)
}

func (f *Feed) writePump(conn *websocket.Conn, out chan []byte) {
	for msg := range out {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			f.remove(conn)
			return
		}
	}
}

// readPump exists only to detect client disconnects (this feed is
// send-only); any inbound message is discarded.
func (f *Feed) readPump(conn *websocket.Conn) {
	defer f.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *Feed) remove(conn *websocket.Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if out, ok := f.clients[conn]; ok {
		close(out)
		delete(f.clients, conn)
	}
	conn.Close()
}

// BroadcastLine sends a raw reporting-channel line (a `!range`/`!id`/
// `!remove` string) to every connected client.
func (f *Feed) BroadcastLine(line string) {
	f.broadcast([]byte(line))
}

// BroadcastSnapshot marshals v to JSON and sends it to every connected
// client, used for the periodic ranging.Snapshot push.
func (f *Feed) BroadcastSnapshot(v any) {
	data, err := jsonAPI.Marshal(v)
	if err != nil {
		log.Printf("wsfeed: marshal snapshot: %v", err)
		return
	}
	f.broadcast(data)
}

func (f *Feed) broadcast(msg []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn, out := range f.clients {
		select {
		case out <- msg:
		default:
			// Slow client; drop rather than block the whole fan-out.
			log.Printf("wsfeed: dropping message for slow client %s", conn.RemoteAddr())
		}
	}
}

// ClientCount returns the number of currently connected clients.
func (f *Feed) ClientCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}
