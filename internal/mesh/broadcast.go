package mesh

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ChangeFeedPath is the websocket endpoint local UIs subscribe to.
const ChangeFeedPath = "/api/v1/mesh/changes"

// subscriberBuffer is the per-subscriber send queue. A subscriber that
// falls this far behind is dropped rather than back-pressuring the apply
// path.
const subscriberBuffer = 64

// ChangeEvent is one applied remote operation as published on the feed.
// Row data is omitted; subscribers refetch through the normal read paths.
type ChangeEvent struct {
	Table     string `json:"table"`
	Operation string `json:"operation"`
	RowID     string `json:"row_id"`
	PeerID    string `json:"peer_id"`
	Timestamp string `json:"timestamp"`
}

// Broadcaster fans applied remote operations out to local websocket
// subscribers so UIs can refresh without polling. It implements ChangeSink.
type Broadcaster struct {
	upgrader websocket.Upgrader

	mu          sync.Mutex
	subscribers map[chan ChangeEvent]bool
}

// NewBroadcaster creates a change feed broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		upgrader: websocket.Upgrader{
			// Subscribers are local UIs on the same machine.
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		subscribers: make(map[chan ChangeEvent]bool),
	}
}

// Publish queues an applied operation for every subscriber. It never
// blocks; slow subscribers are disconnected.
func (b *Broadcaster) Publish(op *Operation) {
	event := ChangeEvent{
		Table:     op.TableName,
		Operation: op.Operation,
		RowID:     op.RowID,
		PeerID:    op.PeerID,
		Timestamp: op.Timestamp,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			delete(b.subscribers, ch)
			close(ch)
		}
	}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// ServeHTTP upgrades the connection and streams change events until the
// subscriber disconnects or falls behind.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("mesh: upgrade change feed subscriber: %v", err)
		return
	}

	ch := make(chan ChangeEvent, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.subscribers[ch] {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
		_ = conn.Close()
	}()

	// Reader goroutine: we never expect inbound frames, but reading is what
	// detects the subscriber going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case event, ok := <-ch:
			if !ok {
				// Dropped for falling behind.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"),
					time.Now().Add(time.Second))
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}
