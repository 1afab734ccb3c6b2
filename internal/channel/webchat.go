// ABOUTME: Built-in web chat adapter backed by a websocket endpoint
// ABOUTME: Each websocket client is a direct conversation; the gateway mux mounts ServeHTTP

package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// webchatFrame is the wire shape exchanged with web chat clients.
type webchatFrame struct {
	Type string `json:"type"` // "message"
	Text string `json:"text"`
}

// WebChat is the reference adapter. It has no external transport of its
// own: the gateway's HTTP server mounts ServeHTTP and every accepted
// websocket becomes a direct conversation keyed by a session ID.
type WebChat struct {
	logger *slog.Logger
	events chan Event

	mu      sync.RWMutex
	conns   map[string]*websocket.Conn // conversation ID -> connection
	closed  bool
	readers sync.WaitGroup // live ServeHTTP read loops
}

// NewWebChat creates the web chat adapter.
func NewWebChat(logger *slog.Logger) *WebChat {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebChat{
		logger: logger.With("component", "webchat"),
		events: make(chan Event, 64),
		conns:  make(map[string]*websocket.Conn),
	}
}

// Type implements Adapter.
func (w *WebChat) Type() Type { return TypeWebChat }

// Connect implements Adapter. The web chat transport is the gateway's own
// HTTP listener, so there is nothing to establish and no credentials to
// fail on. A closed adapter refuses to reconnect.
func (w *WebChat) Connect(ctx context.Context) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrDisconnected
	}
	return nil
}

// Receive implements Adapter.
func (w *WebChat) Receive() <-chan Event { return w.events }

// Send implements Adapter. Delivers a reply frame to the websocket client
// behind the conversation.
func (w *WebChat) Send(ctx context.Context, conversationID, text string) error {
	w.mu.RLock()
	conn, ok := w.conns[conversationID]
	w.mu.RUnlock()
	if !ok {
		return ErrDeliveryFailed
	}

	data, err := json.Marshal(webchatFrame{Type: "message", Text: text})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close implements Adapter. Closes every client connection, waits for their
// read loops to finish, and only then closes the event stream. The wait is
// what makes closing the stream safe: no reader can still be emitting.
func (w *WebChat) Close(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	conns := make([]*websocket.Conn, 0, len(w.conns))
	for _, c := range w.conns {
		conns = append(conns, c)
	}
	w.conns = make(map[string]*websocket.Conn)
	w.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "gateway shutting down")
	}
	w.readers.Wait()
	close(w.events)
	return nil
}

// ServeHTTP accepts a websocket client and reads message frames until the
// client disconnects. A client may pin its conversation across reconnects
// with the ?session= query parameter.
func (w *WebChat) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(rw, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		w.logger.Warn("websocket accept failed", "error", err)
		return
	}

	conversationID := r.URL.Query().Get("session")
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "gateway shutting down")
		return
	}
	w.conns[conversationID] = conn
	w.readers.Add(1)
	w.mu.Unlock()

	w.logger.Info("webchat client connected", "conversation_id", conversationID)
	defer func() {
		w.readers.Done()
		w.mu.Lock()
		delete(w.conns, conversationID)
		w.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
		w.logger.Info("webchat client disconnected", "conversation_id", conversationID)
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			if websocket.CloseStatus(err) == -1 && r.Context().Err() == nil {
				w.logger.Warn("webchat read error", "conversation_id", conversationID, "error", err)
			}
			return
		}

		var frame webchatFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Text == "" {
			continue
		}

		w.emit(Event{
			Message: &Message{
				ID:             uuid.New().String(),
				Channel:        TypeWebChat,
				ConversationID: conversationID,
				SenderID:       conversationID,
				Text:           frame.Text,
				Direction:      DirectionIn,
				Timestamp:      time.Now(),
			},
			IsDirect: true,
		})
	}
}

// emit pushes an event without blocking the websocket read loop forever.
func (w *WebChat) emit(ev Event) {
	w.mu.RLock()
	closed := w.closed
	w.mu.RUnlock()
	if closed {
		return
	}
	select {
	case w.events <- ev:
	case <-time.After(5 * time.Second):
		w.logger.Warn("event stream full, dropping inbound message")
	}
}
