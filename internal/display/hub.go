package display

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/disintegration/imaging"

	"github.com/MrWong99/seesay/pkg/provider/classifier"
)

const (
	clientBuffer = 8
	writeTimeout = 5 * time.Second
)

// Message is one display update as sent to websocket clients.
type Message struct {
	Type string `json:"type"` // "status", "image", "results" or "ready"

	Status  string                   `json:"status,omitempty"`
	Image   string                   `json:"image,omitempty"` // data URL, PNG
	Results []classifier.Recognition `json:"results,omitempty"`
	Slots   []string                 `json:"slots,omitempty"`
	Summary string                   `json:"summary,omitempty"`
	Ready   *bool                    `json:"ready,omitempty"`
}

// Hub is a [Sink] that broadcasts updates to websocket clients. A client that
// connects late first receives the latest status, image and results. Slow
// clients are disconnected rather than allowed to stall the pipeline.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
	latest  map[string][]byte // by message type
	closed  bool
}

type client struct {
	send chan []byte
	gone chan struct{}
	once sync.Once
}

func (c *client) drop() { c.once.Do(func() { close(c.gone) }) }

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		latest:  make(map[string][]byte),
	}
}

// ShowStatus implements [Sink].
func (h *Hub) ShowStatus(text string) {
	h.broadcast(Message{Type: "status", Status: text})
}

// ShowImage implements [Sink].
func (h *Hub) ShowImage(img image.Image) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		slog.Warn("display: encode image", "err", err)
		return
	}
	h.broadcast(Message{
		Type:  "image",
		Image: "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()),
	})
}

// ShowResults implements [Sink].
func (h *Hub) ShowResults(recs []classifier.Recognition) {
	slots := Slots(recs)
	h.broadcast(Message{
		Type:    "results",
		Results: recs,
		Slots:   slots[:],
		Summary: Summary(recs),
	})
}

// ShowReady publishes the readiness flag. It has the shape of a
// readiness subscriber.
func (h *Hub) ShowReady(ready bool) {
	h.broadcast(Message{Type: "ready", Ready: &ready})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		slog.Warn("display: marshal message", "type", m.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.latest[m.Type] = data
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("display: websocket client too slow, disconnecting")
			delete(h.clients, c)
			c.drop()
		}
	}
}

// ServeHTTP upgrades the request to a websocket and streams updates until
// the client goes away or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("display: websocket accept", "err", err)
		return
	}
	defer conn.CloseNow()

	c := &client{send: make(chan []byte, clientBuffer), gone: make(chan struct{})}
	if !h.add(c) {
		conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.remove(c)

	// Clients never send; CloseRead handles control frames and reports
	// disconnects through ctx.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.gone:
			conn.Close(websocket.StatusGoingAway, "")
			return
		case data := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("display: websocket write", "err", err)
				return
			}
		}
	}
}

// add registers c and queues the latest state for it.
func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	for _, typ := range []string{"ready", "status", "image", "results"} {
		if data, ok := h.latest[typ]; ok {
			c.send <- data
		}
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
	c.drop()
}

// Close disconnects every client. Idempotent.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for c := range h.clients {
		c.drop()
		delete(h.clients, c)
	}
	return nil
}

var (
	_ Sink         = (*Hub)(nil)
	_ http.Handler = (*Hub)(nil)
)
