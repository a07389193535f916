// Package terminal fans out the output of managed provisioning commands to websocket viewers.
package terminal

import (
	"net/http"
	"sync"
	"time"

	"wingman/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	defaultHistory = 500
	sendBuffer     = 256
	writeWait      = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // the control surface sits behind the api key middleware
	},
}

type viewer struct {
	send chan string
}

// Hub keeps the most recent output lines and streams new ones to every connected viewer
type Hub struct {
	mu      sync.Mutex
	history []string
	limit   int
	viewers map[*viewer]struct{}
}

// NewHub creates a hub replaying up to history lines to new viewers
func NewHub(history int) *Hub {
	if history <= 0 {
		history = defaultHistory
	}
	return &Hub{
		limit:   history,
		viewers: make(map[*viewer]struct{}),
	}
}

// Broadcast appends line to the history and sends it to every viewer. A viewer that
// cannot keep up is disconnected.
func (h *Hub) Broadcast(line string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, line)
	if len(h.history) > h.limit {
		h.history = h.history[len(h.history)-h.limit:]
	}
	for v := range h.viewers {
		select {
		case v.send <- line:
		default:
			delete(h.viewers, v)
			close(v.send)
		}
	}
}

// Lines returns a copy of the retained history
func (h *Hub) Lines() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	lines := make([]string, len(h.history))
	copy(lines, h.history)
	return lines
}

// Viewers number of connected viewers
func (h *Hub) Viewers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.viewers)
}

func (h *Hub) subscribe() *viewer {
	h.mu.Lock()
	defer h.mu.Unlock()
	v := &viewer{send: make(chan string, sendBuffer+len(h.history))}
	for _, line := range h.history {
		v.send <- line
	}
	h.viewers[v] = struct{}{}
	return v
}

func (h *Hub) unsubscribe(v *viewer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.viewers[v]; ok {
		delete(h.viewers, v)
		close(v.send)
	}
}

// ServeWS upgrades the request and streams history plus new lines as text messages until
// the viewer goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.ErrorCtx(r.Context(), "Failed to upgrade to websocket: %v", err)
		return
	}
	defer ws.Close()

	v := h.subscribe()
	defer h.unsubscribe(v)

	// viewers only listen; reading detects the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case line, ok := <-v.send:
			if !ok {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(writeWait))
				return
			}
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
				logger.DebugCtx(r.Context(), "terminal viewer write failed: %v", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
