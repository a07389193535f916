package terminal

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dial(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(h.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readLine(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(msg)
}

func waitViewers(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Viewers() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestHub_HistoryIsBounded(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Broadcast(fmt.Sprintf("line %d", i))
	}
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, h.Lines())
}

func TestHub_ViewerReceivesHistoryThenLiveLines(t *testing.T) {
	h := NewHub(10)
	h.Broadcast("$ starcluster listclusters flock")

	conn := dial(t, h)
	assert.Equal(t, "$ starcluster listclusters flock", readLine(t, conn))

	waitViewers(t, h, 1)
	h.Broadcast("security group @sc-flock")
	assert.Equal(t, "security group @sc-flock", readLine(t, conn))
}

func TestHub_FanOut(t *testing.T) {
	h := NewHub(10)
	a := dial(t, h)
	b := dial(t, h)
	waitViewers(t, h, 2)

	h.Broadcast("scaling")
	assert.Equal(t, "scaling", readLine(t, a))
	assert.Equal(t, "scaling", readLine(t, b))
}

func TestHub_ClosedViewerIsRemoved(t *testing.T) {
	h := NewHub(10)
	conn := dial(t, h)
	waitViewers(t, h, 1)

	require.NoError(t, conn.Close())
	waitViewers(t, h, 0)

	assert.NotPanics(t, func() { h.Broadcast("after close") })
}
