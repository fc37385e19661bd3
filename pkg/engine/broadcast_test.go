package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastReachesConnectedClient(t *testing.T) {
	b := NewBroadcaster()
	srv := httptest.NewServer(http.HandlerFunc(b.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// The handler registers the client just after the handshake completes.
	require.Eventually(t, func() bool { return b.ClientCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	b.Broadcast(&Status{State: "cache_ready", Backend: "sim", GPUBlocks: 120, Healthy: true})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got Status
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "cache_ready", got.State)
	assert.Equal(t, "sim", got.Backend)
	assert.Equal(t, 120, got.GPUBlocks)
	assert.True(t, got.Healthy)
}
