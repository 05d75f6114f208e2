package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watzon/sellia/internal/protocol"
)

func TestToWebSocketURLConvertsScheme(t *testing.T) {
	u, err := toWebSocketURL("http://localhost:8080", "/chat")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/chat", u)

	u, err = toWebSocketURL("https://localhost:8443", "/chat")
	require.NoError(t, err)
	assert.Equal(t, "wss://localhost:8443/chat", u)
}

func TestWSForwarderDialConnectsAndEchoes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
	}))
	defer server.Close()

	target := "http://" + strings.TrimPrefix(server.URL, "http://")
	f := NewWSForwarder(target, nil)
	conn, _, err := f.Dial(context.Background(), "/ws", protocol.Headers{})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hi")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

func TestWSForwarderDialNoRoute(t *testing.T) {
	f := NewWSForwarder("", func(path string) string { return "" })
	_, _, err := f.Dial(context.Background(), "/ws", protocol.Headers{})
	assert.ErrorIs(t, err, ErrNoRoute)
}

// TestWSForwarderDialOffersSubprotocol exercises an HMR-style upgrade whose
// headers carry Sec-WebSocket-Protocol: gorilla/websocket rejects that key
// in a requestHeader, so it must be routed through Dialer.Subprotocols
// instead of passed through verbatim.
func TestWSForwarderDialOffersSubprotocol(t *testing.T) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{"vite-hmr"},
	}
	var gotProtocol string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotProtocol = r.Header.Get("Sec-WebSocket-Protocol")
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		assert.Equal(t, "vite-hmr", conn.Subprotocol())
	}))
	defer server.Close()

	target := "http://" + strings.TrimPrefix(server.URL, "http://")
	f := NewWSForwarder(target, nil)
	conn, _, err := f.Dial(context.Background(), "/ws", protocol.Headers{
		"Sec-Websocket-Protocol": {"vite-hmr"},
	})
	require.NoError(t, err, "dial must not fail when the offer includes Sec-WebSocket-Protocol")
	defer conn.Close()

	assert.Equal(t, "vite-hmr", gotProtocol)
	assert.Equal(t, "vite-hmr", conn.Subprotocol())
}
