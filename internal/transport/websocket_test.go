package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"UniNavigator/internal/backend"
	"UniNavigator/internal/session"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func wsServer(t *testing.T, frames []string, closeAfter bool) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var req backend.ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		if closeAfter {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		}
		// wait for the client to hang up
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketURL(t *testing.T) {
	require.Equal(t, "ws://127.0.0.1:8000/api/v1/chat/ws", WebSocketURL("http://127.0.0.1:8000/api/v1/"))
	require.Equal(t, "wss://api.example.lk/v1/chat/ws", WebSocketURL("https://api.example.lk/v1"))
}

func TestWebSocketStreamer_FramesSplitMidLine(t *testing.T) {
	srv := wsServer(t, []string{
		`data: {"content":"Ay`,
		"ubowan\"}\ndata: {\"route\":\"vector\"}\n",
		"data: [DONE]\n",
	}, false)

	ws := NewWebSocketStreamer("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	var got []string
	res, err := ws.StreamMessage(context.Background(), backend.ChatRequest{Message: "hi"}, func(s string) { got = append(got, s) })
	require.NoError(t, err)
	require.Equal(t, []string{"Ayubowan"}, got)
	require.Equal(t, "Ayubowan", res.FullText)
	require.Equal(t, "vector", res.Route)
}

func TestWebSocketStreamer_NormalCloseFinalizes(t *testing.T) {
	srv := wsServer(t, []string{"data: {\"content\":\"only\"}\n", "data: end"}, true)

	ws := NewWebSocketStreamer("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	res, err := ws.StreamMessage(context.Background(), backend.ChatRequest{Message: "hi"}, nil)
	require.NoError(t, err)
	require.Equal(t, "onlyend", res.FullText)
}

func TestWebSocketStreamer_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"message":"Assistant offline"}`))
	}))
	defer srv.Close()

	ws := NewWebSocketStreamer("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	_, err := ws.StreamMessage(context.Background(), backend.ChatRequest{Message: "hi"}, nil)
	var te *session.TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, http.StatusServiceUnavailable, te.Status)
	require.Equal(t, "Assistant offline", te.Message)
}
