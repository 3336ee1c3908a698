package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"UniNavigator/internal/backend"
	"UniNavigator/internal/session"
	"UniNavigator/internal/stream"

	"github.com/gorilla/websocket"
)

// WebSocketStreamer streams chat replies over a websocket endpoint. The
// request is sent as one JSON text message; every message received after it
// is a chunk of the same line-oriented event stream the HTTP endpoint uses.
type WebSocketStreamer struct {
	URL    string
	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// NewWebSocketStreamer creates a streamer for url (ws:// or wss://)
func NewWebSocketStreamer(url string, logger *slog.Logger) *WebSocketStreamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketStreamer{URL: url, Dialer: websocket.DefaultDialer, Logger: logger}
}

// WebSocketURL derives the websocket chat endpoint from an HTTP base URL
func WebSocketURL(baseURL string) string {
	u := strings.TrimRight(baseURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/chat/ws"
}

// StreamMessage sends req and decodes the reply messages until the sentinel
// or until the server closes the connection.
func (w *WebSocketStreamer) StreamMessage(ctx context.Context, req backend.ChatRequest, sink stream.Sink) (stream.Result, error) {
	conn, resp, err := w.Dialer.DialContext(ctx, w.URL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return stream.Result{}, checkStatusOr(resp, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stream.Result{}, ctxErr
		}
		return stream.Result{}, &session.TransportError{Message: "failed to connect", Err: err}
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	req.Stream = true
	payload, err := json.Marshal(req)
	if err != nil {
		return stream.Result{}, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return stream.Result{}, &session.TransportError{Message: "failed to send message", Err: err}
	}

	dec := stream.NewDecoder(sink)
	dec.OnDecodeError(func(e *session.DecodeError) {
		w.Logger.Debug("stream payload recovered as text", "error", e)
	})
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return dec.Result(), ctxErr
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return dec.Finish(), nil
			}
			return dec.Result(), &session.TransportError{Message: "failed to read response stream", Err: err}
		}
		if dec.Feed(data) {
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return dec.Finish(), nil
		}
	}
}

func checkStatusOr(resp *http.Response, err error) error {
	if serr := checkStatus(resp, "Failed to send message"); serr != nil {
		return serr
	}
	return &session.TransportError{Status: resp.StatusCode, Message: "failed to connect", Err: err}
}
