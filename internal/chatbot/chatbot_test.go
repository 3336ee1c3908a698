package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"UniNavigator/internal/backend"
	"UniNavigator/internal/config"
	"UniNavigator/internal/kvstore"
	"UniNavigator/internal/session"
	"UniNavigator/internal/store"
	"UniNavigator/internal/stream"
	"UniNavigator/internal/transport"
)

type fakeStreamer struct {
	mu       sync.Mutex
	requests []backend.ChatRequest
	chunks   []string
	err      error
}

func (f *fakeStreamer) StreamMessage(_ context.Context, req backend.ChatRequest, sink stream.Sink) (stream.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return stream.Result{}, f.err
	}
	for _, c := range f.chunks {
		sink(c)
	}
	return stream.Result{FullText: strings.Join(f.chunks, ""), Sources: []string{"UGC Handbook 2024"}}, nil
}

func newTestBot(t *testing.T, input string, streamer *fakeStreamer) (*ChatBot, *bytes.Buffer, kvstore.KV) {
	t.Helper()
	kv := kvstore.NewMemory()
	out := &bytes.Buffer{}
	cb := New(Deps{
		Config:   config.Default(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		KV:       kv,
		Streamer: streamer,
		In:       strings.NewReader(input),
		Out:      out,
	})
	return cb, out, kv
}

func TestRun_StreamsReply(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"You can ", "apply."}}
	cb, out, kv := newTestBot(t, "Can I apply?\n/quit\n", streamer)

	require.NoError(t, cb.Run(context.Background()))
	require.Contains(t, out.String(), "Bot: You can apply.\n")
	require.Contains(t, out.String(), "sources: UGC Handbook 2024")
	require.Contains(t, out.String(), "Goodbye!")

	convs, err := store.NewConversationStore(kv, slog.Default()).List(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Equal(t, "Can I apply?...", convs[0].Title)
	require.Len(t, convs[0].Messages, 2)
}

func TestRun_ProfileAndLanguageReachRequest(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"ok"}}
	cb, out, _ := newTestBot(t, "/profile 1.8123 Colombo\n/lang si\nhello\n", streamer)

	require.NoError(t, cb.Run(context.Background()))
	require.Contains(t, out.String(), "Profile saved: z-score 1.8123, district Colombo")

	require.Len(t, streamer.requests, 1)
	req := streamer.requests[0]
	require.Equal(t, "hello", req.Message)
	require.Equal(t, "si", req.Language)
	require.NotNil(t, req.ZScore)
	require.InDelta(t, 1.8123, *req.ZScore, 1e-9)
	require.Equal(t, "Colombo", req.District)
}

func TestRun_ConversationCommands(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"ok"}}
	cb, out, _ := newTestBot(t, "first question\n/new\n/list\n", streamer)
	require.NoError(t, cb.Run(context.Background()))

	require.Contains(t, out.String(), "Started new conversation: conv_")
	require.Contains(t, out.String(), "first question")
	require.Contains(t, out.String(), "2 msgs")

	convs := cb.session.List(context.Background())
	require.Len(t, convs, 2)
	fresh, first := convs[0], convs[1]
	require.Equal(t, cb.session.Current().ID, fresh.ID)
	require.Equal(t, "first question...", first.Title)

	cb.in = strings.NewReader("/open " + first.ID + "\n/delete " + first.ID + "\n")
	out.Reset()
	require.NoError(t, cb.Run(context.Background()))
	require.Contains(t, out.String(), "== first question... ==")
	require.Contains(t, out.String(), "You: first question")
	require.Contains(t, out.String(), "Deleted "+first.ID)
	require.Contains(t, out.String(), "Started new conversation:")

	convs = cb.session.List(context.Background())
	require.Len(t, convs, 2)
	for _, c := range convs {
		require.NotEqual(t, first.ID, c.ID)
	}
}

func TestRun_ErrorsAreShown(t *testing.T) {
	streamer := &fakeStreamer{err: &session.TransportError{Status: 503, Message: "Service unavailable"}}
	cb, out, _ := newTestBot(t, "hello\n/lang fr\n/profile nine\n/bogus\n", streamer)

	require.NoError(t, cb.Run(context.Background()))
	s := out.String()
	require.Contains(t, s, "Error: Service unavailable")
	require.Contains(t, s, "Error: unsupported language")
	require.Contains(t, s, `Error: invalid z-score "nine"`)
	require.Contains(t, s, "Error: unknown command: /bogus")

	// the user message survives the failed reply
	convs := cb.session.List(context.Background())
	require.Len(t, convs, 1)
	require.Len(t, convs[0].Messages, 1)
}

func TestRun_CancelledContextRunsNothing(t *testing.T) {
	streamer := &fakeStreamer{chunks: []string{"ok"}}
	cb, out, kv := newTestBot(t, "/list\n/new\n/list\n/help\nhello\n", streamer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := cb.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotContains(t, out.String(), "You: ")
	require.NotContains(t, out.String(), "Started new conversation")
	require.Empty(t, streamer.requests)

	_, ok, err := kv.Get(context.Background(), store.KeyConversations)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRun_CancelWhileWaitingForInput(t *testing.T) {
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	cb, out, _ := newTestBot(t, "", &fakeStreamer{chunks: []string{"ok"}})
	cb.in = pr

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cb.Run(ctx) }()

	// returns once the line has been read; stdin then stays open and idle
	_, err := pw.Write([]byte("/help\n"))
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	require.NotContains(t, out.String(), "Goodbye!")
}

func TestParseZScore(t *testing.T) {
	v, err := ParseZScore("2.05")
	require.NoError(t, err)
	require.InDelta(t, 2.05, v, 1e-9)

	for _, bad := range []string{"-0.1", "4.5", "abc", ""} {
		_, err := ParseZScore(bad)
		require.Error(t, err, bad)
	}
}

func TestEligibility_SavesLastSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/eligibility", r.URL.Path)
		var req backend.EligibilityRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.InDelta(t, 1.5, req.ZScore, 1e-9)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(backend.EligibilityResponse{
			Year:          2024,
			TotalEligible: 2,
			Results: []backend.EligibilityResult{
				{University: "University of Peradeniya", Course: "Engineering", CourseCode: "018A", CutoffScore: 1.42},
				{University: "University of Colombo", Course: "Science", CourseCode: "011", CutoffScore: 1.1},
			},
		})
	}))
	defer srv.Close()

	searchedAt := time.Date(2025, 8, 14, 10, 30, 0, 0, time.UTC)
	kv := kvstore.NewMemory()
	out := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cb := New(Deps{
		Config: config.Default(),
		Logger: logger,
		KV:     kv,
		Client: transport.NewClient(srv.URL, logger),
		Out:    out,
		Now:    func() time.Time { return searchedAt },
	})

	ctx := context.Background()
	require.NoError(t, cb.Eligibility(ctx, backend.EligibilityRequest{ZScore: 1.5, District: "Kandy", Year: 2024}))
	require.Contains(t, out.String(), "2 eligible courses (2024)")
	require.Less(t, strings.Index(out.String(), "University of Colombo"), strings.Index(out.String(), "University of Peradeniya"))

	ls, ok, err := store.NewPreferences(kv).LastSearch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Kandy", ls.District)
	require.Equal(t, "en", ls.Language)
	require.True(t, searchedAt.Equal(ls.Timestamp), ls.Timestamp)
}

func TestNewStreamer(t *testing.T) {
	cfg := config.Default()
	client := transport.NewClient(cfg.APIBaseURL, nil)

	require.Same(t, client, NewStreamer(cfg, client, nil))

	cfg.Stream = false
	require.IsType(t, &transport.OneShot{}, NewStreamer(cfg, client, nil))

	cfg.Stream = true
	cfg.Transport = config.TransportWebSocket
	ws, ok := NewStreamer(cfg, client, nil).(*transport.WebSocketStreamer)
	require.True(t, ok)
	require.Equal(t, "ws://127.0.0.1:8000/api/v1/chat/ws", ws.URL)
}
