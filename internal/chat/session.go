// Package chat drives a conversation: it appends user messages, streams the
// assistant reply and keeps the conversation store current after every change.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"UniNavigator/internal/backend"
	"UniNavigator/internal/session"
	"UniNavigator/internal/store"
	"UniNavigator/internal/stream"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "uninavigator/chat"

// MaxMessageLength bounds a single user message, in characters
const MaxMessageLength = 2000

// State of a Session
type State int

const (
	Idle State = iota
	AwaitingReply
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingReply:
		return "awaiting_reply"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrBusy is returned by Send while a reply is still streaming
var ErrBusy = errors.New("a reply is already in progress")

// Streamer issues a streaming chat request
type Streamer interface {
	StreamMessage(ctx context.Context, req backend.ChatRequest, sink stream.Sink) (stream.Result, error)
}

// Context is the ambient student context attached to each request
type Context struct {
	Language   string
	ZScore     *float64
	District   string
	DistrictID *int
}

// ContextFunc supplies the request context at send time
type ContextFunc func(ctx context.Context) Context

// Session owns the in-memory current conversation and writes it back to the
// store after every mutation. One reply streams at a time.
type Session struct {
	store    *store.ConversationStore
	streamer Streamer
	ambient  ContextFunc
	logger   *slog.Logger
	now      func() time.Time

	tracer      trace.Tracer
	storeErrors metric.Int64Counter

	mu      sync.Mutex
	state   State
	current session.Conversation
}

// Option configures a Session
type Option func(*Session)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithContext sets the provider of language and profile context
func WithContext(fn ContextFunc) Option {
	return func(s *Session) { s.ambient = fn }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// New creates a session. Call Resume or StartNew before Send.
func New(st *store.ConversationStore, streamer Streamer, opts ...Option) *Session {
	s := &Session{
		store:    st,
		streamer: streamer,
		logger:   slog.Default(),
		now:      time.Now,
		tracer:   otel.Tracer(instrumentationName),
		ambient: func(context.Context) Context {
			return Context{Language: store.LanguageEnglish}
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	counter, err := otel.Meter(instrumentationName).Int64Counter(
		"chat.store.errors",
		metric.WithDescription("Failed conversation store writes"),
	)
	if err != nil {
		s.logger.Warn("failed to create counter", "error", err)
	}
	s.storeErrors = counter
	return s
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Current returns a copy of the active conversation
func (s *Session) Current() session.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Resume loads the active conversation from the store, starting a new one
// when the pointer is unset, dangling or unreadable.
func (s *Session) Resume(ctx context.Context) session.Conversation {
	id, err := s.store.ActiveID(ctx)
	if err != nil {
		s.logger.Warn("failed to read active conversation, starting fresh", "error", err)
		return s.StartNew(ctx)
	}
	if id != "" {
		conv, ok, err := s.store.Get(ctx, id)
		if err != nil {
			s.logger.Warn("failed to load conversations, starting fresh", "error", err)
		} else if ok {
			s.mu.Lock()
			s.current = conv
			s.mu.Unlock()
			s.logger.Info("resumed conversation", "conversation_id", conv.ID, "message_count", len(conv.Messages))
			return conv
		}
	}
	return s.StartNew(ctx)
}

// StartNew creates an empty conversation, persists it and makes it active
func (s *Session) StartNew(ctx context.Context) session.Conversation {
	conv := session.NewConversation(s.now())
	s.mu.Lock()
	s.current = conv
	s.mu.Unlock()

	s.persist(ctx, conv)
	if err := s.store.SetActiveID(ctx, conv.ID); err != nil {
		s.logger.Error("failed to set active conversation", "conversation_id", conv.ID, "error", err)
	}
	s.logger.Info("created new conversation", "conversation_id", conv.ID)
	return conv
}

// Select makes a stored conversation active
func (s *Session) Select(ctx context.Context, id string) (session.Conversation, error) {
	if s.State() == AwaitingReply {
		return session.Conversation{}, ErrBusy
	}
	conv, ok, err := s.store.Get(ctx, id)
	if err != nil {
		return session.Conversation{}, err
	}
	if !ok {
		return session.Conversation{}, &session.ValidationError{Message: fmt.Sprintf("conversation not found: %s", id)}
	}
	s.mu.Lock()
	s.current = conv
	s.mu.Unlock()
	if err := s.store.SetActiveID(ctx, id); err != nil {
		s.logger.Error("failed to set active conversation", "conversation_id", id, "error", err)
	}
	return conv, nil
}

// Delete removes a conversation; deleting the active one starts a new one
func (s *Session) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	active := s.current.ID == id
	busy := s.state == AwaitingReply
	s.mu.Unlock()
	if active && busy {
		return ErrBusy
	}

	if err := s.store.Delete(ctx, id); err != nil {
		s.logger.Error("failed to delete conversation", "conversation_id", id, "error", err)
		if !active {
			return err
		}
	}
	if active {
		s.StartNew(ctx)
	}
	return nil
}

// List returns the stored conversations, degrading to an empty list when the
// store cannot be read
func (s *Session) List(ctx context.Context) []session.Conversation {
	convs, err := s.store.List(ctx)
	if err != nil {
		s.logger.Warn("failed to list conversations", "error", err)
		return []session.Conversation{}
	}
	return convs
}

// Send appends text as a user message, streams the reply into sink and
// appends the assistant message. The user message is persisted before the
// request starts and stays persisted if the request fails.
func (s *Session) Send(ctx context.Context, text string, sink stream.Sink) (session.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return session.Message{}, &session.ValidationError{Message: "message cannot be empty"}
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return session.Message{}, &session.ValidationError{
			Message: fmt.Sprintf("message exceeds %d characters", MaxMessageLength),
		}
	}

	s.mu.Lock()
	if s.state == AwaitingReply {
		s.mu.Unlock()
		return session.Message{}, ErrBusy
	}
	if s.current.ID == "" {
		s.mu.Unlock()
		return session.Message{}, errors.New("no active conversation")
	}
	now := s.now()
	s.current = s.current.Append(session.Message{Role: session.RoleUser, Content: text, Timestamp: now}, now)
	conv := s.current
	s.state = AwaitingReply
	s.mu.Unlock()

	s.persist(ctx, conv)

	rc := s.ambient(ctx)
	req := backend.ChatRequest{
		Message:    text,
		Language:   rc.Language,
		ZScore:     rc.ZScore,
		District:   rc.District,
		DistrictID: rc.DistrictID,
	}

	res, err := s.streamer.StreamMessage(ctx, req, sink)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	if err != nil {
		s.logger.Error("failed to get reply", "conversation_id", conv.ID, "error", err)
		return session.Message{}, err
	}

	now = s.now()
	reply := session.Message{
		Role:      session.RoleAssistant,
		Content:   res.FullText,
		Route:     res.Route,
		Sources:   res.Sources,
		Timestamp: now,
	}
	// the user may have switched conversations while the reply streamed
	if s.current.ID != conv.ID {
		latest, ok, gerr := s.store.Get(ctx, conv.ID)
		if gerr != nil || !ok {
			s.logger.Warn("conversation gone before reply arrived", "conversation_id", conv.ID)
			return reply, nil
		}
		s.persistLocked(ctx, latest.Append(reply, now))
		return reply, nil
	}
	s.current = s.current.Append(reply, now)
	s.persistLocked(ctx, s.current)
	return reply, nil
}

func (s *Session) persist(ctx context.Context, conv session.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistLocked(ctx, conv)
}

func (s *Session) persistLocked(ctx context.Context, conv session.Conversation) {
	ctx, span := s.tracer.Start(ctx, "conversation_upsert", trace.WithAttributes(
		attribute.String("conversation.id", conv.ID),
		attribute.Int("conversation.messages", len(conv.Messages)),
	))
	defer span.End()

	if err := s.store.Upsert(ctx, conv); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upsert failed")
		if s.storeErrors != nil {
			s.storeErrors.Add(ctx, 1)
		}
		s.logger.Error("failed to save conversation", "conversation_id", conv.ID, "error", err)
		return
	}
	s.logger.Info("conversation saved", "conversation_id", conv.ID, "message_count", len(conv.Messages))
}
