package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"UniNavigator/internal/kvstore"
	"UniNavigator/internal/session"
)

const (
	KeyConversations      = "uninavigator_conversations"
	KeyActiveConversation = "uninavigator_active_conversation"

	// MaxConversations caps the stored list; the oldest overflow is dropped
	MaxConversations = 50
)

// ConversationStore keeps a capped, ordered list of conversations and an
// active-conversation pointer in a KV backend. Callers serialize their own
// writes; each Upsert or Delete is a single Set on the backend.
type ConversationStore struct {
	kv     kvstore.KV
	logger *slog.Logger
}

// NewConversationStore creates a store on top of kv
func NewConversationStore(kv kvstore.KV, logger *slog.Logger) *ConversationStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversationStore{kv: kv, logger: logger}
}

// List returns the stored conversations, front first
func (s *ConversationStore) List(ctx context.Context) ([]session.Conversation, error) {
	raw, ok, err := s.kv.Get(ctx, KeyConversations)
	if err != nil {
		return nil, &session.StorageError{Message: "failed to read conversations", Err: err}
	}
	if !ok || raw == "" {
		return []session.Conversation{}, nil
	}
	return decodeConversations(raw)
}

// Get looks up a conversation by id
func (s *ConversationStore) Get(ctx context.Context, id string) (session.Conversation, bool, error) {
	convs, err := s.List(ctx)
	if err != nil {
		return session.Conversation{}, false, err
	}
	for _, c := range convs {
		if c.ID == id {
			return c, true, nil
		}
	}
	return session.Conversation{}, false, nil
}

// Upsert replaces an existing conversation in place or inserts a new one at
// the front, then truncates the list to MaxConversations entries.
func (s *ConversationStore) Upsert(ctx context.Context, conv session.Conversation) error {
	convs, err := s.List(ctx)
	if err != nil {
		// unreadable state is replaced rather than blocking new writes
		s.logger.Warn("discarding unreadable conversation list", "error", err)
		convs = []session.Conversation{}
	}

	idx := indexOf(convs, conv.ID)
	if idx >= 0 {
		convs[idx] = conv
	} else {
		convs = append([]session.Conversation{conv}, convs...)
	}
	if len(convs) > MaxConversations {
		dropped := len(convs) - MaxConversations
		convs = convs[:MaxConversations]
		s.logger.Info("evicted oldest conversations", "count", dropped)
	}

	return s.write(ctx, convs)
}

// Delete removes the conversation with id; absent ids are a no-op
func (s *ConversationStore) Delete(ctx context.Context, id string) error {
	convs, err := s.List(ctx)
	if err != nil {
		return err
	}
	idx := indexOf(convs, id)
	if idx < 0 {
		return nil
	}
	convs = append(convs[:idx], convs[idx+1:]...)
	return s.write(ctx, convs)
}

// ActiveID returns the active conversation id, or "" when unset.
// The id is not checked against the stored list.
func (s *ConversationStore) ActiveID(ctx context.Context) (string, error) {
	id, _, err := s.kv.Get(ctx, KeyActiveConversation)
	if err != nil {
		return "", &session.StorageError{Message: "failed to read active conversation", Err: err}
	}
	return id, nil
}

// SetActiveID stores id as the active conversation; "" clears the pointer
func (s *ConversationStore) SetActiveID(ctx context.Context, id string) error {
	var err error
	if id == "" {
		err = s.kv.Remove(ctx, KeyActiveConversation)
	} else {
		err = s.kv.Set(ctx, KeyActiveConversation, id)
	}
	if err != nil {
		return &session.StorageError{Message: "failed to write active conversation", Err: err}
	}
	return nil
}

func (s *ConversationStore) write(ctx context.Context, convs []session.Conversation) error {
	data, err := json.Marshal(encodeConversations(convs))
	if err != nil {
		return &session.StorageError{Message: "failed to encode conversations", Err: err}
	}
	if err := s.kv.Set(ctx, KeyConversations, string(data)); err != nil {
		return &session.StorageError{Message: "failed to write conversations", Err: err}
	}
	return nil
}

func indexOf(convs []session.Conversation, id string) int {
	for i, c := range convs {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// storedMessage and storedConversation are the persisted shapes. Times are
// kept as RFC 3339 strings and parsed explicitly on read.
type storedMessage struct {
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Route     string   `json:"route,omitempty"`
	Sources   []string `json:"sources,omitempty"`
	Timestamp string   `json:"timestamp,omitempty"`
}

type storedConversation struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Messages  []storedMessage `json:"messages"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
}

func encodeConversations(convs []session.Conversation) []storedConversation {
	out := make([]storedConversation, len(convs))
	for i, c := range convs {
		msgs := make([]storedMessage, len(c.Messages))
		for j, m := range c.Messages {
			msgs[j] = storedMessage{
				Role:    m.Role,
				Content: m.Content,
				Route:   m.Route,
				Sources: m.Sources,
			}
			if !m.Timestamp.IsZero() {
				msgs[j].Timestamp = m.Timestamp.UTC().Format(time.RFC3339Nano)
			}
		}
		out[i] = storedConversation{
			ID:        c.ID,
			Title:     c.Title,
			Messages:  msgs,
			CreatedAt: c.CreatedAt.UTC().Format(time.RFC3339Nano),
			UpdatedAt: c.UpdatedAt.UTC().Format(time.RFC3339Nano),
		}
	}
	return out
}

func decodeConversations(raw string) ([]session.Conversation, error) {
	var stored []storedConversation
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, &session.StorageError{Message: "corrupted conversation list", Err: err}
	}

	out := make([]session.Conversation, 0, len(stored))
	for i, sc := range stored {
		conv, err := sc.toConversation()
		if err != nil {
			return nil, &session.StorageError{
				Message: fmt.Sprintf("corrupted conversation at index %d", i),
				Err:     err,
			}
		}
		out = append(out, conv)
	}
	return out, nil
}

func (sc storedConversation) toConversation() (session.Conversation, error) {
	if sc.ID == "" {
		return session.Conversation{}, fmt.Errorf("missing id")
	}
	created, err := time.Parse(time.RFC3339Nano, sc.CreatedAt)
	if err != nil {
		return session.Conversation{}, fmt.Errorf("invalid createdAt: %w", err)
	}
	updated, err := time.Parse(time.RFC3339Nano, sc.UpdatedAt)
	if err != nil {
		return session.Conversation{}, fmt.Errorf("invalid updatedAt: %w", err)
	}

	msgs := make([]session.Message, len(sc.Messages))
	for i, m := range sc.Messages {
		if m.Role != session.RoleUser && m.Role != session.RoleAssistant {
			return session.Conversation{}, fmt.Errorf("message %d: unknown role %q", i, m.Role)
		}
		msg := session.Message{
			Role:    m.Role,
			Content: m.Content,
			Route:   m.Route,
			Sources: m.Sources,
		}
		if m.Timestamp != "" {
			ts, err := time.Parse(time.RFC3339Nano, m.Timestamp)
			if err != nil {
				return session.Conversation{}, fmt.Errorf("message %d: invalid timestamp: %w", i, err)
			}
			msg.Timestamp = ts
		}
		msgs[i] = msg
	}

	return session.Conversation{
		ID:        sc.ID,
		Title:     sc.Title,
		Messages:  msgs,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}
