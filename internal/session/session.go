package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// DefaultTitle is shown until the first exchange completes.
	DefaultTitle = "New Conversation"

	titleRunes = 30
)

// Message represents a single chat utterance
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Route     string    `json:"route,omitempty"`
	Sources   []string  `json:"sources,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Conversation represents a stored chat conversation
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewConversation creates an empty conversation with a fresh id
func NewConversation(now time.Time) Conversation {
	return Conversation{
		ID:        fmt.Sprintf("conv_%s", uuid.NewString()),
		Title:     DefaultTitle,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Append returns a copy of the conversation with msg added to the end.
// The receiver's message slice is never shared with the result.
func (c Conversation) Append(msg Message, now time.Time) Conversation {
	messages := make([]Message, len(c.Messages), len(c.Messages)+1)
	copy(messages, c.Messages)
	c.Messages = append(messages, msg)
	if now.After(c.UpdatedAt) {
		c.UpdatedAt = now
	}
	if len(c.Messages) == 2 {
		c.Title = DeriveTitle(c.Messages[0].Content)
	}
	return c
}

// DeriveTitle builds a conversation title from the opening message
func DeriveTitle(first string) string {
	runes := []rune(first)
	if len(runes) > titleRunes {
		runes = runes[:titleRunes]
	}
	return string(runes) + "..."
}
