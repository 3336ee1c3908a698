package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewConversation(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	a := NewConversation(now)
	b := NewConversation(now)

	require.True(t, strings.HasPrefix(a.ID, "conv_"))
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, DefaultTitle, a.Title)
	require.Empty(t, a.Messages)
	require.Equal(t, now, a.CreatedAt)
	require.Equal(t, now, a.UpdatedAt)
}

func TestAppend_TitleSetOnceAtSecondMessage(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	conv := NewConversation(now)

	conv = conv.Append(Message{Role: RoleUser, Content: "Which universities accept a z-score of 1.5 in Colombo?"}, now)
	require.Equal(t, DefaultTitle, conv.Title)

	conv = conv.Append(Message{Role: RoleAssistant, Content: "Several."}, now)
	require.Equal(t, "Which universities accept a z-...", conv.Title)

	conv = conv.Append(Message{Role: RoleUser, Content: "Something else entirely"}, now)
	conv = conv.Append(Message{Role: RoleAssistant, Content: "ok"}, now)
	require.Equal(t, "Which universities accept a z-...", conv.Title)
	require.Len(t, conv.Messages, 4)
}

func TestAppend_DoesNotAliasOriginal(t *testing.T) {
	now := time.Now()
	base := NewConversation(now).Append(Message{Role: RoleUser, Content: "a"}, now)
	x := base.Append(Message{Role: RoleAssistant, Content: "x"}, now)
	y := base.Append(Message{Role: RoleAssistant, Content: "y"}, now)

	require.Len(t, base.Messages, 1)
	require.Equal(t, "x", x.Messages[1].Content)
	require.Equal(t, "y", y.Messages[1].Content)
}

func TestAppend_UpdatedAtNeverMovesBack(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	conv := NewConversation(now)
	conv = conv.Append(Message{Role: RoleUser, Content: "hi"}, now.Add(-time.Hour))
	require.Equal(t, now, conv.UpdatedAt)

	later := now.Add(time.Minute)
	conv = conv.Append(Message{Role: RoleAssistant, Content: "hello"}, later)
	require.Equal(t, later, conv.UpdatedAt)
}

func TestDeriveTitle(t *testing.T) {
	require.Equal(t, "short...", DeriveTitle("short"))
	require.Equal(t, strings.Repeat("ශ", 30)+"...", DeriveTitle(strings.Repeat("ශ", 40)))
}

func TestErrorsUnwrap(t *testing.T) {
	root := errors.New("disk gone")
	var err error = &StorageError{Message: "failed to read conversations", Err: root}
	require.ErrorIs(t, err, root)
	require.Equal(t, "failed to read conversations: disk gone", err.Error())

	err = &TransportError{Status: 500, Message: "boom"}
	var te *TransportError
	require.ErrorAs(t, err, &te)
	require.Equal(t, 500, te.Status)
}
