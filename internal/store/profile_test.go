package store

import (
	"context"
	"testing"
	"time"

	"UniNavigator/internal/kvstore"
	"UniNavigator/internal/session"

	"github.com/stretchr/testify/require"
)

func TestPreferences_Profile(t *testing.T) {
	ctx := context.Background()
	p := NewPreferences(kvstore.NewMemory())

	_, ok, err := p.Profile(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	score := 1.8234
	require.NoError(t, p.SaveProfile(ctx, Profile{ZScore: &score, District: "Kandy"}))
	prof, ok, err := p.Profile(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.InDelta(t, 1.8234, *prof.ZScore, 1e-9)
	require.Equal(t, "Kandy", prof.District)

	require.NoError(t, p.ClearProfile(ctx))
	_, ok, err = p.Profile(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPreferences_CorruptedProfile(t *testing.T) {
	ctx := context.Background()
	kv := kvstore.NewMemory()
	require.NoError(t, kv.Set(ctx, KeyProfile, "not json"))
	_, _, err := NewPreferences(kv).Profile(ctx)
	var se *session.StorageError
	require.ErrorAs(t, err, &se)
}

func TestPreferences_LastSearch(t *testing.T) {
	ctx := context.Background()
	p := NewPreferences(kvstore.NewMemory())
	now := time.Date(2025, 5, 6, 7, 8, 9, 0, time.FixedZone("LKT", 19800))

	require.NoError(t, p.SaveLastSearch(ctx, LastSearch{ZScore: 1.2, District: "Galle", Year: 2023}, now))
	ls, ok, err := p.LastSearch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Galle", ls.District)
	require.True(t, now.Equal(ls.Timestamp))
}

func TestPreferences_Language(t *testing.T) {
	ctx := context.Background()
	p := NewPreferences(kvstore.NewMemory())

	lang, err := p.Language(ctx)
	require.NoError(t, err)
	require.Equal(t, LanguageEnglish, lang)

	require.NoError(t, p.SetLanguage(ctx, LanguageTamil))
	lang, err = p.Language(ctx)
	require.NoError(t, err)
	require.Equal(t, LanguageTamil, lang)

	var ve *session.ValidationError
	require.ErrorAs(t, p.SetLanguage(ctx, "fr"), &ve)
}
