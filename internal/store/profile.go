package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"UniNavigator/internal/kvstore"
	"UniNavigator/internal/session"
)

const (
	KeyProfile    = "uninavigator_profile"
	KeyLastSearch = "uninavigator_last_search"
	KeyLanguage   = "uninavigator_language"
)

// Supported reply languages
const (
	LanguageEnglish = "en"
	LanguageSinhala = "si"
	LanguageTamil   = "ta"
)

// ValidLanguage reports whether lang is one of the supported codes
func ValidLanguage(lang string) bool {
	switch lang {
	case LanguageEnglish, LanguageSinhala, LanguageTamil:
		return true
	}
	return false
}

// Profile is the student context sent along with chat messages
type Profile struct {
	ZScore     *float64 `json:"z_score,omitempty"`
	District   string   `json:"district,omitempty"`
	DistrictID *int     `json:"district_id,omitempty"`
	Stream     string   `json:"stream,omitempty"`
}

// LastSearch records the most recent eligibility lookup
type LastSearch struct {
	ZScore     float64   `json:"z_score"`
	DistrictID *int      `json:"district_id,omitempty"`
	District   string    `json:"district,omitempty"`
	Year       int       `json:"year,omitempty"`
	Language   string    `json:"language,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Preferences persists the profile, last search and language
type Preferences struct {
	kv kvstore.KV
}

// NewPreferences creates a preference store on top of kv
func NewPreferences(kv kvstore.KV) *Preferences {
	return &Preferences{kv: kv}
}

// Profile returns the saved profile; ok is false when none is stored
func (p *Preferences) Profile(ctx context.Context) (Profile, bool, error) {
	var prof Profile
	ok, err := p.getJSON(ctx, KeyProfile, &prof)
	return prof, ok, err
}

func (p *Preferences) SaveProfile(ctx context.Context, prof Profile) error {
	return p.setJSON(ctx, KeyProfile, prof)
}

func (p *Preferences) ClearProfile(ctx context.Context) error {
	if err := p.kv.Remove(ctx, KeyProfile); err != nil {
		return &session.StorageError{Message: "failed to clear profile", Err: err}
	}
	return nil
}

// LastSearch returns the last eligibility search, if any
func (p *Preferences) LastSearch(ctx context.Context) (LastSearch, bool, error) {
	var ls LastSearch
	ok, err := p.getJSON(ctx, KeyLastSearch, &ls)
	return ls, ok, err
}

// SaveLastSearch stores ls stamped with now
func (p *Preferences) SaveLastSearch(ctx context.Context, ls LastSearch, now time.Time) error {
	ls.Timestamp = now.UTC()
	return p.setJSON(ctx, KeyLastSearch, ls)
}

// Language returns the stored language, defaulting to English
func (p *Preferences) Language(ctx context.Context) (string, error) {
	lang, ok, err := p.kv.Get(ctx, KeyLanguage)
	if err != nil {
		return LanguageEnglish, &session.StorageError{Message: "failed to read language", Err: err}
	}
	if !ok || !ValidLanguage(lang) {
		return LanguageEnglish, nil
	}
	return lang, nil
}

func (p *Preferences) SetLanguage(ctx context.Context, lang string) error {
	if !ValidLanguage(lang) {
		return &session.ValidationError{Message: fmt.Sprintf("unsupported language: %s", lang)}
	}
	if err := p.kv.Set(ctx, KeyLanguage, lang); err != nil {
		return &session.StorageError{Message: "failed to write language", Err: err}
	}
	return nil
}

func (p *Preferences) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, ok, err := p.kv.Get(ctx, key)
	if err != nil {
		return false, &session.StorageError{Message: "failed to read " + key, Err: err}
	}
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, &session.StorageError{Message: "corrupted " + key, Err: err}
	}
	return true, nil
}

func (p *Preferences) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &session.StorageError{Message: "failed to encode " + key, Err: err}
	}
	if err := p.kv.Set(ctx, key, string(data)); err != nil {
		return &session.StorageError{Message: "failed to write " + key, Err: err}
	}
	return nil
}
