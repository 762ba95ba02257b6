package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pbaille/toxfilter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SettingsDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	settings, err := s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.True(t, settings.Enabled)
	assert.Equal(t, DefaultAPIEndpoint, settings.APIEndpoint)

	require.NoError(t, s.SaveSettings(ctx, domain.Settings{Enabled: false, APIEndpoint: "http://custom"}))
	require.NoError(t, s.EnsureDefaults(ctx), "defaults must not overwrite saved values")

	settings, err = s.LoadSettings(ctx)
	require.NoError(t, err)
	assert.False(t, settings.Enabled)
	assert.Equal(t, "http://custom", settings.APIEndpoint)
}

func TestStore_CacheRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, found, err := s.LoadCache(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	created := time.UnixMilli(1_700_000_000_000)
	entries := map[domain.Fingerprint]domain.ClassificationResult{
		domain.FingerprintOf("you are an idiot"): {CensoredText: "you are a ****", IsToxic: true},
		domain.FingerprintOf("hello"):            {CensoredText: "hello"},
	}
	require.NoError(t, s.SaveCache(ctx, entries, created))

	loaded, ts, found, err := s.LoadCache(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, created, ts)
	assert.Equal(t, entries, loaded)

	// Replace-whole-object semantics
	require.NoError(t, s.SaveCache(ctx, nil, created.Add(time.Hour)))
	loaded, _, found, err = s.LoadCache(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Empty(t, loaded)
}

func TestStore_CacheWireFormat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveCache(ctx, map[domain.Fingerprint]domain.ClassificationResult{
		"abc": {CensoredText: "x", IsToxic: true},
	}, time.UnixMilli(42)))

	var raw string
	require.NoError(t, s.db.QueryRow("SELECT value FROM kv WHERE key = ?", KeyCache).Scan(&raw))
	assert.JSONEq(t, `{"abc":{"censored_text":"x","has_profanity":true}}`, raw)

	require.NoError(t, s.db.QueryRow("SELECT value FROM kv WHERE key = ?", KeyCacheTimestamp).Scan(&raw))
	assert.Equal(t, "42", raw)
}
