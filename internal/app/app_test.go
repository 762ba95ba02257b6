package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/pbaille/toxfilter/internal/config"
	"github.com/pbaille/toxfilter/internal/dom"
	"github.com/pbaille/toxfilter/internal/domain"
	"github.com/pbaille/toxfilter/internal/profile"
	"github.com/pbaille/toxfilter/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "data", "toxfilter.db")
	return cfg
}

func openApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	return a
}

// newCensorServer stars out the word "idiot"
func newCensorServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		resp := map[string]any{"censored_text": req.Text, "has_profanity": false}
		if req.Text == "you idiot" {
			resp = map[string]any{"censored_text": "you *****", "has_profanity": true}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNew_SeedsDefaults(t *testing.T) {
	a := openApp(t, testConfig(t))
	defer a.Close(context.Background())

	s := a.Settings()
	assert.True(t, s.Enabled)
	assert.Equal(t, store.DefaultAPIEndpoint, s.APIEndpoint)
	assert.Contains(t, a.Profiles().Names(), "reddit")
}

func TestNew_ConfigOverrides(t *testing.T) {
	cfg := testConfig(t)
	disabled := false
	cfg.Enabled = &disabled
	cfg.APIEndpoint = "http://localhost:5000/censor"

	a := openApp(t, cfg)
	defer a.Close(context.Background())

	assert.Equal(t, domain.Settings{Enabled: false, APIEndpoint: "http://localhost:5000/censor"}, a.Settings())
}

func TestHandleMessage_GetSettings(t *testing.T) {
	a := openApp(t, testConfig(t))
	defer a.Close(context.Background())

	reply, err := a.HandleMessage(context.Background(), Message{Action: ActionGetSettings})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	require.NotNil(t, reply.Settings)
	assert.True(t, reply.Settings.Enabled)
}

func TestHandleMessage_SettingsUpdatedPersists(t *testing.T) {
	cfg := testConfig(t)
	a := openApp(t, cfg)

	update := domain.Settings{Enabled: false, APIEndpoint: " http://other.test/censor "}
	reply, err := a.HandleMessage(context.Background(), Message{Action: ActionSettingsUpdated, Settings: &update})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, "http://other.test/censor", a.Settings().APIEndpoint)
	require.NoError(t, a.Close(context.Background()))

	reopened := openApp(t, cfg)
	defer reopened.Close(context.Background())
	assert.Equal(t, domain.Settings{Enabled: false, APIEndpoint: "http://other.test/censor"}, reopened.Settings())
}

func TestHandleMessage_SettingsUpdatedRequiresSettings(t *testing.T) {
	a := openApp(t, testConfig(t))
	defer a.Close(context.Background())

	_, err := a.HandleMessage(context.Background(), Message{Action: ActionSettingsUpdated})
	assert.Error(t, err)
}

func TestHandleMessage_ClearCache(t *testing.T) {
	a := openApp(t, testConfig(t))
	defer a.Close(context.Background())

	a.Cache().Put(domain.FingerprintOf("x"), domain.FailOpen("x"))
	require.Equal(t, 1, a.Cache().Stats().Items)

	reply, err := a.HandleMessage(context.Background(), Message{Action: ActionClearCache})
	require.NoError(t, err)
	assert.True(t, reply.Success)
	assert.Equal(t, 0, a.Cache().Stats().Items)
}

func TestHandleMessage_UnknownAction(t *testing.T) {
	a := openApp(t, testConfig(t))
	defer a.Close(context.Background())

	_, err := a.HandleMessage(context.Background(), Message{Action: "reboot"})
	assert.ErrorIs(t, err, ErrUnknownAction)
}

func TestNewEngine_ScansThroughClassifier(t *testing.T) {
	srv := newCensorServer(t)
	cfg := testConfig(t)
	cfg.APIEndpoint = srv.URL

	a := openApp(t, cfg)
	defer a.Close(context.Background())

	doc, err := dom.ParseHTMLString(`<div><p class="c">you idiot</p><p class="c">hello world</p></div>`)
	require.NoError(t, err)

	e := a.NewEngine(profile.Profile{Name: "test", TextContainerSelector: ".c"})
	stats := e.Scan(context.Background(), doc)

	assert.Equal(t, 2, stats.Claimed)
	assert.Equal(t, 1, stats.Flagged)
	assert.Contains(t, doc.String(), "you *****")
	assert.Equal(t, 2, a.Cache().Stats().Items)
}

func TestClose_PersistsCache(t *testing.T) {
	cfg := testConfig(t)
	a := openApp(t, cfg)

	a.Cache().Put(domain.FingerprintOf("kept"), domain.FailOpen("kept"))
	require.NoError(t, a.Close(context.Background()))

	reopened := openApp(t, cfg)
	defer reopened.Close(context.Background())

	got, ok := reopened.Cache().Get(domain.FingerprintOf("kept"))
	assert.True(t, ok)
	assert.Equal(t, "kept", got.CensoredText)
}

func TestSweeper_ExpiresStaleCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.TTL = "500ms"
	cfg.Cache.SweepSchedule = "@every 1s"

	a := openApp(t, cfg)
	defer a.Close(context.Background())

	a.Cache().Put(domain.FingerprintOf("stale"), domain.FailOpen("stale"))
	assert.Eventually(t, func() bool { return a.Cache().Stats().Items == 0 },
		3*time.Second, 50*time.Millisecond)
}
