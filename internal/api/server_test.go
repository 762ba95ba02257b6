package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pbaille/toxfilter/internal/app"
	"github.com/pbaille/toxfilter/internal/cache"
	"github.com/pbaille/toxfilter/internal/config"
	"github.com/pbaille/toxfilter/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const redditPage = `<html><body>
<div id="t3_abc-post-rtjson-content"><p>what an idiot</p></div>
<div id="t3_def-post-rtjson-content"><p>lovely weather</p></div>
</body></html>`

type testEnv struct {
	srv *httptest.Server
	app *app.App
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	classifier := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		censored := strings.ReplaceAll(req.Text, "idiot", "*****")
		json.NewEncoder(w).Encode(map[string]any{
			"censored_text": censored,
			"has_profanity": censored != req.Text,
		})
	}))
	t.Cleanup(classifier.Close)

	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "toxfilter.db")
	cfg.APIEndpoint = classifier.URL

	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close(context.Background()) })

	server, err := New(a, "", nil)
	require.NoError(t, err)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, app: a}
}

func (e *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.srv.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(e.srv.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.get(t, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestFilter(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/filter", FilterRequest{HTML: redditPage, Platform: "reddit"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out FilterResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))

	assert.NotEmpty(t, out.ScanID)
	assert.Equal(t, "reddit", out.Platform)
	assert.Equal(t, 2, out.Stats.Claimed)
	assert.Equal(t, 1, out.Stats.Flagged)
	assert.Contains(t, out.HTML, "what an *****")
	assert.Contains(t, out.HTML, "lovely weather")
	assert.Contains(t, out.HTML, `data-toxicity-processed="true"`)
}

func TestFilter_DetectsPlatformFromURL(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/filter", FilterRequest{HTML: redditPage, URL: "https://www.reddit.com/r/golang"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out FilterResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "reddit", out.Platform)
}

func TestFilter_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
	}{
		{"empty", FilterRequest{}},
		{"unknown platform", FilterRequest{HTML: "<p>hi</p>", Platform: "myspace"}},
		{"no platform", FilterRequest{HTML: "<p>hi</p>"}},
		{"not json", "just a string"},
		{"unknown field", map[string]any{"html": "<p>hi</p>", "platform": "x", "mode": "strict"}},
		{"wrong type", map[string]any{"html": 42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.post(t, "/filter", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestMessages(t *testing.T) {
	env := newTestEnv(t)

	update := domain.Settings{Enabled: false, APIEndpoint: "http://elsewhere.test"}
	resp := env.post(t, "/messages", app.Message{Action: app.ActionSettingsUpdated, Settings: &update})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var reply app.Reply
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.True(t, reply.Success)

	resp = env.get(t, "/settings")
	var settings domain.Settings
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&settings))
	assert.Equal(t, update, settings)

	resp = env.post(t, "/messages", app.Message{Action: "selfDestruct"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.post(t, "/messages", map[string]any{"settings": map[string]any{"enabled": true}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "action is required")
}

func TestCacheInfoAndClear(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/filter", FilterRequest{HTML: redditPage, Platform: "reddit"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats cache.Stats
	require.NoError(t, json.NewDecoder(env.get(t, "/cache").Body).Decode(&stats))
	assert.Equal(t, 2, stats.Items)

	resp = env.post(t, "/messages", app.Message{Action: app.ActionClearCache})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, json.NewDecoder(env.get(t, "/cache").Body).Decode(&stats))
	assert.Equal(t, 0, stats.Items)
}

func TestProfiles(t *testing.T) {
	env := newTestEnv(t)

	var out struct {
		Profiles []string `json:"profiles"`
	}
	require.NoError(t, json.NewDecoder(env.get(t, "/profiles").Body).Decode(&out))
	assert.ElementsMatch(t, []string{"instagram", "reddit", "threads", "x"}, out.Profiles)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.srv.URL+"/filter", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "POST")
}
