package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pbaille/toxfilter/internal/cache"
	"github.com/pbaille/toxfilter/internal/domain"
)

const (
	DefaultTimeout       = 10 * time.Second
	DefaultUserAgent     = "toxfilter/1.0"
	DefaultMaxConcurrent = 8

	// maxResponseSize bounds how much of a response body is read
	maxResponseSize = 1 << 20
)

// SettingsSource provides the live settings
type SettingsSource interface {
	Settings() domain.Settings
}

// Options tune a Client
type Options struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	UserAgent  string
	// MaxConcurrent bounds the requests in flight to the endpoint
	MaxConcurrent int
	// CacheFallback stores fail-open results in the cache, which stops the
	// same text from being retried until the cache expires.
	CacheFallback bool
	Logger        *slog.Logger
}

// Client classifies text through the remote endpoint, cache first.
// It never returns an error: failures produce the fail-open result.
type Client struct {
	http          *http.Client
	cache         *cache.Cache
	settings      SettingsSource
	userAgent     string
	cacheFallback bool
	sem           chan struct{}
	log           *slog.Logger
}

// New creates a new Client
func New(c *cache.Cache, settings SettingsSource, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = DefaultMaxConcurrent
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Client{
		http:          opts.HTTPClient,
		cache:         c,
		settings:      settings,
		userAgent:     opts.UserAgent,
		cacheFallback: opts.CacheFallback,
		sem:           make(chan struct{}, opts.MaxConcurrent),
		log:           opts.Logger.With("component", "classifier"),
	}
}

// Classify returns the classification for text
func (c *Client) Classify(ctx context.Context, text string) domain.ClassificationResult {
	key := domain.FingerprintOf(text)

	if result, ok := c.cache.Get(key); ok {
		return result
	}

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return domain.FailOpen(text)
	}
	result, err := c.callAPI(ctx, text)
	<-c.sem

	if err != nil {
		// A cancelled caller is not a verdict on the text
		if ctx.Err() != nil {
			c.log.Debug("classification cancelled", "error", err)
			return domain.FailOpen(text)
		}
		c.log.Warn("classification failed, treating as non-toxic", "error", err)
		result = domain.FailOpen(text)
		if !c.cacheFallback {
			return result
		}
	}

	c.cache.Put(key, result)
	return result
}

type apiRequest struct {
	Text string `json:"text"`
}

type apiResponse struct {
	CensoredText *string `json:"censored_text"`
	HasProfanity *bool   `json:"has_profanity"`
}

func (c *Client) callAPI(ctx context.Context, text string) (domain.ClassificationResult, error) {
	endpoint := c.settings.Settings().APIEndpoint
	if endpoint == "" {
		return domain.ClassificationResult{}, fmt.Errorf("no api endpoint configured")
	}

	jsonBody, err := json.Marshal(apiRequest{Text: text})
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonBody))
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return domain.ClassificationResult{}, fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(body))
	}

	return parseResponse(text, body)
}

func parseResponse(text string, body []byte) (domain.ClassificationResult, error) {
	var apiResp apiResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return domain.ClassificationResult{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if apiResp.HasProfanity == nil {
		return domain.ClassificationResult{}, fmt.Errorf("malformed response: missing has_profanity")
	}

	result := domain.ClassificationResult{CensoredText: text, IsToxic: *apiResp.HasProfanity}
	if apiResp.CensoredText != nil {
		result.CensoredText = *apiResp.CensoredText
	}
	return result, nil
}
