// Package fetch retrieves raw JSON collections from the game-data API.
package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"wfbase/wfetl/internal/logging"
)

// Source endpoints
const (
	EndpointWarframes = "warframes"
	EndpointWeapons   = "weapons"
	EndpointMods      = "mods"
	EndpointItems     = "items"
)

// RawRecord is one item exactly as the API returned it.
// Numbers are kept as json.Number so they survive re-serialization verbatim.
type RawRecord map[string]any

// Category returns the classification field, or "" when absent or not a string.
func (r RawRecord) Category() string {
	s, _ := r["category"].(string)
	return s
}

// Options configures a Fetcher
type Options struct {
	BaseURL    string
	Attempts   int           // total attempts per endpoint (default 3)
	RetryDelay time.Duration // fixed delay between attempts (default 2s)
	Timeout    time.Duration // per-attempt timeout (default 30s)
	UserAgent  string
	Language   string // optional ?language= value
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		BaseURL:    "https://api.warframestat.us",
		Attempts:   3,
		RetryDelay: 2 * time.Second,
		Timeout:    30 * time.Second,
		UserAgent:  "wfetl/1.0",
	}
}

// Fetcher performs bounded-retry GETs against the source API.
type Fetcher struct {
	Client *http.Client
	opts   Options
	logger *zap.Logger

	// OnAttempt, when set, is called after every attempt with its outcome (nil on success).
	OnAttempt func(endpoint string, err error)
}

// New creates a Fetcher. Zero option values fall back to DefaultOptions.
func New(opts Options, logger *zap.Logger) *Fetcher {
	def := DefaultOptions()
	if opts.BaseURL == "" {
		opts.BaseURL = def.BaseURL
	}
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	return &Fetcher{
		Client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		logger: logging.OrNop(logger).With(zap.String("component", "fetcher")),
	}
}

// FetchExhaustedError reports that every attempt against one endpoint failed.
type FetchExhaustedError struct {
	Endpoint string
	Attempts int
	Err      error // last underlying error
}

func (e *FetchExhaustedError) Error() string {
	return fmt.Sprintf("fetching %s: all %d attempts failed: %v", e.Endpoint, e.Attempts, e.Err)
}

func (e *FetchExhaustedError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response from the source.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Fetch retrieves the JSON array served at endpoint.
// Any network error, non-2xx status or undecodable body is retried up to the
// configured number of attempts; exhaustion yields *FetchExhaustedError.
func (f *Fetcher) Fetch(ctx context.Context, endpoint string) ([]RawRecord, error) {
	target, err := f.endpointURL(endpoint)
	if err != nil {
		return nil, err
	}
	f.logger.Info("fetching", zap.String("endpoint", endpoint), zap.String("url", target))

	var (
		records []RawRecord
		attempt int
	)
	op := func() error {
		attempt++
		recs, err := f.fetchOnce(ctx, target)
		if f.OnAttempt != nil {
			f.OnAttempt(endpoint, err)
		}
		if err != nil {
			f.logger.Warn("fetch attempt failed",
				zap.String("endpoint", endpoint),
				zap.Int("attempt", attempt),
				zap.Int("attempts", f.opts.Attempts),
				zap.Error(err))
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		records = recs
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.opts.RetryDelay), uint64(f.opts.Attempts-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("fetching %s: %w", endpoint, ctxErr)
		}
		f.logger.Error("fetch exhausted",
			zap.String("endpoint", endpoint),
			zap.Int("attempts", attempt),
			zap.Error(err))
		return nil, &FetchExhaustedError{Endpoint: endpoint, Attempts: attempt, Err: err}
	}

	f.logger.Info("fetched", zap.String("endpoint", endpoint), zap.Int("items", len(records)))
	return records, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, target string) ([]RawRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var records []RawRecord
	if err := dec.Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return records, nil
}

func (f *Fetcher) endpointURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimRight(f.opts.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("parsing url for %s: %w", endpoint, err)
	}
	if f.opts.Language != "" {
		q := u.Query()
		q.Set("language", f.opts.Language)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
