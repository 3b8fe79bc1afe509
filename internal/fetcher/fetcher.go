// Package fetcher is the HTTP transport collaborator: URL in, raw bytes
// and a content-type hint out. Deciding new-vs-duplicate belongs to the
// pipeline; the fetcher only retries, rate-limits per host, and
// classifies failures as transient or terminal.
package fetcher

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"time"

	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/tariff-sync/internal/resilience"
)

// maxDocumentBytes caps one notice; Federal Register documents with
// annex tables stay well under this.
const maxDocumentBytes = 8 << 20

// Transport fetches one URL. The pipeline depends on this interface so
// tests can substitute a canned transport.
type Transport interface {
	Fetch(ctx context.Context, rawURL string) ([]byte, string, error)
}

// Options configures the HTTP transport.
type Options struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
}

// HTTPTransport implements Transport using net/http with retry and
// per-host rate limiting.
type HTTPTransport struct {
	client      *http.Client
	opts        Options
	limiters    map[string]*rate.Limiter
	fallback    *rate.Limiter
	backoffBase time.Duration
}

// DefaultRateLimiters returns the per-host limits for the sources the
// pipeline watches. Government hosts throttle aggressively.
func DefaultRateLimiters() map[string]*rate.Limiter {
	return map[string]*rate.Limiter{
		"www.federalregister.gov": rate.NewLimiter(5, 5),
		"ustr.gov":                rate.NewLimiter(2, 2),
		"www.cbp.gov":             rate.NewLimiter(2, 2),
	}
}

// NewHTTPTransport creates an HTTPTransport with the given options.
func NewHTTPTransport(opts Options) *HTTPTransport {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "tariff-sync/1.0"
	}
	return &HTTPTransport{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:        opts,
		limiters:    DefaultRateLimiters(),
		fallback:    rate.NewLimiter(10, 10),
		backoffBase: time.Second,
	}
}

func (t *HTTPTransport) limiterFor(rawURL string) *rate.Limiter {
	u, err := url.Parse(rawURL)
	if err != nil {
		return t.fallback
	}
	if lim, ok := t.limiters[u.Host]; ok {
		return lim
	}
	return t.fallback
}

// Fetch downloads one URL, retrying transient failures with exponential
// backoff. A terminal HTTP status (404 and friends) returns a plain
// error; retryable conditions surface as a resilience.TransientError
// once retries are exhausted, so the worker can mark the job retryable.
func (t *HTTPTransport) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", eris.Wrap(err, "fetcher: create request")
	}
	req.Header.Set("User-Agent", t.opts.UserAgent)

	var lastErr error
	for attempt := range t.opts.MaxRetries {
		if err := t.limiterFor(rawURL).Wait(ctx); err != nil {
			return nil, "", eris.Wrap(err, "fetcher: rate limiter wait")
		}

		resp, err := t.client.Do(req.Clone(ctx))
		if err != nil {
			lastErr = resilience.NewTransientError(err, 0)
			zap.L().Warn("fetch failed, retrying",
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			t.backoff(ctx, attempt)
			continue
		}

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			_ = resp.Body.Close()
			lastErr = resilience.NewTransientError(
				eris.Errorf("fetcher: http %d from %s", resp.StatusCode, rawURL),
				resp.StatusCode,
			)
			zap.L().Warn("fetch got retryable status",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt+1),
			)
			t.backoff(ctx, attempt)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return nil, "", eris.Errorf("fetcher: unexpected status %d from %s", resp.StatusCode, rawURL)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
		_ = resp.Body.Close()
		if err != nil {
			lastErr = resilience.NewTransientError(err, 0)
			t.backoff(ctx, attempt)
			continue
		}
		return body, resp.Header.Get("Content-Type"), nil
	}
	return nil, "", eris.Wrap(lastErr, "fetcher: retries exhausted")
}

func (t *HTTPTransport) backoff(ctx context.Context, attempt int) {
	base := t.backoffBase
	maxBackoff := 30 * time.Second
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > maxBackoff {
		d = maxBackoff
	}
	d += time.Duration(rand.Int64N(int64(d) / 2))

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Hash returns the content hash used for document identity.
func Hash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
