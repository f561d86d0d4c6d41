package scraper

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xhad/sift/internal/models"
	"golang.org/x/time/rate"
)

type FetcherConfig struct {
	Timeout      time.Duration
	RateLimit    float64 // requests per second, per host
	UserAgent    string
	MaxBodyBytes int64
	Logger       *zerolog.Logger
}

// Fetcher retrieves single pages over HTTP. Requests to the same host share
// one rate limiter.
type Fetcher struct {
	config FetcherConfig
	client *http.Client
	log    zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewFetcher(config FetcherConfig) *Fetcher {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2 // 2 requests per second by default
	}
	if config.UserAgent == "" {
		config.UserAgent = "sift/1.0"
	}
	if config.MaxBodyBytes == 0 {
		config.MaxBodyBytes = 10 << 20
	}

	log := zerolog.Nop()
	if config.Logger != nil {
		log = config.Logger.With().Str("component", "fetcher").Logger()
	}

	return &Fetcher{
		config:   config,
		client:   &http.Client{},
		log:      log,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()

	l, ok := f.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(f.config.RateLimit), 1)
		f.limiters[host] = l
	}
	return l
}

// Fetch downloads rawURL. The whole call, including the wait for the host's
// rate limiter, is bounded by the configured timeout. Failures wrap
// models.ErrFetch and, on timeout, context.DeadlineExceeded.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (models.Page, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return models.Page{}, fmt.Errorf("%w: invalid URL %q", models.ErrFetch, rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	if err := f.limiter(parsed.Host).Wait(ctx); err != nil {
		// Wait fails early when the deadline cannot be met; report it as one.
		if ctx.Err() == nil {
			err = context.DeadlineExceeded
		}
		return models.Page{}, fmt.Errorf("%w: rate limit for %s: %w", models.ErrFetch, parsed.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return models.Page{}, fmt.Errorf("%w: %w", models.ErrFetch, err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/markdown,text/plain,application/pdf;q=0.9,*/*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return models.Page{}, fmt.Errorf("%w: %w", models.ErrFetch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return models.Page{}, fmt.Errorf("%w: received status code %d for URL: %s", models.ErrFetch, resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodyBytes+1))
	if err != nil {
		return models.Page{}, fmt.Errorf("%w: reading body: %w", models.ErrFetch, err)
	}
	if int64(len(body)) > f.config.MaxBodyBytes {
		return models.Page{}, fmt.Errorf("%w: body of %s exceeds %d bytes", models.ErrFetch, rawURL, f.config.MaxBodyBytes)
	}

	page := models.Page{
		URL:         resp.Request.URL.String(),
		ContentType: mediaType(resp.Header.Get("Content-Type"), body),
		Body:        body,
	}

	f.log.Debug().
		Str("url", rawURL).
		Str("content_type", page.ContentType).
		Int("bytes", len(body)).
		Dur("took", time.Since(start)).
		Msg("fetched page")

	return page, nil
}

func mediaType(header string, body []byte) string {
	if header == "" {
		header = http.DetectContentType(body)
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return "application/octet-stream"
	}
	return mt
}
