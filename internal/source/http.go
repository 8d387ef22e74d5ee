package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"github.com/teerpro/result-engine/internal/draw"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	defaultTimeout   = 10 * time.Second
	defaultRateLimit = 1.0 // requests per second, shared by all games
	defaultBurst     = 4

	// Result pages are small; anything larger is not a result page.
	maxBodyBytes = 2 << 20
)

// DefaultURLs are the public result pages per game. The night game has no
// known public source.
var DefaultURLs = map[draw.Game]string{
	draw.Shillong:  "https://www.meghalayateer.com/shillong-teer-result",
	draw.Khanapara: "https://www.meghalayateer.com/khanapara-teer-result",
	draw.Juwai:     "https://www.meghalayateer.com/juwai-teer-result",
}

// HTTPAdapter scrapes result pages and extracts the round numbers with CSS
// selectors.
type HTTPAdapter struct {
	urls       map[draw.Game]string
	httpClient *http.Client
	limiter    *rate.Limiter
	userAgent  string
	timeout    time.Duration
	frSelector string
	srSelector string
}

// Option configures an HTTPAdapter.
type Option func(*HTTPAdapter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *HTTPAdapter) {
		a.httpClient = c
	}
}

// WithRateLimit sets custom rate limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(a *HTTPAdapter) {
		a.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithTimeout bounds each fetch, including the wait for the rate limiter.
func WithTimeout(d time.Duration) Option {
	return func(a *HTTPAdapter) {
		a.timeout = d
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(a *HTTPAdapter) {
		a.userAgent = ua
	}
}

// WithSelectors overrides the FR and SR selectors.
func WithSelectors(fr, sr string) Option {
	return func(a *HTTPAdapter) {
		a.frSelector = fr
		a.srSelector = sr
	}
}

// NewHTTPAdapter creates an adapter for the given per-game URLs.
func NewHTTPAdapter(urls map[draw.Game]string, opts ...Option) *HTTPAdapter {
	a := &HTTPAdapter{
		urls: urls,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		userAgent:  defaultUserAgent,
		timeout:    defaultTimeout,
		frSelector: ".fr-result",
		srSelector: ".sr-result",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Fetch downloads the game's page and extracts the first match of each
// selector. Every failure is returned as *Error.
func (a *HTTPAdapter) Fetch(ctx context.Context, game draw.Game) (Pair, error) {
	url, ok := a.urls[game]
	if !ok || url == "" {
		return Pair{}, &Error{Game: game, Kind: KindUnconfigured, Err: errors.New("no source url")}
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return Pair{}, a.classify(ctx, game, fmt.Errorf("rate limiter: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Pair{}, &Error{Game: game, Kind: KindUnconfigured, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Pair{}, a.classify(ctx, game, fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return Pair{}, &Error{Game: game, Kind: KindStatus, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Pair{}, a.classify(ctx, game, fmt.Errorf("parse html: %w", err))
	}

	fr := doc.Find(a.frSelector).First()
	sr := doc.Find(a.srSelector).First()
	if fr.Length() == 0 && sr.Length() == 0 {
		return Pair{}, &Error{Game: game, Kind: KindMalformed, Err: errors.New("result elements not found")}
	}
	return NewPair(fr.Text(), sr.Text()), nil
}

// classify maps transport-level failures to a Kind.
func (a *HTTPAdapter) classify(ctx context.Context, game draw.Game, err error) *Error {
	kind := KindNetwork
	var ne net.Error
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &ne) && ne.Timeout():
		kind = KindTimeout
	}
	return &Error{Game: game, Kind: kind, Err: err}
}
