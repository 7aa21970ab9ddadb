package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/suteetoe/feedsync/pkg/config"
	"github.com/suteetoe/feedsync/pkg/logger"
	"github.com/suteetoe/feedsync/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Fetcher downloads raw feed documents over HTTP(S). One Fetcher is shared
// by all concurrent syncs; breakers and rate limiters are kept per host.
type Fetcher struct {
	client *http.Client
	cfg    config.FetchConfig
	sleep  func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	limiters map[string]*rate.Limiter
}

// Option customizes a Fetcher
type Option func(*Fetcher)

// WithHTTPClient replaces the default client, including its redirect policy
func WithHTTPClient(client *http.Client) Option {
	return func(f *Fetcher) { f.client = client }
}

// WithSleep replaces the backoff wait
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

// New creates a Fetcher from the fetch configuration
func New(cfg config.FetchConfig, opts ...Option) *Fetcher {
	f := &Fetcher{
		cfg:      cfg,
		sleep:    sleepContext,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
	f.client = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			return nil
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads rawURL with the configured retry count and base delay
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	return f.FetchWithRetry(ctx, rawURL, f.cfg.RetryCount, f.cfg.RetryDelay)
}

// FetchWithRetry downloads rawURL, retrying transient failures up to
// retryCount attempts in total. The wait before attempt n+1 is
// retryDelay*n. The last classified error is returned when every attempt
// fails.
func (f *Fetcher) FetchWithRetry(ctx context.Context, rawURL string, retryCount int, retryDelay time.Duration) ([]byte, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		prometheus.RecordFetchAttempt(string(KindInvalidURL))
		return nil, &FetchError{Kind: KindInvalidURL, URL: rawURL, Err: err}
	}
	if retryCount < 1 {
		retryCount = 1
	}

	log := logger.FromContext(ctx)
	var lastErr *FetchError

	for attempt := 1; attempt <= retryCount; attempt++ {
		body, err := f.attempt(ctx, u)
		if err == nil {
			prometheus.RecordFetchAttempt("ok")
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = classify(u.String(), err)
		prometheus.RecordFetchAttempt(string(lastErr.Kind))

		log.Warn("Feed fetch attempt failed",
			zap.String("url", u.String()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", retryCount),
			zap.String("kind", string(lastErr.Kind)),
			zap.Error(err))

		if !lastErr.Retryable() {
			return nil, lastErr
		}
		if attempt < retryCount {
			if err := f.sleep(ctx, retryDelay*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}

	return nil, lastErr
}

func (f *Fetcher) attempt(ctx context.Context, u *url.URL) ([]byte, error) {
	if limiter := f.limiter(u.Host); limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	breaker := f.breaker(u.Host)
	if breaker == nil {
		return f.download(ctx, u)
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		return f.download(ctx, u)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &FetchError{Kind: KindCircuitOpen, URL: u.String(), Err: err}
	}
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

func (f *Fetcher) download(ctx context.Context, u *url.URL) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, &FetchError{Kind: KindInvalidURL, URL: u.String(), Err: err}
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "application/xml, text/xml, application/rss+xml, application/atom+xml, */*;q=0.8")
	req.Header.Set("Accept-Encoding", "gzip, deflate")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{Kind: KindHTTPStatus, StatusCode: resp.StatusCode, URL: u.String()}
	}

	reader, err := decodeBody(resp)
	if err != nil {
		return nil, err
	}

	body, err := readCapped(reader, f.cfg.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return nil, &FetchError{Kind: KindBodyTooLarge, URL: u.String(), Err: err}
		}
		return nil, err
	}

	if !looksLikeXML(body) {
		return nil, &FetchError{Kind: KindNotXML, URL: u.String()}
	}
	return body, nil
}

func decodeBody(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip", "x-gzip":
		return gzip.NewReader(resp.Body)
	case "deflate":
		// servers disagree on whether deflate carries the zlib header
		peek := make([]byte, 2)
		n, err := io.ReadFull(resp.Body, peek)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, err
		}
		raw := io.MultiReader(bytes.NewReader(peek[:n]), resp.Body)
		if n == 2 && peek[0]&0x0f == 8 && (uint16(peek[0])<<8|uint16(peek[1]))%31 == 0 {
			return zlib.NewReader(raw)
		}
		return flate.NewReader(raw), nil
	default:
		return resp.Body, nil
	}
}

var errBodyTooLarge = errors.New("response body exceeds limit")

func readCapped(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func looksLikeXML(body []byte) bool {
	body = bytes.TrimPrefix(body, utf8BOM)
	body = bytes.TrimLeft(body, " \t\r\n")
	return len(body) > 0 && body[0] == '<'
}

func (f *Fetcher) breaker(host string) *gobreaker.CircuitBreaker {
	if f.cfg.BreakerThreshold <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if cb, ok := f.breakers[host]; ok {
		return cb
	}
	threshold := uint32(f.cfg.BreakerThreshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "feed-fetch:" + host,
		MaxRequests: 1,
		Timeout:     f.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// bad content says nothing about the host's health
			var fe *FetchError
			return err == nil || (errors.As(err, &fe) && !fe.Retryable())
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.GetLogger().Warn("Fetch circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	f.breakers[host] = cb
	return cb
}

func (f *Fetcher) limiter(host string) *rate.Limiter {
	if f.cfg.HostRPS <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if l, ok := f.limiters[host]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Limit(f.cfg.HostRPS), 1)
	f.limiters[host] = l
	return l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
