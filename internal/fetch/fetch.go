// Package fetch downloads remote files with retry, per-host circuit
// breaking and DNS caching. Transport details (TLS, proxies) stay on the
// default http.Transport settings.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenk/backoff"
	"github.com/rs/dnscache"
	circuit "github.com/rubyist/circuitbreaker"
)

var (
	ErrNotFound     = errors.New("file not found")
	ErrRateLimited  = errors.New("rate limited by upstream")
	ErrUpstreamDown = errors.New("upstream unavailable")
)

// Downloader fetches files over HTTP. It is safe for concurrent use by
// multiple pool workers.
type Downloader struct {
	client     *http.Client
	userAgent  string
	maxRetries int
	baseDelay  time.Duration

	mu       sync.Mutex
	breakers map[string]*circuit.Breaker

	stopRefresh chan struct{}
	closeOnce   sync.Once
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) { d.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(d *Downloader) { d.userAgent = ua }
}

// WithMaxRetries sets the maximum retry attempts per download.
func WithMaxRetries(n int) Option {
	return func(d *Downloader) { d.maxRetries = n }
}

// WithBaseDelay sets the base delay for exponential backoff between retries.
func WithBaseDelay(delay time.Duration) Option {
	return func(d *Downloader) { d.baseDelay = delay }
}

// NewDownloader creates a Downloader with DNS-cached dialing.
func NewDownloader(opts ...Option) *Downloader {
	resolver := &dnscache.Resolver{}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-stop:
				return
			}
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	d := &Downloader{
		client: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					host, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					ips, err := resolver.LookupHost(ctx, host)
					if err != nil {
						return nil, err
					}
					for _, ip := range ips {
						conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
						if err == nil {
							return conn, nil
						}
					}
					return nil, fmt.Errorf("failed to dial any resolved IP")
				},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		userAgent:   "depot/1.0",
		maxRetries:  3,
		baseDelay:   500 * time.Millisecond,
		breakers:    make(map[string]*circuit.Breaker),
		stopRefresh: stop,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Close stops the background DNS refresh. Downloads in flight are not
// interrupted.
func (d *Downloader) Close() {
	d.closeOnce.Do(func() { close(d.stopRefresh) })
}

// Download fetches rawURL and streams the body into w, retrying transient
// failures with exponential backoff behind a per-host circuit breaker.
func (d *Downloader) Download(ctx context.Context, rawURL string, w io.Writer) error {
	breaker := d.breaker(hostOf(rawURL))
	if !breaker.Ready() {
		return fmt.Errorf("circuit breaker open for %s: %w", hostOf(rawURL), ErrUpstreamDown)
	}

	return breaker.Call(func() error {
		return d.download(ctx, rawURL, w)
	}, 0)
}

func (d *Downloader) download(ctx context.Context, rawURL string, w io.Writer) error {
	var lastErr error

	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			// exponential backoff with 10% jitter
			delay := d.baseDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			delay += time.Duration(float64(delay) * (rand.Float64() * 0.1))

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := d.doDownload(ctx, rawURL, w)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) {
			return err
		}
		if !errors.Is(err, ErrRateLimited) && !errors.Is(err, ErrUpstreamDown) {
			return err
		}
	}

	return lastErr
}

func (d *Downloader) doDownload(ctx context.Context, rawURL string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamDown, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, rawURL)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s returned %d", ErrUpstreamDown, rawURL, resp.StatusCode)
	default:
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, rawURL)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	return nil
}

// breaker returns (or creates) the circuit breaker guarding a host.
// It trips after 5 consecutive failures and recovers on a backoff schedule.
func (d *Downloader) breaker(host string) *circuit.Breaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.breakers[host]; ok {
		return b
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 30 * time.Second
	expBackoff.MaxInterval = 5 * time.Minute
	expBackoff.Multiplier = 2.0
	expBackoff.Reset()

	b := circuit.NewBreakerWithOptions(&circuit.Options{
		BackOff:    expBackoff,
		ShouldTrip: circuit.ThresholdTripFunc(5),
	})
	d.breakers[host] = b
	return b
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
