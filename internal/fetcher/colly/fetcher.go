// Package collyfetcher downloads pages for conversion using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/readability-server/internal/convert"
	"github.com/JakeFAU/readability-server/internal/metrics"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultMaxBodySize = 10 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// Timeout bounds the whole download, redirects and robots.txt included.
	Timeout     time.Duration
	MaxBodySize int
	// RespectRobots makes robots.txt disallow rules fail the fetch.
	RespectRobots bool
	// Headers are added to every page request.
	Headers http.Header
	// Limiter, when set, throttles requests per host. Time spent waiting counts against Timeout.
	Limiter Limiter
}

// Limiter delays a request until its host may be contacted again.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements convert.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	metrics.Init()
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	// Error pages are still converted; their bodies are what the caller asked for.
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodySize
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	var transport http.RoundTripper = newHTTPTransport()
	if cfg.RespectRobots {
		transport = newRobotsAwareTransport(transport)
	}
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch downloads rawURL. A download that outlives Config.Timeout fails with
// convert.ErrUpstreamTimeout; a robots.txt disallow fails with convert.ErrBlockedByRobots.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (convert.FetchResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	if f.cfg.Limiter != nil {
		if err := f.cfg.Limiter.Wait(ctx, rawURL); err != nil {
			err = classify(err)
			metrics.ObserveFetch(rawURL, fetchResultLabel(err), 0)
			return convert.FetchResponse{}, err
		}
	}

	var (
		result   convert.FetchResponse
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(ctx, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, rawURL, &fetchErr); err != nil {
		metrics.ObserveFetch(rawURL, fetchResultLabel(err), 0)
		return convert.FetchResponse{}, err
	}
	metrics.ObserveFetch(rawURL, metrics.StatusClass(result.StatusCode), len(result.Body))
	return result, nil
}

func (f *Fetcher) buildCollector(
	ctx context.Context,
	start time.Time,
	result *convert.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *convert.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.copyHeaders(r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = convert.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return classify(ctx.Err())
	case err := <-done:
		if err != nil {
			return classify(err)
		}
		if *fetchErr != nil {
			return classify(*fetchErr)
		}
		return nil
	}
}

// classify maps collector failures onto the convert sentinels.
func classify(err error) error {
	switch {
	case errors.Is(err, colly.ErrRobotsTxtBlocked):
		return fmt.Errorf("%w: %v", convert.ErrBlockedByRobots, err)
	case isTimeout(err):
		return fmt.Errorf("%w: %v", convert.ErrUpstreamTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("colly fetch canceled: %w", err)
	}
	return fmt.Errorf("colly fetch failed: %w", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func fetchResultLabel(err error) string {
	switch {
	case errors.Is(err, convert.ErrUpstreamTimeout):
		return "timeout"
	case errors.Is(err, convert.ErrBlockedByRobots):
		return "robots"
	}
	return "error"
}

func (f *Fetcher) copyHeaders(r *colly.Request) {
	for key, values := range f.cfg.Headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
