// Package collyfetcher implements crawler.PageDriver over plain HTTP using
// gocolly. Pages are not rendered, so evaluation and screenshots are ignored.
package collyfetcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
)

const driverVersion = "colly/v2"

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
}

// Driver implements crawler.PageDriver using a fresh Colly collector per
// attempt over a shared connection pool.
type Driver struct {
	cfg       Config
	transport http.RoundTripper
}

var _ crawler.PageDriver = (*Driver)(nil)

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Driver.
func New(cfg Config) *Driver {
	return &Driver{
		cfg:       cfg,
		transport: newHTTPTransport(),
	}
}

// attempt accumulates what the collector callbacks observe.
type attempt struct {
	mu       sync.Mutex
	response crawler.Response
	body     int
	links    []string
	seen     map[string]struct{}
	err      error
}

func (a *attempt) addLink(link string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.seen[link]; dup {
		return
	}
	a.seen[link] = struct{}{}
	a.links = append(a.links, link)
}

// Crawl executes a single HTTP GET using Colly.
func (d *Driver) Crawl(ctx context.Context, req crawler.Request) (*crawler.Result, error) {
	opts := req.Options
	rec := newRecordingTransport(d.transport)
	state := &attempt{seen: make(map[string]struct{})}
	collector, err := d.buildCollector(ctx, opts, rec)
	if err != nil {
		return nil, err
	}
	d.configureCollectorHooks(collector, opts, state)

	if err := d.runCollector(ctx, collector, opts.URL, state); err != nil {
		return nil, err
	}

	res := &crawler.Result{
		Response:      state.response,
		RedirectChain: rec.chain(),
		Links:         state.links,
		Cookies:       fromHTTPCookies(collector.Cookies(state.response.URL)),
	}
	if final := rec.final(); final != "" {
		res.Response.URL = final
	}
	metrics.ObserveCrawl(metrics.SanitizeSite(opts.URL), res.Response.Status, state.body)
	return res, nil
}

func (d *Driver) buildCollector(
	ctx context.Context,
	opts crawler.RequestOptions,
	transport http.RoundTripper,
) (*colly.Collector, error) {
	collector := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.StdlibContext(ctx),
	)
	if ua := crawler.ResolveUserAgent(opts, d.cfg.UserAgent); ua != "" {
		collector.UserAgent = ua
	}
	// robots.txt is enforced by the crawler before the driver runs.
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	if d.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = d.cfg.MaxBodySize
	}
	timeout := d.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(transport)

	if len(opts.Cookies) > 0 {
		if err := collector.SetCookies(opts.URL, toHTTPCookies(opts.Cookies)); err != nil {
			return nil, fmt.Errorf("set cookies: %w", err)
		}
	}
	return collector, nil
}

func (d *Driver) configureCollectorHooks(hooks collectorHooks, opts crawler.RequestOptions, state *attempt) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(opts, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		state.mu.Lock()
		defer state.mu.Unlock()
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		state.response = crawler.Response{
			OK:      r.StatusCode >= 200 && r.StatusCode < 300,
			Status:  r.StatusCode,
			URL:     r.Request.URL.String(),
			Headers: crawler.FlattenHeader(headers),
		}
		state.body = len(r.Body)
	})

	hooks.OnHTML("a[href]", func(e *colly.HTMLElement) {
		if link, ok := crawler.ResolveURL(e.Attr("href"), e.Request.URL.String()); ok {
			state.addLink(link)
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		state.mu.Lock()
		defer state.mu.Unlock()
		state.err = err
	})
}

func (d *Driver) runCollector(ctx context.Context, collector *colly.Collector, url string, state *attempt) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		state.mu.Lock()
		defer state.mu.Unlock()
		if state.err != nil {
			return fmt.Errorf("colly response failed: %w", state.err)
		}
		if state.response.Status == 0 {
			return fmt.Errorf("colly visit produced no response for %s", url)
		}
		return nil
	}
}

// Version reports the driver identity; there is no browser behind it.
func (d *Driver) Version(context.Context) (string, error) {
	return driverVersion, nil
}

// UserAgent returns the configured user agent or Colly's default.
func (d *Driver) UserAgent(context.Context) (string, error) {
	if d.cfg.UserAgent != "" {
		return d.cfg.UserAgent, nil
	}
	return colly.NewCollector().UserAgent, nil
}

// Close releases idle pooled connections.
func (d *Driver) Close() error {
	if t, ok := d.transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
	return nil
}

func copyHeaders(opts crawler.RequestOptions, r *colly.Request) {
	for key, value := range opts.ExtraHeaders {
		r.Headers.Set(key, value)
	}
	if opts.Username != "" || opts.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		r.Headers.Set("Authorization", "Basic "+token)
	}
}

func toHTTPCookies(cookies []crawler.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, hc)
	}
	return out
}

func fromHTTPCookies(cookies []*http.Cookie) []crawler.Cookie {
	out := make([]crawler.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, crawler.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
	return out
}
