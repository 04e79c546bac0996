// Package rodfetcher implements crawler.PageDriver with go-rod as an
// alternative to the chromedp driver.
package rodfetcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
)

// Config holds configuration for the rod driver.
type Config struct {
	// ControlURL attaches to a running browser; empty launches one.
	ControlURL string
	// Bin is the browser binary used when launching.
	Bin         string
	NoSandbox   bool
	UserAgent   string
	PageTimeout time.Duration
}

// Driver drives one browser with one page per attempt.
type Driver struct {
	cfg     Config
	browser *rod.Browser

	infoOnce  sync.Once
	infoErr   error
	version   string
	userAgent string
}

var _ crawler.PageDriver = (*Driver)(nil)

// New launches or attaches to a browser.
func New(cfg Config) (*Driver, error) {
	controlURL := cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-gpu").
			Set("disable-dev-shm-usage")
		if cfg.NoSandbox {
			l = l.Set("no-sandbox")
		}
		if cfg.Bin != "" {
			l = l.Bin(cfg.Bin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	return &Driver{cfg: cfg, browser: browser}, nil
}

func (d *Driver) loadInfo() error {
	d.infoOnce.Do(func() {
		v, err := d.browser.Version()
		if err != nil {
			d.infoErr = fmt.Errorf("browser version: %w", err)
			return
		}
		d.version = v.Product
		d.userAgent = v.UserAgent
	})
	return d.infoErr
}

// Version returns the browser product string.
func (d *Driver) Version(context.Context) (string, error) {
	if err := d.loadInfo(); err != nil {
		return "", err
	}
	return d.version, nil
}

// UserAgent returns the configured override or the browser's own.
func (d *Driver) UserAgent(context.Context) (string, error) {
	if d.cfg.UserAgent != "" {
		return d.cfg.UserAgent, nil
	}
	if err := d.loadInfo(); err != nil {
		return "", err
	}
	return d.userAgent, nil
}

// Close shuts the browser down.
func (d *Driver) Close() error {
	if d.browser == nil {
		return nil
	}
	if err := d.browser.Close(); err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// Crawl opens a page, applies the request options and reads the result.
func (d *Driver) Crawl(ctx context.Context, req crawler.Request) (*crawler.Result, error) {
	opts := req.Options
	page, err := d.browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer func() { _ = page.Close() }()
	page = page.Context(ctx).Timeout(d.cfg.PageTimeout)

	capture := newNavigationCapture()
	wait := page.EachEvent(capture.onResponse, capture.onRequest)
	go wait()

	if err := d.prepare(page, opts); err != nil {
		return nil, err
	}
	if err := page.Navigate(opts.URL); err != nil {
		return nil, fmt.Errorf("navigate: %w", err)
	}
	if err := page.WaitLoad(); err != nil {
		return nil, fmt.Errorf("wait load: %w", err)
	}
	if opts.WaitFor != "" {
		if _, err := page.Element(opts.WaitFor); err != nil {
			return nil, fmt.Errorf("wait for %q: %w", opts.WaitFor, err)
		}
	}

	res := &crawler.Result{}
	if opts.EvaluatePage != "" {
		obj, err := page.Eval(opts.EvaluatePage)
		if err != nil {
			return nil, fmt.Errorf("evaluate page: %w", err)
		}
		raw, err := json.Marshal(obj.Value)
		if err != nil {
			return nil, fmt.Errorf("encode evaluation: %w", err)
		}
		res.Evaluated = raw
	}
	if opts.Screenshot != nil {
		shot, err := page.Screenshot(opts.Screenshot.FullPage, screenshotRequest(opts.Screenshot))
		if err != nil {
			return nil, fmt.Errorf("screenshot: %w", err)
		}
		res.Screenshot = shot
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read html: %w", err)
	}
	finalURL := opts.URL
	if info, err := page.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}
	status, headers, responseURL := capture.snapshot(finalURL)
	links, err := crawler.ExtractLinks(html, responseURL)
	if err != nil {
		return nil, err
	}
	cookies, err := page.Cookies([]string{responseURL})
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}

	res.Response = crawler.Response{
		OK:      status >= 200 && status < 300,
		Status:  status,
		URL:     responseURL,
		Headers: crawler.FlattenHeader(headers),
	}
	res.RedirectChain = capture.redirects()
	res.Links = links
	res.Cookies = fromProtoCookies(cookies)
	metrics.ObserveCrawl(metrics.SanitizeSite(opts.URL), status, len(html))
	return res, nil
}

func (d *Driver) prepare(page *rod.Page, opts crawler.RequestOptions) error {
	if err := (proto.NetworkSetCacheDisabled{CacheDisabled: !opts.BrowserCache}).Call(page); err != nil {
		return fmt.Errorf("set cache: %w", err)
	}
	if ua := crawler.ResolveUserAgent(opts, d.cfg.UserAgent); ua != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: ua}); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
	}
	if vp := crawler.ResolveViewport(opts); vp != nil {
		if err := page.SetViewport(deviceMetrics(*vp)); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}
	if headers := extraHeaders(opts); len(headers) > 0 {
		if _, err := page.SetExtraHeaders(headers); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
	}
	if len(opts.Cookies) > 0 {
		if err := page.SetCookies(toProtoCookies(opts.Cookies, opts.URL)); err != nil {
			return fmt.Errorf("set cookies: %w", err)
		}
	}
	return nil
}

// extraHeaders flattens the headers into the key, value pairs rod expects.
func extraHeaders(opts crawler.RequestOptions) []string {
	var out []string
	for key, value := range opts.ExtraHeaders {
		out = append(out, key, value)
	}
	if opts.Username != "" || opts.Password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(opts.Username + ":" + opts.Password))
		out = append(out, "Authorization", "Basic "+token)
	}
	return out
}

func deviceMetrics(vp crawler.Viewport) *proto.EmulationSetDeviceMetricsOverride {
	scale := vp.DeviceScaleFactor
	if scale == 0 {
		scale = 1
	}
	return &proto.EmulationSetDeviceMetricsOverride{
		Width:             vp.Width,
		Height:            vp.Height,
		DeviceScaleFactor: scale,
		Mobile:            vp.IsMobile,
	}
}

func screenshotRequest(opts *crawler.ScreenshotOptions) *proto.PageCaptureScreenshot {
	req := &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}
	if opts.Quality > 0 {
		quality := opts.Quality
		req.Format = proto.PageCaptureScreenshotFormatJpeg
		req.Quality = &quality
	}
	return req
}

func toProtoCookies(cookies []crawler.Cookie, pageURL string) []*proto.NetworkCookieParam {
	out := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for _, c := range cookies {
		param := &proto.NetworkCookieParam{
			Name:     c.Name,
			Value:    c.Value,
			URL:      c.URL,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HTTPOnly,
		}
		if param.URL == "" && param.Domain == "" {
			param.URL = pageURL
		}
		if c.Expires > 0 {
			param.Expires = proto.TimeSinceEpoch(c.Expires)
		}
		out = append(out, param)
	}
	return out
}

func fromProtoCookies(cookies []*proto.NetworkCookie) []crawler.Cookie {
	out := make([]crawler.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if c == nil {
			continue
		}
		out = append(out, crawler.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  float64(c.Expires),
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return out
}

// navigationCapture records the main document response and its redirect
// hops from page events.
type navigationCapture struct {
	mu      sync.Mutex
	status  int
	headers http.Header
	url     string
	chain   []crawler.Redirect
}

func newNavigationCapture() *navigationCapture {
	return &navigationCapture{headers: http.Header{}}
}

func (c *navigationCapture) onResponse(e *proto.NetworkResponseReceived) {
	if e.Type != proto.NetworkResourceTypeDocument || e.Response == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != 0 {
		return
	}
	c.status = e.Response.Status
	c.headers = fromProtoHeaders(e.Response.Headers)
	c.url = e.Response.URL
}

func (c *navigationCapture) onRequest(e *proto.NetworkRequestWillBeSent) {
	if e.Type != proto.NetworkResourceTypeDocument || e.RedirectResponse == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != 0 {
		return
	}
	c.chain = append(c.chain, crawler.Redirect{
		URL:     e.RedirectResponse.URL,
		Headers: crawler.FlattenHeader(fromProtoHeaders(e.RedirectResponse.Headers)),
	})
}

func (c *navigationCapture) snapshot(finalURL string) (int, http.Header, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	status, url := c.status, c.url
	if status == 0 {
		status = http.StatusOK
	}
	if url == "" {
		url = finalURL
	}
	return status, c.headers.Clone(), url
}

func (c *navigationCapture) redirects() []crawler.Redirect {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]crawler.Redirect{}, c.chain...)
}

func fromProtoHeaders(src proto.NetworkHeaders) http.Header {
	out := http.Header{}
	for key, value := range src {
		out.Add(key, value.Str())
	}
	return out
}
