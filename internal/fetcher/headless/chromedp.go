// Package headless implements crawler.PageDriver on headless Chrome through
// chromedp.
package headless

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	"github.com/JakeFAU/polite-crawler/internal/metrics"
)

// Config controls the behavior of the headless driver.
type Config struct {
	// MaxParallel caps open tabs; zero means no cap.
	MaxParallel int
	// UserAgent overrides the browser's own user agent for every page that
	// does not set one.
	UserAgent string
	// NavigationTimeout bounds a single attempt when the caller sets no
	// tighter deadline.
	NavigationTimeout time.Duration
	// ExecPath points at a Chrome binary; empty uses the default lookup.
	ExecPath string
	// RemoteURL connects to an already running browser's DevTools websocket
	// instead of launching one.
	RemoteURL string
	NoSandbox bool
}

// Driver implements crawler.PageDriver using chromedp and headless Chrome.
// The browser is started on first use and every attempt runs in its own tab.
type Driver struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc

	startOnce     sync.Once
	startErr      error
	browserCtx    context.Context
	browserCancel context.CancelFunc
	version       string
	userAgent     string

	closing atomic.Bool
	gone    chan struct{}
}

var (
	_ crawler.PageDriver   = (*Driver)(nil)
	_ crawler.Disconnecter = (*Driver)(nil)
)

// NewChromedp creates a headless driver backed by chromedp.
func NewChromedp(cfg Config) (*Driver, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	var (
		allocCtx    context.Context
		allocCancel context.CancelFunc
	)
	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", "new"),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("enable-automation", false),
		)
		if cfg.NoSandbox {
			opts = append(opts, chromedp.NoSandbox)
		}
		if cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	}

	return &Driver{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		gone:        make(chan struct{}),
	}, nil
}

// ensureBrowser starts the browser once and records its version.
func (d *Driver) ensureBrowser(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("start browser: %w", err)
	}
	d.startOnce.Do(func() {
		d.browserCtx, d.browserCancel = chromedp.NewContext(d.allocator)
		err := chromedp.Run(d.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			_, product, _, ua, _, err := browser.GetVersion().Do(ctx)
			if err != nil {
				return fmt.Errorf("get version: %w", err)
			}
			d.version = product
			d.userAgent = ua
			return nil
		}))
		if err != nil {
			d.browserCancel()
			d.startErr = fmt.Errorf("start browser: %w", err)
			return
		}
		go func() {
			<-d.browserCtx.Done()
			if !d.closing.Load() {
				close(d.gone)
			}
		}()
	})
	return d.startErr
}

// Version returns the browser product string, e.g. "HeadlessChrome/120.0".
func (d *Driver) Version(ctx context.Context) (string, error) {
	if err := d.ensureBrowser(ctx); err != nil {
		return "", err
	}
	return d.version, nil
}

// UserAgent returns the configured override or the browser's own user agent.
func (d *Driver) UserAgent(ctx context.Context) (string, error) {
	if d.cfg.UserAgent != "" {
		return d.cfg.UserAgent, nil
	}
	if err := d.ensureBrowser(ctx); err != nil {
		return "", err
	}
	return d.userAgent, nil
}

// Disconnected is closed when the browser goes away without Close.
func (d *Driver) Disconnected() <-chan struct{} {
	return d.gone
}

// Close shuts the browser down and releases the allocator.
func (d *Driver) Close() error {
	d.closing.Store(true)
	var err error
	if d.browserCtx != nil && d.startErr == nil {
		if cerr := chromedp.Cancel(d.browserCtx); cerr != nil && !errors.Is(cerr, context.Canceled) {
			err = fmt.Errorf("close browser: %w", cerr)
		}
	}
	d.allocCancel()
	return err
}

// Crawl renders req in a fresh tab and returns the rendered result.
func (d *Driver) Crawl(ctx context.Context, req crawler.Request) (*crawler.Result, error) {
	if err := d.ensureBrowser(ctx); err != nil {
		return nil, err
	}
	if err := d.acquire(ctx); err != nil {
		return nil, err
	}
	defer d.release()

	tabCtx, tabCancel := chromedp.NewContext(d.browserCtx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, d.navTimeout())
	defer cancel()

	nav := &navigation{}
	chromedp.ListenTarget(tabCtx, nav.observe)

	opts := req.Options
	page := &renderedPage{}
	if err := chromedp.Run(tabCtx, d.pageActions(opts, page)...); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("chromedp run: %w", ctx.Err())
		}
		return nil, fmt.Errorf("chromedp run: %w", err)
	}

	status, headers, finalURL, hops := nav.outcome(opts.URL, page.location)
	links, err := crawler.ExtractLinks(page.html, finalURL)
	if err != nil {
		return nil, err
	}
	metrics.ObserveCrawl(metrics.SanitizeSite(opts.URL), status, len(page.html))

	return &crawler.Result{
		Response: crawler.Response{
			OK:      status >= 200 && status < 300,
			Status:  status,
			URL:     finalURL,
			Headers: crawler.FlattenHeader(headers),
		},
		RedirectChain: hops,
		Links:         links,
		Cookies:       page.cookies,
		Evaluated:     page.evaluated,
		Screenshot:    page.screenshot,
	}, nil
}

func (d *Driver) acquire(ctx context.Context) error {
	if d.limiter == nil {
		return nil
	}
	select {
	case d.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (d *Driver) release() {
	if d.limiter == nil {
		return
	}
	select {
	case <-d.limiter:
	default:
	}
}

func (d *Driver) navTimeout() time.Duration {
	if d.cfg.NavigationTimeout > 0 {
		return d.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func basicAuth(username, password string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
}
