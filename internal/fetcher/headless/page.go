package headless

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

const screenshotQuality = 90

// renderedPage collects what the page actions read back from the tab.
type renderedPage struct {
	location   string
	html       string
	evaluated  []byte
	screenshot []byte
	cookies    []crawler.Cookie
}

func (d *Driver) pageActions(opts crawler.RequestOptions, page *renderedPage) []chromedp.Action {
	actions := []chromedp.Action{
		d.setupAction(opts),
		chromedp.Navigate(opts.URL),
	}
	if opts.WaitFor != "" {
		actions = append(actions, chromedp.WaitVisible(opts.WaitFor, chromedp.ByQuery))
	} else {
		actions = append(actions, chromedp.WaitReady("body", chromedp.ByQuery))
	}
	if opts.EvaluatePage != "" {
		actions = append(actions, chromedp.Evaluate(opts.EvaluatePage, &page.evaluated))
	}
	if opts.Screenshot != nil {
		if opts.Screenshot.FullPage {
			quality := opts.Screenshot.Quality
			if quality <= 0 {
				quality = screenshotQuality
			}
			actions = append(actions, chromedp.FullScreenshot(&page.screenshot, quality))
		} else {
			actions = append(actions, chromedp.CaptureScreenshot(&page.screenshot))
		}
	}
	actions = append(actions,
		chromedp.Location(&page.location),
		chromedp.OuterHTML("html", &page.html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			cookies, err := network.GetCookies().Do(ctx)
			if err != nil {
				return fmt.Errorf("read cookies: %w", err)
			}
			page.cookies = fromNetworkCookies(cookies)
			return nil
		}),
	)
	return actions
}

// setupAction prepares the tab before navigation: network capture, cache,
// identity, emulation, headers and cookies.
func (d *Driver) setupAction(opts crawler.RequestOptions) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := network.SetCacheDisabled(!opts.BrowserCache).Do(ctx); err != nil {
			return fmt.Errorf("set cache: %w", err)
		}
		if ua := crawler.ResolveUserAgent(opts, d.cfg.UserAgent); ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if vp := crawler.ResolveViewport(opts); vp != nil {
			if err := emulateViewport(ctx, *vp); err != nil {
				return err
			}
		}
		if headers := requestHeaders(opts); len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		for _, c := range opts.Cookies {
			if err := setCookieParams(c, opts.URL).Do(ctx); err != nil {
				return fmt.Errorf("set cookie %q: %w", c.Name, err)
			}
		}
		return nil
	})
}

func emulateViewport(ctx context.Context, vp crawler.Viewport) error {
	scale := vp.DeviceScaleFactor
	if scale == 0 {
		scale = 1
	}
	metricsOverride := emulation.SetDeviceMetricsOverride(int64(vp.Width), int64(vp.Height), scale, vp.IsMobile)
	if vp.IsLandscape {
		metricsOverride = metricsOverride.WithScreenOrientation(&emulation.ScreenOrientation{
			Type:  emulation.OrientationTypeLandscapePrimary,
			Angle: 90,
		})
	}
	if err := metricsOverride.Do(ctx); err != nil {
		return fmt.Errorf("set device metrics: %w", err)
	}
	if vp.HasTouch {
		if err := emulation.SetTouchEmulationEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable touch: %w", err)
		}
	}
	return nil
}

// requestHeaders merges the extra headers with basic auth credentials.
func requestHeaders(opts crawler.RequestOptions) network.Headers {
	headers := network.Headers{}
	for key, value := range opts.ExtraHeaders {
		headers[key] = value
	}
	if opts.Username != "" || opts.Password != "" {
		headers["Authorization"] = basicAuth(opts.Username, opts.Password)
	}
	return headers
}

func setCookieParams(c crawler.Cookie, pageURL string) *network.SetCookieParams {
	params := network.SetCookie(c.Name, c.Value).
		WithSecure(c.Secure).
		WithHTTPOnly(c.HTTPOnly)
	switch {
	case c.URL != "":
		params = params.WithURL(c.URL)
	case c.Domain == "":
		params = params.WithURL(pageURL)
	}
	if c.Domain != "" {
		params = params.WithDomain(c.Domain)
	}
	if c.Path != "" {
		params = params.WithPath(c.Path)
	}
	if c.Expires > 0 {
		expires := cdp.TimeSinceEpoch(time.Unix(int64(c.Expires), 0))
		params = params.WithExpires(&expires)
	}
	return params
}

func fromNetworkCookies(cookies []*network.Cookie) []crawler.Cookie {
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
			Expires:  c.Expires,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		})
	}
	return out
}
