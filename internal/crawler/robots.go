package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/metrics"
)

const (
	maxRobotsBytes  = 1 << 20
	maxSitemapBytes = 10 << 20
)

// fetchText GETs rawURL and returns the body. Non-2xx statuses are errors.
func (c *Crawler) fetchText(ctx context.Context, rawURL, userAgent string, limit int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.logger.Debug("failed to close response body", zap.String("url", rawURL), zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	return string(body), nil
}

// loadRobots returns the parsed robots.txt for the entry's origin. The body is
// cached in the store under the robots URL. A failed fetch is reported and
// treated as an empty (permissive) file; empty bodies are fetched again next
// time.
func (c *Crawler) loadRobots(ctx context.Context, e entry, userAgent string) (*robotstxt.RobotsData, error) {
	robotsLoc, err := robotsURL(e.Options.URL)
	if err != nil {
		return nil, err
	}
	body, _, err := c.store.Get(ctx, robotsLoc)
	if err != nil {
		return nil, err
	}
	if body == "" {
		fetched, ferr := c.fetchText(ctx, robotsLoc, userAgent, maxRobotsBytes)
		metrics.ObserveRobotsFetch(ferr == nil)
		if ferr != nil {
			c.publish(ctx, Event{
				Kind:    EventRobotsTxtFetchFailed,
				Options: e.Options,
				Depth:   e.Depth,
				Err:     e.requestError(ferr),
			})
			fetched = ""
		}
		if err := c.store.Set(ctx, robotsLoc, fetched); err != nil {
			return nil, err
		}
		body = fetched
	}
	data, err := robotstxt.FromString(body)
	if err != nil {
		c.logger.Warn("unparsable robots.txt; allowing access", zap.String("url", robotsLoc), zap.Error(err))
		return robotstxt.FromString("")
	}
	return data, nil
}

// checkRobots reports whether robots.txt lets the entry be fetched.
func (c *Crawler) checkRobots(ctx context.Context, e entry) (bool, error) {
	if !e.Options.ObeyRobotsTxt {
		return true, nil
	}
	userAgent := c.userAgentFor(ctx, e.Options)
	data, err := c.loadRobots(ctx, e, userAgent)
	if err != nil {
		return false, err
	}
	return data.TestAgent(robotsPath(e.Options.URL), userAgent), nil
}

// followSitemaps pushes every location listed by the sitemaps that robots.txt
// advertises. Each sitemap is fetched once per cache lifetime.
func (c *Crawler) followSitemaps(ctx context.Context, e entry) error {
	if !e.Options.FollowSitemapXML {
		return nil
	}
	userAgent := c.userAgentFor(ctx, e.Options)
	data, err := c.loadRobots(ctx, e, userAgent)
	if err != nil {
		return err
	}
	for _, sitemapURL := range data.Sitemaps {
		xml, err := c.loadSitemap(ctx, e, sitemapURL, userAgent)
		if err != nil {
			return err
		}
		for _, loc := range ParseSitemapLocations(xml) {
			canonical, err := canonicalURL(loc)
			if err != nil {
				c.logger.Debug("skipping sitemap location", zap.String("loc", loc), zap.Error(err))
				continue
			}
			if err := c.push(ctx, e.Options.WithURL(canonical), e.Depth, e.Options.URL); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Crawler) loadSitemap(ctx context.Context, e entry, sitemapURL, userAgent string) (string, error) {
	cached, ok, err := c.store.Get(ctx, sitemapURL)
	if err != nil {
		return "", err
	}
	if ok && cached != "" {
		return "", nil
	}
	xml, ferr := c.fetchText(ctx, sitemapURL, userAgent, maxSitemapBytes)
	if ferr != nil {
		c.publish(ctx, Event{
			Kind:    EventSitemapFetchFailed,
			Options: e.Options,
			Depth:   e.Depth,
			Err:     e.requestError(ferr),
		})
		xml = ""
	}
	if err := c.store.Set(ctx, sitemapURL, "1"); err != nil {
		return "", err
	}
	return xml, nil
}
