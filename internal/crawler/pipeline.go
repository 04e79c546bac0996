package crawler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/metrics"
	"github.com/JakeFAU/polite-crawler/internal/scheduler"
)

// handle runs one dequeued entry through the pipeline: skip check, robots.txt,
// sitemaps, the fetch with retries, then link discovery.
func (c *Crawler) handle(ctx context.Context, e entry) {
	defer metrics.TrackInFlight()()
	if err := c.process(ctx, e); err != nil {
		if errors.Is(err, scheduler.ErrQueueClosed) {
			c.logger.Debug("queue closed while following links", zap.String("url", e.Options.URL))
			return
		}
		c.logger.Error("entry aborted", zap.String("url", e.Options.URL), zap.Int("depth", e.Depth), zap.Error(err))
	}
}

func (c *Crawler) process(ctx context.Context, e entry) error {
	skip, err := c.shouldSkip(ctx, e.Options)
	if err != nil {
		return err
	}
	if skip {
		c.publish(ctx, Event{Kind: EventRequestSkipped, Options: e.Options, Depth: e.Depth})
		return c.markRequested(ctx, e.Options)
	}

	allowed, err := c.checkRobots(ctx, e)
	if err != nil {
		return err
	}
	if !allowed {
		c.publish(ctx, Event{Kind: EventRequestDisallowed, Options: e.Options, Depth: e.Depth})
		return c.markRequested(ctx, e.Options)
	}

	if err := c.followSitemaps(ctx, e); err != nil {
		return err
	}
	links, err := c.request(ctx, e)
	if err != nil {
		return err
	}
	c.checkRequestCount(ctx)
	if err := c.followLinks(ctx, e, links); err != nil {
		return err
	}
	pause(ctx, e.Options.Delay)
	return nil
}

// shouldSkip applies the domain filters, duplicate suppression and the
// PreRequest hook, in that order.
func (c *Crawler) shouldSkip(ctx context.Context, opts RequestOptions) (bool, error) {
	if !domainAllowed(opts) {
		return true, nil
	}
	requested, err := c.checkRequested(ctx, opts)
	if err != nil {
		return false, err
	}
	if requested {
		return true, nil
	}
	ok, err := c.hooks.PreRequest(ctx, opts)
	if err != nil {
		c.logger.Warn("pre-request hook failed; skipping", zap.String("url", opts.URL), zap.Error(err))
		return true, nil
	}
	return !ok, nil
}

func (c *Crawler) checkRequested(ctx context.Context, opts RequestOptions) (bool, error) {
	if !opts.SkipDuplicates {
		return false, nil
	}
	value, _, err := c.store.Get(ctx, Fingerprint(opts))
	if err != nil {
		return false, err
	}
	return value != "", nil
}

func (c *Crawler) markRequested(ctx context.Context, opts RequestOptions) error {
	if !opts.SkipDuplicates {
		return nil
	}
	return c.store.Set(ctx, Fingerprint(opts), "1")
}

// checkRequestedRedirect reports whether the final URL of a redirect was
// already requested. Intermediate hops are only marked, never checked.
func (c *Crawler) checkRequestedRedirect(ctx context.Context, opts RequestOptions, res *Result) (bool, error) {
	if !opts.SkipRequestedRedirect || res.Response.URL == "" {
		return false, nil
	}
	return c.checkRequested(ctx, opts.WithURL(res.Response.URL))
}

func (c *Crawler) markRequestedRedirects(ctx context.Context, opts RequestOptions, res *Result) error {
	if !opts.SkipRequestedRedirect {
		return nil
	}
	for _, hop := range res.RedirectChain {
		if err := c.markRequested(ctx, opts.WithURL(hop.URL)); err != nil {
			return err
		}
	}
	if res.Response.URL == "" {
		return nil
	}
	return c.markRequested(ctx, opts.WithURL(res.Response.URL))
}

// request fetches the entry, retrying failed attempts up to RetryCount times.
// It returns the links to follow; a request that ends in failure or lands on
// an already requested redirect target returns none. Only storage failures are
// returned as errors.
func (c *Crawler) request(ctx context.Context, e entry) ([]string, error) {
	for attempt := 0; ; attempt++ {
		c.publish(ctx, Event{Kind: EventRequestStarted, Options: e.Options, Depth: e.Depth})
		res, err := c.attempt(ctx, e)
		if err == nil {
			return c.finish(ctx, e, res)
		}

		reqErr := e.requestError(err)
		if attempt >= e.Options.RetryCount {
			c.publish(ctx, Event{Kind: EventRequestFailed, Options: e.Options, Depth: e.Depth, Err: reqErr})
			if herr := c.hooks.OnError(ctx, reqErr); herr != nil {
				c.logger.Warn("error hook failed", zap.String("url", e.Options.URL), zap.Error(herr))
			}
			return nil, nil
		}
		c.logger.Info("retrying request",
			zap.String("url", e.Options.URL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		c.publish(ctx, Event{Kind: EventRequestRetried, Options: e.Options, Depth: e.Depth, Err: reqErr})
		pause(ctx, e.Options.RetryDelay)
	}
}

func (c *Crawler) attempt(ctx context.Context, e entry) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, e.Options.URL); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	crawl := func(ctx context.Context) (*Result, error) {
		if e.Options.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, e.Options.Timeout)
			defer cancel()
		}
		return c.driver.Crawl(ctx, Request{Options: e.Options, Depth: e.Depth, PreviousURL: e.PreviousURL})
	}
	res, err := c.hooks.CustomizeCrawl(ctx, e.Options, crawl)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("driver returned no result")
	}
	res.Options = e.Options
	res.Depth = e.Depth
	res.PreviousURL = e.PreviousURL
	return res, nil
}

func (c *Crawler) finish(ctx context.Context, e entry, res *Result) ([]string, error) {
	c.publish(ctx, Event{Kind: EventRequestFinished, Options: e.Options, Depth: e.Depth, Status: res.Response.Status})
	requested, err := c.checkRequestedRedirect(ctx, e.Options, res)
	if err != nil {
		return nil, err
	}
	if err := c.markRequested(ctx, e.Options); err != nil {
		return nil, err
	}
	if err := c.markRequestedRedirects(ctx, e.Options, res); err != nil {
		return nil, err
	}
	if requested {
		return nil, nil
	}
	if c.exporter != nil {
		if err := c.exporter.WriteLine(ctx, res); err != nil {
			c.logger.Error("export failed", zap.String("url", e.Options.URL), zap.Error(err))
		}
	}
	if err := c.hooks.OnSuccess(ctx, res); err != nil {
		c.logger.Warn("success hook failed", zap.String("url", e.Options.URL), zap.Error(err))
	}
	return res.Links, nil
}

// checkRequestCount pauses the crawl once the request ceiling is reached.
func (c *Crawler) checkRequestCount(ctx context.Context) {
	n := c.requested.Add(1)
	limit := c.maxRequest.Load()
	if limit != 0 && n >= limit {
		c.publish(ctx, Event{Kind: EventMaxRequestReached})
		c.queue.Pause()
	}
}

// followLinks queues discovered links one level deeper. Links that would be
// skipped are dropped without an event.
func (c *Crawler) followLinks(ctx context.Context, e entry, links []string) error {
	if e.Depth >= e.Options.MaxDepth {
		c.publish(ctx, Event{Kind: EventMaxDepthReached, Options: e.Options, Depth: e.Depth})
		return nil
	}
	for _, link := range links {
		canonical, err := canonicalURL(link)
		if err != nil {
			continue
		}
		child := e.Options.WithURL(canonical)
		skip, err := c.shouldSkip(ctx, child)
		if err != nil {
			return err
		}
		if skip {
			continue
		}
		if err := c.push(ctx, child, e.Depth+1, e.Options.URL); err != nil {
			return err
		}
	}
	return nil
}
