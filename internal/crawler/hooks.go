package crawler

import "context"

// CrawlFunc runs the driver attempt for the request being customized.
type CrawlFunc func(ctx context.Context) (*Result, error)

// Hooks lets callers take part in the pipeline. Embed NopHooks to implement
// only the methods you need.
type Hooks interface {
	// PreRequest returning false skips the request. An error is logged and
	// also skips it.
	PreRequest(ctx context.Context, opts RequestOptions) (bool, error)
	// OnSuccess receives every exported result.
	OnSuccess(ctx context.Context, res *Result) error
	// OnError receives requests that exhausted their retries.
	OnError(ctx context.Context, err *RequestError) error
	// CustomizeCrawl wraps the driver attempt.
	CustomizeCrawl(ctx context.Context, opts RequestOptions, crawl CrawlFunc) (*Result, error)
}

// NopHooks admits every request and runs the driver unchanged.
type NopHooks struct{}

var _ Hooks = NopHooks{}

// PreRequest implements Hooks.
func (NopHooks) PreRequest(context.Context, RequestOptions) (bool, error) { return true, nil }

// OnSuccess implements Hooks.
func (NopHooks) OnSuccess(context.Context, *Result) error { return nil }

// OnError implements Hooks.
func (NopHooks) OnError(context.Context, *RequestError) error { return nil }

// CustomizeCrawl implements Hooks.
func (NopHooks) CustomizeCrawl(ctx context.Context, _ RequestOptions, crawl CrawlFunc) (*Result, error) {
	return crawl(ctx)
}
