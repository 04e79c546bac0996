// Package simple contains a file-extension admission policy for the crawler.
package simple

import (
	"context"
	"net/url"
	"path"
	"strings"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Policy skips requests whose URL path ends in one of the configured
// extensions. Matching is case-insensitive.
type Policy struct {
	crawler.NopHooks
	skip map[string]struct{}
}

var _ crawler.Hooks = (*Policy)(nil)

// New creates a Policy. Extensions may be given with or without the leading dot.
func New(extensions ...string) *Policy {
	skip := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		skip[ext] = struct{}{}
	}
	return &Policy{skip: skip}
}

// PreRequest implements crawler.Hooks.
func (p *Policy) PreRequest(_ context.Context, opts crawler.RequestOptions) (bool, error) {
	return p.AllowFetch(opts.URL), nil
}

// AllowFetch reports whether rawURL passes the extension filter. Unparseable
// URLs are left for the crawler to reject.
func (p *Policy) AllowFetch(rawURL string) bool {
	if len(p.skip) == 0 {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return true
	}
	_, blocked := p.skip[strings.ToLower(path.Ext(u.Path))]
	return !blocked
}
