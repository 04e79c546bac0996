package crawler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// Request is one fetch attempt handed to a PageDriver.
type Request struct {
	Options     RequestOptions
	Depth       int
	PreviousURL string
}

// Response summarizes the main document response.
type Response struct {
	OK      bool              `json:"ok"`
	Status  int               `json:"status"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// Redirect is one hop recorded before the final response.
type Redirect struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// Result is the outcome of a successful attempt. It is what exporters write
// and what Hooks.OnSuccess receives.
type Result struct {
	Options       RequestOptions  `json:"options"`
	Depth         int             `json:"depth"`
	PreviousURL   string          `json:"previousUrl"`
	Response      Response        `json:"response"`
	RedirectChain []Redirect      `json:"redirectChain"`
	Links         []string        `json:"links"`
	Cookies       []Cookie        `json:"cookies"`
	Evaluated     json.RawMessage `json:"result,omitempty"`
	Screenshot    []byte          `json:"screenshot,omitempty"`
}

// PageDriver runs single fetch attempts. Implementations allocate and release
// whatever session they need inside Crawl.
type PageDriver interface {
	Crawl(ctx context.Context, req Request) (*Result, error)
	Version(ctx context.Context) (string, error)
	UserAgent(ctx context.Context) (string, error)
	Close() error
}

// Disconnecter is implemented by drivers whose backend can go away on its own.
type Disconnecter interface {
	Disconnected() <-chan struct{}
}

// FlattenHeader joins repeated header values with ", " and lowercases names.
func FlattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

// ResolveUserAgent picks the user agent a request presents: the explicit
// option, then the device profile, then fallback.
func ResolveUserAgent(o RequestOptions, fallback string) string {
	if o.UserAgent != "" {
		return o.UserAgent
	}
	if d, ok := Devices[o.Device]; ok {
		return d.UserAgent
	}
	return fallback
}

// ResolveViewport picks the emulation area: the explicit option, then the
// device profile.
func ResolveViewport(o RequestOptions) *Viewport {
	if o.Viewport != nil {
		return o.Viewport
	}
	if d, ok := Devices[o.Device]; ok {
		v := d.Viewport
		return &v
	}
	return nil
}
