package headless

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// navigation follows the tab's top-level document request. Chromium keeps
// one RequestID across redirects, so the first document request seen pins
// the navigation and subframe documents are ignored.
type navigation struct {
	mu    sync.Mutex
	id    network.RequestID
	hops  []crawler.Redirect
	final *network.Response
}

func (n *navigation) observe(ev any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		if e.Type != network.ResourceTypeDocument {
			return
		}
		if n.id == "" {
			n.id = e.RequestID
		}
		if e.RequestID != n.id || e.RedirectResponse == nil || n.final != nil {
			return
		}
		n.hops = append(n.hops, crawler.Redirect{
			URL:     e.RedirectResponse.URL,
			Headers: crawler.FlattenHeader(headerFromCDP(e.RedirectResponse.Headers)),
		})
	case *network.EventResponseReceived:
		if e.Type != network.ResourceTypeDocument || e.Response == nil || n.final != nil {
			return
		}
		if n.id != "" && e.RequestID != n.id {
			return
		}
		n.final = e.Response
	}
}

// outcome returns the main response. When Chromium reported none (about:blank,
// cached pages) the status defaults to 200 and the URL to the page location
// or, failing that, the requested URL.
func (n *navigation) outcome(requested, location string) (int, http.Header, string, []crawler.Redirect) {
	n.mu.Lock()
	defer n.mu.Unlock()

	hops := append([]crawler.Redirect(nil), n.hops...)
	if n.final != nil {
		return int(n.final.Status), headerFromCDP(n.final.Headers), n.final.URL, hops
	}
	url := location
	if url == "" {
		url = requested
	}
	return http.StatusOK, http.Header{}, url, hops
}

// headerFromCDP converts the loosely typed CDP header map.
func headerFromCDP(src network.Headers) http.Header {
	h := make(http.Header, len(src))
	for name, raw := range src {
		switch v := raw.(type) {
		case string:
			h.Add(name, v)
		case []string:
			for _, s := range v {
				h.Add(name, s)
			}
		case []any:
			for _, s := range v {
				h.Add(name, fmt.Sprint(s))
			}
		default:
			h.Add(name, fmt.Sprint(v))
		}
	}
	return h
}
