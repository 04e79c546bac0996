package collyfetcher

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// recordingTransport remembers every redirect hop a single attempt passes
// through and the URL that finally answered.
type recordingTransport struct {
	base http.RoundTripper

	mu       sync.Mutex
	hops     []crawler.Redirect
	finalURL string
}

func newRecordingTransport(base http.RoundTripper) *recordingTransport {
	return &recordingTransport{base: base}
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil || req.URL == nil {
		return nil, errors.New("recording transport received nil request")
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("recording transport base roundtrip: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if isRedirect(resp.StatusCode) && resp.Header.Get("Location") != "" {
		t.hops = append(t.hops, crawler.Redirect{
			URL:     req.URL.String(),
			Headers: crawler.FlattenHeader(resp.Header),
		})
	} else {
		t.finalURL = req.URL.String()
	}
	return resp, nil
}

func (t *recordingTransport) chain() []crawler.Redirect {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]crawler.Redirect{}, t.hops...)
}

func (t *recordingTransport) final() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalURL
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
