package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/progress"
)

func TestFingerprint(t *testing.T) {
	t.Parallel()

	base := RequestOptions{
		URL:          "http://example.com/",
		UserAgent:    "agent",
		ExtraHeaders: map[string]string{"b": "2", "a": "1"},
	}
	same := RequestOptions{
		URL:          "http://example.com/",
		UserAgent:    "agent",
		ExtraHeaders: map[string]string{"a": "1", "b": "2"},
		MaxDepth:     7,
		Priority:     3,
		RetryCount:   9,
	}
	require.Len(t, Fingerprint(base), 10)
	require.Equal(t, Fingerprint(base), Fingerprint(same), "only identity fields and not their order count")
	require.NotEqual(t, Fingerprint(base), Fingerprint(base.WithURL("http://example.com/other")))

	withDevice := base
	withDevice.Device = "iPhone X"
	require.NotEqual(t, Fingerprint(base), Fingerprint(withDevice))

	var empty RequestOptions
	require.Equal(t, Fingerprint(empty), Fingerprint(RequestOptions{ExtraHeaders: map[string]string{}}))
}

func TestRequestOptionsJSONUsesMilliseconds(t *testing.T) {
	t.Parallel()

	opts := DefaultRequestOptions().WithURL("http://example.com/")
	opts.Delay = 1500 * time.Millisecond
	raw, err := json.Marshal(opts)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	require.EqualValues(t, 1500, fields["delay"])
	require.EqualValues(t, 30000, fields["timeout"])
	require.EqualValues(t, 10000, fields["retryDelay"])
	require.Equal(t, "http://example.com/", fields["url"])

	overlay := DefaultRequestOptions()
	require.NoError(t, json.Unmarshal([]byte(`{"timeout":500,"obeyRobotsTxt":false}`), &overlay))
	require.Equal(t, 500*time.Millisecond, overlay.Timeout)
	require.Equal(t, 10*time.Second, overlay.RetryDelay)
	require.False(t, overlay.ObeyRobotsTxt)
	require.True(t, overlay.SkipDuplicates)
}

func TestCloneIsDeep(t *testing.T) {
	t.Parallel()

	orig := RequestOptions{
		AllowedDomains: []string{"a.com"},
		ExtraHeaders:   map[string]string{"x": "1"},
		Viewport:       &Viewport{Width: 10},
		Screenshot:     &ScreenshotOptions{FullPage: true},
	}
	cp := orig.clone()
	cp.AllowedDomains[0] = "b.com"
	cp.ExtraHeaders["x"] = "2"
	cp.Viewport.Width = 20
	cp.Screenshot.FullPage = false

	require.Equal(t, "a.com", orig.AllowedDomains[0])
	require.Equal(t, "1", orig.ExtraHeaders["x"])
	require.Equal(t, 10, orig.Viewport.Width)
	require.True(t, orig.Screenshot.FullPage)
}

func TestResolveHelpers(t *testing.T) {
	t.Parallel()

	opts := RequestOptions{Device: "iPad"}
	require.Equal(t, Devices["iPad"].UserAgent, ResolveUserAgent(opts, "fallback"))
	require.Equal(t, Devices["iPad"].Viewport, *ResolveViewport(opts))

	opts.UserAgent = "explicit"
	opts.Viewport = &Viewport{Width: 1, Height: 2}
	require.Equal(t, "explicit", ResolveUserAgent(opts, "fallback"))
	require.Equal(t, 1, ResolveViewport(opts).Width)

	require.Equal(t, "fallback", ResolveUserAgent(RequestOptions{}, "fallback"))
	require.Nil(t, ResolveViewport(RequestOptions{}))
}

func TestURLHelpers(t *testing.T) {
	t.Parallel()

	canonical, err := canonicalURL("HTTP://Example.COM")
	require.NoError(t, err)
	require.Equal(t, "http://example.com/", canonical)

	_, err = canonicalURL("/relative")
	require.ErrorIs(t, err, ErrInvalidURL)

	link, ok := ResolveURL("../b#frag", "http://example.com/a/c")
	require.True(t, ok)
	require.Equal(t, "http://example.com/b", link)
	_, ok = ResolveURL("mailto:someone@example.com", "http://example.com/")
	require.False(t, ok)
	_, ok = ResolveURL("#top", "http://example.com/")
	require.False(t, ok)

	robots, err := robotsURL("https://example.com:8443/deep/page?q=1")
	require.NoError(t, err)
	require.Equal(t, "https://example.com:8443/robots.txt", robots)
	require.Equal(t, "/deep/page?q=1", robotsPath("https://example.com/deep/page?q=1"))
}

func TestExtractLinksAndSitemaps(t *testing.T) {
	t.Parallel()

	html := `<html><body>
		<a href="/one">1</a>
		<a href="https://other.org/two">2</a>
		<a href="/one#again">dup</a>
		<a href="javascript:void(0)">js</a>
	</body></html>`
	links, err := ExtractLinks(html, "http://example.com/index.html")
	require.NoError(t, err)
	require.Equal(t, []string{"http://example.com/one", "https://other.org/two"}, links)

	xml := `<urlset><url><loc> http://example.com/a </loc></url><url><loc>http://example.com/b?x=1&amp;y=2</loc></url></urlset>`
	require.Equal(t, []string{"http://example.com/a", "http://example.com/b?x=1&y=2"}, ParseSitemapLocations(xml))
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func TestProgressSubscriberMapsEvents(t *testing.T) {
	t.Parallel()

	emitter := &captureEmitter{}
	runID := uuid.New()
	sub := NewProgressSubscriber(runID, emitter)
	now := time.Unix(1700000000, 0)
	opts := RequestOptions{URL: "https://Example.com/page"}

	sub.RunStarted(now)
	sub.HandleEvent(context.Background(), Event{Kind: EventRequestFinished, Time: now, Options: opts, Depth: 2, Status: 404})
	sub.HandleEvent(context.Background(), Event{
		Kind:    EventRequestFailed,
		Time:    now,
		Options: opts,
		Err:     &RequestError{Options: opts, Err: errors.New("timeout")},
	})
	sub.RunDone(now, errors.New("close driver: boom"))

	require.Len(t, emitter.events, 4)
	for _, evt := range emitter.events {
		require.Equal(t, runID, evt.RunUUID())
		require.NoError(t, evt.Validate())
	}
	finished := emitter.events[1]
	require.Equal(t, progress.StageRequestFinished, finished.Stage)
	require.Equal(t, "example.com", finished.Site)
	require.Equal(t, progress.Status4xx, finished.StatusClass)
	require.Equal(t, 2, finished.Depth)
	require.Equal(t, "timeout", emitter.events[2].Note)
	require.Equal(t, progress.StageRunDone, emitter.events[3].Stage)
	require.Equal(t, "close driver: boom", emitter.events[3].Note)
}
