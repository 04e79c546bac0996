package rodfetcher

import (
	"context"
	"net/http"
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

func TestExtraHeadersIncludeBasicAuth(t *testing.T) {
	t.Parallel()

	got := extraHeaders(crawler.RequestOptions{
		ExtraHeaders: map[string]string{"X-Trace": "yes"},
		Username:     "user",
		Password:     "pass",
	})
	require.Equal(t, []string{"X-Trace", "yes", "Authorization", "Basic dXNlcjpwYXNz"}, got)
	require.Empty(t, extraHeaders(crawler.RequestOptions{}))
}

func TestDeviceMetricsDefaultsScale(t *testing.T) {
	t.Parallel()

	m := deviceMetrics(crawler.Viewport{Width: 375, Height: 812, IsMobile: true})
	require.Equal(t, 375, m.Width)
	require.Equal(t, 812, m.Height)
	require.Equal(t, 1.0, m.DeviceScaleFactor)
	require.True(t, m.Mobile)
}

func TestScreenshotRequestFormat(t *testing.T) {
	t.Parallel()

	png := screenshotRequest(&crawler.ScreenshotOptions{})
	require.Equal(t, proto.PageCaptureScreenshotFormatPng, png.Format)
	require.Nil(t, png.Quality)

	jpeg := screenshotRequest(&crawler.ScreenshotOptions{Quality: 70})
	require.Equal(t, proto.PageCaptureScreenshotFormatJpeg, jpeg.Format)
	require.Equal(t, 70, *jpeg.Quality)
}

func TestCookieConversion(t *testing.T) {
	t.Parallel()

	params := toProtoCookies([]crawler.Cookie{
		{Name: "a", Value: "1"},
		{Name: "b", Value: "2", Domain: ".example.com", Expires: 1700000000},
	}, "https://example.com/")
	require.Equal(t, "https://example.com/", params[0].URL)
	require.Empty(t, params[1].URL)
	require.Equal(t, proto.TimeSinceEpoch(1700000000), params[1].Expires)

	out := fromProtoCookies([]*proto.NetworkCookie{nil, {Name: "a", Value: "1", HTTPOnly: true, Expires: 5}})
	require.Equal(t, []crawler.Cookie{{Name: "a", Value: "1", HTTPOnly: true, Expires: 5}}, out)
}

func TestNavigationCaptureKeepsMainDocument(t *testing.T) {
	t.Parallel()

	c := newNavigationCapture()
	c.onRequest(&proto.NetworkRequestWillBeSent{
		Type: proto.NetworkResourceTypeDocument,
		RedirectResponse: &proto.NetworkResponse{
			URL:     "https://example.com/old",
			Status:  302,
			Headers: proto.NetworkHeaders{"Location": gson.New("/new")},
		},
	})
	c.onResponse(&proto.NetworkResponseReceived{
		Type: proto.NetworkResourceTypeDocument,
		Response: &proto.NetworkResponse{
			URL:     "https://example.com/new",
			Status:  200,
			Headers: proto.NetworkHeaders{"Content-Type": gson.New("text/html")},
		},
	})
	c.onResponse(&proto.NetworkResponseReceived{
		Type:     proto.NetworkResourceTypeDocument,
		Response: &proto.NetworkResponse{URL: "https://ads.example.com/frame", Status: 500},
	})

	status, headers, url := c.snapshot("https://example.com/fallback")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "text/html", headers.Get("Content-Type"))
	require.Equal(t, "https://example.com/new", url)
	require.Equal(t, []crawler.Redirect{{
		URL:     "https://example.com/old",
		Headers: map[string]string{"location": "/new"},
	}}, c.redirects())

	empty := newNavigationCapture()
	status, _, url = empty.snapshot("https://example.com/fallback")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://example.com/fallback", url)
}

func TestUserAgentOverride(t *testing.T) {
	t.Parallel()

	d := &Driver{cfg: Config{UserAgent: "PoliteBot/1.0"}}
	ua, err := d.UserAgent(context.Background())
	require.NoError(t, err)
	require.Equal(t, "PoliteBot/1.0", ua)
	require.NoError(t, (&Driver{}).Close())
}
