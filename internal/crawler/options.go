package crawler

import (
	"encoding/json"
	"time"
)

// Viewport describes the page emulation area.
type Viewport struct {
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	DeviceScaleFactor float64 `json:"deviceScaleFactor,omitempty"`
	IsMobile          bool    `json:"isMobile,omitempty"`
	HasTouch          bool    `json:"hasTouch,omitempty"`
	IsLandscape       bool    `json:"isLandscape,omitempty"`
}

// Cookie is set before navigation and reported back in results.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	URL      string  `json:"url,omitempty"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
}

// ScreenshotOptions enables a capture after the page settles.
type ScreenshotOptions struct {
	FullPage bool `json:"fullPage,omitempty"`
	// Quality applies to JPEG captures (0-100); zero means PNG.
	Quality int `json:"quality,omitempty"`
}

// RequestOptions is the per-request crawl policy. Discovered links inherit
// every field from their parent except URL.
type RequestOptions struct {
	URL                   string             `json:"url"`
	MaxDepth              int                `json:"maxDepth"`
	Priority              int                `json:"priority"`
	DepthPriority         bool               `json:"depthPriority"`
	SkipDuplicates        bool               `json:"skipDuplicates"`
	SkipRequestedRedirect bool               `json:"skipRequestedRedirect"`
	ObeyRobotsTxt         bool               `json:"obeyRobotsTxt"`
	FollowSitemapXML      bool               `json:"followSitemapXml"`
	AllowedDomains        []string           `json:"allowedDomains,omitempty"`
	DeniedDomains         []string           `json:"deniedDomains,omitempty"`
	Delay                 time.Duration      `json:"-"`
	Timeout               time.Duration      `json:"-"`
	RetryCount            int                `json:"retryCount"`
	RetryDelay            time.Duration      `json:"-"`
	Device                string             `json:"device,omitempty"`
	UserAgent             string             `json:"userAgent,omitempty"`
	ExtraHeaders          map[string]string  `json:"extraHeaders,omitempty"`
	Cookies               []Cookie           `json:"cookies,omitempty"`
	Username              string             `json:"username,omitempty"`
	Password              string             `json:"password,omitempty"`
	WaitFor               string             `json:"waitFor,omitempty"`
	EvaluatePage          string             `json:"evaluatePage,omitempty"`
	Screenshot            *ScreenshotOptions `json:"screenshot,omitempty"`
	Viewport              *Viewport          `json:"viewport,omitempty"`
	BrowserCache          bool               `json:"browserCache"`
}

// DefaultRequestOptions returns the policy applied to requests that do not
// override a field.
func DefaultRequestOptions() RequestOptions {
	return RequestOptions{
		MaxDepth:       1,
		DepthPriority:  true,
		SkipDuplicates: true,
		ObeyRobotsTxt:  true,
		RetryCount:     3,
		RetryDelay:     10 * time.Second,
		Timeout:        30 * time.Second,
		BrowserCache:   true,
	}
}

// WithURL returns a copy of o pointing at rawURL.
func (o RequestOptions) WithURL(rawURL string) RequestOptions {
	o.URL = rawURL
	return o
}

// clone deep-copies the reference fields so the copy can be decoded into
// without touching o.
func (o RequestOptions) clone() RequestOptions {
	out := o
	out.AllowedDomains = append([]string(nil), o.AllowedDomains...)
	out.DeniedDomains = append([]string(nil), o.DeniedDomains...)
	out.Cookies = append([]Cookie(nil), o.Cookies...)
	if o.ExtraHeaders != nil {
		out.ExtraHeaders = make(map[string]string, len(o.ExtraHeaders))
		for k, v := range o.ExtraHeaders {
			out.ExtraHeaders[k] = v
		}
	}
	if o.Screenshot != nil {
		s := *o.Screenshot
		out.Screenshot = &s
	}
	if o.Viewport != nil {
		v := *o.Viewport
		out.Viewport = &v
	}
	return out
}

type optionsAlias RequestOptions

// MarshalJSON writes durations as milliseconds.
func (o RequestOptions) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		optionsAlias
		Delay      int64 `json:"delay"`
		Timeout    int64 `json:"timeout"`
		RetryDelay int64 `json:"retryDelay"`
	}{
		optionsAlias: optionsAlias(o),
		Delay:        o.Delay.Milliseconds(),
		Timeout:      o.Timeout.Milliseconds(),
		RetryDelay:   o.RetryDelay.Milliseconds(),
	})
}

// UnmarshalJSON reads durations as milliseconds. Fields missing from data keep
// their current value, so decoding onto defaults overlays them.
func (o *RequestOptions) UnmarshalJSON(data []byte) error {
	aux := struct {
		*optionsAlias
		Delay      *int64 `json:"delay"`
		Timeout    *int64 `json:"timeout"`
		RetryDelay *int64 `json:"retryDelay"`
	}{optionsAlias: (*optionsAlias)(o)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Delay != nil {
		o.Delay = time.Duration(*aux.Delay) * time.Millisecond
	}
	if aux.Timeout != nil {
		o.Timeout = time.Duration(*aux.Timeout) * time.Millisecond
	}
	if aux.RetryDelay != nil {
		o.RetryDelay = time.Duration(*aux.RetryDelay) * time.Millisecond
	}
	return nil
}

// reservedOptions are constructor-level settings a queued request may not set.
var reservedOptions = []string{
	"maxConcurrency",
	"maxRequest",
	"cache",
	"exporter",
	"persistCache",
	"preRequest",
	"onSuccess",
	"onError",
	"customizeCrawl",
	// browser launch and connect settings
	"browserWSEndpoint",
	"ignoreHTTPSErrors",
	"slowMo",
	"headless",
	"executablePath",
	"args",
	"ignoreDefaultArgs",
	"handleSIGINT",
	"handleSIGTERM",
	"handleSIGHUP",
	"dumpio",
	"userDataDir",
	"env",
	"devtools",
}
