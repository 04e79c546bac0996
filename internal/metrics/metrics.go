// Package metrics holds the process-wide Prometheus collectors for the
// crawler. Every Observe helper is a no-op until Init has run, so library
// code can record unconditionally.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type collectors struct {
	pages         *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	apiRequests   *prometheus.CounterVec
	apiLatency    *prometheus.HistogramVec
	robotsFetches *prometheus.CounterVec
	inFlight      prometheus.Gauge
	limiterWait   *prometheus.HistogramVec
}

var (
	active   atomic.Pointer[collectors]
	initOnce sync.Once
)

// Init registers the collectors with the default Prometheus registry. Later
// calls do nothing.
func Init() {
	initOnce.Do(func() {
		active.Store(register(prometheus.DefaultRegisterer))
	})
}

func register(reg prometheus.Registerer) *collectors {
	f := promauto.With(reg)
	return &collectors{
		pages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_pages_total",
			Help: "Page fetches by site and HTTP status.",
		}, []string{"site", "status"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_bytes_total",
			Help: "Body bytes fetched by site.",
		}, []string{"site"}),
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Control API requests by method and code.",
		}, []string{"method", "code"}),
		apiLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Control API latency by method and route.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
		robotsFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "crawler_robots_fetch_total",
			Help: "robots.txt fetches by result.",
		}, []string{"result"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "crawler_inflight_requests",
			Help: "Queue entries currently in the pipeline.",
		}),
		limiterWait: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawler_rate_limit_delays_seconds",
			Help:    "Time spent waiting on the per-host rate limiter.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}, []string{"domain"}),
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite reduces a URL or bare host to its lowercase hostname, or
// "unknown" when none can be parsed.
func SanitizeSite(raw string) string {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveCrawl records one driver fetch against site.
func ObserveCrawl(site string, status, size int) {
	c := active.Load()
	if c == nil {
		return
	}
	host := SanitizeSite(site)
	c.pages.WithLabelValues(host, strconv.Itoa(status)).Inc()
	if size > 0 {
		c.bytes.WithLabelValues(host).Add(float64(size))
	}
}

// ObserveHTTPRequest records one control API request.
func ObserveHTTPRequest(method, route string, code int, took time.Duration) {
	c := active.Load()
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	c.apiLatency.WithLabelValues(method, route).Observe(took.Seconds())
}

// ObserveRobotsFetch counts a robots.txt download.
func ObserveRobotsFetch(ok bool) {
	c := active.Load()
	if c == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	c.robotsFetches.WithLabelValues(result).Inc()
}

// TrackInFlight bumps the in-flight gauge and returns the func that lowers it.
func TrackInFlight() func() {
	c := active.Load()
	if c == nil {
		return func() {}
	}
	c.inFlight.Inc()
	return c.inFlight.Dec
}

// ObserveRateLimitDelay records how long a request waited on the limiter.
func ObserveRateLimitDelay(domain string, waited time.Duration) {
	c := active.Load()
	if c == nil {
		return
	}
	c.limiterWait.WithLabelValues(domain).Observe(waited.Seconds())
}
