// Package memory contains an in-memory exporter for tests and embedding.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Exporter stores exported results for inspection.
type Exporter struct {
	mu      sync.RWMutex
	results []crawler.Result
	header  bool
	footer  bool
	ended   bool
}

var _ crawler.Exporter = (*Exporter)(nil)

// New returns a memory Exporter.
func New() *Exporter {
	return &Exporter{}
}

// WriteHeader records that the export started.
func (e *Exporter) WriteHeader(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.header = true
	return nil
}

// WriteLine records a copy of res.
func (e *Exporter) WriteLine(_ context.Context, res *crawler.Result) error {
	if res == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, *res)
	return nil
}

// WriteFooter records that the export finished writing.
func (e *Exporter) WriteFooter(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.footer = true
	return nil
}

// End marks the exporter closed.
func (e *Exporter) End(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ended = true
	return nil
}

// OnEnd never fails.
func (e *Exporter) OnEnd(context.Context) error { return nil }

// Results returns the recorded results in write order.
func (e *Exporter) Results() []crawler.Result {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]crawler.Result, len(e.results))
	copy(out, e.results)
	return out
}

// URLs returns the response URL of every recorded result.
func (e *Exporter) URLs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.results))
	for _, r := range e.results {
		out = append(out, r.Response.URL)
	}
	return out
}

// Ended reports whether the header, footer and End were all seen.
func (e *Exporter) Ended() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.header && e.footer && e.ended
}
