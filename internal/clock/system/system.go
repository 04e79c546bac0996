// Package system provides the wall clock used outside tests.
package system

import (
	"time"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Clock stamps crawl events and run boundaries in UTC.
type Clock struct{}

var _ crawler.Clock = Clock{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Since reports the elapsed time from t.
func (c Clock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}
