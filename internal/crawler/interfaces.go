package crawler

import (
	"context"
	"time"
)

// Exporter receives finished results. Writes may be buffered; OnEnd blocks
// until everything is durably flushed and returns the first write error.
type Exporter interface {
	WriteHeader(ctx context.Context) error
	WriteLine(ctx context.Context, res *Result) error
	WriteFooter(ctx context.Context) error
	End(ctx context.Context) error
	OnEnd(ctx context.Context) error
}

// Limiter paces requests per host before each attempt.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
