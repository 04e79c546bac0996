package crawler

import (
	"context"
	"time"
)

// EventKind names a lifecycle event.
type EventKind string

// Lifecycle events in the order a request can produce them.
const (
	EventRequestStarted       EventKind = "requeststarted"
	EventRequestSkipped       EventKind = "requestskipped"
	EventRequestDisallowed    EventKind = "requestdisallowed"
	EventRequestFinished      EventKind = "requestfinished"
	EventRequestRetried       EventKind = "requestretried"
	EventRequestFailed        EventKind = "requestfailed"
	EventRobotsTxtFetchFailed EventKind = "robotstxtrequestfailed"
	EventSitemapFetchFailed   EventKind = "sitemapxmlrequestfailed"
	EventMaxDepthReached      EventKind = "maxdepthreached"
	EventMaxRequestReached    EventKind = "maxrequestreached"
	EventDisconnected         EventKind = "disconnected"
)

// Event is delivered to subscribers synchronously, in firing order.
//
// Options is set for request events. Err is set for RequestFailed,
// RobotsTxtFetchFailed and SitemapFetchFailed. Status is the response status
// of RequestFinished.
type Event struct {
	Kind    EventKind
	Time    time.Time
	Options RequestOptions
	Depth   int
	Status  int
	Err     *RequestError
}

// Subscriber receives lifecycle events. Handlers run on the crawling
// goroutine and should return quickly.
type Subscriber interface {
	HandleEvent(ctx context.Context, evt Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, evt Event)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, evt Event) {
	f(ctx, evt)
}
