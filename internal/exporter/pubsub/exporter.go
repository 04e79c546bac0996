// Package pubsub publishes each crawl result as a Google Cloud Pub/Sub
// message.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

// Exporter publishes results to a topic. Publishing is asynchronous; End waits
// for every outstanding result and stops the topic.
type Exporter struct {
	topic *pubsub.Topic

	mu      sync.Mutex
	pending []*pubsub.PublishResult
	err     error
	ended   bool
}

var _ crawler.Exporter = (*Exporter)(nil)

// New creates an Exporter for the provided topic.
func New(topic *pubsub.Topic) *Exporter {
	return &Exporter{topic: topic}
}

// WriteHeader is a no-op; messages carry no framing.
func (e *Exporter) WriteHeader(context.Context) error { return nil }

// WriteLine marshals res to JSON and queues it for publishing.
func (e *Exporter) WriteLine(ctx context.Context, res *crawler.Result) error {
	if e.topic == nil {
		return fmt.Errorf("pubsub topic is not configured")
	}
	if res == nil {
		return errors.New("nil result")
	}
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"url":    res.Response.URL,
			"status": strconv.Itoa(res.Response.Status),
			"depth":  strconv.Itoa(res.Depth),
		},
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ended {
		return errors.New("pubsub exporter ended")
	}
	e.pending = append(e.pending, e.topic.Publish(ctx, msg))
	return nil
}

// WriteFooter is a no-op.
func (e *Exporter) WriteFooter(context.Context) error { return nil }

// End blocks until every queued message is acknowledged, then stops the
// topic's background publishing.
func (e *Exporter) End(ctx context.Context) error {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return nil
	}
	e.ended = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	var firstErr error
	for _, r := range pending {
		if _, err := r.Get(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("publish message: %w", err)
		}
	}
	if e.topic != nil {
		e.topic.Stop()
	}

	e.mu.Lock()
	if e.err == nil {
		e.err = firstErr
	}
	e.mu.Unlock()
	return firstErr
}

// OnEnd reports the first publish failure.
func (e *Exporter) OnEnd(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
