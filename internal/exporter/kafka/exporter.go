// Package kafka publishes crawl results to a Kafka topic with kafka-go.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Exporter writes one message per result, keyed by the response URL so a
// page always lands on the same partition.
type Exporter struct {
	writer messageWriter
	now    func() time.Time

	mu     sync.Mutex
	err    error
	closed bool
}

var _ crawler.Exporter = (*Exporter)(nil)

// New creates an exporter for the given brokers and topic.
func New(brokers []string, topic string) (*Exporter, error) {
	if len(brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	return NewWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
	}), nil
}

// NewWithWriter builds an exporter over a custom writer (tests).
func NewWithWriter(writer messageWriter) *Exporter {
	return &Exporter{writer: writer, now: func() time.Time { return time.Now().UTC() }}
}

// WriteHeader is a no-op.
func (e *Exporter) WriteHeader(context.Context) error { return nil }

// WriteLine publishes res. Failures are remembered for OnEnd.
func (e *Exporter) WriteLine(ctx context.Context, res *crawler.Result) error {
	if res == nil {
		return errors.New("nil result")
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(res.Response.URL),
		Value: payload,
		Time:  e.now(),
		Headers: []kafka.Header{
			{Key: "status", Value: []byte(strconv.Itoa(res.Response.Status))},
		},
	}
	if err := e.writer.WriteMessages(ctx, msg); err != nil {
		err = fmt.Errorf("write kafka message: %w", err)
		e.mu.Lock()
		if e.err == nil {
			e.err = err
		}
		e.mu.Unlock()
		return err
	}
	return nil
}

// WriteFooter is a no-op.
func (e *Exporter) WriteFooter(context.Context) error { return nil }

// End flushes and closes the writer.
func (e *Exporter) End(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.writer.Close(); err != nil {
		err = fmt.Errorf("close kafka writer: %w", err)
		if e.err == nil {
			e.err = err
		}
		return err
	}
	return nil
}

// OnEnd reports the first write or close failure.
func (e *Exporter) OnEnd(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}
