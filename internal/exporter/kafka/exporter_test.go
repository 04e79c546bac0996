package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

type fakeWriter struct {
	mu       sync.Mutex
	msgs     []kgo.Message
	writeErr error
	closeErr error
	closed   int
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.closeErr
}

func TestExporterWritesKeyedMessages(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	exp := NewWithWriter(writer)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	exp.now = func() time.Time { return fixed }
	ctx := context.Background()

	require.NoError(t, exp.WriteHeader(ctx))
	require.NoError(t, exp.WriteLine(ctx, &crawler.Result{Response: crawler.Response{URL: "http://example.com/", Status: 301}}))
	require.NoError(t, exp.WriteFooter(ctx))
	require.NoError(t, exp.End(ctx))
	require.NoError(t, exp.End(ctx))
	require.NoError(t, exp.OnEnd(ctx))

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	require.Equal(t, "http://example.com/", string(msg.Key))
	require.Equal(t, fixed, msg.Time)
	require.Equal(t, "301", string(msg.Headers[0].Value))
	var got crawler.Result
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	require.Equal(t, 301, got.Response.Status)
	require.Equal(t, 1, writer.closed)
}

func TestExporterRemembersFirstError(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{writeErr: errors.New("broker down"), closeErr: errors.New("close failed")}
	exp := NewWithWriter(writer)
	ctx := context.Background()

	require.Error(t, exp.WriteLine(ctx, &crawler.Result{}))
	require.Error(t, exp.End(ctx))
	require.ErrorContains(t, exp.OnEnd(ctx), "broker down")
	require.Error(t, exp.WriteLine(ctx, nil))
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "topic")
	require.Error(t, err)
	_, err = New([]string{"localhost:9092"}, "")
	require.Error(t, err)
	exp, err := New([]string{"localhost:9092"}, "crawl-results")
	require.NoError(t, err)
	require.NoError(t, exp.End(context.Background()))
}
