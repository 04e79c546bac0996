package pubsub_test

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
	pubsubexporter "github.com/JakeFAU/polite-crawler/internal/exporter/pubsub"
)

func newTopic(t *testing.T) (*pubsub.Topic, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "crawl-results")
	require.NoError(t, err)
	return topic, srv
}

func TestExporterPublishesResults(t *testing.T) {
	t.Parallel()

	topic, srv := newTopic(t)
	exp := pubsubexporter.New(topic)
	ctx := context.Background()

	require.NoError(t, exp.WriteHeader(ctx))
	require.NoError(t, exp.WriteLine(ctx, &crawler.Result{
		Depth:    2,
		Response: crawler.Response{URL: "http://example.com/a", Status: 200},
	}))
	require.NoError(t, exp.WriteLine(ctx, &crawler.Result{
		Depth:    1,
		Response: crawler.Response{URL: "http://example.com/b", Status: 404},
	}))
	require.NoError(t, exp.WriteFooter(ctx))
	require.NoError(t, exp.End(ctx))
	require.NoError(t, exp.OnEnd(ctx))

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	byURL := map[string]map[string]string{}
	for _, m := range msgs {
		byURL[m.Attributes["url"]] = m.Attributes
		var res crawler.Result
		require.NoError(t, json.Unmarshal(m.Data, &res))
		require.Equal(t, m.Attributes["url"], res.Response.URL)
	}
	require.Equal(t, "200", byURL["http://example.com/a"]["status"])
	require.Equal(t, "2", byURL["http://example.com/a"]["depth"])
	require.Equal(t, "404", byURL["http://example.com/b"]["status"])

	require.Error(t, exp.WriteLine(ctx, &crawler.Result{}), "writes after End are rejected")
	require.NoError(t, exp.End(ctx))
}

func TestExporterWithoutTopic(t *testing.T) {
	t.Parallel()

	exp := pubsubexporter.New(nil)
	require.Error(t, exp.WriteLine(context.Background(), &crawler.Result{}))
	require.NoError(t, exp.End(context.Background()))
}
