package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/polite-crawler/internal/crawler"
)

func TestExporterRecordsResults(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := New()
	require.NoError(t, e.WriteHeader(ctx))
	res := &crawler.Result{Response: crawler.Response{URL: "http://example.com/", Status: 200}}
	require.NoError(t, e.WriteLine(ctx, res))
	require.NoError(t, e.WriteLine(ctx, nil))
	res.Response.URL = "mutated"

	require.Equal(t, []string{"http://example.com/"}, e.URLs())
	require.False(t, e.Ended())
	require.NoError(t, e.WriteFooter(ctx))
	require.NoError(t, e.End(ctx))
	require.NoError(t, e.OnEnd(ctx))
	require.True(t, e.Ended())

	results := e.Results()
	results[0].Response.Status = 500
	require.Equal(t, 200, e.Results()[0].Response.Status)
}
