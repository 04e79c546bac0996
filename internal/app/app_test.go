package app_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/polite-crawler/internal/app"
	"github.com/JakeFAU/polite-crawler/internal/config"
	"github.com/JakeFAU/polite-crawler/internal/crawler"
	memoryexporter "github.com/JakeFAU/polite-crawler/internal/exporter/memory"
	memorystore "github.com/JakeFAU/polite-crawler/internal/storage/memory"
	"github.com/JakeFAU/polite-crawler/internal/store"
)

// MockProgressRepo mocks the store.ProgressRepository interface.
type MockProgressRepo struct {
	mock.Mock
}

func (m *MockProgressRepo) UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	return m.Called(ctx, runID, startedAt).Error(0)
}

func (m *MockProgressRepo) CompleteRun(
	ctx context.Context, runID uuid.UUID, finishedAt time.Time, status store.RunStatus, errMsg *string,
) error {
	return m.Called(ctx, runID, finishedAt, status, errMsg).Error(0)
}

func (m *MockProgressRepo) UpsertSiteStats(
	ctx context.Context, runID uuid.UUID, site string, delta store.SiteDelta, at time.Time,
) error {
	return m.Called(ctx, runID, site, delta, at).Error(0)
}

func (m *MockProgressRepo) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	args := m.Called(ctx, runID)
	return args.Get(0).(store.Run), args.Error(1)
}

func (m *MockProgressRepo) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	args := m.Called(ctx, status, limit, offset)
	return args.Get(0).([]store.Run), args.Error(1)
}

func (m *MockProgressRepo) ListRunSites(ctx context.Context, runID uuid.UUID, limit, offset int) ([]store.SiteStats, error) {
	args := m.Called(ctx, runID, limit, offset)
	return args.Get(0).([]store.SiteStats), args.Error(1)
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<a href="/a">a</a><a href="/private">p</a><a href="/doc.pdf">doc</a>`)
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<a href="/">home</a>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Driver.Type = config.DriverColly
	cfg.Driver.NavigationTimeout = 5 * time.Second
	cfg.Request.MaxDepth = 2
	cfg.Request.RetryCount = 0
	cfg.Progress.Prometheus = false
	return cfg
}

func TestAppCrawlsWithProgress(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	cfg := baseConfig(t)
	cfg.Exporter.Type = config.ExporterMemory
	cfg.Progress.Prometheus = true
	cfg.Crawler.SkipExtensions = []string{"pdf"}

	repo := &MockProgressRepo{}
	repo.On("UpsertRunStart", mock.Anything, mock.Anything, mock.Anything).Return(nil).Once()
	repo.On("UpsertSiteStats", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	repo.On("CompleteRun", mock.Anything, mock.Anything, mock.Anything, store.RunDone, (*string)(nil)).Return(nil).Once()

	ctx := context.Background()
	a, err := app.New(ctx, cfg, zap.NewNop(), app.Options{
		ProgressRepo: repo,
		Registerer:   prometheus.NewRegistry(),
	})
	require.NoError(t, err)

	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.GetCrawler().EnqueueURL(ctx, srv.URL))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.GetCrawler().WaitIdle(waitCtx))
	require.NoError(t, a.Close(ctx))

	exp, ok := a.GetExporter().(*memoryexporter.Exporter)
	require.True(t, ok)
	urls := exp.URLs()
	sort.Strings(urls)
	require.Equal(t, []string{srv.URL + "/", srv.URL + "/a"}, urls)
	require.True(t, exp.Ended())

	repo.AssertExpectations(t)
	repo.AssertCalled(t, "UpsertRunStart", mock.Anything, a.RunID(), mock.Anything)
}

func TestAppStdoutExporter(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	cfg := baseConfig(t)
	cfg.Request.MaxDepth = 1
	cfg.Progress.Enabled = false
	cfg.Exporter.Type = config.ExporterStdout
	cfg.Exporter.Format = "csv"
	cfg.Exporter.Fields = []string{"response.url", "response.status"}

	var out bytes.Buffer
	ctx := context.Background()
	a, err := app.New(ctx, cfg, zap.NewNop(), app.Options{Stdout: &out})
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.GetCrawler().EnqueueURL(ctx, srv.URL+"/a"))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, a.GetCrawler().WaitIdle(waitCtx))
	require.NoError(t, a.Close(ctx))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Equal(t, []string{"response.url,response.status", srv.URL + "/a,200"}, lines)
}

func TestAppServesControlAPI(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Progress.Enabled = false
	cfg.Server.APIKey = "secret"
	cfg.Storage.Type = config.StorageSQLite
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "crawl.db")

	ctx := context.Background()
	a, err := app.New(ctx, cfg, zap.NewNop(), app.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(ctx) })
	require.NoError(t, a.Start(ctx))
	a.GetCrawler().Pause()

	req := httptest.NewRequest(http.MethodPost, "/v1/queue", strings.NewReader(`"https://example.com"`))
	req.Header.Set("X-API-Key", "secret")
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"queue_size":1`)

	// No progress store is configured.
	req = httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAppRejectsBrokenDependencies(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Exporter.Type = config.ExporterFile
	cfg.Exporter.Path = filepath.Join(t.TempDir(), "missing", "dir", "out.jsonl")

	_, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{})
	require.ErrorContains(t, err, "init exporter")

	cfg = baseConfig(t)
	cfg.Driver.Type = "lynx"
	_, err = app.New(context.Background(), cfg, zap.NewNop(), app.Options{})
	require.ErrorContains(t, err, "unknown driver")
}

type closeCountingDriver struct {
	closes atomic.Int32
}

func (d *closeCountingDriver) Crawl(context.Context, crawler.Request) (*crawler.Result, error) {
	return nil, fmt.Errorf("not used")
}

func (d *closeCountingDriver) Version(context.Context) (string, error) { return "Counting/1", nil }

func (d *closeCountingDriver) UserAgent(context.Context) (string, error) { return "Counting/1", nil }

func (d *closeCountingDriver) Close() error {
	d.closes.Add(1)
	return nil
}

type closeCountingStore struct {
	*memorystore.Store
	closes atomic.Int32
}

func (s *closeCountingStore) Close() error {
	s.closes.Add(1)
	return s.Store.Close()
}

func TestAppReleasesDriverAndStoreOnce(t *testing.T) {
	t.Parallel()

	t.Run("failed init", func(t *testing.T) {
		t.Parallel()

		cfg := baseConfig(t)
		cfg.Exporter.Type = config.ExporterFile
		cfg.Exporter.Path = filepath.Join(t.TempDir(), "missing", "out.jsonl")
		driver := &closeCountingDriver{}
		st := &closeCountingStore{Store: memorystore.New()}

		_, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{Driver: driver, Store: st})
		require.ErrorContains(t, err, "init exporter")
		require.Equal(t, int32(1), driver.closes.Load())
		require.Equal(t, int32(1), st.closes.Load())
	})

	t.Run("normal close", func(t *testing.T) {
		t.Parallel()

		cfg := baseConfig(t)
		cfg.Exporter.Type = config.ExporterNone
		driver := &closeCountingDriver{}
		st := &closeCountingStore{Store: memorystore.New()}

		a, err := app.New(context.Background(), cfg, zap.NewNop(), app.Options{Driver: driver, Store: st})
		require.NoError(t, err)
		require.NoError(t, a.Close(context.Background()))
		require.Equal(t, int32(1), driver.closes.Load())
		require.Equal(t, int32(1), st.closes.Load())
	})
}
