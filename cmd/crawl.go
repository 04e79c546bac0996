package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/polite-crawler/internal/config"
)

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl [urls...]",
		Short: "Crawl from the given seed URLs",
		Long: `Enqueues the seed URLs, starts the crawl and waits until the queue drains
or the process is interrupted. Seeds may be omitted when resuming a crawl kept
in a persistent store. With --serve the control API stays up while crawling.`,
		RunE: runCrawlCommand,
	}
	f := cmd.Flags()
	f.Int("depth", 0, "maximum crawl depth (request.max_depth)")
	f.Int("concurrency", 0, "maximum concurrent requests (crawler.max_concurrency)")
	f.Int("max-request", 0, "pause after this many requests, 0 for no limit (crawler.max_request)")
	f.Duration("delay", 0, "delay after each request; requires --concurrency=1 (request.delay)")
	f.Int("retry", 0, "retries per request (request.retry_count)")
	f.Bool("robots", true, "obey robots.txt (request.obey_robots_txt)")
	f.Bool("sitemap", false, "follow sitemaps listed in robots.txt (request.follow_sitemap_xml)")
	f.StringSlice("allowed-domain", nil, "only crawl these domains or patterns (request.allowed_domains)")
	f.String("device", "", "emulated device name (request.device)")
	f.String("user-agent", "", "user agent override (request.user_agent)")
	f.String("driver", "", "page driver: headless, rod or colly (driver.type)")
	f.String("storage", "", "store backend: memory, postgres, redis or sqlite (storage.type)")
	f.Bool("persist-cache", false, "keep the queue and cache after the crawl (crawler.persist_cache)")
	f.String("exporter", "", "result exporter: none, stdout, file, gcs, pubsub, kafka (exporter.type)")
	f.String("format", "", "export format: csv, json or jsonl (exporter.format)")
	f.StringSlice("fields", nil, "csv columns as dotted result paths (exporter.fields)")
	f.String("output", "", "output path for the file exporter (exporter.path)")
	f.String("serve", "", "serve the control API on this address while crawling (server.addr)")
	return cmd
}

// applyFlagOverrides copies every explicitly set flag of cmd onto cfg. Flags
// the command does not define are ignored.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	var errs []error
	changed := func(name string) bool {
		fl := f.Lookup(name)
		return fl != nil && fl.Changed
	}
	setInt := func(name string, dst *int) {
		if changed(name) {
			v, err := f.GetInt(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if changed(name) {
			v, err := f.GetBool(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	setString := func(name string, dst *string) {
		if changed(name) {
			v, err := f.GetString(name)
			errs = append(errs, err)
			*dst = v
		}
	}
	setStrings := func(name string, dst *[]string) {
		if changed(name) {
			v, err := f.GetStringSlice(name)
			errs = append(errs, err)
			*dst = v
		}
	}

	setInt("depth", &cfg.Request.MaxDepth)
	setInt("concurrency", &cfg.Crawler.MaxConcurrency)
	setInt("max-request", &cfg.Crawler.MaxRequest)
	if changed("delay") {
		v, err := f.GetDuration("delay")
		errs = append(errs, err)
		cfg.Request.Delay = v
	}
	setInt("retry", &cfg.Request.RetryCount)
	setBool("robots", &cfg.Request.ObeyRobotsTxt)
	setBool("sitemap", &cfg.Request.FollowSitemapXML)
	setStrings("allowed-domain", &cfg.Request.AllowedDomains)
	setString("device", &cfg.Request.Device)
	setString("user-agent", &cfg.Request.UserAgent)
	setString("driver", &cfg.Driver.Type)
	setString("storage", &cfg.Storage.Type)
	setBool("persist-cache", &cfg.Crawler.PersistCache)
	setString("exporter", &cfg.Exporter.Type)
	setString("format", &cfg.Exporter.Format)
	setStrings("fields", &cfg.Exporter.Fields)
	setString("output", &cfg.Exporter.Path)
	setString("serve", &cfg.Server.Addr)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("read flags: %w", err)
	}
	return nil
}

func runCrawlCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()
	ctx := cmd.Context()

	if err := appInstance.Start(ctx); err != nil {
		return err
	}
	engine := appInstance.Engine()
	if len(args) > 0 {
		if err := engine.EnqueueURL(ctx, args...); err != nil {
			return fmt.Errorf("enqueue seeds: %w", err)
		}
	}

	addr := serveAddr(cmd.Flags())
	g, gctx := errgroup.WithContext(ctx)
	crawlCtx, stopServing := context.WithCancel(gctx)
	defer stopServing()
	if addr != "" {
		g.Go(func() error {
			return appInstance.Serve(crawlCtx, addr)
		})
	}
	g.Go(func() error {
		defer stopServing()
		start := time.Now()
		err := engine.WaitIdle(crawlCtx)
		logger.Info("crawl finished",
			zap.Int("requested", engine.RequestedCount()),
			zap.Duration("elapsed", time.Since(start)),
		)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	return g.Wait()
}

func serveAddr(f *pflag.FlagSet) string {
	addr, err := f.GetString("serve")
	if err != nil {
		return ""
	}
	return addr
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}
