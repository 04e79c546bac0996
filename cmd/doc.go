// Package cmd defines and implements the CLI commands for the polite-crawler executable.
//
// Architecture overview:
//   - Commands: the root command loads configuration (Viper: file, CRAWLER_* env, then flags), builds the
//     application once in PersistentPreRunE and closes it in PersistentPostRun. `crawl` enqueues seeds and waits
//     for the queue to drain; `info` reports the page driver.
//   - Scheduler: a priority queue persisted in the configured store (memory, Postgres, Redis or SQLite) releases at
//     most crawler.max_concurrency entries at a time. Equal priorities run in insertion order, and a crawl kept with
//     --persist-cache resumes from the stored queue.
//   - Pipeline: each entry passes the domain filter, the duplicate cache, robots.txt and optional sitemap expansion
//     before a page driver (chromedp, rod or colly) fetches it with retries. Discovered links are queued one level
//     deeper until request.max_depth.
//   - Output: results stream to the configured exporter (stdout, file, GCS, Pub/Sub or Kafka). Lifecycle events go
//     through the progress hub to zap, Prometheus and the Postgres run tables.
//
// Operational notes:
//   - Politeness: request.delay paces a single worker; rate_limit adds a per-host token bucket in front of every
//     attempt.
//   - Control: --serve exposes /v1 endpoints to enqueue, pause, resume, adjust max_request and clear the cache
//     while the crawl runs, plus /metrics and /healthz.
//   - Shutdown: SIGINT/SIGTERM stop waiting; Close ends the queue, closes the driver, flushes the exporter and
//     clears the cache unless it persists.
package cmd
