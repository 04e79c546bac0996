// Package crawler implements the crawl orchestrator: request options and
// validation, duplicate fingerprints, domain filters, robots.txt and sitemap
// handling, retries, lifecycle events, and the hand-off to page drivers and
// exporters. Scheduling lives in the scheduler package and persistence behind
// storage.Store.
package crawler
