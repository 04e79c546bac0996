// Package store declares the crawl run progress repository. Implementations
// live in other packages; this package must not import database drivers or
// concrete clients.
package store
