// Package gcs streams crawl results into a Google Cloud Storage object.
package gcs

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/polite-crawler/internal/exporter"
)

// Config captures where the export object lives.
type Config struct {
	Bucket string
	Object string
	Format exporter.Format
	Fields []string
}

var contentTypes = map[exporter.Format]string{
	exporter.FormatCSV:   "text/csv",
	exporter.FormatJSON:  "application/json",
	exporter.FormatJSONL: "application/x-ndjson",
}

// New opens a writer on the configured object. The object becomes visible when
// the returned exporter's End commits the upload.
func New(ctx context.Context, client *storage.Client, cfg Config) (*exporter.Stream, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if strings.TrimSpace(cfg.Object) == "" {
		return nil, fmt.Errorf("object name is required")
	}
	format, err := exporter.ParseFormat(string(cfg.Format))
	if err != nil {
		return nil, err
	}
	writer := client.Bucket(cfg.Bucket).Object(cfg.Object).NewWriter(ctx)
	writer.ContentType = contentTypes[format]
	return exporter.NewStream(writer, format, cfg.Fields)
}

// URI returns the gs:// location of the export object.
func URI(cfg Config) string {
	return fmt.Sprintf("gs://%s/%s", cfg.Bucket, cfg.Object)
}
