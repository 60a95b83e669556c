// Package pagerecord is the durable, queryable complement to CrawlStore's
// transient queue/lock state: one PageRecord is written every time a URL
// reaches a terminal outcome (finished, failed, excluded), independent of
// whatever happens to CrawlStore afterwards (it may be reset and rebuilt on
// load; pagerecord persists across runs for operator reporting). Grounded on
// the teacher's internal/storage package (ScrapeResult/Backend/Filter),
// generalized from "one HTTP fetch's result" into "one crawled page's
// outcome" per SPEC_FULL.md §4.11.
package pagerecord

import (
	"context"
	"time"
)

// Status is the terminal outcome a PageRecord records.
type Status string

const (
	StatusDone     Status = "done"
	StatusFailed   Status = "failed"
	StatusExcluded Status = "excluded"
)

// PageRecord is the outcome of one finished/failed/excluded URL.
type PageRecord struct {
	URL             string
	SeedID          int
	Depth           int
	Status          Status
	MimeType        string
	Title           string
	LoadState       string
	DetectedBot     bool
	DetectionSource string // e.g. "Cloudflare", "Akamai", "DataDome", "PerimeterX"
	HTTPStatus      int
	BytesLen        int64
	Duration        time.Duration
	CreatedAt       time.Time
	Error           string // non-empty when Status == StatusFailed
}

// Filter selects a subset of PageRecords for Query.
type Filter struct {
	URL         string
	Status      Status
	DetectedBot *bool
	Since       *time.Time
	Limit       int
	Offset      int
}

// Backend stores and queries PageRecords. Four implementations exist:
// sqlite, postgres, csvbackend, jsonbackend.
type Backend interface {
	Save(ctx context.Context, rec *PageRecord) error
	Query(ctx context.Context, filter Filter) ([]*PageRecord, error)
	Close() error
}
