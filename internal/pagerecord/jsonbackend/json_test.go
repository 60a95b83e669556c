package jsonbackend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mossgate/tendril/internal/pagerecord"
)

func TestJSONBackend(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "crawl.jsonl")

	b, err := New(filePath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond).UTC()

	rec1 := &pagerecord.PageRecord{
		URL:        "http://example.com/1",
		SeedID:     0,
		Status:     pagerecord.StatusDone,
		HTTPStatus: 200,
		Duration:   10 * time.Millisecond,
		CreatedAt:  now.Add(-2 * time.Hour),
	}
	rec2 := &pagerecord.PageRecord{
		URL:             "http://example.com/2",
		SeedID:          0,
		Status:          pagerecord.StatusFailed,
		HTTPStatus:      403,
		DetectedBot:     true,
		DetectionSource: "Cloudflare",
		Duration:        20 * time.Millisecond,
		CreatedAt:       now.Add(-1 * time.Hour),
	}

	if err := b.Save(ctx, rec1); err != nil {
		t.Fatalf("Save rec1: %v", err)
	}
	if err := b.Save(ctx, rec2); err != nil {
		t.Fatalf("Save rec2: %v", err)
	}

	byURL, err := b.Query(ctx, pagerecord.Filter{URL: "http://example.com/2"})
	if err != nil {
		t.Fatalf("Query by URL: %v", err)
	}
	if len(byURL) != 1 || byURL[0].Status != pagerecord.StatusFailed {
		t.Fatalf("unexpected URL filter result: %+v", byURL)
	}

	boolTrue := true
	byBot, err := b.Query(ctx, pagerecord.Filter{DetectedBot: &boolTrue})
	if err != nil {
		t.Fatalf("Query by DetectedBot: %v", err)
	}
	if len(byBot) != 1 {
		t.Fatalf("expected 1 detected-bot record, got %d", len(byBot))
	}

	past := now.Add(-90 * time.Minute)
	bySince, err := b.Query(ctx, pagerecord.Filter{Since: &past})
	if err != nil {
		t.Fatalf("Query by Since: %v", err)
	}
	if len(bySince) != 1 || bySince[0].URL != "http://example.com/2" {
		t.Fatalf("unexpected Since filter result: %+v", bySince)
	}

	all, err := b.Query(ctx, pagerecord.Filter{})
	if err != nil {
		t.Fatalf("Query all: %v", err)
	}
	if len(all) != 2 || all[0].URL != "http://example.com/2" {
		t.Fatalf("expected newest-first order, got %+v", all)
	}

	limited, err := b.Query(ctx, pagerecord.Filter{Limit: 1})
	if err != nil {
		t.Fatalf("Query limit: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("expected 1 result with limit, got %d", len(limited))
	}

	offset, err := b.Query(ctx, pagerecord.Filter{Offset: 1})
	if err != nil {
		t.Fatalf("Query offset: %v", err)
	}
	if len(offset) != 1 || offset[0].URL != "http://example.com/1" {
		t.Fatalf("unexpected offset result: %+v", offset)
	}
}
