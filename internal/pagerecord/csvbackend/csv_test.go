package csvbackend

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mossgate/tendril/internal/pagerecord"
)

func TestCSVBackend(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "crawl.csv")

	b, err := New(filePath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	now := time.Now().Truncate(time.Second).UTC()

	rec1 := &pagerecord.PageRecord{
		URL:        "http://example.com/1",
		Status:     pagerecord.StatusDone,
		HTTPStatus: 200,
		CreatedAt:  now.Add(-2 * time.Hour),
	}
	rec2 := &pagerecord.PageRecord{
		URL:             "http://example.com/2",
		Status:          pagerecord.StatusExcluded,
		HTTPStatus:      0,
		DetectedBot:     true,
		DetectionSource: "Akamai",
		CreatedAt:       now.Add(-1 * time.Hour),
	}

	if err := b.Save(ctx, rec1); err != nil {
		t.Fatalf("Save rec1: %v", err)
	}
	if err := b.Save(ctx, rec2); err != nil {
		t.Fatalf("Save rec2: %v", err)
	}

	all, err := b.Query(ctx, pagerecord.Filter{})
	if err != nil {
		t.Fatalf("Query all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
	if all[0].URL != "http://example.com/2" {
		t.Fatalf("expected newest-first order, got %+v", all)
	}

	byStatus, err := b.Query(ctx, pagerecord.Filter{Status: pagerecord.StatusExcluded})
	if err != nil {
		t.Fatalf("Query by status: %v", err)
	}
	if len(byStatus) != 1 || byStatus[0].DetectionSource != "Akamai" {
		t.Fatalf("unexpected status filter result: %+v", byStatus)
	}
}
