package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/mossgate/tendril/internal/pagerecord"
)

func TestSQLiteBackend(t *testing.T) {
	b, err := New("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	rec := &pagerecord.PageRecord{
		URL:        "http://example-sqlite.com",
		SeedID:     1,
		Depth:      2,
		Status:     pagerecord.StatusDone,
		HTTPStatus: 200,
		Duration:   5 * time.Millisecond,
		CreatedAt:  time.Now().UTC(),
	}
	if err := b.Save(ctx, rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	results, err := b.Query(ctx, pagerecord.Filter{URL: rec.URL})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].SeedID != 1 || results[0].Depth != 2 {
		t.Errorf("unexpected result: %+v", results[0])
	}
}
