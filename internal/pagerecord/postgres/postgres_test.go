package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/mossgate/tendril/internal/pagerecord"
)

func TestPostgresBackend(t *testing.T) {
	dsn := os.Getenv("TENDRIL_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("skipping Postgres backend test: TENDRIL_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	b, err := New(ctx, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Close()

	rec := &pagerecord.PageRecord{
		URL:        "http://example-pg.com",
		SeedID:     1,
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
	if len(results) == 0 {
		t.Fatalf("expected at least 1 result")
	}
}
