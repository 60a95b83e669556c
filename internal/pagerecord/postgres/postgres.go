// Package postgres is a pagerecord.Backend backed by Postgres via pgx,
// ported from the teacher's internal/storage/postgres backend onto the
// PageRecord schema.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mossgate/tendril/internal/pagerecord"
)

var _ pagerecord.Backend = (*postgresBackend)(nil)

type postgresBackend struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS page_records (
	url TEXT NOT NULL,
	seed_id INTEGER NOT NULL,
	depth INTEGER NOT NULL,
	status TEXT NOT NULL,
	mime_type TEXT,
	title TEXT,
	load_state TEXT,
	detected_bot BOOLEAN NOT NULL,
	detection_source TEXT,
	http_status INTEGER NOT NULL,
	bytes_len BIGINT NOT NULL,
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	error TEXT
);
`

// New opens a Postgres-backed pagerecord.Backend at dsn, creating its table
// if necessary.
func New(ctx context.Context, dsn string) (pagerecord.Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create page_records schema: %w", err)
	}
	return &postgresBackend{pool: pool}, nil
}

func (b *postgresBackend) Save(ctx context.Context, r *pagerecord.PageRecord) error {
	_, err := b.pool.Exec(ctx, `
		INSERT INTO page_records (
			url, seed_id, depth, status, mime_type, title, load_state,
			detected_bot, detection_source, http_status, bytes_len, duration_ms,
			created_at, error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.URL, r.SeedID, r.Depth, string(r.Status), r.MimeType, r.Title, r.LoadState,
		r.DetectedBot, r.DetectionSource, r.HTTPStatus, r.BytesLen, r.Duration.Milliseconds(),
		r.CreatedAt, r.Error,
	)
	if err != nil {
		return fmt.Errorf("insert page record: %w", err)
	}
	return nil
}

func (b *postgresBackend) Query(ctx context.Context, filter pagerecord.Filter) ([]*pagerecord.PageRecord, error) {
	query := `SELECT url, seed_id, depth, status, mime_type, title, load_state, detected_bot, detection_source, http_status, bytes_len, duration_ms, created_at, error FROM page_records WHERE 1=1`
	var args []any
	n := 1
	next := func() int { v := n; n++; return v }

	if filter.URL != "" {
		query += fmt.Sprintf(` AND url = $%d`, next())
		args = append(args, filter.URL)
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, next())
		args = append(args, string(filter.Status))
	}
	if filter.DetectedBot != nil {
		query += fmt.Sprintf(` AND detected_bot = $%d`, next())
		args = append(args, *filter.DetectedBot)
	}
	if filter.Since != nil {
		query += fmt.Sprintf(` AND created_at >= $%d`, next())
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, next())
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, next())
		args = append(args, filter.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query page records: %w", err)
	}
	defer rows.Close()

	var out []*pagerecord.PageRecord
	for rows.Next() {
		var r pagerecord.PageRecord
		var status string
		var durationMs int64
		if err := rows.Scan(&r.URL, &r.SeedID, &r.Depth, &status, &r.MimeType, &r.Title, &r.LoadState,
			&r.DetectedBot, &r.DetectionSource, &r.HTTPStatus, &r.BytesLen, &durationMs, &r.CreatedAt, &r.Error); err != nil {
			return nil, fmt.Errorf("scan page record: %w", err)
		}
		r.Status = pagerecord.Status(status)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page records: %w", err)
	}
	return out, nil
}

func (b *postgresBackend) Close() error {
	b.pool.Close()
	return nil
}
