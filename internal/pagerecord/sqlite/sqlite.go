// Package sqlite is a pagerecord.Backend backed by a local SQLite file,
// ported from the teacher's internal/storage/sqlite backend onto the
// PageRecord schema.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mossgate/tendril/internal/pagerecord"
	_ "modernc.org/sqlite"
)

var _ pagerecord.Backend = (*sqliteBackend)(nil)

type sqliteBackend struct {
	db *sql.DB
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
	bytes_len INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	created_at DATETIME NOT NULL,
	error TEXT
);
`

// New opens (creating if necessary) a SQLite-backed pagerecord.Backend at dsn.
func New(dsn string) (pagerecord.Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create page_records schema: %w", err)
	}
	return &sqliteBackend{db: db}, nil
}

func (b *sqliteBackend) Save(ctx context.Context, r *pagerecord.PageRecord) error {
	_, err := b.db.ExecContext(ctx, `
		INSERT INTO page_records (
			url, seed_id, depth, status, mime_type, title, load_state,
			detected_bot, detection_source, http_status, bytes_len, duration_ms,
			created_at, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.URL, r.SeedID, r.Depth, string(r.Status), r.MimeType, r.Title, r.LoadState,
		r.DetectedBot, r.DetectionSource, r.HTTPStatus, r.BytesLen, r.Duration.Milliseconds(),
		r.CreatedAt, r.Error,
	)
	if err != nil {
		return fmt.Errorf("insert page record: %w", err)
	}
	return nil
}

func (b *sqliteBackend) Query(ctx context.Context, filter pagerecord.Filter) ([]*pagerecord.PageRecord, error) {
	query := `SELECT url, seed_id, depth, status, mime_type, title, load_state, detected_bot, detection_source, http_status, bytes_len, duration_ms, created_at, error FROM page_records WHERE 1=1`
	var args []any

	if filter.URL != "" {
		query += ` AND url = ?`
		args = append(args, filter.URL)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.DetectedBot != nil {
		query += ` AND detected_bot = ?`
		args = append(args, *filter.DetectedBot)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
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

func (b *sqliteBackend) Close() error {
	return b.db.Close()
}
