// Package jsonbackend is a pagerecord.Backend that appends NDJSON records to
// a local file, ported from the teacher's internal/storage/jsonbackend onto
// the PageRecord schema.
package jsonbackend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mossgate/tendril/internal/pagerecord"
)

var _ pagerecord.Backend = (*jsonBackend)(nil)

type jsonBackend struct {
	mu   sync.Mutex
	file *os.File
}

// New opens (creating if necessary) an NDJSON-backed pagerecord.Backend at
// filePath.
func New(filePath string) (pagerecord.Backend, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open json file: %w", err)
	}
	return &jsonBackend{file: f}, nil
}

func (b *jsonBackend) Save(ctx context.Context, r *pagerecord.PageRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal page record: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write page record: %w", err)
	}
	return nil
}

func (b *jsonBackend) Query(ctx context.Context, filter pagerecord.Filter) ([]*pagerecord.PageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek json file: %w", err)
	}
	defer func() { _, _ = b.file.Seek(0, io.SeekEnd) }()

	scanner := bufio.NewScanner(b.file)
	var all []*pagerecord.PageRecord
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r pagerecord.PageRecord
		if err := json.Unmarshal(line, &r); err != nil {
			return nil, fmt.Errorf("unmarshal page record: %w", err)
		}

		if filter.URL != "" && r.URL != filter.URL {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if filter.DetectedBot != nil && r.DetectedBot != *filter.DetectedBot {
			continue
		}
		if filter.Since != nil && r.CreatedAt.Before(*filter.Since) {
			continue
		}
		rec := r
		all = append(all, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan json file: %w", err)
	}

	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if filter.Offset > 0 {
		if filter.Offset >= len(all) {
			return nil, nil
		}
		all = all[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(all) {
		all = all[:filter.Limit]
	}
	return all, nil
}

func (b *jsonBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
