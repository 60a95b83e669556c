// Package csvbackend is a pagerecord.Backend that appends to a local CSV
// file, ported from the teacher's internal/storage/csvbackend onto the
// PageRecord schema.
package csvbackend

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mossgate/tendril/internal/pagerecord"
)

var _ pagerecord.Backend = (*csvBackend)(nil)

type csvBackend struct {
	mu   sync.Mutex
	file *os.File
}

var headers = []string{
	"url", "seed_id", "depth", "status", "mime_type", "title", "load_state",
	"detected_bot", "detection_source", "http_status", "bytes_len",
	"duration_ms", "created_at", "error",
}

// New opens (creating if necessary) a CSV-backed pagerecord.Backend at
// filePath, writing the header row once if the file is empty.
func New(filePath string) (pagerecord.Backend, error) {
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() == 0 {
		w := csv.NewWriter(f)
		if err := w.Write(headers); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
	}

	return &csvBackend{file: f}, nil
}

func (b *csvBackend) Save(ctx context.Context, r *pagerecord.PageRecord) error {
	record := []string{
		r.URL,
		strconv.Itoa(r.SeedID),
		strconv.Itoa(r.Depth),
		string(r.Status),
		r.MimeType,
		r.Title,
		r.LoadState,
		strconv.FormatBool(r.DetectedBot),
		r.DetectionSource,
		strconv.Itoa(r.HTTPStatus),
		strconv.FormatInt(r.BytesLen, 10),
		strconv.FormatInt(r.Duration.Milliseconds(), 10),
		r.CreatedAt.Format(time.RFC3339Nano),
		r.Error,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("seek csv file: %w", err)
	}
	w := csv.NewWriter(b.file)
	if err := w.Write(record); err != nil {
		return fmt.Errorf("write csv record: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("flush csv record: %w", err)
	}
	return nil
}

func (b *csvBackend) Query(ctx context.Context, filter pagerecord.Filter) ([]*pagerecord.PageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek csv file: %w", err)
	}
	defer func() { _, _ = b.file.Seek(0, io.SeekEnd) }()

	r := csv.NewReader(b.file)
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var all []*pagerecord.PageRecord
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv record: %w", err)
		}
		if len(record) != len(headers) {
			continue
		}

		seedID, _ := strconv.Atoi(record[1])
		depth, _ := strconv.Atoi(record[2])
		detectedBot, _ := strconv.ParseBool(record[7])
		httpStatus, _ := strconv.Atoi(record[9])
		bytesLen, _ := strconv.ParseInt(record[10], 10, 64)
		durationMs, _ := strconv.ParseInt(record[11], 10, 64)
		createdAt, _ := time.Parse(time.RFC3339Nano, record[12])

		rec := &pagerecord.PageRecord{
			URL:             record[0],
			SeedID:          seedID,
			Depth:           depth,
			Status:          pagerecord.Status(record[3]),
			MimeType:        record[4],
			Title:           record[5],
			LoadState:       record[6],
			DetectedBot:     detectedBot,
			DetectionSource: record[8],
			HTTPStatus:      httpStatus,
			BytesLen:        bytesLen,
			Duration:        time.Duration(durationMs) * time.Millisecond,
			CreatedAt:       createdAt,
			Error:           record[13],
		}

		if filter.URL != "" && rec.URL != filter.URL {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		if filter.DetectedBot != nil && rec.DetectedBot != *filter.DetectedBot {
			continue
		}
		if filter.Since != nil && rec.CreatedAt.Before(*filter.Since) {
			continue
		}
		all = append(all, rec)
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

func (b *csvBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Close()
}
