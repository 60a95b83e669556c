package report

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mossgate/tendril/internal/pagerecord"
)

func TestGenerateSummary(t *testing.T) {
	now := time.Now()

	records := []*pagerecord.PageRecord{
		{
			Status:     pagerecord.StatusDone,
			HTTPStatus: 200,
			BytesLen:   3,
			CreatedAt:  now,
		},
		{
			Status:          pagerecord.StatusDone,
			HTTPStatus:      403,
			BytesLen:        4,
			CreatedAt:       now.Add(1 * time.Second),
			DetectedBot:     true,
			DetectionSource: "Cloudflare",
		},
		{
			Status:    pagerecord.StatusFailed,
			BytesLen:  0,
			CreatedAt: now.Add(2 * time.Second),
			Error:     "timeout",
		},
	}

	summary := GenerateSummary(records)

	if summary.TotalPages != 3 {
		t.Errorf("expected 3 total pages, got %d", summary.TotalPages)
	}
	if summary.TotalFailed != 1 {
		t.Errorf("expected 1 failed, got %d", summary.TotalFailed)
	}
	if summary.TotalDone != 2 {
		t.Errorf("expected 2 done, got %d", summary.TotalDone)
	}
	if summary.TotalDetections != 1 {
		t.Errorf("expected 1 detection, got %d", summary.TotalDetections)
	}
	if summary.DetectionsBySrc["Cloudflare"] != 1 {
		t.Errorf("expected 1 CF detection, got %d", summary.DetectionsBySrc["Cloudflare"])
	}
	if summary.StatusCodes[200] != 1 {
		t.Errorf("expected 1 200 OK, got %d", summary.StatusCodes[200])
	}
	if summary.StatusCodes[403] != 1 {
		t.Errorf("expected 1 403 Forbidden, got %d", summary.StatusCodes[403])
	}
	if summary.TotalBytes != 7 {
		t.Errorf("expected 7 total bytes, got %d", summary.TotalBytes)
	}
	if summary.Duration != 2*time.Second {
		t.Errorf("expected 2s duration, got %v", summary.Duration)
	}
}

func TestWriteJSON(t *testing.T) {
	summary := Summary{TotalPages: 5}
	var buf bytes.Buffer
	if err := WriteJSON(&buf, summary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"TotalPages": 5`) {
		t.Errorf("expected JSON to contain TotalPages: 5")
	}
}

func TestWriteText(t *testing.T) {
	summary := Summary{
		TotalPages:  5,
		TotalFailed: 1,
		StatusCodes: map[int]int{200: 4, 500: 1},
	}
	var buf bytes.Buffer
	if err := WriteText(&buf, summary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "Total Pages:   5") {
		t.Errorf("expected text to contain Total Pages: 5")
	}
	if !strings.Contains(out, "200: 4") {
		t.Errorf("expected text to contain 200: 4")
	}
}

func TestWriteHTML(t *testing.T) {
	summary := Summary{
		TotalPages:      10,
		TotalDetections: 2,
		DetectionsBySrc: map[string]int{"DataDome": 2},
	}
	var buf bytes.Buffer
	if err := WriteHTML(&buf, summary); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "<title>Crawl Report</title>") {
		t.Errorf("expected HTML title")
	}
	if !strings.Contains(out, "DataDome") {
		t.Errorf("expected HTML to contain DataDome")
	}
}
