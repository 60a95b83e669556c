// Package report computes a post-crawl Summary from pagerecord.PageRecord,
// rewritten in place from the teacher's scrape-shaped Summary/GenerateSummary
// onto the crawl core's page-outcome vocabulary, keeping the teacher's
// text/template JSON/text/HTML writers.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"text/template"
	"time"

	"github.com/mossgate/tendril/internal/pagerecord"
)

// Summary aggregates the outcome of every PageRecord produced by a crawl.
type Summary struct {
	TotalPages      int
	TotalDone       int
	TotalFailed     int
	TotalExcluded   int
	TotalDetections int
	StatusCodes     map[int]int
	DetectionsBySrc map[string]int
	TotalBytes      int64
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}

// GenerateSummary processes a slice of PageRecords into a Summary.
func GenerateSummary(records []*pagerecord.PageRecord) Summary {
	s := Summary{
		StatusCodes:     make(map[int]int),
		DetectionsBySrc: make(map[string]int),
	}
	if len(records) == 0 {
		return s
	}

	s.StartTime = records[0].CreatedAt
	s.EndTime = records[0].CreatedAt

	for _, r := range records {
		s.TotalPages++
		switch r.Status {
		case pagerecord.StatusDone:
			s.TotalDone++
		case pagerecord.StatusFailed:
			s.TotalFailed++
		case pagerecord.StatusExcluded:
			s.TotalExcluded++
		}
		if r.DetectedBot {
			s.TotalDetections++
			s.DetectionsBySrc[r.DetectionSource]++
		}
		if r.HTTPStatus > 0 {
			s.StatusCodes[r.HTTPStatus]++
		}
		s.TotalBytes += r.BytesLen

		if r.CreatedAt.Before(s.StartTime) {
			s.StartTime = r.CreatedAt
		}
		if r.CreatedAt.After(s.EndTime) {
			s.EndTime = r.CreatedAt
		}
	}

	s.Duration = s.EndTime.Sub(s.StartTime)
	return s
}

// WriteJSON writes summary to w as JSON.
func WriteJSON(w io.Writer, summary Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("encode summary json: %w", err)
	}
	return nil
}

const textTmpl = `Crawl Summary
-------------
Time:          {{.StartTime.Format "2006-01-02 15:04:05"}} - {{.EndTime.Format "2006-01-02 15:04:05"}}
Duration:      {{.Duration}}
Total Pages:   {{.TotalPages}}
Done:          {{.TotalDone}}
Failed:        {{.TotalFailed}}
Excluded:      {{.TotalExcluded}}
Total Bytes:   {{.TotalBytes}} bytes

Status Codes:
{{- range $code, $count := .StatusCodes}}
  {{$code}}: {{$count}}
{{- else}}
  None
{{- end}}

Detections: {{.TotalDetections}}
{{- range $src, $count := .DetectionsBySrc}}
  {{$src}}: {{$count}}
{{- else}}
  None
{{- end}}
`

// WriteText writes a human-readable text summary to w.
func WriteText(w io.Writer, summary Summary) error {
	t, err := template.New("textReport").Parse(textTmpl)
	if err != nil {
		return fmt.Errorf("parse text report template: %w", err)
	}
	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("execute text report template: %w", err)
	}
	return nil
}

const htmlTmpl = `<!DOCTYPE html>
<html>
<head>
<title>Crawl Report</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
  .stat-card { display: inline-block; padding: 20px; margin: 10px 10px 10px 0; background: #f4f4f4; border-radius: 5px; min-width: 150px; }
  .stat-val { font-size: 24px; font-weight: bold; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
  th { background: #eaeaea; }
</style>
</head>
<body>
  <h1>Crawl Report</h1>
  <p><strong>Time:</strong> {{.StartTime.Format "2006-01-02 15:04:05"}} to {{.EndTime.Format "2006-01-02 15:04:05"}} ({{.Duration}})</p>

  <div class="stat-card">
    <div>Total Pages</div>
    <div class="stat-val">{{.TotalPages}}</div>
  </div>
  <div class="stat-card">
    <div>Done</div>
    <div class="stat-val">{{.TotalDone}}</div>
  </div>
  <div class="stat-card">
    <div>Failed</div>
    <div class="stat-val">{{.TotalFailed}}</div>
  </div>
  <div class="stat-card">
    <div>Excluded</div>
    <div class="stat-val">{{.TotalExcluded}}</div>
  </div>
  <div class="stat-card">
    <div>Detections</div>
    <div class="stat-val" style="color: {{if gt .TotalDetections 0}}red{{else}}green{{end}};">{{.TotalDetections}}</div>
  </div>
  <div class="stat-card">
    <div>Total Bytes</div>
    <div class="stat-val">{{.TotalBytes}}</div>
  </div>

  <h3>Status Codes</h3>
  <table>
    <tr><th>Code</th><th>Count</th></tr>
    {{- range $code, $count := .StatusCodes}}
    <tr><td>{{$code}}</td><td>{{$count}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>

  <h3>Detections By Source</h3>
  <table>
    <tr><th>Source</th><th>Count</th></tr>
    {{- range $src, $count := .DetectionsBySrc}}
    <tr><td>{{$src}}</td><td>{{$count}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>
</body>
</html>
`

// WriteHTML writes a basic HTML report to w.
func WriteHTML(w io.Writer, summary Summary) error {
	t, err := template.New("htmlReport").Parse(htmlTmpl)
	if err != nil {
		return fmt.Errorf("parse html report template: %w", err)
	}
	if err := t.Execute(w, summary); err != nil {
		return fmt.Errorf("execute html report template: %w", err)
	}
	return nil
}
