// Package checkpoint persists a CrawlStore snapshot to disk as YAML so a
// crash or graceful stop can be resumed. There is no teacher or pack file
// for "numbered checkpoint rotation" specifically: the closest ecosystem
// libraries (e.g. gopkg.in/natefinch/lumberjack.v2, used elsewhere in the
// pack) rotate an append-only log by size/age, not a full-snapshot file by
// count, so the rotation here is hand-rolled (glob the snapshot files and
// remove the oldest beyond the history count); the
// serialization format itself uses gopkg.in/yaml.v3, the pack's standard
// YAML library (also used by the teacher's config-shaped siblings).
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mossgate/tendril/internal/config"
	"github.com/mossgate/tendril/internal/queue"
)

// File is the on-disk checkpoint document: the original config plus the
// CrawlStore snapshot.
type File struct {
	Config config.Config   `yaml:"config"`
	State  queue.StateBlob `yaml:"state"`
}

// Writer writes checkpoint files under dir, named
// "crawl-<utc-compact>-<crawlId>.yaml", and rotates old ones away keeping
// the most recent `history` files.
type Writer struct {
	Dir     string
	CrawlID string
	History int
}

// NewWriter returns a Writer rooted at dir, creating it if necessary.
func NewWriter(dir, crawlID string, history int) (*Writer, error) {
	if history <= 0 {
		history = 3
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Writer{Dir: dir, CrawlID: crawlID, History: history}, nil
}

// Save writes a new checkpoint file and rotates out the oldest beyond
// History. It writes to a temp file and renames into place so a reader
// never observes a partially written checkpoint.
func (w *Writer) Save(f File) (string, error) {
	name := fmt.Sprintf("crawl-%s-%s.yaml", time.Now().UTC().Format("20060102T150405Z"), w.CrawlID)
	path := filepath.Join(w.Dir, name)

	data, err := yaml.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write checkpoint temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename checkpoint into place: %w", err)
	}

	if err := w.rotate(); err != nil {
		return path, fmt.Errorf("rotate old checkpoints: %w", err)
	}
	return path, nil
}

func (w *Writer) rotate() error {
	matches, err := filepath.Glob(filepath.Join(w.Dir, fmt.Sprintf("crawl-*-%s.yaml", w.CrawlID)))
	if err != nil {
		return fmt.Errorf("glob checkpoint files: %w", err)
	}
	if len(matches) <= w.History {
		return nil
	}

	// Filenames are UTC-compact-timestamp-prefixed, so lexical order is
	// chronological order.
	for i := 0; i < len(matches)-w.History; i++ {
		if err := os.Remove(matches[i]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old checkpoint %s: %w", matches[i], err)
		}
	}
	return nil
}

// Latest returns the path of the most recent checkpoint file for crawlID
// under dir, or "" if none exists.
func Latest(dir, crawlID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, fmt.Sprintf("crawl-*-%s.yaml", crawlID)))
	if err != nil {
		return "", fmt.Errorf("glob checkpoint files: %w", err)
	}
	if len(matches) == 0 {
		return "", nil
	}
	return matches[len(matches)-1], nil
}

// Load reads and parses a checkpoint file from path.
func Load(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("read checkpoint file: %w", err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse checkpoint file: %w", err)
	}
	return f, nil
}
