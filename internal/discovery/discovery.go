// Package discovery reads the agent CLI's on-disk session index. The
// supervisor never writes these files; the agent owns its session store and
// this package parses it defensively, skipping anything malformed.
package discovery

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentmux/agentmux/internal/common/logger"
	"github.com/agentmux/agentmux/internal/process"
	"go.uber.org/zap"
)

// Entry is one discovered session.
type Entry struct {
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Project   string    `json:"project,omitempty"`
	Display   string    `json:"display,omitempty"`

	// IsActive and Status are filled in by the supervisor for sessions it
	// currently tracks.
	IsActive bool   `json:"is_active"`
	Status   string `json:"status,omitempty"`
}

// Reader lists sessions from an index location in one of the two supported
// layouts.
type Reader struct {
	path   string
	layout process.IndexLayout
	logger *logger.Logger
}

// NewReader creates a reader over path with the given layout.
func NewReader(path string, layout process.IndexLayout, log *logger.Logger) *Reader {
	return &Reader{
		path:   path,
		layout: layout,
		logger: log.WithFields(zap.String("component", "session-discovery")),
	}
}

// List returns discovered sessions sorted by timestamp descending. An
// absent or unreadable index yields an empty list, never an error.
func (r *Reader) List() []Entry {
	var entries []Entry
	switch r.layout {
	case process.IndexDateTree:
		entries = r.readDateTree()
	default:
		entries = r.readJSONLFile()
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries
}

// indexRow is one line of the append-only JSONL index.
type indexRow struct {
	Timestamp json.RawMessage `json:"timestamp"`
	Project   string          `json:"project"`
	Display   string          `json:"display"`
	SessionID string          `json:"session_id"`
}

func (r *Reader) readJSONLFile() []Entry {
	if r.path == "" {
		return nil
	}
	file, err := os.Open(r.path)
	if err != nil {
		r.logger.Debug("session index not readable", zap.String("path", r.path), zap.Error(err))
		return nil
	}
	defer file.Close()

	// Later rows for the same session id supersede earlier ones.
	latest := make(map[string]Entry)
	var order []string

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row indexRow
		if err := json.Unmarshal([]byte(line), &row); err != nil || row.SessionID == "" {
			continue
		}
		if _, seen := latest[row.SessionID]; !seen {
			order = append(order, row.SessionID)
		}
		latest[row.SessionID] = Entry{
			SessionID: row.SessionID,
			Timestamp: parseTimestamp(row.Timestamp),
			Project:   row.Project,
			Display:   row.Display,
		}
	}

	entries := make([]Entry, 0, len(order))
	for _, id := range order {
		entries = append(entries, latest[id])
	}
	return entries
}

// dateTreeHead is the first line of a per-session transcript file in the
// date-partitioned layout.
type dateTreeHead struct {
	SessionID string          `json:"session_id"`
	ID        string          `json:"id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Cwd       string          `json:"cwd"`
}

func (r *Reader) readDateTree() []Entry {
	if r.path == "" {
		return nil
	}
	var entries []Entry
	err := filepath.WalkDir(r.path, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable subtrees
		}
		if d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		if entry, ok := r.readTranscriptHead(path); ok {
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		r.logger.Debug("session index walk failed", zap.String("path", r.path), zap.Error(err))
	}
	return entries
}

func (r *Reader) readTranscriptHead(path string) (Entry, bool) {
	file, err := os.Open(path)
	if err != nil {
		return Entry{}, false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return Entry{}, false
	}

	var head dateTreeHead
	if err := json.Unmarshal(scanner.Bytes(), &head); err != nil {
		return Entry{}, false
	}
	id := head.SessionID
	if id == "" {
		id = head.ID
	}
	if id == "" {
		// fall back to the file name for transcripts without a header id
		id = strings.TrimSuffix(filepath.Base(path), ".jsonl")
	}

	ts := parseTimestamp(head.Timestamp)
	if ts.IsZero() {
		if info, err := file.Stat(); err == nil {
			ts = info.ModTime()
		}
	}

	return Entry{
		SessionID: id,
		Timestamp: ts,
		Project:   head.Cwd,
	}, true
}

// parseTimestamp accepts RFC3339 strings and unix seconds or milliseconds.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		return time.Time{}
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		if n > 1e12 { // milliseconds
			return time.UnixMilli(int64(n))
		}
		return time.Unix(int64(n), 0)
	}
	return time.Time{}
}
