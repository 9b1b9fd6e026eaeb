// Package journal provides the durable, capacity-bounded activity log the
// adapter uses for cross-session recall. Records are stored as JSON lines at
// a well-known path and written through on every append, so a crash loses at
// most the in-flight record.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

// Kind mirrors the adapter activity being recorded.
type Kind string

const (
	KindBrowsed   Kind = "browsed"
	KindReplied   Kind = "replied"
	KindMentioned Kind = "mentioned"
	KindPosted    Kind = "posted"
	KindLiked     Kind = "liked"
	KindNewThread Kind = "new_thread"
)

// Record is a single journal entry. Append-only; ordering is arrival order.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`
	Summary   string    `json:"summary"`
	ThreadID  int64     `json:"thread_id,omitempty"`
	ReplyID   int64     `json:"reply_id,omitempty"`
}

// Journal is a bounded, durable, append-only record log. All methods are safe
// for concurrent use.
type Journal struct {
	mu      sync.RWMutex
	path    string
	max     int
	records []Record
}

// Open loads (or creates) a journal at path with the given capacity. Existing
// records beyond the capacity are evicted oldest-first on load.
func Open(path string, max int) (*Journal, error) {
	if max <= 0 {
		return nil, fmt.Errorf("journal capacity must be positive, got %d", max)
	}
	j := &Journal{path: path, max: max}
	if err := j.load(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) load() error {
	file, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal: %w", err)
	}
	defer func() { _ = file.Close() }()

	dropped := false
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			// Skip corrupt lines rather than refusing to start.
			dropped = true
			continue
		}
		j.records = append(j.records, rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if len(j.records) > j.max {
		j.records = append([]Record(nil), j.records[len(j.records)-j.max:]...)
		dropped = true
	}
	if dropped {
		// Bring the file in line with the bounded window right away.
		return j.rewriteLocked()
	}
	return nil
}

// Append adds a record to the tail, evicting from the head when over
// capacity, and writes through to disk before returning.
func (j *Journal) Append(rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if rec.ID == "" {
		rec.ID = ksuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	evicted := false
	j.records = append(j.records, rec)
	for len(j.records) > j.max {
		j.records = j.records[1:]
		evicted = true
	}

	if evicted {
		return j.rewriteLocked()
	}
	return j.appendLineLocked(rec)
}

func (j *Journal) appendLineLocked(rec Record) error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("ensure journal dir: %w", err)
	}
	file, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal for append: %w", err)
	}
	defer func() { _ = file.Close() }()

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// rewriteLocked persists the full in-memory window atomically (temp+rename).
func (j *Journal) rewriteLocked() error {
	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("ensure journal dir: %w", err)
	}
	var buf strings.Builder
	for _, rec := range j.records {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := j.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(buf.String()), 0o644); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("replace journal: %w", err)
	}
	return nil
}

// Recall returns up to limit records, most recent first. The journal is not
// mutated; callers receive a copy.
func (j *Journal) Recall(limit int) []Record {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n := len(j.records)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, j.records[i])
	}
	return out
}

// Len returns the current number of records.
func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(j.records)
}

// Summary renders the most recent records as a human-readable digest for
// injection into unrelated conversation sessions.
func (j *Journal) Summary(limit int) string {
	records := j.Recall(limit)
	if len(records) == 0 {
		return "No forum activity recorded yet."
	}
	var sb strings.Builder
	sb.WriteString("Recent forum activity:\n")
	for _, rec := range records {
		sb.WriteString(fmt.Sprintf("- [%s] %s: %s", rec.Timestamp.Format("01-02 15:04"), rec.Kind, rec.Summary))
		if rec.ThreadID != 0 {
			sb.WriteString(fmt.Sprintf(" (thread %d)", rec.ThreadID))
		}
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}
