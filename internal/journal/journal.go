// Package journal is the append-only transfer log: one JSON object per line,
// one file per UTC day.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// FailedMs marks a failed or aborted operation in TransferTimeMs or EncryptTimeMs.
const FailedMs = -1

const dayLayout = "2006-01-02"

// Entry is one transfer record.
type Entry struct {
	Timestamp      time.Time `json:"timestamp"`
	TaskName       string    `json:"taskName"`
	Source         string    `json:"source"`
	Destination    string    `json:"destination"`
	SizeBytes      int64     `json:"sizeBytes"`
	TransferTimeMs float64   `json:"transferTimeMs"`
	EncryptTimeMs  float64   `json:"encryptTimeMs"`
	RunID          string    `json:"runId,omitempty"`
}

// Failed reports whether the transfer did not complete.
func (e Entry) Failed() bool {
	return e.TransferTimeMs < 0
}

// Sink accepts entries.
type Sink interface {
	Append(e Entry) error
}

// Journal writes entries under a directory.
type Journal struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// New returns a journal rooted at dir. The directory is created on first append.
func New(dir string) *Journal {
	return &Journal{
		dir: dir,
		now: time.Now,
	}
}

// Dir returns the journal directory.
func (j *Journal) Dir() string {
	return j.dir
}

// FileFor returns the file holding entries for day.
func (j *Journal) FileFor(day time.Time) string {
	return filepath.Join(j.dir, day.UTC().Format(dayLayout)+".jsonl")
}

// Append writes e to the file of its day. A zero timestamp is set to now.
func (j *Journal) Append(e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = j.now()
	}
	e.Timestamp = e.Timestamp.UTC()

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(j.dir, 0755); err != nil {
		return fmt.Errorf("create journal directory: %w", err)
	}

	path := j.FileFor(e.Timestamp)
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock journal: %w", err)
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("append journal %s: %w", path, err)
	}
	return f.Close()
}

// Read returns every entry recorded for day. A day with no file yields no entries.
// Lines that fail to decode are skipped.
func (j *Journal) Read(day time.Time) ([]Entry, error) {
	f, err := os.Open(j.FileFor(day))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, fmt.Errorf("scan journal: %w", err)
	}
	return entries, nil
}

// Millis converts a duration to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
