package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

var errEmptyStateFile = errors.New("state file is empty")

// Store is the shared progress file. All writes go through Update.
type Store struct {
	path string
	mu   sync.Mutex
	lock *flock.Flock
	log  logrus.FieldLogger

	readRetries uint64
	readDelay   time.Duration
}

// NewStore returns a store backed by path. The file is created on first write.
func NewStore(path string, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Store{
		path:        path,
		lock:        flock.New(path + ".lock"),
		log:         log.WithField("component", "state"),
		readRetries: 5,
		readDelay:   50 * time.Millisecond,
	}
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Update runs fn on the record for name inside one locked read-modify-write
// cycle. A record with only Name set is passed to fn when none exists yet.
func (s *Store) Update(name string, fn func(*RunState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("lock state file: %w", err)
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.log.WithError(err).Warn("failed to unlock state file")
		}
	}()

	states := s.readLocked()

	idx := indexOf(states, name)
	if idx < 0 {
		states = append(states, RunState{Name: name})
		idx = len(states) - 1
	}

	rec := states[idx]
	fn(&rec)
	if rec.Name == "" {
		rec.Name = name
	}
	states[idx] = rec

	return s.writeLocked(states)
}

// Upsert replaces the record with the same name, or appends it.
func (s *Store) Upsert(rec RunState) error {
	return s.Update(rec.Name, func(r *RunState) {
		*r = rec
	})
}

// SetPhase changes only the phase of the record for name.
func (s *Store) SetPhase(name string, phase Phase) error {
	return s.Update(name, func(r *RunState) {
		r.Phase = phase
	})
}

// Snapshot reads the whole file without taking the lock. Invalid content is
// retried a few times since a writer may be mid-flight; a missing file is an
// empty list.
func (s *Store) Snapshot(ctx context.Context) ([]RunState, error) {
	var states []RunState

	backoff := retry.WithMaxRetries(s.readRetries, retry.NewConstant(s.readDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		data, err := os.ReadFile(s.path)
		if errors.Is(err, os.ErrNotExist) {
			states = nil
			return nil
		}
		if err != nil {
			return retry.RetryableError(err)
		}
		if len(data) == 0 {
			return retry.RetryableError(errEmptyStateFile)
		}

		var decoded []RunState
		if err := json.Unmarshal(data, &decoded); err != nil {
			return retry.RetryableError(err)
		}
		states = decoded
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read state file %s: %w", s.path, err)
	}
	return states, nil
}

// Get returns the record for name from a fresh snapshot.
func (s *Store) Get(ctx context.Context, name string) (RunState, bool, error) {
	states, err := s.Snapshot(ctx)
	if err != nil {
		return RunState{}, false, err
	}
	if idx := indexOf(states, name); idx >= 0 {
		return states[idx], true, nil
	}
	return RunState{}, false, nil
}

// readLocked treats a missing or corrupt file as empty.
func (s *Store) readLocked() []RunState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.log.WithError(err).Warn("state file unreadable, starting from an empty list")
		}
		return nil
	}
	if len(data) == 0 {
		return nil
	}

	var states []RunState
	if err := json.Unmarshal(data, &states); err != nil {
		s.log.WithError(err).Warn("state file corrupt, starting from an empty list")
		return nil
	}
	return states
}

func (s *Store) writeLocked(states []RunState) error {
	data, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func indexOf(states []RunState, name string) int {
	key := strings.TrimSpace(name)
	for i := range states {
		if strings.EqualFold(strings.TrimSpace(states[i].Name), key) {
			return i
		}
	}
	return -1
}
