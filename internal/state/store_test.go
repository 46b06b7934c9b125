package state

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return NewStore(filepath.Join(t.TempDir(), "state.json"), logger)
}

func TestUpsertAppendsThenReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Upsert(RunState{Name: "docs", Phase: PhaseRunning, TotalFilesToCopy: 3, FilesRemaining: 3}))
	require.NoError(t, s.Upsert(RunState{Name: "photos", Phase: PhaseRunning}))
	require.NoError(t, s.Upsert(RunState{Name: "docs", Phase: PhaseCompleted, TotalFilesToCopy: 3, ProgressPercent: 100}))

	states, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, "docs", states[0].Name)
	assert.Equal(t, PhaseCompleted, states[0].Phase)
	assert.Equal(t, 100, states[0].ProgressPercent)
	assert.Equal(t, 0, states[0].FilesRemaining)
	assert.Equal(t, "photos", states[1].Name)
}

func TestUpdateMatchesNamesCaseInsensitively(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Upsert(RunState{Name: "Documents", Phase: PhaseRunning}))
	require.NoError(t, s.SetPhase("documents", PhasePaused))

	states, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "Documents", states[0].Name)
	assert.Equal(t, PhasePaused, states[0].Phase)
}

func TestSetPhaseCreatesMissingRecord(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.SetPhase("fresh", PhaseStopped))

	rec, ok, err := s.Get(context.Background(), "fresh")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, PhaseStopped, rec.Phase)
	assert.Zero(t, rec.TotalFilesToCopy)
}

func TestSetPhaseKeepsProgressFields(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Upsert(RunState{Name: "docs", Phase: PhaseRunning, TotalFilesToCopy: 10, FilesRemaining: 4, ProgressPercent: 60}))
	require.NoError(t, s.SetPhase("docs", PhasePaused))

	rec, _, err := s.Get(context.Background(), "docs")
	require.NoError(t, err)
	assert.Equal(t, PhasePaused, rec.Phase)
	assert.Equal(t, 4, rec.FilesRemaining)
	assert.Equal(t, 60, rec.ProgressPercent)
}

func TestCorruptFileIsTreatedAsEmpty(t *testing.T) {
	logger, hook := test.NewNullLogger()
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	s := NewStore(path, logger)
	require.NoError(t, s.Upsert(RunState{Name: "docs", Phase: PhaseRunning}))

	states, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "docs", states[0].Name)

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestSnapshotMissingFileIsEmpty(t *testing.T) {
	s := newTestStore(t)

	states, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, states)

	_, ok, err := s.Get(context.Background(), "anything")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSnapshotRetriesInvalidContent(t *testing.T) {
	s := newTestStore(t)
	s.readDelay = 20 * time.Millisecond
	s.readRetries = 20

	require.NoError(t, os.WriteFile(s.Path(), []byte("[{\"name\":"), 0644))

	go func() {
		time.Sleep(60 * time.Millisecond)
		_ = os.WriteFile(s.Path(), []byte(`[{"name":"docs","phase":"Running"}]`), 0644)
	}()

	states, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, PhaseRunning, states[0].Phase)
}

func TestSnapshotGivesUpOnPersistentCorruption(t *testing.T) {
	s := newTestStore(t)
	s.readDelay = time.Millisecond
	s.readRetries = 2

	require.NoError(t, os.WriteFile(s.Path(), []byte("garbage"), 0644))

	_, err := s.Snapshot(context.Background())
	assert.Error(t, err)
}

func TestConcurrentUpdatesKeepOneRecordPerTask(t *testing.T) {
	s := newTestStore(t)
	other := NewStore(s.Path(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store := s
			if i%2 == 1 {
				store = other
			}
			name := fmt.Sprintf("task-%d", i%4)
			for n := 0; n < 10; n++ {
				assert.NoError(t, store.Update(name, func(r *RunState) {
					r.Phase = PhaseRunning
					r.TotalFilesToCopy++
				}))
			}
		}(i)
	}
	wg.Wait()

	states, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 4)
	for _, st := range states {
		// two writers per name, ten increments each, none lost
		assert.Equal(t, 20, st.TotalFilesToCopy, st.Name)
	}
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 0, Percent(3, 3))
	assert.Equal(t, 33, Percent(3, 2))
	assert.Equal(t, 66, Percent(3, 1))
	assert.Equal(t, 100, Percent(3, 0))
	assert.Equal(t, 100, Percent(0, 0))
}

func TestPhaseTerminal(t *testing.T) {
	assert.True(t, PhaseCompleted.Terminal())
	assert.True(t, PhaseBlocked.Terminal())
	assert.False(t, PhasePaused.Terminal())
	assert.False(t, PhaseRunning.Terminal())
}
