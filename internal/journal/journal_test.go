package journal

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndRead(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "logs"))
	day := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)

	require.NoError(t, j.Append(Entry{
		Timestamp:      day,
		TaskName:       "docs",
		Source:         "/src/a.txt",
		Destination:    "/dst/a.txt",
		SizeBytes:      12,
		TransferTimeMs: 1.5,
	}))
	require.NoError(t, j.Append(Entry{
		Timestamp:      day.Add(time.Minute),
		TaskName:       "docs",
		Source:         "/src/b.txt",
		Destination:    "/dst/b.txt",
		TransferTimeMs: FailedMs,
	}))

	assert.FileExists(t, filepath.Join(j.Dir(), "2024-03-09.jsonl"))

	entries, err := j.Read(day)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "/src/a.txt", entries[0].Source)
	assert.False(t, entries[0].Failed())
	assert.True(t, entries[1].Failed())
}

func TestEntriesSplitByUTCDay(t *testing.T) {
	j := New(t.TempDir())
	d1 := time.Date(2024, 1, 1, 23, 59, 0, 0, time.UTC)
	d2 := d1.Add(2 * time.Minute)

	require.NoError(t, j.Append(Entry{Timestamp: d1, TaskName: "a"}))
	require.NoError(t, j.Append(Entry{Timestamp: d2, TaskName: "b"}))

	first, err := j.Read(d1)
	require.NoError(t, err)
	second, err := j.Read(d2)
	require.NoError(t, err)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, "b", second[0].TaskName)
}

func TestReadMissingDay(t *testing.T) {
	entries, err := New(t.TempDir()).Read(time.Now())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadSkipsBadLines(t *testing.T) {
	j := New(t.TempDir())
	day := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	content := "{\"taskName\":\"ok\"}\nnot json\n\n{\"taskName\":\"ok2\"}\n"
	require.NoError(t, os.WriteFile(j.FileFor(day), []byte(content), 0644))

	entries, err := j.Read(day)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ok2", entries[1].TaskName)
}

func TestZeroTimestampIsFilled(t *testing.T) {
	j := New(t.TempDir())
	fixed := time.Date(2024, 7, 4, 12, 0, 0, 0, time.UTC)
	j.now = func() time.Time { return fixed }

	require.NoError(t, j.Append(Entry{TaskName: "docs"}))

	entries, err := j.Read(fixed)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, fixed.Equal(entries[0].Timestamp))
}

func TestConcurrentAppendsKeepLinesIntact(t *testing.T) {
	j := New(t.TempDir())
	other := New(j.Dir())
	day := time.Date(2024, 2, 2, 8, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := j
			if i%2 == 0 {
				w = other
			}
			for n := 0; n < 25; n++ {
				assert.NoError(t, w.Append(Entry{Timestamp: day, TaskName: "t", SizeBytes: int64(n)}))
			}
		}(i)
	}
	wg.Wait()

	entries, err := j.Read(day)
	require.NoError(t, err)
	assert.Len(t, entries, 100)
}

func TestMillis(t *testing.T) {
	assert.InDelta(t, 1.5, Millis(1500*time.Microsecond), 1e-9)
	assert.Zero(t, Millis(0))
}
