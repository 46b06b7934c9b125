package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tangthinker/easysave/internal/config"
	"github.com/tangthinker/easysave/internal/journal"
	"github.com/tangthinker/easysave/internal/state"
)

func TestCheckRunningDaemon(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "easysave.pid")

	assert.False(t, checkRunningDaemon(pidFile))

	require.NoError(t, createPIDFile(pidFile))
	assert.True(t, checkRunningDaemon(pidFile), "own pid is alive")

	require.NoError(t, os.WriteFile(pidFile, []byte("garbage"), 0644))
	assert.False(t, checkRunningDaemon(pidFile))
	assert.NoFileExists(t, pidFile, "stale pid file is removed")

	// pid_max on linux is far below this
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(1<<30)), 0644))
	assert.False(t, checkRunningDaemon(pidFile))
}

func TestPrintStates(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printStates(&buf, nil))
	assert.Contains(t, buf.String(), "No backup has run yet")

	buf.Reset()
	require.NoError(t, printStates(&buf, []state.RunState{{
		Name:             "docs",
		Phase:            state.PhaseRunning,
		TotalFilesToCopy: 4,
		FilesRemaining:   1,
		ProgressPercent:  75,
		TotalBytes:       2048,
	}}))
	out := buf.String()
	assert.Contains(t, out, "docs")
	assert.Contains(t, out, "75%")
	assert.Contains(t, out, "1/4")
	assert.Contains(t, out, "2.0 KiB")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}

func TestCommandsRegistered(t *testing.T) {
	want := []string{"daemon", "add", "list", "edit", "rename", "delete", "clear",
		"run", "run-all", "pause", "resume", "stop", "status", "stats",
		"threshold", "journal", "decrypt"}
	for _, name := range want {
		c, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, c.Name())
	}
}

func TestParseThreshold(t *testing.T) {
	n, err := parseThreshold("2 MiB")
	require.NoError(t, err)
	assert.Equal(t, int64(2<<20), n)

	_, err = parseThreshold("0")
	assert.Error(t, err)
	_, err = parseThreshold("lots")
	assert.Error(t, err)
}

func TestSaveThresholdPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	s, err := config.LoadSettings(path)
	require.NoError(t, err)

	require.NoError(t, saveThreshold(s, path, "64 MB"))

	loaded, err := config.LoadSettings(path)
	require.NoError(t, err)
	n, err := loaded.ThresholdBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(64_000_000), n)

	assert.Error(t, saveThreshold(s, path, "nonsense"))
}

func TestPrintJournal(t *testing.T) {
	ts := time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
	entries := []journal.Entry{
		{Timestamp: ts, TaskName: "docs", Source: "/src/ok.txt", SizeBytes: 2048, TransferTimeMs: 1.5, EncryptTimeMs: 3},
		{Timestamp: ts, TaskName: "docs", Source: "/src/bad.txt", TransferTimeMs: journal.FailedMs},
	}

	var buf bytes.Buffer
	require.NoError(t, printJournal(&buf, entries, false))
	out := buf.String()
	assert.Contains(t, out, "/src/ok.txt")
	assert.Contains(t, out, "1.5ms")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "failed")

	buf.Reset()
	require.NoError(t, printJournal(&buf, entries, true))
	assert.NotContains(t, buf.String(), "/src/ok.txt")
	assert.Contains(t, buf.String(), "/src/bad.txt")
}

func TestFormatMs(t *testing.T) {
	assert.Equal(t, "failed", formatMs(journal.FailedMs))
	assert.Equal(t, "-", formatMs(0))
	assert.Equal(t, "12.0ms", formatMs(12))
}
