package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var s Settings
	s.LoadDefaults()

	assert.Equal(t, "10 MB", s.LargeFileThreshold)
	assert.Equal(t, 30*time.Second, s.QueueBudget)
	assert.Equal(t, 3, s.LaunchSlots)
	assert.Empty(t, s.GuardProcess)
	assert.Equal(t, []string{".*"}, s.Encryption.Extensions)

	n, err := s.ThresholdBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(10_000_000), n)
}

func TestLoadSettings_MissingFileUsesDefaults(t *testing.T) {
	s, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, s.LaunchSlots)
}

func TestLoadSettings_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
state_file: /data/state.json
large_file_threshold: 512KiB
queue_budget: 2m
launch_slots: 5
guard_process: calc.exe
encryption:
  program: /opt/cryptosoft
  extensions: [".txt", ".docx"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/state.json", s.StateFile)
	assert.Equal(t, 2*time.Minute, s.QueueBudget)
	assert.Equal(t, 5, s.LaunchSlots)
	assert.Equal(t, "calc.exe", s.GuardProcess)
	assert.Equal(t, "/opt/cryptosoft", s.Encryption.Program)
	assert.Equal(t, []string{".txt", ".docx"}, s.Encryption.Extensions)

	n, err := s.ThresholdBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024), n)

	// untouched fields keep their defaults
	assert.Equal(t, "info", s.Log.Level)
}

func TestLoadSettings_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("guard_process: word\nlaunch_slots: 2\n"), 0644))

	t.Setenv("EASYSAVE_GUARD_PROCESS", "excel")
	t.Setenv("EASYSAVE_LAUNCH_SLOTS", "7")
	t.Setenv("EASYSAVE_ENCRYPTION_EXTENSIONS", ".pdf, .txt")

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "excel", s.GuardProcess)
	assert.Equal(t, 7, s.LaunchSlots)
	assert.Equal(t, []string{".pdf", ".txt"}, s.Encryption.Extensions)
}

func TestLoadSettings_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad-threshold.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("large_file_threshold: lots\n"), 0644))
	_, err := LoadSettings(bad)
	assert.Error(t, err)

	slots := filepath.Join(dir, "bad-slots.yaml")
	require.NoError(t, os.WriteFile(slots, []byte("launch_slots: 0\n"), 0644))
	_, err = LoadSettings(slots)
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.yaml")
	require.NoError(t, os.WriteFile(garbage, []byte("launch_slots: [\n"), 0644))
	_, err = LoadSettings(garbage)
	assert.Error(t, err)
}

func TestSettingsSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.yaml")

	var s Settings
	s.LoadDefaults()
	s.GuardProcess = "notepad"
	s.QueueBudget = 45 * time.Second
	require.NoError(t, s.Save(path))

	loaded, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "notepad", loaded.GuardProcess)
	assert.Equal(t, 45*time.Second, loaded.QueueBudget)
}

func TestParseStrategy(t *testing.T) {
	assert.Equal(t, StrategyDifferential, ParseStrategy("Differential"))
	assert.Equal(t, StrategyDifferential, ParseStrategy(" diff "))
	assert.Equal(t, StrategyFull, ParseStrategy("Full"))
	assert.Equal(t, StrategyFull, ParseStrategy("whatever"))
}

func TestNameKeyIsCaseInsensitive(t *testing.T) {
	a := BackupTask{Name: "Documents"}
	b := BackupTask{Name: " documents"}
	assert.Equal(t, a.Key(), b.Key())
}
