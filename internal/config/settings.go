package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Settings holds everything the daemon and the CLI read from configuration.
type Settings struct {
	StateFile          string             `yaml:"state_file"`
	CatalogueFile      string             `yaml:"catalogue_file"`
	JournalDir         string             `yaml:"journal_dir"`
	Socket             string             `yaml:"socket"`
	PIDFile            string             `yaml:"pid_file"`
	LargeFileThreshold string             `yaml:"large_file_threshold"` // e.g. "10 MB"
	QueueBudget        time.Duration      `yaml:"queue_budget"`
	LaunchSlots        int                `yaml:"launch_slots"`
	GuardProcess       string             `yaml:"guard_process"`
	Encryption         EncryptionSettings `yaml:"encryption"`
	Log                LogSettings        `yaml:"log"`
}

// EncryptionSettings describes the external encryption helper.
type EncryptionSettings struct {
	Program    string   `yaml:"program"`
	Args       []string `yaml:"args"`
	Extensions []string `yaml:"extensions"`
}

// LogSettings configures operational logging.
type LogSettings struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// DefaultDir is the per-user data directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".easysave")
}

// DefaultSettingsFile is where LoadSettings looks when no path is given.
func DefaultSettingsFile() string {
	return filepath.Join(DefaultDir(), "settings.yaml")
}

// LoadDefaults populates s with the built-in defaults.
func (s *Settings) LoadDefaults() {
	dir := DefaultDir()
	s.StateFile = filepath.Join(dir, "state.json")
	s.CatalogueFile = filepath.Join(dir, "tasks.json")
	s.JournalDir = filepath.Join(dir, "logs")
	s.Socket = "/tmp/easysave.sock"
	s.PIDFile = "/tmp/easysave.pid"
	s.LargeFileThreshold = "10 MB"
	s.QueueBudget = 30 * time.Second
	s.LaunchSlots = 3
	s.GuardProcess = ""
	s.Encryption = EncryptionSettings{Extensions: []string{".*"}}
	s.Log = LogSettings{
		Level:      "info",
		Format:     "text",
		File:       filepath.Join(dir, "easysave.log"),
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 28,
	}
}

// LoadSettings applies defaults, then the YAML file at path (if it exists), then
// EASYSAVE_* environment variables. An empty path means DefaultSettingsFile.
func LoadSettings(path string) (*Settings, error) {
	s := &Settings{}
	s.LoadDefaults()

	if path == "" {
		path = DefaultSettingsFile()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("parse settings %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read settings %s: %w", path, err)
	}

	s.applyEnv()

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes s as YAML to path.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks values that cannot be defaulted silently.
func (s *Settings) Validate() error {
	if _, err := s.ThresholdBytes(); err != nil {
		return err
	}
	if s.LaunchSlots <= 0 {
		return fmt.Errorf("launch_slots must be greater than 0, got %d", s.LaunchSlots)
	}
	if s.QueueBudget < 0 {
		return fmt.Errorf("queue_budget must not be negative, got %s", s.QueueBudget)
	}
	return nil
}

// ThresholdBytes parses LargeFileThreshold ("10 MB", "512KiB", "1048576").
func (s *Settings) ThresholdBytes() (int64, error) {
	n, err := humanize.ParseBytes(s.LargeFileThreshold)
	if err != nil {
		return 0, fmt.Errorf("invalid large_file_threshold %q: %w", s.LargeFileThreshold, err)
	}
	return int64(n), nil
}

func (s *Settings) applyEnv() {
	s.StateFile = getEnv("EASYSAVE_STATE_FILE", s.StateFile)
	s.CatalogueFile = getEnv("EASYSAVE_CATALOGUE_FILE", s.CatalogueFile)
	s.JournalDir = getEnv("EASYSAVE_JOURNAL_DIR", s.JournalDir)
	s.Socket = getEnv("EASYSAVE_SOCKET", s.Socket)
	s.LargeFileThreshold = getEnv("EASYSAVE_LARGE_FILE_THRESHOLD", s.LargeFileThreshold)
	s.GuardProcess = getEnv("EASYSAVE_GUARD_PROCESS", s.GuardProcess)
	s.Encryption.Program = getEnv("EASYSAVE_ENCRYPTION_PROGRAM", s.Encryption.Program)
	s.Log.Level = getEnv("EASYSAVE_LOG_LEVEL", s.Log.Level)
	s.LaunchSlots = getEnvInt("EASYSAVE_LAUNCH_SLOTS", s.LaunchSlots)
	s.QueueBudget = getEnvDuration("EASYSAVE_QUEUE_BUDGET", s.QueueBudget)
	if v, ok := os.LookupEnv("EASYSAVE_ENCRYPTION_EXTENSIONS"); ok {
		s.Encryption.Extensions = splitList(v)
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
