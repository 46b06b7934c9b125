package config

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CopyStrategy selects which files a run copies.
type CopyStrategy string

const (
	StrategyFull         CopyStrategy = "Full"
	StrategyDifferential CopyStrategy = "Differential"
)

// ParseStrategy maps user input onto a CopyStrategy. Unknown values fall back to Full.
func ParseStrategy(s string) CopyStrategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "differential", "diff", "d":
		return StrategyDifferential
	default:
		return StrategyFull
	}
}

func (s *CopyStrategy) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("copy strategy: %w", err)
	}
	*s = ParseStrategy(raw)
	return nil
}

// BackupTask is a backup definition. Its identity is Name, compared case-insensitively.
type BackupTask struct {
	Name              string       `json:"name"`               // unique task name
	SourceDirectory   string       `json:"source_directory"`   // directory to back up
	TargetDirectory   string       `json:"target_directory"`   // backup destination
	Strategy          CopyStrategy `json:"strategy"`           // Full or Differential
	EncryptionEnabled bool         `json:"encryption_enabled"` // run the post-copy transform
	Schedule          string       `json:"schedule,omitempty"` // optional cron expression
}

// Key returns the catalogue key for the task name.
func (t BackupTask) Key() string {
	return NameKey(t.Name)
}

// NameKey normalizes a task name for case-insensitive comparison.
func NameKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (t BackupTask) String() string {
	return fmt.Sprintf("%s (%s): %q => %q", t.Name, t.Strategy, t.SourceDirectory, t.TargetDirectory)
}

// Catalogue is the on-disk list of backup definitions.
type Catalogue struct {
	Tasks []BackupTask `json:"tasks"`
}
