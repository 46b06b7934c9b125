// Package state persists one progress record per backup task in a single
// shared JSON file. Every update rewrites the whole file under a lock that is
// held both in-process and across processes.
package state

// Phase is the discrete state of a run.
type Phase string

const (
	PhaseNotStarted Phase = "NotStarted"
	PhaseRunning    Phase = "Running"
	PhasePaused     Phase = "Paused"
	PhaseStopped    Phase = "Stopped"
	PhaseCompleted  Phase = "Completed"
	PhaseBlocked    Phase = "Blocked"
	PhaseError      Phase = "Error"
)

// Terminal reports whether a run cannot leave p without a new Run call.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseStopped, PhaseBlocked, PhaseError:
		return true
	}
	return false
}

// RunState is the progress record of a task's latest run.
type RunState struct {
	Name              string `json:"name"`
	CurrentSourceFile string `json:"currentSourceFile"`
	CurrentTargetFile string `json:"currentTargetFile"`
	Phase             Phase  `json:"phase"`
	TotalFilesToCopy  int    `json:"totalFilesToCopy"`
	TotalBytes        int64  `json:"totalBytes"`
	FilesRemaining    int    `json:"filesRemaining"`
	ProgressPercent   int    `json:"progressPercent"`
}

// Percent computes floor((total-remaining)/total*100), or 100 for an empty run.
func Percent(total, remaining int) int {
	if total <= 0 {
		return 100
	}
	return (total - remaining) * 100 / total
}
