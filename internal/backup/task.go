package backup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tangthinker/easysave/internal/admission"
	"github.com/tangthinker/easysave/internal/config"
	"github.com/tangthinker/easysave/internal/guard"
	"github.com/tangthinker/easysave/internal/journal"
	"github.com/tangthinker/easysave/internal/state"
	"github.com/tangthinker/easysave/internal/transform"
)

// StateWriter is the part of the state store the engine writes through.
type StateWriter interface {
	Upsert(rec state.RunState) error
	SetPhase(name string, phase state.Phase) error
}

// Env holds the collaborators shared by every task in a process.
type Env struct {
	State     StateWriter
	Admission *admission.Controller
	Guard     guard.Guard
	Journal   journal.Sink
	Transform transform.Transformer // nil disables encryption
	Log       logrus.FieldLogger
}

// Summary counts what one Run did.
type Summary struct {
	Copied   int         `json:"copied"`
	Skipped  int         `json:"skipped"`
	Failed   int         `json:"failed"`
	Deferred int         `json:"deferred"`
	Phase    state.Phase `json:"phase"`
}

type outcome int

const (
	outcomeCopied outcome = iota
	outcomeSkipped
	outcomeFailed
	outcomeDeferred
	outcomeTimedOut
)

// Task executes one backup definition. Pause, Resume and Stop may be called
// from any goroutine while Run is in progress.
type Task struct {
	def config.BackupTask
	env Env
	log logrus.FieldLogger

	running atomic.Bool

	// ctrl orders control writes against the run's own progress writes.
	ctrl    sync.Mutex
	gate    chan struct{} // closed while not paused
	paused  bool
	stopped bool
	cancel  context.CancelFunc
	phase   state.Phase
	runID   string
}

// NewTask binds def to the shared collaborators.
func NewTask(def config.BackupTask, env Env) *Task {
	if env.Guard == nil {
		env.Guard = guard.Never{}
	}
	if env.Log == nil {
		env.Log = logrus.StandardLogger()
	}
	gate := make(chan struct{})
	close(gate)
	return &Task{
		def:   def,
		env:   env,
		log:   env.Log.WithField("task", def.Name),
		gate:  gate,
		phase: state.PhaseNotStarted,
	}
}

// Definition returns the task's backup definition.
func (t *Task) Definition() config.BackupTask {
	return t.def
}

// IsRunning reports whether Run is in progress.
func (t *Task) IsRunning() bool {
	return t.running.Load()
}

// Phase returns the last phase this task recorded.
func (t *Task) Phase() state.Phase {
	t.ctrl.Lock()
	defer t.ctrl.Unlock()
	return t.phase
}

// Pause closes the gate and records Paused. The run blocks before its next file.
func (t *Task) Pause() error {
	t.ctrl.Lock()
	defer t.ctrl.Unlock()

	if !t.paused {
		t.paused = true
		t.gate = make(chan struct{})
	}
	t.phase = state.PhasePaused
	t.log.Info("paused")
	return t.env.State.SetPhase(t.def.Name, state.PhasePaused)
}

// Resume opens the gate and records Running. It does nothing once the run
// was stopped or reached another terminal phase.
func (t *Task) Resume() error {
	t.ctrl.Lock()
	defer t.ctrl.Unlock()

	if t.stopped || t.phase.Terminal() {
		return nil
	}
	if t.paused {
		t.paused = false
		close(t.gate)
	}
	t.phase = state.PhaseRunning
	t.log.Info("resumed")
	return t.env.State.SetPhase(t.def.Name, state.PhaseRunning)
}

// Stop cancels the run and records Stopped. A paused run is released so it can observe the stop.
func (t *Task) Stop() error {
	t.ctrl.Lock()
	defer t.ctrl.Unlock()

	t.stopped = true
	if t.cancel != nil {
		t.cancel()
	}
	if t.paused {
		t.paused = false
		close(t.gate)
	}
	t.phase = state.PhaseStopped
	t.log.Info("stopped")
	return t.env.State.SetPhase(t.def.Name, state.PhaseStopped)
}

// start claims the task for a new run and arms its controls. Pause and Stop
// calls made after start apply to that run even before execute begins.
func (t *Task) start(ctx context.Context) (context.Context, bool) {
	if !t.running.CompareAndSwap(false, true) {
		return nil, false
	}
	return t.arm(ctx), true
}

// abandon releases a run claimed by start that will never execute.
func (t *Task) abandon() {
	t.disarm()
	t.running.Store(false)
}

// arm resets the control primitives for a new run.
func (t *Task) arm(ctx context.Context) context.Context {
	t.ctrl.Lock()
	defer t.ctrl.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.stopped = false
	if t.paused {
		t.paused = false
		close(t.gate)
	}
	t.runID = uuid.NewString()
	t.log = t.env.Log.WithFields(logrus.Fields{"task": t.def.Name, "run": t.runID})
	return runCtx
}

func (t *Task) disarm() {
	t.ctrl.Lock()
	defer t.ctrl.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// waitGate blocks while the task is paused.
func (t *Task) waitGate(ctx context.Context) error {
	t.ctrl.Lock()
	gate := t.gate
	t.ctrl.Unlock()

	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes the backup once. Outcomes are reported through the state
// store and the journal; the returned Summary is informational.
func (t *Task) Run(ctx context.Context) Summary {
	runCtx, ok := t.start(ctx)
	if !ok {
		t.env.Log.WithField("task", t.def.Name).Warn("run requested while already running")
		return Summary{Phase: t.Phase()}
	}
	return t.execute(ctx, runCtx)
}

// execute performs a run claimed by start. ctx is the caller's context and
// runCtx the one Stop cancels.
func (t *Task) execute(ctx, runCtx context.Context) Summary {
	defer t.running.Store(false)
	defer t.disarm()

	if runCtx.Err() != nil {
		return t.halt(runCtx, Summary{})
	}

	src, dst := t.def.SourceDirectory, t.def.TargetDirectory
	if info, err := os.Stat(src); err != nil || !info.IsDir() {
		t.log.WithField("source", src).Warn("source directory missing, nothing to do")
		return Summary{Phase: state.PhaseNotStarted}
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		t.log.WithError(err).WithField("target", dst).Error("cannot create target directory")
		return Summary{Phase: state.PhaseNotStarted}
	}

	if t.env.Guard.IsActive(runCtx) {
		t.block(src, dst, "guard active, backup refused")
		return Summary{Phase: state.PhaseBlocked}
	}

	files, totalBytes, err := scanDirectory(src)
	if err != nil {
		t.log.WithError(err).Error("enumeration failed")
		return Summary{Phase: state.PhaseNotStarted}
	}

	total := len(files)
	remaining := total
	t.log.WithFields(logrus.Fields{"files": total, "bytes": totalBytes}).Info("backup started")

	snapshot := func(phase state.Phase, f *sourceFile) state.RunState {
		rec := state.RunState{
			Name:             t.def.Name,
			Phase:            phase,
			TotalFilesToCopy: total,
			TotalBytes:       totalBytes,
			FilesRemaining:   remaining,
			ProgressPercent:  state.Percent(total, remaining),
		}
		if f != nil {
			rec.CurrentSourceFile = f.Path
			rec.CurrentTargetFile = filepath.Join(dst, f.Rel)
		}
		return rec
	}

	var sum Summary
	t.progress(runCtx, snapshot(state.PhaseRunning, nil))

	var deferred []sourceFile
	for i := range files {
		f := &files[i]
		if ok := t.checkpoint(runCtx, src, dst); !ok {
			return t.halt(runCtx, sum)
		}
		res := t.transfer(ctx, runCtx, *f, 0)
		if res == outcomeDeferred {
			deferred = append(deferred, *f)
			sum.Deferred++
			continue
		}
		sum.count(res)
		remaining--
		t.progress(runCtx, snapshot(state.PhaseRunning, f))
	}

	for i := range deferred {
		f := &deferred[i]
		if ok := t.checkpoint(runCtx, src, dst); !ok {
			return t.halt(runCtx, sum)
		}
		res := t.transfer(ctx, runCtx, *f, t.env.Admission.QueueBudget())
		// a zero budget reports the busy slot as a deferral
		if res == outcomeTimedOut || res == outcomeDeferred {
			if runCtx.Err() != nil {
				return t.halt(runCtx, sum)
			}
			sum.Failed++
			t.fail(f)
			sum.Phase = t.Phase()
			return sum
		}
		sum.count(res)
		remaining--
		t.progress(runCtx, snapshot(state.PhaseRunning, f))
	}

	t.ctrl.Lock()
	defer t.ctrl.Unlock()
	if runCtx.Err() != nil {
		sum.Phase = t.phase
		return sum
	}
	t.phase = state.PhaseCompleted
	t.write(snapshot(state.PhaseCompleted, nil))
	t.log.WithFields(logrus.Fields{
		"copied":  sum.Copied,
		"skipped": sum.Skipped,
		"failed":  sum.Failed,
	}).Info("backup completed")
	sum.Phase = state.PhaseCompleted
	return sum
}

func (s *Summary) count(res outcome) {
	switch res {
	case outcomeCopied:
		s.Copied++
	case outcomeSkipped:
		s.Skipped++
	case outcomeFailed:
		s.Failed++
	}
}

// checkpoint runs the per-file controls: cancellation, pause gate,
// cancellation again, then the guard. false means the run must end.
func (t *Task) checkpoint(ctx context.Context, src, dst string) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := t.waitGate(ctx); err != nil {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	if t.env.Guard.IsActive(ctx) {
		t.block(src, dst, "guard became active, backup interrupted")
		return false
	}
	return true
}

// halt ends a run that observed cancellation or a block.
func (t *Task) halt(ctx context.Context, sum Summary) Summary {
	sum.Phase = t.Phase()
	if ctx.Err() != nil {
		t.log.Info("run cancelled")
	}
	return sum
}

// transfer handles one file. timeout is the admission wait for large files;
// on the first pass it is zero and a busy slot defers the file.
func (t *Task) transfer(parent, ctx context.Context, f sourceFile, timeout time.Duration) outcome {
	dst := filepath.Join(t.def.TargetDirectory, f.Rel)
	log := t.log.WithField("file", f.Path)

	dir := filepath.Dir(dst)
	start := time.Now()
	created, err := ensureDir(dir)
	if created || err != nil {
		entry := journal.Entry{
			Source:         filepath.Dir(f.Path),
			Destination:    dir,
			TransferTimeMs: journal.Millis(time.Since(start)),
		}
		if err != nil {
			log.WithError(err).Warn("cannot create destination directory")
			entry.TransferTimeMs = journal.FailedMs
		}
		t.record(entry)
	}

	entry := journal.Entry{
		Source:      f.Path,
		Destination: dst,
		SizeBytes:   f.Size,
	}

	if !shouldCopy(t.def.Strategy, f, dst) {
		t.record(entry)
		return outcomeSkipped
	}

	held, ok := t.env.Admission.TryAcquire(ctx, f.Path, f.Size, t.def.Name, timeout)
	if !ok {
		if timeout <= 0 {
			log.Debug("large-file slot busy, deferring")
			return outcomeDeferred
		}
		return outcomeTimedOut
	}
	if held {
		defer t.env.Admission.Release(f.Path)
	}

	start = time.Now()
	if err := copyFile(f.Path, dst, f.ModTime); err != nil {
		log.WithError(err).Warn("copy failed")
		entry.TransferTimeMs = journal.FailedMs
		t.record(entry)
		return outcomeFailed
	}
	entry.TransferTimeMs = journal.Millis(time.Since(start))

	if t.def.EncryptionEnabled && t.env.Transform != nil && t.env.Transform.Applies(dst) {
		start = time.Now()
		// in-flight work is not interrupted by Stop, only by the caller's context
		if err := t.env.Transform.Encode(parent, dst); err != nil {
			log.WithError(err).Warn("encryption failed")
			entry.EncryptTimeMs = journal.FailedMs
		} else {
			entry.EncryptTimeMs = journal.Millis(time.Since(start))
		}
	}

	t.record(entry)
	return outcomeCopied
}

// progress persists a Running snapshot unless a pause or stop is in effect,
// in which case the control operation's own write stands.
func (t *Task) progress(ctx context.Context, rec state.RunState) {
	t.ctrl.Lock()
	defer t.ctrl.Unlock()
	if t.paused || t.stopped || ctx.Err() != nil {
		return
	}
	t.phase = state.PhaseRunning
	t.write(rec)
}

// block records Blocked and one refusal entry.
func (t *Task) block(src, dst, msg string) {
	t.ctrl.Lock()
	if !t.stopped {
		t.phase = state.PhaseBlocked
		if err := t.env.State.SetPhase(t.def.Name, state.PhaseBlocked); err != nil {
			t.log.WithError(err).Error("failed to write state")
		}
	}
	t.ctrl.Unlock()

	t.log.Warn(msg)
	t.record(journal.Entry{
		Source:         src,
		Destination:    dst,
		TransferTimeMs: journal.FailedMs,
	})
}

// fail records a deferred file whose second admission attempt timed out
// and moves the task to Error.
func (t *Task) fail(f *sourceFile) {
	t.record(journal.Entry{
		Source:         f.Path,
		Destination:    filepath.Join(t.def.TargetDirectory, f.Rel),
		SizeBytes:      f.Size,
		TransferTimeMs: journal.FailedMs,
	})

	t.ctrl.Lock()
	defer t.ctrl.Unlock()
	if t.stopped {
		return
	}
	t.phase = state.PhaseError
	t.log.WithField("file", f.Path).Error("timed out waiting for the large-file slot")
	if err := t.env.State.SetPhase(t.def.Name, state.PhaseError); err != nil {
		t.log.WithError(err).Error("failed to write state")
	}
}

// write must be called with ctrl held.
func (t *Task) write(rec state.RunState) {
	if err := t.env.State.Upsert(rec); err != nil {
		t.log.WithError(err).Error("failed to write state")
	}
}

func (t *Task) record(e journal.Entry) {
	if t.env.Journal == nil {
		return
	}
	e.Timestamp = time.Now()
	e.TaskName = t.def.Name
	e.RunID = t.runID
	if err := t.env.Journal.Append(e); err != nil {
		t.log.WithError(err).Warn("failed to append journal entry")
	}
}
