package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/tangthinker/easysave/internal/config"
	"github.com/tangthinker/easysave/internal/state"
	"golang.org/x/sync/semaphore"
)

// DefaultLaunchSlots bounds how many runs may be starting at once.
const DefaultLaunchSlots = 3

var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ManagerOptions configures NewManager.
type ManagerOptions struct {
	CatalogueFile string
	LaunchSlots   int
	Env           Env
}

// Manager owns the task catalogue and launches runs.
type Manager struct {
	catalogueFile string
	env           Env
	log           logrus.FieldLogger

	mu        sync.RWMutex
	catalogue config.Catalogue
	engines   map[string]*Task
	schedules map[string]cron.EntryID
	closed    bool

	cron   *cron.Cron
	launch *semaphore.Weighted
	wg     sync.WaitGroup
}

// NewManager loads the catalogue, creating it when missing, and starts the scheduler.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.LaunchSlots <= 0 {
		opts.LaunchSlots = DefaultLaunchSlots
	}
	if opts.Env.Log == nil {
		opts.Env.Log = logrus.StandardLogger()
	}

	m := &Manager{
		catalogueFile: opts.CatalogueFile,
		env:           opts.Env,
		log:           opts.Env.Log.WithField("component", "manager"),
		engines:       make(map[string]*Task),
		schedules:     make(map[string]cron.EntryID),
		cron:          cron.New(cron.WithParser(scheduleParser)),
		launch:        semaphore.NewWeighted(int64(opts.LaunchSlots)),
	}

	if err := m.loadCatalogue(); err != nil {
		return nil, fmt.Errorf("load catalogue: %w", err)
	}

	for _, def := range m.catalogue.Tasks {
		if err := m.scheduleLocked(def); err != nil {
			m.log.WithError(err).WithField("task", def.Name).Warn("ignoring invalid schedule")
		}
	}
	m.cron.Start()

	return m, nil
}

// loadCatalogue reads the task file, writing an empty one on first start.
func (m *Manager) loadCatalogue() error {
	data, err := os.ReadFile(m.catalogueFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m.saveCatalogue()
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &m.catalogue)
}

func (m *Manager) saveCatalogue() error {
	data, err := json.MarshalIndent(m.catalogue, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.catalogueFile), 0755); err != nil {
		return err
	}
	return os.WriteFile(m.catalogueFile, data, 0644)
}

func (m *Manager) indexLocked(name string) int {
	key := config.NameKey(name)
	for i := range m.catalogue.Tasks {
		if m.catalogue.Tasks[i].Key() == key {
			return i
		}
	}
	return -1
}

func validSchedule(expr string) error {
	if expr == "" {
		return nil
	}
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: schedule %q: %v", ErrInvalidTask, expr, err)
	}
	return nil
}

// AddTask adds def to the catalogue.
func (m *Manager) AddTask(def config.BackupTask) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if def.Strategy == "" {
		def.Strategy = config.StrategyFull
	}
	if err := validSchedule(def.Schedule); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	if m.indexLocked(def.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrTaskExists, def.Name)
	}

	m.catalogue.Tasks = append(m.catalogue.Tasks, def)
	if err := m.saveCatalogue(); err != nil {
		m.catalogue.Tasks = m.catalogue.Tasks[:len(m.catalogue.Tasks)-1]
		return fmt.Errorf("save catalogue: %w", err)
	}
	if err := m.scheduleLocked(def); err != nil {
		m.log.WithError(err).WithField("task", def.Name).Warn("failed to schedule task")
	}
	m.log.WithField("task", def.Name).Info("task added")
	return nil
}

// ListTasks returns the catalogue sorted by name.
func (m *Manager) ListTasks() []config.BackupTask {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]config.BackupTask, len(m.catalogue.Tasks))
	copy(tasks, m.catalogue.Tasks)
	sort.Slice(tasks, func(i, j int) bool {
		return tasks[i].Key() < tasks[j].Key()
	})
	return tasks
}

// GetTask looks a task up by name, ignoring case.
func (m *Manager) GetTask(name string) (config.BackupTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.indexLocked(name)
	if idx < 0 {
		return config.BackupTask{}, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return m.catalogue.Tasks[idx], nil
}

// EditTask replaces everything but the name of an idle task.
func (m *Manager) EditTask(name string, def config.BackupTask) error {
	if def.Strategy == "" {
		def.Strategy = config.StrategyFull
	}
	if err := validSchedule(def.Schedule); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.idleLocked(name)
	if err != nil {
		return err
	}

	old := m.catalogue.Tasks[idx]
	def.Name = old.Name
	m.catalogue.Tasks[idx] = def
	if err := m.saveCatalogue(); err != nil {
		m.catalogue.Tasks[idx] = old
		return fmt.Errorf("save catalogue: %w", err)
	}

	delete(m.engines, old.Key())
	m.unscheduleLocked(old.Key())
	if err := m.scheduleLocked(def); err != nil {
		m.log.WithError(err).WithField("task", def.Name).Warn("failed to schedule task")
	}
	return nil
}

// RenameTask changes the name of an idle task.
func (m *Manager) RenameTask(oldName, newName string) error {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.idleLocked(oldName)
	if err != nil {
		return err
	}
	if other := m.indexLocked(newName); other >= 0 && other != idx {
		return fmt.Errorf("%w: %s", ErrTaskExists, newName)
	}

	old := m.catalogue.Tasks[idx]
	renamed := old
	renamed.Name = newName
	m.catalogue.Tasks[idx] = renamed
	if err := m.saveCatalogue(); err != nil {
		m.catalogue.Tasks[idx] = old
		return fmt.Errorf("save catalogue: %w", err)
	}

	delete(m.engines, old.Key())
	m.unscheduleLocked(old.Key())
	if err := m.scheduleLocked(renamed); err != nil {
		m.log.WithError(err).WithField("task", newName).Warn("failed to schedule task")
	}
	m.log.WithFields(logrus.Fields{"from": old.Name, "to": newName}).Info("task renamed")
	return nil
}

// DeleteTask removes an idle task.
func (m *Manager) DeleteTask(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, err := m.idleLocked(name)
	if err != nil {
		return err
	}

	removed := m.catalogue.Tasks[idx]
	tasks := append([]config.BackupTask{}, m.catalogue.Tasks[:idx]...)
	tasks = append(tasks, m.catalogue.Tasks[idx+1:]...)

	prev := m.catalogue.Tasks
	m.catalogue.Tasks = tasks
	if err := m.saveCatalogue(); err != nil {
		m.catalogue.Tasks = prev
		return fmt.Errorf("save catalogue: %w", err)
	}

	delete(m.engines, removed.Key())
	m.unscheduleLocked(removed.Key())
	m.log.WithField("task", removed.Name).Info("task deleted")
	return nil
}

// ClearTasks removes every idle task and returns how many were removed.
func (m *Manager) ClearTasks() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept, removed []config.BackupTask
	for _, def := range m.catalogue.Tasks {
		if e, ok := m.engines[def.Key()]; ok && e.IsRunning() {
			kept = append(kept, def)
			continue
		}
		removed = append(removed, def)
	}

	prev := m.catalogue.Tasks
	m.catalogue.Tasks = kept
	if err := m.saveCatalogue(); err != nil {
		m.catalogue.Tasks = prev
		return 0, fmt.Errorf("save catalogue: %w", err)
	}

	for _, def := range removed {
		delete(m.engines, def.Key())
		m.unscheduleLocked(def.Key())
	}
	return len(removed), nil
}

// idleLocked finds name and fails if it is unknown or running.
func (m *Manager) idleLocked(name string) (int, error) {
	if m.closed {
		return -1, ErrManagerClosed
	}
	idx := m.indexLocked(name)
	if idx < 0 {
		return -1, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if e, ok := m.engines[m.catalogue.Tasks[idx].Key()]; ok && e.IsRunning() {
		return -1, fmt.Errorf("%w: %s", ErrTaskRunning, name)
	}
	return idx, nil
}

// engineLocked returns the engine for def, creating it on first use.
func (m *Manager) engineLocked(def config.BackupTask) *Task {
	if e, ok := m.engines[def.Key()]; ok {
		return e
	}
	e := NewTask(def, m.env)
	m.engines[def.Key()] = e
	return e
}

func (m *Manager) engine(name string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexLocked(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	return m.engineLocked(m.catalogue.Tasks[idx]), nil
}

// RunBackup starts a run of name in the background. ctx bounds only the wait
// for a launch slot; the run itself outlives the call.
func (m *Manager) RunBackup(ctx context.Context, name string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	idx := m.indexLocked(name)
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	def := m.catalogue.Tasks[idx]
	if strings.TrimSpace(def.SourceDirectory) == "" || strings.TrimSpace(def.TargetDirectory) == "" {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s needs a source and a target directory", ErrInvalidTask, def.Name)
	}
	task := m.engineLocked(def)
	// claimed before the lock is dropped so control calls and catalogue
	// edits see the run from the moment RunBackup returns
	runCtx, ok := task.start(context.Background())
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskRunning, def.Name)
	}
	m.wg.Add(1)
	m.mu.Unlock()

	if err := m.launch.Acquire(ctx, 1); err != nil {
		task.abandon()
		m.wg.Done()
		return fmt.Errorf("wait for launch slot: %w", err)
	}

	go func() {
		defer m.wg.Done()
		m.launch.Release(1)

		sum := task.execute(context.Background(), runCtx)
		m.log.WithFields(logrus.Fields{
			"task":    def.Name,
			"phase":   sum.Phase,
			"copied":  sum.Copied,
			"skipped": sum.Skipped,
			"failed":  sum.Failed,
		}).Info("run finished")
	}()
	return nil
}

// RunAll starts every task in the catalogue. Tasks already running are skipped.
func (m *Manager) RunAll(ctx context.Context) error {
	var errs []error
	for _, def := range m.ListTasks() {
		if err := m.RunBackup(ctx, def.Name); err != nil && !errors.Is(err, ErrTaskRunning) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PauseTask pauses name.
func (m *Manager) PauseTask(name string) error {
	e, err := m.engine(name)
	if err != nil {
		return err
	}
	return e.Pause()
}

// ResumeTask resumes name.
func (m *Manager) ResumeTask(name string) error {
	e, err := m.engine(name)
	if err != nil {
		return err
	}
	return e.Resume()
}

// StopTask stops name.
func (m *Manager) StopTask(name string) error {
	e, err := m.engine(name)
	if err != nil {
		return err
	}
	return e.Stop()
}

// Running returns the names of tasks with a run in progress.
func (m *Manager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var names []string
	for _, def := range m.catalogue.Tasks {
		if e, ok := m.engines[def.Key()]; ok && e.IsRunning() {
			names = append(names, def.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Phase returns the in-memory phase of name's engine.
func (m *Manager) Phase(name string) (state.Phase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.indexLocked(name)
	if idx < 0 {
		return "", fmt.Errorf("%w: %s", ErrTaskNotFound, name)
	}
	if e, ok := m.engines[m.catalogue.Tasks[idx].Key()]; ok {
		return e.Phase(), nil
	}
	return state.PhaseNotStarted, nil
}

// Wait blocks until every launched run has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Shutdown stops the scheduler, stops running tasks and waits for them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var running []*Task
	for _, e := range m.engines {
		if e.IsRunning() {
			running = append(running, e)
		}
	}
	m.mu.Unlock()

	cronDone := m.cron.Stop()
	for _, e := range running {
		if err := e.Stop(); err != nil {
			m.log.WithError(err).Warn("failed to record stop")
		}
	}
	m.wg.Wait()
	<-cronDone.Done()
}

// scheduleLocked registers def with cron. Overlapping fires are skipped.
func (m *Manager) scheduleLocked(def config.BackupTask) error {
	if def.Schedule == "" {
		return nil
	}
	name := def.Name
	id, err := m.cron.AddFunc(def.Schedule, func() {
		err := m.RunBackup(context.Background(), name)
		switch {
		case err == nil:
		case errors.Is(err, ErrTaskRunning):
			m.log.WithField("task", name).Info("scheduled run skipped, already running")
		default:
			m.log.WithError(err).WithField("task", name).Warn("scheduled run failed to start")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	m.schedules[def.Key()] = id
	return nil
}

func (m *Manager) unscheduleLocked(key string) {
	if id, ok := m.schedules[key]; ok {
		m.cron.Remove(id)
		delete(m.schedules, key)
	}
}
