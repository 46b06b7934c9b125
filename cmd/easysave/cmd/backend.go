package cmd

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/tangthinker/easysave/internal/admission"
	"github.com/tangthinker/easysave/internal/backup"
	"github.com/tangthinker/easysave/internal/config"
	"github.com/tangthinker/easysave/internal/guard"
	"github.com/tangthinker/easysave/internal/journal"
	"github.com/tangthinker/easysave/internal/logging"
	"github.com/tangthinker/easysave/internal/state"
	"github.com/tangthinker/easysave/internal/transform"
)

// backend is everything a process needs to execute backups.
type backend struct {
	log       *logrus.Logger
	logCloser io.Closer
	store     *state.Store
	admission *admission.Controller
	guard     *guard.ProcessGuard
	manager   *backup.Manager
}

// newBackend wires logging, state, admission, guard and the manager from settings.
func newBackend(s *config.Settings, logFile string) (*backend, error) {
	log, closer, err := logging.New(logging.Options{
		Level:      s.Log.Level,
		Format:     s.Log.Format,
		File:       logFile,
		MaxSizeMB:  s.Log.MaxSizeMB,
		MaxBackups: s.Log.MaxBackups,
		MaxAgeDays: s.Log.MaxAgeDays,
	})
	if err != nil {
		return nil, err
	}

	threshold, err := s.ThresholdBytes()
	if err != nil {
		closer.Close()
		return nil, err
	}

	rt := &backend{
		log:       log,
		logCloser: closer,
		store:     state.NewStore(s.StateFile, log),
		admission: admission.NewController(threshold, s.QueueBudget),
		guard:     guard.NewProcessGuard(s.GuardProcess, log),
	}

	env := backup.Env{
		State:     rt.store,
		Admission: rt.admission,
		Guard:     rt.guard,
		Journal:   journal.New(s.JournalDir),
		Log:       log,
	}
	if s.Encryption.Program != "" {
		env.Transform = transform.New(s.Encryption.Program, s.Encryption.Args, s.Encryption.Extensions)
	}

	rt.manager, err = backup.NewManager(backup.ManagerOptions{
		CatalogueFile: s.CatalogueFile,
		LaunchSlots:   s.LaunchSlots,
		Env:           env,
	})
	if err != nil {
		closer.Close()
		return nil, fmt.Errorf("failed to create backup manager: %w", err)
	}
	return rt, nil
}

func (rt *backend) Close() {
	rt.manager.Shutdown()
	rt.logCloser.Close()
}
