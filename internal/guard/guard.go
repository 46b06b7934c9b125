// Package guard decides whether backups may run, based on a named
// application that must not be running alongside them.
package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"
)

// Guard reports whether the protected application is active.
type Guard interface {
	IsActive(ctx context.Context) bool
}

// Proc is the subset of a process the guard looks at.
type Proc struct {
	PID  int32
	Name string
}

// Lister enumerates running processes.
type Lister func(ctx context.Context) ([]Proc, error)

// ProcessGuard matches running process names against a configured name.
type ProcessGuard struct {
	name string
	list Lister
	log  logrus.FieldLogger
}

// Option configures a ProcessGuard.
type Option func(*ProcessGuard)

// WithLister replaces process enumeration, mostly for tests.
func WithLister(l Lister) Option {
	return func(g *ProcessGuard) {
		g.list = l
	}
}

// NewProcessGuard watches for processes called name. An empty name disables the guard.
func NewProcessGuard(name string, log logrus.FieldLogger, opts ...Option) *ProcessGuard {
	if log == nil {
		log = logrus.StandardLogger()
	}
	g := &ProcessGuard{
		name: normalize(name),
		list: systemProcesses,
		log:  log.WithField("component", "guard"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Name returns the normalized process name being watched.
func (g *ProcessGuard) Name() string {
	return g.name
}

// IsActive reports whether a matching process is running. Enumeration
// failures are logged and treated as inactive.
func (g *ProcessGuard) IsActive(ctx context.Context) bool {
	if g.name == "" {
		return false
	}
	procs, err := g.list(ctx)
	if err != nil {
		g.log.WithError(err).Warn("process enumeration failed, assuming guard inactive")
		return false
	}
	for _, p := range procs {
		if normalize(p.Name) == g.name {
			return true
		}
	}
	return false
}

// Running lists matching processes as "name (PID: n)".
func (g *ProcessGuard) Running(ctx context.Context) []string {
	if g.name == "" {
		return nil
	}
	procs, err := g.list(ctx)
	if err != nil {
		g.log.WithError(err).Warn("process enumeration failed")
		return nil
	}
	var out []string
	for _, p := range procs {
		if normalize(p.Name) == g.name {
			out = append(out, fmt.Sprintf("%s (PID: %d)", p.Name, p.PID))
		}
	}
	return out
}

// normalize makes "Calc.exe" and "calc" compare equal.
func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, ".exe")
}

func systemProcesses(ctx context.Context) ([]Proc, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Proc, 0, len(procs))
	for _, p := range procs {
		// processes can exit between listing and inspection
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		out = append(out, Proc{PID: p.Pid, Name: name})
	}
	return out, nil
}

// Never is a guard that is never active.
type Never struct{}

// IsActive always returns false.
func (Never) IsActive(context.Context) bool { return false }
