// Package transform runs the external post-copy helper (the encryption program)
// against freshly copied files.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// ErrNoProgram is returned when no helper program is configured.
var ErrNoProgram = errors.New("no transform program configured")

// Mode is the direction passed to the helper.
type Mode string

const (
	ModeEncode Mode = "encode"
	ModeDecode Mode = "decode"
)

// Transformer is what the backup engine needs from a helper.
type Transformer interface {
	Applies(path string) bool
	Encode(ctx context.Context, path string) error
}

// Command invokes Program as "<program> <args...> --file <path> --mode <mode>".
// Only one invocation runs at a time across processes sharing LockFile.
type Command struct {
	Program    string
	Args       []string
	Extensions []string
	LockFile   string
}

// New returns a Command with the default lock file.
func New(program string, args, extensions []string) *Command {
	return &Command{
		Program:    program,
		Args:       args,
		Extensions: extensions,
		LockFile:   filepath.Join(os.TempDir(), "easysave-transform.lock"),
	}
}

// Applies reports whether path has an extension the helper handles.
// An empty list or ".*" matches everything.
func (c *Command) Applies(path string) bool {
	if len(c.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, want := range c.Extensions {
		want = strings.ToLower(strings.TrimSpace(want))
		if want == ".*" || want == "*" {
			return true
		}
		if !strings.HasPrefix(want, ".") {
			want = "." + want
		}
		if want == ext {
			return true
		}
	}
	return false
}

// Encode runs the helper in encode mode on path.
func (c *Command) Encode(ctx context.Context, path string) error {
	return c.Run(ctx, path, ModeEncode)
}

// Decode restores a file previously passed through Encode.
func (c *Command) Decode(ctx context.Context, path string) error {
	return c.Run(ctx, path, ModeDecode)
}

// Run invokes the helper and waits for it. A non-zero exit is an error
// carrying the helper's stderr.
func (c *Command) Run(ctx context.Context, path string, mode Mode) error {
	if c.Program == "" {
		return ErrNoProgram
	}

	if c.LockFile != "" {
		lock := flock.New(c.LockFile)
		if err := lock.Lock(); err != nil {
			return fmt.Errorf("lock transform: %w", err)
		}
		defer lock.Unlock()
	}

	args := append([]string{}, c.Args...)
	args = append(args, "--file", path, "--mode", string(mode))

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Program, args...)
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return fmt.Errorf("run %s on %s: %w: %s", c.Program, path, err, msg)
		}
		return fmt.Errorf("run %s on %s: %w", c.Program, path, err)
	}
	return nil
}
