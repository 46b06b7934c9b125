// Package logging builds the operational logger shared by the daemon and CLI.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	Level      string
	Format     string // "text" or "json"
	File       string // empty disables the rotating file
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Stderr     io.Writer
}

// New returns a logger writing to stderr and, when File is set, to a rotating file.
// The returned closer flushes and closes the file and is never nil.
func New(opts Options) (*logrus.Logger, io.Closer, error) {
	level := logrus.InfoLevel
	if opts.Level != "" {
		lvl, err := logrus.ParseLevel(strings.ToLower(opts.Level))
		if err != nil {
			return nil, nil, fmt.Errorf("parse log level: %w", err)
		}
		level = lvl
	}

	logger := logrus.New()
	logger.SetLevel(level)

	switch strings.ToLower(opts.Format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	if opts.File == "" {
		logger.SetOutput(stderr)
		return logger, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log directory: %w", err)
	}
	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(stderr, rotator))
	return logger, rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
