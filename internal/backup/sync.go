package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tangthinker/easysave/internal/config"
)

// sourceFile is one regular file found under a task's source directory.
type sourceFile struct {
	Path    string
	Rel     string
	Size    int64
	ModTime time.Time
}

// scanDirectory lists every regular file under root in lexical walk order
// and returns their total size.
func scanDirectory(root string) ([]sourceFile, int64, error) {
	var (
		files []sourceFile
		total int64
	)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, ok, err := regularInfo(path, d)
		if err != nil || !ok {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, sourceFile{
			Path:    path,
			Rel:     rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		total += info.Size()
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan %s: %w", root, err)
	}
	return files, total, nil
}

// shouldCopy decides whether src must be written to dst under strategy.
// Differential copies only when dst is missing or strictly older than src.
func shouldCopy(strategy config.CopyStrategy, src sourceFile, dst string) bool {
	if strategy != config.StrategyDifferential {
		return true
	}
	info, err := os.Stat(dst)
	if err != nil {
		return true
	}
	return src.ModTime.After(info.ModTime())
}

// ensureDir creates dir when missing. created reports whether it had to.
func ensureDir(dir string) (created bool, err error) {
	if _, err := os.Stat(dir); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, os.MkdirAll(dir, 0755)
}

// copyFile copies src over dst and stamps dst with modTime.
func copyFile(src, dst string, modTime time.Time) error {
	source, err := os.Open(src)
	if err != nil {
		return err
	}
	defer source.Close()

	destination, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(destination, source); err != nil {
		destination.Close()
		return err
	}
	if err := destination.Close(); err != nil {
		return err
	}

	return os.Chtimes(dst, modTime, modTime)
}

// regularInfo resolves d to a regular file. Symlinks are followed to files
// only; links to directories are not descended and dangling links are skipped.
func regularInfo(path string, d fs.DirEntry) (fs.FileInfo, bool, error) {
	if d.Type()&fs.ModeSymlink != 0 {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return nil, false, nil
		}
		return info, true, nil
	}
	if !d.Type().IsRegular() {
		return nil, false, nil
	}
	info, err := d.Info()
	if err != nil {
		return nil, false, err
	}
	return info, true, nil
}
