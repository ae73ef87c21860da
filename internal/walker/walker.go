// Package walker enumerates CBZ archives under a library root.
package walker

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/hdshock/mangafixer/internal/logger"
)

// Extension is the archive suffix matched by the walker. Matching is case-sensitive.
const Extension = ".cbz"

// IsArchive reports whether name has the archive extension.
func IsArchive(name string) bool {
	return strings.HasSuffix(name, Extension)
}

// Walk streams the absolute path of every archive under root. The channel is
// closed when the walk finishes or ctx is cancelled. Unreadable
// subdirectories are skipped; an unreadable root yields nothing.
func Walk(ctx context.Context, root string) <-chan string {
	out := make(chan string, 64)

	go func() {
		defer close(out)

		absRoot, err := filepath.Abs(root)
		if err != nil {
			logger.Warnf("Cannot resolve library root %s: %v", root, err)
			return
		}

		err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == absRoot {
					return err
				}
				if d != nil && d.IsDir() {
					logger.Debugf("Skipping unreadable directory %s: %v", path, err)
					return fs.SkipDir
				}
				logger.Debugf("Skipping unreadable entry %s: %v", path, err)
				return nil
			}
			if d.IsDir() || !IsArchive(d.Name()) {
				return nil
			}

			select {
			case out <- path:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		if err != nil && ctx.Err() == nil {
			logger.Warnf("Library walk of %s stopped: %v", absRoot, err)
		}
	}()

	return out
}
