// Package archive inspects CBZ archives and injects a ComicInfo.xml record into
// those that lack one.
package archive

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/hdshock/mangafixer/internal/clock"
	"github.com/hdshock/mangafixer/internal/logger"
)

// EntryName is the exact entry name checked for and written.
const EntryName = "ComicInfo.xml"

// ErrUnreadable matches any failure to open, parse or rewrite an archive.
var ErrUnreadable = errors.New("archive unreadable")

// UnreadableError carries the path and cause of an ErrUnreadable failure.
type UnreadableError struct {
	Path string
	Err  error
}

func (e *UnreadableError) Error() string {
	return fmt.Sprintf("archive unreadable: %s: %v", e.Path, e.Err)
}

func (e *UnreadableError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnreadable) true.
func (e *UnreadableError) Is(target error) bool { return target == ErrUnreadable }

func unreadable(path string, err error) error {
	return errors.WithStack(&UnreadableError{Path: path, Err: err})
}

// Outcome is the result of processing one archive.
type Outcome int

const (
	// AlreadyPresent means the archive already had ComicInfo.xml and was not touched.
	AlreadyPresent Outcome = iota
	// AddedRecord means a synthesized ComicInfo.xml was written.
	AddedRecord
)

func (o Outcome) String() string {
	switch o {
	case AddedRecord:
		return "added"
	case AlreadyPresent:
		return "already_present"
	default:
		return "unknown"
	}
}

// Recorder receives one call per injected record.
type Recorder interface {
	Record(path string) error
}

// Mutator adds ComicInfo.xml to archives. It is safe for concurrent use on
// distinct paths.
type Mutator struct {
	recorder Recorder
	clock    clock.Clock
}

// NewMutator creates a Mutator. recorder may be nil.
func NewMutator(recorder Recorder, clk clock.Clock) *Mutator {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Mutator{recorder: recorder, clock: clk}
}

// Process checks the archive at path and writes ComicInfo.xml if it is missing.
// A symlinked path is followed and its target updated; the record is derived
// from path itself.
func (m *Mutator) Process(ctx context.Context, path string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return AlreadyPresent, err
	}

	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		return AlreadyPresent, unreadable(path, err)
	}

	zr, err := zip.OpenReader(target)
	if err != nil {
		return AlreadyPresent, unreadable(path, err)
	}

	for _, f := range zr.File {
		if f.Name == EntryName {
			_ = zr.Close()
			return AlreadyPresent, nil
		}
	}

	tmpPath, inPlace, err := m.rewrite(path, target, &zr.Reader)
	// the source must be closed before it is replaced
	if closeErr := zr.Close(); closeErr != nil {
		logger.Debugf("Closing %s: %v", path, closeErr)
	}
	if err != nil {
		return AlreadyPresent, err
	}

	if err := replace(tmpPath, target, inPlace); err != nil {
		return AlreadyPresent, unreadable(path, err)
	}

	logger.Infof("Added %s to %s", EntryName, path)
	if m.recorder != nil {
		if err := m.recorder.Record(path); err != nil {
			logger.Warnf("Failed to record injection for %s: %v", path, err)
		}
	}
	return AddedRecord, nil
}

// rewrite copies every entry of src verbatim into a temp file, appends
// ComicInfo.xml and returns the temp file path. The temp file sits next to
// target so it can be renamed over it. inPlace is true when a rename would
// break the file's identity (hard links) or is impossible (read-only
// directory); the caller then copies the bytes back into target instead.
func (m *Mutator) rewrite(path, target string, src *zip.Reader) (tmpPath string, inPlace bool, err error) {
	body, err := NewComicInfo(path).Marshal()
	if err != nil {
		return "", false, unreadable(path, err)
	}

	info, err := os.Stat(target)
	if err != nil {
		return "", false, unreadable(path, err)
	}
	inPlace = linkCount(info) > 1

	pattern := "." + filepath.Base(target) + ".*.tmp"
	tmp, err := os.CreateTemp(filepath.Dir(target), pattern)
	if errors.Is(err, os.ErrPermission) {
		tmp, err = os.CreateTemp("", pattern)
		inPlace = true
	}
	if err != nil {
		return "", false, unreadable(path, err)
	}
	tmpPath = tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	zw := zip.NewWriter(tmp)
	if src.Comment != "" {
		if err := zw.SetComment(src.Comment); err != nil {
			return "", false, unreadable(path, err)
		}
	}
	for _, f := range src.File {
		if err := zw.Copy(f); err != nil {
			return "", false, unreadable(path, errors.Wrapf(err, "copy entry %s", f.Name))
		}
	}

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     EntryName,
		Method:   zip.Deflate,
		Modified: m.clock.Now().In(time.Local),
	})
	if err != nil {
		return "", false, unreadable(path, err)
	}
	if _, err := w.Write(body); err != nil {
		return "", false, unreadable(path, err)
	}
	if err := zw.Close(); err != nil {
		return "", false, unreadable(path, err)
	}
	if err := tmp.Sync(); err != nil {
		return "", false, unreadable(path, err)
	}
	if err := tmp.Close(); err != nil {
		return "", false, unreadable(path, err)
	}

	if !inPlace {
		if err := os.Chmod(tmpPath, info.Mode().Perm()); err != nil {
			return "", false, unreadable(path, err)
		}
		if err := preserveOwner(tmpPath, info); err != nil {
			logger.Debugf("Keeping new owner on %s: %v", path, err)
		}
	}

	ok = true
	return tmpPath, inPlace, nil
}

// replace puts the rewritten archive at target, atomically by rename or, for
// inPlace, by overwriting target's contents so its inode, owner and links stay.
func replace(tmpPath, target string, inPlace bool) error {
	if !inPlace {
		if err := os.Rename(tmpPath, target); err != nil {
			_ = os.Remove(tmpPath)
			return err
		}
		return nil
	}
	defer os.Remove(tmpPath)

	in, err := os.Open(tmpPath)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return errors.Wrap(err, "overwrite archive")
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// HasComicInfo reports whether the archive at path contains ComicInfo.xml.
func HasComicInfo(path string) (bool, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return false, unreadable(path, err)
	}
	defer zr.Close()
	for _, f := range zr.File {
		if f.Name == EntryName {
			return true, nil
		}
	}
	return false, nil
}
