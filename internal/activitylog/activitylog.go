// Package activitylog keeps the append-only text record of every injected
// ComicInfo.xml, one line per archive.
package activitylog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hdshock/mangafixer/internal/clock"
	"github.com/hdshock/mangafixer/internal/logger"
)

// TimeFormat is the timestamp layout at the start of every line.
const TimeFormat = "2006-01-02 15:04:05"

// DefaultMaxBytes is the size above which the log is deleted at pass start.
const DefaultMaxBytes int64 = 50 * 1024 * 1024

// Log appends injection lines to a file. Safe for concurrent use.
type Log struct {
	path  string
	clock clock.Clock
	mu    sync.Mutex
}

// New creates a Log writing to path. The file is created on the first Record.
func New(path string, clk clock.Clock) *Log {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Log{path: path, clock: clk}
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

const lineMarker = " - Added ComicInfo.xml to "

// Entry is one parsed line of the log.
type Entry struct {
	Time time.Time `json:"time"`
	Path string    `json:"path"`
}

// Line formats the entry written for archivePath at the current time.
func (l *Log) Line(archivePath string) string {
	return l.clock.Now().Format(TimeFormat) + lineMarker + archivePath + "\n"
}

// ParseLine reverses Line. Timestamps are read in the local zone.
func ParseLine(line string) (Entry, bool) {
	ts, path, ok := strings.Cut(strings.TrimRight(line, "\r\n"), lineMarker)
	if !ok || path == "" {
		return Entry{}, false
	}
	t, err := time.ParseInLocation(TimeFormat, ts, time.Local)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Time: t, Path: path}, true
}

// Entries reads every well-formed line, oldest first. A missing file yields
// no entries.
func (l *Log) Entries() ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open activity log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if e, ok := ParseLine(scanner.Text()); ok {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read activity log: %w", err)
	}
	return entries, nil
}

// Record appends one line for archivePath.
func (l *Log) Record(archivePath string) error {
	line := l.Line(archivePath)

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create activity log directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open activity log: %w", err)
	}
	if _, err := f.WriteString(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write activity log: %w", err)
	}
	return f.Close()
}

// EnforceCap deletes the log when it is larger than maxBytes. It reports
// whether the file was deleted. A missing file is not an error.
func (l *Log) EnforceCap(maxBytes int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info, err := os.Stat(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat activity log: %w", err)
	}
	if info.Size() <= maxBytes {
		return false, nil
	}

	logger.Infof("Activity log exceeds %d MiB (%d bytes), deleting %s", maxBytes/(1024*1024), info.Size(), l.path)
	if err := os.Remove(l.path); err != nil {
		return false, fmt.Errorf("failed to delete activity log: %w", err)
	}
	return true, nil
}
