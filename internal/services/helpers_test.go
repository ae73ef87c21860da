package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hdshock/mangafixer/internal/archive"
	"github.com/hdshock/mangafixer/internal/domain"
	"github.com/hdshock/mangafixer/internal/eventbus"
	"github.com/hdshock/mangafixer/internal/ledger"
)

// recordingLedger wraps a real ledger and records every batch.
type recordingLedger struct {
	*ledger.Ledger

	mu        sync.Mutex
	batches   [][]string
	commitErr error
	existsErr error
}

func (l *recordingLedger) Exists(ctx context.Context, path string) (bool, error) {
	if l.existsErr != nil {
		return false, l.existsErr
	}
	return l.Ledger.Exists(ctx, path)
}

func (l *recordingLedger) CommitBatch(ctx context.Context, paths []string) error {
	l.mu.Lock()
	l.batches = append(l.batches, append([]string(nil), paths...))
	l.mu.Unlock()
	if l.commitErr != nil {
		return l.commitErr
	}
	return l.Ledger.CommitBatch(ctx, paths)
}

func (l *recordingLedger) BatchSizes() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	sizes := make([]int, 0, len(l.batches))
	for _, b := range l.batches {
		sizes = append(sizes, len(b))
	}
	return sizes
}

func newRecordingLedger(t *testing.T) *recordingLedger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "processed_files.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return &recordingLedger{Ledger: l}
}

// countingProcessor reports AddedRecord for every path and counts calls.
type countingProcessor struct {
	mu    sync.Mutex
	calls map[string]int
	total atomic.Int64
	fn    func(ctx context.Context, n int64, path string) (archive.Outcome, error)
}

func (p *countingProcessor) Process(ctx context.Context, path string) (archive.Outcome, error) {
	n := p.total.Add(1)
	p.mu.Lock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[path]++
	p.mu.Unlock()
	if p.fn != nil {
		return p.fn(ctx, n, path)
	}
	return archive.AddedRecord, nil
}

func (p *countingProcessor) Calls(path string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[path]
}

// touchArchives creates n empty files named <dir>/Vol%04d.cbz.
func touchArchives(t *testing.T, dir string, n int) []string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p := filepath.Join(dir, fmt.Sprintf("Vol%04d.cbz", i))
		require.NoError(t, os.WriteFile(p, nil, 0644))
		paths = append(paths, p)
	}
	return paths
}

// eventRecorder collects events of the given types from a bus.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func recordEvents(eb *eventbus.EventBus, types ...domain.EventType) *eventRecorder {
	r := &eventRecorder{}
	for _, et := range types {
		eb.Subscribe(et, func(e domain.Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *eventRecorder) OfType(et domain.EventType) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Event
	for _, e := range r.events {
		if e.EventType == et {
			out = append(out, e)
		}
	}
	return out
}

func (r *eventRecorder) waitFor(t *testing.T, et domain.EventType, n int) []domain.Event {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.OfType(et)) >= n }, 2*time.Second, 5*time.Millisecond,
		"expected %d %s events", n, et)
	return r.OfType(et)
}

var errDiskGone = errors.New("disk I/O error")
