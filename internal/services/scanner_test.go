package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdshock/mangafixer/internal/activitylog"
	"github.com/hdshock/mangafixer/internal/archive"
	"github.com/hdshock/mangafixer/internal/domain"
	"github.com/hdshock/mangafixer/internal/eventbus"
	"github.com/hdshock/mangafixer/internal/ledger"
	"github.com/hdshock/mangafixer/internal/testutil"
)

// =============================================================================
// Scenario tests
// =============================================================================

func TestRunPass_SeriesAScenario(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "library")
	vol1 := testutil.WriteCBZ(t, filepath.Join(root, "SeriesA", "Vol1.cbz"), testutil.Page(1))
	vol2 := testutil.WriteCBZ(t, filepath.Join(root, "SeriesA", "Vol2.cbz"),
		testutil.Page(1), testutil.ComicInfoEntry("<ComicInfo><Title>Mine</Title></ComicInfo>"))
	vol2Before, err := os.ReadFile(vol2)
	require.NoError(t, err)

	logPath := filepath.Join(base, "process_log.txt")
	activity := activitylog.New(logPath, nil)
	led := newRecordingLedger(t)
	scanner := NewScannerService(root, archive.NewMutator(activity, nil), nil, nil)

	result, err := scanner.RunPass(context.Background(), led)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Candidates)
	assert.Equal(t, 1, result.Added)
	assert.Equal(t, 1, result.AlreadyPresent)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, []int{2}, result.BatchSizes)

	body := string(testutil.ReadCBZEntry(t, vol1, archive.EntryName))
	assert.Contains(t, body, "<Series>SeriesA</Series>")
	assert.Contains(t, body, "<Title>Vol1</Title>")

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	require.Len(t, lines, 1)
	assert.True(t, strings.HasSuffix(lines[0], " - Added ComicInfo.xml to "+vol1), lines[0])

	require.NoError(t, led.GracefulClose())
	assert.Equal(t, []string{vol1, vol2}, testutil.LedgerPaths(t, led.Path()))

	vol2After, err := os.ReadFile(vol2)
	require.NoError(t, err)
	assert.Equal(t, vol2Before, vol2After)
}

func TestRunPass_1200Archives_CommitsInBatches(t *testing.T) {
	root := t.TempDir()
	paths := touchArchives(t, filepath.Join(root, "Big"), 1200)
	led := newRecordingLedger(t)
	proc := &countingProcessor{}

	result, err := NewScannerService(root, proc, nil, nil).RunPass(context.Background(), led)
	require.NoError(t, err)

	assert.Equal(t, 1200, result.Candidates)
	assert.Equal(t, 1200, result.Committed)
	assert.Equal(t, []int{500, 500, 200}, led.BatchSizes())
	assert.Equal(t, []int{500, 500, 200}, result.BatchSizes)

	n, err := led.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1200), n)
	assert.Equal(t, int64(1200), result.LedgerEntries)

	for _, p := range paths {
		assert.Equal(t, 1, proc.Calls(p), p)
	}
}

func TestRunPass_IsolatesUnreadableArchive(t *testing.T) {
	root := t.TempDir()
	var good []string
	for i := 0; i < 5; i++ {
		good = append(good, testutil.WriteCBZ(t, filepath.Join(root, "S", fmt.Sprintf("Vol%d.cbz", i))))
	}
	broken := testutil.WriteGarbage(t, filepath.Join(root, "S", "Broken.cbz"))

	eb := eventbus.NewEventBus()
	defer eb.Shutdown()
	events := recordEvents(eb, domain.ArchiveFailed)

	led := newRecordingLedger(t)
	scanner := NewScannerService(root, archive.NewMutator(nil, nil), eb, nil)

	result, err := scanner.RunPass(context.Background(), led)
	require.NoError(t, err)
	assert.Equal(t, 6, result.Candidates)
	assert.Equal(t, 5, result.Added)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 5, result.Committed)

	failed := events.waitFor(t, domain.ArchiveFailed, 1)
	assert.Equal(t, broken, failed[0].GetStringOr("file_path", ""))

	for _, p := range good {
		ok, err := led.Exists(context.Background(), p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}
	ok, err := led.Exists(context.Background(), broken)
	require.NoError(t, err)
	assert.False(t, ok)

	// the broken archive is retried on the next pass
	result, err = scanner.RunPass(context.Background(), led)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Candidates)
	assert.Equal(t, 5, result.Skipped)
	assert.Equal(t, 1, result.Failed)
}

func TestRunPass_SkipsLedgerPaths(t *testing.T) {
	root := t.TempDir()
	paths := touchArchives(t, filepath.Join(root, "S"), 3)
	led := newRecordingLedger(t)
	require.NoError(t, led.Ledger.CommitBatch(context.Background(), paths[:1]))
	proc := &countingProcessor{}

	result, err := NewScannerService(root, proc, nil, nil).RunPass(context.Background(), led)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 2, result.Candidates)
	assert.Equal(t, 0, proc.Calls(paths[0]))
	assert.Equal(t, 1, proc.Calls(paths[1]))
	assert.Equal(t, 1, proc.Calls(paths[2]))
}

func TestRunPass_PathIdentityNotContent(t *testing.T) {
	root := t.TempDir()
	path := testutil.WriteCBZ(t, filepath.Join(root, "S", "Vol1.cbz"))
	led := newRecordingLedger(t)
	scanner := NewScannerService(root, archive.NewMutator(nil, nil), nil, nil)

	_, err := scanner.RunPass(context.Background(), led)
	require.NoError(t, err)
	require.Equal(t, 1, testutil.CountEntries(t, path, archive.EntryName))

	// replace the archive with one lacking the record
	testutil.WriteCBZ(t, path, testutil.Page(1))

	result, err := scanner.RunPass(context.Background(), led)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Candidates)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 0, testutil.CountEntries(t, path, archive.EntryName))
}

func TestRunPass_EmptyLibrary(t *testing.T) {
	led := newRecordingLedger(t)
	result, err := NewScannerService(t.TempDir(), &countingProcessor{}, nil, nil).RunPass(context.Background(), led)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Candidates)
	assert.Empty(t, led.BatchSizes())
}

// =============================================================================
// Failure tests
// =============================================================================

func TestRunPass_CommitFailureIsFatal(t *testing.T) {
	root := t.TempDir()
	touchArchives(t, filepath.Join(root, "S"), 1200)
	led := newRecordingLedger(t)
	led.commitErr = errDiskGone
	proc := &countingProcessor{}

	eb := eventbus.NewEventBus()
	defer eb.Shutdown()
	events := recordEvents(eb, domain.PassFailed, domain.PassCompleted)

	scanner := NewScannerService(root, proc, eb, nil)
	result, err := scanner.RunPass(context.Background(), led)

	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.ErrorIs(t, err, errDiskGone)
	assert.Equal(t, []int{500}, led.BatchSizes(), "no commit is attempted after a failed one")
	assert.Less(t, proc.total.Load(), int64(1200), "dispatch stops after the failure")
	assert.Zero(t, result.Committed)

	failed := events.waitFor(t, domain.PassFailed, 1)
	summary, ok := failed[0].ParsePassSummary()
	require.True(t, ok)
	assert.Contains(t, summary.Error, "disk I/O error")
	assert.Empty(t, events.OfType(domain.PassCompleted))

	last := scanner.LastResult()
	require.NotNil(t, last)
	assert.NotEmpty(t, last.Error)
	assert.False(t, scanner.IsRunning())
}

func TestRunPass_LookupFailureIsFatal(t *testing.T) {
	root := t.TempDir()
	touchArchives(t, filepath.Join(root, "S"), 3)
	led := newRecordingLedger(t)
	led.existsErr = errDiskGone
	proc := &countingProcessor{}

	_, err := NewScannerService(root, proc, nil, nil).RunPass(context.Background(), led)
	assert.ErrorIs(t, err, ledger.ErrUnavailable)
	assert.Zero(t, proc.total.Load())
}

func TestRunPass_RootInaccessible(t *testing.T) {
	led := newRecordingLedger(t)
	scanner := NewScannerService(filepath.Join(t.TempDir(), "offline"), &countingProcessor{}, nil, nil)

	_, err := scanner.RunPass(context.Background(), led)
	assert.ErrorIs(t, err, ErrRootInaccessible)

	file := filepath.Join(t.TempDir(), "file.cbz")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	_, err = NewScannerService(file, &countingProcessor{}, nil, nil).RunPass(context.Background(), led)
	assert.ErrorIs(t, err, ErrRootInaccessible)
}

func TestVerifyPathAccessible(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, VerifyPathAccessible(dir))
	assert.ErrorContains(t, VerifyPathAccessible(filepath.Join(dir, "missing")), "does not exist")
}

// =============================================================================
// Concurrency tests
// =============================================================================

func TestRunPass_RejectsOverlappingPass(t *testing.T) {
	root := t.TempDir()
	touchArchives(t, filepath.Join(root, "S"), 2)
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	proc := &countingProcessor{fn: func(ctx context.Context, n int64, path string) (archive.Outcome, error) {
		started <- struct{}{}
		<-release
		return archive.AddedRecord, nil
	}}
	scanner := NewScannerService(root, proc, nil, nil)
	led := newRecordingLedger(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := scanner.RunPass(context.Background(), led)
		errCh <- err
	}()
	<-started

	assert.True(t, scanner.IsRunning())
	progress := scanner.Progress()
	require.NotNil(t, progress)
	assert.Equal(t, "processing", progress.Status)
	assert.Equal(t, 2, progress.Total)

	_, err := scanner.RunPass(context.Background(), led)
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(release)
	require.NoError(t, <-errCh)
	assert.False(t, scanner.IsRunning())
	assert.Nil(t, scanner.Progress())
	assert.Equal(t, 2, scanner.LastResult().Committed)
}

func TestRunPass_CancelFlushesCompletedWork(t *testing.T) {
	root := t.TempDir()
	touchArchives(t, filepath.Join(root, "S"), 40)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := &countingProcessor{fn: func(ctx context.Context, n int64, path string) (archive.Outcome, error) {
		if n <= 10 {
			return archive.AddedRecord, nil
		}
		cancel()
		<-ctx.Done()
		return archive.AlreadyPresent, ctx.Err()
	}}
	led := newRecordingLedger(t)

	result, err := NewScannerService(root, proc, nil, nil).RunPass(ctx, led)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 10, result.Added)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 10, result.Committed)

	n, err := led.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
}

func TestRunPass_ProgressEvents(t *testing.T) {
	root := t.TempDir()
	touchArchives(t, filepath.Join(root, "S"), 25)

	eb := eventbus.NewEventBus()
	defer eb.Shutdown()
	events := recordEvents(eb, domain.PassStarted, domain.PassProgress, domain.RecordAdded, domain.BatchCommitted, domain.PassCompleted)

	result, err := NewScannerService(root, &countingProcessor{}, eb, nil).RunPass(context.Background(), newRecordingLedger(t))
	require.NoError(t, err)

	progress := events.waitFor(t, domain.PassProgress, 3)
	var done []int64
	for _, e := range progress {
		p, ok := e.ParseProgressData()
		require.True(t, ok)
		assert.Equal(t, int64(25), p.Total)
		done = append(done, p.Done)
	}
	assert.Equal(t, []int64{10, 20, 25}, done)

	assert.Len(t, events.waitFor(t, domain.RecordAdded, 25), 25)
	assert.Len(t, events.waitFor(t, domain.BatchCommitted, 1), 1)
	assert.Len(t, events.waitFor(t, domain.PassStarted, 1), 1)

	completed := events.waitFor(t, domain.PassCompleted, 1)
	assert.Equal(t, result.ID, completed[0].AggregateID)
	summary, ok := completed[0].ParsePassSummary()
	require.True(t, ok)
	assert.Equal(t, int64(25), summary.Added)
	assert.Equal(t, int64(1), summary.Batches)
}

func TestRunPass_ResultTiming(t *testing.T) {
	clk := testutil.NewMockClockAt(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	root := t.TempDir()
	touchArchives(t, filepath.Join(root, "S"), 1)
	proc := &countingProcessor{fn: func(ctx context.Context, n int64, path string) (archive.Outcome, error) {
		clk.Advance(3 * time.Second)
		return archive.AddedRecord, nil
	}}

	result, err := NewScannerService(root, proc, nil, clk).RunPass(context.Background(), newRecordingLedger(t))
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, result.Duration())
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, root, result.Root)
}

func TestWorkerCount(t *testing.T) {
	n := WorkerCount()
	assert.GreaterOrEqual(t, n, 5)
	assert.LessOrEqual(t, n, 32)
}

func TestLastResult_IsCopy(t *testing.T) {
	root := t.TempDir()
	touchArchives(t, filepath.Join(root, "S"), 2)
	scanner := NewScannerService(root, &countingProcessor{}, nil, nil)
	assert.Nil(t, scanner.LastResult())

	_, err := scanner.RunPass(context.Background(), newRecordingLedger(t))
	require.NoError(t, err)

	first := scanner.LastResult()
	first.BatchSizes[0] = 99
	assert.Equal(t, []int{2}, scanner.LastResult().BatchSizes)
}

func TestRunPass_DispatchesEachArchiveOnce(t *testing.T) {
	root := t.TempDir()
	var paths []string
	for _, series := range []string{"A", "B", "C"} {
		paths = append(paths, touchArchives(t, filepath.Join(root, series), 40)...)
	}
	proc := &countingProcessor{}
	led := newRecordingLedger(t)

	_, err := NewScannerService(root, proc, nil, nil).RunPass(context.Background(), led)
	require.NoError(t, err)

	sort.Strings(paths)
	require.NoError(t, led.GracefulClose())
	assert.Equal(t, paths, testutil.LedgerPaths(t, led.Path()))
	for _, p := range paths {
		assert.Equal(t, 1, proc.Calls(p))
	}
}
