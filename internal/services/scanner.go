package services

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hdshock/mangafixer/internal/archive"
	"github.com/hdshock/mangafixer/internal/clock"
	"github.com/hdshock/mangafixer/internal/domain"
	"github.com/hdshock/mangafixer/internal/eventbus"
	"github.com/hdshock/mangafixer/internal/ledger"
	"github.com/hdshock/mangafixer/internal/logger"
	"github.com/hdshock/mangafixer/internal/walker"
)

const (
	// BatchSize is the number of completed paths buffered before a ledger commit.
	BatchSize = 500
	// progressEvery is the number of completions between PassProgress events.
	progressEvery = 10
)

var (
	// ErrRootInaccessible means the library root is missing, not a directory or unreadable.
	ErrRootInaccessible = errors.New("library root inaccessible")
	// ErrPassInProgress is returned when RunPass is called while another pass runs.
	ErrPassInProgress = errors.New("a pass is already in progress")
)

// Ledger is the part of the dedup ledger a pass needs.
type Ledger interface {
	Exists(ctx context.Context, path string) (bool, error)
	CommitBatch(ctx context.Context, paths []string) error
	Count(ctx context.Context) (int64, error)
}

// Processor handles one archive.
type Processor interface {
	Process(ctx context.Context, path string) (archive.Outcome, error)
}

// WorkerCount is the size of the per-pass worker pool.
func WorkerCount() int {
	return min(32, runtime.NumCPU()+4)
}

// PassResult summarizes one pass. It is kept in memory only.
type PassResult struct {
	ID             string    `json:"id"`
	Root           string    `json:"root"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	Skipped        int       `json:"skipped"`
	Candidates     int       `json:"candidates"`
	Added          int       `json:"added"`
	AlreadyPresent int       `json:"already_present"`
	Failed         int       `json:"failed"`
	Committed      int       `json:"committed"`
	BatchSizes     []int     `json:"batch_sizes"`
	LedgerEntries  int64     `json:"ledger_entries"`
	Error          string    `json:"error,omitempty"`
}

// Duration is the wall time of the pass.
func (r *PassResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// PassProgress is the live state of a running pass.
type PassProgress struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"` // "enumerating", "processing", "flushing"
	Done      int       `json:"done"`
	Total     int       `json:"total"`
	StartedAt time.Time `json:"started_at"`
}

type dispatchResult struct {
	path    string
	outcome archive.Outcome
	err     error
}

// ScannerService runs passes over one library root: walk, filter against the
// ledger, process the remaining archives concurrently and commit the
// successful ones in batches.
type ScannerService struct {
	root      string
	processor Processor
	eventBus  eventbus.Publisher
	clock     clock.Clock
	workers   int

	passMu sync.Mutex

	stateMu sync.RWMutex
	current *PassProgress
	last    *PassResult
}

// NewScannerService creates a scanner for root.
func NewScannerService(root string, processor Processor, eb eventbus.Publisher, clk clock.Clock) *ScannerService {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &ScannerService{
		root:      root,
		processor: processor,
		eventBus:  eb,
		clock:     clk,
		workers:   WorkerCount(),
	}
}

// Root returns the library root.
func (s *ScannerService) Root() string {
	return s.root
}

// IsRunning reports whether a pass is in progress.
func (s *ScannerService) IsRunning() bool {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.current != nil
}

// Progress returns a copy of the running pass state, or nil.
func (s *ScannerService) Progress() *PassProgress {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.current == nil {
		return nil
	}
	p := *s.current
	return &p
}

// LastResult returns the result of the most recent finished pass, or nil.
func (s *ScannerService) LastResult() *PassResult {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	r.BatchSizes = append([]int(nil), s.last.BatchSizes...)
	return &r
}

func (s *ScannerService) updateProgress(fn func(p *PassProgress)) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.current != nil {
		fn(s.current)
	}
}

// RunPass performs one full pass against led. Per-archive failures are counted
// and left out of the ledger; ledger failures stop the pass with an
// ErrUnavailable error. Cancelling ctx stops dispatching, flushes what already
// completed and returns ctx.Err().
func (s *ScannerService) RunPass(ctx context.Context, led Ledger) (*PassResult, error) {
	if !s.passMu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer s.passMu.Unlock()

	result := &PassResult{
		ID:        uuid.New().String(),
		Root:      s.root,
		StartedAt: s.clock.Now(),
	}

	s.stateMu.Lock()
	s.current = &PassProgress{ID: result.ID, Status: "enumerating", StartedAt: result.StartedAt}
	s.stateMu.Unlock()

	s.publish(domain.PassStarted, result.ID, map[string]interface{}{"root": s.root})
	logger.Infof("Pass %s: scanning %s", result.ID, s.root)

	err := s.runPass(ctx, led, result)

	result.FinishedAt = s.clock.Now()
	if err != nil {
		result.Error = err.Error()
	}
	if n, cerr := led.Count(context.WithoutCancel(ctx)); cerr == nil {
		result.LedgerEntries = n
	} else {
		logger.Debugf("Pass %s: counting ledger entries: %v", result.ID, cerr)
	}

	s.stateMu.Lock()
	s.current = nil
	s.last = result
	s.stateMu.Unlock()

	if err != nil {
		logger.Errorf("Pass %s failed after %v: %v", result.ID, result.Duration(), err)
		s.publish(domain.PassFailed, result.ID, summaryData(result))
		return result, err
	}

	logger.Infof("Pass %s complete in %v: %d candidates, %d added, %d already present, %d failed, %d committed in %d batches (%d skipped via ledger, %d in ledger)",
		result.ID, result.Duration().Round(time.Millisecond), result.Candidates, result.Added,
		result.AlreadyPresent, result.Failed, result.Committed, len(result.BatchSizes), result.Skipped, result.LedgerEntries)
	s.publish(domain.PassCompleted, result.ID, summaryData(result))
	return result, nil
}

func (s *ScannerService) runPass(ctx context.Context, led Ledger, result *PassResult) error {
	if err := VerifyPathAccessible(s.root); err != nil {
		return fmt.Errorf("%w: %v", ErrRootInaccessible, err)
	}

	candidates, err := s.enumerate(ctx, led, result)
	if err != nil {
		return err
	}
	result.Candidates = len(candidates)
	s.updateProgress(func(p *PassProgress) {
		p.Status = "processing"
		p.Total = len(candidates)
	})
	logger.Infof("Pass %s: %d archives to process (%d already in ledger)", result.ID, len(candidates), result.Skipped)

	return s.dispatch(ctx, led, candidates, result)
}

// enumerate walks the root and keeps the paths the ledger has not seen.
func (s *ScannerService) enumerate(ctx context.Context, led Ledger, result *PassResult) ([]string, error) {
	walkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var candidates []string
	for path := range walker.Walk(walkCtx, s.root) {
		seen, err := led.Exists(ctx, path)
		if err != nil {
			return nil, asUnavailable(err)
		}
		if seen {
			result.Skipped++
			continue
		}
		candidates = append(candidates, path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return candidates, nil
}

// dispatch runs the worker pool and drains its results on the calling
// goroutine, which alone owns the pending batch.
func (s *ScannerService) dispatch(parent context.Context, led Ledger, candidates []string, result *PassResult) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// commits outlive a caller cancellation so completed work is not redone
	commitCtx := context.WithoutCancel(parent)

	results := make(chan dispatchResult, s.workers)
	go func() {
		var g errgroup.Group
		g.SetLimit(s.workers)
		for _, path := range candidates {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				outcome, err := s.processor.Process(ctx, path)
				results <- dispatchResult{path: path, outcome: outcome, err: err}
				return nil
			})
		}
		_ = g.Wait()
		close(results)
	}()

	total := len(candidates)
	pending := make([]string, 0, BatchSize)
	var fatal error
	done := 0

	flush := func() {
		if fatal != nil || len(pending) == 0 {
			return
		}
		if err := s.commit(commitCtx, led, pending, result); err != nil {
			fatal = err
			cancel()
		}
		pending = pending[:0]
	}

	for r := range results {
		done++
		switch {
		case r.err == nil:
			if r.outcome == archive.AddedRecord {
				result.Added++
				s.publish(domain.RecordAdded, result.ID, map[string]interface{}{"file_path": r.path})
			} else {
				result.AlreadyPresent++
				logger.Debugf("ComicInfo.xml already exists in %s", r.path)
			}
			if fatal == nil {
				pending = append(pending, r.path)
			}
		case ctx.Err() != nil && (errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded)):
			// never started because the pass is stopping
		default:
			result.Failed++
			logger.Warnf("Skipping %s: %v", r.path, r.err)
			s.publish(domain.ArchiveFailed, result.ID, map[string]interface{}{
				"file_path": r.path,
				"error":     r.err.Error(),
			})
		}

		s.updateProgress(func(p *PassProgress) { p.Done = done })
		if done%progressEvery == 0 || done == total {
			s.publish(domain.PassProgress, result.ID, map[string]interface{}{
				"done":  int64(done),
				"total": int64(total),
			})
		}

		if len(pending) >= BatchSize {
			flush()
		}
	}

	s.updateProgress(func(p *PassProgress) { p.Status = "flushing" })
	flush()

	if fatal != nil {
		return fatal
	}
	return parent.Err()
}

func (s *ScannerService) commit(ctx context.Context, led Ledger, batch []string, result *PassResult) error {
	if err := led.CommitBatch(ctx, batch); err != nil {
		return asUnavailable(err)
	}
	result.Committed += len(batch)
	result.BatchSizes = append(result.BatchSizes, len(batch))
	logger.Debugf("Pass %s: committed batch %d (%d paths)", result.ID, len(result.BatchSizes), len(batch))
	s.publish(domain.BatchCommitted, result.ID, map[string]interface{}{
		"batch": int64(len(result.BatchSizes)),
		"size":  int64(len(batch)),
	})
	return nil
}

func (s *ScannerService) publish(eventType domain.EventType, passID string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(domain.NewPassEvent(eventType, passID, data)); err != nil {
		logger.Debugf("Failed to publish %s: %v", eventType, err)
	}
}

func summaryData(r *PassResult) map[string]interface{} {
	data := map[string]interface{}{
		"root":             r.Root,
		"candidates":       int64(r.Candidates),
		"skipped":          int64(r.Skipped),
		"added":            int64(r.Added),
		"already_present":  int64(r.AlreadyPresent),
		"failed":           int64(r.Failed),
		"committed":        int64(r.Committed),
		"batches":          int64(len(r.BatchSizes)),
		"ledger_entries":   r.LedgerEntries,
		"duration_seconds": r.Duration().Seconds(),
	}
	if r.Error != "" {
		data["error"] = r.Error
	}
	return data
}

func asUnavailable(err error) error {
	if errors.Is(err, ledger.ErrUnavailable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
}

// VerifyPathAccessible checks the root before enumeration so an offline mount
// fails the pass instead of looking like an empty library.
func VerifyPathAccessible(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("path does not exist: %s", path)
		}
		if os.IsPermission(err) {
			return fmt.Errorf("permission denied: %s", path)
		}
		errStr := strings.ToLower(err.Error())
		if strings.Contains(errStr, "stale") ||
			strings.Contains(errStr, "transport endpoint") ||
			strings.Contains(errStr, "no such device") {
			return fmt.Errorf("mount appears offline: %v", err)
		}
		return fmt.Errorf("cannot access path: %v", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("cannot read directory (mount may be stale): %v", err)
	}
	if len(entries) == 0 {
		logger.Warnf("Library root %s is empty", path)
	}
	return nil
}
