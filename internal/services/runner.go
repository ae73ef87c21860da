package services

import (
	"context"
	"errors"

	"github.com/hdshock/mangafixer/internal/activitylog"
	"github.com/hdshock/mangafixer/internal/domain"
	"github.com/hdshock/mangafixer/internal/eventbus"
	"github.com/hdshock/mangafixer/internal/ledger"
	"github.com/hdshock/mangafixer/internal/logger"
)

// PassRunner wraps a ScannerService with the per-pass housekeeping: the
// activity log cap and a freshly opened ledger for every pass.
type PassRunner struct {
	scanner     *ScannerService
	activity    *activitylog.Log
	maxLogBytes int64
	dbPath      string
	eventBus    eventbus.Publisher

	// OnFirstRun is called when the ledger database was just created.
	OnFirstRun func()
	// OnPassDone is called after every pass with its result (nil if the
	// ledger could not be opened) and error.
	OnPassDone func(*PassResult, error)
}

// NewPassRunner creates a runner. activity may be nil to skip the log cap.
func NewPassRunner(scanner *ScannerService, activity *activitylog.Log, maxLogBytes int64, dbPath string, eb eventbus.Publisher) *PassRunner {
	return &PassRunner{
		scanner:     scanner,
		activity:    activity,
		maxLogBytes: maxLogBytes,
		dbPath:      dbPath,
		eventBus:    eb,
	}
}

// Run performs one pass. It matches the signature Policy expects. A call that
// overlaps a running pass returns ErrPassInProgress without touching the
// ledger or calling OnPassDone.
func (r *PassRunner) Run(ctx context.Context) error {
	result, err := r.run(ctx)
	if errors.Is(err, ErrPassInProgress) {
		return err
	}
	if r.OnPassDone != nil {
		r.OnPassDone(result, err)
	}
	return err
}

func (r *PassRunner) run(ctx context.Context) (*PassResult, error) {
	if r.scanner.IsRunning() {
		return nil, ErrPassInProgress
	}

	if r.activity != nil {
		if _, err := r.activity.EnforceCap(r.maxLogBytes); err != nil {
			logger.Warnf("Activity log cap check failed: %v", err)
		}
	}

	led, err := ledger.Open(r.dbPath)
	if err != nil {
		logger.Errorf("Cannot open ledger %s: %v", r.dbPath, err)
		if r.eventBus != nil {
			_ = r.eventBus.Publish(domain.NewPassEvent(domain.PassFailed, "", map[string]interface{}{
				"root":  r.scanner.Root(),
				"error": err.Error(),
			}))
		}
		return nil, err
	}
	defer func() {
		if cerr := led.GracefulClose(); cerr != nil {
			logger.Warnf("Closing ledger: %v", cerr)
		}
	}()

	if led.FirstRun() {
		logger.Infof("First run: created ledger at %s", r.dbPath)
		if r.OnFirstRun != nil {
			r.OnFirstRun()
		}
	}

	return r.scanner.RunPass(ctx, led)
}
