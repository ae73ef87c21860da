package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hdshock/mangafixer/internal/logger"
)

// MaxRetries is the number of attempts for an operation failing with SQLITE_BUSY.
const MaxRetries = 5

// RetryDelay is the base delay between attempts; it doubles each time.
var RetryDelay = 100 * time.Millisecond

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// withRetry runs op until it succeeds, fails with a non-busy error, the
// attempts are exhausted, or ctx is done.
func withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if attempt == MaxRetries-1 {
			break
		}

		// 100ms, 200ms, 400ms, 800ms
		delay := RetryDelay * time.Duration(1<<attempt)
		logger.Debugf("Ledger busy, retrying in %v (attempt %d/%d)", delay, attempt+1, MaxRetries)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}
