// Package console renders the human-facing terminal output: the banner, the
// single-line progress bar, pass summaries and countdowns. Diagnostics go
// through the logger; this package only draws.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/hdshock/mangafixer/internal/clock"
	"github.com/hdshock/mangafixer/internal/domain"
	"github.com/hdshock/mangafixer/internal/eventbus"
	"github.com/hdshock/mangafixer/internal/logger"
)

const (
	// Title is printed at the top of every screen.
	Title = "Manga Metadata Fixer by HDShock"

	barWidth = 40
	// plainStep is the percentage step between progress lines when the
	// output is not a terminal.
	plainStep = 10
)

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ProgressBar renders "[####----] 50.00% (5/10)".
func ProgressBar(done, total int64, width int) string {
	fraction := domain.ProgressData{Done: done, Total: total}.Fraction()
	fraction = min(max(fraction, 0), 1)
	filled := int(fraction * float64(width))
	return fmt.Sprintf("[%s%s] %.2f%% (%d/%d)",
		strings.Repeat("#", filled), strings.Repeat("-", width-filled),
		fraction*100, done, total)
}

// Console draws on one writer. On a terminal the progress bar redraws a
// single line and the logger's console output is muted while a pass runs;
// otherwise progress is printed as plain lines.
type Console struct {
	out         io.Writer
	interactive bool
	clock       clock.Clock

	mu          sync.Mutex
	activePass  string
	endedPass   string
	lastPercent int
	drawn       bool
}

// New creates a Console on out. Terminal detection uses IsTerminal.
func New(out io.Writer, clk clock.Clock) *Console {
	return NewWithMode(out, clk, IsTerminal(out))
}

// NewWithMode creates a Console with explicit terminal behaviour.
func NewWithMode(out io.Writer, clk clock.Clock, interactive bool) *Console {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Console{out: out, interactive: interactive, clock: clk}
}

// Interactive reports whether the console draws for a terminal.
func (c *Console) Interactive() bool {
	return c.interactive
}

// Attach subscribes the progress renderer to pass progress events.
func (c *Console) Attach(eb eventbus.Publisher) {
	eb.Subscribe(domain.PassProgress, c.handleProgress)
}

func (c *Console) printf(format string, args ...interface{}) {
	fmt.Fprintf(c.out, format, args...)
}

// Banner prints the title, the library root and where the activity log lives.
func (c *Console) Banner(root, activityLog string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("%s\n\nLibrary: %s\nLog file location: %s\n\n", Title, root, activityLog)
}

// FirstRun announces that the ledger is being built from scratch.
func (c *Console) FirstRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("First run - Building Database! (This could take a while)\n")
}

// BeginPass prints the pass header.
func (c *Console) BeginPass() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("Scanning New Manga...\n")
}

func (c *Console) handleProgress(ev domain.Event) {
	p, ok := ev.ParseProgressData()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// progress can trail the pass summary because event types are delivered
	// on separate goroutines
	if ev.AggregateID == c.endedPass {
		return
	}
	if ev.AggregateID != c.activePass {
		c.activePass = ev.AggregateID
		c.lastPercent = -1
		if c.interactive {
			logger.SetConsole(io.Discard)
		}
	}

	if c.interactive {
		c.printf("\r%s", ProgressBar(p.Done, p.Total, barWidth))
		c.drawn = true
		return
	}

	step := int(p.Fraction()*100) / plainStep * plainStep
	if step <= c.lastPercent {
		return
	}
	c.lastPercent = step
	c.printf("Progress: %s\n", ProgressBar(p.Done, p.Total, barWidth))
}

// Summary describes a finished pass. It ends the progress display for passID
// and gives the console back to the logger.
type Summary struct {
	PassID         string
	Candidates     int
	Added          int
	AlreadyPresent int
	Failed         int
	Duration       time.Duration
	Err            error
}

// EndPass finishes the progress line and prints the outcome.
func (c *Console) EndPass(s Summary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.drawn {
		c.printf("\n")
		c.drawn = false
	}
	if c.interactive && c.activePass != "" {
		logger.SetConsole(c.out)
	}
	c.activePass = ""
	c.endedPass = s.PassID

	if s.Err != nil {
		c.printf("\nMANGA SCAN FAILED: %v\n", s.Err)
		return
	}
	c.printf("\nMANGA SCAN COMPLETED SUCCESSFULLY\n")
	c.printf("Archives checked: %d  Added: %d  Already present: %d  Failed: %d  (%s)\n",
		s.Candidates, s.Added, s.AlreadyPresent, s.Failed, s.Duration.Round(time.Millisecond))
	c.printf("\n-When the log file exceeds 50MB it will be deleted!-\n")
}

// FormatRemaining renders d as "M minutes and S seconds".
func FormatRemaining(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	return fmt.Sprintf("%d minutes and %d seconds", secs/60, secs%60)
}

// NextRun announces when the next pass starts.
func (c *Console) NextRun(next time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.printf("\nNext Run:\nTime remaining: %s\n", FormatRemaining(next.Sub(c.clock.Now())))
}

// Countdown prints "<label> N seconds..." once per second for d, counting
// down. It returns early with ctx's error when ctx is cancelled.
func (c *Console) Countdown(ctx context.Context, label string, d time.Duration) error {
	secs := int(d / time.Second)
	for remaining := secs; remaining > 0; remaining-- {
		c.mu.Lock()
		if c.interactive {
			c.printf("\r%s %d seconds... ", label, remaining)
		} else {
			c.printf("%s %d seconds...\n", label, remaining)
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			if c.interactive {
				c.printf("\n")
			}
			return ctx.Err()
		case <-c.clock.After(time.Second):
		}
	}
	if c.interactive && secs > 0 {
		c.printf("\n")
	}
	return nil
}
