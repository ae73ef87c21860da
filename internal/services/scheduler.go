package services

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hdshock/mangafixer/internal/clock"
	"github.com/hdshock/mangafixer/internal/config"
	"github.com/hdshock/mangafixer/internal/logger"
)

// PassFunc executes one pass.
type PassFunc func(ctx context.Context) error

// Policy decides when passes run. Implementations never run two passes at once.
type Policy interface {
	Run(ctx context.Context, pass PassFunc) error
}

// RunOnce runs a single pass and returns its error.
type RunOnce struct{}

func (RunOnce) Run(ctx context.Context, pass PassFunc) error {
	return pass(ctx)
}

// RunForever runs a pass, waits Interval after it ends, and repeats until ctx
// is cancelled. Failed passes are logged and retried after the next wait.
type RunForever struct {
	Interval time.Duration
	Clock    clock.Clock
	// OnWait, if set, is called before each wait with the time of the next pass.
	OnWait func(next time.Time)
}

func (p RunForever) Run(ctx context.Context, pass PassFunc) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.NewRealClock()
	}

	for {
		if err := pass(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("Pass failed, retrying in %v: %v", p.Interval, err)
		}
		if ctx.Err() != nil {
			return nil
		}

		if p.OnWait != nil {
			p.OnWait(clk.Now().Add(p.Interval))
		}
		logger.Debugf("Next pass in %v", p.Interval)

		select {
		case <-ctx.Done():
			return nil
		case <-clk.After(p.Interval):
		}
	}
}

// CronPolicy runs passes on a standard 5-field cron expression (descriptors
// such as "@hourly" and "@every 10m" are accepted too). A fire that arrives
// while a pass is still running waits for it to finish.
type CronPolicy struct {
	Expr string
	// RunOnStart runs one pass before the first scheduled fire.
	RunOnStart bool
	// OnWait, if set, is called after each pass with the next fire time.
	OnWait func(next time.Time)
	// Clock computes the announced fire times. Firing itself follows cron's wall clock.
	Clock clock.Clock
}

func (p CronPolicy) Run(ctx context.Context, pass PassFunc) error {
	sched, err := cron.ParseStandard(p.Expr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", p.Expr, err)
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.NewRealClock()
	}

	cl := cronLogger{}
	job := cron.NewChain(cron.Recover(cl), cron.DelayIfStillRunning(cl)).Then(cron.FuncJob(func() {
		if err := pass(ctx); err != nil && ctx.Err() == nil {
			logger.Errorf("Scheduled pass failed: %v", err)
		}
		if p.OnWait != nil && ctx.Err() == nil {
			p.OnWait(sched.Next(clk.Now()))
		}
	}))

	if p.RunOnStart {
		job.Run()
		if ctx.Err() != nil {
			return nil
		}
	}

	c := cron.New(cron.WithLogger(cl))
	c.Schedule(sched, job)
	c.Start()
	logger.Infof("Cron schedule %q active, next pass at %s", p.Expr, sched.Next(clk.Now()).Format(time.RFC3339))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger routes robfig/cron's logging into the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debugf("cron: %s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Errorf("cron: %s: %v %v", msg, err, keysAndValues)
}

// NewPolicy selects the policy for cfg.Mode. onWait, if set, is told when
// the next pass of a repeating policy will start.
func NewPolicy(cfg *config.Config, clk clock.Clock, onWait func(next time.Time)) (Policy, error) {
	switch cfg.Mode {
	case config.ModeOnce, "":
		return RunOnce{}, nil
	case config.ModePoll:
		return RunForever{Interval: cfg.PollInterval, Clock: clk, OnWait: onWait}, nil
	case config.ModeCron:
		if _, err := cron.ParseStandard(cfg.CronSchedule); err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.CronSchedule, err)
		}
		return CronPolicy{Expr: cfg.CronSchedule, RunOnStart: true, OnWait: onWait, Clock: clk}, nil
	default:
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
}
