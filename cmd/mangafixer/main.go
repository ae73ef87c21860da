package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hdshock/mangafixer/internal/activitylog"
	"github.com/hdshock/mangafixer/internal/api"
	"github.com/hdshock/mangafixer/internal/archive"
	"github.com/hdshock/mangafixer/internal/config"
	"github.com/hdshock/mangafixer/internal/console"
	"github.com/hdshock/mangafixer/internal/eventbus"
	"github.com/hdshock/mangafixer/internal/logger"
	"github.com/hdshock/mangafixer/internal/metrics"
	"github.com/hdshock/mangafixer/internal/notifier"
	"github.com/hdshock/mangafixer/internal/services"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Define command line flags (these override environment variables)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")

	// Configuration flags - all can also be set via environment variables (MANGAFIXER_*)
	flagLibrary := flag.String("library", "", "Manga library root (env: MANGAFIXER_LIBRARY)")
	flagDataDir := flag.String("data-dir", "", "Directory for the ledger, activity log and library location file (env: MANGAFIXER_DATA_DIR)")
	flagDatabasePath := flag.String("database-path", "", "Ledger database path (env: MANGAFIXER_DATABASE_PATH)")
	flagLogLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (env: MANGAFIXER_LOG_LEVEL, default: info)")
	flagMode := flag.String("mode", "", "Run mode: once, poll, cron (env: MANGAFIXER_MODE, default: once)")
	flagInterval := flag.Duration("interval", 0, "Wait between passes in poll mode (env: MANGAFIXER_POLL_INTERVAL, default: 5m)")
	flagCron := flag.String("cron", "", "Cron schedule, implies -mode cron (env: MANGAFIXER_CRON)")
	flagCloseDelay := flag.Duration("close-delay", -1, "Countdown before exiting in once mode (env: MANGAFIXER_CLOSE_DELAY, default: 10s)")
	flagHTTPAddr := flag.String("http", "", "Status API listen address, e.g. :8080 (env: MANGAFIXER_HTTP_ADDR, default: disabled)")
	flagNotify := flag.String("notify", "", "Comma-separated shoutrrr URLs (env: MANGAFIXER_NOTIFY_URLS)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("MangaFixer %s\n", config.Version)
		return 0
	}

	config.Load()
	config.ApplyFlags(config.FlagOverrides{
		LibraryDir:   flagLibrary,
		DataDir:      flagDataDir,
		DatabasePath: flagDatabasePath,
		LogLevel:     flagLogLevel,
		Mode:         flagMode,
		PollInterval: flagInterval,
		CronSchedule: flagCron,
		CloseDelay:   flagCloseDelay,
		HTTPAddr:     flagHTTPAddr,
		NotifyURLs:   flagNotify,
	})
	cfg := config.Get()

	if err := logger.Init(cfg.LogDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize file logging: %v\n", err)
	}
	defer logger.Close()
	logger.SetLevel(cfg.LogLevel)

	// Only prompt for the library when someone can answer
	var prompt *os.File
	if console.IsTerminal(os.Stdin) {
		prompt = os.Stdin
	}
	var root string
	var err error
	if prompt != nil {
		root, err = cfg.ResolveLibraryDir(prompt, os.Stdout)
	} else {
		root, err = cfg.ResolveLibraryDir(nil, nil)
	}
	if err != nil {
		logger.Errorf("Cannot determine the manga library: %v (set MANGAFIXER_LIBRARY or -library)", err)
		return 1
	}

	logger.Infof("Starting MangaFixer %s", config.Version)
	logger.Infof("Configuration:")
	logger.Infof("  Library: %s", root)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Ledger: %s", cfg.DatabasePath)
	logger.Infof("  Activity Log: %s", cfg.ActivityLogPath)
	logger.Infof("  Log Directory: %s", cfg.LogDir)
	logger.Infof("  Mode: %s", cfg.Mode)
	logger.Infof("  Workers: %d", services.WorkerCount())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eb := eventbus.NewEventBus()

	metricsService := metrics.NewMetricsService(eb)
	metricsService.Start()

	notifierService := notifier.NewNotifier(eb, cfg.NotifyURLs)
	notifierService.Start()
	// the bus drains queued pass outcomes first, then the sends they started finish
	defer func() {
		eb.Shutdown()
		notifierService.Wait()
	}()

	out := console.New(os.Stdout, nil)
	out.Attach(eb)

	activity := activitylog.New(cfg.ActivityLogPath, nil)
	mutator := archive.NewMutator(activity, nil)
	scanner := services.NewScannerService(root, mutator, eb, nil)

	runner := services.NewPassRunner(scanner, activity, cfg.ActivityLogMaxBytes, cfg.DatabasePath, eb)
	runner.OnFirstRun = out.FirstRun
	runner.OnPassDone = func(result *services.PassResult, err error) {
		out.EndPass(summaryOf(result, err))
	}

	var apiServer *api.RESTServer
	if cfg.HTTPAddr != "" {
		apiServer = api.NewRESTServer(api.ServerDeps{
			EventBus:    eb,
			Scanner:     scanner,
			Trigger:     runner.Run,
			Notifier:    notifierService,
			Metrics:     metricsService,
			Activity:    activity,
			BaseContext: ctx,
		})
		go func() {
			if err := apiServer.Start(cfg.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Status API stopped: %v", err)
			}
		}()
		logger.Infof("Status API listening on %s", cfg.HTTPAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := apiServer.Shutdown(shutdownCtx); err != nil {
				logger.Errorf("Status API shutdown error: %v", err)
			}
		}()
	}

	policy, err := services.NewPolicy(cfg, nil, func(next time.Time) {
		out.NextRun(next)
		if apiServer != nil {
			apiServer.SetNextPass(next)
		}
	})
	if err != nil {
		logger.Errorf("Invalid schedule: %v", err)
		return 1
	}

	out.Banner(root, activity.Path())

	err = policy.Run(ctx, func(ctx context.Context) error {
		out.BeginPass()
		return runner.Run(ctx)
	})

	if ctx.Err() != nil {
		logger.Infof("Received shutdown signal, exiting")
		return 0
	}

	if cfg.Mode == config.ModeOnce && out.Interactive() && cfg.CloseDelay > 0 {
		_ = out.Countdown(ctx, "Closing in", cfg.CloseDelay)
	}

	if err != nil {
		logger.Errorf("Pass failed: %v", err)
		return 1
	}
	return 0
}

func summaryOf(result *services.PassResult, err error) console.Summary {
	if result == nil {
		return console.Summary{Err: err}
	}
	return console.Summary{
		PassID:         result.ID,
		Candidates:     result.Candidates,
		Added:          result.Added,
		AlreadyPresent: result.AlreadyPresent,
		Failed:         result.Failed,
		Duration:       result.Duration(),
		Err:            err,
	}
}
