package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Run modes.
const (
	ModeOnce = "once"
	ModePoll = "poll"
	ModeCron = "cron"
)

const (
	// DatabaseFileName is the ledger file inside the data directory.
	DatabaseFileName = "processed_files.db"
	// ActivityLogFileName is the append-only injection log inside the data directory.
	ActivityLogFileName = "process_log.txt"
	// LibraryLocationFileName holds the library root chosen at the first interactive run.
	LibraryLocationFileName = "Manga Library Location"
)

// Config holds all application configuration loaded from environment variables.
// All fields have defaults if the variables are not set.
type Config struct {
	// LibraryDir is the root scanned for .cbz archives. Empty means "ask or read
	// the library location file" (see ResolveLibraryDir).
	LibraryDir string

	// DataDir holds the ledger, the activity log and the library location file.
	// Default: /config in Docker, otherwise the executable's directory.
	DataDir string

	// DatabasePath is the ledger file (default: <DataDir>/processed_files.db)
	DatabasePath string

	// ActivityLogPath is the injection log (default: <DataDir>/process_log.txt)
	ActivityLogPath string

	// ActivityLogMaxBytes is the size above which the activity log is deleted at
	// the start of a pass (default: 50 MiB)
	ActivityLogMaxBytes int64

	// LogDir is the directory for the rotated application log (default: <DataDir>/logs)
	LogDir string

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error" (default: "info")
	LogLevel string

	// Mode selects the run policy: "once", "poll" or "cron" (default: "once")
	Mode string

	// PollInterval is the wait between passes in poll mode (default: 5m)
	PollInterval time.Duration

	// CronSchedule is a standard 5-field cron expression used in cron mode
	CronSchedule string

	// CloseDelay is the countdown shown before exiting in once mode (default: 10s)
	CloseDelay time.Duration

	// HTTPAddr is the listen address of the status API; empty disables it
	HTTPAddr string

	// NotifyURLs are shoutrrr service URLs notified about pass outcomes
	NotifyURLs []string
}

var cfg *Config

// Load reads configuration from environment variables with defaults.
// Should be called once at application startup.
func Load() *Config {
	dataDir := getEnvOrDefault("MANGAFIXER_DATA_DIR", "")
	if dataDir == "" {
		if info, err := os.Stat("/config"); err == nil && info.IsDir() {
			dataDir = "/config"
		} else if execPath, err := os.Executable(); err == nil {
			dataDir = filepath.Dir(execPath)
		} else if cwd, err := os.Getwd(); err == nil {
			dataDir = cwd
		} else {
			dataDir = "."
		}
	}
	if abs, err := filepath.Abs(dataDir); err == nil {
		dataDir = abs
	}

	libraryDir := getEnvOrDefault("MANGAFIXER_LIBRARY", "")
	if libraryDir != "" {
		if abs, err := filepath.Abs(libraryDir); err == nil {
			libraryDir = abs
		}
	}

	cfg = &Config{
		LibraryDir:          libraryDir,
		DataDir:             dataDir,
		DatabasePath:        getEnvOrDefault("MANGAFIXER_DATABASE_PATH", filepath.Join(dataDir, DatabaseFileName)),
		ActivityLogPath:     getEnvOrDefault("MANGAFIXER_ACTIVITY_LOG", filepath.Join(dataDir, ActivityLogFileName)),
		ActivityLogMaxBytes: int64(getEnvIntOrDefault("MANGAFIXER_ACTIVITY_LOG_MAX_BYTES", 50*1024*1024)),
		LogDir:              getEnvOrDefault("MANGAFIXER_LOG_DIR", filepath.Join(dataDir, "logs")),
		LogLevel:            strings.ToLower(getEnvOrDefault("MANGAFIXER_LOG_LEVEL", "info")),
		Mode:                strings.ToLower(getEnvOrDefault("MANGAFIXER_MODE", ModeOnce)),
		PollInterval:        getEnvDurationOrDefault("MANGAFIXER_POLL_INTERVAL", 5*time.Minute),
		CronSchedule:        getEnvOrDefault("MANGAFIXER_CRON", ""),
		CloseDelay:          getEnvDurationOrDefault("MANGAFIXER_CLOSE_DELAY", 10*time.Second),
		HTTPAddr:            getEnvOrDefault("MANGAFIXER_HTTP_ADDR", ""),
		NotifyURLs:          splitList(getEnvOrDefault("MANGAFIXER_NOTIFY_URLS", "")),
	}
	cfg.normalize()

	return cfg
}

// normalize falls back to defaults for invalid enumerations.
func (c *Config) normalize() {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		c.LogLevel = "info"
	}
	switch c.Mode {
	case ModeOnce, ModePoll, ModeCron:
	default:
		c.Mode = ModeOnce
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Minute
	}
}

// LibraryLocationPath is where the interactively chosen library root is persisted.
func (c *Config) LibraryLocationPath() string {
	return filepath.Join(c.DataDir, LibraryLocationFileName)
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to set the global config without calling Load().
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a Config rooted in dir, suitable for unit tests.
func NewTestConfig(dir string) *Config {
	return &Config{
		LibraryDir:          filepath.Join(dir, "library"),
		DataDir:             dir,
		DatabasePath:        filepath.Join(dir, DatabaseFileName),
		ActivityLogPath:     filepath.Join(dir, ActivityLogFileName),
		ActivityLogMaxBytes: 50 * 1024 * 1024,
		LogDir:              filepath.Join(dir, "logs"),
		LogLevel:            "debug",
		Mode:                ModeOnce,
		PollInterval:        5 * time.Minute,
		CloseDelay:          0,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault accepts Go duration strings like "30s", "5m".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// FlagOverrides holds command-line flag values that override environment variables.
type FlagOverrides struct {
	LibraryDir   *string
	DataDir      *string
	DatabasePath *string
	LogLevel     *string
	Mode         *string
	PollInterval *time.Duration
	CronSchedule *string
	CloseDelay   *time.Duration
	HTTPAddr     *string
	NotifyURLs   *string
}

// ApplyFlags applies command-line flag overrides to the configuration.
// Only non-nil, non-zero values override. Changing DataDir moves the derived
// paths that were not set explicitly.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.DataDir != nil && *flags.DataDir != "" {
		dataDir := *flags.DataDir
		if abs, err := filepath.Abs(dataDir); err == nil {
			dataDir = abs
		}
		if cfg.DatabasePath == filepath.Join(cfg.DataDir, DatabaseFileName) {
			cfg.DatabasePath = filepath.Join(dataDir, DatabaseFileName)
		}
		if cfg.ActivityLogPath == filepath.Join(cfg.DataDir, ActivityLogFileName) {
			cfg.ActivityLogPath = filepath.Join(dataDir, ActivityLogFileName)
		}
		if cfg.LogDir == filepath.Join(cfg.DataDir, "logs") {
			cfg.LogDir = filepath.Join(dataDir, "logs")
		}
		cfg.DataDir = dataDir
	}
	if flags.LibraryDir != nil && *flags.LibraryDir != "" {
		libraryDir := *flags.LibraryDir
		if abs, err := filepath.Abs(libraryDir); err == nil {
			libraryDir = abs
		}
		cfg.LibraryDir = libraryDir
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.Mode != nil && *flags.Mode != "" {
		cfg.Mode = strings.ToLower(*flags.Mode)
	}
	if flags.PollInterval != nil && *flags.PollInterval != 0 {
		cfg.PollInterval = *flags.PollInterval
	}
	if flags.CronSchedule != nil && *flags.CronSchedule != "" {
		cfg.CronSchedule = *flags.CronSchedule
		if flags.Mode == nil || *flags.Mode == "" {
			cfg.Mode = ModeCron
		}
	}
	if flags.CloseDelay != nil && *flags.CloseDelay >= 0 {
		cfg.CloseDelay = *flags.CloseDelay
	}
	if flags.HTTPAddr != nil && *flags.HTTPAddr != "" {
		cfg.HTTPAddr = *flags.HTTPAddr
	}
	if flags.NotifyURLs != nil && *flags.NotifyURLs != "" {
		cfg.NotifyURLs = splitList(*flags.NotifyURLs)
	}

	cfg.normalize()
}
