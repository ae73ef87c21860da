package api

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/hdshock/mangafixer/internal/config"
	"github.com/hdshock/mangafixer/internal/services"
)

// formatUptime returns a human-readable uptime string
func formatUptime(uptime time.Duration) string {
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// handleHealth reports "healthy", "degraded" (the last pass failed) or
// "unhealthy" (the library root is gone). Only unhealthy answers 503.
func (s *RESTServer) handleHealth(c *gin.Context) {
	libraryOK := services.VerifyPathAccessible(s.scanner.Root()) == nil

	ledger := gin.H{"path": config.Get().DatabasePath, "present": false}
	if info, err := os.Stat(config.Get().DatabasePath); err == nil {
		ledger["present"] = true
		ledger["size_bytes"] = info.Size()
	}

	if last := s.scanner.LastResult(); last != nil {
		ledger["entries"] = last.LedgerEntries
	}

	status := "healthy"
	code := http.StatusOK
	health := gin.H{
		"version":           config.Version,
		"uptime":            formatUptime(time.Since(s.startTime)),
		"library":           gin.H{"path": s.scanner.Root(), "accessible": libraryOK},
		"ledger":            ledger,
		"pass_running":      s.scanner.IsRunning(),
		"websocket_clients": s.hub.ClientCount(),
	}

	if last := s.scanner.LastResult(); last != nil && last.Error != "" {
		status = "degraded"
		health["last_pass_error"] = last.Error
	}
	if !libraryOK {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	health["status"] = status

	c.JSON(code, health)
}

// SystemInfo contains runtime environment information
type SystemInfo struct {
	Version     string           `json:"version"`
	Environment string           `json:"environment"` // "docker" or "native"
	OS          string           `json:"os"`
	Arch        string           `json:"arch"`
	GoVersion   string           `json:"go_version"`
	NumCPU      int              `json:"num_cpu"`
	Workers     int              `json:"workers"`
	Uptime      string           `json:"uptime"`
	UptimeSecs  int64            `json:"uptime_seconds"`
	StartedAt   time.Time        `json:"started_at"`
	Config      SystemConfigInfo `json:"config"`
}

// SystemConfigInfo contains configuration details
type SystemConfigInfo struct {
	LibraryDir      string `json:"library_dir"`
	DataDir         string `json:"data_dir"`
	DatabasePath    string `json:"database_path"`
	ActivityLogPath string `json:"activity_log_path"`
	LogDir          string `json:"log_dir"`
	LogLevel        string `json:"log_level"`
	Mode            string `json:"mode"`
	PollInterval    string `json:"poll_interval"`
	CronSchedule    string `json:"cron_schedule,omitempty"`
	Notifications   int    `json:"notification_services"`
}

func (s *RESTServer) handleSystemInfo(c *gin.Context) {
	cfg := config.Get()
	uptime := time.Since(s.startTime)

	environment := "native"
	if isDockerEnvironment() {
		environment = "docker"
	}

	c.JSON(http.StatusOK, SystemInfo{
		Version:     config.Version,
		Environment: environment,
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		GoVersion:   runtime.Version(),
		NumCPU:      runtime.NumCPU(),
		Workers:     services.WorkerCount(),
		Uptime:      formatUptime(uptime),
		UptimeSecs:  int64(uptime.Seconds()),
		StartedAt:   s.startTime,
		Config: SystemConfigInfo{
			LibraryDir:      s.scanner.Root(),
			DataDir:         cfg.DataDir,
			DatabasePath:    cfg.DatabasePath,
			ActivityLogPath: cfg.ActivityLogPath,
			LogDir:          cfg.LogDir,
			LogLevel:        cfg.LogLevel,
			Mode:            cfg.Mode,
			PollInterval:    cfg.PollInterval.String(),
			CronSchedule:    cfg.CronSchedule,
			Notifications:   len(cfg.NotifyURLs),
		},
	})
}

// isDockerEnvironment checks if we're running inside a container
func isDockerEnvironment() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		if strings.Contains(content, "docker") || strings.Contains(content, "containerd") {
			return true
		}
	}
	// podman
	if _, err := os.Stat("/run/.containerenv"); err == nil {
		return true
	}
	return false
}
