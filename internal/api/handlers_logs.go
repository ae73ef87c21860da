package api

import (
	"archive/zip"
	"bufio"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hdshock/mangafixer/internal/activitylog"
	"github.com/hdshock/mangafixer/internal/config"
	"github.com/hdshock/mangafixer/internal/logger"
)

// recentLogLines is how many application log lines /api/logs/recent returns.
const recentLogLines = 100

// handleActivity pages through the activity log, newest entry first.
func (s *RESTServer) handleActivity(c *gin.Context) {
	if s.activity == nil {
		respondServiceUnavailable(c, "Activity log")
		return
	}

	entries, err := s.activity.Entries()
	if err != nil {
		respondWithError(c, http.StatusInternalServerError, ErrMsgReadLogFailed, err)
		return
	}

	p := ParsePagination(c, DefaultPaginationConfig())
	page := make([]activitylog.Entry, 0, p.Limit)
	for i := len(entries) - 1 - p.Offset; i >= 0 && len(page) < p.Limit; i-- {
		page = append(page, entries[i])
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       page,
		"pagination": NewPaginationResponse(p, len(entries)),
	})
}

func (s *RESTServer) handleRecentLogs(c *gin.Context) {
	logFile := filepath.Join(config.Get().LogDir, logger.FileName)

	file, err := os.Open(logFile)
	if err != nil {
		// If log file doesn't exist yet, return empty array
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, []logger.LogEntry{})
			return
		}
		respondWithError(c, http.StatusInternalServerError, ErrMsgReadLogFailed, err)
		return
	}
	defer file.Close()

	// keep a ring of the last recentLogLines lines
	lines := make([]string, 0, recentLogLines)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if len(lines) == recentLogLines {
			lines = append(lines[:0], lines[1:]...)
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		respondWithError(c, http.StatusInternalServerError, ErrMsgReadLogFailed, err)
		return
	}

	entries := make([]logger.LogEntry, 0, len(lines))
	for _, line := range lines {
		if entry, ok := parseLogLine(line); ok {
			entries = append(entries, entry)
		}
	}

	c.JSON(http.StatusOK, entries)
}

// parseLogLine reads "timestamp [LEVEL] message".
func parseLogLine(line string) (logger.LogEntry, bool) {
	if strings.TrimSpace(line) == "" {
		return logger.LogEntry{}, false
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 3 || !strings.HasPrefix(parts[1], "[") {
		return logger.LogEntry{}, false
	}
	return logger.LogEntry{
		Timestamp: parts[0],
		Level:     logger.LogLevel(strings.Trim(parts[1], "[]")),
		Message:   parts[2],
	}, true
}

func (s *RESTServer) handleDownloadLogs(c *gin.Context) {
	c.Header("Content-Disposition", "attachment; filename=mangafixer_logs.zip")
	c.Header("Content-Type", "application/zip")

	zipWriter := zip.NewWriter(c.Writer)
	defer zipWriter.Close()

	err := filepath.Walk(config.Get().LogDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		// .txt opens with a double click on Windows
		baseName := filepath.Base(path)
		if strings.HasSuffix(baseName, ".log") {
			baseName = strings.TrimSuffix(baseName, ".log") + ".txt"
		}
		header.Name = baseName
		header.Method = zip.Deflate

		writer, err := zipWriter.CreateHeader(header)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})

	if err != nil {
		logger.Errorf("Failed to zip logs: %v", err)
	}
}
