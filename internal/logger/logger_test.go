package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// resetListeners swaps in an empty listener list and restores the old one on cleanup.
func resetListeners(t *testing.T) {
	t.Helper()
	original := listeners
	originalLevel := minLevel
	listeners = make([]chan LogEntry, 0)
	t.Cleanup(func() {
		listeners = original
		minLevel = originalLevel
	})
}

// =============================================================================
// Level tests
// =============================================================================

func TestLevelPriority(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected int
	}{
		{Debug, 0},
		{Info, 1},
		{Warn, 2},
		{Error, 3},
		{LogLevel("unknown"), 1},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			if got := levelPriority(tt.level); got != tt.expected {
				t.Errorf("levelPriority(%s) = %d, want %d", tt.level, got, tt.expected)
			}
		})
	}
}

func TestSetLevel(t *testing.T) {
	resetListeners(t)

	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", Debug},
		{"info", Info},
		{"warn", Warn},
		{"error", Error},
		{"verbose", Info},
		{"", Info},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			SetLevel(tt.input)
			if Level() != tt.expected {
				t.Errorf("SetLevel(%q): level = %s, want %s", tt.input, Level(), tt.expected)
			}
		})
	}
}

// =============================================================================
// Subscribe/Unsubscribe tests
// =============================================================================

func TestSubscribe_Unsubscribe(t *testing.T) {
	resetListeners(t)

	ch1 := Subscribe()
	ch2 := Subscribe()
	if len(listeners) != 2 {
		t.Fatalf("Expected 2 listeners, got %d", len(listeners))
	}

	Unsubscribe(ch1)
	if len(listeners) != 1 || listeners[0] != ch2 {
		t.Fatal("Unsubscribe removed the wrong listener")
	}

	if _, ok := <-ch1; ok {
		t.Error("Channel should be closed after unsubscribe")
	}

	// unknown channel is a no-op
	Unsubscribe(make(chan LogEntry))
	if len(listeners) != 1 {
		t.Error("Unsubscribing an unknown channel should not change listeners")
	}
}

func TestBroadcast_DropsWhenFull(t *testing.T) {
	resetListeners(t)
	ch := Subscribe()

	for i := 0; i < cap(ch); i++ {
		broadcast(LogEntry{Message: "fill"})
	}

	done := make(chan struct{})
	go func() {
		broadcast(LogEntry{Message: "overflow"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("broadcast() blocked on a full subscriber")
	}
}

// =============================================================================
// Log tests
// =============================================================================

func TestLog_Filtering(t *testing.T) {
	resetListeners(t)
	ch := Subscribe()

	tests := []struct {
		name      string
		minLevel  LogLevel
		logLevel  LogLevel
		expectMsg bool
	}{
		{"debug at debug level", Debug, Debug, true},
		{"debug at info level", Info, Debug, false},
		{"warn at info level", Info, Warn, true},
		{"warn at error level", Error, Warn, false},
		{"error at error level", Error, Error, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			minLevel = tt.minLevel
			for len(ch) > 0 {
				<-ch
			}

			Log(tt.logLevel, "test message")

			select {
			case <-ch:
				if !tt.expectMsg {
					t.Error("Message should have been filtered")
				}
			case <-time.After(50 * time.Millisecond):
				if tt.expectMsg {
					t.Error("Message should have been received")
				}
			}
		})
	}
}

func TestLevelHelpers(t *testing.T) {
	resetListeners(t)
	minLevel = Debug
	ch := Subscribe()

	helpers := []struct {
		fn    func(string, ...interface{})
		level LogLevel
	}{
		{Debugf, Debug},
		{Infof, Info},
		{Warnf, Warn},
		{Errorf, Error},
	}

	for _, h := range helpers {
		h.fn("value %d", 7)
		select {
		case entry := <-ch:
			if entry.Level != h.level {
				t.Errorf("got level %s, want %s", entry.Level, h.level)
			}
			if entry.Message != "value 7" {
				t.Errorf("Message = %q, want %q", entry.Message, "value 7")
			}
		case <-time.After(100 * time.Millisecond):
			t.Errorf("no entry for level %s", h.level)
		}
	}
}

// =============================================================================
// File sink tests
// =============================================================================

func TestInit_WritesToFile(t *testing.T) {
	resetListeners(t)
	logDir := filepath.Join(t.TempDir(), "nested", "logs")

	SetConsole(io.Discard)
	t.Cleanup(func() { SetConsole(os.Stdout) })

	if err := Init(logDir); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if GetLogDir() != logDir {
		t.Errorf("GetLogDir() = %q, want %q", GetLogDir(), logDir)
	}

	Infof("unique-message-%d", 4242)
	if err := Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	content, err := os.ReadFile(filepath.Join(logDir, FileName))
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "[INFO] unique-message-4242") {
		t.Errorf("log file missing entry, got %q", content)
	}
	if GetLogDir() != "" {
		t.Error("GetLogDir() should be empty after Close")
	}
}
