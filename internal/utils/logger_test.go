package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// resetLogger replaces the singleton with one writing to a buffer
func resetLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	buf := &bytes.Buffer{}
	once = sync.Once{}
	loggerInstance = nil
	GetLogger().SetOutput(buf)
	t.Cleanup(func() {
		once = sync.Once{}
		loggerInstance = nil
	})
	return buf
}

// TestGetLogger verifies singleton pattern - same instance returned
func TestGetLogger(t *testing.T) {
	if GetLogger() != GetLogger() {
		t.Error("GetLogger() should return same singleton instance")
	}
}

// TestSetVerboseMode verifies SetVerboseMode changes verbose state
func TestSetVerboseMode(t *testing.T) {
	resetLogger(t)

	if GetLogger().IsVerbose() {
		t.Error("Logger should have verbose=false by default")
	}
	SetVerboseMode(true)
	if !GetLogger().IsVerbose() {
		t.Error("SetVerboseMode(true) should enable verbose mode")
	}
	SetVerboseMode(false)
	if GetLogger().IsVerbose() {
		t.Error("SetVerboseMode(false) should disable verbose mode")
	}
}

// TestDebugOnlyShownWhenVerbose verifies debug output is gated by verbose mode
func TestDebugOnlyShownWhenVerbose(t *testing.T) {
	buf := resetLogger(t)

	Debugf("hidden %d", 1)
	if strings.Contains(buf.String(), "hidden") {
		t.Errorf("debug output shown without verbose: %q", buf.String())
	}

	SetVerboseMode(true)
	GetLogger().Debug("sync cycle", "op_id", 42)
	out := buf.String()
	if !strings.Contains(out, "sync cycle") || !strings.Contains(out, "op_id=42") {
		t.Errorf("verbose debug output = %q", out)
	}
}

// TestInfoWarnErrorAlwaysShown verifies non-debug levels ignore verbose mode
func TestInfoWarnErrorAlwaysShown(t *testing.T) {
	buf := resetLogger(t)

	Infof("info %s", "one")
	Warnf("warn %s", "two")
	Errorf("error %s", "three")
	GetLogger().Warn("structured", "status", 503)

	out := buf.String()
	for _, want := range []string{"info one", "warn two", "error three", "status=503"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %q", want, out)
		}
	}
}

// TestLoggerThreadSafety verifies concurrent logging and toggling do not race
func TestLoggerThreadSafety(t *testing.T) {
	resetLogger(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			Infof("message %d", n)
		}(i)
		go func(n int) {
			defer wg.Done()
			SetVerboseMode(n%2 == 0)
		}(i)
	}
	wg.Wait()
}

// TestBackgroundLoggerWritesFile verifies the rotating file receives messages
func TestBackgroundLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "daemon.log")
	bl, err := NewBackgroundLogger(path, false)
	if err != nil {
		t.Fatalf("NewBackgroundLogger error: %v", err)
	}

	bl.Info("wake-up", "processed", 3)
	bl.Debug("not written")
	if err := bl.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	content, err := os.ReadFile(bl.GetLogPath())
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "wake-up") || !strings.Contains(string(content), "processed=3") {
		t.Errorf("log file = %q", content)
	}
	if strings.Contains(string(content), "not written") {
		t.Error("debug message written without verbose")
	}
}

// TestBackgroundLoggerDefaultPath verifies the per-process default path
func TestBackgroundLoggerDefaultPath(t *testing.T) {
	path := DefaultBackgroundLogPath()
	if !strings.HasPrefix(path, os.TempDir()) || !strings.HasSuffix(path, ".log") {
		t.Errorf("DefaultBackgroundLogPath = %q", path)
	}
}
