package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileLogging(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "docsync.log")
	logs := Open(Options{File: path})

	logs.New("relay").Println("listening")
	logs.Debug("relay").Println("not written")
	if err := logs.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "[relay] ") || !strings.Contains(out, "listening") {
		t.Errorf("log file = %q", out)
	}
	if strings.Contains(out, "not written") {
		t.Error("debug line written with debug disabled")
	}
}

func TestDebugEnabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	logs := Open(Options{File: path, Debug: true})
	if !logs.DebugEnabled() {
		t.Fatal("DebugEnabled() = false")
	}

	logs.Debug("watcher").Println("queue drained")
	logs.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(data), "[watcher] ") {
		t.Errorf("debug line missing: %q", data)
	}
}

func TestStderrDefault(t *testing.T) {
	logs := Open(Options{})
	if logs.Writer() != os.Stderr {
		t.Error("empty File should log to stderr")
	}
	if err := logs.Close(); err != nil {
		t.Errorf("Close() on stderr logs failed: %v", err)
	}
}
