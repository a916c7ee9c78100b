package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cardsync/cardsync/internal/config"
)

func TestNewOutputStderr(t *testing.T) {
	out := NewOutput(config.LogConfig{})
	if out.Writer != os.Stderr {
		t.Errorf("Writer = %v, want os.Stderr", out.Writer)
	}
	if err := out.Rotate(); err != nil {
		t.Errorf("Rotate() without file failed: %v", err)
	}
	if err := out.Close(); err != nil {
		t.Errorf("Close() without file failed: %v", err)
	}
}

func TestLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "cardsync.log")
	out := NewOutput(config.LogConfig{File: path, MaxSizeMB: 1, Quiet: true})
	defer out.Close()

	out.Logger("sync").Printf("Outbound pass complete: %s", "written=1")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	line := string(data)
	if !strings.HasPrefix(line, "[sync] ") {
		t.Errorf("log line %q lacks component prefix", line)
	}
	if !strings.Contains(line, "Outbound pass complete: written=1") {
		t.Errorf("log line %q lacks message", line)
	}
}

func TestRotateKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cardsync.log")
	out := NewOutput(config.LogConfig{File: path, MaxBackups: 2, Quiet: true})
	defer out.Close()

	out.Logger("daemon").Println("before rotate")
	if err := out.Rotate(); err != nil {
		t.Fatalf("Rotate() failed: %v", err)
	}
	out.Logger("daemon").Println("after rotate")

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("found %d files after rotate, want 2", len(entries))
	}
}
