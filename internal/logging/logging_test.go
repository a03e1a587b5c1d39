package logging

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewOperationError(t *testing.T) {
	if NewOperationError("op", "job", nil) != nil {
		t.Fatal("expected nil for a nil cause")
	}

	cause := errors.New("boom")
	err := NewOperationError("jobs.submit", "job-1", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected the cause to be reachable with errors.Is")
	}
	if err.Error() != "jobs.submit (job_id=job-1): boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if got := NewOperationError("jobs.submit", "", cause).Error(); got != "jobs.submit: boom" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detector.log")
	logger, err := NewLogger(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	WithOperation(logger, "test.op", "job-9").Info("hello")
	_ = logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	for _, want := range []string{`"msg":"hello"`, `"operation":"test.op"`, `"job_id":"job-9"`, `"timestamp"`} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("expected %s in log output, got %s", want, data)
		}
	}
}

func TestRotatingFileLimits(t *testing.T) {
	dir := t.TempDir()
	sink := NewRotatingFile(filepath.Join(dir, "detector.log"))
	defer sink.Close()

	if sink.MaxSize != 1 || sink.MaxBackups != 10 {
		t.Fatalf("expected 1 MB files with 10 backups, got %d MB / %d", sink.MaxSize, sink.MaxBackups)
	}

	line := []byte(strings.Repeat("x", 1023) + "\n")
	for i := 0; i < 1200; i++ {
		if _, err := sink.Write(line); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) < 2 {
		t.Fatalf("expected a rotated backup next to the log file, got %d files", len(entries))
	}
	info, err := os.Stat(filepath.Join(dir, "detector.log"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > 1<<20 {
		t.Fatalf("expected the live file to stay under 1 MB, got %d bytes", info.Size())
	}
}

func TestRetryErrorMessage(t *testing.T) {
	cause := errors.New("i/o timeout")
	if NewRetryError("cache.setnx.lock", "job-1", 3, nil) != nil {
		t.Fatal("expected nil for a nil cause")
	}
	err := NewRetryError("cache.setnx.lock", "job-1", 3, cause)
	if got := err.Error(); got != "cache.setnx.lock (job_id=job-1) after 3 attempts: i/o timeout" {
		t.Fatalf("unexpected message %q", got)
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Attempts != 3 || !errors.Is(err, cause) {
		t.Fatalf("expected an OperationError wrapping the cause, got %#v", err)
	}
}
