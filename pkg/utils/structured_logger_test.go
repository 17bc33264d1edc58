package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLogger(t *testing.T, level LogLevel, format LogFormat) (*StructuredLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:  level,
		Output: &buf,
		Format: format,
	})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger, &buf
}

func TestNewStructuredLogger(t *testing.T) {
	logger, _ := newTestLogger(t, DEBUG, FormatText)
	if logger.GetLevel() != DEBUG {
		t.Errorf("Expected DEBUG level, got %v", logger.GetLevel())
	}

	defaults, err := NewStructuredLogger(nil)
	if err != nil {
		t.Fatalf("NewStructuredLogger(nil) error = %v", err)
	}
	if defaults.GetLevel() != INFO {
		t.Errorf("default level = %v, want INFO", defaults.GetLevel())
	}
}

func TestLogLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)

	logger.Debug("debug message")
	if buf.Len() > 0 {
		t.Error("Debug message was logged when level is INFO")
	}

	logger.Info("info message")
	if !strings.Contains(buf.String(), "[INFO] info message") {
		t.Errorf("Info message not found in output: %q", buf.String())
	}

	buf.Reset()
	logger.Error("error message")
	if !strings.Contains(buf.String(), "[ERROR] error message") {
		t.Errorf("Error message not found in output: %q", buf.String())
	}
}

func TestStructuredFields(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatText)

	logger.Info("chunk staged", map[string]interface{}{
		"transfer": "abc",
		"chunk":    2,
		"error":    errors.New("none"),
	})

	out := buf.String()
	if !strings.Contains(out, "{chunk=2, error=none, transfer=abc}") {
		t.Errorf("fields not rendered sorted: %q", out)
	}
}

func TestWithComponent(t *testing.T) {
	logger, buf := newTestLogger(t, DEBUG, FormatText)

	scoped := logger.WithComponent("staging").WithField("namespace", "n1")
	scoped.Info("swept")

	if !strings.Contains(buf.String(), "component=staging") || !strings.Contains(buf.String(), "namespace=n1") {
		t.Errorf("context fields missing: %q", buf.String())
	}

	buf.Reset()
	logger.Info("root")
	if strings.Contains(buf.String(), "component=") {
		t.Errorf("parent logger picked up child fields: %q", buf.String())
	}
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatJSON)

	logger.WithComponent("transfer").Warn("session expired", map[string]interface{}{"id": "s1"})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if entry.Level != "WARN" || entry.Message != "session expired" {
		t.Errorf("unexpected entry: %+v", entry)
	}
	if entry.Fields["component"] != "transfer" || entry.Fields["id"] != "s1" {
		t.Errorf("unexpected fields: %+v", entry.Fields)
	}
}

func TestComponentLevels(t *testing.T) {
	logger, buf := newTestLogger(t, INFO, FormatText)
	logger.SetComponentLevel("reclaim", ERROR)

	reclaim := logger.WithComponent("reclaim")
	reclaim.Info("tick")
	if buf.Len() > 0 {
		t.Errorf("component level not honoured: %q", buf.String())
	}

	reclaim.Error("sweep failed")
	if !strings.Contains(buf.String(), "sweep failed") {
		t.Error("error below component level was dropped")
	}
}

func TestCaller(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{Level: INFO, Output: &buf, IncludeCaller: true})
	if err != nil {
		t.Fatal(err)
	}

	logger.Info("where")
	if !strings.Contains(buf.String(), "structured_logger_test.go:") {
		t.Errorf("caller not reported as test file: %q", buf.String())
	}
}

func TestNopLogger(t *testing.T) {
	logger := NewNopLogger()
	logger.Error("dropped")
	logger.WithComponent("x").Info("dropped")
}

func TestRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.log")
	logger, err := NewStructuredLogger(&StructuredLoggerConfig{
		Level:    INFO,
		Format:   FormatText,
		Rotation: &RotationConfig{Filename: path, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatalf("NewStructuredLogger() error = %v", err)
	}

	logger.Info("to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "to file") {
		t.Errorf("log file content = %q", string(data))
	}
}
