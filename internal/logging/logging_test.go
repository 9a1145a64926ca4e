package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestCensor(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	censor := NewCensor(false)
	logger.Info("plain", censor.String("text", "hello there"))

	censor.SetEnabled(true)
	logger.Info("hidden", censor.String("text", "hello there"))

	entries := logs.All()
	if got := entries[0].ContextMap()["text"]; got != "hello there" {
		t.Errorf("Expected plain text, got %v", got)
	}
	if got := entries[1].ContextMap()["text"]; got != "<censored 11 chars>" {
		t.Errorf("Expected censored text, got %v", got)
	}

	var nilCensor *Censor
	if nilCensor.Enabled() {
		t.Error("Expected nil censor to be disabled")
	}
}

func TestNewWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxlink.log")
	logger, level, err := New(Config{Level: "warn", File: path})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	logger.Info("dropped")
	logger.Warn("kept")
	level.SetLevel(zapcore.InfoLevel)
	logger.Info("now kept")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected log file, got %v", err)
	}
	content := string(data)
	if strings.Contains(content, `"dropped"`) {
		t.Error("Expected info entry below warn to be dropped")
	}
	if !strings.Contains(content, `"kept"`) || !strings.Contains(content, `"now kept"`) {
		t.Errorf("Expected entries in file, got %s", content)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}); err == nil {
		t.Error("Expected error for invalid level")
	}
}
