package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
	}{
		{name: "nil config", config: nil},
		{name: "debug level", config: &Config{Level: LevelDebug, Output: &bytes.Buffer{}}},
		{name: "error level", config: &Config{Level: LevelError, Output: &bytes.Buffer{}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil {
				t.Fatal("NewLogger() returned nil")
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	if buf.Len() != 0 {
		t.Errorf("expected no output below configured level, got: %s", buf.String())
	}

	logger.Warn("commit stalled", "outstanding", 3)
	output := buf.String()
	if !strings.Contains(output, "commit stalled") {
		t.Errorf("expected warn message in output, got: %s", output)
	}
	if !strings.Contains(output, "outstanding=3") {
		t.Errorf("expected key=value formatting, got: %s", output)
	}
}

func TestLoggerFormatsMultipleArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("installed transaction", "blocks", 4, "lsn", 17)
	output := buf.String()
	if !strings.Contains(output, "blocks=4 lsn=17") {
		t.Errorf("expected ordered key=value pairs, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("electing copier", "thread", 2)
	if !strings.Contains(buf.String(), "electing copier") {
		t.Errorf("expected debug message, got: %s", buf.String())
	}

	buf.Reset()
	Error("device io failure", "blockno", 9)
	if !strings.Contains(buf.String(), "device io failure") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}
