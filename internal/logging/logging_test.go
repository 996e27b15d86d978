package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerWritesRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "dealwatch.log")
	logger := NewLogger(Config{
		Level: "debug",
		File:  FileConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1, MaxAgeDays: 1},
	})
	route := WithRoute(logger, "IST-JFK")
	route.Debug().Msg("观测已处理")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"route":"IST-JFK"`) || !strings.Contains(line, "观测已处理") {
		t.Fatalf("unexpected log line: %s", line)
	}
}

func TestNewLoggerLevel(t *testing.T) {
	if got := NewLogger(Config{Level: "warn"}).GetLevel(); got != zerolog.WarnLevel {
		t.Fatalf("level = %s", got)
	}
	if got := NewLogger(Config{Level: "bogus"}).GetLevel(); got != zerolog.InfoLevel {
		t.Fatalf("fallback level = %s", got)
	}
}
