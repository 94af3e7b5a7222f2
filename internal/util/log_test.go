package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger("debug")
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}

	logger = NewLogger("invalid")
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", logger.GetLevel())
	}

	logger = NewLogger("")
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info for empty level, got %s", logger.GetLevel())
	}
}

func TestNewLoggerFansOut(t *testing.T) {
	var a, b bytes.Buffer
	logger := NewLogger("info", &a, &b)
	logger.Info().Str("symbol", "SBIN").Msg("entry placed")

	for i, buf := range []*bytes.Buffer{&a, &b} {
		if !strings.Contains(buf.String(), "SBIN") {
			t.Fatalf("writer %d missing log line: %q", i, buf.String())
		}
	}
}
