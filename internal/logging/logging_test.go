package logging_test

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sweeney/ivr-mqtt/internal/logging"
)

func TestNewLevels(t *testing.T) {
	log, err := logging.New("warn", "json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.Core().Enabled(zapcore.InfoLevel) {
		t.Error("expected info disabled at warn level")
	}
	if !log.Core().Enabled(zapcore.WarnLevel) {
		t.Error("expected warn enabled")
	}

	if _, err := logging.New("console-ish", "json"); err == nil {
		t.Error("expected error for bad level")
	}
	if _, err := logging.New("info", "xml"); err == nil {
		t.Error("expected error for bad format")
	}
}

func TestCriticalTagsSeverity(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logging.Critical(zap.New(core), "allow-list is empty", zap.String("to", "+15551230000"))

	entries := logs.FilterMessage("allow-list is empty").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.Level != zapcore.ErrorLevel {
		t.Errorf("expected error level, got %s", e.Level)
	}
	fields := e.ContextMap()
	if fields["severity"] != logging.SeverityCritical || fields["to"] != "+15551230000" {
		t.Errorf("unexpected fields %v", fields)
	}
}

func TestOrNop(t *testing.T) {
	if logging.OrNop(nil) == nil {
		t.Fatal("expected a logger")
	}
}
