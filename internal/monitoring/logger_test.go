package monitoring

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSetLogger(t *testing.T) {
	// Save original logger
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// Now set to nil and verify it doesn't call our logger
	called = false
	SetLogger(nil)
	Logf("test")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestSetDebugLogger(t *testing.T) {
	original := Debugf
	defer func() { Debugf = original }()

	var got string
	SetDebugLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})
	Debugf("sample %d", 3)
	if got != "sample 3" {
		t.Errorf("Debugf wrote %q, want %q", got, "sample 3")
	}

	SetDebugLogger(nil)
	Debugf("ignored")
	if got != "sample 3" {
		t.Error("muted debug logger should not write")
	}
}

func TestUseZap(t *testing.T) {
	origLog, origDebug := Logf, Debugf
	defer func() { Logf, Debugf = origLog, origDebug }()

	core, logs := observer.New(zap.DebugLevel)
	UseZap(zap.New(core))

	Logf("flushed batch %d", 2)
	Debugf("sample %d", 7)

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(entries))
	}
	if entries[0].Message != "flushed batch 2" {
		t.Errorf("unexpected message %q", entries[0].Message)
	}
	if entries[1].Level != zap.DebugLevel {
		t.Errorf("expected debug level, got %v", entries[1].Level)
	}

	UseZap(nil)
	Logf("dropped")
	if logs.Len() != 2 {
		t.Error("nil zap logger should mute output")
	}
}

func TestNewZapLogger(t *testing.T) {
	logger, err := NewZapLogger(true)
	if err != nil {
		t.Fatalf("NewZapLogger: %v", err)
	}
	if !logger.Core().Enabled(zap.DebugLevel) {
		t.Error("debug logger should enable debug level")
	}

	logger, err = NewZapLogger(false)
	if err != nil {
		t.Fatalf("NewZapLogger: %v", err)
	}
	if logger.Core().Enabled(zap.DebugLevel) {
		t.Error("production logger should not enable debug level")
	}
}
