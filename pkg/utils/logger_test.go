package utils

import (
	"testing"

	"go.uber.org/zap"
)

func TestNewLogger(t *testing.T) {
	t.Run("debug mode returns development logger", func(t *testing.T) {
		logger, err := NewLogger(true)
		if err != nil {
			t.Fatalf("NewLogger(true) error: %v", err)
		}
		if !logger.Core().Enabled(zap.DebugLevel) {
			t.Error("debug logger should enable debug level")
		}
		_ = logger.Sync()
	})

	t.Run("production mode returns production logger", func(t *testing.T) {
		logger, err := NewLogger(false)
		if err != nil {
			t.Fatalf("NewLogger(false) error: %v", err)
		}
		if logger.Core().Enabled(zap.DebugLevel) {
			t.Error("production logger should not enable debug level")
		}
		_ = logger.Sync()
	})
}

func TestNewCLILogger(t *testing.T) {
	logger, err := NewCLILogger(false)
	if err != nil {
		t.Fatalf("NewCLILogger(false) error: %v", err)
	}
	if logger.Core().Enabled(zap.InfoLevel) {
		t.Error("cli logger should suppress info")
	}
	if !logger.Core().Enabled(zap.WarnLevel) {
		t.Error("cli logger should keep warnings")
	}

	debug, err := NewCLILogger(true)
	if err != nil {
		t.Fatal(err)
	}
	if !debug.Core().Enabled(zap.DebugLevel) {
		t.Error("debug cli logger should enable debug level")
	}
}
