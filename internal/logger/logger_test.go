package logger

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWithWriterFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(zapcore.WarnLevel, &buf)

	log.Info("hidden")
	log.Warn("connection dropped", zap.String("address", "AA:BB:CC:DD:EE:FF"))
	_ = log.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message logged at warn level: %q", out)
	}
	for _, want := range []string{"WARN", "connection dropped", `"address": "AA:BB:CC:DD:EE:FF"`} {
		if !strings.Contains(out, want) {
			t.Errorf("output %q missing %q", out, want)
		}
	}
}

func TestNewWithWriterDebug(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(zapcore.DebugLevel, &buf)
	log.Debug("session state")
	if !strings.Contains(buf.String(), "DEBUG") {
		t.Errorf("debug message missing: %q", buf.String())
	}
}
