package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLevelsByEnv(t *testing.T) {
	if !New("dev").Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("dev logger should emit debug")
	}
	if New("prod").Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("prod logger should not emit debug")
	}
	if !New("prod").Core().Enabled(zapcore.InfoLevel) {
		t.Fatal("prod logger should emit info")
	}
}
