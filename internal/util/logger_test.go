package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"fatal":   zapcore.FatalLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLogLevel(in), in)
	}
}

func TestInitIsOnce(t *testing.T) {
	first := Init("test", "warn", "json", "faceauth-service")
	second := Init("production", "debug", "console", "other")
	assert.Same(t, first, second)
	assert.Same(t, first, Get())

	assert.False(t, first.Core().Enabled(zapcore.DebugLevel))
	Info("facade info", String("k", "v"))
	Warn("facade warn", Int("n", 1))
	Sync()
}
