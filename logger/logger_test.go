package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name string
		want slog.Level
	}{
		{"trace", LevelTrace},
		{"DEBUG", LevelDebug},
		{" info ", LevelInfo},
		{"notice", LevelNotice},
		{"warn", LevelWarning},
		{"warning", LevelWarning},
		{"error", LevelError},
		{"", DefaultLevel},
		{"loud", DefaultLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.name))
		})
	}
}

func TestParseHandler(t *testing.T) {
	h, ok := ParseHandler("text")
	assert.True(t, ok)
	assert.Equal(t, TextHandler, h)

	h, ok = ParseHandler("DEV")
	assert.True(t, ok)
	assert.Equal(t, DevHandler, h)

	_, ok = ParseHandler("xml")
	assert.False(t, ok)
}

func TestNewFallsBackToJSONWhenNotTerminal(t *testing.T) {
	t.Setenv("LOG_HANDLER", "")
	t.Setenv("LOG_LEVEL", "")

	buf := &bytes.Buffer{}
	l := New(WithWriter(buf))
	l.Info("connected", "session", "echo")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "connected", line["msg"])
	assert.Equal(t, "echo", line["session"])
	assert.Equal(t, "INFO", line["level"])
}

func TestNewCustomLevels(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(WithWriter(buf), WithHandler(TextHandler), WithLevel(LevelTrace))
	l.Log(context.Background(), LevelTrace, "frame")
	l.Log(context.Background(), LevelNotice, "reconnect")

	assert.Contains(t, buf.String(), "level=TRACE msg=frame")
	assert.Contains(t, buf.String(), "level=NOTICE msg=reconnect")
}

func TestNewRespectsLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")

	buf := &bytes.Buffer{}
	l := New(WithWriter(buf), WithHandler(JSONHandler))
	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewHandlerFromEnv(t *testing.T) {
	t.Setenv("LOG_HANDLER", "text")

	buf := &bytes.Buffer{}
	New(WithWriter(buf)).Info("hello")
	assert.Contains(t, buf.String(), "msg=hello")
}

func TestDevHandler(t *testing.T) {
	buf := &bytes.Buffer{}
	l := New(WithWriter(buf), WithHandler(DevHandler), WithLevel(LevelDebug))
	l.Debug("dev output")
	assert.Contains(t, buf.String(), "DBG")
	assert.Contains(t, buf.String(), "dev output")
}

func TestContext(t *testing.T) {
	assert.Same(t, slog.Default(), From(context.Background()))

	l := Void()
	ctx := WithContext(context.Background(), l)
	assert.Same(t, l, From(ctx))
}
