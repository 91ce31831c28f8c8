package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Providers(t *testing.T) {
	tests := []struct {
		name     string
		provider Provider
		contains string
	}{
		{"json", ProviderStdJson, `"msg":"hello"`},
		{"text", ProviderText, `msg=hello`},
		{"dev", ProviderDevSlog, `hello`},
		{"unknown falls back to json", Provider("xml"), `"msg":"hello"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			New(Config{Provider: tt.provider, Level: INFO}, &buf).Info("hello")
			assert.Contains(t, buf.String(), tt.contains)
		})
	}
}

func TestNew_TextHasNoTime(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Provider: ProviderText}, &buf).Info("hello")
	assert.NotContains(t, buf.String(), "time=")
}

func TestNew_Level(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Provider: ProviderStdJson, Level: WARN}, &buf)

	l.Info("hidden")
	l.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel(DEBUG))
	assert.Equal(t, slog.LevelWarn, ParseLevel(WARN))
	assert.Equal(t, slog.LevelError, ParseLevel(ERROR))
	assert.Equal(t, slog.LevelInfo, ParseLevel(INFO))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestContext(t *testing.T) {
	assert.Equal(t, slog.Default(), FromContext(context.Background()))

	var buf bytes.Buffer
	l := New(Config{}, &buf)
	ctx := NewContext(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}

func TestFromContextWithErr(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewContext(context.Background(), New(Config{}, &buf))

	FromContextWithErr(ctx, errors.New("boom")).Error("failed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "boom", rec["error"])
	assert.Contains(t, rec, "stack")
}

func TestFromContextWithErrIf(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewContext(context.Background(), New(Config{}, &buf))

	FromContextWithErrIf(ctx, nil).Error("nothing")
	assert.Empty(t, buf.String())

	FromContextWithErrIf(ctx, errors.New("boom")).Error("something")
	assert.Contains(t, buf.String(), "boom")
}
