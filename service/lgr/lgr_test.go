package lgr

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/mdobak/go-xerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestReplaceAttrAddsStack(t *testing.T) {
	a := replaceAttr(nil, slog.Any("error", xerrors.New("boom")))
	require.Equal(t, slog.KindGroup, a.Value.Kind())

	keys := map[string]slog.Value{}
	for _, g := range a.Value.Group() {
		keys[g.Key] = g.Value
	}
	assert.Equal(t, "boom", keys["msg"].String())
	frames, ok := keys["trace"].Any().([]stackFrame)
	require.True(t, ok)
	require.NotEmpty(t, frames)
	sources := make([]string, len(frames))
	for i, f := range frames {
		sources[i] = f.Source
	}
	assert.Contains(t, sources, "lgr/lgr_test.go")
}

func TestReplaceAttrPlainError(t *testing.T) {
	a := replaceAttr(nil, slog.Any("error", errors.New("plain")))
	require.Equal(t, slog.KindGroup, a.Value.Kind())
	require.Len(t, a.Value.Group(), 1)

	s := replaceAttr(nil, slog.String("k", "v"))
	assert.Equal(t, "v", s.Value.String())
}

func TestFanoutHonorsLevels(t *testing.T) {
	var info, warn bytes.Buffer
	h := fanoutHandler{
		slog.NewTextHandler(&info, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewTextHandler(&warn, &slog.HandlerOptions{Level: slog.LevelWarn}),
	}
	l := slog.New(newTraceHandler(h)).With(slog.String("run", "x"))

	l.InfoContext(context.Background(), "hello")
	l.Warn("careful")

	assert.Equal(t, 2, strings.Count(info.String(), "run=x"))
	assert.NotContains(t, warn.String(), "hello")
	assert.Contains(t, warn.String(), "careful")
}
