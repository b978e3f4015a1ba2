package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		out = append(out, m)
	}
	return out
}

func TestZeroLoggerIsNoop(t *testing.T) {
	var l Logger
	require.True(t, l.IsZero())
	require.NotPanics(t, func() {
		l.Info("nothing", String("k", "v"))
		l.With(Int("n", 1)).Error("still nothing")
	})
}

func TestWriterFieldsAndLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "info").With(String("component", "test"))

	l.Debug("hidden")
	l.Info("shown", Int("n", 3), Duration("d", time.Second), Bool("ok", true))

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	require.Equal(t, "shown", lines[0]["message"])
	require.Equal(t, "test", lines[0]["component"])
	require.EqualValues(t, 3, lines[0]["n"])
	require.Equal(t, true, lines[0]["ok"])
	require.Contains(t, lines[0]["caller"], "logging_test.go:")
	require.False(t, l.Enabled(LevelDebug))
	require.True(t, l.Enabled(LevelWarn))
}

func TestWithDoesNotShareFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewWriter(&buf, "debug").With(String("a", "1"))
	_ = base.With(String("b", "2"))
	base.Info("x")

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	require.NotContains(t, lines[0], "b")
}

func TestServiceApplySwapsFile(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.log")
	second := filepath.Join(dir, "second.log")

	svc, l := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: first}})
	t.Cleanup(func() { _ = svc.Close() })

	l.Info("one")
	svc.Apply(Config{Level: "warn", File: FileConfig{Enabled: true, Path: second}})
	l.Info("dropped")
	l.Warn("two")

	b1, err := os.ReadFile(first)
	require.NoError(t, err)
	b2, err := os.ReadFile(second)
	require.NoError(t, err)

	require.Equal(t, "one", decodeLines(t, b1)[0]["message"])
	got := decodeLines(t, b2)
	require.Len(t, got, 1)
	require.Equal(t, "two", got[0]["message"])
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelWarn, ParseLevel("warning"))
	require.Equal(t, LevelDebug, ParseLevel(" debug "))
	require.Equal(t, LevelInfo, ParseLevel("bogus"))
}
