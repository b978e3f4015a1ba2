package logchan

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func newTestRegistry(t *testing.T, buf, block int) (*Registry, *fakeClock) {
	t.Helper()
	clk := &fakeClock{t: time.Date(2026, 10, 18, 9, 30, 0, 0, time.Local)}
	r, err := NewRegistry(Options{Dir: t.TempDir(), BufSize: buf, BlockSize: block, Now: clk.Now})
	require.NoError(t, err)
	return r, clk
}

func TestFlushEmptyIsNoop(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, 0, 0)
	c := r.Channel("server")

	require.NoError(t, c.Flush())
	require.NoError(t, c.Flush())
	_, err := os.Stat(c.Path())
	require.True(t, os.IsNotExist(err), "flush of an empty buffer must not create a file")
}

func TestAutoFlushWritesAllLinesInOrder(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, 200, 64)
	c := r.Channel("server")

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, c.Write(msg, false, ColorNone))
	}
	_, err := os.Stat(c.Path())
	require.True(t, os.IsNotExist(err), "no write expected below the threshold")
	require.Positive(t, c.Buffered())

	require.NoError(t, c.Write(strings.Repeat("x", 100), false, ColorNone))
	require.Zero(t, c.Buffered())

	data, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "one(2026-10-18 09:30:00)", lines[0])
	require.Equal(t, "two(2026-10-18 09:30:00)", lines[1])
	require.Equal(t, "three(2026-10-18 09:30:00)", lines[2])
	require.True(t, strings.HasPrefix(lines[3], "xxxx"))
	require.LessOrEqual(t, len(lines[3])+1, 64, "lines are capped at one block")
	require.True(t, strings.HasSuffix(lines[3], "(2026-10-18 09:30:00)"))
}

func TestLongLineCutOnRuneBoundary(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, 200, 64)
	c := r.Channel("server")

	msg := "a" + strings.Repeat("日", 20)
	line := c.format(msg)
	require.True(t, utf8.ValidString(line))
	require.LessOrEqual(t, len(line), 64)
	require.Equal(t, "a"+strings.Repeat("日", 13)+"(2026-10-18 09:30:00)\n", line)

	require.NoError(t, c.Write(msg, true, ColorNone))
	data, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	require.True(t, utf8.Valid(data))
}

func TestForcedFlush(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, 0, 0)
	c := r.Channel("db")

	require.NoError(t, c.Write("saved", true, ColorGreen))
	data, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	require.Equal(t, "saved(2026-10-18 09:30:00)\n", string(data))
}

func TestRebuildPathRotatesHourly(t *testing.T) {
	t.Parallel()
	r, clk := newTestRegistry(t, 0, 0)
	c := r.Channel("server")
	first := c.Path()
	require.Equal(t, "server.2026-10-18-09.log", filepath.Base(first))

	require.NoError(t, c.Write("before", false, ColorNone))
	clk.t = clk.t.Add(time.Hour)
	require.NoError(t, r.RebuildAll())
	require.Equal(t, "server.2026-10-18-10.log", filepath.Base(c.Path()))

	data, err := os.ReadFile(first)
	require.NoError(t, err)
	require.Contains(t, string(data), "before(")
}

func TestRegistryGetOrCreate(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, 0, 0)
	_, ok := r.Get("missing")
	require.False(t, ok)

	a := r.Channel("svc")
	require.Same(t, a, r.Channel("svc"))
	r.Channel("diag")
	require.Equal(t, []string{"diag", "svc"}, r.Names())
	require.NoError(t, r.Close())
}

func TestPrintfPrefix(t *testing.T) {
	t.Parallel()
	r, _ := newTestRegistry(t, 0, 0)
	c := r.Channel("diag")

	require.NoError(t, c.Errorf("code=%d", 7))
	data, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	require.Regexp(t, `^\(###\)\[logchan\.TestPrintfPrefix\]\[\d+\]code=7\(2026-10-18 09:30:00\)\n$`, string(data))
}
