package logchan

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

const (
	DefaultBufSize   = 16 * 1024
	DefaultBlockSize = 4 * 1024

	stampLayout = "2006-01-02 15:04:05"
	hourLayout  = "2006-01-02-15"
)

type Color int

const (
	ColorNone Color = iota
	ColorRed
	ColorGreen
	ColorYellow
	ColorBlue
	ColorMagenta
	ColorCyan
)

func (c Color) ansi() string {
	switch c {
	case ColorRed:
		return "\x1b[31m"
	case ColorGreen:
		return "\x1b[32m"
	case ColorYellow:
		return "\x1b[33m"
	case ColorBlue:
		return "\x1b[34m"
	case ColorMagenta:
		return "\x1b[35m"
	case ColorCyan:
		return "\x1b[36m"
	default:
		return ""
	}
}

// Options configure every channel of a Registry.
type Options struct {
	Dir       string
	BufSize   int
	BlockSize int

	// Stderr mirrors each line to stderr, coloured when stderr is a terminal.
	Stderr bool

	// Now defaults to time.Now.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Dir == "" {
		o.Dir = "logs"
	}
	if o.BufSize <= 0 {
		o.BufSize = DefaultBufSize
	}
	if o.BlockSize <= 0 {
		o.BlockSize = DefaultBlockSize
	}
	if o.BlockSize > o.BufSize {
		o.BlockSize = o.BufSize
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Channel is a named, buffered, hour-rotated log file.
//
// Lines are kept in memory and written out when the buffer is within one
// block of full, when a write asks for it, or on Flush.
type Channel struct {
	name string
	opts Options

	mu   sync.Mutex
	buf  []byte
	path string

	mirror *mirror
}

func newChannel(name string, opts Options, m *mirror) *Channel {
	c := &Channel{name: name, opts: opts, buf: make([]byte, 0, opts.BufSize), mirror: m}
	c.path = c.pathFor(opts.Now())
	return c
}

func (c *Channel) Name() string { return c.name }

// Path returns the file the next flush writes to.
func (c *Channel) Path() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.path
}

// Buffered returns the number of bytes waiting to be flushed.
func (c *Channel) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

func (c *Channel) pathFor(t time.Time) string {
	return filepath.Join(c.opts.Dir, fmt.Sprintf("%s.%s.log", c.name, t.Format(hourLayout)))
}

// Write appends "<msg>(<YYYY-MM-DD HH:MM:SS>)\n" to the buffer.
func (c *Channel) Write(msg string, flush bool, color Color) error {
	line := c.format(msg)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.buf)+len(line) > c.opts.BufSize {
		if err := c.flushLocked(); err != nil {
			return err
		}
	}
	c.buf = append(c.buf, line...)
	if c.mirror != nil {
		c.mirror.write(line, color)
	}

	if flush || len(c.buf)+c.opts.BlockSize >= c.opts.BufSize {
		return c.flushLocked()
	}
	return nil
}

func (c *Channel) format(msg string) string {
	suffix := "(" + c.opts.Now().Format(stampLayout) + ")\n"
	if room := c.opts.BlockSize - len(suffix); len(msg) > room {
		if room < 0 {
			room = 0
		}
		// Cut on a rune boundary.
		for room > 0 && !utf8.RuneStart(msg[room]) {
			room--
		}
		msg = msg[:room]
	}
	line := msg + suffix
	if len(line) > c.opts.BlockSize {
		line = line[:c.opts.BlockSize]
	}
	return line
}

// Flush writes buffered lines to the current file. An empty buffer is a no-op.
func (c *Channel) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Channel) flushLocked() error {
	if len(c.buf) == 0 {
		return nil
	}
	f, err := os.OpenFile(c.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logchan %s: open %s: %w", c.name, c.path, err)
	}
	_, werr := f.Write(c.buf)
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("logchan %s: write: %w", c.name, werr)
	}
	if cerr != nil {
		return fmt.Errorf("logchan %s: close: %w", c.name, cerr)
	}
	c.buf = c.buf[:0]
	return nil
}

// RebuildPath moves the channel to the file for the current hour. Lines
// buffered under the previous hour are flushed to the previous file first.
func (c *Channel) RebuildPath() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.pathFor(c.opts.Now())
	if next == c.path {
		return nil
	}
	err := c.flushLocked()
	c.path = next
	return err
}

// mirror copies lines to stderr with a rate limit so a noisy channel can't
// stall the process on a slow terminal.
type mirror struct {
	mu         sync.Mutex
	out        *os.File
	color      bool
	lim        *rate.Limiter
	suppressed int
}

func (m *mirror) write(line string, color Color) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lim.Allow() {
		m.suppressed++
		return
	}
	if m.suppressed > 0 {
		fmt.Fprintf(m.out, "(logchan: %d lines suppressed)\n", m.suppressed)
		m.suppressed = 0
	}
	if m.color && color != ColorNone {
		fmt.Fprint(m.out, color.ansi(), line, "\x1b[0m")
		return
	}
	fmt.Fprint(m.out, line)
}
