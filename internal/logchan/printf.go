package logchan

import (
	"fmt"
	"path/filepath"
	"runtime"
)

// Printf-style helpers. Each line is prefixed with the calling function and
// line number: "(###)[pkg.Func][42]...".

func (c *Channel) Infof(format string, args ...any) error {
	return c.printf(ColorGreen, false, format, args...)
}

func (c *Channel) Debugf(format string, args ...any) error {
	return c.printf(ColorNone, false, format, args...)
}

func (c *Channel) Warnf(format string, args ...any) error {
	return c.printf(ColorYellow, false, format, args...)
}

// Errorf flushes immediately.
func (c *Channel) Errorf(format string, args ...any) error {
	return c.printf(ColorRed, true, format, args...)
}

func (c *Channel) printf(color Color, flush bool, format string, args ...any) error {
	fn, line := "?", 0
	if pc, _, l, ok := runtime.Caller(2); ok {
		line = l
		if f := runtime.FuncForPC(pc); f != nil {
			fn = filepath.Base(f.Name())
		}
	}
	return c.Write(fmt.Sprintf("(###)[%s][%d]", fn, line)+fmt.Sprintf(format, args...), flush, color)
}
