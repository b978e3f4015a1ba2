package logchan

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/mattn/go-isatty"
	"golang.org/x/time/rate"
)

// Registry maps channel names to channels. Build it once at startup and pass
// it to whatever needs to log.
type Registry struct {
	opts   Options
	mirror *mirror

	mu    sync.RWMutex
	chans map[string]*Channel
}

// NewRegistry creates the log directory and an empty registry.
func NewRegistry(opts Options) (*Registry, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("logchan: mkdir %s: %w", opts.Dir, err)
	}
	r := &Registry{opts: opts, chans: map[string]*Channel{}}
	if opts.Stderr {
		fd := os.Stderr.Fd()
		r.mirror = &mirror{
			out:   os.Stderr,
			color: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
			lim:   rate.NewLimiter(rate.Limit(200), 400),
		}
	}
	return r, nil
}

func (r *Registry) Options() Options { return r.opts }

// Get returns an existing channel.
func (r *Registry) Get(name string) (*Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.chans[name]
	return c, ok
}

// Channel returns the named channel, creating it on first use.
func (r *Registry) Channel(name string) *Channel {
	if c, ok := r.Get(name); ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.chans[name]; ok {
		return c
	}
	c := newChannel(name, r.opts, r.mirror)
	r.chans[name] = c
	return c
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.chans))
	for name := range r.chans {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (r *Registry) each(fn func(c *Channel) error) error {
	r.mu.RLock()
	chans := make([]*Channel, 0, len(r.chans))
	for _, c := range r.chans {
		chans = append(chans, c)
	}
	r.mu.RUnlock()

	var errs []error
	for _, c := range chans {
		if err := fn(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RebuildAll rotates every channel to the current hour's file.
func (r *Registry) RebuildAll() error { return r.each((*Channel).RebuildPath) }

func (r *Registry) FlushAll() error { return r.each((*Channel).Flush) }

// Close flushes every channel. Channels stay usable afterwards.
func (r *Registry) Close() error {
	if r == nil {
		return nil
	}
	return r.FlushAll()
}
