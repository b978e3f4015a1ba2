package scheduler

import (
	"context"
	"time"
)

// Ticker is implemented by anything that wants a periodic Tick.
type Ticker interface {
	Tick(ti TimeInfo)
}

// NewTickInvoker wraps impl in an Invoker whose Do refreshes the time
// snapshot and calls impl.Tick with it.
func NewTickInvoker[T Ticker](name string, impl T, interval time.Duration, opts ...InvokerOption) *Invoker {
	a := &tickAdapter[T]{impl: impl}
	inv := NewInvoker(name, interval, a, opts...)
	a.inv = inv
	return inv
}

type tickAdapter[T Ticker] struct {
	inv  *Invoker
	impl T
}

func (a *tickAdapter[T]) Do(_ context.Context, _ TimeInfo) {
	a.impl.Tick(a.inv.Refresh())
}
