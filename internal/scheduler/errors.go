package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrRegisterClosed     = errors.New("scheduler: registration closed")
	ErrDuplicateService   = errors.New("scheduler: duplicate service")
	ErrDuplicateInvoker   = errors.New("scheduler: duplicate invoker")
	ErrInitFailed         = errors.New("scheduler: service init failed")
	ErrPhaseTimeout       = errors.New("scheduler: phase timed out")
	ErrPhaseFailed        = errors.New("scheduler: phase failed")
	ErrNotInitialized     = errors.New("scheduler: manager not initialized")
	ErrAlreadyInitialized = errors.New("scheduler: manager already initialized")
)

// PhaseTimeoutError reports the services that had not reached the phase's
// completion state when its deadline expired.
type PhaseTimeoutError struct {
	Phase   State
	Timeout time.Duration
	Waiting []string
}

func (e *PhaseTimeoutError) Error() string {
	return fmt.Sprintf("phase %s timed out after %s, waiting on [%s]", e.Phase, e.Timeout, strings.Join(e.Waiting, ", "))
}

func (e *PhaseTimeoutError) Is(target error) bool { return target == ErrPhaseTimeout }

// PhaseError is returned when a service calls Fail during a phase.
type PhaseError struct {
	Phase   State
	Service string
	Err     error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed in %s: %v", e.Phase, e.Service, e.Err)
}

func (e *PhaseError) Is(target error) bool { return target == ErrPhaseFailed }
func (e *PhaseError) Unwrap() error        { return e.Err }
