package scheduler

import "fmt"

// State is a service lifecycle state. Values are ordered: a run only ever
// moves forward through them.
type State int32

const (
	StateStop State = iota
	StateStart
	StateStartExc
	StateStartOk
	StateLoad
	StateLoadExc
	StateLoadOk
	StateExecute
	StateShutdown
	StateShutdownExc
	StateShutdownOk
	StateFinalSave
	StateFinalSaveExc
	StateFinalSaveOk
)

var stateNames = [...]string{
	StateStop:         "STOP",
	StateStart:        "START",
	StateStartExc:     "START_EXC",
	StateStartOk:      "START_OK",
	StateLoad:         "LOAD",
	StateLoadExc:      "LOAD_EXC",
	StateLoadOk:       "LOAD_OK",
	StateExecute:      "EXECUTE",
	StateShutdown:     "SHUTDOWN",
	StateShutdownExc:  "SHUTDOWN_EXC",
	StateShutdownOk:   "SHUTDOWN_OK",
	StateFinalSave:    "FINALSAVE",
	StateFinalSaveExc: "FINALSAVE_EXC",
	StateFinalSaveOk:  "FINALSAVE_OK",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// phaseOf maps any state of a hooked phase to its action state (START for
// START, START_EXC and START_OK). Other states map to themselves.
func phaseOf(s State) State {
	switch s {
	case StateStart, StateStartExc, StateStartOk:
		return StateStart
	case StateLoad, StateLoadExc, StateLoadOk:
		return StateLoad
	case StateShutdown, StateShutdownExc, StateShutdownOk:
		return StateShutdown
	case StateFinalSave, StateFinalSaveExc, StateFinalSaveOk:
		return StateFinalSave
	}
	return s
}

func isAction(s State) bool {
	switch s {
	case StateStart, StateLoad, StateShutdown, StateFinalSave:
		return true
	}
	return false
}

// phaseBit is the completion flag for a hooked phase.
func phaseBit(s State) uint32 {
	switch phaseOf(s) {
	case StateStart:
		return 1 << 0
	case StateLoad:
		return 1 << 1
	case StateShutdown:
		return 1 << 2
	case StateFinalSave:
		return 1 << 3
	}
	return 0
}

// InvokerState is the firing state of an Invoker.
type InvokerState int32

const (
	// InvokerIdle is parked: the owner neither counts it down nor fires it.
	InvokerIdle InvokerState = iota
	InvokerReady
	InvokerScheduled
	InvokerExecuting
)

func (s InvokerState) String() string {
	switch s {
	case InvokerIdle:
		return "IDLE"
	case InvokerReady:
		return "READY"
	case InvokerScheduled:
		return "SCHEDULED"
	case InvokerExecuting:
		return "EXECUTING"
	}
	return fmt.Sprintf("InvokerState(%d)", int32(s))
}

type InvokerType int32

const (
	// Active invokers are fired by their owner's tick.
	Active InvokerType = iota
	// Passive invokers are only fired by an external holder calling Invoke.
	Passive
)

func (t InvokerType) String() string {
	if t == Passive {
		return "PASSIVE"
	}
	return "ACTIVE"
}
