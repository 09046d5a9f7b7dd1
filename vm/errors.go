package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/swarm/pkg/capability"
	"github.com/chazu/swarm/pkg/value"
)

// ErrorKind classifies a RuntimeError.
type ErrorKind int

const (
	KindTypeError ErrorKind = iota + 1
	KindDivideByZero
	KindIndexOutOfRange
	KindKeyNotFound
	KindStackOverflow
	KindStackUnderflow
	KindInvalidJump
	KindUnknownOpcode
	KindCallArityMismatch
	KindCapabilityDenied
	KindHeapExhausted
	KindMailboxFull
	KindInvalidPid
	KindReductionExhausted
	KindCycleInDeepCopy
)

var errorKindNames = map[ErrorKind]string{
	KindTypeError:          "TypeError",
	KindDivideByZero:       "DivideByZero",
	KindIndexOutOfRange:    "IndexOutOfRange",
	KindKeyNotFound:        "KeyNotFound",
	KindStackOverflow:      "StackOverflow",
	KindStackUnderflow:     "StackUnderflow",
	KindInvalidJump:        "InvalidJump",
	KindUnknownOpcode:      "UnknownOpcode",
	KindCallArityMismatch:  "CallArityMismatch",
	KindCapabilityDenied:   "CapabilityDenied",
	KindHeapExhausted:      "HeapExhausted",
	KindMailboxFull:        "MailboxFull",
	KindInvalidPid:         "InvalidPid",
	KindReductionExhausted: "ReductionExhausted",
	KindCycleInDeepCopy:    "CycleInDeepCopy",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// RuntimeError is an error raised while interpreting a block's bytecode.
// It terminates the block.
type RuntimeError struct {
	Kind    ErrorKind
	Message string
	Cap     capability.Cap // set for KindCapabilityDenied
	PID     value.PID      // set for KindMailboxFull and KindInvalidPid
}

func (e *RuntimeError) Error() string {
	switch e.Kind {
	case KindCapabilityDenied:
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Cap, e.Message)
	case KindMailboxFull, KindInvalidPid:
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.PID, e.Message)
	}
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *RuntimeError of the same kind, so
// errors.Is(err, &RuntimeError{Kind: KindDivideByZero}) works.
func (e *RuntimeError) Is(target error) bool {
	t, ok := target.(*RuntimeError)
	return ok && t.Kind == e.Kind
}

func runtimeErr(kind ErrorKind, format string, args ...any) *RuntimeError {
	return &RuntimeError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func capDenied(c capability.Cap) *RuntimeError {
	return &RuntimeError{Kind: KindCapabilityDenied, Cap: c, Message: "capability required"}
}

// heapErr maps value-layer errors onto runtime error kinds.
func heapErr(err error) *RuntimeError {
	switch {
	case errors.Is(err, value.ErrHeapExhausted):
		return runtimeErr(KindHeapExhausted, "%v", err)
	case errors.Is(err, value.ErrCycleInDeepCopy):
		return runtimeErr(KindCycleInDeepCopy, "%v", err)
	case errors.Is(err, value.ErrIndexOutOfRange):
		return runtimeErr(KindIndexOutOfRange, "%v", err)
	}
	return runtimeErr(KindTypeError, "%v", err)
}

// SchedulerErrorKind classifies a SchedulerError.
type SchedulerErrorKind int

const (
	SpawnLimitReached SchedulerErrorKind = iota + 1
	BlockNotFound
)

func (k SchedulerErrorKind) String() string {
	switch k {
	case SpawnLimitReached:
		return "SpawnLimitReached"
	case BlockNotFound:
		return "BlockNotFound"
	}
	return fmt.Sprintf("SchedulerErrorKind(%d)", int(k))
}

// SchedulerError is returned by scheduler operations to their caller.
type SchedulerError struct {
	Kind SchedulerErrorKind
	PID  value.PID
}

func (e *SchedulerError) Error() string {
	if e.Kind == BlockNotFound {
		return fmt.Sprintf("scheduler: %s(%s)", e.Kind, e.PID)
	}
	return fmt.Sprintf("scheduler: %s", e.Kind)
}

// Is matches by kind.
func (e *SchedulerError) Is(target error) bool {
	t, ok := target.(*SchedulerError)
	return ok && t.Kind == e.Kind
}

// Sentinel errors for errors.Is.
var (
	ErrSpawnLimitReached = &SchedulerError{Kind: SpawnLimitReached}
	ErrBlockNotFound     = &SchedulerError{Kind: BlockNotFound}
	ErrNoProgram         = errors.New("vm: block has no program loaded")
	ErrNotRunning        = errors.New("vm: scheduler is not running")
	ErrEntryNotCallable  = errors.New("vm: entry point is not a function")
	ErrDuplicatePID      = errors.New("vm: pid already registered")
)
