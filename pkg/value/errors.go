package value

import "errors"

var (
	// ErrHeapExhausted is returned when an allocation would exceed the
	// heap's byte limit.
	ErrHeapExhausted = errors.New("value: heap exhausted")

	// ErrCycleInDeepCopy is returned by Copy when the value graph contains
	// a cycle.
	ErrCycleInDeepCopy = errors.New("value: cycle in deep copy")

	// ErrIndexOutOfRange is returned by array accessors.
	ErrIndexOutOfRange = errors.New("value: index out of range")

	// ErrUncopyable is returned when a value holds an object Copy does not
	// know how to rebuild.
	ErrUncopyable = errors.New("value: uncopyable object")
)
