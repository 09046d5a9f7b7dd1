package vm

import (
	"io"
	"os"

	"github.com/chazu/swarm/pkg/mailbox"
	"github.com/chazu/swarm/pkg/timer"
)

// Limits bounds the resources of a single block.
type Limits struct {
	MaxHeapSize    int64 // bytes; 0 = unlimited
	MaxStackDepth  int   // value stack slots
	MaxCallDepth   int   // call frames
	MaxReductions  int64 // reductions per slice
	MaxMailboxSize int   // messages; 0 = unbounded
	MailboxPolicy  mailbox.Policy
}

// DefaultLimits returns the limits applied to blocks spawned without
// explicit ones.
func DefaultLimits() Limits {
	return Limits{
		MaxHeapSize:    64 << 20,
		MaxStackDepth:  64 * 1024,
		MaxCallDepth:   1024,
		MaxReductions:  2000,
		MaxMailboxSize: 1024,
		MailboxPolicy:  mailbox.DropNew,
	}
}

func (l Limits) withDefaults(reductions int64) Limits {
	d := DefaultLimits()
	if l.MaxStackDepth <= 0 {
		l.MaxStackDepth = d.MaxStackDepth
	}
	if l.MaxCallDepth <= 0 {
		l.MaxCallDepth = d.MaxCallDepth
	}
	if l.MaxReductions <= 0 {
		l.MaxReductions = reductions
	}
	if l.MaxReductions <= 0 {
		l.MaxReductions = d.MaxReductions
	}
	return l
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	MaxBlocks         int
	DefaultReductions int64
	NumWorkers        int // 0 runs every block on the caller's goroutine
	EnableStealing    bool

	// Limits applied when Spawn is given a zero Limits.
	Limits Limits
	Timer  timer.Config

	// Clock drives the timer wheel; nil uses the monotonic clock.
	Clock timer.Clock
	// Output receives PRINT output; nil discards it.
	Output io.Writer
}

// DefaultSchedulerConfig returns a single-threaded configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxBlocks:         100000,
		DefaultReductions: 2000,
		NumWorkers:        0,
		EnableStealing:    true,
		Limits:            DefaultLimits(),
		Timer:             timer.DefaultConfig(),
		Output:            os.Stdout,
	}
}
