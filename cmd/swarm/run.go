package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chazu/swarm/manifest"
	"github.com/chazu/swarm/pkg/bytecode"
	"github.com/chazu/swarm/pkg/capability"
	"github.com/chazu/swarm/vm"
)

// errMainBlocked is reported when the scheduler goes idle while the main
// block still waits for a message nobody will send.
var errMainBlocked = errors.New("main block is waiting for a message that cannot arrive")

type runOptions struct {
	workers int
	caps    string
	timeout time.Duration
}

// runResult is what a finished run reports back to the command.
type runResult struct {
	Exit    vm.ExitInfo
	Stats   vm.Stats
	Elapsed time.Duration
}

func runCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("run", stderr)
	var v verbosity
	fs.Var(&v, "v", "Verbose logging (repeat for more)")
	dir := fs.String("C", ".", "Directory to search for swarm.toml")
	workers := fs.Int("workers", -1, "Worker goroutines (0 = single-threaded; default from swarm.toml)")
	caps := fs.String("caps", "", "Comma-separated capabilities of the main block (default from swarm.toml)")
	timeout := fs.Duration("timeout", 0, "Abort the run after this long")
	stats := fs.Bool("stats", false, "Print scheduler counters when the run ends")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	m, err := loadManifest(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	setupLogging(v, m)

	path := fs.Arg(0)
	if path == "" {
		if m == nil {
			fmt.Fprintln(stderr, "Usage: swarm run [options] <program>")
			return 1
		}
		path = m.EntryPath()
	}
	prog, err := loadProgram(path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := runProgram(ctx, prog, m, stdout, runOptions{workers: *workers, caps: *caps, timeout: *timeout})
	if *stats {
		printStats(stderr, res)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if !res.Exit.Normal() {
		if res.Exit.HasReason {
			fmt.Fprintf(stderr, "Error: %s\n", res.Exit.Reason)
		} else {
			fmt.Fprintf(stderr, "Error: main block exited with code %d\n", res.Exit.Code)
		}
		return 1
	}
	return 0
}

// schedulerConfig merges the manifest with command-line overrides.
func schedulerConfig(m *manifest.Manifest, workers int, out io.Writer) vm.SchedulerConfig {
	cfg := vm.DefaultSchedulerConfig()
	if m != nil {
		cfg = m.SchedulerConfig()
	}
	if workers >= 0 {
		cfg.NumWorkers = workers
	}
	cfg.Output = out
	return cfg
}

// mainCaps picks the capabilities of the main block: the flag, then the
// manifest, then everything.
func mainCaps(m *manifest.Manifest, flagValue string) (capability.Cap, error) {
	if flagValue != "" {
		return capability.Parse(splitList(flagValue))
	}
	if m != nil {
		return m.Capabilities(), nil
	}
	return capability.All, nil
}

// runProgram spawns prog's main chunk and runs the scheduler until every
// block has finished or is waiting forever.
func runProgram(ctx context.Context, prog *bytecode.Program, m *manifest.Manifest, out io.Writer, opts runOptions) (runResult, error) {
	var res runResult
	caps, err := mainCaps(m, opts.caps)
	if err != nil {
		return res, err
	}
	sched, err := vm.NewScheduler(schedulerConfig(m, opts.workers, out))
	if err != nil {
		return res, err
	}

	name := "main"
	if m != nil && m.Project.Name != "" {
		name = m.Project.Name
	}
	pid, err := sched.Spawn(prog, vm.SpawnOptions{Name: name, Caps: caps})
	if err != nil {
		return res, err
	}
	log.Info("run", "block", name, "pid", pid, "workers", sched.Config().NumWorkers)

	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	start := time.Now()
	err = sched.RunUntilIdle(ctx)
	res.Elapsed = time.Since(start)
	res.Stats = sched.Stats()
	if err != nil {
		return res, err
	}

	b, ok := sched.Get(pid)
	if !ok {
		return res, fmt.Errorf("main block %s vanished", pid)
	}
	if b.Alive() {
		return res, errMainBlocked
	}
	res.Exit = b.ExitInfo()
	return res, nil
}

func printStats(w io.Writer, res runResult) {
	st := res.Stats
	fmt.Fprintf(w, "elapsed:          %s\n", res.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "blocks spawned:   %s\n", humanize.Comma(st.TotalSpawned))
	fmt.Fprintf(w, "blocks finished:  %s\n", humanize.Comma(st.TotalTerminated))
	fmt.Fprintf(w, "reductions:       %s\n", humanize.Comma(st.TotalReductions))
	fmt.Fprintf(w, "context switches: %s\n", humanize.Comma(st.ContextSwitches))
	fmt.Fprintf(w, "messages sent:    %s\n", humanize.Comma(st.MessagesSent))
	fmt.Fprintf(w, "messages dropped: %s\n", humanize.Comma(st.MessagesDropped))
	if st.Steals > 0 {
		fmt.Fprintf(w, "steals:           %s\n", humanize.Comma(st.Steals))
	}
	if secs := res.Elapsed.Seconds(); secs > 0 && st.TotalReductions > 0 {
		fmt.Fprintf(w, "throughput:       %s reductions/s\n", humanize.SIWithDigits(float64(st.TotalReductions)/secs, 2, ""))
	}
}
