package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chazu/swarm/manifest"
	"github.com/chazu/swarm/vm"
	"github.com/chazu/swarm/vm/dist"
)

func nodeCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("node", stderr)
	var v verbosity
	fs.Var(&v, "v", "Verbose logging (repeat for more)")
	dir := fs.String("C", ".", "Directory to search for swarm.toml")
	workers := fs.Int("workers", -1, "Worker goroutines (default from swarm.toml)")
	port := fs.Int("port", -1, "Listen port (default from swarm.toml)")
	connect := fs.String("connect", "", "Comma-separated peer addresses to dial after start")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	m, err := loadManifest(*dir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	setupLogging(v, m)
	if m == nil {
		fmt.Fprintln(stderr, "Error: no swarm.toml found")
		fmt.Fprintln(stderr, "swarm node requires a swarm.toml with a [node] section")
		return 1
	}
	cfg, ok := m.NodeConfig()
	if !ok {
		fmt.Fprintln(stderr, "Error: swarm.toml has no [node] section")
		return 1
	}
	if *port >= 0 {
		cfg.Port = *port
	}
	peers := m.Node.Connect
	if *connect != "" {
		peers = splitList(*connect)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serveNode(ctx, m, cfg, fs.Arg(0), peers, *workers, stdout); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// serveNode runs a scheduler and a node listener until ctx is done. When
// program is non-empty its main chunk is spawned first.
func serveNode(ctx context.Context, m *manifest.Manifest, cfg dist.Config, program string, peers []string, workers int, out io.Writer) error {
	sched, err := vm.NewScheduler(schedulerConfig(m, workers, out))
	if err != nil {
		return err
	}

	if program != "" {
		prog, err := loadProgram(program)
		if err != nil {
			return err
		}
		pid, err := sched.Spawn(prog, vm.SpawnOptions{Name: cfg.Name, Caps: m.Capabilities()})
		if err != nil {
			return err
		}
		log.Info("spawned entry block", "pid", pid, "program", program)
	}

	node := dist.NewNode(cfg, sched)
	node.OnNodeUp(func(peer string) { log.Info("node up", "peer", peer) })
	node.OnNodeDown(func(peer string) { log.Info("node down", "peer", peer) })
	if err := node.Start(ctx); err != nil {
		return err
	}
	defer node.Stop()

	for _, addr := range peers {
		peer, err := node.Connect(ctx, addr)
		if err != nil {
			log.Warning("connect failed", "addr", addr, "error", err)
			continue
		}
		log.Info("connected", "peer", peer, "addr", addr)
	}

	err = sched.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	st := node.Stats()
	log.Info("node totals", "framesIn", st.FramesIn, "framesOut", st.FramesOut, "delivered", st.Delivered)
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
