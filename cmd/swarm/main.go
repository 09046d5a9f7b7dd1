// Swarm CLI - runs, inspects and serves swarm bytecode programs
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/swarm/manifest"
	"github.com/chazu/swarm/pkg/bytecode"
)

var log = commonlog.GetLogger("swarm.cli")

// verbosity is a repeatable -v flag.
type verbosity int

func (v *verbosity) String() string { return strconv.Itoa(int(*v)) }

func (v *verbosity) Set(s string) error {
	if s == "true" {
		*v++
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*v = verbosity(n)
	return nil
}

func (v *verbosity) IsBoolFlag() bool { return true }

type command struct {
	name    string
	usage   string
	summary string
	run     func(args []string, stdout, stderr io.Writer) int
}

var commands []command

func init() {
	commands = []command{
		{"run", "run [options] <program>", "Run a program until every block has finished", runCommand},
		{"disasm", "disasm <program>", "Disassemble the main chunk then every function", disasmCommand},
		{"tools", "tools [-json] <program>", "List the tools a program declares", toolsCommand},
		{"asm", "asm [-o out.swbc] <source.swasm>", "Assemble text bytecode into the binary format", asmCommand},
		{"node", "node [options] [program]", "Run a scheduler behind a node listener", nodeCommand},
	}
}

func main() {
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		usage(stderr)
		if len(args) == 0 {
			return 1
		}
		return 0
	}
	for _, c := range commands {
		if c.name == args[0] {
			return c.run(args[1:], stdout, stderr)
		}
	}
	fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[0])
	usage(stderr)
	return 1
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "Usage: swarm <command> [options]\n\n")
	fmt.Fprintf(w, "Commands:\n")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-36s %s\n", c.usage, c.summary)
	}
	fmt.Fprintf(w, "\nExamples:\n")
	fmt.Fprintf(w, "  swarm asm -o ping.swbc ping.swasm   # Assemble a program\n")
	fmt.Fprintf(w, "  swarm run -stats ping.swbc          # Run it and print scheduler counters\n")
	fmt.Fprintf(w, "  swarm node -C ./cluster/alpha       # Serve with the [node] section of swarm.toml\n")
}

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(c string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(c, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// setupLogging configures commonlog from the -v count, falling back to the
// manifest's [log] section.
func setupLogging(v verbosity, m *manifest.Manifest) {
	level := int(v)
	var path *string
	if m != nil {
		if level == 0 {
			level = m.Log.Verbosity
		}
		if m.Log.File != "" {
			path = &m.Log.File
		}
	}
	commonlog.Configure(level, path)
}

// loadManifest finds swarm.toml from dir upwards. A missing manifest is
// not an error.
func loadManifest(dir string) (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(dir)
	if err != nil {
		return nil, fmt.Errorf("loading manifest: %w", err)
	}
	return m, nil
}

// loadProgram reads a serialized program, or assembles one when the file
// is not in the binary format.
func loadProgram(path string) (*bytecode.Program, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.HasPrefix(data, bytecode.Magic) {
		prog, err := bytecode.Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return prog, nil
	}
	prog, err := bytecode.AssembleString(string(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return prog, nil
}

func disasmCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("disasm", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: swarm disasm <program>")
		return 1
	}
	prog, err := loadProgram(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, prog.Disassemble())
	return 0
}

func asmCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("asm", stderr)
	output := fs.String("o", "", "Output file (default: source name with .swbc)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: swarm asm [-o out.swbc] <source.swasm>")
		return 1
	}
	src := fs.Arg(0)
	prog, err := loadProgram(src)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	data, err := bytecode.Marshal(prog)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	out := *output
	if out == "" {
		out = strings.TrimSuffix(src, ".swasm") + ".swbc"
	}
	if err := os.WriteFile(out, data, 0644); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Wrote %s (%d functions, %d bytes)\n", out, len(prog.Functions), len(data))
	return 0
}
