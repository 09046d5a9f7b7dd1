package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/chazu/swarm/pkg/bytecode"
)

func toolsCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("tools", stderr)
	asJSON := fs.Bool("json", false, "Print the declarations as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Usage: swarm tools [-json] <program>")
		return 1
	}
	prog, err := loadProgram(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *asJSON {
		tools := prog.Tools
		if tools == nil {
			tools = []bytecode.ToolDecl{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(tools); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	}

	if len(prog.Tools) == 0 {
		fmt.Fprintln(stdout, "No tools declared")
		return 0
	}
	for _, t := range prog.Tools {
		fmt.Fprintln(stdout, formatTool(t))
		if t.Description != "" {
			fmt.Fprintf(stdout, "    %s\n", t.Description)
		}
	}
	return 0
}

// formatTool renders a declaration as name(param: type, ...) -> returns.
func formatTool(t bytecode.ToolDecl) string {
	var sb strings.Builder
	sb.WriteString(t.Name)
	sb.WriteByte('(')
	for i, p := range t.Params {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(p.Name)
		if p.Type != "" {
			sb.WriteString(": ")
			sb.WriteString(p.Type)
		}
	}
	sb.WriteByte(')')
	if t.Returns != "" {
		sb.WriteString(" -> ")
		sb.WriteString(t.Returns)
	}
	return sb.String()
}
