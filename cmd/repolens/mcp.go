// ABOUTME: The mcp subcommand: serves run control tools over stdio for MCP clients.
// ABOUTME: Runs started here live in this process; stdout carries protocol frames only.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/2389-research/repolens/mcpserver"
)

func runMCP(ctx context.Context, args []string, _, stderr io.Writer) int {
	var common commonConfig
	fs := flag.NewFlagSet("repolens mcp", flag.ContinueOnError)
	addCommonFlags(fs, &common)
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}
	// Verbose output would go to stderr anyway, but keep the stream quiet for clients that capture it.
	common.verbose = false

	a, err := newApp(common, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	if _, err := a.ctrl.RecoverOrphans(ctx); err != nil {
		fmt.Fprintf(stderr, "warning: orphan recovery failed: %v\n", err)
	}

	server := mcpserver.NewServer(mcpserver.NewService(a.ctrl, a.templates))
	if err := mcpserver.RunStdio(ctx, server); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
