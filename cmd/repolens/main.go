// ABOUTME: CLI entrypoint for repolens: serve the control API, run and resume analyses, inspect and watch runs.
// ABOUTME: Each subcommand owns a flag.FlagSet; run returns an exit code so tests can drive it directly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var version = "dev"

// shutdownGrace bounds how long active runs get to reach a stage boundary on exit.
const shutdownGrace = 30 * time.Second

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout, stderr io.Writer) int
}

func commands() []command {
	return []command{
		{"serve", "Start the HTTP control API", runServe},
		{"analyze", "Ingest a project (optional) and run an analysis in the foreground", runAnalyze},
		{"resume", "Resume a paused run in the foreground", runResume},
		{"status", "Print a run's summary and live status", runStatus},
		{"runs", "List runs, newest first", runList},
		{"report", "Write a run's report as Markdown or HTML", runReport},
		{"ask", "Ask a question about a run", runAsk},
		{"watch", "Watch a run on a repolens server in a terminal UI", runWatch},
		{"mcp", "Serve run control tools over MCP on stdio", runMCP},
	}
}

func main() {
	loadDotEnvAuto()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run dispatches to a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printHelp(stderr, version)
		return 2
	}
	switch args[0] {
	case "-h", "-help", "--help", "help":
		printHelp(stdout, version)
		return 0
	case "-version", "--version", "version":
		fmt.Fprintf(stdout, "repolens %s\n", version)
		return 0
	}
	for _, c := range commands() {
		if c.name == args[0] {
			return c.run(ctx, args[1:], stdout, stderr)
		}
	}
	fmt.Fprintf(stderr, "error: unknown command %q\n\n", args[0])
	printHelp(stderr, version)
	return 2
}

// parseFlags parses args into fs. It returns an exit code and false when
// the caller should stop (help requested or a parse error).
func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) (int, bool) {
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 2, false
	}
	return 0, true
}

// printHelp writes grouped usage, subcommands and environment status to w.
func printHelp(w io.Writer, ver string) {
	fmt.Fprintf(w, "repolens %s: resumable LLM documentation pipeline for code repositories\n\n", ver)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  repolens <command> [flags] [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-9s %s\n", c.name, c.summary)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  repolens analyze -project shop -source ./shop -template full_analysis")
	fmt.Fprintln(w, "  repolens analyze -project api -source https://github.com/acme/api -tui")
	fmt.Fprintln(w, "  repolens serve -addr 127.0.0.1:8089")
	fmt.Fprintln(w, "  repolens watch <run-id>")
	fmt.Fprintln(w, "  repolens resume <run-id>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment:")
	for _, key := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "GEMINI_API_KEY", "OPENAI_BASE_URL", "REPOLENS_LLM_PROVIDER", "REPOLENS_DATA_DIR"} {
		fmt.Fprintf(w, "  %-22s %s\n", key, envStatus(key))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run 'repolens <command> -h' for command flags.")
}

func envStatus(key string) string {
	if os.Getenv(key) != "" {
		return "[set]"
	}
	return "[not set]"
}
