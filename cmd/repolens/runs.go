// ABOUTME: Foreground run subcommands (analyze, resume) and inspection subcommands (status, runs, report, ask).
// ABOUTME: Foreground runs pause cooperatively on interrupt so they can be resumed later.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/2389-research/repolens/pipeline"
	"github.com/2389-research/repolens/report"
	"github.com/2389-research/repolens/retrieval"
	"github.com/2389-research/repolens/tui"
	tea "github.com/charmbracelet/bubbletea"
)

type followConfig struct {
	tui    bool
	report string
}

func addFollowFlags(fs *flag.FlagSet, cfg *followConfig) {
	fs.BoolVar(&cfg.tui, "tui", false, "Watch the run in a terminal UI")
	fs.StringVar(&cfg.report, "report", "", "Write the report here when the run completes (.html for HTML, Markdown otherwise)")
}

func runAnalyze(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		common   commonConfig
		follow   followConfig
		project  string
		source   string
		template string
		depth    string
		personas string
	)
	fs := flag.NewFlagSet("repolens analyze", flag.ContinueOnError)
	addCommonFlags(fs, &common)
	addFollowFlags(fs, &follow)
	fs.StringVar(&project, "project", "", "Project ID (required)")
	fs.StringVar(&source, "source", "", "Directory, .zip file or GitHub URL to ingest first")
	fs.StringVar(&template, "template", "", "Analysis template ID")
	fs.StringVar(&depth, "depth", "", "Override depth: quick, standard or deep")
	fs.StringVar(&personas, "personas", "", "Override writer personas, comma separated: sde,pm")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}
	if !retrieval.ValidProjectID(project) {
		fmt.Fprintln(stderr, "error: -project is required and must be a simple name")
		return 2
	}

	a, err := newApp(common, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	if source != "" {
		res, err := ingest(ctx, a.library, project, source)
		if err != nil {
			fmt.Fprintf(stderr, "error: ingest: %v\n", err)
			return 1
		}
		fmt.Fprintf(stderr, "indexed %d files (%d chunks) for %s\n", res.Files, res.Chunks, project)
	}

	cfg, err := pipeline.ResolveConfig(a.templates, template)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	if depth != "" {
		cfg.Depth = pipeline.Depth(depth)
	}
	if personas != "" {
		cfg.Personas = nil
		for _, p := range strings.Split(personas, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Personas = append(cfg.Personas, pipeline.Persona(p))
			}
		}
	}

	run, err := a.ctrl.Start(ctx, project, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "run %s started (%d stages)\n", run.ID, len(run.Steps))
	return followRun(ctx, a, run.ID, follow, stdout, stderr)
}

func runResume(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		common commonConfig
		follow followConfig
		orphan bool
	)
	fs := flag.NewFlagSet("repolens resume", flag.ContinueOnError)
	addCommonFlags(fs, &common)
	addFollowFlags(fs, &follow)
	fs.BoolVar(&orphan, "orphan", false, "Take over a run left RUNNING by a process that no longer exists")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: repolens resume [flags] <run-id>")
		return 2
	}

	a, err := newApp(common, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	runID := fs.Arg(0)
	if orphan {
		// No task exists in this process, so Pause marks a RUNNING run PAUSED directly.
		if _, err := a.ctrl.Pause(ctx, runID); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
	}
	run, err := a.ctrl.Resume(ctx, runID)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "run %s resumed at %s\n", run.ID, run.Summary().Progress)
	return followRun(ctx, a, run.ID, follow, stdout, stderr)
}

// followRun blocks until the run's task ends, then prints its summary and
// optionally writes the report. An interrupt requests a cooperative pause.
func followRun(ctx context.Context, a *app, runID string, cfg followConfig, stdout, stderr io.Writer) int {
	if cfg.tui {
		p := tea.NewProgram(tui.NewWatchModel(ctx, a.ctrl, runID, 0), tea.WithAltScreen(), tea.WithContext(ctx))
		if _, err := p.Run(); err != nil && ctx.Err() == nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
		}
		if a.ctrl.ActiveRuns() > 0 {
			fmt.Fprintln(stderr, "pausing after the current stage...")
			_, _ = a.ctrl.Pause(context.Background(), runID)
		}
	} else if err := a.ctrl.Wait(ctx, runID); err != nil {
		fmt.Fprintln(stderr, "\ninterrupted; pausing after the current stage...")
		_, _ = a.ctrl.Pause(context.Background(), runID)
	}

	wctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.ctrl.Wait(wctx, runID); err != nil {
		// The stage did not finish in time; discard it and pause.
		_ = a.ctrl.Shutdown(wctx)
	}

	summary, err := a.ctrl.Summary(context.Background(), runID)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	printSummary(stdout, summary)

	switch summary.Status {
	case pipeline.RunCompleted:
		if cfg.report != "" {
			if err := writeReport(context.Background(), a.ctrl, runID, cfg.report); err != nil {
				fmt.Fprintf(stderr, "error: %v\n", err)
				return 1
			}
			fmt.Fprintf(stderr, "report written to %s\n", cfg.report)
		}
		return 0
	case pipeline.RunPaused:
		fmt.Fprintf(stderr, "resume with: repolens resume %s\n", runID)
		return 0
	default:
		return 1
	}
}

func ingest(ctx context.Context, lib *retrieval.Library, project, source string) (retrieval.IngestResult, error) {
	switch {
	case strings.HasPrefix(source, "http://"), strings.HasPrefix(source, "https://"):
		return lib.IngestGitHub(ctx, project, source)
	case strings.HasSuffix(strings.ToLower(source), ".zip"):
		return lib.IngestZip(ctx, project, source)
	default:
		return lib.IngestDir(ctx, project, source)
	}
}

func runStatus(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		common  commonConfig
		asJSON  bool
		project string
	)
	fs := flag.NewFlagSet("repolens status", flag.ContinueOnError)
	addCommonFlags(fs, &common)
	fs.BoolVar(&asJSON, "json", false, "Print the summary and status as JSON")
	fs.StringVar(&project, "project", "", "Show the latest run for this project instead of a run ID")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}
	if (fs.NArg() == 1) == (project != "") {
		fmt.Fprintln(stderr, "usage: repolens status [flags] <run-id> | -project <id>")
		return 2
	}

	a, err := newApp(common, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	runID := fs.Arg(0)
	if project != "" {
		if runID, err = a.ctrl.LatestRunID(ctx, project); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
	}
	summary, err := a.ctrl.Summary(ctx, runID)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	view, err := a.ctrl.Status(ctx, runID)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"summary": summary, "status": view})
		return 0
	}
	printSummary(stdout, summary)
	if view.Activity != "" {
		fmt.Fprintf(stdout, "Activity:   %s\n", view.Activity)
	}
	for _, stage := range summary.CompletedStages {
		if insight := view.Insights[stage]; insight != "" {
			fmt.Fprintf(stdout, "  %-14s %s\n", stage, insight)
		}
	}
	return 0
}

func runList(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		common  commonConfig
		project string
	)
	fs := flag.NewFlagSet("repolens runs", flag.ContinueOnError)
	addCommonFlags(fs, &common)
	fs.StringVar(&project, "project", "", "Only list runs for this project")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}

	a, err := newApp(common, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	runs, err := a.ctrl.List(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tPROJECT\tSTATUS\tPROGRESS\tSTARTED")
	for _, r := range runs {
		if project != "" && r.ProjectID != project {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s (%.1f%%)\t%s\n",
			r.RunID, r.ProjectID, r.Status, r.Progress, r.ProgressPercent, r.StartedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
	return 0
}

func runReport(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		common commonConfig
		out    string
	)
	fs := flag.NewFlagSet("repolens report", flag.ContinueOnError)
	addCommonFlags(fs, &common)
	fs.StringVar(&out, "o", "", "Output file (.html for HTML); stdout Markdown when empty")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: repolens report [flags] <run-id>")
		return 2
	}

	a, err := newApp(common, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	if out != "" {
		if err := writeReport(ctx, a.ctrl, fs.Arg(0), out); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}
	run, err := a.ctrl.Get(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, report.Markdown(run))
	return 0
}

func runAsk(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var common commonConfig
	fs := flag.NewFlagSet("repolens ask", flag.ContinueOnError)
	addCommonFlags(fs, &common)
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(stderr, "usage: repolens ask [flags] <run-id> <question...>")
		return 2
	}

	a, err := newApp(common, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()

	rec, err := a.ctrl.Ask(ctx, fs.Arg(0), strings.Join(fs.Args()[1:], " "))
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, rec.Answer)
	return 0
}

// writeReport renders the run's report to path, as HTML when path ends in .html.
func writeReport(ctx context.Context, ctrl *pipeline.Controller, runID, path string) error {
	run, err := ctrl.Get(ctx, runID)
	if err != nil {
		return err
	}
	content := report.Markdown(run)
	if strings.HasSuffix(strings.ToLower(path), ".html") {
		if content, err = report.HTML(run); err != nil {
			return fmt.Errorf("render report: %w", err)
		}
	}
	return os.WriteFile(path, []byte(content), 0644)
}

func printSummary(w io.Writer, s pipeline.Summary) {
	fmt.Fprintf(w, "Run:        %s\n", s.RunID)
	fmt.Fprintf(w, "Project:    %s\n", s.ProjectID)
	fmt.Fprintf(w, "Status:     %s\n", s.Status)
	fmt.Fprintf(w, "Progress:   %s (%.1f%%)\n", s.Progress, s.ProgressPercent)
	if s.CurrentAgent != "" && !s.Status.Terminal() {
		fmt.Fprintf(w, "Next stage: %s\n", s.CurrentAgent)
	}
	if len(s.CompletedStages) > 0 {
		fmt.Fprintf(w, "Completed:  %s\n", strings.Join(s.CompletedStages, ", "))
	}
	if s.InstructionsCount > 0 || s.QuestionsCount > 0 {
		fmt.Fprintf(w, "Interjections: %d instructions, %d questions\n", s.InstructionsCount, s.QuestionsCount)
	}
	if s.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", s.Error)
	}
}
