// ABOUTME: The watch subcommand: a terminal UI following a run owned by a repolens server.
// ABOUTME: remoteSource implements tui.RunSource over the server's HTTP control API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389-research/repolens/pipeline"
	"github.com/2389-research/repolens/tui"
	tea "github.com/charmbracelet/bubbletea"
)

// remoteSource talks to a running `repolens serve`.
type remoteSource struct {
	base   string
	client *http.Client
}

func newRemoteSource(base string) *remoteSource {
	return &remoteSource{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// apiError is a non-2xx response from the control API.
type apiError struct {
	Code    int
	Message string
	Status  string
}

func (e *apiError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("%s (run is %s)", e.Message, e.Status)
	}
	return e.Message
}

func (s *remoteSource) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var body struct {
			Error  string `json:"error"`
			Status string `json:"status"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body)
		if body.Error == "" {
			body.Error = resp.Status
		}
		return &apiError{Code: resp.StatusCode, Message: body.Error, Status: body.Status}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *remoteSource) Get(ctx context.Context, runID string) (*pipeline.Run, error) {
	var run pipeline.Run
	if err := s.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *remoteSource) Status(ctx context.Context, runID string) (pipeline.StatusView, error) {
	var view pipeline.StatusView
	err := s.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(runID)+"/status", &view)
	return view, err
}

// Pause and Resume return no run; the watcher re-fetches after every action.
func (s *remoteSource) Pause(ctx context.Context, runID string) (*pipeline.Run, error) {
	return nil, s.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/pause", nil)
}

func (s *remoteSource) Resume(ctx context.Context, runID string) (*pipeline.Run, error) {
	return nil, s.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(runID)+"/resume", nil)
}

func runWatch(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		server   string
		interval time.Duration
		project  string
	)
	fs := flag.NewFlagSet("repolens watch", flag.ContinueOnError)
	fs.StringVar(&server, "server", "http://127.0.0.1:8089", "Base URL of a running repolens server")
	fs.DurationVar(&interval, "interval", tui.DefaultPollInterval, "Poll interval")
	fs.StringVar(&project, "project", "", "Watch the latest run for this project instead of a run ID")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}
	if (fs.NArg() == 1) == (project != "") {
		fmt.Fprintln(stderr, "usage: repolens watch [flags] <run-id> | -project <id>")
		return 2
	}

	src := newRemoteSource(server)
	runID := fs.Arg(0)
	if project != "" {
		var latest pipeline.Summary
		if err := src.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(project)+"/runs/latest", &latest); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 1
		}
		runID = latest.RunID
	}
	if _, err := src.Get(ctx, runID); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(tui.NewWatchModel(ctx, src, runID, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
