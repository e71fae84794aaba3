// ABOUTME: Wires the run store, retrieval library, LLM completer, progress log and metrics into a controller.
// ABOUTME: Shared by every subcommand that drives runs in this process.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/2389-research/repolens/llm"
	"github.com/2389-research/repolens/pipeline"
	"github.com/2389-research/repolens/retrieval"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// commonConfig holds flags every controller-backed subcommand accepts.
type commonConfig struct {
	dataDir       string
	storeKind     string
	templatesFile string
	model         string
	verbose       bool
}

func addCommonFlags(fs *flag.FlagSet, cfg *commonConfig) {
	fs.StringVar(&cfg.dataDir, "data-dir", "", "Data directory for runs, indexes and progress logs (default: $XDG_DATA_HOME/repolens)")
	fs.StringVar(&cfg.storeKind, "store", "sqlite", "Run store backend: sqlite or fs")
	fs.StringVar(&cfg.templatesFile, "templates", "", "YAML or TOML file with extra analysis templates")
	fs.StringVar(&cfg.model, "model", "", "Force this model for every LLM call")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Print pipeline events to stderr")
}

// app bundles the collaborators built from commonConfig.
type app struct {
	ctrl      *pipeline.Controller
	library   *retrieval.Library
	templates map[string]pipeline.Template
	registry  *prometheus.Registry
	provider  string // "" when no LLM key is configured
	closers   []func() error
}

func newApp(cfg commonConfig, stderr io.Writer) (*app, error) {
	dataDir, err := resolveDataDir(cfg.dataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	a := &app{registry: prometheus.NewRegistry()}
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store, err := openStore(cfg.storeKind, dataDir)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.templates, err = loadTemplates(cfg.templatesFile)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.library = retrieval.NewLibrary(filepath.Join(dataDir, "projects"), retrieval.DefaultIngestOptions())

	// Without a provider, stages fail with ErrNoProvider but status, ask and
	// report still work against stored runs.
	var exec pipeline.Executor
	completer, provider, err := llm.FromEnv(cfg.model)
	switch {
	case err == nil:
		a.provider = provider.Name
		exec = pipeline.NewLLMExecutor(completer, a.library)
	case errors.Is(err, llm.ErrNoProvider):
		noLLM := err
		exec = pipeline.ExecutorFunc(func(context.Context, pipeline.StageInput) (json.RawMessage, error) {
			return nil, noLLM
		})
	default:
		a.Close()
		return nil, err
	}

	progress := pipeline.NewProgressLog(filepath.Join(dataDir, "progress"))
	a.closers = append(a.closers, progress.Close)
	metrics := pipeline.NewMetrics(a.registry)
	handlers := []pipeline.EventHandler{progress.HandleEvent, metrics.HandleEvent}
	if cfg.verbose {
		handlers = append(handlers, verboseEventHandler(stderr))
	}

	a.ctrl, err = pipeline.NewController(pipeline.ControllerConfig{
		Store:    store,
		Executor: exec,
		Answerer: pipeline.NewAnswerer(a.library, completer),
		OnEvent:  pipeline.MultiHandler(handlers...),
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	log.Printf("component=cli action=init data_dir=%s store=%s provider=%s", dataDir, cfg.storeKind, a.provider)
	return a, nil
}

// Close shuts the controller down (pausing active runs) and releases resources.
func (a *app) Close() error {
	if a.ctrl != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		_ = a.ctrl.Shutdown(ctx)
		cancel()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func openStore(kind, dataDir string) (pipeline.RunStore, error) {
	switch kind {
	case "", "sqlite":
		return pipeline.OpenSQLiteRunStore(filepath.Join(dataDir, "runs.db"))
	case "fs":
		return pipeline.NewFSRunStore(filepath.Join(dataDir, "runs"))
	default:
		return nil, fmt.Errorf("unknown store %q (want sqlite or fs)", kind)
	}
}

// loadTemplates reads the explicit file, else templates.yaml or templates.toml
// in the config dir, else the built-ins.
func loadTemplates(path string) (map[string]pipeline.Template, error) {
	if path != "" {
		return pipeline.LoadTemplates(path)
	}
	if dir, err := defaultConfigDir(); err == nil {
		for _, name := range []string{"templates.yaml", "templates.yml", "templates.toml"} {
			p := filepath.Join(dir, name)
			if _, err := os.Stat(p); err == nil {
				return pipeline.LoadTemplates(p)
			}
		}
	}
	return pipeline.DefaultTemplates(), nil
}

// verboseEventHandler prints run lifecycle events to w.
func verboseEventHandler(w io.Writer) pipeline.EventHandler {
	return func(evt pipeline.Event) {
		switch evt.Type {
		case pipeline.EventRunStarted:
			fmt.Fprintf(w, "[run] %s started\n", evt.RunID)
		case pipeline.EventRunResumed:
			fmt.Fprintf(w, "[run] %s resumed\n", evt.RunID)
		case pipeline.EventStageStarted:
			fmt.Fprintf(w, "[stage] %s started\n", evt.Stage)
		case pipeline.EventStageProgress:
			fmt.Fprintf(w, "[stage] %s: %v\n", evt.Stage, evt.Data["message"])
		case pipeline.EventStageCompleted:
			fmt.Fprintf(w, "[stage] %s completed (%v%%)\n", evt.Stage, evt.Data["progress_percent"])
		case pipeline.EventStageFailed:
			fmt.Fprintf(w, "[stage] %s failed: %v\n", evt.Stage, evt.Data["error"])
		case pipeline.EventPauseRequested:
			fmt.Fprintf(w, "[run] pause requested\n")
		case pipeline.EventRunPaused:
			fmt.Fprintf(w, "[run] %s paused\n", evt.RunID)
		case pipeline.EventRunCompleted:
			fmt.Fprintf(w, "[run] %s completed\n", evt.RunID)
		case pipeline.EventRunFailed:
			fmt.Fprintf(w, "[run] %s failed: %v\n", evt.RunID, evt.Data["error"])
		case pipeline.EventPersistRetry:
			fmt.Fprintf(w, "[store] retrying write: %v\n", evt.Data["error"])
		}
	}
}
