// ABOUTME: The serve subcommand: HTTP control API plus orphan recovery, shut down cleanly on SIGINT/SIGTERM.
// ABOUTME: The listener and the shutdown watcher run in one errgroup.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"

	"github.com/2389-research/repolens/web"
	"golang.org/x/sync/errgroup"
)

func runServe(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	var (
		common    commonConfig
		addr      string
		uploadDir string
	)
	fs := flag.NewFlagSet("repolens serve", flag.ContinueOnError)
	addCommonFlags(fs, &common)
	fs.StringVar(&addr, "addr", "127.0.0.1:8089", "Listen address")
	fs.StringVar(&uploadDir, "upload-dir", "", "Scratch directory for ZIP uploads (default: system temp)")
	if code, ok := parseFlags(fs, args, stderr); !ok {
		return code
	}

	a, err := newApp(common, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	defer a.Close()
	if a.provider == "" {
		fmt.Fprintln(stderr, "warning: no LLM API key found; runs will fail at their first stage")
	}

	// Runs left RUNNING by a previous process have no task; make them resumable.
	if n, err := a.ctrl.RecoverOrphans(ctx); err != nil {
		fmt.Fprintf(stderr, "warning: orphan recovery failed: %v\n", err)
	} else if n > 0 {
		fmt.Fprintf(stderr, "paused %d orphaned run(s); resume them with 'repolens resume'\n", n)
	}

	srv, err := web.NewServer(web.ServerConfig{
		Addr:       addr,
		Controller: a.ctrl,
		Library:    a.library,
		Templates:  a.templates,
		Gatherer:   a.registry,
		UploadDir:  uploadDir,
	})
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	httpServer := srv.HTTPServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(stderr, "listening on http://%s\n", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		fmt.Fprintln(stderr, "\nshutting down...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		// Stop accepting requests before pausing runs at their next stage boundary.
		err := httpServer.Shutdown(sctx)
		if serr := a.ctrl.Shutdown(sctx); serr != nil && err == nil {
			err = serr
		}
		return err
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
