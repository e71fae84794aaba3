// ABOUTME: Step executor contract and the LLM-backed implementation that runs one stage's unit of work.
// ABOUTME: Gathers retrieval context, prompts the model, and decodes the reply against the stage schema.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/2389-research/repolens/llm"
	"github.com/2389-research/repolens/retrieval"
)

// ErrInterrupted is returned by an executor that stopped at a sub-step
// boundary because a pause was requested. The stage is left unfinished.
var ErrInterrupted = errors.New("stage interrupted")

// StageInput is everything a stage needs. Outputs holds only the stage's
// direct and transitive dependencies.
type StageInput struct {
	RunID          string
	ProjectID      string
	Stage          StageName
	Outputs        map[StageName]json.RawMessage
	Instructions   []string
	ProjectSummary string
	Config         AnalysisConfig
	Temperature    float64

	// Interrupted reports whether a pause has been requested. Executors may
	// poll it between sub-steps and return ErrInterrupted.
	Interrupted func() bool
	// Progress reports an intermediate sub-step to the status projection.
	Progress func(message string)
}

func (in StageInput) interrupted() bool {
	return in.Interrupted != nil && in.Interrupted()
}

func (in StageInput) progress(msg string) {
	if in.Progress != nil {
		in.Progress(msg)
	}
}

// Executor runs one stage and returns its validated JSON output. It never
// touches the Run record.
type Executor interface {
	Execute(ctx context.Context, in StageInput) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in StageInput) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, in StageInput) (json.RawMessage, error) {
	return f(ctx, in)
}

// SearchProvider resolves the retrieval searcher for a project.
type SearchProvider interface {
	Searcher(projectID string) retrieval.Searcher
}

// SearchProviderFunc adapts a function to SearchProvider.
type SearchProviderFunc func(projectID string) retrieval.Searcher

// Searcher calls f.
func (f SearchProviderFunc) Searcher(projectID string) retrieval.Searcher { return f(projectID) }

// bootstrapQueries seed retrieval for the coordinator and for a semantic
// stage whose coordinator produced no queries.
var bootstrapQueries = []string{
	"main entrypoint application startup",
	"API routes endpoints handlers",
	"database models schemas entities",
	"configuration settings environment",
}

// LLMExecutor runs stages against a language model with optional retrieval.
type LLMExecutor struct {
	completer llm.Completer
	search    SearchProvider
}

var _ Executor = (*LLMExecutor)(nil)

// NewLLMExecutor creates an executor. search may be nil.
func NewLLMExecutor(c llm.Completer, search SearchProvider) *LLMExecutor {
	return &LLMExecutor{completer: c, search: search}
}

// Execute gathers context, calls the model and decodes the stage output.
// Every failure is a *StageExecutionError.
func (e *LLMExecutor) Execute(ctx context.Context, in StageInput) (json.RawMessage, error) {
	if e.completer == nil {
		return nil, &StageExecutionError{Stage: in.Stage, Err: llm.ErrNoProvider}
	}

	hits := e.gather(ctx, in)
	if in.interrupted() {
		return nil, ErrInterrupted
	}

	in.progress(fmt.Sprintf("Calling %s for %s", in.Config.Model, in.Stage))
	prompt := BuildPrompt(in, hits)
	text, err := e.completer.Complete(ctx, prompt, llm.Params{
		Model:       in.Config.Model,
		MaxTokens:   in.Config.MaxTokens,
		Temperature: llm.Float(in.Temperature),
	})
	if err != nil {
		return nil, &StageExecutionError{Stage: in.Stage, Err: err}
	}

	raw, _, err := DecodeStageOutput(in.Stage, text)
	if err != nil {
		return nil, &StageExecutionError{Stage: in.Stage, Err: err}
	}
	return raw, nil
}

// gather runs the stage's retrieval queries. Search failures are logged and
// the stage proceeds with whatever context was found.
func (e *LLMExecutor) gather(ctx context.Context, in StageInput) []retrieval.Hit {
	if e.search == nil {
		return nil
	}
	var queries []string
	k := retrievalK(in.Config.Depth)
	switch in.Stage {
	case StageCoordinator:
		queries, k = bootstrapQueries, 5
	case StageSemantic:
		if raw, ok := in.Outputs[StageCoordinator]; ok {
			var plan CoordinatorOutput
			if err := json.Unmarshal(raw, &plan); err == nil {
				queries = plan.SemanticQueries
			}
		}
		if len(queries) == 0 {
			queries = bootstrapQueries
		}
	default:
		return nil
	}

	searcher := e.search.Searcher(in.ProjectID)
	seen := make(map[string]bool)
	var hits []retrieval.Hit
	for i, q := range queries {
		if in.interrupted() {
			break
		}
		in.progress(fmt.Sprintf("Searching codebase (%d/%d): %s", i+1, len(queries), q))
		found, err := searcher.Search(ctx, q, k)
		if err != nil {
			log.Printf("component=pipeline.executor action=search_failed run=%s stage=%s err=%v", in.RunID, in.Stage, err)
			continue
		}
		for _, h := range found {
			if !seen[h.Source] {
				seen[h.Source] = true
				hits = append(hits, h)
			}
		}
	}
	return hits
}

// safeExecute runs the executor and converts a panic into a stage error.
func safeExecute(ctx context.Context, exec Executor, in StageInput) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = &StageExecutionError{Stage: in.Stage, Err: fmt.Errorf("executor panic: %v\n%s", r, debug.Stack())}
		}
	}()
	out, err = exec.Execute(ctx, in)
	if err != nil && !errors.Is(err, ErrInterrupted) {
		var se *StageExecutionError
		if !errors.As(err, &se) {
			err = &StageExecutionError{Stage: in.Stage, Err: err}
		}
	}
	return out, err
}
