// ABOUTME: Tests for the LLM-backed step executor: retrieval queries, prompt contents, decoding and interruption.
// ABOUTME: The model and the code index are replaced by function adapters that record their inputs.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/2389-research/repolens/llm"
	"github.com/2389-research/repolens/retrieval"
)

type recordingSearcher struct {
	mu      sync.Mutex
	queries []string
	ks      []int
	hits    []retrieval.Hit
	err     error
}

func (s *recordingSearcher) Search(_ context.Context, query string, k int) ([]retrieval.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	s.ks = append(s.ks, k)
	return s.hits, s.err
}

func (s *recordingSearcher) provider() SearchProvider {
	return SearchProviderFunc(func(string) retrieval.Searcher { return s })
}

type recordingCompleter struct {
	reply   string
	err     error
	prompts []llm.Prompt
	params  []llm.Params
}

func (c *recordingCompleter) Complete(_ context.Context, p llm.Prompt, params llm.Params) (string, error) {
	c.prompts = append(c.prompts, p)
	c.params = append(c.params, params)
	return c.reply, c.err
}

func semanticInput() StageInput {
	cfg := DefaultAnalysisConfig()
	cfg.Depth = DepthDeep
	return StageInput{
		RunID:     "run-1",
		ProjectID: "shop",
		Stage:     StageSemantic,
		Outputs: map[StageName]json.RawMessage{
			StageCoordinator: json.RawMessage(`{"project_summary":"A web shop","semantic_queries":["checkout flow","payment gateway"]}`),
		},
		Instructions:   []string{"focus on payments"},
		ProjectSummary: "A web shop",
		Config:         cfg,
		Temperature:    0.3,
	}
}

const semanticReply = "```json\n" + `{"components":[{"name":"Checkout","responsibility":"orders"}],"apis":[],"entities":[],"data_flows":[],"key_files":[],"stack_summary":"Go + Postgres"}` + "\n```"

func TestLLMExecutorSemanticUsesCoordinatorQueries(t *testing.T) {
	search := &recordingSearcher{hits: []retrieval.Hit{
		{Source: "checkout/handler.go:1-40", Language: "go", Content: "func Checkout() {}"},
	}}
	model := &recordingCompleter{reply: semanticReply}
	exec := NewLLMExecutor(model, search.provider())

	raw, err := exec.Execute(context.Background(), semanticInput())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var out SemanticOutput
	if err := json.Unmarshal(raw, &out); err != nil || out.StackSummary != "Go + Postgres" {
		t.Errorf("output = %s (%v)", raw, err)
	}
	if !reflect.DeepEqual(search.queries, []string{"checkout flow", "payment gateway"}) {
		t.Errorf("queries = %v", search.queries)
	}
	if search.ks[0] != 10 {
		t.Errorf("k = %d, want 10 for deep analysis", search.ks[0])
	}

	if len(model.prompts) != 1 {
		t.Fatalf("model called %d times", len(model.prompts))
	}
	user := model.prompts[0].User
	for _, want := range []string{"Project: shop", "Summary: A web shop", "- focus on payments", "[coordinator]", "checkout/handler.go:1-40", "func Checkout() {}"} {
		if !strings.Contains(user, want) {
			t.Errorf("task prompt missing %q:\n%s", want, user)
		}
	}
	if strings.Count(user, "checkout/handler.go:1-40") != 1 {
		t.Error("duplicate hits were not merged")
	}
	if !strings.Contains(model.prompts[0].System, `"stack_summary"`) {
		t.Error("system prompt does not describe the output shape")
	}
	p := model.params[0]
	if p.Model != "gpt-4o-mini" || p.Temperature == nil || *p.Temperature != 0.3 {
		t.Errorf("params = %+v", p)
	}
}

func TestLLMExecutorCoordinatorUsesBootstrapQueries(t *testing.T) {
	search := &recordingSearcher{}
	model := &recordingCompleter{reply: `{"project_summary":"x","semantic_queries":["q"]}`}
	in := semanticInput()
	in.Stage = StageCoordinator
	in.Outputs = nil

	if _, err := NewLLMExecutor(model, search.provider()).Execute(context.Background(), in); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !reflect.DeepEqual(search.queries, bootstrapQueries) {
		t.Errorf("queries = %v", search.queries)
	}
	if search.ks[0] != 5 {
		t.Errorf("k = %d, want 5", search.ks[0])
	}
}

func TestLLMExecutorWritersSkipRetrieval(t *testing.T) {
	search := &recordingSearcher{}
	model := &recordingCompleter{reply: `{"product_summary":"shop"}`}
	in := semanticInput()
	in.Stage = StagePMWriter
	in.Config.DiagramPreferences = []string{"flowchart"}

	_, _ = NewLLMExecutor(model, search.provider()).Execute(context.Background(), in)
	if len(search.queries) != 0 {
		t.Errorf("writer searched: %v", search.queries)
	}
	if len(model.prompts) == 1 && !strings.Contains(model.prompts[0].User, "Diagrams to include: flowchart") {
		t.Errorf("prompt lacks diagram preferences:\n%s", model.prompts[0].User)
	}
}

func TestLLMExecutorSearchFailureIsNotFatal(t *testing.T) {
	search := &recordingSearcher{err: errors.New("index offline")}
	model := &recordingCompleter{reply: semanticReply}
	if _, err := NewLLMExecutor(model, search.provider()).Execute(context.Background(), semanticInput()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.Contains(model.prompts[0].User, "Relevant code") {
		t.Error("prompt has a code section without hits")
	}
}

func TestLLMExecutorErrorsAreStageErrors(t *testing.T) {
	tests := []struct {
		name  string
		model llm.Completer
	}{
		{name: "no model", model: nil},
		{name: "model error", model: &recordingCompleter{err: errors.New("rate limited")}},
		{name: "no json", model: &recordingCompleter{reply: "I cannot help with that."}},
		{name: "schema", model: &recordingCompleter{reply: `{"components":[]}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLLMExecutor(tt.model, nil).Execute(context.Background(), semanticInput())
			var se *StageExecutionError
			if !errors.As(err, &se) || se.Stage != StageSemantic {
				t.Errorf("Execute() error = %v, want StageExecutionError", err)
			}
		})
	}
}

func TestLLMExecutorStopsWhenInterrupted(t *testing.T) {
	search := &recordingSearcher{}
	model := &recordingCompleter{reply: semanticReply}
	in := semanticInput()
	in.Interrupted = func() bool { return len(search.queries) > 0 }

	_, err := NewLLMExecutor(model, search.provider()).Execute(context.Background(), in)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("Execute() error = %v, want ErrInterrupted", err)
	}
	if len(search.queries) != 1 || len(model.prompts) != 0 {
		t.Errorf("queries = %v, model calls = %d", search.queries, len(model.prompts))
	}
}

func TestLLMExecutorReportsProgress(t *testing.T) {
	var msgs []string
	in := semanticInput()
	in.Progress = func(m string) { msgs = append(msgs, m) }
	search := &recordingSearcher{}
	if _, err := NewLLMExecutor(&recordingCompleter{reply: semanticReply}, search.provider()).Execute(context.Background(), in); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(msgs) != 3 || !strings.HasPrefix(msgs[0], "Searching codebase (1/2)") || !strings.HasPrefix(msgs[2], "Calling gpt-4o-mini") {
		t.Errorf("progress = %v", msgs)
	}
}

func TestSafeExecuteWrapsPlainErrors(t *testing.T) {
	exec := ExecutorFunc(func(context.Context, StageInput) (json.RawMessage, error) {
		return nil, errors.New("boom")
	})
	_, err := safeExecute(context.Background(), exec, StageInput{Stage: StageQA})
	var se *StageExecutionError
	if !errors.As(err, &se) || se.Err.Error() != "boom" {
		t.Errorf("safeExecute() error = %v", err)
	}

	interrupted := ExecutorFunc(func(context.Context, StageInput) (json.RawMessage, error) {
		return nil, ErrInterrupted
	})
	if _, err := safeExecute(context.Background(), interrupted, StageInput{Stage: StageQA}); err != ErrInterrupted {
		t.Errorf("safeExecute() error = %v, want ErrInterrupted unchanged", err)
	}
}

func TestTruncateIsRuneSafe(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate() = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate() = %q", got)
	}
}
