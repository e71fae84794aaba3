// ABOUTME: Answers user questions about a run from its live state, its stage outputs, or the indexed codebase.
// ABOUTME: Code questions search the project index and, when a model is configured, ask it to answer from the hits.
package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/2389-research/repolens/llm"
)

const (
	answerSearchK  = 3
	answerSnippet  = 300
	answerMaxChars = 400
)

// Answerer routes a question to the cheapest source that can answer it.
type Answerer struct {
	search    SearchProvider
	completer llm.Completer
}

// NewAnswerer creates an answerer. Either collaborator may be nil.
func NewAnswerer(search SearchProvider, c llm.Completer) *Answerer {
	return &Answerer{search: search, completer: c}
}

// Answer never fails; problems are reported in the answer text.
func (a *Answerer) Answer(ctx context.Context, run *Run, question string) string {
	q := strings.ToLower(question)
	switch {
	case strings.Contains(q, "analyzing") || strings.Contains(q, "working on"):
		return currentWork(run)
	case strings.Contains(q, "progress") || strings.Contains(q, "status"):
		return statusBlock(run)
	case strings.Contains(q, "results") || strings.Contains(q, "found"):
		return resultsSoFar(run)
	}
	return a.answerFromCode(ctx, run, question)
}

func currentWork(run *Run) string {
	switch run.Status {
	case RunCompleted:
		return "The analysis is complete."
	case RunFailed:
		return fmt.Sprintf("The analysis failed: %s", run.Error)
	case RunPaused:
		return fmt.Sprintf("The analysis is paused before %s.", run.CurrentStage())
	}
	return fmt.Sprintf("Currently working on %s (step %d of %d).", run.CurrentStage(), run.CurrentStep+1, len(run.Steps))
}

func statusBlock(run *Run) string {
	s := run.Summary()
	var b strings.Builder
	fmt.Fprintf(&b, "Status: %s\n", s.Status)
	fmt.Fprintf(&b, "Progress: %s (%.1f%%)\n", s.Progress, s.ProgressPercent)
	if s.CurrentAgent != "" {
		fmt.Fprintf(&b, "Current stage: %s\n", s.CurrentAgent)
	}
	if len(s.CompletedStages) > 0 {
		fmt.Fprintf(&b, "Completed: %s\n", strings.Join(s.CompletedStages, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func resultsSoFar(run *Run) string {
	completed := run.CompletedStages()
	if len(completed) == 0 {
		return "No stages have completed yet."
	}
	var b strings.Builder
	b.WriteString("Results so far:\n")
	for _, name := range completed {
		s, _ := run.Stage(name)
		fmt.Fprintf(&b, "- %s: %s\n", name, truncate(string(s.Output), answerMaxChars))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *Answerer) answerFromCode(ctx context.Context, run *Run, question string) string {
	if a.search == nil {
		return "No codebase index is available for this project."
	}
	hits, err := a.search.Searcher(run.ProjectID).Search(ctx, question, answerSearchK)
	if err != nil {
		return fmt.Sprintf("Error searching codebase: %v", err)
	}
	if len(hits) == 0 {
		return "I could not find code related to that question."
	}

	var found strings.Builder
	found.WriteString("Relevant code:\n")
	for _, h := range hits {
		lang := h.Language
		if lang == "" {
			lang = "unknown"
		}
		fmt.Fprintf(&found, "- %s (%s)\n  %s\n", h.Source, lang, truncate(strings.TrimSpace(h.Content), answerSnippet))
	}
	formatted := strings.TrimRight(found.String(), "\n")
	if a.completer == nil {
		return formatted
	}

	prompt := llm.Prompt{
		System: "You answer questions about a codebase using only the provided code excerpts and analysis status. Be brief and cite file paths.",
		User:   fmt.Sprintf("Question: %s\n\n%s\n\n%s", question, statusBlock(run), formatted),
	}
	text, err := a.completer.Complete(ctx, prompt, llm.Params{
		Model:     run.Config.Model,
		MaxTokens: min(run.Config.MaxTokens, 1000),
	})
	if err != nil || strings.TrimSpace(text) == "" {
		log.Printf("component=pipeline.answer action=llm_fallback run=%s err=%v", run.ID, err)
		return formatted
	}
	return strings.TrimSpace(text)
}
