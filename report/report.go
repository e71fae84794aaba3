// ABOUTME: Renders a run's completed stage outputs as a Markdown document and as standalone HTML.
// ABOUTME: Sections appear only for stages that completed; diagrams are emitted as fenced mermaid blocks.
package report

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"

	"github.com/2389-research/repolens/pipeline"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// Markdown builds the report for run. Stages that have not completed, or whose
// output no longer decodes, are left out.
func Markdown(run *pipeline.Run) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Analysis report: %s\n\n", run.ProjectID)
	s := run.Summary()
	fmt.Fprintf(&b, "_Run %s, %s, %s_\n\n", run.ID, s.Status, s.Progress)

	if plan, ok := decode[*pipeline.CoordinatorOutput](run, pipeline.StageCoordinator); ok {
		b.WriteString("## Overview\n\n")
		b.WriteString(plan.ProjectSummary + "\n\n")
		writeList(&b, "Analysis priorities", plan.AnalysisPriorities)
	}
	if sem, ok := decode[*pipeline.SemanticOutput](run, pipeline.StageSemantic); ok {
		b.WriteString("## Code structure\n\n")
		if sem.StackSummary != "" {
			b.WriteString(sem.StackSummary + "\n\n")
		}
		writeComponents(&b, sem.Components)
		writeAPIs(&b, sem.APIs)
		writeList(&b, "Key files", sem.KeyFiles)
	}
	if sde, ok := decode[*pipeline.SDEOutput](run, pipeline.StageSDEWriter); ok {
		b.WriteString("## Technical documentation\n\n")
		b.WriteString(sde.ArchitectureSummary + "\n\n")
		writeComponents(&b, sde.Components)
		writeAPIs(&b, sde.APIs)
		if len(sde.DatabaseModel) > 0 {
			b.WriteString("### Data model\n\n")
			for _, e := range sde.DatabaseModel {
				fmt.Fprintf(&b, "- **%s**: %s\n", e.Name, strings.Join(e.Fields, ", "))
			}
			b.WriteString("\n")
		}
		writeDiagrams(&b, sde.Diagrams)
		writeList(&b, "Technical notes", sde.TechnicalNotes)
	}
	if pm, ok := decode[*pipeline.PMOutput](run, pipeline.StagePMWriter); ok {
		b.WriteString("## Product documentation\n\n")
		b.WriteString(pm.ProductSummary + "\n\n")
		if len(pm.KeyFeatures) > 0 {
			b.WriteString("### Key features\n\n")
			for _, f := range pm.KeyFeatures {
				fmt.Fprintf(&b, "- **%s**: %s\n", f.Name, f.Description)
			}
			b.WriteString("\n")
		}
		writeList(&b, "User journeys", pm.UserJourneys)
		writeList(&b, "Constraints", pm.Constraints)
		writeList(&b, "Risks", pm.Risks)
		writeList(&b, "Roadmap ideas", pm.RoadmapIdeas)
		writeDiagrams(&b, pm.Diagrams)
	}
	if bp, ok := decode[*pipeline.BestPracticeOutput](run, pipeline.StageBestPractice); ok {
		b.WriteString("## Best practices\n\n")
		b.WriteString(bp.OverallAssessment + "\n\n")
		writeList(&b, "Strengths", bp.Strengths)
		writeList(&b, "Risks", bp.Risks)
		if len(bp.Recommendations) > 0 {
			b.WriteString("### Recommendations\n\n")
			for _, r := range bp.Recommendations {
				prio := ""
				if r.Priority != "" {
					prio = " (" + r.Priority + ")"
				}
				fmt.Fprintf(&b, "- **%s**%s: %s\n", r.Title, prio, r.Detail)
			}
			b.WriteString("\n")
		}
	}
	if qa, ok := decode[*pipeline.QAOutput](run, pipeline.StageQA); ok {
		b.WriteString("## Quality review\n\n")
		fmt.Fprintf(&b, "**Overall score: %d/100**\n\n", qa.OverallAssessment.OverallScore)
		if qa.OverallAssessment.Summary != "" {
			b.WriteString(qa.OverallAssessment.Summary + "\n\n")
		}
		if qa.SDEValidation != nil {
			fmt.Fprintf(&b, "- Technical completeness: %d/100\n", qa.SDEValidation.CompletenessScore)
		}
		if qa.PMValidation != nil {
			fmt.Fprintf(&b, "- Product completeness: %d/100\n", qa.PMValidation.CompletenessScore)
		}
		if qa.SDEValidation != nil || qa.PMValidation != nil {
			b.WriteString("\n")
		}
		writeList(&b, "Critical issues", qa.OverallAssessment.CriticalIssues)
		writeList(&b, "Recommended next steps", qa.OverallAssessment.RecommendedNextSteps)
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}

var page = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 60rem; margin: 2rem auto; padding: 0 1rem; line-height: 1.5; }
pre { background: #f5f5f5; padding: 0.75rem; overflow-x: auto; }
code { font-size: 0.9em; }
</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// HTML renders the Markdown report into a standalone page. Raw HTML in model
// output is dropped by goldmark's default renderer.
func HTML(run *pipeline.Run) (string, error) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var body bytes.Buffer
	if err := md.Convert([]byte(Markdown(run)), &body); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	var out bytes.Buffer
	err := page.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{
		Title: "Analysis report: " + run.ProjectID,
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		return "", fmt.Errorf("render report page: %w", err)
	}
	return out.String(), nil
}

func decode[T pipeline.StageOutput](run *pipeline.Run, stage pipeline.StageName) (T, bool) {
	var zero T
	s, ok := run.Stage(stage)
	if !ok || s.Status != pipeline.StageCompleted {
		return zero, false
	}
	out, err := pipeline.UnmarshalStageOutput(stage, s.Output)
	if err != nil {
		return zero, false
	}
	typed, ok := out.(T)
	return typed, ok
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "### %s\n\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
	b.WriteString("\n")
}

func writeComponents(b *strings.Builder, cs []pipeline.Component) {
	if len(cs) == 0 {
		return
	}
	b.WriteString("### Components\n\n")
	for _, c := range cs {
		fmt.Fprintf(b, "- **%s**: %s", c.Name, c.Responsibility)
		if len(c.Files) > 0 {
			fmt.Fprintf(b, " (`%s`)", strings.Join(c.Files, "`, `"))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

func writeAPIs(b *strings.Builder, apis []pipeline.API) {
	if len(apis) == 0 {
		return
	}
	b.WriteString("### APIs\n\n| Method | Path | Description |\n|---|---|---|\n")
	for _, a := range apis {
		fmt.Fprintf(b, "| %s | `%s` | %s |\n", a.Method, a.Path, cell(a.Description))
	}
	b.WriteString("\n")
}

func writeDiagrams(b *strings.Builder, ds []pipeline.Diagram) {
	for _, d := range ds {
		fmt.Fprintf(b, "### %s\n\n```mermaid\n%s\n```\n\n", d.Title, strings.TrimSpace(d.Source))
	}
}

// cell keeps a value on one table row.
func cell(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", `\|`)
}
