// ABOUTME: Builds the system and task prompts for each stage from config, dependency outputs, instructions and retrieval hits.
// ABOUTME: Each stage's system prompt embeds the JSON shape its schema in schemas.go decodes.
package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/2389-research/repolens/llm"
	"github.com/2389-research/repolens/retrieval"
)

// maxDependencyChars bounds each dependency output quoted in a task prompt.
const maxDependencyChars = 500

var stageRoles = map[StageName]string{
	StageCoordinator:  "You are the coordinator for a codebase analysis. Summarize the project scope, pick analysis priorities and write focused search queries for the semantic analyst.",
	StageSemantic:     "You are a semantic code analyst. Extract the components, APIs, data entities, data flows and key files of the codebase from the retrieved code.",
	StageBestPractice: "You are a senior reviewer. Compare the analyzed codebase against established engineering practice and list strengths, risks and prioritized recommendations.",
	StageSDEWriter:    "You are a technical documentation writer for software engineers. Document the architecture, components, APIs and data model, with mermaid diagrams.",
	StagePMWriter:     "You are a product documentation writer for product managers. Describe the product, its key features, user journeys, constraints, risks and roadmap ideas in plain language.",
	StageQA:           "You are a documentation quality reviewer. Score the generated documentation for completeness, list gaps and recommend next steps.",
}

var stageShapes = map[StageName]string{
	StageCoordinator: `{"project_summary": "...", "analysis_priorities": ["..."], "semantic_queries": ["..."]}`,
	StageSemantic: `{"components": [{"name": "...", "responsibility": "...", "files": ["..."]}],
 "apis": [{"method": "GET", "path": "/...", "description": "...", "handler": "..."}],
 "entities": [{"name": "...", "fields": ["..."], "source": "..."}],
 "data_flows": ["..."], "key_files": ["..."], "stack_summary": "..."}`,
	StageBestPractice: `{"strengths": ["..."], "risks": ["..."],
 "recommendations": [{"title": "...", "detail": "...", "priority": "high|medium|low"}],
 "overall_assessment": "..."}`,
	StageSDEWriter: `{"architecture_summary": "...", "components": [{"name": "...", "responsibility": "...", "files": ["..."]}],
 "apis": [{"method": "...", "path": "...", "description": "..."}], "database_model": [{"name": "...", "fields": ["..."]}],
 "diagrams": [{"title": "...", "kind": "architecture|sequence|er|flowchart", "source": "graph TD\n  A-->B"}],
 "technical_notes": ["..."]}`,
	StagePMWriter: `{"product_summary": "...", "key_features": [{"name": "...", "description": "..."}],
 "user_journeys": ["..."], "constraints": ["..."], "risks": ["..."], "roadmap_ideas": ["..."],
 "diagrams": [{"title": "...", "kind": "flowchart", "source": "..."}]}`,
	StageQA: `{"sde_validation": {"completeness_score": 0, "strengths": ["..."], "gaps": ["..."], "enhancement_suggestions": ["..."]},
 "pm_validation": {"completeness_score": 0, "strengths": ["..."], "gaps": ["..."], "enhancement_suggestions": ["..."]},
 "overall_assessment": {"overall_score": 0, "summary": "...", "critical_issues": ["..."], "recommended_next_steps": ["..."]}}`,
}

var verbosityInstructions = map[Verbosity]string{
	VerbosityLow:    "Be concise. Use short bullet points and limit explanations to one or two sentences.",
	VerbosityMedium: "Give clear explanations, balancing brevity with completeness.",
	VerbosityHigh:   "Give detailed explanations with examples and context.",
}

var depthDetail = map[Depth]string{
	DepthQuick:    "a high-level overview",
	DepthStandard: "a detailed analysis",
	DepthDeep:     "a comprehensive deep-dive",
}

// retrievalK returns how many hits each query fetches at the given depth.
func retrievalK(d Depth) int {
	switch d {
	case DepthQuick:
		return 3
	case DepthDeep:
		return 10
	default:
		return 5
	}
}

// BuildPrompt assembles the prompt for one stage invocation.
func BuildPrompt(in StageInput, hits []retrieval.Hit) llm.Prompt {
	var sys strings.Builder
	sys.WriteString(stageRoles[in.Stage])
	fmt.Fprintf(&sys, "\n\nProduce %s. %s\n", depthDetail[in.Config.Depth], verbosityInstructions[in.Config.Verbosity])
	sys.WriteString("\nRespond with a single JSON object and nothing else, shaped like:\n")
	sys.WriteString(stageShapes[in.Stage])
	sys.WriteString("\n")

	var task strings.Builder
	fmt.Fprintf(&task, "Project: %s\n", in.ProjectID)
	if in.ProjectSummary != "" {
		fmt.Fprintf(&task, "Summary: %s\n", in.ProjectSummary)
	}
	writeFocus(&task, in)

	if len(in.Instructions) > 0 {
		task.WriteString("\nUser instructions (follow these):\n")
		for _, instr := range in.Instructions {
			fmt.Fprintf(&task, "- %s\n", instr)
		}
	}

	if len(in.Outputs) > 0 {
		task.WriteString("\nResults from earlier stages:\n")
		names := make([]string, 0, len(in.Outputs))
		for name := range in.Outputs {
			names = append(names, string(name))
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&task, "[%s] %s\n", name, truncate(string(in.Outputs[StageName(name)]), maxDependencyChars))
		}
	}

	if len(hits) > 0 {
		task.WriteString("\nRelevant code:\n")
		for _, h := range hits {
			fmt.Fprintf(&task, "--- %s (%s)\n%s\n", h.Source, h.Language, h.Content)
		}
	}
	return llm.Prompt{System: sys.String(), User: task.String()}
}

func writeFocus(b *strings.Builder, in StageInput) {
	f := in.Config.Features
	var areas []string
	if f.Structure {
		areas = append(areas, "code structure")
	}
	if f.APIDB {
		areas = append(areas, "APIs and database models")
	}
	if f.BestPractices {
		areas = append(areas, "engineering practices")
	}
	if f.PMInsights {
		areas = append(areas, "product insights")
	}
	if len(areas) > 0 {
		fmt.Fprintf(b, "Focus areas: %s\n", strings.Join(areas, ", "))
	}
	if (in.Stage == StageSDEWriter || in.Stage == StagePMWriter) && len(in.Config.DiagramPreferences) > 0 {
		fmt.Fprintf(b, "Diagrams to include: %s\n", strings.Join(in.Config.DiagramPreferences, ", "))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
