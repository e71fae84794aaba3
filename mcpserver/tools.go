// ABOUTME: MCP tool input/output types for the analysis run controller.
// ABOUTME: Field names follow the HTTP API so both surfaces describe runs the same way.
package mcpserver

import "github.com/2389-research/repolens/pipeline"

// StartRunInput is the input for the start_run tool.
type StartRunInput struct {
	ProjectID string   `json:"project_id" jsonschema:"indexed project to analyze"`
	Template  string   `json:"template,omitempty" jsonschema:"analysis template: quick_scan, full_analysis, technical_only or product_only"`
	Depth     string   `json:"depth,omitempty" jsonschema:"override depth: quick, standard or deep"`
	Personas  []string `json:"personas,omitempty" jsonschema:"override personas: sde and/or pm"`
}

// RunInput identifies a run.
type RunInput struct {
	RunID string `json:"run_id" jsonschema:"run identifier"`
}

// AskInput is the input for the ask_question tool.
type AskInput struct {
	RunID    string `json:"run_id" jsonschema:"run identifier"`
	Question string `json:"question" jsonschema:"question about the run or the codebase"`
}

// InstructionInput is the input for the add_instruction tool.
type InstructionInput struct {
	RunID       string `json:"run_id" jsonschema:"run identifier"`
	Instruction string `json:"instruction" jsonschema:"guidance applied to stages that have not started yet"`
}

// RunOutput is the compact run view returned by control tools.
type RunOutput struct {
	RunID           string   `json:"run_id"`
	ProjectID       string   `json:"project_id"`
	Status          string   `json:"status"`
	CurrentStage    string   `json:"current_stage,omitempty"`
	Progress        string   `json:"progress"`
	ProgressPercent float64  `json:"progress_percent"`
	CompletedStages []string `json:"completed_stages"`
	Instructions    int      `json:"user_instructions_count"`
	Error           string   `json:"error,omitempty"`
}

// StatusOutput is the result of the run_status tool.
type StatusOutput struct {
	Run            RunOutput         `json:"run"`
	Activity       string            `json:"activity"`
	Paused         bool              `json:"paused"`
	PauseRequested bool              `json:"pause_requested"`
	Logs           []string          `json:"logs"`
	Insights       map[string]string `json:"insights"`
}

// AskOutput is the result of the ask_question tool.
type AskOutput struct {
	ID     string `json:"id"`
	Answer string `json:"answer"`
}

func runOutput(s pipeline.Summary) RunOutput {
	return RunOutput{
		RunID:           s.RunID,
		ProjectID:       s.ProjectID,
		Status:          string(s.Status),
		CurrentStage:    string(s.CurrentAgent),
		Progress:        s.Progress,
		ProgressPercent: s.ProgressPercent,
		CompletedStages: s.CompletedStages,
		Instructions:    s.InstructionsCount,
		Error:           s.Error,
	}
}
