// ABOUTME: MCP server exposing run control (start, status, pause, resume, ask, instruct) as tools.
// ABOUTME: Handlers delegate to the shared pipeline.Controller; stdio is the only transport.
package mcpserver

import (
	"context"
	"fmt"

	"github.com/2389-research/repolens/pipeline"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// version is set by the linker at build time.
var version = "dev"

// Service holds the controller and templates the tool handlers use.
type Service struct {
	ctrl      *pipeline.Controller
	templates map[string]pipeline.Template
}

// NewService creates a Service. A nil templates map means the built-ins.
func NewService(ctrl *pipeline.Controller, templates map[string]pipeline.Template) *Service {
	if templates == nil {
		templates = pipeline.DefaultTemplates()
	}
	return &Service{ctrl: ctrl, templates: templates}
}

// NewServer creates an MCP server with every run control tool registered.
func NewServer(svc *Service) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "repolens",
		Version: version,
	}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_run",
		Description: "Start a documentation analysis run for an indexed project. Returns immediately; poll run_status for progress.",
	}, svc.StartRun)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "run_status",
		Description: "Get a run's summary and live status: current activity, percent complete, recent log lines and stage insights.",
	}, svc.RunStatus)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "pause_run",
		Description: "Request a pause. The run finishes its current stage and then stops; completed work is kept.",
	}, svc.PauseRun)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resume_run",
		Description: "Resume a paused run from its first unfinished stage. Completed stages are never re-run.",
	}, svc.ResumeRun)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "ask_question",
		Description: "Ask about a run's progress or results, or about the analyzed codebase.",
	}, svc.AskQuestion)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_instruction",
		Description: "Attach guidance to a running or paused run. Stages that start afterwards receive it.",
	}, svc.AddInstruction)

	return server
}

// RunStdio serves MCP on stdin/stdout until the client disconnects or ctx ends.
func RunStdio(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

// StartRun resolves the template and overrides and starts a run.
func (s *Service) StartRun(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input StartRunInput,
) (*mcp.CallToolResult, RunOutput, error) {
	if input.ProjectID == "" {
		return nil, RunOutput{}, fmt.Errorf("project_id is required")
	}
	cfg, err := pipeline.ResolveConfig(s.templates, input.Template)
	if err != nil {
		return nil, RunOutput{}, err
	}
	if input.Depth != "" {
		cfg.Depth = pipeline.Depth(input.Depth)
	}
	if len(input.Personas) > 0 {
		personas := make([]pipeline.Persona, 0, len(input.Personas))
		for _, p := range input.Personas {
			personas = append(personas, pipeline.Persona(p))
		}
		cfg.Personas = personas
	}
	run, err := s.ctrl.Start(ctx, input.ProjectID, cfg)
	if err != nil {
		return nil, RunOutput{}, err
	}
	return nil, runOutput(run.Summary()), nil
}

// RunStatus returns the summary plus the live status projection.
func (s *Service) RunStatus(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input RunInput,
) (*mcp.CallToolResult, StatusOutput, error) {
	summary, err := s.ctrl.Summary(ctx, input.RunID)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	view, err := s.ctrl.Status(ctx, input.RunID)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	return nil, StatusOutput{
		Run:            runOutput(summary),
		Activity:       view.Activity,
		Paused:         view.Paused,
		PauseRequested: view.PauseRequested,
		Logs:           view.Logs,
		Insights:       view.Insights,
	}, nil
}

// PauseRun requests a cooperative pause.
func (s *Service) PauseRun(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input RunInput,
) (*mcp.CallToolResult, RunOutput, error) {
	run, err := s.ctrl.Pause(ctx, input.RunID)
	if err != nil {
		return nil, RunOutput{}, err
	}
	return nil, runOutput(run.Summary()), nil
}

// ResumeRun continues a paused run.
func (s *Service) ResumeRun(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input RunInput,
) (*mcp.CallToolResult, RunOutput, error) {
	run, err := s.ctrl.Resume(ctx, input.RunID)
	if err != nil {
		return nil, RunOutput{}, err
	}
	return nil, runOutput(run.Summary()), nil
}

// AskQuestion answers and records a question.
func (s *Service) AskQuestion(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input AskInput,
) (*mcp.CallToolResult, AskOutput, error) {
	rec, err := s.ctrl.Ask(ctx, input.RunID, input.Question)
	if err != nil {
		return nil, AskOutput{}, err
	}
	return nil, AskOutput{ID: rec.ID, Answer: rec.Answer}, nil
}

// AddInstruction attaches guidance for later stages.
func (s *Service) AddInstruction(
	ctx context.Context,
	_ *mcp.CallToolRequest,
	input InstructionInput,
) (*mcp.CallToolResult, RunOutput, error) {
	run, err := s.ctrl.AddInstruction(ctx, input.RunID, input.Instruction)
	if err != nil {
		return nil, RunOutput{}, err
	}
	return nil, runOutput(run.Summary()), nil
}
