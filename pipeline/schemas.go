// ABOUTME: Structured output schemas for each pipeline stage and their validation rules.
// ABOUTME: DecodeStageOutput dispatches on the stage name to decode and validate model text.
package pipeline

import (
	"encoding/json"
	"fmt"
)

// StageOutput is implemented by every stage's structured result.
type StageOutput interface {
	Validate() error
}

// CoordinatorOutput plans the analysis.
type CoordinatorOutput struct {
	ProjectSummary     string   `json:"project_summary"`
	AnalysisPriorities []string `json:"analysis_priorities"`
	SemanticQueries    []string `json:"semantic_queries"`
}

func (o *CoordinatorOutput) Validate() error {
	if o.ProjectSummary == "" {
		return fmt.Errorf("project_summary is required")
	}
	if len(o.SemanticQueries) == 0 {
		return fmt.Errorf("semantic_queries must not be empty")
	}
	return nil
}

// Component describes a unit of the analyzed system.
type Component struct {
	Name           string   `json:"name"`
	Responsibility string   `json:"responsibility"`
	Files          []string `json:"files,omitempty"`
}

// API describes an endpoint or public entry point.
type API struct {
	Method      string `json:"method,omitempty"`
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
	Handler     string `json:"handler,omitempty"`
}

// Entity describes a persisted data model.
type Entity struct {
	Name   string   `json:"name"`
	Fields []string `json:"fields,omitempty"`
	Source string   `json:"source,omitempty"`
}

// SemanticOutput is the code-structure analysis.
type SemanticOutput struct {
	Components   []Component `json:"components"`
	APIs         []API       `json:"apis"`
	Entities     []Entity    `json:"entities"`
	DataFlows    []string    `json:"data_flows"`
	KeyFiles     []string    `json:"key_files"`
	StackSummary string      `json:"stack_summary"`
}

func (o *SemanticOutput) Validate() error {
	if o.StackSummary == "" {
		return fmt.Errorf("stack_summary is required")
	}
	for i, c := range o.Components {
		if c.Name == "" {
			return fmt.Errorf("components[%d].name is required", i)
		}
	}
	for i, a := range o.APIs {
		if a.Path == "" {
			return fmt.Errorf("apis[%d].path is required", i)
		}
	}
	return nil
}

// Recommendation is one suggested improvement.
type Recommendation struct {
	Title    string `json:"title"`
	Detail   string `json:"detail"`
	Priority string `json:"priority,omitempty"`
}

// BestPracticeOutput reviews the code against common practice.
type BestPracticeOutput struct {
	Strengths         []string         `json:"strengths"`
	Risks             []string         `json:"risks"`
	Recommendations   []Recommendation `json:"recommendations"`
	OverallAssessment string           `json:"overall_assessment"`
}

func (o *BestPracticeOutput) Validate() error {
	if o.OverallAssessment == "" {
		return fmt.Errorf("overall_assessment is required")
	}
	for i, r := range o.Recommendations {
		if r.Title == "" {
			return fmt.Errorf("recommendations[%d].title is required", i)
		}
	}
	return nil
}

// Diagram is a named diagram in a text notation such as mermaid.
type Diagram struct {
	Title  string `json:"title"`
	Kind   string `json:"kind,omitempty"`
	Source string `json:"source"`
}

// SDEOutput is the technical documentation.
type SDEOutput struct {
	ArchitectureSummary string      `json:"architecture_summary"`
	Components          []Component `json:"components"`
	APIs                []API       `json:"apis"`
	DatabaseModel       []Entity    `json:"database_model"`
	Diagrams            []Diagram   `json:"diagrams"`
	TechnicalNotes      []string    `json:"technical_notes"`
}

func (o *SDEOutput) Validate() error {
	if o.ArchitectureSummary == "" {
		return fmt.Errorf("architecture_summary is required")
	}
	return validateDiagrams(o.Diagrams)
}

// Feature is a user-facing capability.
type Feature struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// PMOutput is the product documentation.
type PMOutput struct {
	ProductSummary string    `json:"product_summary"`
	KeyFeatures    []Feature `json:"key_features"`
	UserJourneys   []string  `json:"user_journeys"`
	Constraints    []string  `json:"constraints"`
	Risks          []string  `json:"risks"`
	RoadmapIdeas   []string  `json:"roadmap_ideas"`
	Diagrams       []Diagram `json:"diagrams"`
}

func (o *PMOutput) Validate() error {
	if o.ProductSummary == "" {
		return fmt.Errorf("product_summary is required")
	}
	for i, f := range o.KeyFeatures {
		if f.Name == "" {
			return fmt.Errorf("key_features[%d].name is required", i)
		}
	}
	return validateDiagrams(o.Diagrams)
}

func validateDiagrams(ds []Diagram) error {
	for i, d := range ds {
		if d.Source == "" {
			return fmt.Errorf("diagrams[%d].source is required", i)
		}
	}
	return nil
}

// DocValidation scores one writer's output.
type DocValidation struct {
	CompletenessScore      int      `json:"completeness_score"`
	Strengths              []string `json:"strengths"`
	Gaps                   []string `json:"gaps"`
	EnhancementSuggestions []string `json:"enhancement_suggestions"`
}

func (v *DocValidation) validate(field string) error {
	if v == nil {
		return nil
	}
	if v.CompletenessScore < 0 || v.CompletenessScore > 100 {
		return fmt.Errorf("%s.completeness_score must be 0-100, got %d", field, v.CompletenessScore)
	}
	return nil
}

// OverallAssessment is the QA verdict across all documentation.
type OverallAssessment struct {
	OverallScore         int      `json:"overall_score"`
	Summary              string   `json:"summary"`
	CriticalIssues       []string `json:"critical_issues"`
	RecommendedNextSteps []string `json:"recommended_next_steps"`
}

// QAOutput validates the writer outputs. A validation block is omitted when
// its writer was not part of the run.
type QAOutput struct {
	SDEValidation     *DocValidation    `json:"sde_validation,omitempty"`
	PMValidation      *DocValidation    `json:"pm_validation,omitempty"`
	OverallAssessment OverallAssessment `json:"overall_assessment"`
}

func (o *QAOutput) Validate() error {
	if err := o.SDEValidation.validate("sde_validation"); err != nil {
		return err
	}
	if err := o.PMValidation.validate("pm_validation"); err != nil {
		return err
	}
	if s := o.OverallAssessment.OverallScore; s < 0 || s > 100 {
		return fmt.Errorf("overall_assessment.overall_score must be 0-100, got %d", s)
	}
	if o.OverallAssessment.Summary == "" {
		return fmt.Errorf("overall_assessment.summary is required")
	}
	return nil
}

// NewStageOutput returns an empty output value for stage.
func NewStageOutput(stage StageName) (StageOutput, error) {
	switch stage {
	case StageCoordinator:
		return &CoordinatorOutput{}, nil
	case StageSemantic:
		return &SemanticOutput{}, nil
	case StageBestPractice:
		return &BestPracticeOutput{}, nil
	case StageSDEWriter:
		return &SDEOutput{}, nil
	case StagePMWriter:
		return &PMOutput{}, nil
	case StageQA:
		return &QAOutput{}, nil
	default:
		return nil, configErrorf("no output schema for stage %q", stage)
	}
}

// DecodeStageOutput extracts, decodes and validates the stage's result from model text.
func DecodeStageOutput(stage StageName, text string) (json.RawMessage, StageOutput, error) {
	out, err := NewStageOutput(stage)
	if err != nil {
		return nil, nil, err
	}
	raw, err := DecodeJSON(text, out)
	if err != nil {
		return nil, nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	return raw, out, nil
}

// UnmarshalStageOutput decodes a persisted stage output into its typed value.
func UnmarshalStageOutput(stage StageName, raw json.RawMessage) (StageOutput, error) {
	out, err := NewStageOutput(stage)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("decode %s output: %w", stage, err)
	}
	return out, nil
}
