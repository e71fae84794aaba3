// ABOUTME: Analysis configuration snapshot captured when a run starts, plus named templates.
// ABOUTME: Templates are built in and can be overridden from a YAML or TOML file.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Depth controls how much of the repository the stages examine.
type Depth string

const (
	DepthQuick    Depth = "quick"
	DepthStandard Depth = "standard"
	DepthDeep     Depth = "deep"
)

// Verbosity controls how much prose the writer stages produce.
type Verbosity string

const (
	VerbosityLow    Verbosity = "low"
	VerbosityMedium Verbosity = "medium"
	VerbosityHigh   Verbosity = "high"
)

// Persona names an optional writer stage.
type Persona string

const (
	PersonaSDE Persona = "sde"
	PersonaPM  Persona = "pm"
)

// FeatureSet toggles the analysis areas the prompts ask about.
type FeatureSet struct {
	Structure     bool `json:"structure" yaml:"structure" toml:"structure"`
	APIDB         bool `json:"api_db" yaml:"api_db" toml:"api_db"`
	BestPractices bool `json:"best_practices" yaml:"best_practices" toml:"best_practices"`
	PMInsights    bool `json:"pm_insights" yaml:"pm_insights" toml:"pm_insights"`
}

// AnalysisConfig is the per-run configuration snapshot. It is copied into the
// Run at creation and never mutated afterwards.
type AnalysisConfig struct {
	Depth              Depth      `json:"depth" yaml:"depth" toml:"depth"`
	Verbosity          Verbosity  `json:"verbosity" yaml:"verbosity" toml:"verbosity"`
	Features           FeatureSet `json:"features_enabled" yaml:"features_enabled" toml:"features_enabled"`
	Personas           []Persona  `json:"personas" yaml:"personas" toml:"personas"`
	DiagramPreferences []string   `json:"diagram_preferences,omitempty" yaml:"diagram_preferences,omitempty" toml:"diagram_preferences,omitempty"`
	TemplateID         string     `json:"template_id,omitempty" yaml:"template_id,omitempty" toml:"template_id,omitempty"`
	Model              string     `json:"llm_model" yaml:"llm_model" toml:"llm_model"`
	MaxTokens          int        `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Temperature        float64    `json:"temperature" yaml:"temperature" toml:"temperature"`
}

// DefaultAnalysisConfig returns the standard configuration with both writers enabled.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		Depth:              DepthStandard,
		Verbosity:          VerbosityMedium,
		Features:           FeatureSet{Structure: true, APIDB: true, BestPractices: true, PMInsights: true},
		Personas:           []Persona{PersonaSDE, PersonaPM},
		DiagramPreferences: []string{"architecture", "sequence"},
		Model:              "gpt-4o-mini",
		MaxTokens:          4000,
		Temperature:        0.3,
	}
}

// Validate checks enumerated fields and ranges.
func (c AnalysisConfig) Validate() error {
	switch c.Depth {
	case DepthQuick, DepthStandard, DepthDeep:
	default:
		return configErrorf("depth must be quick, standard or deep, got %q", c.Depth)
	}
	switch c.Verbosity {
	case VerbosityLow, VerbosityMedium, VerbosityHigh:
	default:
		return configErrorf("verbosity must be low, medium or high, got %q", c.Verbosity)
	}
	for _, p := range c.Personas {
		if p != PersonaSDE && p != PersonaPM {
			return configErrorf("unknown persona %q", p)
		}
	}
	if c.Temperature < 0 || c.Temperature > 1 {
		return configErrorf("temperature must be between 0 and 1, got %g", c.Temperature)
	}
	if c.MaxTokens <= 0 {
		return configErrorf("max_tokens must be positive, got %d", c.MaxTokens)
	}
	if c.Model == "" {
		return configErrorf("llm_model is required")
	}
	return nil
}

// StageFeatures maps the selected personas onto registry toggles.
func (c AnalysisConfig) StageFeatures() Features {
	return Features{
		SDE: slices.Contains(c.Personas, PersonaSDE),
		PM:  slices.Contains(c.Personas, PersonaPM),
	}
}

// clone returns a deep copy so the run's snapshot cannot alias caller slices.
func (c AnalysisConfig) clone() AnalysisConfig {
	c.Personas = slices.Clone(c.Personas)
	c.DiagramPreferences = slices.Clone(c.DiagramPreferences)
	return c
}

// Template is a named, reusable analysis configuration.
type Template struct {
	ID          string         `json:"id" yaml:"id" toml:"id"`
	Description string         `json:"description" yaml:"description" toml:"description"`
	Config      AnalysisConfig `json:"config" yaml:"config" toml:"config"`
}

// DefaultTemplates returns the built-in templates keyed by ID.
func DefaultTemplates() map[string]Template {
	quick := DefaultAnalysisConfig()
	quick.Depth = DepthQuick
	quick.Verbosity = VerbosityLow
	quick.Features.PMInsights = false
	quick.Personas = []Persona{PersonaSDE}
	quick.TemplateID = "quick_scan"

	full := DefaultAnalysisConfig()
	full.Depth = DepthDeep
	full.Verbosity = VerbosityHigh
	full.TemplateID = "full_analysis"

	tech := DefaultAnalysisConfig()
	tech.Features.PMInsights = false
	tech.Personas = []Persona{PersonaSDE}
	tech.TemplateID = "technical_only"

	product := DefaultAnalysisConfig()
	product.Features.APIDB = false
	product.Personas = []Persona{PersonaPM}
	product.TemplateID = "product_only"

	return map[string]Template{
		"quick_scan":     {ID: "quick_scan", Description: "Fast structural overview with technical docs only", Config: quick},
		"full_analysis":  {ID: "full_analysis", Description: "Deep analysis with technical and product docs", Config: full},
		"technical_only": {ID: "technical_only", Description: "Technical documentation without product insights", Config: tech},
		"product_only":   {ID: "product_only", Description: "Product documentation without API/DB detail", Config: product},
	}
}

type templateFile struct {
	Templates []Template `yaml:"templates" toml:"templates"`
}

// LoadTemplates reads templates from a .yaml/.yml or .toml file and merges
// them over the built-in set. Each loaded template is validated.
func LoadTemplates(path string) (map[string]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	var tf templateFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &tf)
	case ".toml":
		err = toml.Unmarshal(data, &tf)
	default:
		return nil, configErrorf("unsupported template file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse templates %s: %w", path, err)
	}

	out := DefaultTemplates()
	for _, t := range tf.Templates {
		if t.ID == "" {
			return nil, configErrorf("template in %s has no id", path)
		}
		cfg := t.Config.WithDefaults()
		cfg.TemplateID = t.ID
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("template %s: %w", t.ID, err)
		}
		t.Config = cfg
		out[t.ID] = t
	}
	return out, nil
}

// WithDefaults replaces zero values with DefaultAnalysisConfig values.
// A zero temperature is kept.
func (c AnalysisConfig) WithDefaults() AnalysisConfig {
	d := DefaultAnalysisConfig()
	if c.Depth == "" {
		c.Depth = d.Depth
	}
	if c.Verbosity == "" {
		c.Verbosity = d.Verbosity
	}
	if c.Personas == nil {
		c.Personas = d.Personas
	}
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = d.MaxTokens
	}
	return c
}

// ResolveConfig returns the config for a template ID, or the defaults when id is empty.
func ResolveConfig(templates map[string]Template, id string) (AnalysisConfig, error) {
	if id == "" {
		return DefaultAnalysisConfig(), nil
	}
	t, ok := templates[id]
	if !ok {
		return AnalysisConfig{}, configErrorf("unknown template %q", id)
	}
	return t.Config.clone(), nil
}
