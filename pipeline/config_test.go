// ABOUTME: Tests for analysis config validation, persona feature mapping and YAML/TOML template loading.
// ABOUTME: Template files are written to t.TempDir in both formats.
package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAnalysisConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AnalysisConfig)
	}{
		{name: "bad depth", mutate: func(c *AnalysisConfig) { c.Depth = "extreme" }},
		{name: "bad verbosity", mutate: func(c *AnalysisConfig) { c.Verbosity = "chatty" }},
		{name: "bad persona", mutate: func(c *AnalysisConfig) { c.Personas = []Persona{"cfo"} }},
		{name: "temperature high", mutate: func(c *AnalysisConfig) { c.Temperature = 1.5 }},
		{name: "no tokens", mutate: func(c *AnalysisConfig) { c.MaxTokens = 0 }},
		{name: "no model", mutate: func(c *AnalysisConfig) { c.Model = "" }},
	}
	if err := DefaultAnalysisConfig().Validate(); err != nil {
		t.Fatalf("default Validate() error = %v", err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultAnalysisConfig()
			tt.mutate(&c)
			var cfgErr *ConfigurationError
			if err := c.Validate(); !errors.As(err, &cfgErr) {
				t.Errorf("Validate() error = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestStageFeaturesFromPersonas(t *testing.T) {
	c := DefaultAnalysisConfig()
	c.Personas = []Persona{PersonaPM}
	if f := c.StageFeatures(); f.SDE || !f.PM {
		t.Errorf("StageFeatures() = %+v", f)
	}
}

func TestResolveConfigBuiltins(t *testing.T) {
	templates := DefaultTemplates()
	cfg, err := ResolveConfig(templates, "quick_scan")
	if err != nil {
		t.Fatalf("ResolveConfig() error = %v", err)
	}
	if cfg.Depth != DepthQuick || len(cfg.Personas) != 1 || cfg.TemplateID != "quick_scan" {
		t.Errorf("quick_scan = %+v", cfg)
	}
	for id, tpl := range templates {
		if err := tpl.Config.Validate(); err != nil {
			t.Errorf("template %s invalid: %v", id, err)
		}
	}
	if _, err := ResolveConfig(templates, "nope"); err == nil {
		t.Error("ResolveConfig() accepted unknown template")
	}
	def, err := ResolveConfig(templates, "")
	if err != nil || def.Depth != DepthStandard {
		t.Errorf("ResolveConfig(\"\") = %+v, %v", def, err)
	}
}

func TestLoadTemplatesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	content := `templates:
  - id: security_review
    description: Deep technical pass
    config:
      depth: deep
      verbosity: high
      personas: [sde]
      features_enabled:
        structure: true
        api_db: true
        best_practices: true
      temperature: 0.1
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	templates, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("LoadTemplates() error = %v", err)
	}
	tpl, ok := templates["security_review"]
	if !ok {
		t.Fatal("security_review not loaded")
	}
	if tpl.Config.Depth != DepthDeep || tpl.Config.Model != "gpt-4o-mini" || tpl.Config.MaxTokens != 4000 {
		t.Errorf("config = %+v", tpl.Config)
	}
	if tpl.Config.Temperature != 0.1 || tpl.Config.Features.PMInsights {
		t.Errorf("temperature/features = %v/%+v", tpl.Config.Temperature, tpl.Config.Features)
	}
	if _, ok := templates["quick_scan"]; !ok {
		t.Error("built-in templates should remain")
	}
}

func TestLoadTemplatesTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.toml")
	content := `[[templates]]
id = "pm_brief"
description = "Product summary"

[templates.config]
depth = "quick"
verbosity = "low"
personas = ["pm"]
llm_model = "gpt-4o"
max_tokens = 2000
temperature = 0.5
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	templates, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("LoadTemplates() error = %v", err)
	}
	cfg := templates["pm_brief"].Config
	if cfg.Model != "gpt-4o" || cfg.MaxTokens != 2000 || cfg.TemplateID != "pm_brief" {
		t.Errorf("config = %+v", cfg)
	}
	if f := cfg.StageFeatures(); f.SDE || !f.PM {
		t.Errorf("StageFeatures() = %+v", f)
	}
}

func TestLoadTemplatesRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("templates:\n  - id: x\n    config:\n      depth: bottomless\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTemplates(bad); err == nil {
		t.Error("LoadTemplates() accepted an invalid depth")
	}
	other := filepath.Join(dir, "t.json")
	if err := os.WriteFile(other, []byte("{}"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTemplates(other); err == nil {
		t.Error("LoadTemplates() accepted a .json file")
	}
}
