// ABOUTME: Tests for .env parsing and loading: quoting, comments, export prefixes and no-clobber behavior.
package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseDotEnvLine(t *testing.T) {
	tests := []struct {
		line      string
		key, want string
		ok        bool
	}{
		{"KEY=value", "KEY", "value", true},
		{"  export KEY = value  ", "KEY", "value", true},
		{`KEY="quoted # not a comment"`, "KEY", "quoted # not a comment", true},
		{`KEY='single'`, "KEY", "single", true},
		{"KEY=value # trailing", "KEY", "value", true},
		{"URL=http://x?a=b", "URL", "http://x?a=b", true},
		{"KEY=", "KEY", "", true},
		{"# comment", "", "", false},
		{"", "", "", false},
		{"no equals", "", "", false},
		{"=value", "", "", false},
	}
	for _, tt := range tests {
		key, value, ok := parseDotEnvLine(tt.line)
		if ok != tt.ok || key != tt.key || value != tt.want {
			t.Errorf("parseDotEnvLine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.line, key, value, ok, tt.key, tt.want, tt.ok)
		}
	}
}

func TestLoadDotEnvNoClobber(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "REPOLENS_TEST_NEW=fresh\nREPOLENS_TEST_SET=from-file\n# ignored\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("REPOLENS_TEST_SET", "from-env")
	t.Setenv("REPOLENS_TEST_NEW", "")
	os.Unsetenv("REPOLENS_TEST_NEW")

	n, err := loadDotEnv(path)
	if err != nil {
		t.Fatalf("loadDotEnv() error = %v", err)
	}
	if n != 1 {
		t.Errorf("loadDotEnv() set %d vars, want 1", n)
	}
	if got := os.Getenv("REPOLENS_TEST_NEW"); got != "fresh" {
		t.Errorf("REPOLENS_TEST_NEW = %q, want fresh", got)
	}
	if got := os.Getenv("REPOLENS_TEST_SET"); got != "from-env" {
		t.Errorf("REPOLENS_TEST_SET = %q, existing value should win", got)
	}
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	n, err := loadDotEnv(filepath.Join(t.TempDir(), "absent.env"))
	if err != nil || n != 0 {
		t.Errorf("loadDotEnv(missing) = (%d, %v), want (0, nil)", n, err)
	}
}
