package config

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestFromYAMLAppliesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte("domain: billing\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Domain != "billing" {
		t.Fatalf("domain = %q", cfg.Domain)
	}
	if cfg.Stuck.RepeatThreshold != 3 {
		t.Fatalf("repeat_threshold = %d, want default 3", cfg.Stuck.RepeatThreshold)
	}
	if cfg.Stuck.FoundationMultiplier != 2 {
		t.Fatalf("foundation_multiplier = %d, want default 2", cfg.Stuck.FoundationMultiplier)
	}
	if cfg.Stuck.Normalizer != "collapse" {
		t.Fatalf("normalizer = %q, want collapse", cfg.Stuck.Normalizer)
	}
}

func TestValidateRejectsBadNormalizer(t *testing.T) {
	_, err := FromYAML([]byte("stuck:\n  normalizer: fancy\n"))
	if err == nil || !strings.Contains(err.Error(), "normalizer") {
		t.Fatalf("err = %v, want normalizer validation error", err)
	}
}

func TestValidateRejectsZeroThreshold(t *testing.T) {
	_, err := FromYAML([]byte("stuck:\n  repeat_threshold: 0\n"))
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestFromFileMissingUsesDefaults(t *testing.T) {
	cfg, err := FromFile(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Domain != "default" {
		t.Fatalf("domain = %q, want default", cfg.Domain)
	}
}

func TestDefaultTemplateParses(t *testing.T) {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		t.Fatalf("default template must validate: %v", err)
	}
	def := Default()
	if cfg.Domain != def.Domain || cfg.Stuck != def.Stuck || cfg.Server != def.Server {
		t.Fatalf("template %+v differs from Default() %+v", cfg, def)
	}
}
