package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/onboardly/control-plane/internal/config"
	"github.com/onboardly/control-plane/pkg/models"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ONBOARDING_DATA_DIR", t.TempDir())
	cfg := config.Load()

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Orchestration.AgentTimeout != 30*time.Second {
		t.Errorf("AgentTimeout = %v, want 30s", cfg.Orchestration.AgentTimeout)
	}
	if cfg.Thresholds != config.DefaultThresholds() {
		t.Errorf("Thresholds = %+v, want defaults", cfg.Thresholds)
	}
	if cfg.Recovery.MaxAttempts != 3 {
		t.Errorf("Recovery.MaxAttempts = %d, want 3", cfg.Recovery.MaxAttempts)
	}
	if cfg.Audit.Sink != "memory" {
		t.Errorf("Audit.Sink = %q, want memory", cfg.Audit.Sink)
	}
	if len(cfg.Auth.APIKeys) != 0 {
		t.Errorf("APIKeys = %v, want none", cfg.Auth.APIKeys)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ONBOARDING_PORT", "9191")
	t.Setenv("AGENT_TIMEOUT", "5s")
	t.Setenv("QUALITY_THRESHOLD", "80")
	t.Setenv("ONBOARDING_API_KEYS", " k1, ,k2 ")
	t.Setenv("RECOVERY_MAX_ATTEMPTS", "not-a-number")

	cfg := config.Load()
	if cfg.Port != 9191 {
		t.Errorf("Port = %d, want 9191", cfg.Port)
	}
	if cfg.Orchestration.AgentTimeout != 5*time.Second {
		t.Errorf("AgentTimeout = %v, want 5s", cfg.Orchestration.AgentTimeout)
	}
	if cfg.Thresholds.Quality != 80 {
		t.Errorf("Thresholds.Quality = %v, want 80", cfg.Thresholds.Quality)
	}
	if len(cfg.Auth.APIKeys) != 2 || cfg.Auth.APIKeys[0] != "k1" || cfg.Auth.APIKeys[1] != "k2" {
		t.Errorf("APIKeys = %v, want [k1 k2]", cfg.Auth.APIKeys)
	}
	if cfg.Recovery.MaxAttempts != 3 {
		t.Errorf("invalid int should fall back, got %d", cfg.Recovery.MaxAttempts)
	}
}

func TestLoadPolicy_Defaults(t *testing.T) {
	p, err := config.LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy(\"\") error = %v", err)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	if p.Rules[0].Name != "security_breach" {
		t.Errorf("first rule = %q, want security_breach", p.Rules[0].Name)
	}
	if _, ok := p.SpecialistFor(models.SpecialistHRManager); !ok {
		t.Error("default roster has no hr_manager")
	}
}

func TestLoadPolicy_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	doc := `
thresholds:
  quality_threshold: 75
specialists:
  - id: hr-7
    name: Priya
    role: hr_manager
    email: priya@example.com
`
	if err := os.WriteFile(path, []byte(doc), 0644); err != nil {
		t.Fatal(err)
	}

	p, err := config.LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy() error = %v", err)
	}
	if p.Thresholds == nil || p.Thresholds.Quality != 75 || p.Thresholds.HardFloor != 30 {
		t.Errorf("Thresholds = %+v, want quality 75 with default floor", p.Thresholds)
	}
	hr, _ := p.SpecialistFor(models.SpecialistHRManager)
	if hr.ID != "hr-7" {
		t.Errorf("hr specialist = %+v, want hr-7", hr)
	}
	if len(p.Rules) == 0 {
		t.Error("rules should keep defaults when the file omits them")
	}
}

func TestLoadPolicy_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	doc := `
classification_rules:
  - name: broken
    category: timeout
`
	os.WriteFile(path, []byte(doc), 0644)
	if _, err := config.LoadPolicy(path); err == nil {
		t.Error("LoadPolicy() with rule missing when = nil error, want error")
	}

	if _, err := config.LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadPolicy(missing) = nil error, want error")
	}
}
