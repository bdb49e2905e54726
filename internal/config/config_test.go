package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := Default()
	if cfg != want {
		t.Errorf("got %+v, want %+v", cfg, want)
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dashflow.yaml")
	contents := "recursion_limit: 50\nstep_timeout: 30s\nevent_buffer_size: 2000\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RecursionLimit != 50 || cfg.StepTimeout != 30*time.Second || cfg.EventBufferSize != 2000 {
		t.Errorf("got %+v", cfg)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dashflow.yaml")
	if err := os.WriteFile(path, []byte("event_buffer_size: 500\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	t.Setenv(envRecursionLimit, "10")
	t.Setenv(envStepTimeout, "5s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RecursionLimit != 10 {
		t.Errorf("recursion limit: got %d, want 10", cfg.RecursionLimit)
	}
	if cfg.StepTimeout != 5*time.Second {
		t.Errorf("step timeout: got %v, want 5s", cfg.StepTimeout)
	}
	if cfg.EventBufferSize != 500 {
		t.Errorf("event buffer size: got %d, want 500", cfg.EventBufferSize)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dashflow.yaml")
	if err := os.WriteFile(path, []byte("event_buffer_size: 0\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("want a validation error for event_buffer_size: 0, got nil")
	}
}

func TestLoadRejectsMalformedEnvDuration(t *testing.T) {
	t.Setenv(envStepTimeout, "not-a-duration")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("want an error for a malformed duration override, got nil")
	}
}
