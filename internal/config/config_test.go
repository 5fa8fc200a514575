package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.Spool.Root != "/var/spool/relay" {
		t.Errorf("expected default spool root '/var/spool/relay', got %q", cfg.Spool.Root)
	}
	if cfg.Delivery.MaxConcurrentSendJobs != 20 {
		t.Errorf("expected default max_concurrent_send_jobs 20, got %d", cfg.Delivery.MaxConcurrentSendJobs)
	}
	if cfg.Control.ListenAddr != ":8081" {
		t.Errorf("expected default control listen addr ':8081', got %q", cfg.Control.ListenAddr)
	}
	if len(cfg.Retry.IntervalsSeconds) == 0 {
		t.Error("expected a non-empty default retry schedule")
	}
}

func TestLoadMissingExplicitPathIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	if err == nil {
		t.Fatal("expected an error loading a missing explicit config path")
	}
}

func TestLoadNoPathFallsBackToDefault(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer os.Chdir(cwd)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Spool.Root != Default().Spool.Root {
		t.Errorf("expected fallback to default spool root, got %q", cfg.Spool.Root)
	}
}

func TestLoadParsesTOMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.toml")
	contents := "[spool]\nroot = \"/tmp/relay-spool\"\n\n[delivery]\nmax_concurrent_send_jobs = 5\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Spool.Root != "/tmp/relay-spool" {
		t.Errorf("expected spool root '/tmp/relay-spool', got %q", cfg.Spool.Root)
	}
	if cfg.Delivery.MaxConcurrentSendJobs != 5 {
		t.Errorf("expected max_concurrent_send_jobs 5, got %d", cfg.Delivery.MaxConcurrentSendJobs)
	}
}

func TestIntervalsAsDurations(t *testing.T) {
	r := Retry{IntervalsSeconds: []int{60, 120}}
	durations := r.IntervalsAsDurations()
	if len(durations) != 2 {
		t.Fatalf("expected 2 durations, got %d", len(durations))
	}
	if durations[0].Seconds() != 60 {
		t.Errorf("expected first interval 60s, got %v", durations[0])
	}
}
