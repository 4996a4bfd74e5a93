package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	t.Parallel()
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config should validate, got %v", err)
	}
}

func TestValidateRefusesWeakenedBoundaries(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Compliance)
		want   string
	}{
		{"robots disabled", func(c *Compliance) { c.RobotsCheckRequired = false }, "robots"},
		{"full body storage", func(c *Compliance) { c.StoreFullBody = true }, "full-body"},
		{"auto merge", func(c *Compliance) { c.AutoMergeEnabled = true }, "merging"},
		{"zero concurrency", func(c *Compliance) { c.MaxGlobalConcurrency = 0 }, "concurrency"},
		{"empty user agent", func(c *Compliance) { c.UserAgent = "" }, "user agent"},
		{"zero timeout", func(c *Compliance) { c.FetchTimeout = 0 }, "timeout"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestBodyLimitFor(t *testing.T) {
	t.Parallel()
	cfg := Default()
	if got := cfg.BodyLimitFor("application/pdf"); got != 0 {
		t.Fatalf("pdf limit = %d, want 0", got)
	}
	if got := cfg.BodyLimitFor("Application/PDF; charset=binary"); got != 0 {
		t.Fatalf("pdf with params limit = %d, want 0", got)
	}
	if got := cfg.BodyLimitFor("text/html; charset=utf-8"); got != cfg.MaxBodyBytesDefault {
		t.Fatalf("html limit = %d, want default", got)
	}
	if got := cfg.BodyLimitFor(""); got != cfg.MaxBodyBytesDefault {
		t.Fatalf("missing content type limit = %d, want default", got)
	}
}

func TestLoadFileAppliesOverrides(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := strings.Join([]string{
		"userAgent: test-agent/1.0",
		"fetch:",
		"  timeout: 10s",
		"politeness:",
		"  perDomainDelay: 2s",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.UserAgent != "test-agent/1.0" {
		t.Errorf("user agent = %q", cfg.UserAgent)
	}
	if cfg.FetchTimeout != 10*time.Second {
		t.Errorf("timeout = %s", cfg.FetchTimeout)
	}
	if cfg.PerDomainDelay != 2*time.Second {
		t.Errorf("delay = %s", cfg.PerDomainDelay)
	}
	// Boundaries stay locked.
	if !cfg.RobotsCheckRequired || cfg.StoreFullBody || cfg.AutoMergeEnabled {
		t.Error("compliance boundaries changed by file load")
	}
}

func TestLoadFileRejectsMissing(t *testing.T) {
	t.Parallel()
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
