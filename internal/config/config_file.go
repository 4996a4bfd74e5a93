package config

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// FileConfig is the optional single-file override schema. Only operational
// knobs are exposed; compliance boundaries (robots, full-body, auto-merge)
// are not overridable and stay locked by Validate.
type FileConfig struct {
	UserAgent string `yaml:"userAgent"`

	Fetch struct {
		Timeout      time.Duration `yaml:"timeout"`
		MaxRedirects *int          `yaml:"maxRedirects"`
	} `yaml:"fetch"`

	Politeness struct {
		PerDomainDelay time.Duration `yaml:"perDomainDelay"`
		Concurrency    *int          `yaml:"concurrency"`
	} `yaml:"politeness"`

	Limits struct {
		SnippetChars      *int  `yaml:"snippetChars"`
		EvidenceChars     *int  `yaml:"evidenceChars"`
		ReadableTextChars *int  `yaml:"readableTextChars"`
		BodyBytesDefault  *int64 `yaml:"bodyBytesDefault"`
	} `yaml:"limits"`
}

// LoadFile applies YAML overrides from path on top of Default and validates
// the result.
func LoadFile(path string) (Compliance, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Compliance{}, fmt.Errorf("read config: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Compliance{}, fmt.Errorf("parse config: %w", err)
	}

	if fc.UserAgent != "" {
		cfg.UserAgent = fc.UserAgent
	}
	if fc.Fetch.Timeout > 0 {
		cfg.FetchTimeout = fc.Fetch.Timeout
	}
	if fc.Fetch.MaxRedirects != nil {
		cfg.MaxRedirects = *fc.Fetch.MaxRedirects
	}
	if fc.Politeness.PerDomainDelay > 0 {
		cfg.PerDomainDelay = fc.Politeness.PerDomainDelay
	}
	if fc.Politeness.Concurrency != nil {
		cfg.MaxGlobalConcurrency = *fc.Politeness.Concurrency
	}
	if fc.Limits.SnippetChars != nil {
		cfg.SnippetMaxChars = *fc.Limits.SnippetChars
	}
	if fc.Limits.EvidenceChars != nil {
		cfg.EvidenceSnippetMaxChars = *fc.Limits.EvidenceChars
	}
	if fc.Limits.ReadableTextChars != nil {
		cfg.ReadableTextMaxChars = *fc.Limits.ReadableTextChars
	}
	if fc.Limits.BodyBytesDefault != nil {
		cfg.MaxBodyBytesDefault = *fc.Limits.BodyBytesDefault
	}

	if err := cfg.Validate(); err != nil {
		return Compliance{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
