package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults] when the corresponding field is unset.
const (
	DefaultWindow           = 12
	DefaultTopK             = 8
	DefaultL1Threshold      = 20
	DefaultL2Threshold      = 10
	DefaultMaxContextTokens = 8192
	DefaultRetryAttempts    = 1
	DefaultSQLitePath       = "fableloom.db"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"generation": {"openai", "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. It is a convenience wrapper around
// [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset policy fields with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Session.Window == 0 {
		cfg.Session.Window = DefaultWindow
	}
	if cfg.Session.TopK == 0 {
		cfg.Session.TopK = DefaultTopK
	}
	if cfg.Session.L1Threshold == 0 {
		cfg.Session.L1Threshold = DefaultL1Threshold
	}
	if cfg.Session.L2Threshold == 0 {
		cfg.Session.L2Threshold = DefaultL2Threshold
	}
	if cfg.Session.MaxContextTokens == 0 {
		cfg.Session.MaxContextTokens = DefaultMaxContextTokens
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = DriverSQLite
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = DefaultSQLitePath
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry.Attempts = DefaultRetryAttempts
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("generation", cfg.Providers.Generation.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.Generation.Name == "" {
		slog.Warn("providers.generation is not configured; turns cannot be processed")
	}
	if cfg.Providers.Embeddings.Name == "" {
		slog.Warn("providers.embeddings is not configured; semantic retrieval will be unavailable")
	}

	// Session policy
	if cfg.Session.Window < 1 {
		errs = append(errs, fmt.Errorf("session.window %d must be at least 1", cfg.Session.Window))
	}
	if cfg.Session.TopK < 0 {
		errs = append(errs, fmt.Errorf("session.top_k %d must not be negative", cfg.Session.TopK))
	}
	if cfg.Session.L1Threshold < 2 {
		errs = append(errs, fmt.Errorf("session.l1_threshold %d must be at least 2", cfg.Session.L1Threshold))
	}
	if cfg.Session.L2Threshold < 2 {
		errs = append(errs, fmt.Errorf("session.l2_threshold %d must be at least 2", cfg.Session.L2Threshold))
	}
	if cfg.Session.MaxContextTokens < 0 {
		errs = append(errs, fmt.Errorf("session.max_context_tokens %d must not be negative", cfg.Session.MaxContextTokens))
	}

	// Store
	if cfg.Store.Driver != "" && !cfg.Store.Driver.IsValid() {
		errs = append(errs, fmt.Errorf("store.driver %q is invalid; valid values: sqlite, postgres, memory", cfg.Store.Driver))
	}
	if cfg.Store.Driver == DriverPostgres && cfg.Store.PostgresDSN == "" {
		errs = append(errs, errors.New("store.postgres_dsn is required when store.driver is postgres"))
	}
	if cfg.Store.Driver == DriverPostgres && cfg.Providers.Embeddings.Dimensions <= 0 {
		errs = append(errs, errors.New("providers.embeddings.dimensions is required when store.driver is postgres (sizes the vector column)"))
	}

	// Retry
	if cfg.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("retry.attempts %d must be at least 1", cfg.Retry.Attempts))
	}

	// Story cast
	namesSeen := make(map[string]int, len(cfg.Story.Personas))
	players := 0
	for i, p := range cfg.Story.Personas {
		prefix := fmt.Sprintf("story.personas[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[p.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of story.personas[%d]", prefix, p.Name, prev))
			}
			namesSeen[p.Name] = i
		}
		if p.Player {
			players++
		}
	}
	if len(cfg.Story.Personas) > 0 && players != 1 {
		errs = append(errs, fmt.Errorf("story.personas must contain exactly one player persona, found %d", players))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
