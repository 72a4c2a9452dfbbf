package config

import (
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

const validYAML = `
server:
  log_level: debug
  metrics_addr: ":9090"
providers:
  generation:
    name: openai
    api_key: sk-test
    model: gpt-4o
  embeddings:
    name: ollama
    model: nomic-embed-text
    dimensions: 768
    cache_entries: 2048
session:
  window: 10
  top_k: 5
  l1_threshold: 15
  l2_threshold: 8
  max_context_tokens: 4096
store:
  driver: sqlite
  sqlite_path: /tmp/story.db
retry:
  attempts: 3
  initial_backoff: 250ms
  max_backoff: 4s
story:
  title: The Harbour Keeper
  plot: A storm is coming to the village of Greywick.
  personas:
    - name: Elara
      personality: A weathered lighthouse keeper.
      primary_goal: Keep the light burning through the storm.
      player: false
    - name: Tam
      personality: A curious newcomer.
      player: true
`

func TestLoadFromReaderValid(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Server.LogLevel != LogDebug {
		t.Errorf("log level = %q", cfg.Server.LogLevel)
	}
	if cfg.Providers.Generation.Model != "gpt-4o" {
		t.Errorf("generation model = %q", cfg.Providers.Generation.Model)
	}
	if cfg.Providers.Embeddings.Dimensions != 768 {
		t.Errorf("embedding dimensions = %d", cfg.Providers.Embeddings.Dimensions)
	}
	if cfg.Session.Window != 10 || cfg.Session.TopK != 5 {
		t.Errorf("session policy = %+v", cfg.Session)
	}
	if cfg.Retry.Attempts != 3 {
		t.Errorf("retry attempts = %d", cfg.Retry.Attempts)
	}
	if cfg.Retry.InitialBackoff.Std() != 250*time.Millisecond {
		t.Errorf("initial backoff = %v", cfg.Retry.InitialBackoff.Std())
	}
	if len(cfg.Story.Personas) != 2 || !cfg.Story.Personas[1].Player {
		t.Errorf("personas = %+v", cfg.Story.Personas)
	}
}

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	minimal := `
providers:
  generation:
    name: ollama
    model: llama3.1
  embeddings:
    name: ollama
    model: nomic-embed-text
`
	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}

	if cfg.Session.Window != DefaultWindow {
		t.Errorf("window = %d, want %d", cfg.Session.Window, DefaultWindow)
	}
	if cfg.Session.TopK != DefaultTopK {
		t.Errorf("top_k = %d, want %d", cfg.Session.TopK, DefaultTopK)
	}
	if cfg.Session.L1Threshold != DefaultL1Threshold || cfg.Session.L2Threshold != DefaultL2Threshold {
		t.Errorf("thresholds = %d/%d", cfg.Session.L1Threshold, cfg.Session.L2Threshold)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("driver = %q, want sqlite", cfg.Store.Driver)
	}
	if cfg.Store.SQLitePath != DefaultSQLitePath {
		t.Errorf("sqlite path = %q", cfg.Store.SQLitePath)
	}
	if cfg.Retry.Attempts != DefaultRetryAttempts {
		t.Errorf("retry attempts = %d, want %d", cfg.Retry.Attempts, DefaultRetryAttempts)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("log level = %q, want info", cfg.Server.LogLevel)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("bogus_key: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Server.LogLevel = "verbose" },
			wantErr: "server.log_level",
		},
		{
			name:    "bad driver",
			mutate:  func(c *Config) { c.Store.Driver = "redis" },
			wantErr: "store.driver",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *Config) { c.Store.Driver = DriverPostgres; c.Store.PostgresDSN = "" },
			wantErr: "store.postgres_dsn",
		},
		{
			name:    "window too small",
			mutate:  func(c *Config) { c.Session.Window = -1 },
			wantErr: "session.window",
		},
		{
			name:    "l1 threshold too small",
			mutate:  func(c *Config) { c.Session.L1Threshold = 1 },
			wantErr: "session.l1_threshold",
		},
		{
			name: "duplicate persona names",
			mutate: func(c *Config) {
				c.Story.Personas = append(c.Story.Personas, PersonaConfig{Name: "Elara"})
			},
			wantErr: "duplicate",
		},
		{
			name: "no player persona",
			mutate: func(c *Config) {
				for i := range c.Story.Personas {
					c.Story.Personas[i].Player = false
				}
			},
			wantErr: "exactly one player",
		},
		{
			name: "two player personas",
			mutate: func(c *Config) {
				for i := range c.Story.Personas {
					c.Story.Personas[i].Player = true
				}
			},
			wantErr: "exactly one player",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadFromReader(strings.NewReader(validYAML))
			if err != nil {
				t.Fatalf("base config: %v", err)
			}
			tt.mutate(cfg)
			err = Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateJoinsMultipleErrors(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)
	cfg.Server.LogLevel = "loud"
	cfg.Session.TopK = -3
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected errors")
	}
	msg := err.Error()
	if !strings.Contains(msg, "server.log_level") || !strings.Contains(msg, "session.top_k") {
		t.Errorf("expected both failures reported, got %q", msg)
	}
}

func TestDurationUnmarshal(t *testing.T) {
	var cfg Config
	src := "retry:\n  attempts: 2\n  initial_backoff: 1s\n"
	if err := yamlUnmarshal(src, &cfg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cfg.Retry.InitialBackoff.Std() != time.Second {
		t.Errorf("backoff = %v, want 1s", cfg.Retry.InitialBackoff.Std())
	}

	bad := "retry:\n  initial_backoff: soon\n"
	if err := yamlUnmarshal(bad, &cfg); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

// yamlUnmarshal decodes without defaulting or validation.
func yamlUnmarshal(src string, out *Config) error {
	dec := yaml.NewDecoder(strings.NewReader(src))
	dec.KnownFields(true)
	return dec.Decode(out)
}
