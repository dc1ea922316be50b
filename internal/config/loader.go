package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xswarm-ai/xswarm/internal/plugin"
)

// ValidEmbeddingsProviders lists known embeddings provider names.
// Used by [Validate] to warn about unrecognised names.
var ValidEmbeddingsProviders = []string{"openai", "ollama"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
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

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, fmt.Errorf("server.tls requires both cert_file and key_file"))
	}

	// Model
	if cfg.Model.URL == "" {
		errs = append(errs, fmt.Errorf("model.url is required"))
	} else if !strings.HasPrefix(cfg.Model.URL, "ws://") && !strings.HasPrefix(cfg.Model.URL, "wss://") {
		errs = append(errs, fmt.Errorf("model.url %q must be a ws:// or wss:// endpoint", cfg.Model.URL))
	}
	if cfg.Model.WarmupIterations < 0 {
		errs = append(errs, fmt.Errorf("model.warmup_iterations %d must not be negative", cfg.Model.WarmupIterations))
	}
	if cfg.Model.WarmupTimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("model.warmup_timeout_sec %d must not be negative", cfg.Model.WarmupTimeoutSec))
	}

	// Personas
	if cfg.Personas.Default != "" && cfg.Personas.Dir == "" {
		errs = append(errs, fmt.Errorf("personas.default is set but personas.dir is empty"))
	}

	// Embeddings ↔ memory dimensions
	if cfg.Embeddings.Name != "" && !slices.Contains(ValidEmbeddingsProviders, cfg.Embeddings.Name) {
		slog.Warn("unknown embeddings provider name — may be a typo or third-party provider",
			"name", cfg.Embeddings.Name,
			"known", ValidEmbeddingsProviders,
		)
	}
	for fb, depth := cfg.Embeddings.Fallback, 1; fb != nil; fb, depth = fb.Fallback, depth+1 {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("embeddings fallback (depth %d) has no name", depth))
		} else if !slices.Contains(ValidEmbeddingsProviders, fb.Name) {
			slog.Warn("unknown embeddings fallback provider name",
				"name", fb.Name,
				"known", ValidEmbeddingsProviders,
			)
		}
	}
	if cfg.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}

	// Memory availability
	if cfg.Memory.PostgresDSN == "" {
		slog.Warn("memory.postgres_dsn is empty; transcripts and long-term memory will not be persisted")
	}

	// Plugin servers
	pluginNamesSeen := make(map[string]int, len(cfg.Plugins.Servers))
	for i, srv := range cfg.Plugins.Servers {
		prefix := fmt.Sprintf("plugins.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := pluginNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of plugins.servers[%d]", prefix, srv.Name, prev))
			}
			pluginNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == plugin.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == plugin.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}
