// Command xswarm is the main entry point for the xSwarm voice assistant
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xswarm-ai/xswarm/internal/app"
	"github.com/xswarm-ai/xswarm/internal/config"
	"github.com/xswarm-ai/xswarm/internal/observe"
	"github.com/xswarm-ai/xswarm/internal/resilience"
	"github.com/xswarm-ai/xswarm/pkg/provider/embeddings"
	ollamaembed "github.com/xswarm-ai/xswarm/pkg/provider/embeddings/ollama"
	oaembed "github.com/xswarm-ai/xswarm/pkg/provider/embeddings/openai"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "xswarm: config file %q not found (see -config)\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "xswarm: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so config hot-reload can adjust it.
	levelVar := new(slog.LevelVar)
	levelVar.Set(logLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("xswarm starting",
		"version", version,
		"config", *configPath,
		"model_url", cfg.Model.URL,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "xswarm",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Embeddings provider ───────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerEmbeddingsProviders(reg)

	providers := &app.Providers{}
	if name := cfg.Embeddings.Name; name != "" {
		p, err := buildEmbeddings(reg, cfg.Embeddings)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown embeddings provider — memory tools disabled", "name", name)
		} else if err != nil {
			slog.Error("failed to create embeddings provider", "name", name, "err", err)
			return 1
		} else {
			providers.Embeddings = p
			slog.Info("embeddings provider created", "name", name, "model", p.ModelID())
		}
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot-reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyConfigChange(levelVar, old, new)
	})
	if err != nil {
		slog.Warn("config watcher unavailable", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerEmbeddingsProviders wires the built-in embeddings factories into reg.
func registerEmbeddingsProviders(reg *config.Registry) {
	reg.RegisterEmbeddings("openai", func(entry config.EmbeddingsConfig) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.EmbeddingsConfig) (embeddings.Provider, error) {
		return ollamaembed.New(entry.BaseURL, entry.Model)
	})
}

// buildEmbeddings creates the configured embeddings provider. When fallbacks
// are configured the chain is wrapped in a [resilience.EmbeddingsFallback] so
// a failing primary is bypassed automatically.
func buildEmbeddings(reg *config.Registry, entry config.EmbeddingsConfig) (embeddings.Provider, error) {
	primary, err := reg.CreateEmbeddings(entry)
	if err != nil {
		return nil, err
	}
	if entry.Fallback == nil {
		return primary, nil
	}

	group := resilience.NewEmbeddingsFallback(primary, entry.Name, resilience.FallbackConfig{})
	for fb := entry.Fallback; fb != nil; fb = fb.Fallback {
		p, err := reg.CreateEmbeddings(*fb)
		if err != nil {
			return nil, fmt.Errorf("fallback %q: %w", fb.Name, err)
		}
		group.AddFallback(fb.Name, p)
		slog.Info("embeddings fallback registered", "name", fb.Name, "model", p.ModelID())
	}
	return group, nil
}

// applyConfigChange reacts to a reloaded config file. Only the log level can
// change at runtime; everything else needs a restart and is just reported.
func applyConfigChange(levelVar *slog.LevelVar, old, new *config.Config) {
	diff := config.Diff(old, new)

	if diff.LogLevelChanged {
		levelVar.Set(logLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.ModelVoiceChanged {
		slog.Info("model voice changed — applies to new calls", "voice", diff.NewModelVoice)
	}
	if diff.DefaultPersonaChanged {
		slog.Info("default persona changed — restart to apply", "persona", diff.NewDefaultPersona)
	}
	if diff.PluginServersChanged {
		for _, c := range diff.PluginChanges {
			slog.Info("plugin server config changed — restart to apply",
				"name", c.Name, "added", c.Added, "removed", c.Removed, "modified", c.Modified)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          xSwarm — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", cfg.Model.URL)
	printRow("Voice", cfg.Model.Voice)
	printRow("Personas", cfg.Personas.Dir)
	printRow("Embeddings", cfg.Embeddings.Name)
	if cfg.Memory.PostgresDSN != "" {
		printRow("Memory", "postgres")
	} else {
		printRow("Memory", "(disabled)")
	}
	printRow("Telephony", cfg.Telephony.ListenAddr)
	fmt.Printf("║  Plugin servers : %-19d ║\n", len(cfg.Plugins.Servers))
	printRow("Admin addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s : %-19s ║\n", label, value)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func logLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
