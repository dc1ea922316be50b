// Package app wires all xSwarm subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the servers until the context is cancelled, and
// Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithPluginHost, WithMemoryStore, etc.). When an option is not provided,
// New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/xswarm-ai/xswarm/internal/config"
	"github.com/xswarm-ai/xswarm/internal/health"
	"github.com/xswarm-ai/xswarm/internal/observe"
	"github.com/xswarm-ai/xswarm/internal/persona"
	"github.com/xswarm-ai/xswarm/internal/plugin"
	pluginhost "github.com/xswarm-ai/xswarm/internal/plugin/host"
	"github.com/xswarm-ai/xswarm/internal/telephony"
	"github.com/xswarm-ai/xswarm/pkg/memory"
	"github.com/xswarm-ai/xswarm/pkg/memory/postgres"
	"github.com/xswarm-ai/xswarm/pkg/provider/embeddings"
)

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	Embeddings embeddings.Provider
}

// App owns all subsystem lifetimes and orchestrates the voice assistant.
type App struct {
	cfg       *config.Config
	providers *Providers
	met       *observe.Metrics

	// Subsystems — initialised in New, torn down in Shutdown.
	personas  *persona.Registry
	store     memory.Store
	host      plugin.Host
	telephony *telephony.Server
	admin     *http.Server

	// sessions builds one conversation session per call. Replaceable for
	// tests via WithSessionFactory.
	sessions telephony.SessionFactory

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemoryStore injects a memory store instead of connecting to Postgres.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.store = s }
}

// WithPluginHost injects a plugin host instead of creating one from config.
func WithPluginHost(h plugin.Host) Option {
	return func(a *App) { a.host = h }
}

// WithSessionFactory injects the per-call session factory. The default
// factory dials the model server and builds a full duplex pipeline per call.
func WithSessionFactory(f telephony.SessionFactory) Option {
	return func(a *App) { a.sessions = f }
}

// WithMetrics sets the metrics instance. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.met = m }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry). Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: persona loading, memory
// store connection, plugin server registration, and server construction. The
// model server is not dialled here — each call dials its own session.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.met == nil {
		a.met = observe.DefaultMetrics()
	}

	if err := a.initPersonas(); err != nil {
		return nil, fmt.Errorf("app: init personas: %w", err)
	}
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}
	if err := a.initPlugins(ctx); err != nil {
		return nil, fmt.Errorf("app: init plugins: %w", err)
	}
	if a.sessions == nil {
		a.sessions = a.newCallSession
	}
	a.initServers()

	return a, nil
}

// initPersonas loads the persona directory when configured. Without one the
// app runs with model defaults only.
func (a *App) initPersonas() error {
	if a.cfg.Personas.Dir == "" {
		slog.Info("no persona directory configured, using model defaults")
		return nil
	}
	reg, err := persona.LoadDir(a.cfg.Personas.Dir)
	if err != nil {
		return err
	}
	if def := a.cfg.Personas.Default; def != "" {
		if _, err := reg.Get(def); err != nil {
			return fmt.Errorf("default persona: %w", err)
		}
	}
	a.personas = reg
	slog.Info("personas loaded", "count", reg.Len(), "default", a.cfg.Personas.Default)
	return nil
}

// initMemory connects the Postgres store when a DSN is configured. Without
// one the assistant runs stateless: no transcripts, no long-term facts.
func (a *App) initMemory(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	if a.cfg.Memory.PostgresDSN == "" {
		slog.Info("no memory DSN configured, running without persistence")
		return nil
	}

	dims := a.cfg.Memory.EmbeddingDimensions
	if dims == 0 && a.providers.Embeddings != nil {
		dims = a.providers.Embeddings.Dimensions()
	}
	if dims == 0 {
		dims = 1536
	}

	store, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN, dims)
	if err != nil {
		return err
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	slog.Info("memory store connected", "dimensions", dims)
	return nil
}

// initPlugins builds the plugin host, registers the in-process builtins, and
// connects every configured external plugin server.
func (a *App) initPlugins(ctx context.Context) error {
	if a.host == nil {
		a.host = pluginhost.New(pluginhost.WithMetrics(a.met))
	}
	a.closers = append(a.closers, a.host.Close)

	if err := a.registerBuiltins(); err != nil {
		return err
	}

	for _, sc := range a.cfg.Plugins.Servers {
		cfg := plugin.ServerConfig{
			Name:      sc.Name,
			Transport: sc.Transport,
			Command:   sc.Command,
			URL:       sc.URL,
			Env:       sc.Env,
		}
		if err := a.host.RegisterServer(ctx, cfg); err != nil {
			return fmt.Errorf("register plugin server %q: %w", sc.Name, err)
		}
		slog.Info("plugin server registered", "name", sc.Name, "transport", sc.Transport)
	}

	a.checkPersonaAllowLists()
	return nil
}

// checkPersonaAllowLists warns about persona plugin allow-list entries that
// name no registered tool. A typo there would otherwise surface only as a
// tool silently never being offered.
func (a *App) checkPersonaAllowLists() {
	if a.personas == nil {
		return
	}
	registered := make(map[string]bool)
	for _, tool := range a.host.Tools() {
		registered[tool.Name] = true
	}
	for _, name := range a.personas.Names() {
		p, err := a.personas.Get(name)
		if err != nil {
			continue
		}
		for _, toolName := range p.Plugins {
			if !registered[toolName] {
				slog.Warn("persona allows unknown tool",
					"persona", p.Name, "tool", toolName)
			}
		}
	}
}

// initServers constructs the telephony and admin HTTP servers. Neither
// listens yet; Run starts them.
func (a *App) initServers() {
	if addr := a.cfg.Telephony.ListenAddr; addr != "" {
		a.telephony = telephony.NewServer(addr, a.sessions, telephony.WithMetrics(a.met))
	}

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		mux := http.NewServeMux()
		health.New(a.healthCheckers()...).Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())
		a.admin = &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
}

// healthCheckers assembles the readiness probes for the configured
// subsystems.
func (a *App) healthCheckers() []health.Checker {
	var checkers []health.Checker
	if a.store != nil {
		store := a.store
		checkers = append(checkers, health.Checker{
			Name: "memory",
			Check: func(ctx context.Context) error {
				_, err := store.Transcripts().Recent(ctx, uuid.Nil, 1)
				return err
			},
		})
	}
	if a.host != nil {
		host := a.host
		checkers = append(checkers, health.Checker{
			Name: "plugins",
			Check: func(context.Context) error {
				host.Tools()
				return nil
			},
		})
	}
	return checkers
}

// Run starts the telephony and admin servers and blocks until ctx is
// cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.telephony != nil {
		g.Go(func() error { return a.telephony.Run(ctx) })
	}
	if a.admin != nil {
		admin := a.admin
		tls := a.cfg.Server.TLS
		g.Go(func() error {
			slog.Info("admin server listening", "addr", admin.Addr, "tls", tls != nil)
			var err error
			if tls != nil {
				err = admin.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = admin.ListenAndServe()
			}
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return admin.Shutdown(shutdownCtx)
		})
	}
	if a.telephony == nil && a.admin == nil {
		<-ctx.Done()
	}

	return g.Wait()
}

// Shutdown tears subsystems down in reverse initialisation order. Safe to
// call more than once.
func (a *App) Shutdown(context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}
