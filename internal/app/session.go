package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xswarm-ai/xswarm/internal/engine/duplex"
	"github.com/xswarm-ai/xswarm/internal/moshi"
	"github.com/xswarm-ai/xswarm/internal/persona"
	"github.com/xswarm-ai/xswarm/internal/plugin"
	"github.com/xswarm-ai/xswarm/internal/plugin/builtins"
	pluginhost "github.com/xswarm-ai/xswarm/internal/plugin/host"
	"github.com/xswarm-ai/xswarm/internal/telephony"
	"github.com/xswarm-ai/xswarm/pkg/audio"
	"github.com/xswarm-ai/xswarm/pkg/codec"
	"github.com/xswarm-ai/xswarm/pkg/memory"
)

// builtinRegistrar is the optional host capability for in-process tools.
// Satisfied by [pluginhost.Host]; injected mocks may omit it.
type builtinRegistrar interface {
	RegisterBuiltin(pluginhost.BuiltinTool) error
}

// registerBuiltins installs the in-process tools. Memory tools are only
// registered when both a store and an embeddings provider are available.
func (a *App) registerBuiltins() error {
	registrar, ok := a.host.(builtinRegistrar)
	if !ok {
		slog.Debug("plugin host does not accept builtins, skipping")
		return nil
	}

	if err := registrar.RegisterBuiltin(builtins.CurrentTime()); err != nil {
		return err
	}

	if a.store == nil || a.providers.Embeddings == nil {
		slog.Info("memory tools disabled", "store", a.store != nil, "embeddings", a.providers.Embeddings != nil)
		return nil
	}

	// Facts are global knowledge; the session ID only records which run of
	// the assistant learned them.
	instanceID := uuid.New()
	index := a.store.Semantic()
	if err := registrar.RegisterBuiltin(builtins.RememberFact(index, a.providers.Embeddings, instanceID, a.met)); err != nil {
		return err
	}
	return registrar.RegisterBuiltin(builtins.RecallFacts(index, a.providers.Embeddings))
}

// resolvePersona maps a requested persona name to a loaded persona. An empty
// name selects the configured default; an unknown name is an error so a
// misdialled call fails loudly instead of silently dropping its instructions.
func (a *App) resolvePersona(name string) (*persona.Persona, error) {
	if name == "" {
		name = a.cfg.Personas.Default
	}
	if name == "" {
		return nil, nil
	}
	if a.personas == nil {
		return nil, fmt.Errorf("persona %q requested but no persona directory is configured", name)
	}
	return a.personas.Get(name)
}

// toolHandler builds the per-session [moshi.ToolHandler]: tool calls the
// model requests are checked against the persona's allow-list and executed
// through the plugin host.
func (a *App) toolHandler(p *persona.Persona) moshi.ToolHandler {
	matcher := plugin.NewMatcher()
	return func(ctx context.Context, name, args string) (string, error) {
		if p != nil && !p.AllowsPlugin(name) {
			// The model transcribes tool names from speech, so the raw name
			// may not be the registered one. Resolve before rejecting.
			resolved, _, ok := matcher.Match(name, a.host.Tools())
			if !ok || !p.AllowsPlugin(resolved) {
				return "", fmt.Errorf("tool %q is not available to persona %q", name, p.Name)
			}
			name = resolved
		}
		result, err := a.host.ExecuteTool(ctx, name, args)
		if err != nil {
			return "", err
		}
		if result.IsError {
			return "", errors.New(result.Content)
		}
		return result.Content, nil
	}
}

// newCallSession is the default [telephony.SessionFactory]: it dials the
// model server, builds and warms a codec pipeline, and wraps a duplex loop
// that persists transcripts.
func (a *App) newCallSession(ctx context.Context, personaName string, in <-chan audio.Frame) (telephony.Session, error) {
	p, err := a.resolvePersona(personaName)
	if err != nil {
		return nil, err
	}

	voice := a.cfg.Model.Voice
	mopts := []moshi.Option{moshi.WithToolHandler(a.toolHandler(p))}
	if p != nil {
		instructions := p.SystemPrompt
		if p.Greeting != "" {
			instructions += "\n\nOpen the conversation by saying: " + p.Greeting
		}
		mopts = append(mopts, moshi.WithInstructions(instructions))
		if p.Voice != "" {
			voice = p.Voice
		}
	}
	if voice != "" {
		mopts = append(mopts, moshi.WithVoice(voice))
	}

	client, err := moshi.Dial(ctx, a.cfg.Model.URL, mopts...)
	if err != nil {
		return nil, fmt.Errorf("dial model server: %w", err)
	}

	var copts []codec.Option
	if n := a.cfg.Model.WarmupIterations; n > 0 {
		copts = append(copts, codec.WithWarmupIterations(n))
	}
	if s := a.cfg.Model.WarmupTimeoutSec; s > 0 {
		copts = append(copts, codec.WithWarmupTimeout(time.Duration(s)*time.Second))
	}
	pipe := codec.New(client, copts...)

	if err := pipe.Warmup(ctx); err != nil {
		_ = pipe.Shutdown()
		_ = client.Close()
		return nil, fmt.Errorf("warm up pipeline: %w", err)
	}

	lopts := []duplex.Option{duplex.WithMetrics(a.met)}
	if p != nil {
		lopts = append(lopts, duplex.WithPersona(p.Name))
	}
	loop := duplex.New(pipe, client, in, lopts...)

	session := &callSession{
		loop:   loop,
		pipe:   pipe,
		client: client,
	}
	if a.store != nil {
		session.transcripts = a.store.Transcripts()
	}
	return session, nil
}

// callSession runs one duplex loop and persists its transcript entries. It
// owns the pipeline and model connection for the call and releases both when
// Run returns.
type callSession struct {
	loop        *duplex.Loop
	pipe        *codec.Pipeline
	client      *moshi.Client
	transcripts memory.TranscriptStore
}

var _ telephony.Session = (*callSession)(nil)

// Out implements [telephony.Session].
func (s *callSession) Out() <-chan audio.Frame { return s.loop.Out() }

// Run implements [telephony.Session].
func (s *callSession) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop.Run(ctx) })
	g.Go(func() error {
		for entry := range s.loop.Transcripts() {
			if s.transcripts == nil {
				continue
			}
			// Persistence must not stall the conversation; a lost entry is
			// logged, not fatal.
			if err := s.transcripts.Append(ctx, entry); err != nil {
				slog.Warn("transcript append failed", "session", entry.SessionID, "err", err)
			}
		}
		return nil
	})

	err := g.Wait()
	err = errors.Join(err, s.pipe.Shutdown(), s.client.Close())
	return err
}
