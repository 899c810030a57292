package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/controller"
	"github.com/mtzanidakis/synedrio/internal/cycle"
	"github.com/mtzanidakis/synedrio/internal/debate"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mtzanidakis/synedrio/internal/provider"
	"github.com/mtzanidakis/synedrio/internal/store"
)

// app holds the pieces shared by the gateway and one-shot runs.
type app struct {
	cfg      *config.Config
	store    *store.Store
	bus      *natsbus.Bus
	client   *natsbus.Client
	registry *provider.Registry
	presets  debate.Presets
	sink     *debate.ChannelSink
	ctrl     *controller.Controller
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, presets: debate.NewPresets(cfg.Presets)}

	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.store = db
	slog.Info("store initialized", "path", cfg.Store.Path)

	if n, err := db.FailStaleSessions(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("recover sessions: %w", err)
	} else if n > 0 {
		slog.Warn("marked interrupted sessions as failed", "count", n)
	}

	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init nats: %w", err)
	}
	a.bus = bus

	client, err := natsbus.NewClient(bus)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("nats client: %w", err)
	}
	a.client = client

	registry, err := buildRegistry(cfg, client)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.registry = registry

	timeouts := provider.Timeouts{Input: cfg.Debate.InputTimeout, Response: cfg.Debate.ResponseTimeout}
	a.sink = debate.NewChannelSink(0)
	a.ctrl = controller.New(db, registry, cycle.NewDetector(registry, timeouts), a.sink, a.presets, controller.Options{
		MaxIterations:    cfg.Debate.MaxIterations,
		FailureThreshold: cfg.Debate.FailureThreshold,
		Timeouts:         timeouts,
	})
	return a, nil
}

// buildRegistry creates one adapter per configured provider.
func buildRegistry(cfg *config.Config, conn provider.Requester) (*provider.Registry, error) {
	r := provider.NewRegistry()
	for name, p := range cfg.Providers {
		switch p.Kind {
		case config.ProviderKindBus, "":
			r.Register(name, provider.NewBusAdapter(name, conn))
		case config.ProviderKindAnthropic:
			if p.APIKey == "" {
				slog.Warn("anthropic provider has no api key, login checks will fail", "provider", name)
			}
			r.Register(name, provider.NewAPIAdapter(p.APIKey, p.Model, p.MaxTokens))
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", name, p.Kind)
		}
		slog.Info("provider registered", "name", name, "kind", p.Kind)
	}
	return r, nil
}

// shutdown stops the running debate, then flushes pending events.
func (a *app) shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.ctrl.Shutdown(ctx); err != nil {
		slog.Warn("debate did not stop in time", "error", err)
	}
	a.sink.Close()
}

func (a *app) Close() {
	if a.client != nil {
		_ = a.client.Flush()
		a.client.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
