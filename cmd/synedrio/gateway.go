package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/ipc"
	"github.com/mtzanidakis/synedrio/internal/natsbus"
	"github.com/mtzanidakis/synedrio/internal/poller"
	"github.com/mtzanidakis/synedrio/internal/scheduler"
	"github.com/mtzanidakis/synedrio/internal/telegram"
	"github.com/mtzanidakis/synedrio/internal/telemetry"
	"github.com/mtzanidakis/synedrio/internal/web"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the synedrio gateway service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runGateway()
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting synedrio gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := telemetry.Init(ctx, cfg.Telemetry, version, os.Stderr); err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer telemetry.Shutdown(context.Background())

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	// Debate events -> bus
	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		a.client.ForwardEvents(context.Background(), a.sink.Events())
	}()

	// Provider liveness
	poll := poller.New(a.registry, cfg.Poller.Interval, poller.SinkFunc(func(s poller.Status) {
		if err := a.client.PublishJSON(natsbus.TopicEventsProvider(s.Provider), map[string]any{
			"type":      "provider_status",
			"timestamp": s.Timestamp.UTC().Format(time.RFC3339),
			"data":      s,
		}); err != nil {
			slog.Warn("failed to publish provider status", "provider", s.Provider, "error", err)
		}
	}))
	poll.SetCheckTimeout(cfg.Debate.CheckTimeout)
	poll.SetActiveProviders(cfg.Poller.Providers)
	poll.OnChange(func(name string, writing bool) {
		slog.Info("provider writing state changed", "provider", name, "writing", writing)
	})
	poll.Start(ctx)
	defer poll.Stop()
	slog.Info("status poller started", "interval", cfg.Poller.Interval)

	// Scheduled debates
	sched := scheduler.New(a.store, a.ctrl, a.client, cfg.Scheduler)
	if err := sched.Sync(ctx, cfg.Schedules); err != nil {
		return fmt.Errorf("sync schedules: %w", err)
	}
	go sched.Start(ctx)

	// Local control
	ipcSrv := ipc.NewServer(a.client, a.ctrl, a.store)
	if err := ipcSrv.Start(ctx); err != nil {
		return fmt.Errorf("init ipc: %w", err)
	}
	defer ipcSrv.Stop()

	// Telegram notifier
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram, a.client, a.ctrl, a.store)
		if err != nil {
			return fmt.Errorf("init telegram bot: %w", err)
		}
		go func() {
			if err := bot.Start(ctx); err != nil {
				slog.Error("telegram bot error", "error", err)
			}
		}()
		slog.Info("telegram bot started")
	} else {
		slog.Warn("telegram token not set, notifications disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(web.Deps{
			Store:     a.store,
			Ctrl:      a.ctrl,
			Providers: a.registry.Names(),
			Status:    poll,
			Presets:   a.presets,
			NATS:      a.client,
		}, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	a.shutdown(shutdownTimeout)
	<-forwarded
	return nil
}
