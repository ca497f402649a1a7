package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hivegate/hivegate/internal/config"
	"github.com/hivegate/hivegate/internal/hive"
	"github.com/hivegate/hivegate/internal/ledger"
	"github.com/hivegate/hivegate/internal/natsbus"
	"github.com/hivegate/hivegate/internal/saga"
	"github.com/hivegate/hivegate/internal/sandbox"
	"github.com/hivegate/hivegate/internal/scheduler"
	"github.com/hivegate/hivegate/internal/store"
	"github.com/hivegate/hivegate/internal/telegram"
	"github.com/hivegate/hivegate/internal/tools"
	"github.com/hivegate/hivegate/internal/vault"
	"github.com/hivegate/hivegate/internal/web"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("hivegate %s\n", version)
	case "gateway":
		if err := runGateway(); err != nil {
			slog.Error("gateway failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	case "build-image":
		if err := runBuildImage(os.Args[2:]); err != nil {
			slog.Error("image build failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: hivegate <command>

Commands:
  gateway      Start the hivegate gateway service
  backup       Archive the store snapshot and NATS data dir to a tar.zst file
  restore      Restore store and NATS data from a backup archive
  build-image  Build the sandbox template image from Dockerfile.sandbox
  version      Print version
`)
}

func runGateway() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("starting hivegate gateway", "version", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SQLite store
	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer db.Close()
	slog.Info("store initialized", "path", cfg.Store.Path)

	// Embedded NATS
	bus, err := natsbus.New(cfg.NATS)
	if err != nil {
		return fmt.Errorf("init nats: %w", err)
	}
	defer bus.Close()
	slog.Info("nats started", "port", cfg.NATS.Port)

	events, err := natsbus.NewClient(bus)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer events.Close()

	// Credit ledger
	led := ledger.NewSQLite(db)

	// Sandbox provider behind a circuit breaker
	docker, err := sandbox.NewDocker(cfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init sandbox provider: %w", err)
	}
	provider := sandbox.NewBreaker(docker)

	// Agent pool; every agent type executes code in its own sandbox
	behaviors := make(hive.Behaviors)
	for _, typ := range hive.AllTypes() {
		behaviors[typ] = sandbox.ExecBehavior(provider)
	}
	pool := hive.NewPool(behaviors)

	// Credential vault
	var keeper *vault.Keeper
	var secrets saga.SecretResolver
	if cfg.Vault.Passphrase != "" {
		keeper = vault.New(cfg.Vault.Passphrase, db)
		secrets = keeper.Resolve
	} else {
		slog.Warn("vault passphrase not set, secret references disabled")
	}

	// Provisioning sagas
	prov := saga.NewProvisioner(saga.Options{
		Store:     db,
		Ledger:    led,
		Sandboxes: provider,
		Pool:      pool,
		Pricing:   cfg.Pricing,
		Sandbox:   cfg.Sandbox,
		Events:    events,
		Secrets:   secrets,
	})

	// Re-adopt swarms that survived a restart, then sweep orphaned sandboxes.
	keep, err := prov.Rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate swarms: %w", err)
	}
	if err := docker.CleanupStale(ctx, keep); err != nil {
		slog.Warn("stale sandbox cleanup failed", "error", err)
	}

	// Tool gateway on the bus
	gw := tools.NewGateway(pool, prov, led)
	if err := gw.Bind(events, cfg.Sandbox.ExecTimeout); err != nil {
		return fmt.Errorf("bind tool gateway: %w", err)
	}
	slog.Info("tool gateway bound", "subject", natsbus.ToolsSubject, "tools", len(gw.Tools()))

	// Scheduler
	sched := scheduler.New(db, prov, events, cfg.Scheduler)
	go sched.Start(ctx)

	// Telegram ops notifier
	if cfg.Telegram.Token != "" {
		notifier, err := telegram.NewNotifier(cfg.Telegram, pool, prov)
		if err != nil {
			return fmt.Errorf("init telegram notifier: %w", err)
		}
		if err := notifier.Watch(events); err != nil {
			return fmt.Errorf("watch bus events: %w", err)
		}
		go notifier.Start(ctx)
		slog.Info("telegram notifier started")
	} else {
		slog.Warn("telegram token not set, notifier disabled")
	}

	// Web API
	if cfg.Web.Enabled {
		srv := web.NewServer(gw, prov, pool, sched, keeper, bus, cfg.Web, version)
		go func() {
			if err := srv.Start(ctx); err != nil {
				slog.Error("web server error", "error", err)
			}
		}()
		slog.Info("web server started", "port", cfg.Web.Port)
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)
	cancel()

	return nil
}
