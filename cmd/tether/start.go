package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/mattjoyce/tether/internal/agent"
	"github.com/mattjoyce/tether/internal/callback"
	"github.com/mattjoyce/tether/internal/config"
	"github.com/mattjoyce/tether/internal/dispatch"
	"github.com/mattjoyce/tether/internal/lock"
	"github.com/mattjoyce/tether/internal/log"
	"github.com/mattjoyce/tether/internal/protocol"
	"github.com/mattjoyce/tether/internal/scheduler"
	"github.com/mattjoyce/tether/internal/spool"
	"github.com/mattjoyce/tether/internal/storage"
	"github.com/mattjoyce/tether/internal/subscribe"
	"github.com/mattjoyce/tether/internal/transport"
)

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", config.DefaultPath, "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	if cfg.SourcePath == "" {
		log.Warn("config file not found, using defaults", "path", *configPath)
	}
	log.Info("tether starting", "version", version, "agent_id", cfg.Agent.ID, "core_url", cfg.Core.URL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := start(ctx, cfg); err != nil {
		log.Error("agent failed to start", "error", err)
		return 1
	}
	log.Info("tether stopped", "agent_id", cfg.Agent.ID)
	return 0
}

// start wires the agent from cfg and runs it until ctx is cancelled.
func start(ctx context.Context, cfg *config.Config) error {
	base := log.WithAgent(cfg.Agent.ID)
	logger := base.With("component", "main")

	identity := protocol.Identity{
		AgentID:     cfg.Agent.ID,
		Name:        cfg.Agent.Name,
		ContainerID: cfg.Agent.ContainerID,
	}

	res, err := agent.Builtins().Resolve(cfg.Agent.ClassName, cfg.Agent.Settings)
	if err != nil {
		return err
	}
	if res.FellBack {
		logger.Warn("agent class not found, falling back",
			"requested", res.Requested, "class", res.Class, "package", cfg.Agent.PackageName)
	} else {
		logger.Info("agent class loaded", "class", res.Class, "package", cfg.Agent.PackageName)
	}

	client, err := transport.New(cfg.Core.URL, cfg.Core.RequestTimeout.Duration(),
		transport.WithUserAgent("tether/"+version))
	if err != nil {
		return err
	}

	var (
		dispatchOpts []dispatch.Option
		loopOpts     []scheduler.Option
	)

	if cfg.Spool.Path != "" {
		pidLock, err := lock.Acquire(lock.PathFor(cfg.Spool.Path))
		if err != nil {
			return fmt.Errorf("spool lock: %w", err)
		}
		defer func() { _ = pidLock.Release() }()

		db, err := storage.OpenSQLite(ctx, cfg.Spool.Path)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		sp := spool.New(db, cfg.Spool.MaxAttempts, base)
		if n, err := sp.Len(ctx); err == nil && n > 0 {
			logger.Info("result spool has pending entries", "count", n, "path", cfg.Spool.Path)
		}
		dispatchOpts = append(dispatchOpts, dispatch.WithSpool(sp))
		loopOpts = append(loopOpts, scheduler.WithSpool(sp, cfg.Spool.BatchSize))
	}

	sub := subscribe.New(client, identity, cfg.Core.CallbackURL, base)
	engine := dispatch.New(identity, client, res.New, base, dispatchOpts...)

	var wg sync.WaitGroup
	if cfg.Callback.Enabled {
		srv := callback.New(callback.Config{
			Listen:          cfg.Callback.Listen,
			Path:            cfg.Callback.Path,
			MaxBodySize:     cfg.Callback.MaxBodySize,
			InboxSize:       cfg.Callback.InboxSize,
			Secret:          cfg.Callback.Secret,
			SignatureHeader: cfg.Callback.SignatureHeader,
		}, identity.AgentID, sub.Active, base)
		loopOpts = append(loopOpts, scheduler.WithInbox(srv.Inbox()))

		wg.Add(1)
		go func() {
			defer wg.Done()
			// Polling keeps working without the listener.
			if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("callback server stopped", "error", err)
			}
		}()
	}

	loop := scheduler.New(identity, cfg.Service.PollInterval.Duration(), client, engine, sub, base, loopOpts...)
	err = loop.Run(ctx)
	wg.Wait()
	return err
}
