package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"replyguard/internal/alert"
	"replyguard/internal/api"
	"replyguard/internal/broadcast"
	"replyguard/internal/bus"
	"replyguard/internal/channel"
	"replyguard/internal/decision"
	"replyguard/internal/guardrail"
	"replyguard/internal/maintenance"
	"replyguard/internal/pipeline"
	"replyguard/internal/policy"
	"replyguard/internal/provider"
	"replyguard/internal/workflow"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, pipeline, dashboard hub and maintenance sweeper",
		Long:  "Starts the HTTP server (operator API, webhooks, dashboard socket) and every background worker. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	recorder, closeAudit, err := openRecorder(cfg, st)
	if err != nil {
		return fmt.Errorf("audit mirror: %w", err)
	}
	defer closeAudit()

	events := bus.NewEventBus(logger)
	policies := policy.NewLoader(cfg.Routing.PolicyDir, cfg.Routing.Policies, logger)

	classifier, err := provider.NewFactory(cfg.Classifier, logger).Classifier()
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	if err := classifier.Healthy(ctx); err != nil {
		logger.Warn("classifier unhealthy at startup", "classifier", classifier.Name(), "err", err)
	} else {
		logger.Info("classifier healthy", "classifier", classifier.Name())
	}

	engine := decision.NewEngine(classifier, recorder, decision.Config{
		ClassifierTimeout: time.Duration(cfg.Classifier.TimeoutSeconds) * time.Second,
		LatencyCeiling:    time.Duration(cfg.Classifier.LatencyCeilingMs) * time.Millisecond,
		Logger:            logger,
	})
	guard := guardrail.NewEngine(guardrail.Config{
		ExtraSecurity: cfg.Guardrail.ExtraSecurity,
		ExtraLegal:    cfg.Guardrail.ExtraLegal,
		ExtraMedical:  cfg.Guardrail.ExtraMedical,
	}, logger)

	registry, telegram := channel.NewFromConfig(cfg.Delivery, cfg.Routing.DefaultTenant, logger)

	wf := workflow.New(workflow.Config{
		Store:     st,
		Deliverer: registry,
		Policies:  policies,
		Events:    events,
		Currency:  cfg.Routing.OrderCurrency,
		Audit:     recorder,
		Logger:    logger,
	})
	defer wf.Close()

	if n, err := wf.RestoreTimers(ctx); err != nil {
		logger.Error("restore auto-send timers failed", "err", err)
	} else if n > 0 {
		logger.Info("auto-send timers restored", "count", n)
	}

	inbound := bus.New(cfg.Routing.BusBufferSize, logger)
	pipe := pipeline.New(pipeline.Config{
		Bus:          inbound,
		Store:        st,
		Policies:     policies,
		Guardrail:    guard,
		Decider:      engine,
		Workflow:     wf,
		Events:       events,
		HistoryLimit: cfg.Routing.HistoryLimit,
		Concurrency:  cfg.Routing.Concurrency,
		Logger:       logger,
	})

	hub := broadcast.NewHub(broadcast.Config{
		MaxEventsPerSecond: cfg.Broadcast.MaxEventsPerSecond,
		SendTimeout:        time.Duration(cfg.Broadcast.SendTimeoutSeconds) * time.Second,
		Logger:             logger,
	})
	broadcast.Attach(ctx, events, hub)

	sweepCfg := sweeperConfig(cfg, recorder)
	sweepCfg.Events = events
	sweeper := maintenance.NewSweeper(sweepCfg, st)

	dispatcher := alert.NewDispatcher(alert.Config{
		Sinks:  alert.SinksFromConfig(cfg.Alerts, nil, logger),
		Logger: logger,
	})
	if dispatcher.Len() > 0 {
		dispatcher.Subscribe(events)
		logger.Info("security alert sinks enabled", "count", dispatcher.Len())
	}

	webhook := channel.NewWebhook(channel.WebhookConfig{
		Secret:        cfg.Server.InboundSecret,
		DefaultTenant: cfg.Routing.DefaultTenant,
		Bus:           inbound,
		Receipts:      wf,
		Logger:        logger,
	})
	metaHook := channel.NewMetaWebhook(channel.MetaWebhookConfig{
		TenantID:    cfg.Routing.DefaultTenant,
		VerifyToken: cfg.Delivery.Meta.VerifyToken,
		AppSecret:   cfg.Delivery.Meta.AppSecret,
		Bus:         inbound,
		Receipts:    wf,
		Logger:      logger,
	})

	server := api.New(api.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		JWTSecret: cfg.Server.JWTSecret,
		Store:     st,
		Operator:  wf,
		Events:    events,
		Dashboard: broadcast.NewHandler(hub, cfg.Server.AllowedOrigins),
		Mounts: []api.Mounter{
			webhook,
			api.MounterFunc(func(mux *http.ServeMux) { metaHook.Register(mux, "/webhook/meta") }),
		},
		Version: version,
		Logger:  logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error {
		pipe.Run(gctx)
		return nil
	})
	g.Go(func() error {
		hub.RunHeartbeat(gctx, time.Duration(cfg.Broadcast.HeartbeatSeconds)*time.Second)
		return nil
	})
	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})
	if dispatcher.Len() > 0 {
		g.Go(func() error { return dispatcher.Run(gctx) })
	}
	if telegram != nil && cfg.Delivery.Telegram.Listen {
		g.Go(func() error { return telegram.Listen(gctx, inbound) })
	}

	logger.Info("replyguard started. Press Ctrl+C to stop.", "version", version, "addr", server.Addr())

	// A failing worker cancels gctx. The pipeline then dispatches what is
	// still queued on the bus and waits for in-flight messages under a
	// detached context, bounded by its drain timeout.
	go func() {
		<-gctx.Done()
		inbound.Close()
		hub.CloseAll()
	}()

	err = g.Wait()
	dispatcher.Unsubscribe()
	if err != nil {
		logger.Error("shutdown with error", "err", err)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
