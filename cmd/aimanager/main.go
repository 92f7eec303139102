package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomkotik/aimanager/internal/api"
	"github.com/tomkotik/aimanager/internal/config"
	"github.com/tomkotik/aimanager/internal/dispatch"
	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/facts"
	"github.com/tomkotik/aimanager/internal/gate"
	"github.com/tomkotik/aimanager/internal/generator"
	"github.com/tomkotik/aimanager/internal/ingester"
	"github.com/tomkotik/aimanager/internal/pipeline"
	"github.com/tomkotik/aimanager/internal/policy"
	"github.com/tomkotik/aimanager/internal/reliability"
	slackalert "github.com/tomkotik/aimanager/internal/slack"
	"github.com/tomkotik/aimanager/internal/store"
)

// alertFunc adapts a function to pipeline.Alerter.
type alertFunc func(ctx context.Context, a events.Alert) error

func (f alertFunc) Alert(ctx context.Context, a events.Alert) error { return f(ctx, a) }

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	slog.Info("aimanager starting",
		"port", cfg.Port,
		"nats_url", cfg.NatsURL,
		"workers", cfg.WorkerCount,
		"queue_size", cfg.WorkerQueueSize,
		"lock_wait", cfg.LockWait,
		"generator", cfg.GeneratorProvider,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Step 1: Connect to database and apply the schema.
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		slog.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}
	slog.Info("database connected")

	// Step 2: Agent policies, reply engine and the authoritative facts source.
	policies := policy.NewRegistry(cfg.AgentPolicyDir)

	gen, err := generator.New(generator.Config{
		Provider:        cfg.GeneratorProvider,
		Model:           cfg.GeneratorModel,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		AnthropicAPIKey: cfg.AnthropicAPIKey,
	})
	if err != nil {
		slog.Error("failed to configure generator", "error", err)
		os.Exit(1)
	}

	src := facts.NewRetrying(facts.NewHTTPSource(cfg.FactsURL, cfg.FactsTimeout), cfg.FactsMaxAttempts)

	// Step 3: Alert sinks. NATS is bound once the ingester exists; nothing
	// raises alerts before events flow.
	var ing *ingester.Ingester
	alerters := pipeline.Alerters{
		alertFunc(func(ctx context.Context, a events.Alert) error {
			if ing == nil {
				return nil
			}
			return ing.Alert(ctx, a)
		}),
	}
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		alerters = append(alerters, slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel))
		slog.Info("Slack alerter enabled", "channel", cfg.SlackAlertChannel)
	}

	// Step 4: Gate and pipeline.
	g := gate.New(db, gate.Config{
		IdleTTL:   cfg.LockIdleTTL,
		LeakAfter: cfg.LockLeak,
		LeakAlarm: func(key string, held time.Duration) {
			if err := alerters.Alert(context.Background(), events.Alert{
				Kind:            events.AlertLockLeak,
				ConversationKey: key,
				Detail:          "lock held for " + held.String(),
			}); err != nil {
				slog.Error("failed to send lock leak alert", "conversation_key", key, "error", err)
			}
		},
	})
	g.StartReaper(ctx, time.Minute)

	engine := pipeline.New(pipeline.Deps{
		Store:     db,
		Gate:      g,
		Policies:  policies,
		Generator: gen,
		Facts:     src,
		Alerter:   alerters,
	}, pipeline.Config{
		LockWait:        cfg.LockWait,
		GenerateTimeout: cfg.GeneratorTimeout,
		FactsTimeout:    cfg.FactsTimeout * time.Duration(cfg.FactsMaxAttempts),
	})

	// Step 5: Worker pool.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	d := dispatch.New(engine, dispatch.Config{
		Workers:   cfg.WorkerCount,
		QueueSize: cfg.WorkerQueueSize,
	})

	// Step 6: Connect to NATS and start ingesting.
	ing, err = ingester.New(cfg.NatsURL, d)
	if err != nil {
		slog.Error("failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer ing.Close()

	d.Start(workerCtx)

	if err := ing.Start(ctx); err != nil {
		slog.Error("failed to start ingester", "error", err)
		os.Exit(1)
	}
	slog.Info("NATS ingester started")

	// Step 7: Announce availability.
	announcement, _ := json.Marshal(map[string]any{
		"event_type": "service.started",
		"source":     "aimanager",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"metadata":   map[string]any{"port": cfg.Port},
	})
	if err := ing.Publish("aimanager.service.started", announcement); err != nil {
		slog.Warn("failed to publish start event", "error", err)
	}

	// Step 8: Start HTTP API.
	srv := api.NewServer(api.Deps{
		Store:      db,
		Queue:      d,
		Resolver:   engine,
		Outbox:     ing,
		Gate:       g,
		Aggregator: reliability.NewAggregator(db),
		Policies:   policies,
	}, cfg.Port)
	go func() {
		if err := srv.Start(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("aimanager ready", "port", cfg.Port)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig)

	// Stop intake first, then let queued events finish and settle.
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown", "error", err)
	}
	ing.Stop()
	stopWorkers()
	d.Wait()
	cancel()

	slog.Info("aimanager stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
