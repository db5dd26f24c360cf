package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/ticketrouter/internal/activity"
	"github.com/terminal-bench/ticketrouter/internal/agents"
	"github.com/terminal-bench/ticketrouter/internal/config"
	"github.com/terminal-bench/ticketrouter/internal/dedup"
	"github.com/terminal-bench/ticketrouter/internal/gateway"
	"github.com/terminal-bench/ticketrouter/internal/metrics"
	"github.com/terminal-bench/ticketrouter/internal/pipeline"
	"github.com/terminal-bench/ticketrouter/internal/queue"
	"github.com/terminal-bench/ticketrouter/internal/scoring"
	"github.com/terminal-bench/ticketrouter/internal/store"
	"github.com/terminal-bench/ticketrouter/pkg/circuit"
)

func main() {
	cfg := config.Load()
	log := newLogger(cfg.LogLevel)

	rdb, err := store.NewClient(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("invalid redis url")
	}
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A dead store is not fatal: submission returns 503 until it is back.
	if err := store.Ping(ctx, rdb); err != nil {
		log.WithError(err).Warn("store unreachable at startup, continuing")
	}

	m := metrics.New()
	ring := activity.NewLog()
	registry := agents.NewRegistry(rdb, log)
	if seeded, err := registry.SeedDefaults(ctx); err != nil {
		log.WithError(err).Warn("failed to seed default agents")
	} else if seeded > 0 {
		log.WithField("agents", seeded).Info("seeded default agents")
	}

	breaker := circuit.NewBreaker(rdb, circuit.Config{
		LatencyBudget:  cfg.LatencyBudget(),
		Cooldown:       cfg.CircuitCooldown(),
		HalfOpenProbes: cfg.CircuitHalfOpenProbes,
	})
	router := scoring.NewRouter(newScorer(cfg), breaker, m.ScorerFallbacks, log)

	ded := dedup.New(rdb, dedup.Config{
		SimilarityThreshold: cfg.DedupSimThreshold,
		MinCount:            cfg.DedupMinCount,
		Window:              cfg.DedupWindow(),
	}, log)
	q := queue.New(rdb)

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("invalid redis url for task queue")
	}
	taskClient := asynq.NewClient(redisOpt)
	defer taskClient.Close()

	intake := pipeline.NewIntake(taskClient, ring, m, log)
	dispatcher := pipeline.NewDispatcher(q, registry, ded, ring, m, log)

	srv := gateway.NewServer(gateway.Deps{
		Intake:     intake,
		Dispatcher: dispatcher,
		Queue:      q,
		Dedup:      ded,
		Agents:     registry,
		Scoring:    router,
		Ring:       ring,
		Redis:      rdb,
		Metrics:    m,
		Log:        log,
	})

	sub := activity.NewSubscriber(rdb, ring, log)
	httpSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv.Handler(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", httpSrv.Addr).Info("gateway listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down gateway")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("gateway shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("gateway server failed")
	}
	log.Info("gateway stopped")
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)
	return log
}

func newScorer(cfg config.Config) scoring.Scorer {
	if cfg.ScorerURL != "" {
		return scoring.NewHTTPScorer(cfg.ScorerURL, nil)
	}
	return scoring.NewLexicalScorer()
}
