package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/ticketrouter/internal/activity"
	"github.com/terminal-bench/ticketrouter/internal/agents"
	"github.com/terminal-bench/ticketrouter/internal/config"
	"github.com/terminal-bench/ticketrouter/internal/dedup"
	"github.com/terminal-bench/ticketrouter/internal/embedding"
	"github.com/terminal-bench/ticketrouter/internal/metrics"
	"github.com/terminal-bench/ticketrouter/internal/pipeline"
	"github.com/terminal-bench/ticketrouter/internal/queue"
	"github.com/terminal-bench/ticketrouter/internal/scoring"
	"github.com/terminal-bench/ticketrouter/internal/store"
	"github.com/terminal-bench/ticketrouter/internal/webhook"
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

	if err := store.Ping(context.Background(), rdb); err != nil {
		log.WithError(err).Warn("store unreachable at startup, continuing")
	}

	m := metrics.New()
	breaker := circuit.NewBreaker(rdb, circuit.Config{
		LatencyBudget:  cfg.LatencyBudget(),
		Cooldown:       cfg.CircuitCooldown(),
		HalfOpenProbes: cfg.CircuitHalfOpenProbes,
	})
	router := scoring.NewRouter(newScorer(cfg), breaker, m.ScorerFallbacks, log)

	worker := pipeline.NewWorker(pipeline.Deps{
		Scoring:  router,
		Embedder: embedding.NewHashingEmbedder(cfg.EmbeddingDim),
		Dedup: dedup.New(rdb, dedup.Config{
			SimilarityThreshold: cfg.DedupSimThreshold,
			MinCount:            cfg.DedupMinCount,
			Window:              cfg.DedupWindow(),
		}, log),
		Queue:       queue.New(rdb),
		Agents:      agents.NewRegistry(rdb, log),
		Publisher:   activity.NewPublisher(rdb, log),
		Notifier:    webhook.NewNotifier(cfg.WebhookURL, log, m.WebhooksSent),
		Metrics:     m,
		Log:         log,
		LoadPenalty: cfg.RoutingLoadPenaltyFactor,
	})

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", m.Handler())
	metricsSrv := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux}
	go func() {
		log.WithField("addr", metricsSrv.Addr).Info("worker metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("metrics server failed")
		}
	}()

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Fatal("invalid redis url for task queue")
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		Logger:      log,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.WithError(err).WithField("type", task.Type()).Error("task failed")
		}),
	})

	mux := asynq.NewServeMux()
	mux.HandleFunc(pipeline.TaskProcessTicket, worker.HandleProcessTicket)

	log.WithField("concurrency", cfg.WorkerConcurrency).Info("worker starting")
	// Run blocks until SIGINT/SIGTERM and drains in-flight jobs.
	if err := srv.Run(mux); err != nil {
		log.WithError(err).Fatal("worker server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	log.Info("worker stopped")
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
