package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/ticketrouter/internal/activity"
	"github.com/terminal-bench/ticketrouter/internal/agents"
	"github.com/terminal-bench/ticketrouter/internal/dedup"
	"github.com/terminal-bench/ticketrouter/internal/embedding"
	"github.com/terminal-bench/ticketrouter/internal/metrics"
	"github.com/terminal-bench/ticketrouter/internal/models"
	"github.com/terminal-bench/ticketrouter/internal/queue"
	"github.com/terminal-bench/ticketrouter/internal/scoring"
	"github.com/terminal-bench/ticketrouter/internal/webhook"
	"github.com/terminal-bench/ticketrouter/pkg/circuit"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// hookSink records the text line of every webhook delivery.
type hookSink struct {
	mu    sync.Mutex
	texts []string
}

func newHookSink(t *testing.T) (*hookSink, *httptest.Server) {
	t.Helper()
	sink := &hookSink{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Text string `json:"text"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		sink.mu.Lock()
		sink.texts = append(sink.texts, payload.Text)
		sink.mu.Unlock()
	}))
	t.Cleanup(srv.Close)
	return sink, srv
}

func (s *hookSink) count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, text := range s.texts {
		if strings.HasPrefix(text, prefix) {
			n++
		}
	}
	return n
}

type pipeHarness struct {
	mini    *miniredis.Miniredis
	rdb     *redis.Client
	worker  *Worker
	queue   *queue.Queue
	agents  *agents.Registry
	dedup   *dedup.Service
	ring    *activity.Log
	metrics *metrics.Metrics
	log     *logrus.Logger
}

func newPipeHarness(t *testing.T, dedupCfg dedup.Config, webhookURL string) *pipeHarness {
	t.Helper()
	mini := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mini.Addr()})
	t.Cleanup(func() { rdb.Close() })

	log := testLogger()
	m := metrics.New()
	h := &pipeHarness{
		mini:    mini,
		rdb:     rdb,
		queue:   queue.New(rdb),
		agents:  agents.NewRegistry(rdb, log),
		dedup:   dedup.New(rdb, dedupCfg, log),
		ring:    activity.NewLog(),
		metrics: m,
		log:     log,
	}
	_, err := h.agents.SeedDefaults(context.Background())
	require.NoError(t, err)

	breaker := circuit.NewBreaker(rdb, circuit.Config{})
	h.worker = NewWorker(Deps{
		Scoring:     scoring.NewRouter(scoring.NewLexicalScorer(), breaker, m.ScorerFallbacks, log),
		Embedder:    embedding.NewHashingEmbedder(64),
		Dedup:       h.dedup,
		Queue:       h.queue,
		Agents:      h.agents,
		Publisher:   activity.NewPublisher(rdb, log),
		Notifier:    webhook.NewNotifier(webhookURL, log, m.WebhooksSent),
		Metrics:     m,
		Log:         log,
		LoadPenalty: 0.1,
	})
	return h
}

func (h *pipeHarness) process(t *testing.T, id, subject, body string) {
	t.Helper()
	task, err := NewProcessTicketTask(models.IncomingTicket{TicketID: id, Subject: subject, Body: body})
	require.NoError(t, err)
	require.NoError(t, h.worker.HandleProcessTicket(context.Background(), task))
}

func TestHandleProcessTicket(t *testing.T) {
	ctx := context.Background()

	t.Run("should classify, score, queue, and assign a ticket", func(t *testing.T) {
		h := newPipeHarness(t, dedup.Config{}, "")

		h.process(t, "T-1001", "Invoice overcharge", "I was billed twice for my subscription.")

		rt, err := h.queue.PeekNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, rt)
		assert.Equal(t, "T-1001", rt.TicketID)
		assert.Equal(t, models.CategoryBilling, rt.Category)
		assert.InDelta(t, 0.2, rt.UrgencyScore, 1e-9)
		assert.False(t, rt.IsUrgent)
		assert.Equal(t, 2, rt.PriorityScore)

		assignee, err := h.agents.Assignee(ctx, "T-1001")
		require.NoError(t, err)
		assert.Equal(t, "billing-1", assignee)

		agent, err := h.agents.Get(ctx, "billing-1")
		require.NoError(t, err)
		assert.Equal(t, 1, agent.CurrentLoad)

		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TicketsProcessed))
		assert.Zero(t, testutil.ToFloat64(h.metrics.TicketsFailed))
	})

	t.Run("should order the queue by urgency", func(t *testing.T) {
		h := newPipeHarness(t, dedup.Config{}, "")

		h.process(t, "T-calm", "Question", "General question about my plan.")
		h.process(t, "T-fire", "Server down", "Everything is broken, fix ASAP!!!")
		h.process(t, "T-mild", "Invoice wrong", "I was charged twice.")

		var order []string
		for {
			rt, err := h.queue.PopNext(ctx)
			require.NoError(t, err)
			if rt == nil {
				break
			}
			order = append(order, rt.TicketID)
		}
		assert.Equal(t, []string{"T-fire", "T-mild", "T-calm"}, order)
	})

	t.Run("should group a flood into one master incident and alert once", func(t *testing.T) {
		sink, srv := newHookSink(t)
		h := newPipeHarness(t, dedup.Config{}, srv.URL)

		for i := 1; i <= 11; i++ {
			h.process(t, fmt.Sprintf("F-%02d", i), "Payment gateway down", "Checkout page returns 502 errors.")
		}

		incidents, err := h.dedup.ListIncidents(ctx, 50, "")
		require.NoError(t, err)
		require.Len(t, incidents, 1)
		assert.Equal(t, models.IncidentOpen, incidents[0].Status)
		assert.Equal(t, "F-11", incidents[0].RootTicketID)
		assert.Len(t, incidents[0].TicketIDs, 11)

		size, err := h.queue.Size(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(11), size)

		// billing-1 saturates at its cap; the overflow lands on the
		// generalist.
		billing, err := h.agents.Get(ctx, "billing-1")
		require.NoError(t, err)
		assert.Equal(t, 10, billing.CurrentLoad)
		generalist, err := h.agents.Get(ctx, "generalist-1")
		require.NoError(t, err)
		assert.Equal(t, 1, generalist.CurrentLoad)

		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.IncidentsCreated))

		require.Eventually(t, func() bool {
			return sink.count("Master Incident") == 1
		}, 3*time.Second, 25*time.Millisecond)
		assert.Zero(t, sink.count("High-urgency"))
	})

	t.Run("should send the high-urgency alert outside a flood", func(t *testing.T) {
		sink, srv := newHookSink(t)
		h := newPipeHarness(t, dedup.Config{}, srv.URL)

		h.process(t, "T-hot", "Server down", "Everything is broken, fix ASAP!!!")

		require.Eventually(t, func() bool {
			return sink.count("High-urgency ticket (S=1.00): T-hot") == 1
		}, 3*time.Second, 25*time.Millisecond)
	})

	t.Run("should fail permanently on bad input", func(t *testing.T) {
		h := newPipeHarness(t, dedup.Config{}, "")

		err := h.worker.HandleProcessTicket(ctx, asynq.NewTask(TaskProcessTicket, []byte("{not json")))
		assert.ErrorIs(t, err, asynq.SkipRetry)

		task, err := NewProcessTicketTask(models.IncomingTicket{TicketID: "T-1", Subject: "s"})
		require.NoError(t, err)
		err = h.worker.HandleProcessTicket(ctx, task)
		assert.ErrorIs(t, err, asynq.SkipRetry)

		assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.TicketsFailed))

		size, qerr := h.queue.Size(ctx)
		require.NoError(t, qerr)
		assert.Zero(t, size)
	})

	t.Run("should fail retryably when the store is down", func(t *testing.T) {
		h := newPipeHarness(t, dedup.Config{}, "")
		h.mini.SetError("store offline")

		task, err := NewProcessTicketTask(models.IncomingTicket{TicketID: "T-1", Subject: "s", Body: "b"})
		require.NoError(t, err)
		err = h.worker.HandleProcessTicket(ctx, task)
		require.Error(t, err)
		assert.NotErrorIs(t, err, asynq.SkipRetry)
		assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.TicketsFailed))
	})

	t.Run("should publish pipeline events on the activity channel", func(t *testing.T) {
		h := newPipeHarness(t, dedup.Config{}, "")

		remote := activity.NewLog()
		sub := activity.NewSubscriber(h.rdb, remote, testLogger())
		runCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go sub.Run(runCtx)

		// Wait for the subscription to land before processing.
		probe := activity.NewPublisher(h.rdb, testLogger())
		require.Eventually(t, func() bool {
			probe.Publish(runCtx, "probe", nil)
			return remote.Len() > 0
		}, 5*time.Second, 25*time.Millisecond)

		h.process(t, "T-evt", "Invoice question", "A question about my invoice.")

		require.Eventually(t, func() bool {
			var sawAssigned, sawProcessed bool
			for _, ev := range remote.Recent(activity.MaxEvents) {
				switch ev.Type {
				case activity.EventTicketAssigned:
					sawAssigned = ev.Data["ticket_id"] == "T-evt" && ev.Data["agent_id"] == "billing-1"
				case activity.EventTicketProcessed:
					sawProcessed = ev.Data["ticket_id"] == "T-evt" && ev.Data["category"] == "Billing"
				}
			}
			return sawAssigned && sawProcessed
		}, 5*time.Second, 25*time.Millisecond)
	})
}
