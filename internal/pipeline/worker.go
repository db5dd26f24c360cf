package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/ticketrouter/internal/activity"
	"github.com/terminal-bench/ticketrouter/internal/agents"
	"github.com/terminal-bench/ticketrouter/internal/classify"
	"github.com/terminal-bench/ticketrouter/internal/dedup"
	"github.com/terminal-bench/ticketrouter/internal/embedding"
	"github.com/terminal-bench/ticketrouter/internal/metrics"
	"github.com/terminal-bench/ticketrouter/internal/models"
	"github.com/terminal-bench/ticketrouter/internal/queue"
	"github.com/terminal-bench/ticketrouter/internal/scoring"
	"github.com/terminal-bench/ticketrouter/internal/webhook"
)

// Deps wires the worker's collaborators. All fields are required except
// where noted on the collaborator itself.
type Deps struct {
	Scoring     *scoring.Router
	Embedder    embedding.Embedder
	Dedup       *dedup.Service
	Queue       *queue.Queue
	Agents      *agents.Registry
	Publisher   *activity.Publisher
	Notifier    *webhook.Notifier
	Metrics     *metrics.Metrics
	Log         *logrus.Logger
	LoadPenalty float64
}

// Worker executes ticket processing jobs: classify, score, embed, dedupe,
// enqueue, route. One instance serves all concurrent job slots.
type Worker struct {
	scoring     *scoring.Router
	embedder    embedding.Embedder
	dedup       *dedup.Service
	queue       *queue.Queue
	agents      *agents.Registry
	publisher   *activity.Publisher
	notifier    *webhook.Notifier
	metrics     *metrics.Metrics
	log         *logrus.Logger
	loadPenalty float64
}

// NewWorker creates the job handler.
func NewWorker(d Deps) *Worker {
	return &Worker{
		scoring:     d.Scoring,
		embedder:    d.Embedder,
		dedup:       d.Dedup,
		queue:       d.Queue,
		agents:      d.Agents,
		publisher:   d.Publisher,
		notifier:    d.Notifier,
		metrics:     d.Metrics,
		log:         d.Log,
		loadPenalty: d.LoadPenalty,
	}
}

// HandleProcessTicket is the TaskProcessTicket handler. Invalid payloads
// fail permanently; store errors fail the job for the framework's retry
// discipline. Side-effects run in pipeline order, so a retried job repeats
// them; per-key writes are replace-style, keeping retries near-idempotent.
func (w *Worker) HandleProcessTicket(ctx context.Context, task *asynq.Task) error {
	started := time.Now()

	var t models.IncomingTicket
	if err := json.Unmarshal(task.Payload(), &t); err != nil {
		w.metrics.TicketsFailed.Inc()
		return fmt.Errorf("decode ticket payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := t.Validate(); err != nil {
		w.metrics.TicketsFailed.Inc()
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	text := classify.Text(t.Subject, t.Body)
	category := classify.Category(text)
	score := w.scoring.ScoreUrgency(ctx, text)
	rt := models.NewRoutedTicket(t, category, score)

	emb := w.embedder.Embed(t.Subject, t.Body)
	res, err := w.dedup.CheckAndRecord(ctx, rt, emb)
	if err != nil {
		w.metrics.TicketsFailed.Inc()
		return fmt.Errorf("dedup check: %w", err)
	}

	if err := w.queue.Add(ctx, rt); err != nil {
		w.metrics.TicketsFailed.Inc()
		return fmt.Errorf("enqueue routed ticket: %w", err)
	}

	agentID, err := w.agents.RouteTicket(ctx, rt, w.loadPenalty)
	if err != nil {
		w.metrics.TicketsFailed.Inc()
		return fmt.Errorf("route ticket: %w", err)
	}
	if agentID != "" {
		if err := w.agents.Assign(ctx, rt.TicketID, agentID); err != nil {
			w.metrics.TicketsFailed.Inc()
			return fmt.Errorf("assign ticket: %w", err)
		}
		w.publisher.Publish(ctx, activity.EventTicketAssigned, map[string]any{
			"ticket_id": rt.TicketID,
			"agent_id":  agentID,
		})
	}

	if res.IsMaster {
		w.publisher.Publish(ctx, activity.EventTicketLinkedToIncident, map[string]any{
			"ticket_id":   rt.TicketID,
			"incident_id": res.IncidentID,
		})
		if res.CreatedNew {
			w.publisher.Publish(ctx, activity.EventMasterIncidentCreated, map[string]any{
				"incident_id":    res.IncidentID,
				"root_ticket_id": rt.TicketID,
			})
			w.metrics.IncidentsCreated.Inc()
			if inc, err := w.dedup.GetIncident(ctx, res.IncidentID); err == nil {
				go w.notifier.MasterIncident(context.Background(), *inc)
			} else {
				w.log.WithError(err).WithField("incident_id", res.IncidentID).Warn("failed to load incident for webhook")
			}
		}
	} else {
		w.publisher.Publish(ctx, activity.EventTicketProcessed, map[string]any{
			"ticket_id":     rt.TicketID,
			"category":      string(rt.Category),
			"urgency_score": rt.UrgencyScore,
			"is_urgent":     rt.IsUrgent,
		})
	}

	// A flood's single incident alert covers its members.
	if !res.Suppress {
		go w.notifier.HighUrgency(context.Background(), rt)
	}

	w.metrics.TicketsProcessed.Inc()
	w.metrics.ProcessingSeconds.Observe(time.Since(started).Seconds())
	w.log.WithFields(logrus.Fields{
		"ticket_id":     rt.TicketID,
		"category":      rt.Category,
		"urgency_score": rt.UrgencyScore,
		"is_urgent":     rt.IsUrgent,
		"agent_id":      agentID,
		"incident_id":   res.IncidentID,
	}).Info("processed ticket")
	return nil
}
