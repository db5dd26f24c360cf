package pipeline

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/ticketrouter/internal/activity"
	"github.com/terminal-bench/ticketrouter/internal/agents"
	"github.com/terminal-bench/ticketrouter/internal/dedup"
	"github.com/terminal-bench/ticketrouter/internal/metrics"
	"github.com/terminal-bench/ticketrouter/internal/models"
	"github.com/terminal-bench/ticketrouter/internal/queue"
)

// Dispatcher serves the pop side of the priority queue and unwinds the
// bookkeeping a pop implies: agent release and incident unlink.
type Dispatcher struct {
	queue   *queue.Queue
	agents  *agents.Registry
	dedup   *dedup.Service
	ring    *activity.Log
	metrics *metrics.Metrics
	log     *logrus.Logger
}

// NewDispatcher creates the dispatcher.
func NewDispatcher(q *queue.Queue, reg *agents.Registry, ded *dedup.Service, ring *activity.Log, m *metrics.Metrics, log *logrus.Logger) *Dispatcher {
	return &Dispatcher{queue: q, agents: reg, dedup: ded, ring: ring, metrics: m, log: log}
}

// PopNext removes and returns the highest-urgency ticket, releasing its
// assignee and unlinking it from its incident. Returns nil when the queue
// is empty. Bookkeeping failures after the pop are logged, not returned:
// the ticket has already left the queue and must reach the caller.
func (d *Dispatcher) PopNext(ctx context.Context) (*models.RoutedTicket, error) {
	rt, err := d.queue.PopNext(ctx)
	if err != nil || rt == nil {
		return rt, err
	}

	if err := d.agents.Release(ctx, rt.TicketID); err != nil {
		d.log.WithError(err).WithField("ticket_id", rt.TicketID).Warn("failed to release assignee")
	}
	if err := d.dedup.RemoveTicketFromIncident(ctx, rt.TicketID); err != nil {
		d.log.WithError(err).WithField("ticket_id", rt.TicketID).Warn("failed to unlink ticket from incident")
	}

	d.ring.Emit(activity.EventTicketPopped, map[string]any{
		"ticket_id":     rt.TicketID,
		"urgency_score": rt.UrgencyScore,
	})
	d.metrics.TicketsPopped.Inc()
	return rt, nil
}

// ClearQueue unlinks every queued ticket from its incident, empties the
// queue, and zeroes all agent loads. Returns the number of tickets
// cleared.
func (d *Dispatcher) ClearQueue(ctx context.Context) (int, error) {
	tickets, err := d.queue.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	for _, rt := range tickets {
		if err := d.dedup.RemoveTicketFromIncident(ctx, rt.TicketID); err != nil {
			d.log.WithError(err).WithField("ticket_id", rt.TicketID).Warn("failed to unlink ticket from incident")
		}
	}
	if err := d.queue.Clear(ctx); err != nil {
		return 0, err
	}
	if _, err := d.agents.ForceZeroLoads(ctx); err != nil {
		d.log.WithError(err).Warn("failed to zero agent loads")
	}

	d.ring.Emit(activity.EventQueueCleared, map[string]any{
		"cleared": len(tickets),
	})
	return len(tickets), nil
}
