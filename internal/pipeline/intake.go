package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/ticketrouter/internal/activity"
	"github.com/terminal-bench/ticketrouter/internal/metrics"
	"github.com/terminal-bench/ticketrouter/internal/models"
)

// ErrQueueUnavailable signals that the task pool cannot accept jobs.
var ErrQueueUnavailable = errors.New("task queue unavailable")

// Enqueuer is the slice of the task client the intake needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Intake validates tickets and hands them to the background task queue.
// Acceptance happens before any ML work: the caller gets a job id back
// while classification runs on the workers.
type Intake struct {
	enq     Enqueuer
	ring    *activity.Log
	metrics *metrics.Metrics
	log     *logrus.Logger
}

// NewIntake creates the accept-side of the pipeline.
func NewIntake(enq Enqueuer, ring *activity.Log, m *metrics.Metrics, log *logrus.Logger) *Intake {
	return &Intake{enq: enq, ring: ring, metrics: m, log: log}
}

// SubmitTicket validates one ticket and enqueues exactly one processing
// job for it. Returns ErrInvalidTicket on bad input and
// ErrQueueUnavailable when the pool is down.
func (i *Intake) SubmitTicket(ctx context.Context, t models.IncomingTicket) (*models.TicketAccepted, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	task, err := NewProcessTicketTask(t)
	if err != nil {
		return nil, err
	}

	info, err := i.enq.EnqueueContext(ctx, task,
		asynq.TaskID(uuid.NewString()),
		asynq.MaxRetry(3),
		asynq.Timeout(2*time.Minute),
	)
	if err != nil {
		i.log.WithError(err).WithField("ticket_id", t.TicketID).Error("failed to enqueue ticket job")
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	i.ring.Emit(activity.EventTicketAccepted, map[string]any{
		"ticket_id": t.TicketID,
		"job_id":    info.ID,
	})
	i.metrics.TicketsAccepted.Inc()
	i.log.WithFields(logrus.Fields{
		"ticket_id": t.TicketID,
		"job_id":    info.ID,
	}).Info("accepted ticket")

	return &models.TicketAccepted{
		TicketID: t.TicketID,
		JobID:    info.ID,
		Message:  "Accepted for processing",
	}, nil
}

// SubmitBatch accepts tickets in request order, one job each. The first
// failure aborts the batch.
func (i *Intake) SubmitBatch(ctx context.Context, tickets []models.IncomingTicket) ([]models.TicketAccepted, error) {
	accepted := make([]models.TicketAccepted, 0, len(tickets))
	for _, t := range tickets {
		res, err := i.SubmitTicket(ctx, t)
		if err != nil {
			return nil, err
		}
		accepted = append(accepted, *res)
	}
	return accepted, nil
}
