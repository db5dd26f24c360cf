package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/terminal-bench/ticketrouter/internal/models"
)

// TaskProcessTicket is the task type for the classify/dedupe/route job.
const TaskProcessTicket = "ticket:process"

// NewProcessTicketTask wraps an incoming ticket as a background task.
func NewProcessTicketTask(t models.IncomingTicket) (*asynq.Task, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode ticket payload: %w", err)
	}
	return asynq.NewTask(TaskProcessTicket, payload), nil
}
