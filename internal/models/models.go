package models

import (
	"errors"
	"fmt"
	"math"
)

// TicketCategory is the routing category assigned by the classifier.
type TicketCategory string

const (
	CategoryBilling   TicketCategory = "Billing"
	CategoryTechnical TicketCategory = "Technical"
	CategoryLegal     TicketCategory = "Legal"
)

// IncomingTicket is the payload accepted at the submission boundary.
type IncomingTicket struct {
	TicketID   string  `json:"ticket_id" binding:"required"`
	Subject    string  `json:"subject" binding:"required"`
	Body       string  `json:"body" binding:"required"`
	CustomerID *string `json:"customer_id,omitempty"`
}

// ErrInvalidTicket marks validation failures so callers can map them to a
// reject (422 at the API, no-retry in the worker) without string matching.
var ErrInvalidTicket = errors.New("invalid ticket")

// Validate checks the fields the accept boundary requires.
func (t IncomingTicket) Validate() error {
	if t.TicketID == "" {
		return fmt.Errorf("%w: ticket_id is required", ErrInvalidTicket)
	}
	if t.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidTicket)
	}
	if t.Body == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidTicket)
	}
	return nil
}

// RoutedTicket is a ticket after classification and urgency scoring.
type RoutedTicket struct {
	TicketID      string         `json:"ticket_id"`
	Subject       string         `json:"subject"`
	Body          string         `json:"body"`
	CustomerID    *string        `json:"customer_id,omitempty"`
	Category      TicketCategory `json:"category"`
	IsUrgent      bool           `json:"is_urgent"`
	PriorityScore int            `json:"priority_score"`
	UrgencyScore  float64        `json:"urgency_score"`
}

// NewRoutedTicket derives is_urgent and priority_score from the urgency
// score S so the invariants hold at construction: is_urgent iff S >= 0.5,
// priority_score = clamp(round(S*10), 0, 10).
func NewRoutedTicket(t IncomingTicket, category TicketCategory, urgency float64) RoutedTicket {
	s := ClampScore(urgency)
	return RoutedTicket{
		TicketID:      t.TicketID,
		Subject:       t.Subject,
		Body:          t.Body,
		CustomerID:    t.CustomerID,
		Category:      category,
		IsUrgent:      s >= 0.5,
		PriorityScore: PriorityScore(s),
		UrgencyScore:  s,
	}
}

// ClampScore clamps an urgency score into [0, 1].
func ClampScore(s float64) float64 {
	return math.Min(1.0, math.Max(0.0, s))
}

// PriorityScore maps S in [0, 1] to the integer 0..10 queue priority.
func PriorityScore(s float64) int {
	p := int(math.Round(s * 10))
	if p < 0 {
		return 0
	}
	if p > 10 {
		return 10
	}
	return p
}

// TicketAccepted is the 202 response for an accepted submission.
type TicketAccepted struct {
	TicketID string `json:"ticket_id"`
	JobID    string `json:"job_id"`
	Message  string `json:"message"`
}

// Incident statuses.
const (
	IncidentOpen     = "open"
	IncidentResolved = "resolved"
)

// MasterIncident groups semantically similar tickets created when a
// flash-flood is detected.
type MasterIncident struct {
	IncidentID   string   `json:"incident_id"`
	Summary      string   `json:"summary"`
	RootTicketID string   `json:"root_ticket_id"`
	TicketIDs    []string `json:"ticket_ids"`
	CreatedAt    float64  `json:"created_at"`
	Status       string   `json:"status"`
}

// Agent statuses.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// SkillVector holds an agent's non-negative skill weights.
type SkillVector struct {
	Tech    float64 `json:"tech"`
	Billing float64 `json:"billing"`
	Legal   float64 `json:"legal"`
}

// Agent is a human agent with skills, capacity, and derived load.
type Agent struct {
	AgentID              string      `json:"agent_id" binding:"required"`
	DisplayName          string      `json:"display_name"`
	SkillVector          SkillVector `json:"skill_vector"`
	MaxConcurrentTickets int         `json:"max_concurrent_tickets"`
	CurrentLoad          int         `json:"current_load"`
	Status               string      `json:"status"`
}

// ApplyDefaults fills the optional fields an upsert may omit.
func (a *Agent) ApplyDefaults() {
	if a.MaxConcurrentTickets == 0 {
		a.MaxConcurrentTickets = 10
	}
	if a.Status == "" {
		a.Status = AgentOnline
	}
}

// ErrInvalidAgent marks agent validation failures.
var ErrInvalidAgent = errors.New("invalid agent")

// Validate checks an agent record before it is stored.
func (a Agent) Validate() error {
	if a.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidAgent)
	}
	if a.MaxConcurrentTickets < 1 {
		return fmt.Errorf("%w: max_concurrent_tickets must be >= 1", ErrInvalidAgent)
	}
	if a.CurrentLoad < 0 {
		return fmt.Errorf("%w: current_load must be >= 0", ErrInvalidAgent)
	}
	if a.Status != AgentOnline && a.Status != AgentOffline {
		return fmt.Errorf("%w: status must be online or offline", ErrInvalidAgent)
	}
	if a.SkillVector.Tech < 0 || a.SkillVector.Billing < 0 || a.SkillVector.Legal < 0 {
		return fmt.Errorf("%w: skill weights must be non-negative", ErrInvalidAgent)
	}
	return nil
}

// HasCapacity reports whether the agent can take another ticket.
func (a Agent) HasCapacity() bool {
	return a.Status == AgentOnline && a.CurrentLoad < a.MaxConcurrentTickets
}

// Assignment is a persistent ticket to agent link.
type Assignment struct {
	TicketID string `json:"ticket_id"`
	AgentID  string `json:"agent_id"`
}

// ActivityEvent is one entry in the recent-activity ring.
type ActivityEvent struct {
	TS   float64        `json:"ts"`
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}
