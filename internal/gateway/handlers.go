package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/terminal-bench/ticketrouter/internal/activity"
	"github.com/terminal-bench/ticketrouter/internal/agents"
	"github.com/terminal-bench/ticketrouter/internal/dedup"
	"github.com/terminal-bench/ticketrouter/internal/models"
	"github.com/terminal-bench/ticketrouter/internal/pipeline"
	"github.com/terminal-bench/ticketrouter/internal/store"
)

func (s *Server) handleSubmitTicket(c *gin.Context) {
	var t models.IncomingTicket
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	res, err := s.intake.SubmitTicket(c.Request.Context(), t)
	if err != nil {
		s.writeSubmitError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, res)
}

func (s *Server) handleSubmitBatch(c *gin.Context) {
	var tickets []models.IncomingTicket
	if err := c.ShouldBindJSON(&tickets); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	accepted, err := s.intake.SubmitBatch(c.Request.Context(), tickets)
	if err != nil {
		s.writeSubmitError(c, err)
		return
	}
	if accepted == nil {
		accepted = []models.TicketAccepted{}
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted})
}

func (s *Server) writeSubmitError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidTicket):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, pipeline.ErrQueueUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "task queue unavailable"})
	default:
		s.log.WithError(err).Error("ticket submission failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) handleNextTicket(c *gin.Context) {
	rt, err := s.dispatcher.PopNext(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("pop failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if rt == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no tickets in queue"})
		return
	}
	c.JSON(http.StatusOK, rt)
}

func (s *Server) handlePeekTicket(c *gin.Context) {
	rt, err := s.queue.PeekNext(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("peek failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if rt == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no tickets in queue"})
		return
	}
	c.JSON(http.StatusOK, rt)
}

func (s *Server) handleQueueSize(c *gin.Context) {
	size, err := s.queue.Size(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("queue size failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"size": size})
}

func (s *Server) handleQueueSnapshot(c *gin.Context) {
	tickets, err := s.queue.Snapshot(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("queue snapshot failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if tickets == nil {
		tickets = []models.RoutedTicket{}
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets, "size": len(tickets)})
}

func (s *Server) handleClearQueue(c *gin.Context) {
	cleared, err := s.dispatcher.ClearQueue(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("queue clear failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "queue cleared", "cleared": cleared})
}

func (s *Server) handleActivity(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > activity.MaxEvents {
		limit = activity.MaxEvents
	}

	events := s.ring.Recent(limit)
	if events == nil {
		events = []models.ActivityEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleUrgencyScore(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	score := s.scoring.ScoreUrgency(c.Request.Context(), req.Text)
	c.JSON(http.StatusOK, gin.H{
		"urgency_score": score,
		"is_urgent":     score >= 0.5,
	})
}

func (s *Server) handleListIncidents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	incidents, err := s.dedup.ListIncidents(c.Request.Context(), limit, c.Query("status"))
	if err != nil {
		s.log.WithError(err).Error("list incidents failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if incidents == nil {
		incidents = []models.MasterIncident{}
	}
	c.JSON(http.StatusOK, gin.H{"incidents": incidents, "count": len(incidents)})
}

func (s *Server) handleGetIncident(c *gin.Context) {
	inc, err := s.dedup.GetIncident(c.Request.Context(), c.Param("id"))
	if errors.Is(err, dedup.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("get incident failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, inc)
}

func (s *Server) handleCloseIncident(c *gin.Context) {
	id := c.Param("id")
	err := s.dedup.CloseIncident(c.Request.Context(), id)
	if errors.Is(err, dedup.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("close incident failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"incident_id": id, "status": models.IncidentResolved})
}

func (s *Server) handleRegisterAgent(c *gin.Context) {
	var a models.Agent
	if err := c.ShouldBindJSON(&a); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	saved, err := s.agents.Register(c.Request.Context(), a)
	if err != nil {
		if errors.Is(err, models.ErrInvalidAgent) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		s.log.WithError(err).Error("register agent failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (s *Server) handleListAgents(c *gin.Context) {
	onlineOnly, _ := strconv.ParseBool(c.DefaultQuery("online_only", "false"))

	var (
		list []models.Agent
		err  error
	)
	if onlineOnly {
		list, err = s.agents.ListOnline(c.Request.Context())
	} else {
		list, err = s.agents.ListAll(c.Request.Context())
	}
	if err != nil {
		s.log.WithError(err).Error("list agents failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if list == nil {
		list = []models.Agent{}
	}
	c.JSON(http.StatusOK, gin.H{"agents": list, "count": len(list)})
}

func (s *Server) handleGetAgent(c *gin.Context) {
	a, err := s.agents.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, agents.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("get agent failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) handleAgentTickets(c *gin.Context) {
	id := c.Param("id")
	tickets, err := s.agents.TicketsForAgent(c.Request.Context(), id)
	if errors.Is(err, agents.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if err != nil {
		s.log.WithError(err).Error("agent tickets failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if tickets == nil {
		tickets = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "ticket_ids": tickets})
}

func (s *Server) handleListAssignments(c *gin.Context) {
	assignments, err := s.agents.ListAssignments(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("list assignments failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if assignments == nil {
		assignments = []models.Assignment{}
	}
	c.JSON(http.StatusOK, gin.H{"assignments": assignments})
}

func (s *Server) handleReconcileLoads(c *gin.Context) {
	changed, err := s.agents.ReconcileLoads(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("reconcile loads failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents_changed": changed})
}

func (s *Server) handleZeroLoads(c *gin.Context) {
	zeroed, err := s.agents.ForceZeroLoads(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("zero loads failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents_zeroed": zeroed})
}

func (s *Server) handleHealth(c *gin.Context) {
	storeStatus := "up"
	if err := store.Ping(c.Request.Context(), s.rdb); err != nil {
		storeStatus = "down"
	}

	var breaker any
	if status, err := s.scoring.CircuitStatus(c.Request.Context()); err == nil {
		breaker = status
	} else {
		breaker = gin.H{"state": "unknown"}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"store":           storeStatus,
		"circuit_breaker": breaker,
	})
}
