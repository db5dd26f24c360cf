package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/ticketrouter/internal/activity"
	"github.com/terminal-bench/ticketrouter/internal/agents"
	"github.com/terminal-bench/ticketrouter/internal/dedup"
	"github.com/terminal-bench/ticketrouter/internal/metrics"
	"github.com/terminal-bench/ticketrouter/internal/pipeline"
	"github.com/terminal-bench/ticketrouter/internal/queue"
	"github.com/terminal-bench/ticketrouter/internal/scoring"
)

// Server is the HTTP surface: ticket accept, queue dispatch, incidents,
// agents, activity, and health.
type Server struct {
	router     *gin.Engine
	intake     *pipeline.Intake
	dispatcher *pipeline.Dispatcher
	queue      *queue.Queue
	dedup      *dedup.Service
	agents     *agents.Registry
	scoring    *scoring.Router
	ring       *activity.Log
	rdb        redis.UniversalClient
	metrics    *metrics.Metrics
	log        *logrus.Logger
}

// Deps wires the server's collaborators.
type Deps struct {
	Intake     *pipeline.Intake
	Dispatcher *pipeline.Dispatcher
	Queue      *queue.Queue
	Dedup      *dedup.Service
	Agents     *agents.Registry
	Scoring    *scoring.Router
	Ring       *activity.Log
	Redis      redis.UniversalClient
	Metrics    *metrics.Metrics
	Log        *logrus.Logger
}

// NewServer builds the gin engine with all routes attached.
func NewServer(d Deps) *Server {
	s := &Server{
		intake:     d.Intake,
		dispatcher: d.Dispatcher,
		queue:      d.Queue,
		dedup:      d.Dedup,
		agents:     d.Agents,
		scoring:    d.Scoring,
		ring:       d.Ring,
		rdb:        d.Redis,
		metrics:    d.Metrics,
		log:        d.Log,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(d.Log))
	router.Use(corsMiddleware())
	s.router = router
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	r.POST("/tickets", s.handleSubmitTicket)
	r.POST("/tickets/batch", s.handleSubmitBatch)
	r.GET("/tickets/next", s.handleNextTicket)
	r.GET("/tickets/peek", s.handlePeekTicket)

	r.GET("/queue", s.handleQueueSnapshot)
	r.GET("/queue/size", s.handleQueueSize)
	r.DELETE("/queue", s.handleClearQueue)

	r.GET("/activity", s.handleActivity)
	r.GET("/activity/ws", s.handleActivityWS)

	r.POST("/urgency-score", s.handleUrgencyScore)

	r.GET("/incidents", s.handleListIncidents)
	r.GET("/incidents/:id", s.handleGetIncident)
	r.POST("/incidents/:id/close", s.handleCloseIncident)

	r.POST("/agents", s.handleRegisterAgent)
	r.GET("/agents", s.handleListAgents)
	r.GET("/agents/:id", s.handleGetAgent)
	r.GET("/agents/:id/tickets", s.handleAgentTickets)
	r.GET("/assignments", s.handleListAssignments)
	r.POST("/agents/loads/reconcile", s.handleReconcileLoads)
	r.POST("/agents/loads/zero", s.handleZeroLoads)
}

// Handler exposes the engine for http.Server and tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("handled request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
