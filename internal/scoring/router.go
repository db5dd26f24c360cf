package scoring

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/ticketrouter/internal/models"
	"github.com/terminal-bench/ticketrouter/pkg/circuit"
)

// Router dispatches urgency scoring to the primary scorer while the circuit
// is closed and to the rule-based baseline otherwise. Callers never see an
// error: every failure mode degrades to a baseline score.
type Router struct {
	primary   Scorer
	breaker   *circuit.Breaker
	fallbacks prometheus.Counter
	log       *logrus.Logger
}

// NewRouter wires the primary scorer behind the breaker. fallbacks may be
// nil when the caller does not track the fallback count.
func NewRouter(primary Scorer, breaker *circuit.Breaker, fallbacks prometheus.Counter, log *logrus.Logger) *Router {
	return &Router{primary: primary, breaker: breaker, fallbacks: fallbacks, log: log}
}

// ScoreUrgency computes S in [0, 1] for the text.
func (r *Router) ScoreUrgency(ctx context.Context, text string) float64 {
	var score float64
	err := r.breaker.Execute(ctx, func() error {
		s, err := r.primary.Score(ctx, text)
		if err != nil {
			return err
		}
		score = s
		return nil
	})
	if err != nil {
		if r.fallbacks != nil {
			r.fallbacks.Inc()
		}
		if errors.Is(err, circuit.ErrCircuitOpen) {
			r.log.Debug("circuit open; scoring with baseline")
		} else {
			r.log.WithError(err).Warn("primary scorer unavailable; scoring with baseline")
		}
		return Baseline(text)
	}
	return models.ClampScore(score)
}

// CircuitStatus reports the breaker state for health checks.
func (r *Router) CircuitStatus(ctx context.Context) (circuit.Status, error) {
	return r.breaker.Status(ctx)
}
