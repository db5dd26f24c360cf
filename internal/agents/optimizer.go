package agents

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/terminal-bench/ticketrouter/internal/models"
)

// Choose solves the one-ticket assignment problem over the candidate pool.
// The feasible assignments are the n one-hot vectors, so the integer
// program collapses to an argmax over per-agent match scores; ties resolve
// to the lowest candidate index. Returns nil for an empty pool.
func Choose(category models.TicketCategory, candidates []models.Agent, loadPenalty float64) *models.Agent {
	if len(candidates) == 0 {
		return nil
	}
	ticket := ticketSkillVector(category)
	scores := make([]float64, len(candidates))
	for i := range candidates {
		scores[i] = matchScore(ticket, &candidates[i], loadPenalty)
	}
	return &candidates[floats.MaxIdx(scores)]
}

// matchScore is cosine similarity between the ticket and agent skill
// vectors minus a load penalty proportional to the agent's utilization.
func matchScore(ticket []float64, a *models.Agent, loadPenalty float64) float64 {
	cos := floats.Dot(ticket, normalizedSkills(a))
	cos = math.Round(cos*1e6) / 1e6
	capacity := math.Max(1, float64(a.MaxConcurrentTickets))
	return cos - loadPenalty*float64(a.CurrentLoad)/capacity
}

// ticketSkillVector maps a category onto the (tech, billing, legal) axes.
// One-hot vectors are already unit length.
func ticketSkillVector(c models.TicketCategory) []float64 {
	switch c {
	case models.CategoryBilling:
		return []float64{0, 1, 0}
	case models.CategoryLegal:
		return []float64{0, 0, 1}
	default:
		return []float64{1, 0, 0}
	}
}

// normalizedSkills returns the agent's skill vector scaled to unit length.
// An all-zero vector falls back to a uniform direction so the score stays
// defined.
func normalizedSkills(a *models.Agent) []float64 {
	v := []float64{a.SkillVector.Tech, a.SkillVector.Billing, a.SkillVector.Legal}
	n := floats.Norm(v, 2)
	if n == 0 {
		u := 1 / math.Sqrt(3)
		return []float64{u, u, u}
	}
	floats.Scale(1/n, v)
	return v
}
