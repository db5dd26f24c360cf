package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/ticketrouter/internal/models"
)

const (
	agentPrefix    = "agent:"
	onlineSetKey   = "agents:online"
	assigneePrefix = "ticket_assignee:"
)

// ErrNotFound is returned for lookups of unknown agents.
var ErrNotFound = errors.New("agent not found")

// Registry keeps agent records, the online set, and the ticket→agent
// assignment map in the shared store.
type Registry struct {
	rdb redis.UniversalClient
	log *logrus.Logger
}

// NewRegistry creates the registry.
func NewRegistry(rdb redis.UniversalClient, log *logrus.Logger) *Registry {
	return &Registry{rdb: rdb, log: log}
}

// Register upserts an agent record and syncs the online set from its
// status. The stored record is replaced wholesale.
func (r *Registry) Register(ctx context.Context, a models.Agent) (*models.Agent, error) {
	a.ApplyDefaults()
	if err := a.Validate(); err != nil {
		return nil, err
	}
	if err := r.save(ctx, &a); err != nil {
		return nil, err
	}

	var err error
	if a.Status == models.AgentOnline {
		err = r.rdb.SAdd(ctx, onlineSetKey, a.AgentID).Err()
	} else {
		err = r.rdb.SRem(ctx, onlineSetKey, a.AgentID).Err()
	}
	if err != nil {
		return nil, fmt.Errorf("sync online set: %w", err)
	}
	return &a, nil
}

// Get loads one agent. Returns ErrNotFound for unknown ids.
func (r *Registry) Get(ctx context.Context, agentID string) (*models.Agent, error) {
	raw, err := r.rdb.Get(ctx, agentPrefix+agentID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read agent: %w", err)
	}
	var a models.Agent
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("decode agent %s: %w", agentID, err)
	}
	return &a, nil
}

// ListAll returns every registered agent sorted by id.
func (r *Registry) ListAll(ctx context.Context) ([]models.Agent, error) {
	var ids []string
	it := r.rdb.Scan(ctx, 0, agentPrefix+"*", 100).Iterator()
	for it.Next(ctx) {
		ids = append(ids, strings.TrimPrefix(it.Val(), agentPrefix))
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("scan agents: %w", err)
	}
	sort.Strings(ids)
	return r.getMany(ctx, ids)
}

// ListOnline returns agents that are online and below capacity, sorted by
// id. This is the candidate pool for routing.
func (r *Registry) ListOnline(ctx context.Context) ([]models.Agent, error) {
	ids, err := r.rdb.SMembers(ctx, onlineSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("read online set: %w", err)
	}
	sort.Strings(ids)

	all, err := r.getMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	online := make([]models.Agent, 0, len(all))
	for _, a := range all {
		if a.Status == models.AgentOnline && a.HasCapacity() {
			online = append(online, a)
		}
	}
	return online, nil
}

func (r *Registry) getMany(ctx context.Context, ids []string) ([]models.Agent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := r.rdb.Pipeline()
	gets := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		gets[i] = pipe.Get(ctx, agentPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read agents: %w", err)
	}

	out := make([]models.Agent, 0, len(ids))
	for i, cmd := range gets {
		raw, err := cmd.Result()
		if err != nil {
			// Stale online-set member with no record.
			continue
		}
		var a models.Agent
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			r.log.WithField("agent_id", ids[i]).WithError(err).Warn("skipping corrupt agent record")
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// Assign links a ticket to an agent and bumps the agent's load.
func (r *Registry) Assign(ctx context.Context, ticketID, agentID string) error {
	a, err := r.Get(ctx, agentID)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, assigneePrefix+ticketID, agentID, 0).Err(); err != nil {
		return fmt.Errorf("write assignment: %w", err)
	}
	a.CurrentLoad++
	return r.save(ctx, a)
}

// Release drops a ticket's assignment and decrements the agent's load,
// flooring at zero. No-op for unassigned tickets.
func (r *Registry) Release(ctx context.Context, ticketID string) error {
	agentID, err := r.rdb.Get(ctx, assigneePrefix+ticketID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read assignment: %w", err)
	}
	if err := r.rdb.Del(ctx, assigneePrefix+ticketID).Err(); err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}

	a, err := r.Get(ctx, agentID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if a.CurrentLoad > 0 {
		a.CurrentLoad--
		return r.save(ctx, a)
	}
	return nil
}

// Assignee returns the agent a ticket is assigned to, or "" if none.
func (r *Registry) Assignee(ctx context.Context, ticketID string) (string, error) {
	agentID, err := r.rdb.Get(ctx, assigneePrefix+ticketID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read assignment: %w", err)
	}
	return agentID, nil
}

// ListAssignments returns every ticket→agent pair sorted by ticket id.
func (r *Registry) ListAssignments(ctx context.Context) ([]models.Assignment, error) {
	keys, err := r.assignmentKeys(ctx)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)

	pipe := r.rdb.Pipeline()
	gets := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		gets[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read assignments: %w", err)
	}

	out := make([]models.Assignment, 0, len(keys))
	for i, cmd := range gets {
		agentID, err := cmd.Result()
		if err != nil {
			continue
		}
		out = append(out, models.Assignment{
			TicketID: strings.TrimPrefix(keys[i], assigneePrefix),
			AgentID:  agentID,
		})
	}
	return out, nil
}

// TicketsForAgent returns the sorted ticket ids assigned to one agent.
// Returns ErrNotFound if the agent does not exist.
func (r *Registry) TicketsForAgent(ctx context.Context, agentID string) ([]string, error) {
	if _, err := r.Get(ctx, agentID); err != nil {
		return nil, err
	}
	assignments, err := r.ListAssignments(ctx)
	if err != nil {
		return nil, err
	}
	tickets := make([]string, 0, 4)
	for _, as := range assignments {
		if as.AgentID == agentID {
			tickets = append(tickets, as.TicketID)
		}
	}
	return tickets, nil
}

// ReconcileLoads recounts assignments per agent and rewrites any drifted
// current_load. Returns the number of agents changed. Idempotent.
func (r *Registry) ReconcileLoads(ctx context.Context) (int, error) {
	assignments, err := r.ListAssignments(ctx)
	if err != nil {
		return 0, err
	}
	counts := make(map[string]int, len(assignments))
	for _, as := range assignments {
		counts[as.AgentID]++
	}

	all, err := r.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	changed := 0
	for i := range all {
		want := counts[all[i].AgentID]
		if all[i].CurrentLoad == want {
			continue
		}
		r.log.WithFields(logrus.Fields{
			"agent_id": all[i].AgentID,
			"from":     all[i].CurrentLoad,
			"to":       want,
		}).Info("reconciled agent load")
		all[i].CurrentLoad = want
		if err := r.save(ctx, &all[i]); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// ForceZeroLoads deletes every assignment and zeroes every agent's load.
// Returns the number of agents touched. Idempotent.
func (r *Registry) ForceZeroLoads(ctx context.Context) (int, error) {
	keys, err := r.assignmentKeys(ctx)
	if err != nil {
		return 0, err
	}
	if len(keys) > 0 {
		if err := r.rdb.Del(ctx, keys...).Err(); err != nil {
			return 0, fmt.Errorf("delete assignments: %w", err)
		}
	}

	all, err := r.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	for i := range all {
		all[i].CurrentLoad = 0
		if err := r.save(ctx, &all[i]); err != nil {
			return i, err
		}
	}
	return len(all), nil
}

// RouteTicket picks the best available agent for a routed ticket. Returns
// "" when no agent has capacity.
func (r *Registry) RouteTicket(ctx context.Context, rt models.RoutedTicket, loadPenalty float64) (string, error) {
	candidates, err := r.ListOnline(ctx)
	if err != nil {
		return "", err
	}
	best := Choose(rt.Category, candidates, loadPenalty)
	if best == nil {
		return "", nil
	}
	return best.AgentID, nil
}

// SeedDefaults inserts the stock agent pool, skipping ids that already
// exist so restarts preserve live loads. Returns the number inserted.
func (r *Registry) SeedDefaults(ctx context.Context) (int, error) {
	defaults := []models.Agent{
		{AgentID: "tech-1", DisplayName: "Tech Support", SkillVector: models.SkillVector{Tech: 0.9, Billing: 0.05, Legal: 0.05}, MaxConcurrentTickets: 10},
		{AgentID: "billing-1", DisplayName: "Billing Support", SkillVector: models.SkillVector{Tech: 0.05, Billing: 0.9, Legal: 0.05}, MaxConcurrentTickets: 10},
		{AgentID: "legal-1", DisplayName: "Legal & Compliance", SkillVector: models.SkillVector{Tech: 0.05, Billing: 0.05, Legal: 0.9}, MaxConcurrentTickets: 8},
		{AgentID: "generalist-1", DisplayName: "General Support", SkillVector: models.SkillVector{Tech: 0.34, Billing: 0.33, Legal: 0.33}, MaxConcurrentTickets: 10},
	}

	seeded := 0
	for _, a := range defaults {
		exists, err := r.rdb.Exists(ctx, agentPrefix+a.AgentID).Result()
		if err != nil {
			return seeded, fmt.Errorf("check agent %s: %w", a.AgentID, err)
		}
		if exists == 1 {
			continue
		}
		if _, err := r.Register(ctx, a); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}

func (r *Registry) assignmentKeys(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var keys []string
	it := r.rdb.Scan(ctx, 0, assigneePrefix+"*", 100).Iterator()
	for it.Next(ctx) {
		key := it.Val()
		if seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("scan assignments: %w", err)
	}
	return keys, nil
}

func (r *Registry) save(ctx context.Context, a *models.Agent) error {
	raw, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode agent: %w", err)
	}
	if err := r.rdb.Set(ctx, agentPrefix+a.AgentID, raw, 0).Err(); err != nil {
		return fmt.Errorf("write agent: %w", err)
	}
	return nil
}
