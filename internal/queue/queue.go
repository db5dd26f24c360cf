package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/terminal-bench/ticketrouter/internal/models"
)

// processedKey holds routed tickets as a sorted set: member is the ticket
// JSON, score is the urgency score. Re-adding the same member updates the
// score in place, so the set holds at most one entry per encoding.
const processedKey = "ticket_queue:processed"

// Queue is the urgency-ordered queue of processed tickets.
type Queue struct {
	rdb redis.UniversalClient
}

// New creates a queue on the given store.
func New(rdb redis.UniversalClient) *Queue {
	return &Queue{rdb: rdb}
}

// Add writes a routed ticket with score = urgency_score.
func (q *Queue) Add(ctx context.Context, rt models.RoutedTicket) error {
	member, err := json.Marshal(rt)
	if err != nil {
		return fmt.Errorf("encode routed ticket: %w", err)
	}
	if err := q.rdb.ZAdd(ctx, processedKey, redis.Z{Score: rt.UrgencyScore, Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("queue add: %w", err)
	}
	return nil
}

// PopNext atomically removes and returns the highest-urgency ticket.
// Returns nil when the queue is empty.
func (q *Queue) PopNext(ctx context.Context) (*models.RoutedTicket, error) {
	popped, err := q.rdb.ZPopMax(ctx, processedKey, 1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue pop: %w", err)
	}
	if len(popped) == 0 {
		return nil, nil
	}
	member, ok := any(popped[0].Member).(string)
	if !ok {
		return nil, fmt.Errorf("queue pop: unexpected member type %T", popped[0].Member)
	}
	return decodeTicket(member)
}

// PeekNext returns the highest-urgency ticket without removing it.
// Returns nil when the queue is empty.
func (q *Queue) PeekNext(ctx context.Context) (*models.RoutedTicket, error) {
	members, err := q.rdb.ZRevRange(ctx, processedKey, 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("queue peek: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	return decodeTicket(members[0])
}

// Size returns the number of queued tickets.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, processedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue size: %w", err)
	}
	return n, nil
}

// Snapshot returns all queued tickets in descending urgency order.
func (q *Queue) Snapshot(ctx context.Context) ([]models.RoutedTicket, error) {
	members, err := q.rdb.ZRevRange(ctx, processedKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue snapshot: %w", err)
	}
	out := make([]models.RoutedTicket, 0, len(members))
	for _, m := range members {
		rt, err := decodeTicket(m)
		if err != nil {
			return nil, err
		}
		out = append(out, *rt)
	}
	return out, nil
}

// Clear deletes the queue.
func (q *Queue) Clear(ctx context.Context) error {
	if err := q.rdb.Del(ctx, processedKey).Err(); err != nil {
		return fmt.Errorf("queue clear: %w", err)
	}
	return nil
}

func decodeTicket(member string) (*models.RoutedTicket, error) {
	var rt models.RoutedTicket
	if err := json.Unmarshal([]byte(member), &rt); err != nil {
		return nil, fmt.Errorf("decode routed ticket: %w", err)
	}
	return &rt, nil
}
