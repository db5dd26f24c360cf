package circuit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// State represents circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker state is persisted in the shared store so every worker observes
// the same circuit: a slow scorer opens it system-wide.
const (
	stateKey    = "circuit_breaker:state"
	openedAtKey = "circuit_breaker:opened_at"
	probesKey   = "circuit_breaker:probes"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrSlowCall    = errors.New("call exceeded latency budget")
)

// Breaker implements a store-backed circuit breaker. The guarded call is
// timed against a latency budget; a slow call counts as a failure.
type Breaker struct {
	rdb            redis.UniversalClient
	latencyBudget  time.Duration
	cooldown       time.Duration
	halfOpenProbes int
	now            func() time.Time
	onStateChange  func(from, to State)
}

// Config holds circuit breaker configuration
type Config struct {
	LatencyBudget  time.Duration
	Cooldown       time.Duration
	HalfOpenProbes int
	// Clock overrides time.Now for cooldown bookkeeping (tests).
	Clock         func() time.Time
	OnStateChange func(from, to State)
}

// Status is the observable breaker state for health reporting.
type Status struct {
	State          State   `json:"state"`
	OpenedAt       float64 `json:"opened_at"`
	HalfOpenProbes int     `json:"half_open_probes"`
}

// NewBreaker creates a new circuit breaker on the given store.
func NewBreaker(rdb redis.UniversalClient, cfg Config) *Breaker {
	if cfg.LatencyBudget <= 0 {
		cfg.LatencyBudget = 500 * time.Millisecond
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.HalfOpenProbes <= 0 {
		cfg.HalfOpenProbes = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Breaker{
		rdb:            rdb,
		latencyBudget:  cfg.LatencyBudget,
		cooldown:       cfg.Cooldown,
		halfOpenProbes: cfg.HalfOpenProbes,
		now:            cfg.Clock,
		onStateChange:  cfg.OnStateChange,
	}
}

// Execute runs fn under the breaker. A nil return means fn ran within the
// latency budget and its result can be used. Any non-nil return, including
// ErrCircuitOpen, means the caller must fall back; fn's own error is
// returned as-is after the breaker trips.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	state, openedAt, probes, err := b.loadState(ctx)
	if err != nil {
		return fmt.Errorf("read breaker state: %w", err)
	}
	now := b.now()

	if state == StateOpen {
		if now.Sub(openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		// Cooldown elapsed; this call becomes the first half-open probe.
		if err := b.setHalfOpen(ctx); err != nil {
			return fmt.Errorf("transition breaker: %w", err)
		}
		b.notify(StateOpen, StateHalfOpen)
		state = StateHalfOpen
		probes = 0
	}

	if state == StateHalfOpen {
		if probes >= b.halfOpenProbes {
			if err := b.setClosed(ctx); err != nil {
				return fmt.Errorf("transition breaker: %w", err)
			}
			b.notify(StateHalfOpen, StateClosed)
		} else {
			if err := b.timed(fn); err != nil {
				b.trip(ctx, StateHalfOpen, now)
				return err
			}
			// Probe count races between workers are benign: the cost is
			// one extra probe before the circuit closes.
			b.rdb.Incr(ctx, probesKey)
			return nil
		}
	}

	if err := b.timed(fn); err != nil {
		b.trip(ctx, StateClosed, now)
		return err
	}
	return nil
}

// Status returns the current breaker state for /health.
func (b *Breaker) Status(ctx context.Context) (Status, error) {
	state, openedAt, probes, err := b.loadState(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("read breaker state: %w", err)
	}
	var opened float64
	if !openedAt.IsZero() {
		opened = unixSeconds(openedAt)
	}
	return Status{State: state, OpenedAt: opened, HalfOpenProbes: probes}, nil
}

// Reset deletes the breaker keys, returning the circuit to closed.
func (b *Breaker) Reset(ctx context.Context) error {
	return b.rdb.Del(ctx, stateKey, openedAtKey, probesKey).Err()
}

// ForceOpen trips the breaker regardless of call outcomes.
func (b *Breaker) ForceOpen(ctx context.Context) error {
	state, _, _, err := b.loadState(ctx)
	if err != nil {
		return err
	}
	b.trip(ctx, state, b.now())
	return nil
}

// timed runs fn and converts a slow success into ErrSlowCall. Latency is
// measured on the monotonic clock, not the injectable one.
func (b *Breaker) timed(fn func() error) error {
	start := time.Now()
	if err := fn(); err != nil {
		return err
	}
	if elapsed := time.Since(start); elapsed > b.latencyBudget {
		return fmt.Errorf("%w: %s > %s", ErrSlowCall, elapsed.Round(time.Millisecond), b.latencyBudget)
	}
	return nil
}

func (b *Breaker) loadState(ctx context.Context) (State, time.Time, int, error) {
	vals, err := b.rdb.MGet(ctx, stateKey, openedAtKey, probesKey).Result()
	if err != nil {
		return StateClosed, time.Time{}, 0, err
	}

	state := StateClosed
	if s, ok := vals[0].(string); ok {
		switch State(s) {
		case StateOpen, StateHalfOpen, StateClosed:
			state = State(s)
		}
	}

	var openedAt time.Time
	if s, ok := vals[1].(string); ok {
		if secs, err := strconv.ParseFloat(s, 64); err == nil && secs > 0 {
			openedAt = time.Unix(0, int64(secs*float64(time.Second)))
		}
	}

	probes := 0
	if s, ok := vals[2].(string); ok {
		if n, err := strconv.Atoi(s); err == nil {
			probes = n
		}
	}
	return state, openedAt, probes, nil
}

func (b *Breaker) setHalfOpen(ctx context.Context) error {
	pipe := b.rdb.Pipeline()
	pipe.Set(ctx, stateKey, string(StateHalfOpen), 0)
	pipe.Set(ctx, probesKey, "0", 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (b *Breaker) setClosed(ctx context.Context) error {
	pipe := b.rdb.Pipeline()
	pipe.Set(ctx, stateKey, string(StateClosed), 0)
	pipe.Del(ctx, probesKey)
	_, err := pipe.Exec(ctx)
	return err
}

// trip opens the circuit. Best effort: if the store write fails the next
// call re-evaluates from whatever state survived.
func (b *Breaker) trip(ctx context.Context, from State, now time.Time) {
	pipe := b.rdb.Pipeline()
	pipe.Set(ctx, stateKey, string(StateOpen), 0)
	pipe.Set(ctx, openedAtKey, strconv.FormatFloat(unixSeconds(now), 'f', -1, 64), 0)
	pipe.Del(ctx, probesKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return
	}
	b.notify(from, StateOpen)
}

func (b *Breaker) notify(from, to State) {
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
