package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/ticketrouter/internal/embedding"
	"github.com/terminal-bench/ticketrouter/internal/models"
)

const (
	windowKey         = "dedup:window"
	metaPrefix        = "dedup:meta:"
	incidentNextIDKey = "incident:next_id"
	incidentPrefix    = "incident:"
	ticketsPrefix     = "incident_tickets:"
	reversePrefix     = "ticket_incident:"
)

// ErrNotFound is returned for lookups of unknown incidents.
var ErrNotFound = errors.New("incident not found")

// Config tunes the sliding-window flash-flood detector.
type Config struct {
	// SimilarityThreshold is the cosine similarity above which two tickets
	// count as duplicates (strictly greater).
	SimilarityThreshold float64
	// MinCount is the flood trigger: an incident is created only when the
	// window holds strictly more than MinCount similar tickets.
	MinCount int
	// Window is the sliding horizon.
	Window time.Duration
	// Clock overrides time.Now (tests).
	Clock func() time.Time
}

// Service detects flash-floods of semantically similar tickets and groups
// them into master incidents.
type Service struct {
	rdb       redis.UniversalClient
	threshold float64
	minCount  int
	window    time.Duration
	now       func() time.Time
	log       *logrus.Logger
}

// Result is the outcome of recording one ticket against the window.
type Result struct {
	IsMaster   bool
	IncidentID string
	// Suppress tells the caller to skip the individual high-urgency alert
	// because a single incident alert covers the flood.
	Suppress   bool
	CreatedNew bool
}

// New creates the dedup service.
func New(rdb redis.UniversalClient, cfg Config, log *logrus.Logger) *Service {
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.9
	}
	if cfg.MinCount <= 0 {
		cfg.MinCount = 10
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Service{
		rdb:       rdb,
		threshold: cfg.SimilarityThreshold,
		minCount:  cfg.MinCount,
		window:    cfg.Window,
		now:       cfg.Clock,
		log:       log,
	}
}

type ticketMeta struct {
	Embedding    []float64 `json:"embedding"`
	Category     string    `json:"category"`
	UrgencyScore float64   `json:"urgency_score"`
	Subject      string    `json:"subject"`
}

// CheckAndRecord writes the ticket into the sliding window and checks for a
// flash-flood. When strictly more than MinCount similar tickets sit in the
// window, a fresh master incident is created and every similar ticket is
// linked into it. A new incident is created per trigger; pre-existing
// incidents are never reused.
func (s *Service) CheckAndRecord(ctx context.Context, rt models.RoutedTicket, emb []float64) (Result, error) {
	now := unixSeconds(s.now())
	ticketID := rt.TicketID

	meta, err := json.Marshal(ticketMeta{
		Embedding:    emb,
		Category:     string(rt.Category),
		UrgencyScore: rt.UrgencyScore,
		Subject:      rt.Subject,
	})
	if err != nil {
		return Result{}, fmt.Errorf("encode dedup meta: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, windowKey, redis.Z{Score: now, Member: ticketID})
	pipe.Set(ctx, metaPrefix+ticketID, meta, s.window+10*time.Second)
	pipe.ZRemRangeByScore(ctx, windowKey, "-inf", formatScore(now-s.window.Seconds()))
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("record dedup window: %w", err)
	}

	similar, err := s.similarInWindow(ctx, emb, now)
	if err != nil {
		return Result{}, err
	}
	// Strict > keeps the "more than N tickets" trigger semantics.
	if len(similar) <= s.minCount {
		return Result{}, nil
	}

	summary := rt.Subject
	if summary == "" {
		summary = fmt.Sprintf("Incident (root: %s)", ticketID)
	}
	incidentID, err := s.createIncident(ctx, ticketID, summary, similar, now)
	if err != nil {
		return Result{}, err
	}
	return Result{IsMaster: true, IncidentID: incidentID, Suppress: true, CreatedNew: true}, nil
}

// similarInWindow returns the in-window ticket ids whose stored embedding
// has cosine similarity strictly above the threshold. The current ticket is
// always included since it matches itself.
func (s *Service) similarInWindow(ctx context.Context, emb []float64, now float64) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, windowKey, &redis.ZRangeBy{
		Min: formatScore(now - s.window.Seconds()),
		Max: formatScore(now),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read dedup window: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	gets := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		gets[i] = pipe.Get(ctx, metaPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read dedup metas: %w", err)
	}

	var similar []string
	for i, cmd := range gets {
		raw, err := cmd.Result()
		if err != nil {
			// Meta expired between the range read and the batch get.
			continue
		}
		var m ticketMeta
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			continue
		}
		if embedding.Cosine(emb, m.Embedding) > s.threshold {
			similar = append(similar, ids[i])
		}
	}
	return similar, nil
}

func (s *Service) createIncident(ctx context.Context, rootTicketID, summary string, ticketIDs []string, now float64) (string, error) {
	seq, err := s.rdb.Incr(ctx, incidentNextIDKey).Result()
	if err != nil {
		return "", fmt.Errorf("allocate incident id: %w", err)
	}
	incidentID := strconv.FormatInt(seq, 10)

	if err := s.rdb.HSet(ctx, incidentPrefix+incidentID, map[string]interface{}{
		"incident_id":    incidentID,
		"summary":        summary,
		"root_ticket_id": rootTicketID,
		"created_at":     formatScore(now),
		"status":         models.IncidentOpen,
	}).Err(); err != nil {
		return "", fmt.Errorf("write incident: %w", err)
	}

	pipe := s.rdb.Pipeline()
	for _, tid := range ticketIDs {
		pipe.SAdd(ctx, ticketsPrefix+incidentID, tid)
		pipe.Set(ctx, reversePrefix+tid, incidentID, 0)
	}
	// The root is in ticketIDs already (it matches itself); keep the
	// explicit link in case a caller passed a disjoint set.
	pipe.SAdd(ctx, ticketsPrefix+incidentID, rootTicketID)
	pipe.Set(ctx, reversePrefix+rootTicketID, incidentID, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("link incident tickets: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"incident_id":    incidentID,
		"tickets":        len(ticketIDs),
		"root_ticket_id": rootTicketID,
	}).Info("created master incident")
	return incidentID, nil
}

// RemoveTicketFromIncident unlinks a popped ticket from its incident. An
// incident left with no tickets is marked resolved. No-op for tickets that
// belong to no incident.
func (s *Service) RemoveTicketFromIncident(ctx context.Context, ticketID string) error {
	incidentID, err := s.rdb.Get(ctx, reversePrefix+ticketID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ticket incident link: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, ticketsPrefix+incidentID, ticketID)
	pipe.Del(ctx, reversePrefix+ticketID)
	remaining := pipe.SCard(ctx, ticketsPrefix+incidentID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unlink ticket from incident: %w", err)
	}

	if remaining.Val() == 0 {
		if err := s.rdb.HSet(ctx, incidentPrefix+incidentID, "status", models.IncidentResolved).Err(); err != nil {
			return fmt.Errorf("resolve emptied incident: %w", err)
		}
		s.log.WithField("incident_id", incidentID).Info("incident resolved, no tickets left")
	}
	return nil
}

// CloseIncident marks an incident resolved. Returns ErrNotFound for an
// unknown id.
func (s *Service) CloseIncident(ctx context.Context, incidentID string) error {
	exists, err := s.rdb.Exists(ctx, incidentPrefix+incidentID).Result()
	if err != nil {
		return fmt.Errorf("check incident: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	if err := s.rdb.HSet(ctx, incidentPrefix+incidentID, "status", models.IncidentResolved).Err(); err != nil {
		return fmt.Errorf("close incident: %w", err)
	}
	return nil
}

// GetIncident loads an incident with its ticket set.
func (s *Service) GetIncident(ctx context.Context, incidentID string) (*models.MasterIncident, error) {
	raw, err := s.rdb.HGetAll(ctx, incidentPrefix+incidentID).Result()
	if err != nil {
		return nil, fmt.Errorf("read incident: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	ticketIDs, err := s.rdb.SMembers(ctx, ticketsPrefix+incidentID).Result()
	if err != nil {
		return nil, fmt.Errorf("read incident tickets: %w", err)
	}
	sort.Strings(ticketIDs)

	createdAt, _ := strconv.ParseFloat(raw["created_at"], 64)
	status := raw["status"]
	if status == "" {
		status = models.IncidentOpen
	}
	return &models.MasterIncident{
		IncidentID:   raw["incident_id"],
		Summary:      raw["summary"],
		RootTicketID: raw["root_ticket_id"],
		TicketIDs:    ticketIDs,
		CreatedAt:    createdAt,
		Status:       status,
	}, nil
}

// ListIncidents returns incidents in descending id order, optionally
// filtered by status. There is no global index; incident keys are scanned.
func (s *Service) ListIncidents(ctx context.Context, limit int, status string) ([]models.MasterIncident, error) {
	if limit <= 0 {
		limit = 50
	}

	seen := make(map[string]bool)
	var keys []string
	it := s.rdb.Scan(ctx, 0, incidentPrefix+"*", 100).Iterator()
	for it.Next(ctx) {
		key := it.Val()
		if key == incidentNextIDKey || seen[key] {
			continue
		}
		seen[key] = true
		keys = append(keys, key)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("scan incidents: %w", err)
	}

	sort.Slice(keys, func(i, j int) bool {
		return incidentSeq(keys[i]) > incidentSeq(keys[j])
	})

	out := make([]models.MasterIncident, 0, limit)
	for _, key := range keys {
		inc, err := s.GetIncident(ctx, strings.TrimPrefix(key, incidentPrefix))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && inc.Status != status {
			continue
		}
		out = append(out, *inc)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func incidentSeq(key string) int64 {
	n, err := strconv.ParseInt(strings.TrimPrefix(key, incidentPrefix), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func formatScore(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
