package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/terminal-bench/ticketrouter/internal/classify"
)

// Scorer computes a continuous urgency score S in [0, 1] for ticket text.
type Scorer interface {
	Score(ctx context.Context, text string) (float64, error)
}

// Baseline is the rule-based fallback scorer: 0.0 for empty text, 0.85 when
// an urgency marker is present, 0.25 otherwise. It is what callers get
// whenever the circuit breaker keeps the primary scorer out of the path.
func Baseline(text string) float64 {
	if strings.TrimSpace(text) == "" {
		return 0.0
	}
	if classify.IsUrgent(text) {
		return 0.85
	}
	return 0.25
}

// negativeRe marks distress wording that raises urgency without being an
// outright urgency keyword.
var negativeRe = regexp.MustCompile(`(?i)\b(?:cannot|can't|won't|fail|failed|failing|failure|error|crash|crashed|wrong|lost|losing|angry|frustrated|unacceptable|blocked|stuck)\b`)

// LexicalScorer is the in-process primary scorer. It weights urgency
// keywords, distress wording, and exclamation marks into S in [0, 1].
// Deterministic: the same text always scores the same.
type LexicalScorer struct{}

// NewLexicalScorer creates the in-process scorer.
func NewLexicalScorer() *LexicalScorer { return &LexicalScorer{} }

// Score implements Scorer. It never fails; the error return exists so the
// scorer can sit behind the same breaker as a remote model.
func (s *LexicalScorer) Score(_ context.Context, text string) (float64, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0.0, nil
	}

	urgent := classify.UrgencyMatches(trimmed)
	negative := len(negativeRe.FindAllString(trimmed, -1))
	exclaims := strings.Count(trimmed, "!")

	score := 0.2 + 0.25*capped(urgent, 3) + 0.1*capped(negative, 3) + 0.05*capped(exclaims, 4)
	if score > 1.0 {
		score = 1.0
	}
	return math.Round(score*1e4) / 1e4, nil
}

func capped(n, limit int) float64 {
	if n > limit {
		n = limit
	}
	return float64(n)
}

// HTTPScorer calls a remote scoring service: POST {"text": ...} returning
// {"urgency_score": ...}. Its latency and failures are what the breaker
// watches in deployments with a real model server.
type HTTPScorer struct {
	url    string
	client *http.Client
}

// NewHTTPScorer creates a scorer against the given endpoint. A nil client
// gets a 10 second hard timeout; the breaker's latency budget is stricter.
func NewHTTPScorer(url string, client *http.Client) *HTTPScorer {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPScorer{url: url, client: client}
}

type scoreRequest struct {
	Text string `json:"text"`
}

type scoreResponse struct {
	UrgencyScore float64 `json:"urgency_score"`
}

// Score implements Scorer.
func (s *HTTPScorer) Score(ctx context.Context, text string) (float64, error) {
	payload, err := json.Marshal(scoreRequest{Text: text})
	if err != nil {
		return 0, fmt.Errorf("encode score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("score request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("score request: unexpected status %d", resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode score response: %w", err)
	}
	return out.UrgencyScore, nil
}
