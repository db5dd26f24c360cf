package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/terminal-bench/ticketrouter/internal/models"
)

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type string    `json:"type"`
	Text slackText `json:"text"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

// Notifier posts Slack-compatible alerts to a configured webhook URL.
// Delivery is fire-and-forget: failures are logged and never surfaced to
// the pipeline.
type Notifier struct {
	url    string
	client *http.Client
	log    *logrus.Logger
	sent   prometheus.Counter
}

// NewNotifier creates a notifier. An empty url disables delivery. The sent
// counter may be nil.
func NewNotifier(url string, log *logrus.Logger, sent prometheus.Counter) *Notifier {
	return &Notifier{
		url:    url,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log,
		sent:   sent,
	}
}

// HighUrgency alerts on one urgent ticket. No-op unless a URL is
// configured and the urgency score is strictly above 0.8.
func (n *Notifier) HighUrgency(ctx context.Context, rt models.RoutedTicket) {
	if n.url == "" || rt.UrgencyScore <= 0.8 {
		return
	}
	n.post(ctx, slackPayload{
		Text: fmt.Sprintf("High-urgency ticket (S=%.2f): %s", rt.UrgencyScore, rt.TicketID),
		Blocks: []slackBlock{{
			Type: "section",
			Text: slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*Ticket:* `%s`\n*Subject:* %s\n*Category:* %s\n*Urgency score:* %.2f",
					rt.TicketID, rt.Subject, rt.Category, rt.UrgencyScore),
			},
		}},
	})
}

// MasterIncident alerts once per flash-flood incident, standing in for the
// individual alerts it suppresses.
func (n *Notifier) MasterIncident(ctx context.Context, inc models.MasterIncident) {
	if n.url == "" {
		return
	}
	n.post(ctx, slackPayload{
		Text: fmt.Sprintf("Master Incident (flash-flood): %s - %s", inc.IncidentID, inc.Summary),
		Blocks: []slackBlock{{
			Type: "section",
			Text: slackText{
				Type: "mrkdwn",
				Text: fmt.Sprintf("*Master Incident:* `%s`\n*Summary:* %s\n*Root ticket:* %s\n*Tickets:* %d",
					inc.IncidentID, inc.Summary, inc.RootTicketID, len(inc.TicketIDs)),
			},
		}},
	})
}

func (n *Notifier) post(ctx context.Context, payload slackPayload) {
	body, err := json.Marshal(payload)
	if err != nil {
		n.log.WithError(err).Warn("failed to encode webhook payload")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.log.WithError(err).Warn("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.WithError(err).Warn("webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.WithField("status", resp.StatusCode).Warn("webhook delivery rejected")
		return
	}
	if n.sent != nil {
		n.sent.Inc()
	}
}
