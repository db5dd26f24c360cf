package classify

import (
	"regexp"

	"github.com/terminal-bench/ticketrouter/internal/models"
)

// Category keyword patterns, case-insensitive. First match wins in order
// Billing, Technical, Legal; unmatched text defaults to Technical.
var categoryPatterns = []struct {
	category models.TicketCategory
	patterns []*regexp.Regexp
}{
	{
		category: models.CategoryBilling,
		patterns: compileAll(
			`\b(?:bill|invoice|payment|charge|refund|subscription|plan upgrade|plan downgrade)\b`,
			`\b(?:billing|overcharge|double charge|cancel subscription)\b`,
		),
	},
	{
		category: models.CategoryTechnical,
		patterns: compileAll(
			`\b(?:bug|error|crash|login|api|integration|slow|timeout)\b`,
			`\b(?:broken|not working|doesn't work|failed|failure)\b`,
			`\b(?:technical|support|help|issue)\b`,
		),
	},
	{
		category: models.CategoryLegal,
		patterns: compileAll(
			`\b(?:legal|lawyer|attorney|compliance|gdpr|privacy|terms|contract)\b`,
			`\b(?:subpoena|litigation|dispute|liability)\b`,
		),
	},
}

// Urgency markers; any hit flags the ticket as urgent.
var urgencyRe = regexp.MustCompile(`(?i)` +
	`\b(?:asap|as soon as possible)\b|` +
	`\b(?:urgent|emergency|critical)\b|` +
	`\b(?:broken|outage|down|not working)\b|` +
	`\b(?:immediately|right now)\b|` +
	`\b(?:P0|P1|severity 1)\b`)

func compileAll(exprs ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		out = append(out, regexp.MustCompile(`(?i)`+expr))
	}
	return out
}

// Category classifies ticket text into Billing, Technical, or Legal.
func Category(text string) models.TicketCategory {
	for _, group := range categoryPatterns {
		for _, re := range group.patterns {
			if re.MatchString(text) {
				return group.category
			}
		}
	}
	return models.CategoryTechnical
}

// IsUrgent reports whether the text contains an urgency marker.
func IsUrgent(text string) bool {
	return urgencyRe.MatchString(text)
}

// UrgencyMatches counts urgency marker occurrences in the text.
func UrgencyMatches(text string) int {
	return len(urgencyRe.FindAllString(text, -1))
}

// Text joins subject and body the way the classifier and scorers consume it.
func Text(subject, body string) string {
	return subject + " " + body
}
