package activity

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Publisher pushes activity events onto the shared pub/sub channel.
// Publishing is fire-and-forget; failures are logged and never surfaced to
// the pipeline.
type Publisher struct {
	rdb redis.UniversalClient
	log *logrus.Logger
}

// NewPublisher creates a publisher.
func NewPublisher(rdb redis.UniversalClient, log *logrus.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: log}
}

// Publish JSON-encodes {type, data} and publishes it on Channel.
func (p *Publisher) Publish(ctx context.Context, eventType string, data map[string]any) {
	payload, err := json.Marshal(map[string]any{"type": eventType, "data": data})
	if err != nil {
		p.log.WithError(err).WithField("type", eventType).Warn("failed to encode activity event")
		return
	}
	if err := p.rdb.Publish(ctx, Channel, payload).Err(); err != nil {
		p.log.WithError(err).WithField("type", eventType).Warn("failed to publish activity event")
	}
}

// Subscriber consumes the activity channel and forwards events into the
// local ring.
type Subscriber struct {
	rdb  redis.UniversalClient
	ring *Log
	log  *logrus.Logger
}

// NewSubscriber creates a subscriber feeding the given ring.
func NewSubscriber(rdb redis.UniversalClient, ring *Log, log *logrus.Logger) *Subscriber {
	return &Subscriber{rdb: rdb, ring: ring, log: log}
}

// Run consumes messages until the context is cancelled, reconnecting after
// transient store failures with a one-second backoff.
func (s *Subscriber) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		s.consume(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) {
	sub := s.rdb.Subscribe(ctx, Channel)
	defer sub.Close()

	s.log.WithField("channel", Channel).Info("activity subscriber connected")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				s.log.Warn("activity subscription closed, reconnecting")
				return
			}
			s.handle(msg.Payload)
		}
	}
}

// handle parses one pub/sub payload. Missing type falls back to
// ticket_processed; a missing data field falls back to the whole payload.
func (s *Subscriber) handle(payload string) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		s.log.WithError(err).Debug("dropping malformed activity payload")
		return
	}

	eventType := EventTicketProcessed
	if t, ok := raw["type"]; ok {
		var parsed string
		if err := json.Unmarshal(t, &parsed); err == nil && parsed != "" {
			eventType = parsed
		}
	}

	var data map[string]any
	if d, ok := raw["data"]; ok {
		_ = json.Unmarshal(d, &data)
	} else {
		_ = json.Unmarshal([]byte(payload), &data)
	}
	s.ring.Emit(eventType, data)
}
