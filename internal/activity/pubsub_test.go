package activity

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestHandle(t *testing.T) {
	newSub := func() (*Subscriber, *Log) {
		ring := NewLog()
		return NewSubscriber(nil, ring, testLogger()), ring
	}

	t.Run("should forward a well-formed event", func(t *testing.T) {
		sub, ring := newSub()
		sub.handle(`{"type":"ticket_popped","data":{"ticket_id":"T-1"}}`)

		got := ring.Recent(1)
		require.Len(t, got, 1)
		assert.Equal(t, EventTicketPopped, got[0].Type)
		assert.Equal(t, "T-1", got[0].Data["ticket_id"])
	})

	t.Run("should default a missing type to ticket_processed", func(t *testing.T) {
		sub, ring := newSub()
		sub.handle(`{"data":{"ticket_id":"T-2"}}`)

		got := ring.Recent(1)
		require.Len(t, got, 1)
		assert.Equal(t, EventTicketProcessed, got[0].Type)
		assert.Equal(t, "T-2", got[0].Data["ticket_id"])
	})

	t.Run("should fall back to the whole payload when data is missing", func(t *testing.T) {
		sub, ring := newSub()
		sub.handle(`{"type":"queue_cleared","cleared":3}`)

		got := ring.Recent(1)
		require.Len(t, got, 1)
		assert.Equal(t, EventQueueCleared, got[0].Type)
		assert.Equal(t, float64(3), got[0].Data["cleared"])
	})

	t.Run("should keep a null data field as nil", func(t *testing.T) {
		sub, ring := newSub()
		sub.handle(`{"type":"ticket_accepted","data":null}`)

		got := ring.Recent(1)
		require.Len(t, got, 1)
		assert.Equal(t, EventTicketAccepted, got[0].Type)
		assert.Nil(t, got[0].Data)
	})

	t.Run("should drop malformed payloads", func(t *testing.T) {
		sub, ring := newSub()
		sub.handle(`not json at all`)
		assert.Zero(t, ring.Len())
	})
}

func TestPublishSubscribe(t *testing.T) {
	t.Run("should carry events from publisher to ring", func(t *testing.T) {
		mini := miniredis.RunT(t)
		rdb := redis.NewClient(&redis.Options{Addr: mini.Addr()})
		t.Cleanup(func() { rdb.Close() })

		ring := NewLog()
		sub := NewSubscriber(rdb, ring, testLogger())
		pub := NewPublisher(rdb, testLogger())

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go sub.Run(ctx)

		// The subscription lands asynchronously; publish until one sticks.
		require.Eventually(t, func() bool {
			pub.Publish(ctx, EventTicketAssigned, map[string]any{"ticket_id": "T-1", "agent_id": "tech-1"})
			return ring.Len() > 0
		}, 5*time.Second, 50*time.Millisecond)

		got := ring.Recent(1)
		require.Len(t, got, 1)
		assert.Equal(t, EventTicketAssigned, got[0].Type)
		assert.Equal(t, "T-1", got[0].Data["ticket_id"])
		assert.Equal(t, "tech-1", got[0].Data["agent_id"])
	})
}
