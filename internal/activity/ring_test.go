package activity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing(t *testing.T) {
	t.Run("should retain only the newest events", func(t *testing.T) {
		ring := NewLog()
		for i := 1; i <= 250; i++ {
			ring.Emit(EventTicketProcessed, map[string]any{"n": i})
		}

		assert.Equal(t, MaxEvents, ring.Len())

		got := ring.Recent(10)
		require.Len(t, got, 10)
		assert.Equal(t, 241, got[0].Data["n"])
		assert.Equal(t, 250, got[9].Data["n"])
	})

	t.Run("should return recent events oldest first", func(t *testing.T) {
		ring := NewLog()
		for i := 1; i <= 5; i++ {
			ring.Emit(EventTicketAccepted, map[string]any{"n": i})
		}

		got := ring.Recent(3)
		require.Len(t, got, 3)
		assert.Equal(t, 3, got[0].Data["n"])
		assert.Equal(t, 4, got[1].Data["n"])
		assert.Equal(t, 5, got[2].Data["n"])
		assert.Greater(t, got[0].TS, 0.0)
		assert.LessOrEqual(t, got[0].TS, got[2].TS)
	})

	t.Run("should cap the limit at the retained count", func(t *testing.T) {
		ring := NewLog()
		ring.Emit(EventTicketPopped, nil)
		ring.Emit(EventTicketPopped, nil)

		assert.Len(t, ring.Recent(10), 2)
		assert.Empty(t, ring.Recent(0))
	})
}

func TestWatchers(t *testing.T) {
	t.Run("should deliver future events to a watcher", func(t *testing.T) {
		ring := NewLog()
		ring.Emit(EventTicketAccepted, map[string]any{"n": 0})

		id, ch := ring.Watch()
		defer ring.Unwatch(id)

		ring.Emit(EventTicketPopped, map[string]any{"ticket_id": "T-1"})

		select {
		case ev := <-ch:
			assert.Equal(t, EventTicketPopped, ev.Type)
			assert.Equal(t, "T-1", ev.Data["ticket_id"])
		case <-time.After(time.Second):
			t.Fatal("watcher did not receive the event")
		}
	})

	t.Run("should drop events instead of blocking a slow watcher", func(t *testing.T) {
		ring := NewLog()
		id, ch := ring.Watch()
		defer ring.Unwatch(id)

		// Nothing drains; Emit must never block.
		for i := 0; i < 50; i++ {
			ring.Emit(EventTicketProcessed, map[string]any{"n": i})
		}
		assert.Equal(t, 50, ring.Len())
		assert.LessOrEqual(t, len(ch), 16)
	})

	t.Run("should close the channel on unwatch", func(t *testing.T) {
		ring := NewLog()
		id, ch := ring.Watch()
		ring.Unwatch(id)

		_, ok := <-ch
		assert.False(t, ok)

		// Emitting after unwatch must not panic.
		ring.Emit(EventTicketProcessed, nil)
		ring.Unwatch(id)
	})
}
