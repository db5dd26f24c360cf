package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/terminal-bench/ticketrouter/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleActivityWS streams live activity events to the client. The ring's
// watcher feed drops events for slow consumers instead of blocking
// emitters.
func (s *Server) handleActivityWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}

	watchID, events := s.ring.Watch()
	done := make(chan struct{})
	go s.wsReadPump(conn, done)
	go s.wsWritePump(conn, watchID, events, done)
}

func (s *Server) wsReadPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) wsWritePump(conn *websocket.Conn, watchID string, events <-chan models.ActivityEvent, done chan struct{}) {
	defer func() {
		s.ring.Unwatch(watchID)
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
