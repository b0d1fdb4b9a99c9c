package gateway

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/crewline/helmsman/internal/bus"
)

// wsEvent is one bus event as delivered to a WebSocket client.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS implements GET /ws?topics=<prefix>&task_id=<id>.
// Every matching bus event is forwarded as one JSON message. The topics
// prefix defaults to all events; task_id narrows to one task where the
// payload carries a task identity.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event stream not available")
		return
	}

	prefix := r.URL.Query().Get("topics")
	taskID := r.URL.Query().Get("task_id")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			if taskID != "" && eventTaskID(event) != taskID {
				continue
			}
			if err := wsjson.Write(ctx, conn, wsEvent{Topic: event.Topic, Payload: event.Payload}); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

// eventTaskID extracts the task identity from known payload types, empty
// when the payload carries none.
func eventTaskID(event bus.Event) string {
	switch p := event.Payload.(type) {
	case bus.TaskStateChangedEvent:
		return p.TaskID
	case bus.TaskOutcomeEvent:
		return p.TaskID
	case bus.LoopStepEvent:
		return p.TaskID
	case bus.VerificationEvent:
		return p.TaskID
	case bus.EnvEvent:
		return p.TaskID
	default:
		return ""
	}
}
