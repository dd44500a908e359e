package api

import (
	"context"
	"net/http"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/taskpilot/internal/domain"
)

// StreamMessage is one frame of a task stream
type StreamMessage struct {
	Type  string         `json:"type"` // "task" or "event"
	Task  *TaskResponse  `json:"task,omitempty"`
	Event *EventResponse `json:"event,omitempty"`
}

const writeWait = 10 * time.Second

// streamHandler pushes a task's status changes and journal entries over a
// websocket until the task is finished and its journal drained.
func (s *Server) streamHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		task, err := s.store.GetTask(r.Context(), id)
		if err != nil {
			writeStoreError(w, err)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			clog.FromContext(r.Context()).Warnf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		// The client only ever closes; reading surfaces that.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		if err := s.stream(ctx, conn, task); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				clog.FromContext(ctx).Warnf("stream %s: %v", id, err)
			}
			return
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "task "+string(task.Status)))
	}
}

func (s *Server) stream(ctx context.Context, conn *websocket.Conn, task *domain.Task) error {
	send := func(msg StreamMessage) error {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(msg)
	}

	resp := taskToResponse(task)
	if err := send(StreamMessage{Type: "task", Task: &resp}); err != nil {
		return err
	}

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	var lastEvent int64
	status := task.Status
	for {
		events, err := s.store.ListEventsAfter(ctx, task.ID, lastEvent)
		if err != nil {
			return err
		}
		for _, ev := range events {
			e := eventToResponse(ev)
			if err := send(StreamMessage{Type: "event", Event: &e}); err != nil {
				return err
			}
			lastEvent = ev.ID
		}

		current, err := s.store.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if current.Status != status {
			status = current.Status
			resp := taskToResponse(current)
			if err := send(StreamMessage{Type: "task", Task: &resp}); err != nil {
				return err
			}
		}
		*task = *current
		if status.IsTerminal() && len(events) == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
