package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/okettl/taskpilot/internal/bridge"
	"github.com/okettl/taskpilot/internal/task"
)

// clientMessage is the inbound side of the stream: human approval decisions
// and stop requests arrive on the same websocket the frames go out on.
type clientMessage struct {
	Type     string `json:"type"`
	Agent    string `json:"agent,omitempty"`
	Response string `json:"response,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type wsFrameWriter struct {
	conn *websocket.Conn
}

func (w wsFrameWriter) WriteFrame(f task.Frame) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteJSON(f)
}

// handleTaskWS streams a task's actions to the client as {step,data} frames
// and feeds client messages back into the approval gate. The writer is the
// bridge loop; it ends on a terminal action or once the reader notices the
// client is gone and cancels the shared context.
func (s *Server) handleTaskWS(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(chi.URLParam(r, "id"))
	if taskID == "" {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "missing task id")
		return
	}
	lock, err := s.service.GetTask(taskID)
	if err != nil {
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		s.readClientMessages(conn, taskID)
	}()

	b := bridge.New(lock, s.cfg.StreamPollInterval)
	if s.metrics != nil {
		frames := s.metrics.StreamFrames
		b.SetFrameHook(func(kind task.ActionKind) {
			frames.WithLabelValues(string(kind)).Inc()
		})
	}

	if err := b.Run(ctx, wsFrameWriter{conn: conn}); err != nil {
		if !errors.Is(err, context.Canceled) && s.metrics != nil {
			s.metrics.WSWriteErrors.WithLabelValues("write_frame").Inc()
		}
	}

	cancel()
	_ = conn.Close()
	<-readerDone
}

func (s *Server) readClientMessages(conn *websocket.Conn, taskID string) {
	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(120 * time.Second))
		if msgType != websocket.TextMessage {
			continue
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch strings.TrimSpace(msg.Type) {
		case "approval_response":
			// An unknown or stale agent is a benign race with task teardown.
			_ = s.service.RespondApproval(taskID, strings.TrimSpace(msg.Agent), msg.Response)
		case "stop":
			s.service.StopTask(taskID, strings.TrimSpace(msg.Reason))
		}
	}
}
