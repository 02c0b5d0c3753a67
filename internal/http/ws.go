package http

import (
	"context"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"lab-report-dashboard/internal/chat"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type summaryEvent struct {
	Type    string         `json:"type"`
	Subject string         `json:"subject_id"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// summaryWait upgrades to a websocket and runs the bounded summary poll on
// the server. The client gets a "pending" event immediately and exactly one
// terminal event ("ready" or "error"); closing the socket cancels the poll.
func summaryWait(w nethttp.ResponseWriter, r *nethttp.Request, svc *chat.Service, subject string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("subject", subject).Msg("summary websocket upgrade failed")
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The page never sends anything; a read error means the peer went away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := writeEvent(conn, summaryEvent{Type: "pending", Subject: subject}); err != nil {
		return
	}

	s, err := svc.Poller().Wait(ctx, subject)
	if ctx.Err() != nil {
		recordChatEvent("summary_wait", "abandoned")
		return
	}

	ev := summaryEvent{Type: "ready", Subject: subject}
	if err != nil {
		ev.Type = "error"
		ev.Error = err.Error()
		if errors.Is(err, chat.ErrSummaryNotReady) {
			recordChatEvent("summary_wait", "timeout")
		} else {
			recordChatEvent("summary_wait", "error")
		}
	} else {
		ev.Data = summaryPayload(s)
		recordChatEvent("summary_wait", "ready")
	}

	if err := writeEvent(conn, ev); err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ev.Type))
}

func writeEvent(conn *websocket.Conn, ev summaryEvent) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(ev)
}
