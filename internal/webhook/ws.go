package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// handleEventsWebSocket streams lifecycle events to a connected client as
// JSON text frames until the client disconnects.
func (srv *Server) handleEventsWebSocket(w http.ResponseWriter, r *http.Request) {
	if srv.bus == nil {
		writeError(w, http.StatusNotFound, "event feed disabled")
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := r.Context()
	ch, cancel := srv.bus.Subscribe(256)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "feed closed")
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, 15*time.Second)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}
