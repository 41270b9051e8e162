package httpapi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const streamWriteTimeout = 5 * time.Second

// handleEventStream upgrades to a websocket and forwards workflow events as
// they are published. Delivery is best-effort; a slow consumer misses events
// rather than backpressuring ingestion.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if s.bus == nil {
		writeError(w, http.StatusNotFound, "not_found", "event stream not configured", correlationID)
		return
	}
	if s.cfg.AdminAPIKey == "" {
		writeError(w, http.StatusForbidden, "forbidden", "admin api disabled", correlationID)
		return
	}
	// Browsers cannot set headers on websocket upgrades, so the key is
	// accepted from either the header or a query parameter.
	supplied := r.Header.Get("X-Api-Key")
	if supplied == "" {
		supplied = r.URL.Query().Get("apiKey")
	}
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.cfg.AdminAPIKey)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key", correlationID)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	events, cancel := s.bus.Subscribe(128)
	defer cancel()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancelWrite()
			if err != nil {
				return
			}
		}
	}
}
