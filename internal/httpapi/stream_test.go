package httpapi

import (
	"context"
	"net/http"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/opulenthorizons/leadsync/internal/leadsync"
)

func TestEventStreamRejectsWrongKey(t *testing.T) {
	server, _ := newTestServer(t)

	resp, err := http.Get(server.URL + "/v1/events/stream?apiKey=wrong")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestEventStreamDeliversIngestEvents(t *testing.T) {
	server, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, server.URL+"/v1/events/stream?apiKey="+testAPIKey, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription registers just after the handshake completes.
	time.Sleep(50 * time.Millisecond)

	body := []byte(`{"email":"stream@example.com"}`)
	resp := postWebhook(t, server, "meta", "topsecret", body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("webhook status = %d", resp.StatusCode)
	}

	var event leadsync.WorkflowEvent
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if event.EventType != leadsync.EventLeadIngested {
		t.Fatalf("event = %+v", event)
	}
}
