package leadsync

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func newTestIngestor(t *testing.T, repo Repository, sources []SourceConfig, queue SyncQueue) (*Ingestor, *EventBus) {
	t.Helper()
	verifier := NewVerifier(sources)
	schemas, err := NewSchemaSet(sources)
	if err != nil {
		t.Fatalf("NewSchemaSet: %v", err)
	}
	bus := NewEventBus()
	t.Cleanup(bus.Close)
	ingestor, err := NewIngestor(IngestorOptions{
		Repository: repo,
		Verifier:   verifier,
		Schemas:    schemas,
		Resolver:   NewResolver(repo),
		Bus:        bus,
		Queue:      queue,
	})
	if err != nil {
		t.Fatalf("NewIngestor: %v", err)
	}
	return ingestor, bus
}

func signedHeaders(secret string, body []byte) http.Header {
	headers := http.Header{}
	headers.Set("X-Webhook-Signature", SignBody(secret, body))
	return headers
}

func TestIngestLeadEndToEnd(t *testing.T) {
	repo := NewMemoryRepository()
	queue := NewInMemorySyncQueue(8)
	ingestor, bus := newTestIngestor(t, repo, hmacSources("topsecret"), queue)
	events, cancel := bus.Subscribe(8)
	defer cancel()
	ctx := context.Background()

	body := []byte(`{"leadgen_id":"lg-77","first_name":"Ana","last_name":"Moreau","email":"ana@example.com","phone":"+1 555-0100","marketing_consent":true}`)
	result, err := ingestor.Ingest(ctx, SourceMeta, signedHeaders("topsecret", body), body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !result.Created || result.EventType != EventLeadIngested {
		t.Fatalf("result = %+v", result)
	}
	if !result.SyncQueued {
		t.Fatal("sync job not enqueued")
	}

	identity, err := repo.GetIdentity(ctx, result.OHID)
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if identity.Email != "ana@example.com" || identity.Phone != "+15550100" {
		t.Fatalf("identity = %+v", identity)
	}

	job, ok := queue.Dequeue(ctx)
	if !ok || job.OHID != result.OHID {
		t.Fatalf("queued job = %+v ok=%v", job, ok)
	}

	select {
	case event := <-events:
		if event.EventType != EventLeadIngested || event.OHID != result.OHID {
			t.Fatalf("published event = %+v", event)
		}
	default:
		t.Fatal("no event published to the bus")
	}
}

func TestIngestRejectsBadSignature(t *testing.T) {
	repo := NewMemoryRepository()
	ingestor, _ := newTestIngestor(t, repo, hmacSources("topsecret"), nil)

	body := []byte(`{"email":"ana@example.com"}`)
	headers := signedHeaders("wrong-secret", body)
	if _, err := ingestor.Ingest(context.Background(), SourceMeta, headers, body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestIngestRejectsContactlessPayload(t *testing.T) {
	repo := NewMemoryRepository()
	ingestor, _ := newTestIngestor(t, repo, hmacSources("topsecret"), nil)

	body := []byte(`{"first_name":"Ana"}`)
	_, err := ingestor.Ingest(context.Background(), SourceMeta, signedHeaders("topsecret", body), body)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestIngestFieldDataContact(t *testing.T) {
	repo := NewMemoryRepository()
	ingestor, _ := newTestIngestor(t, repo, hmacSources("topsecret"), nil)
	ctx := context.Background()

	body := []byte(`{"leadgen_id":"lg-1","field_data":[
		{"name":"full_name","values":["Ana Moreau"]},
		{"name":"email","values":["ana@example.com"]},
		{"name":"phone_number","values":["+15550100"]}
	]}`)
	result, err := ingestor.Ingest(ctx, SourceMeta, signedHeaders("topsecret", body), body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	identity, err := repo.GetIdentity(ctx, result.OHID)
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if identity.FirstName != "Ana" || identity.LastName != "Moreau" || identity.Phone != "+15550100" {
		t.Fatalf("identity = %+v", identity)
	}
}

func TestIngestCallEventResolvesByPhone(t *testing.T) {
	sources := []SourceConfig{
		{Name: SourceCloudtalk, Scheme: SchemeHMAC, Secret: "call-secret", Channel: ChannelCall},
	}
	repo := NewMemoryRepository()
	queue := NewInMemorySyncQueue(8)
	ingestor, _ := newTestIngestor(t, repo, sources, queue)
	ctx := context.Background()

	body := []byte(`{"caller_number":"+15550100","event":"call_ended","duration":95}`)
	result, err := ingestor.Ingest(ctx, SourceCloudtalk, signedHeaders("call-secret", body), body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.EventType != EventCallCompleted {
		t.Fatalf("event type = %s", result.EventType)
	}
	if !result.Created {
		t.Fatal("unknown caller must get a minimal identity")
	}

	// Same caller again matches the existing identity.
	again, err := ingestor.Ingest(ctx, SourceCloudtalk, signedHeaders("call-secret", body), body)
	if err != nil {
		t.Fatalf("Ingest again: %v", err)
	}
	if again.Created || again.OHID != result.OHID {
		t.Fatalf("repeat call = %+v", again)
	}

	events, err := repo.ListWorkflowEvents(ctx, result.OHID, 10)
	if err != nil || len(events) != 2 {
		t.Fatalf("events = %d err=%v", len(events), err)
	}
}

func TestIngestNoteWithoutContact(t *testing.T) {
	sources := []SourceConfig{
		{Name: SourceNotion, Scheme: SchemeChallenge, Channel: ChannelNote},
	}
	repo := NewMemoryRepository()
	ingestor, _ := newTestIngestor(t, repo, sources, nil)
	ctx := context.Background()

	body := []byte(`{"page_id":"pg-1","status":"Qualified"}`)
	result, err := ingestor.Ingest(ctx, SourceNotion, http.Header{}, body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.OHID != "" || result.Created || result.EventType != EventNoteAdded {
		t.Fatalf("result = %+v", result)
	}

	events, err := repo.ListWorkflowEvents(ctx, "", 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("events = %d err=%v", len(events), err)
	}
	if events[0].OHID != "" || events[0].Payload["page_id"] != "pg-1" {
		t.Fatalf("event = %+v", events[0])
	}
}

func TestIngestNoteWithContactResolvesIdentity(t *testing.T) {
	sources := []SourceConfig{
		{Name: SourceNotion, Scheme: SchemeChallenge, Channel: ChannelNote},
	}
	repo := NewMemoryRepository()
	ingestor, _ := newTestIngestor(t, repo, sources, nil)
	ctx := context.Background()

	body := []byte(`{"page_id":"pg-2","email":"ana@example.com","status":"Contacted"}`)
	result, err := ingestor.Ingest(ctx, SourceNotion, http.Header{}, body)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if result.OHID == "" || !result.Created {
		t.Fatalf("result = %+v", result)
	}
	events, err := repo.ListWorkflowEvents(ctx, result.OHID, 10)
	if err != nil || len(events) != 1 || events[0].EventType != EventNoteAdded {
		t.Fatalf("events = %+v err=%v", events, err)
	}
}

func TestIngestSchemaValidation(t *testing.T) {
	sources := []SourceConfig{{
		Name:    SourceWeb,
		Scheme:  SchemeHMAC,
		Secret:  "web-secret",
		Channel: ChannelLead,
		PayloadSchema: `{
			"type": "object",
			"required": ["email"],
			"properties": {"email": {"type": "string", "minLength": 3}}
		}`,
	}}
	repo := NewMemoryRepository()
	ingestor, _ := newTestIngestor(t, repo, sources, nil)
	ctx := context.Background()

	bad := []byte(`{"phone":"+15550100"}`)
	if _, err := ingestor.Ingest(ctx, SourceWeb, signedHeaders("web-secret", bad), bad); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected schema rejection, got %v", err)
	}

	good := []byte(`{"email":"ana@example.com"}`)
	if _, err := ingestor.Ingest(ctx, SourceWeb, signedHeaders("web-secret", good), good); err != nil {
		t.Fatalf("valid payload rejected: %v", err)
	}
}
