package leadsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Ingestion channels selectable per source.
const (
	ChannelLead = "lead"
	ChannelCall = "call"
	ChannelNote = "note"
)

// IngestResult reports what one accepted webhook produced.
type IngestResult struct {
	OHID          string `json:"ohid"`
	Created       bool   `json:"created"`
	Collision     bool   `json:"collision"`
	CollisionOHID string `json:"collisionOhid,omitempty"`
	EventType     string `json:"eventType"`
	LeadContextID string `json:"leadContextId,omitempty"`
	SyncQueued    bool   `json:"syncQueued"`
}

type IngestorOptions struct {
	Repository Repository
	Verifier   *Verifier
	Schemas    *SchemaSet
	Resolver   *Resolver
	Bus        *EventBus
	Queue      SyncQueue

	// SyncDirection is the direction enqueued for post-ingest reconciliation.
	SyncDirection Direction

	Logger     *log.Logger
	MaxRetries int
	BaseDelay  time.Duration
	Now        func() time.Time
}

// Ingestor runs the webhook pipeline: verify, validate, resolve, persist,
// publish, enqueue sync. Persistence retries bounded times on transient
// storage errors before surfacing the failure to the caller.
type Ingestor struct {
	repo       Repository
	verifier   *Verifier
	schemas    *SchemaSet
	resolver   *Resolver
	bus        *EventBus
	queue      SyncQueue
	direction  Direction
	logger     *log.Logger
	maxRetries int
	baseDelay  time.Duration
	now        func() time.Time
}

func NewIngestor(opts IngestorOptions) (*Ingestor, error) {
	if opts.Repository == nil || opts.Verifier == nil || opts.Resolver == nil {
		return nil, ErrInvalidInput
	}
	direction := opts.SyncDirection
	if direction == "" {
		direction = DirectionOutbound
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ingestor{
		repo:       opts.Repository,
		verifier:   opts.Verifier,
		schemas:    opts.Schemas,
		resolver:   opts.Resolver,
		bus:        opts.Bus,
		queue:      opts.Queue,
		direction:  direction,
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		now:        now,
	}, nil
}

// Ingest processes one verified-candidate webhook delivery. Signature
// verification happens here, against the raw body, before any parsing.
func (g *Ingestor) Ingest(ctx context.Context, source string, headers http.Header, body []byte) (IngestResult, error) {
	if g == nil {
		return IngestResult{}, ErrInvalidInput
	}
	source = strings.ToUpper(strings.TrimSpace(source))
	if !g.verifier.Verify(source, headers, body) {
		return IngestResult{}, ErrInvalidSignature
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return IngestResult{}, fmt.Errorf("%w: body is not a JSON object", ErrInvalidInput)
	}
	if err := g.schemas.Validate(source, payload); err != nil {
		return IngestResult{}, err
	}

	channel := g.verifier.SourceChannel(source)
	if channel == "" {
		channel = ChannelLead
	}
	switch channel {
	case ChannelCall:
		return g.ingestCall(ctx, source, payload)
	case ChannelNote:
		return g.ingestNote(ctx, source, payload)
	default:
		return g.ingestLead(ctx, source, channel, payload)
	}
}

func (g *Ingestor) ingestLead(ctx context.Context, source, channel string, payload map[string]any) (IngestResult, error) {
	contact := extractContact(payload)
	if NormalizeEmail(contact.Email) == "" && NormalizePhone(contact.Phone) == "" {
		return IngestResult{}, fmt.Errorf("%w: payload carries neither email nor phone", ErrInvalidInput)
	}

	var resolution Resolution
	err := g.retryStorage(ctx, func() error {
		var resolveErr error
		resolution, resolveErr = g.resolver.Resolve(ctx, contact, source)
		return resolveErr
	})
	if err != nil {
		return IngestResult{}, err
	}

	lead := LeadContext{
		ID:           uuid.NewString(),
		OHID:         resolution.Identity.OHID,
		SourceSystem: source,
		SourceLeadID: extractSourceLeadID(payload),
		Channel:      channel,
		Payload:      payload,
		Consent:      extractConsent(payload, source, g.now().UTC()),
		CreatedAt:    g.now().UTC(),
	}
	if err := g.retryStorage(ctx, func() error {
		return g.repo.InsertLeadContext(ctx, lead)
	}); err != nil {
		return IngestResult{}, err
	}

	event := WorkflowEvent{
		ID:        uuid.NewString(),
		OHID:      resolution.Identity.OHID,
		EventType: EventLeadIngested,
		Payload: map[string]any{
			"leadContextId": lead.ID,
			"sourceLeadId":  lead.SourceLeadID,
			"channel":       channel,
			"created":       resolution.Created,
		},
		OccurredAt:   g.now().UTC(),
		SourceSystem: source,
	}
	if err := g.retryStorage(ctx, func() error {
		return g.repo.AppendWorkflowEvent(ctx, event)
	}); err != nil {
		return IngestResult{}, err
	}
	g.bus.Publish(event)

	result := IngestResult{
		OHID:          resolution.Identity.OHID,
		Created:       resolution.Created,
		Collision:     resolution.Collision,
		CollisionOHID: resolution.CollisionOHID,
		EventType:     EventLeadIngested,
		LeadContextID: lead.ID,
	}
	result.SyncQueued = g.enqueueSync(resolution.Identity.OHID, source)
	return result, nil
}

// ingestCall handles telephony events. A call event that matches no known
// phone creates a minimal identity so the call history is never orphaned.
func (g *Ingestor) ingestCall(ctx context.Context, source string, payload map[string]any) (IngestResult, error) {
	phone := firstString(payload, "caller_number", "phone", "external_number")
	if NormalizePhone(phone) == "" {
		return IngestResult{}, fmt.Errorf("%w: call event carries no caller number", ErrInvalidInput)
	}

	var resolution Resolution
	err := g.retryStorage(ctx, func() error {
		var resolveErr error
		resolution, resolveErr = g.resolver.Resolve(ctx, ContactTuple{
			FirstName: firstString(payload, "contact_name", "name"),
			Phone:     phone,
		}, source)
		return resolveErr
	})
	if err != nil {
		return IngestResult{}, err
	}

	eventType := EventCallReceived
	if status := strings.ToLower(firstString(payload, "event", "call_status", "status")); strings.Contains(status, "end") || strings.Contains(status, "complet") || strings.Contains(status, "hangup") {
		eventType = EventCallCompleted
	}
	occurredAt := g.now().UTC()
	if raw := firstString(payload, "timestamp", "occurred_at"); raw != "" {
		if parsed, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			occurredAt = parsed.UTC()
		}
	}

	event := WorkflowEvent{
		ID:           uuid.NewString(),
		OHID:         resolution.Identity.OHID,
		EventType:    eventType,
		Payload:      payload,
		OccurredAt:   occurredAt,
		SourceSystem: source,
	}
	if err := g.retryStorage(ctx, func() error {
		return g.repo.AppendWorkflowEvent(ctx, event)
	}); err != nil {
		return IngestResult{}, err
	}
	g.bus.Publish(event)

	return IngestResult{
		OHID:      resolution.Identity.OHID,
		Created:   resolution.Created,
		Collision: resolution.Collision,
		EventType: eventType,
	}, nil
}

// ingestNote records a note event. Notes may arrive before any contact data
// exists; the event is then persisted with an empty OHID and attached to an
// identity only when the payload carries a resolvable contact.
func (g *Ingestor) ingestNote(ctx context.Context, source string, payload map[string]any) (IngestResult, error) {
	contact := extractContact(payload)

	var resolution Resolution
	if NormalizeEmail(contact.Email) != "" || NormalizePhone(contact.Phone) != "" {
		err := g.retryStorage(ctx, func() error {
			var resolveErr error
			resolution, resolveErr = g.resolver.Resolve(ctx, contact, source)
			return resolveErr
		})
		if err != nil {
			return IngestResult{}, err
		}
	}

	occurredAt := g.now().UTC()
	if raw := firstString(payload, "timestamp", "occurred_at"); raw != "" {
		if parsed, parseErr := time.Parse(time.RFC3339, raw); parseErr == nil {
			occurredAt = parsed.UTC()
		}
	}

	event := WorkflowEvent{
		ID:           uuid.NewString(),
		OHID:         resolution.Identity.OHID,
		EventType:    EventNoteAdded,
		Payload:      payload,
		OccurredAt:   occurredAt,
		SourceSystem: source,
	}
	if err := g.retryStorage(ctx, func() error {
		return g.repo.AppendWorkflowEvent(ctx, event)
	}); err != nil {
		return IngestResult{}, err
	}
	g.bus.Publish(event)

	return IngestResult{
		OHID:          resolution.Identity.OHID,
		Created:       resolution.Created,
		Collision:     resolution.Collision,
		CollisionOHID: resolution.CollisionOHID,
		EventType:     EventNoteAdded,
	}, nil
}

// AppendEvent records an operator-supplied workflow event for an identity.
func (g *Ingestor) AppendEvent(ctx context.Context, ohid, eventType, sourceSystem string, payload map[string]any) (WorkflowEvent, error) {
	if g == nil {
		return WorkflowEvent{}, ErrInvalidInput
	}
	if strings.TrimSpace(ohid) == "" || strings.TrimSpace(eventType) == "" {
		return WorkflowEvent{}, ErrInvalidInput
	}
	if _, err := g.repo.GetIdentity(ctx, ohid); err != nil {
		return WorkflowEvent{}, err
	}
	event := WorkflowEvent{
		ID:           uuid.NewString(),
		OHID:         ohid,
		EventType:    strings.TrimSpace(eventType),
		Payload:      payload,
		OccurredAt:   g.now().UTC(),
		SourceSystem: strings.TrimSpace(sourceSystem),
	}
	if err := g.retryStorage(ctx, func() error {
		return g.repo.AppendWorkflowEvent(ctx, event)
	}); err != nil {
		return WorkflowEvent{}, err
	}
	g.bus.Publish(event)
	return event, nil
}

func (g *Ingestor) enqueueSync(ohid, source string) bool {
	if g.queue == nil || source == SourceCRM {
		// CRM-originated changes never re-enqueue toward the CRM.
		return false
	}
	queued := g.queue.TryEnqueue(SyncJob{
		OHID:       ohid,
		Direction:  g.direction,
		EnqueuedAt: g.now().UTC(),
	})
	if !queued {
		g.logger.Printf("leadsync: sync queue full, dropping job ohid=%s", ohid)
	}
	return queued
}

// retryStorage runs op, retrying transient storage failures with bounded
// backoff. Non-transient errors surface immediately.
func (g *Ingestor) retryStorage(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= g.maxRetries; attempt++ {
		if attempt > 0 {
			delay := g.baseDelay << (attempt - 1)
			if err := sleepContext(ctx, delay); err != nil {
				return lastErr
			}
		}
		lastErr = op()
		if lastErr == nil || !errors.Is(lastErr, ErrTransientStorage) {
			return lastErr
		}
	}
	return lastErr
}

// extractContact maps the contact fields of a raw webhook payload. Flat
// snake_case and camelCase keys are both accepted, as is the lead-ads style
// field_data list of name/values pairs.
func extractContact(payload map[string]any) ContactTuple {
	contact := ContactTuple{
		FirstName: firstString(payload, "first_name", "firstName"),
		LastName:  firstString(payload, "last_name", "lastName"),
		Email:     firstString(payload, "email"),
		Phone:     firstString(payload, "phone", "phone_number", "phoneNumber"),
	}

	fieldData, ok := payload["field_data"].([]any)
	if !ok {
		return contact
	}
	for _, raw := range fieldData {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name := strings.ToLower(strings.TrimSpace(stringField(entry, "name")))
		values, _ := entry["values"].([]any)
		if len(values) == 0 {
			continue
		}
		value, _ := values[0].(string)
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		switch name {
		case "first_name":
			if contact.FirstName == "" {
				contact.FirstName = value
			}
		case "last_name":
			if contact.LastName == "" {
				contact.LastName = value
			}
		case "email":
			if contact.Email == "" {
				contact.Email = value
			}
		case "phone_number", "phone":
			if contact.Phone == "" {
				contact.Phone = value
			}
		case "full_name":
			if contact.FirstName == "" && contact.LastName == "" {
				first, last, _ := strings.Cut(value, " ")
				contact.FirstName = strings.TrimSpace(first)
				contact.LastName = strings.TrimSpace(last)
			}
		}
	}
	return contact
}

func extractSourceLeadID(payload map[string]any) string {
	return firstString(payload, "leadgen_id", "lead_id", "leadId", "id")
}

func extractConsent(payload map[string]any, source string, now time.Time) Consent {
	consent := Consent{Source: source, Timestamp: now}
	switch v := payload["consent"].(type) {
	case bool:
		consent.Marketing = v
	case map[string]any:
		if marketing, ok := v["marketing"].(bool); ok {
			consent.Marketing = marketing
		}
		if src := stringField(v, "source"); src != "" {
			consent.Source = src
		}
	}
	if marketing, ok := payload["marketing_consent"].(bool); ok {
		consent.Marketing = marketing
	}
	return consent
}

func firstString(payload map[string]any, keys ...string) string {
	for _, key := range keys {
		if value := stringField(payload, key); value != "" {
			return value
		}
	}
	return ""
}
