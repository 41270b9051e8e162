package leadsync

import (
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidSignature  = errors.New("invalid signature")
	ErrTransientStorage  = errors.New("transient storage error")
	ErrTransientRemote   = errors.New("transient remote error")
	ErrCredentialExpired = errors.New("refresh credential expired")
)

// Source system tags accepted by the ingestion pipeline.
const (
	SourceMeta      = "META"
	SourceWeb       = "WEB"
	SourceCloudtalk = "CLOUDTALK"
	SourceNotion    = "NOTION"
	SourceCRM       = "ZOHO_CRM"
)

// Workflow event types appended to the audit trail.
const (
	EventLeadIngested      = "LeadIngested"
	EventCallReceived      = "CallReceived"
	EventCallCompleted     = "CallCompleted"
	EventNoteAdded         = "NoteAdded"
	EventIdentityCollision = "IdentityCollision"
	EventConflictResolved  = "ConflictResolved"
	EventSyncCompleted     = "SyncCompleted"
)

// ContactTuple is the contact data carried by an inbound event. Empty
// strings mean the attribute was not supplied.
type ContactTuple struct {
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
}

// CanonicalIdentity is the deduplicated record for one real-world contact.
// The OHID is immutable; contact attributes only ever move from empty to
// non-empty via enrichment or inbound sync.
type CanonicalIdentity struct {
	OHID      string    `json:"ohid"`
	FirstName string    `json:"firstName,omitempty"`
	LastName  string    `json:"lastName,omitempty"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Consent captures marketing consent metadata at ingestion time.
type Consent struct {
	Marketing bool      `json:"marketing"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// LeadContext is one immutable ingestion record.
type LeadContext struct {
	ID           string         `json:"id"`
	OHID         string         `json:"ohid"`
	SourceSystem string         `json:"sourceSystem"`
	SourceLeadID string         `json:"sourceLeadId"`
	Channel      string         `json:"channel"`
	Payload      map[string]any `json:"payload"`
	Consent      Consent        `json:"consent"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// WorkflowEvent is one immutable externally observed occurrence. OHID may be
// empty for events that arrive before identity resolution (e.g. raw call
// events).
type WorkflowEvent struct {
	ID           string         `json:"id"`
	OHID         string         `json:"ohid,omitempty"`
	EventType    string         `json:"eventType"`
	Payload      map[string]any `json:"payload"`
	OccurredAt   time.Time      `json:"occurredAt"`
	SourceSystem string         `json:"sourceSystem"`
}

// SyncLink maps an identity to its counterpart record in one remote system.
// RemoteDigest is the digest of the remote record's tracked fields as of the
// last successful sync, used for conflict detection.
type SyncLink struct {
	OHID         string    `json:"ohid"`
	RemoteSystem string    `json:"remoteSystem"`
	RemoteID     string    `json:"remoteId"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
	RemoteDigest string    `json:"remoteDigest"`
}

// Contact claim kinds. A claim pins one confirmed contact value to exactly
// one identity; creation races are linearized on the claim's uniqueness
// constraint.
const (
	ClaimEmail = "email"
	ClaimPhone = "phone"
)
