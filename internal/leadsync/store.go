package leadsync

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Repository persists identities, ingestion records, workflow events and
// sync links. Implementations must make CreateIdentity linearizable per
// contact value: when two creations race, exactly one identity wins the
// claim and both callers observe the winner.
type Repository interface {
	// FindOHIDByEmail and FindOHIDByPhone resolve confirmed contact claims.
	// They return ErrNotFound when no identity has claimed the value.
	FindOHIDByEmail(ctx context.Context, email string) (string, error)
	FindOHIDByPhone(ctx context.Context, phone string) (string, error)

	GetIdentity(ctx context.Context, ohid string) (CanonicalIdentity, error)

	// CreateIdentity atomically claims the identity's email and phone and
	// inserts the identity. If another identity already holds a claim, the
	// claim winner is returned with created=false and nothing is inserted.
	CreateIdentity(ctx context.Context, identity CanonicalIdentity) (CanonicalIdentity, bool, error)

	// EnrichIdentity fills empty contact attributes from attrs. Non-empty
	// attributes are never overwritten. Newly supplied values claim their
	// contact slot only if unclaimed.
	EnrichIdentity(ctx context.Context, ohid string, attrs ContactTuple) (CanonicalIdentity, error)

	// ApplyRemoteContact overwrites contact attributes with the non-empty
	// values in attrs. Used by inbound sync, where the remote record is
	// authoritative for the fields it carries.
	ApplyRemoteContact(ctx context.Context, ohid string, attrs ContactTuple) (CanonicalIdentity, error)

	InsertLeadContext(ctx context.Context, lead LeadContext) error
	AppendWorkflowEvent(ctx context.Context, event WorkflowEvent) error
	ListWorkflowEvents(ctx context.Context, ohid string, limit int) ([]WorkflowEvent, error)

	GetSyncLink(ctx context.Context, ohid, remoteSystem string) (SyncLink, error)
	UpsertSyncLink(ctx context.Context, link SyncLink) error

	Close() error
}

// NormalizeEmail lowercases and trims an email for claim matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizePhone trims a phone number and strips separator characters so
// "+1 555-0100" and "+15550100" claim the same slot.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	return replacer.Replace(phone)
}

type memoryRepository struct {
	mu         sync.RWMutex
	identities map[string]CanonicalIdentity
	claims     map[string]string
	leads      []LeadContext
	events     []WorkflowEvent
	links      map[string]SyncLink
	now        func() time.Time
}

// NewMemoryRepository returns an in-memory Repository for development and
// tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		identities: map[string]CanonicalIdentity{},
		claims:     map[string]string{},
		links:      map[string]SyncLink{},
		now:        time.Now,
	}
}

func claimKey(kind, value string) string {
	return kind + "\x00" + value
}

func linkKey(ohid, remoteSystem string) string {
	return ohid + "\x00" + remoteSystem
}

func (r *memoryRepository) FindOHIDByEmail(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return "", ErrNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ohid, ok := r.claims[claimKey(ClaimEmail, email)]; ok {
		return ohid, nil
	}
	return "", ErrNotFound
}

func (r *memoryRepository) FindOHIDByPhone(ctx context.Context, phone string) (string, error) {
	phone = NormalizePhone(phone)
	if phone == "" {
		return "", ErrNotFound
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ohid, ok := r.claims[claimKey(ClaimPhone, phone)]; ok {
		return ohid, nil
	}
	return "", ErrNotFound
}

func (r *memoryRepository) GetIdentity(ctx context.Context, ohid string) (CanonicalIdentity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.identities[ohid]
	if !ok {
		return CanonicalIdentity{}, ErrNotFound
	}
	return identity, nil
}

func (r *memoryRepository) CreateIdentity(ctx context.Context, identity CanonicalIdentity) (CanonicalIdentity, bool, error) {
	if strings.TrimSpace(identity.OHID) == "" {
		return CanonicalIdentity{}, false, ErrInvalidInput
	}
	email := NormalizeEmail(identity.Email)
	phone := NormalizePhone(identity.Phone)
	identity.Email = email
	identity.Phone = phone

	r.mu.Lock()
	defer r.mu.Unlock()

	if email != "" {
		if winner, ok := r.claims[claimKey(ClaimEmail, email)]; ok {
			return r.identities[winner], false, nil
		}
	}
	// Email is the stronger key: losing only the phone claim still creates
	// the identity, and the phone claim stays with its owner.
	if phone != "" && email == "" {
		if winner, ok := r.claims[claimKey(ClaimPhone, phone)]; ok {
			return r.identities[winner], false, nil
		}
	}

	now := r.now().UTC()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	identity.UpdatedAt = identity.CreatedAt
	r.identities[identity.OHID] = identity
	if email != "" {
		r.claims[claimKey(ClaimEmail, email)] = identity.OHID
	}
	if phone != "" {
		if _, claimed := r.claims[claimKey(ClaimPhone, phone)]; !claimed {
			r.claims[claimKey(ClaimPhone, phone)] = identity.OHID
		}
	}
	return identity, true, nil
}

func (r *memoryRepository) EnrichIdentity(ctx context.Context, ohid string, attrs ContactTuple) (CanonicalIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.identities[ohid]
	if !ok {
		return CanonicalIdentity{}, ErrNotFound
	}

	changed := false
	if identity.FirstName == "" && strings.TrimSpace(attrs.FirstName) != "" {
		identity.FirstName = strings.TrimSpace(attrs.FirstName)
		changed = true
	}
	if identity.LastName == "" && strings.TrimSpace(attrs.LastName) != "" {
		identity.LastName = strings.TrimSpace(attrs.LastName)
		changed = true
	}
	if email := NormalizeEmail(attrs.Email); identity.Email == "" && email != "" {
		identity.Email = email
		if _, claimed := r.claims[claimKey(ClaimEmail, email)]; !claimed {
			r.claims[claimKey(ClaimEmail, email)] = ohid
		}
		changed = true
	}
	if phone := NormalizePhone(attrs.Phone); identity.Phone == "" && phone != "" {
		identity.Phone = phone
		if _, claimed := r.claims[claimKey(ClaimPhone, phone)]; !claimed {
			r.claims[claimKey(ClaimPhone, phone)] = ohid
		}
		changed = true
	}
	if changed {
		identity.UpdatedAt = r.now().UTC()
		r.identities[ohid] = identity
	}
	return identity, nil
}

func (r *memoryRepository) ApplyRemoteContact(ctx context.Context, ohid string, attrs ContactTuple) (CanonicalIdentity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.identities[ohid]
	if !ok {
		return CanonicalIdentity{}, ErrNotFound
	}

	changed := false
	if v := strings.TrimSpace(attrs.FirstName); v != "" && v != identity.FirstName {
		identity.FirstName = v
		changed = true
	}
	if v := strings.TrimSpace(attrs.LastName); v != "" && v != identity.LastName {
		identity.LastName = v
		changed = true
	}
	if v := NormalizeEmail(attrs.Email); v != "" && v != identity.Email {
		identity.Email = v
		if _, claimed := r.claims[claimKey(ClaimEmail, v)]; !claimed {
			r.claims[claimKey(ClaimEmail, v)] = ohid
		}
		changed = true
	}
	if v := NormalizePhone(attrs.Phone); v != "" && v != identity.Phone {
		identity.Phone = v
		if _, claimed := r.claims[claimKey(ClaimPhone, v)]; !claimed {
			r.claims[claimKey(ClaimPhone, v)] = ohid
		}
		changed = true
	}
	if changed {
		identity.UpdatedAt = r.now().UTC()
		r.identities[ohid] = identity
	}
	return identity, nil
}

func (r *memoryRepository) InsertLeadContext(ctx context.Context, lead LeadContext) error {
	if strings.TrimSpace(lead.ID) == "" || strings.TrimSpace(lead.OHID) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = r.now().UTC()
	}
	r.leads = append(r.leads, lead)
	return nil
}

func (r *memoryRepository) AppendWorkflowEvent(ctx context.Context, event WorkflowEvent) error {
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.EventType) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now().UTC()
	}
	r.events = append(r.events, event)
	return nil
}

func (r *memoryRepository) ListWorkflowEvents(ctx context.Context, ohid string, limit int) ([]WorkflowEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := make([]WorkflowEvent, 0)
	for _, event := range r.events {
		if ohid == "" || event.OHID == ohid {
			matched = append(matched, event)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].OccurredAt.Before(matched[j].OccurredAt)
	})
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (r *memoryRepository) GetSyncLink(ctx context.Context, ohid, remoteSystem string) (SyncLink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	link, ok := r.links[linkKey(ohid, remoteSystem)]
	if !ok {
		return SyncLink{}, ErrNotFound
	}
	return link, nil
}

func (r *memoryRepository) UpsertSyncLink(ctx context.Context, link SyncLink) error {
	if strings.TrimSpace(link.OHID) == "" || strings.TrimSpace(link.RemoteSystem) == "" {
		return ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.links[linkKey(link.OHID, link.RemoteSystem)] = link
	return nil
}

func (r *memoryRepository) Close() error {
	return nil
}
