package leadsync

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Resolution is the outcome of resolving a contact tuple.
type Resolution struct {
	Identity      CanonicalIdentity
	Created       bool
	Collision     bool
	CollisionOHID string
}

// Resolver maps contact tuples to canonical identities.
//
// Matching order: a confirmed email claim wins over a confirmed phone claim
// when they point at different identities. That case is a declared tie-break
// and is recorded as an IdentityCollision workflow event; the identities are
// never merged.
type Resolver struct {
	repo Repository
	now  func() time.Time
}

func NewResolver(repo Repository) *Resolver {
	return &Resolver{repo: repo, now: time.Now}
}

// Resolve returns the canonical identity for contact, creating one when
// neither email nor phone matches an existing claim. Safe under concurrent
// resolution of the same new contact: creation is an atomic insert-if-absent
// in the repository, and a lost race is resolved by adopting the winner.
// Transient storage errors surface to the caller, which owns retry policy.
func (r *Resolver) Resolve(ctx context.Context, contact ContactTuple, sourceSystem string) (Resolution, error) {
	if r == nil || r.repo == nil {
		return Resolution{}, ErrInvalidInput
	}

	emailOHID, err := r.repo.FindOHIDByEmail(ctx, contact.Email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Resolution{}, err
	}
	phoneOHID, err := r.repo.FindOHIDByPhone(ctx, contact.Phone)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Resolution{}, err
	}

	if emailOHID != "" && phoneOHID != "" && emailOHID != phoneOHID {
		return r.resolveCollision(ctx, contact, sourceSystem, emailOHID, phoneOHID)
	}

	winner := emailOHID
	if winner == "" {
		winner = phoneOHID
	}
	if winner != "" {
		identity, err := r.repo.EnrichIdentity(ctx, winner, contact)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Identity: identity}, nil
	}

	identity, created, err := r.repo.CreateIdentity(ctx, CanonicalIdentity{
		OHID:      uuid.NewString(),
		FirstName: contact.FirstName,
		LastName:  contact.LastName,
		Email:     contact.Email,
		Phone:     contact.Phone,
	})
	if err != nil {
		return Resolution{}, err
	}
	if !created {
		// Lost a creation race; the claim winner already exists. Enrich it
		// with whatever this tuple adds and report a plain match.
		identity, err = r.repo.EnrichIdentity(ctx, identity.OHID, contact)
		if err != nil {
			return Resolution{}, err
		}
		return Resolution{Identity: identity}, nil
	}
	return Resolution{Identity: identity, Created: true}, nil
}

// resolveCollision handles a tuple whose email and phone match different
// identities. The email match wins, the phone identity is left untouched,
// and the collision is appended as an observable event for operator review.
func (r *Resolver) resolveCollision(ctx context.Context, contact ContactTuple, sourceSystem, emailOHID, phoneOHID string) (Resolution, error) {
	identity, err := r.repo.EnrichIdentity(ctx, emailOHID, contact)
	if err != nil {
		return Resolution{}, err
	}
	event := WorkflowEvent{
		ID:        uuid.NewString(),
		OHID:      emailOHID,
		EventType: EventIdentityCollision,
		Payload: map[string]any{
			"emailOhid": emailOHID,
			"phoneOhid": phoneOHID,
			"email":     NormalizeEmail(contact.Email),
			"phone":     NormalizePhone(contact.Phone),
		},
		OccurredAt:   r.now().UTC(),
		SourceSystem: sourceSystem,
	}
	if err := r.repo.AppendWorkflowEvent(ctx, event); err != nil {
		return Resolution{}, err
	}
	return Resolution{Identity: identity, Collision: true, CollisionOHID: phoneOHID}, nil
}
