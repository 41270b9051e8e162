package leadsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Direction selects which side of a sync is authoritative.
type Direction string

const (
	DirectionInbound       Direction = "inbound"
	DirectionOutbound      Direction = "outbound"
	DirectionBidirectional Direction = "bidirectional"
)

// ParseDirection validates a caller-supplied direction string.
func ParseDirection(raw string) (Direction, error) {
	switch Direction(raw) {
	case DirectionInbound, DirectionOutbound, DirectionBidirectional:
		return Direction(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown sync direction %q", ErrInvalidInput, raw)
	}
}

// SyncResult summarizes one reconcile run.
type SyncResult struct {
	OHID          string    `json:"ohid"`
	RemoteSystem  string    `json:"remoteSystem"`
	RemoteID      string    `json:"remoteId,omitempty"`
	Direction     Direction `json:"direction"`
	CreatedRemote bool      `json:"createdRemote"`
	RemoteWrites  int       `json:"remoteWrites"`
	LocalWrites   int       `json:"localWrites"`
	Conflicts     []string  `json:"conflicts,omitempty"`
	Status        string    `json:"status"`
}

// Sync result statuses.
const (
	SyncStatusSynced   = "synced"
	SyncStatusNoRemote = "no_remote"
)

type ReconcilerOptions struct {
	Repository   Repository
	Client       *CRMClient
	RemoteSystem string

	// SourceTag is attached as the remote record's lead source on outbound
	// writes, so future inbound merges can tell locally-sourced fields from
	// remote-authored ones.
	SourceTag string

	// Bus, when set, receives the workflow events a reconcile appends.
	Bus *EventBus

	Now func() time.Time
}

// Reconciler brings a local identity and its remote CRM record into
// agreement.
//
// Conflict policy (bidirectional): a field changed on both sides since the
// last sync resolves remote-authoritative unless the local change is
// strictly newer than the remote record's modification time. Ties go to
// remote. Policy-resolved conflicts are appended as ConflictResolved events,
// never silently dropped.
type Reconciler struct {
	repo         Repository
	client       *CRMClient
	remoteSystem string
	sourceTag    string
	bus          *EventBus
	now          func() time.Time
}

func NewReconciler(opts ReconcilerOptions) (*Reconciler, error) {
	if opts.Repository == nil || opts.Client == nil {
		return nil, ErrInvalidInput
	}
	remoteSystem := opts.RemoteSystem
	if remoteSystem == "" {
		remoteSystem = SourceCRM
	}
	sourceTag := opts.SourceTag
	if sourceTag == "" {
		sourceTag = "leadsync"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		repo:         opts.Repository,
		client:       opts.Client,
		remoteSystem: remoteSystem,
		sourceTag:    sourceTag,
		bus:          opts.Bus,
		now:          now,
	}, nil
}

// RemoteDigest fingerprints the tracked contact fields of a remote record.
// Stored on the SyncLink after each sync and compared on the next one to
// detect remote-side edits.
func RemoteDigest(record CRMRecord) string {
	tracked := struct {
		FirstName string `json:"firstName"`
		LastName  string `json:"lastName"`
		Email     string `json:"email"`
		Phone     string `json:"phone"`
	}{record.FirstName, record.LastName, record.Email, record.Phone}
	data, _ := json.Marshal(tracked)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Reconcile synchronizes one identity with its remote counterpart in the
// given direction. When no SyncLink exists yet the remote system is searched
// by email then phone before any create, so repeated syncs never mint
// duplicate remote records.
func (r *Reconciler) Reconcile(ctx context.Context, ohid string, direction Direction) (SyncResult, error) {
	if r == nil {
		return SyncResult{}, ErrInvalidInput
	}
	result := SyncResult{
		OHID:         ohid,
		RemoteSystem: r.remoteSystem,
		Direction:    direction,
		Status:       SyncStatusSynced,
	}

	identity, err := r.repo.GetIdentity(ctx, ohid)
	if err != nil {
		return SyncResult{}, err
	}

	link, haveLink, err := r.lookupLink(ctx, ohid)
	if err != nil {
		return SyncResult{}, err
	}

	var remote CRMRecord
	haveRemote := false
	if haveLink {
		remote, err = r.client.GetLead(ctx, link.RemoteID)
		if errors.Is(err, ErrNotFound) {
			haveLink = false
		} else if err != nil {
			return SyncResult{}, err
		} else {
			haveRemote = true
		}
	}
	if !haveRemote {
		remote, haveRemote, err = r.searchRemote(ctx, identity)
		if err != nil {
			return SyncResult{}, err
		}
		if haveRemote {
			link = SyncLink{OHID: ohid, RemoteSystem: r.remoteSystem, RemoteID: remote.ID}
			haveLink = true
		}
	}

	switch direction {
	case DirectionInbound:
		if !haveRemote {
			result.Status = SyncStatusNoRemote
			return result, nil
		}
		if err := r.pullRemote(ctx, &identity, remote, &result); err != nil {
			return SyncResult{}, err
		}

	case DirectionOutbound:
		remote, err = r.pushLocal(ctx, identity, remote, haveRemote, &result)
		if err != nil {
			return SyncResult{}, err
		}
		link = SyncLink{OHID: ohid, RemoteSystem: r.remoteSystem, RemoteID: remote.ID}
		haveRemote = true

	case DirectionBidirectional:
		if !haveRemote {
			remote, err = r.pushLocal(ctx, identity, CRMRecord{}, false, &result)
			if err != nil {
				return SyncResult{}, err
			}
			link = SyncLink{OHID: ohid, RemoteSystem: r.remoteSystem, RemoteID: remote.ID}
		} else {
			remote, err = r.merge(ctx, identity, remote, link, haveLink, &result)
			if err != nil {
				return SyncResult{}, err
			}
		}
		haveRemote = true

	default:
		return SyncResult{}, fmt.Errorf("%w: unknown sync direction %q", ErrInvalidInput, direction)
	}

	result.RemoteID = remote.ID
	link.RemoteID = remote.ID
	link.RemoteDigest = RemoteDigest(remote)
	link.LastSyncedAt = r.now().UTC()
	if err := r.repo.UpsertSyncLink(ctx, link); err != nil {
		return SyncResult{}, err
	}

	event := WorkflowEvent{
		ID:        uuid.NewString(),
		OHID:      ohid,
		EventType: EventSyncCompleted,
		Payload: map[string]any{
			"direction":    string(direction),
			"remoteSystem": r.remoteSystem,
			"remoteId":     remote.ID,
			"remoteWrites": result.RemoteWrites,
			"localWrites":  result.LocalWrites,
			"conflicts":    result.Conflicts,
		},
		OccurredAt:   r.now().UTC(),
		SourceSystem: r.remoteSystem,
	}
	if err := r.repo.AppendWorkflowEvent(ctx, event); err != nil {
		return SyncResult{}, err
	}
	r.bus.Publish(event)
	return result, nil
}

func (r *Reconciler) lookupLink(ctx context.Context, ohid string) (SyncLink, bool, error) {
	link, err := r.repo.GetSyncLink(ctx, ohid, r.remoteSystem)
	if errors.Is(err, ErrNotFound) {
		return SyncLink{}, false, nil
	}
	if err != nil {
		return SyncLink{}, false, err
	}
	return link, true, nil
}

func (r *Reconciler) searchRemote(ctx context.Context, identity CanonicalIdentity) (CRMRecord, bool, error) {
	if identity.Email != "" {
		record, err := r.client.SearchLead(ctx, "Email", identity.Email)
		if err == nil {
			return record, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return CRMRecord{}, false, err
		}
	}
	if identity.Phone != "" {
		record, err := r.client.SearchLead(ctx, "Phone", identity.Phone)
		if err == nil {
			return record, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return CRMRecord{}, false, err
		}
	}
	return CRMRecord{}, false, nil
}

func (r *Reconciler) pullRemote(ctx context.Context, identity *CanonicalIdentity, remote CRMRecord, result *SyncResult) error {
	before := *identity
	updated, err := r.repo.ApplyRemoteContact(ctx, identity.OHID, ContactTuple{
		FirstName: remote.FirstName,
		LastName:  remote.LastName,
		Email:     remote.Email,
		Phone:     remote.Phone,
	})
	if err != nil {
		return err
	}
	if updated != before {
		result.LocalWrites++
	}
	*identity = updated
	return nil
}

func (r *Reconciler) desiredRemote(identity CanonicalIdentity, remoteID string) CRMRecord {
	return CRMRecord{
		ID:         remoteID,
		FirstName:  identity.FirstName,
		LastName:   identity.LastName,
		Email:      identity.Email,
		Phone:      identity.Phone,
		LeadSource: r.sourceTag,
	}
}

func (r *Reconciler) pushLocal(ctx context.Context, identity CanonicalIdentity, remote CRMRecord, haveRemote bool, result *SyncResult) (CRMRecord, error) {
	desired := r.desiredRemote(identity, remote.ID)
	if !haveRemote {
		id, err := r.client.CreateLead(ctx, desired)
		if err != nil {
			return CRMRecord{}, err
		}
		desired.ID = id
		result.CreatedRemote = true
		result.RemoteWrites++
		return desired, nil
	}
	if remoteEqual(desired, remote) {
		return remote, nil
	}
	if err := r.client.UpdateLead(ctx, remote.ID, desired); err != nil {
		return CRMRecord{}, err
	}
	result.RemoteWrites++
	merged := remote
	merged.FirstName = desired.FirstName
	merged.LastName = desired.LastName
	merged.Email = desired.Email
	merged.Phone = desired.Phone
	merged.LeadSource = desired.LeadSource
	return merged, nil
}

func remoteEqual(desired, remote CRMRecord) bool {
	return desired.FirstName == remote.FirstName &&
		desired.LastName == remote.LastName &&
		desired.Email == remote.Email &&
		desired.Phone == remote.Phone &&
		desired.LeadSource == remote.LeadSource
}

// merge performs the field-level bidirectional reconciliation.
func (r *Reconciler) merge(ctx context.Context, identity CanonicalIdentity, remote CRMRecord, link SyncLink, haveLink bool, result *SyncResult) (CRMRecord, error) {
	remoteChanged := !haveLink || link.RemoteDigest == "" || RemoteDigest(remote) != link.RemoteDigest
	localChanged := !haveLink || identity.UpdatedAt.After(link.LastSyncedAt)
	localNewer := identity.UpdatedAt.After(remote.ModifiedAt)

	type field struct {
		name        string
		local       string
		remote      string
		applyLocal  func(*ContactTuple, string)
		applyRemote func(*CRMRecord, string)
	}
	fields := []field{
		{"firstName", identity.FirstName, remote.FirstName,
			func(t *ContactTuple, v string) { t.FirstName = v },
			func(c *CRMRecord, v string) { c.FirstName = v }},
		{"lastName", identity.LastName, remote.LastName,
			func(t *ContactTuple, v string) { t.LastName = v },
			func(c *CRMRecord, v string) { c.LastName = v }},
		{"email", identity.Email, remote.Email,
			func(t *ContactTuple, v string) { t.Email = v },
			func(c *CRMRecord, v string) { c.Email = v }},
		{"phone", identity.Phone, remote.Phone,
			func(t *ContactTuple, v string) { t.Phone = v },
			func(c *CRMRecord, v string) { c.Phone = v }},
	}

	var pull ContactTuple
	pullNeeded := false
	push := remote
	pushNeeded := false

	for _, f := range fields {
		if f.local == f.remote {
			continue
		}
		switch {
		case f.local == "":
			f.applyLocal(&pull, f.remote)
			pullNeeded = true
		case f.remote == "":
			f.applyRemote(&push, f.local)
			pushNeeded = true
		default:
			// Both sides hold a value and they disagree.
			localWins := false
			if remoteChanged && localChanged {
				localWins = localNewer
			} else if localChanged {
				localWins = true
			}
			if localWins {
				f.applyRemote(&push, f.local)
				pushNeeded = true
			} else {
				f.applyLocal(&pull, f.remote)
				pullNeeded = true
			}
			result.Conflicts = append(result.Conflicts, f.name)
			if err := r.appendConflictEvent(ctx, identity.OHID, f.name, f.local, f.remote, localWins); err != nil {
				return CRMRecord{}, err
			}
		}
	}

	if pullNeeded {
		if err := r.pullRemote(ctx, &identity, CRMRecord{
			FirstName: pull.FirstName,
			LastName:  pull.LastName,
			Email:     pull.Email,
			Phone:     pull.Phone,
		}, result); err != nil {
			return CRMRecord{}, err
		}
	}
	if pushNeeded {
		push.LeadSource = r.sourceTag
		if err := r.client.UpdateLead(ctx, remote.ID, push); err != nil {
			return CRMRecord{}, err
		}
		result.RemoteWrites++
		return push, nil
	}
	return remote, nil
}

func (r *Reconciler) appendConflictEvent(ctx context.Context, ohid, field, localValue, remoteValue string, localWins bool) error {
	winner := "remote"
	if localWins {
		winner = "local"
	}
	event := WorkflowEvent{
		ID:        uuid.NewString(),
		OHID:      ohid,
		EventType: EventConflictResolved,
		Payload: map[string]any{
			"field":       field,
			"localValue":  localValue,
			"remoteValue": remoteValue,
			"winner":      winner,
		},
		OccurredAt:   r.now().UTC(),
		SourceSystem: r.remoteSystem,
	}
	if err := r.repo.AppendWorkflowEvent(ctx, event); err != nil {
		return err
	}
	r.bus.Publish(event)
	return nil
}
