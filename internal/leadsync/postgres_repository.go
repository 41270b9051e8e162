package leadsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRepository is the production Repository backed by lib/pq. One
// shared pool serves all resolver and reconciler operations; connections are
// acquired per statement and never held across remote network calls.
type PostgresRepository struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRepository{dsn: dsn, openDB: sql.Open}, nil
}

func (r *PostgresRepository) ensureReady() error {
	if r == nil {
		return ErrInvalidInput
	}
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		statements := []string{
			`CREATE TABLE IF NOT EXISTS canonical_identity (
				ohid TEXT PRIMARY KEY,
				first_name TEXT NOT NULL DEFAULT '',
				last_name TEXT NOT NULL DEFAULT '',
				email TEXT NOT NULL DEFAULT '',
				phone TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS contact_claim (
				kind TEXT NOT NULL,
				value TEXT NOT NULL,
				ohid TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (kind, value)
			)`,
			`CREATE TABLE IF NOT EXISTS lead_context (
				id TEXT PRIMARY KEY,
				ohid TEXT NOT NULL,
				source_system TEXT NOT NULL,
				source_lead_id TEXT NOT NULL,
				channel TEXT NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				consent JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS workflow_event (
				id TEXT PRIMARY KEY,
				ohid TEXT,
				event_type TEXT NOT NULL,
				payload JSONB NOT NULL DEFAULT '{}',
				occurred_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				source_system TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE TABLE IF NOT EXISTS sync_link (
				ohid TEXT NOT NULL,
				remote_system TEXT NOT NULL,
				remote_id TEXT NOT NULL,
				last_synced_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				remote_digest TEXT NOT NULL DEFAULT '',
				PRIMARY KEY (ohid, remote_system)
			)`,
			`CREATE INDEX IF NOT EXISTS contact_claim_ohid_idx ON contact_claim (ohid)`,
			`CREATE INDEX IF NOT EXISTS lead_context_ohid_idx ON lead_context (ohid)`,
			`CREATE INDEX IF NOT EXISTS lead_context_email_idx ON lead_context ((payload->'person'->>'email'))`,
			`CREATE INDEX IF NOT EXISTS lead_context_phone_idx ON lead_context ((payload->'person'->>'phone'))`,
			`CREATE INDEX IF NOT EXISTS workflow_event_ohid_idx ON workflow_event (ohid)`,
			`CREATE INDEX IF NOT EXISTS workflow_event_type_idx ON workflow_event (event_type)`,
			`CREATE INDEX IF NOT EXISTS workflow_event_occurred_idx ON workflow_event (occurred_at)`,
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				r.initErr = err
				return
			}
		}
		r.db = db
	})
	return r.initErr
}

func storageErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrTransientStorage, err)
}

func (r *PostgresRepository) findOHIDByClaim(ctx context.Context, kind, value string) (string, error) {
	if value == "" {
		return "", ErrNotFound
	}
	if err := r.ensureReady(); err != nil {
		return "", storageErr(err)
	}
	var ohid string
	err := r.db.QueryRowContext(ctx,
		"SELECT ohid FROM contact_claim WHERE kind = $1 AND value = $2", kind, value).Scan(&ohid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", storageErr(err)
	}
	return ohid, nil
}

func (r *PostgresRepository) FindOHIDByEmail(ctx context.Context, email string) (string, error) {
	return r.findOHIDByClaim(ctx, ClaimEmail, NormalizeEmail(email))
}

func (r *PostgresRepository) FindOHIDByPhone(ctx context.Context, phone string) (string, error) {
	return r.findOHIDByClaim(ctx, ClaimPhone, NormalizePhone(phone))
}

func (r *PostgresRepository) GetIdentity(ctx context.Context, ohid string) (CanonicalIdentity, error) {
	if err := r.ensureReady(); err != nil {
		return CanonicalIdentity{}, storageErr(err)
	}
	var identity CanonicalIdentity
	err := r.db.QueryRowContext(ctx, `
		SELECT ohid, first_name, last_name, email, phone, created_at, updated_at
		FROM canonical_identity WHERE ohid = $1`, ohid).
		Scan(&identity.OHID, &identity.FirstName, &identity.LastName,
			&identity.Email, &identity.Phone, &identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CanonicalIdentity{}, ErrNotFound
	}
	if err != nil {
		return CanonicalIdentity{}, storageErr(err)
	}
	return identity, nil
}

// CreateIdentity claims contact values and inserts the identity in one
// transaction. The claim table's primary key is the uniqueness constraint
// that linearizes racing creations: the loser's insert is a no-op and the
// claim winner's identity is returned instead.
func (r *PostgresRepository) CreateIdentity(ctx context.Context, identity CanonicalIdentity) (CanonicalIdentity, bool, error) {
	if strings.TrimSpace(identity.OHID) == "" {
		return CanonicalIdentity{}, false, ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return CanonicalIdentity{}, false, storageErr(err)
	}
	identity.Email = NormalizeEmail(identity.Email)
	identity.Phone = NormalizePhone(identity.Phone)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return CanonicalIdentity{}, false, storageErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	claimWinner := func(kind, value string) (string, error) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contact_claim (kind, value, ohid) VALUES ($1, $2, $3)
			ON CONFLICT (kind, value) DO NOTHING`, kind, value, identity.OHID); err != nil {
			return "", err
		}
		var winner string
		if err := tx.QueryRowContext(ctx,
			"SELECT ohid FROM contact_claim WHERE kind = $1 AND value = $2", kind, value).Scan(&winner); err != nil {
			return "", err
		}
		return winner, nil
	}

	if identity.Email != "" {
		winner, err := claimWinner(ClaimEmail, identity.Email)
		if err != nil {
			return CanonicalIdentity{}, false, storageErr(err)
		}
		if winner != identity.OHID {
			_ = tx.Rollback()
			committed = true
			existing, err := r.GetIdentity(ctx, winner)
			return existing, false, err
		}
	}
	if identity.Phone != "" {
		winner, err := claimWinner(ClaimPhone, identity.Phone)
		if err != nil {
			return CanonicalIdentity{}, false, storageErr(err)
		}
		if winner != identity.OHID && identity.Email == "" {
			_ = tx.Rollback()
			committed = true
			existing, err := r.GetIdentity(ctx, winner)
			return existing, false, err
		}
	}

	now := time.Now().UTC()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	identity.UpdatedAt = identity.CreatedAt
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO canonical_identity (ohid, first_name, last_name, email, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		identity.OHID, identity.FirstName, identity.LastName,
		identity.Email, identity.Phone, identity.CreatedAt, identity.UpdatedAt); err != nil {
		return CanonicalIdentity{}, false, storageErr(err)
	}
	if err := tx.Commit(); err != nil {
		return CanonicalIdentity{}, false, storageErr(err)
	}
	committed = true
	return identity, true, nil
}

func (r *PostgresRepository) updateContact(ctx context.Context, ohid string, attrs ContactTuple, overwrite bool) (CanonicalIdentity, error) {
	if err := r.ensureReady(); err != nil {
		return CanonicalIdentity{}, storageErr(err)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return CanonicalIdentity{}, storageErr(err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var identity CanonicalIdentity
	err = tx.QueryRowContext(ctx, `
		SELECT ohid, first_name, last_name, email, phone, created_at, updated_at
		FROM canonical_identity WHERE ohid = $1 FOR UPDATE`, ohid).
		Scan(&identity.OHID, &identity.FirstName, &identity.LastName,
			&identity.Email, &identity.Phone, &identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CanonicalIdentity{}, ErrNotFound
	}
	if err != nil {
		return CanonicalIdentity{}, storageErr(err)
	}

	changed := false
	setField := func(current *string, next string) {
		if next == "" {
			return
		}
		if *current == "" || (overwrite && *current != next) {
			*current = next
			changed = true
		}
	}
	setField(&identity.FirstName, strings.TrimSpace(attrs.FirstName))
	setField(&identity.LastName, strings.TrimSpace(attrs.LastName))

	claims := make([][2]string, 0, 2)
	if email := NormalizeEmail(attrs.Email); email != "" {
		before := identity.Email
		setField(&identity.Email, email)
		if identity.Email != before {
			claims = append(claims, [2]string{ClaimEmail, email})
		}
	}
	if phone := NormalizePhone(attrs.Phone); phone != "" {
		before := identity.Phone
		setField(&identity.Phone, phone)
		if identity.Phone != before {
			claims = append(claims, [2]string{ClaimPhone, phone})
		}
	}

	if !changed {
		_ = tx.Rollback()
		committed = true
		return identity, nil
	}

	// Newly adopted values claim their slot only if unclaimed; a value
	// already confirmed on another identity keeps resolving there.
	for _, claim := range claims {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contact_claim (kind, value, ohid) VALUES ($1, $2, $3)
			ON CONFLICT (kind, value) DO NOTHING`, claim[0], claim[1], ohid); err != nil {
			return CanonicalIdentity{}, storageErr(err)
		}
	}

	identity.UpdatedAt = time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE canonical_identity
		SET first_name = $2, last_name = $3, email = $4, phone = $5, updated_at = $6
		WHERE ohid = $1`,
		ohid, identity.FirstName, identity.LastName, identity.Email, identity.Phone, identity.UpdatedAt); err != nil {
		return CanonicalIdentity{}, storageErr(err)
	}
	if err := tx.Commit(); err != nil {
		return CanonicalIdentity{}, storageErr(err)
	}
	committed = true
	return identity, nil
}

func (r *PostgresRepository) EnrichIdentity(ctx context.Context, ohid string, attrs ContactTuple) (CanonicalIdentity, error) {
	return r.updateContact(ctx, ohid, attrs, false)
}

func (r *PostgresRepository) ApplyRemoteContact(ctx context.Context, ohid string, attrs ContactTuple) (CanonicalIdentity, error) {
	return r.updateContact(ctx, ohid, attrs, true)
}

func (r *PostgresRepository) InsertLeadContext(ctx context.Context, lead LeadContext) error {
	if strings.TrimSpace(lead.ID) == "" || strings.TrimSpace(lead.OHID) == "" {
		return ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return storageErr(err)
	}
	payload, err := json.Marshal(lead.Payload)
	if err != nil {
		return err
	}
	consent, err := json.Marshal(lead.Consent)
	if err != nil {
		return err
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = time.Now().UTC()
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO lead_context (id, ohid, source_system, source_lead_id, channel, payload, consent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		lead.ID, lead.OHID, lead.SourceSystem, lead.SourceLeadID, lead.Channel,
		string(payload), string(consent), lead.CreatedAt)
	return storageErr(err)
}

func (r *PostgresRepository) AppendWorkflowEvent(ctx context.Context, event WorkflowEvent) error {
	if strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.EventType) == "" {
		return ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return storageErr(err)
	}
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	var ohid any
	if strings.TrimSpace(event.OHID) != "" {
		ohid = event.OHID
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflow_event (id, ohid, event_type, payload, occurred_at, source_system)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ID, ohid, event.EventType, string(payload), event.OccurredAt, event.SourceSystem)
	return storageErr(err)
}

func (r *PostgresRepository) ListWorkflowEvents(ctx context.Context, ohid string, limit int) ([]WorkflowEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if err := r.ensureReady(); err != nil {
		return nil, storageErr(err)
	}
	query := `
		SELECT id, COALESCE(ohid, ''), event_type, payload, occurred_at, source_system
		FROM workflow_event`
	args := []any{}
	if ohid != "" {
		query += " WHERE ohid = $1"
		args = append(args, ohid)
	}
	query += fmt.Sprintf(" ORDER BY occurred_at DESC LIMIT %d", limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	events := make([]WorkflowEvent, 0, limit)
	for rows.Next() {
		var event WorkflowEvent
		var payload string
		if err := rows.Scan(&event.ID, &event.OHID, &event.EventType, &payload,
			&event.OccurredAt, &event.SourceSystem); err != nil {
			return nil, storageErr(err)
		}
		if err := json.Unmarshal([]byte(payload), &event.Payload); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	// Rows arrive newest-first; the audit feed is ordered by occurrence.
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func (r *PostgresRepository) GetSyncLink(ctx context.Context, ohid, remoteSystem string) (SyncLink, error) {
	if err := r.ensureReady(); err != nil {
		return SyncLink{}, storageErr(err)
	}
	var link SyncLink
	err := r.db.QueryRowContext(ctx, `
		SELECT ohid, remote_system, remote_id, last_synced_at, remote_digest
		FROM sync_link WHERE ohid = $1 AND remote_system = $2`, ohid, remoteSystem).
		Scan(&link.OHID, &link.RemoteSystem, &link.RemoteID, &link.LastSyncedAt, &link.RemoteDigest)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncLink{}, ErrNotFound
	}
	if err != nil {
		return SyncLink{}, storageErr(err)
	}
	return link, nil
}

func (r *PostgresRepository) UpsertSyncLink(ctx context.Context, link SyncLink) error {
	if strings.TrimSpace(link.OHID) == "" || strings.TrimSpace(link.RemoteSystem) == "" {
		return ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return storageErr(err)
	}
	if link.LastSyncedAt.IsZero() {
		link.LastSyncedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_link (ohid, remote_system, remote_id, last_synced_at, remote_digest)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (ohid, remote_system)
		DO UPDATE SET remote_id = EXCLUDED.remote_id,
			last_synced_at = EXCLUDED.last_synced_at,
			remote_digest = EXCLUDED.remote_digest`,
		link.OHID, link.RemoteSystem, link.RemoteID, link.LastSyncedAt, link.RemoteDigest)
	return storageErr(err)
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
