package leadsync

import (
	"fmt"
	"strings"
)

// NewRepository builds a Repository from a storage DSN. Supported schemes:
//
//	memory://              in-process, for development and tests
//	postgres://, postgresql://  lib/pq
//
// An empty DSN selects the in-memory repository.
func NewRepository(dsn string) (Repository, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		return NewMemoryRepository(), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresRepository(dsn)
	default:
		return nil, fmt.Errorf("%w: unsupported storage dsn scheme in %q", ErrInvalidInput, redactDSN(dsn))
	}
}

// NewSyncQueueFromDSN builds the sync queue matching the storage DSN, so a
// durable repository gets a durable queue.
func NewSyncQueueFromDSN(dsn string, capacity int) (SyncQueue, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "memory://"):
		return NewInMemorySyncQueue(capacity), nil
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresSyncQueue(dsn, capacity)
	default:
		return nil, fmt.Errorf("%w: unsupported queue dsn scheme in %q", ErrInvalidInput, redactDSN(dsn))
	}
}

// redactDSN strips credentials before a DSN appears in an error message.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
