package leadsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const (
	syncQueueTableName    = "sync_job"
	syncQueueKey          = "default"
	syncQueuePollInterval = 10 * time.Millisecond
)

// SyncJob is one pending reconciliation request. Attempt counts deliveries
// so transient failures can be requeued a bounded number of times.
type SyncJob struct {
	OHID       string    `json:"ohid"`
	Direction  Direction `json:"direction"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// SyncQueue buffers reconcile jobs between webhook ingestion and the sync
// workers.
type SyncQueue interface {
	TryEnqueue(job SyncJob) bool
	Enqueue(ctx context.Context, job SyncJob) bool
	Dequeue(ctx context.Context) (SyncJob, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemorySyncQueue struct {
	ch chan SyncJob
}

func NewInMemorySyncQueue(capacity int) SyncQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemorySyncQueue{ch: make(chan SyncJob, capacity)}
}

func (q *inMemorySyncQueue) TryEnqueue(job SyncJob) bool {
	if q == nil || job.OHID == "" {
		return false
	}
	select {
	case q.ch <- job:
		return true
	default:
		return false
	}
}

func (q *inMemorySyncQueue) Enqueue(ctx context.Context, job SyncJob) bool {
	if q == nil || job.OHID == "" {
		return false
	}
	select {
	case q.ch <- job:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemorySyncQueue) Dequeue(ctx context.Context) (SyncJob, bool) {
	if q == nil {
		return SyncJob{}, false
	}
	select {
	case job := <-q.ch:
		return job, true
	case <-ctx.Done():
		return SyncJob{}, false
	}
}

func (q *inMemorySyncQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemorySyncQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemorySyncQueue) Close() error {
	return nil
}

// PostgresSyncQueue is a durable SyncQueue sharing the repository's
// database. Dequeue uses FOR UPDATE SKIP LOCKED so multiple workers can
// drain concurrently without double-delivery; enqueue takes an advisory
// lock to enforce capacity.
type PostgresSyncQueue struct {
	dsn          string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSyncQueue(dsn string, capacity int) (*PostgresSyncQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresSyncQueue{
		dsn:          dsn,
		capacity:     capacity,
		pollInterval: syncQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresSyncQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTable := `
			CREATE TABLE IF NOT EXISTS sync_job (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`
		if _, err := db.ExecContext(ctx, createTable); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		createIndex := "CREATE INDEX IF NOT EXISTS sync_job_queue_key_id_idx ON sync_job (queue_key, id)"
		if _, err := db.ExecContext(ctx, createIndex); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *PostgresSyncQueue) TryEnqueue(job SyncJob) bool {
	if q == nil || job.OHID == "" {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", syncQueueLockKey()); err != nil {
		return false
	}
	var depth int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_job WHERE queue_key = $1", syncQueueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sync_job (queue_key, payload, created_at) VALUES ($1, $2, NOW())",
		syncQueueKey, string(payload)); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *PostgresSyncQueue) Enqueue(ctx context.Context, job SyncJob) bool {
	if q == nil || job.OHID == "" {
		return false
	}
	for {
		if q.TryEnqueue(job) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresSyncQueue) Dequeue(ctx context.Context) (SyncJob, bool) {
	if q == nil {
		return SyncJob{}, false
	}
	for {
		job, ok := q.tryDequeue(ctx)
		if ok {
			return job, true
		}
		select {
		case <-ctx.Done():
			return SyncJob{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *PostgresSyncQueue) tryDequeue(ctx context.Context) (SyncJob, bool) {
	if err := q.ensureReady(); err != nil {
		return SyncJob{}, false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return SyncJob{}, false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, `
		SELECT id, payload FROM sync_job
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, syncQueueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncJob{}, false
	}
	if err != nil {
		return SyncJob{}, false
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM sync_job WHERE id = $1", id); err != nil {
		return SyncJob{}, false
	}
	if err := tx.Commit(); err != nil {
		return SyncJob{}, false
	}
	committed = true

	var job SyncJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil || job.OHID == "" {
		return SyncJob{}, false
	}
	return job, true
}

func (q *PostgresSyncQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var depth int
	if err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_job WHERE queue_key = $1", syncQueueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresSyncQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresSyncQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

func syncQueueLockKey() int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(syncQueueTableName))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(syncQueueKey))
	return int64(hasher.Sum64())
}
