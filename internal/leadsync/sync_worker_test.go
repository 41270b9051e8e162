package leadsync

import (
	"context"
	"testing"
	"time"
)

func TestSyncWorkerPoolDrainsQueue(t *testing.T) {
	crm := newFakeCRM()
	repo := NewMemoryRepository()
	reconciler := newTestReconciler(t, crm, repo)
	createLocalIdentity(t, repo, CanonicalIdentity{OHID: "id-1", Email: "ana@example.com"})

	queue := NewInMemorySyncQueue(8)
	results := make(chan SyncResult, 1)
	pool, err := NewSyncWorkerPool(SyncWorkerPoolOptions{
		Queue:      queue,
		Reconciler: reconciler,
		Workers:    1,
		OnResult: func(result SyncResult, err error) {
			if err != nil {
				t.Errorf("reconcile: %v", err)
				return
			}
			results <- result
		},
	})
	if err != nil {
		t.Fatalf("NewSyncWorkerPool: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	if !queue.TryEnqueue(SyncJob{OHID: "id-1", Direction: DirectionOutbound}) {
		t.Fatal("enqueue failed")
	}

	select {
	case result := <-results:
		if !result.CreatedRemote {
			t.Fatalf("result = %+v", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not process the job")
	}

	link, err := repo.GetSyncLink(context.Background(), "id-1", SourceCRM)
	if err != nil || link.RemoteID == "" {
		t.Fatalf("link = %+v err=%v", link, err)
	}
}

func TestSyncWorkerPoolStops(t *testing.T) {
	crm := newFakeCRM()
	repo := NewMemoryRepository()
	reconciler := newTestReconciler(t, crm, repo)

	queue := NewInMemorySyncQueue(8)
	pool, err := NewSyncWorkerPool(SyncWorkerPoolOptions{Queue: queue, Reconciler: reconciler})
	if err != nil {
		t.Fatalf("NewSyncWorkerPool: %v", err)
	}
	pool.Start(context.Background())

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
