package leadsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeCRM emulates the remote CRM's lead endpoints in memory.
type fakeCRM struct {
	mu      sync.Mutex
	records map[string]map[string]any
	nextID  int
	writes  int
}

func newFakeCRM() *fakeCRM {
	return &fakeCRM{records: map[string]map[string]any{}}
}

func (f *fakeCRM) seed(fields map[string]any) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("crm-%d", f.nextID)
	fields["id"] = id
	if _, ok := fields["Modified_Time"]; !ok {
		fields["Modified_Time"] = time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	}
	f.records[id] = fields
	return id
}

func (f *fakeCRM) get(id string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	record := map[string]any{}
	for k, v := range f.records[id] {
		record[k] = v
	}
	return record
}

func (f *fakeCRM) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

func (f *fakeCRM) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		switch {
		case r.URL.Path == "/Leads/search" && r.Method == http.MethodGet:
			criteria := r.URL.Query().Get("criteria")
			criteria = strings.Trim(criteria, "()")
			parts := strings.SplitN(criteria, ":equals:", 2)
			if len(parts) != 2 {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			for _, record := range f.records {
				if value, _ := record[parts[0]].(string); value == parts[1] {
					_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{record}})
					return
				}
			}
			w.WriteHeader(http.StatusNoContent)

		case r.URL.Path == "/Leads" && r.Method == http.MethodPost:
			var payload struct {
				Data []map[string]any `json:"data"`
			}
			_ = json.NewDecoder(r.Body).Decode(&payload)
			f.writes++
			f.nextID++
			id := fmt.Sprintf("crm-%d", f.nextID)
			fields := payload.Data[0]
			fields["id"] = id
			fields["Modified_Time"] = time.Now().UTC().Format(time.RFC3339)
			f.records[id] = fields
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []any{map[string]any{"status": "success", "details": map[string]any{"id": id}}},
			})

		case strings.HasPrefix(r.URL.Path, "/Leads/") && r.Method == http.MethodGet:
			id := strings.TrimPrefix(r.URL.Path, "/Leads/")
			record, ok := f.records[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": []any{record}})

		case strings.HasPrefix(r.URL.Path, "/Leads/") && r.Method == http.MethodPut:
			id := strings.TrimPrefix(r.URL.Path, "/Leads/")
			record, ok := f.records[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			var payload struct {
				Data []map[string]any `json:"data"`
			}
			_ = json.NewDecoder(r.Body).Decode(&payload)
			f.writes++
			for k, v := range payload.Data[0] {
				record[k] = v
			}
			record["Modified_Time"] = time.Now().UTC().Format(time.RFC3339)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"data": []any{map[string]any{"status": "success", "details": map[string]any{"id": id}}},
			})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestReconciler(t *testing.T, crm *fakeCRM, repo Repository) *Reconciler {
	t.Helper()
	server := httptest.NewServer(crm.handler())
	t.Cleanup(server.Close)

	client := NewCRMClient(CRMClientOptions{
		BaseURL:     server.URL,
		TokenSource: NewTokenManager(TokenManagerOptions{StaticAccessToken: "test-token"}),
	})
	reconciler, err := NewReconciler(ReconcilerOptions{
		Repository: repo,
		Client:     client,
		SourceTag:  "leadsync",
	})
	if err != nil {
		t.Fatalf("NewReconciler: %v", err)
	}
	return reconciler
}

func createLocalIdentity(t *testing.T, repo Repository, identity CanonicalIdentity) CanonicalIdentity {
	t.Helper()
	created, ok, err := repo.CreateIdentity(context.Background(), identity)
	if err != nil || !ok {
		t.Fatalf("CreateIdentity: ok=%v err=%v", ok, err)
	}
	return created
}

func TestReconcileOutboundCreatesOnceThenIdempotent(t *testing.T) {
	crm := newFakeCRM()
	repo := NewMemoryRepository()
	reconciler := newTestReconciler(t, crm, repo)
	ctx := context.Background()

	identity := createLocalIdentity(t, repo, CanonicalIdentity{
		OHID: "id-1", FirstName: "Ana", LastName: "Moreau", Email: "ana@example.com",
	})

	result, err := reconciler.Reconcile(ctx, identity.OHID, DirectionOutbound)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if !result.CreatedRemote || result.RemoteWrites != 1 {
		t.Fatalf("first run: %+v", result)
	}
	record := crm.get(result.RemoteID)
	if record["Email"] != "ana@example.com" || record["Lead_Source"] != "leadsync" {
		t.Fatalf("remote record = %+v", record)
	}
	link, err := repo.GetSyncLink(ctx, identity.OHID, SourceCRM)
	if err != nil || link.RemoteID != result.RemoteID {
		t.Fatalf("sync link = %+v err=%v", link, err)
	}

	again, err := reconciler.Reconcile(ctx, identity.OHID, DirectionOutbound)
	if err != nil {
		t.Fatalf("Reconcile again: %v", err)
	}
	if again.CreatedRemote || again.RemoteWrites != 0 {
		t.Fatalf("unchanged re-run must not write remotely: %+v", again)
	}
	if crm.writeCount() != 1 {
		t.Fatalf("remote writes = %d, want 1", crm.writeCount())
	}
}

func TestReconcileLinksToExistingRemoteByEmail(t *testing.T) {
	crm := newFakeCRM()
	remoteID := crm.seed(map[string]any{
		"First_Name": "Ana", "Last_Name": "Moreau", "Email": "ana@example.com", "Lead_Source": "leadsync",
	})
	repo := NewMemoryRepository()
	reconciler := newTestReconciler(t, crm, repo)
	ctx := context.Background()

	identity := createLocalIdentity(t, repo, CanonicalIdentity{
		OHID: "id-1", FirstName: "Ana", LastName: "Moreau", Email: "ana@example.com",
	})

	result, err := reconciler.Reconcile(ctx, identity.OHID, DirectionOutbound)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.CreatedRemote {
		t.Fatal("matching remote lead must be adopted, not duplicated")
	}
	if result.RemoteID != remoteID {
		t.Fatalf("linked to %s, want %s", result.RemoteID, remoteID)
	}
}

func TestReconcileBidirectionalRemoteWinsWhenLocalUnchanged(t *testing.T) {
	crm := newFakeCRM()
	repo := NewMemoryRepository()
	reconciler := newTestReconciler(t, crm, repo)
	ctx := context.Background()

	identity := createLocalIdentity(t, repo, CanonicalIdentity{
		OHID: "id-1", FirstName: "Ana", LastName: "Moreau", Email: "ana@example.com",
	})
	first, err := reconciler.Reconcile(ctx, identity.OHID, DirectionOutbound)
	if err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	crm.mu.Lock()
	crm.records[first.RemoteID]["Last_Name"] = "Moreau-Chen"
	crm.records[first.RemoteID]["Modified_Time"] = time.Now().UTC().Format(time.RFC3339)
	crm.mu.Unlock()
	writesBefore := crm.writeCount()

	result, err := reconciler.Reconcile(ctx, identity.OHID, DirectionBidirectional)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.RemoteWrites != 0 {
		t.Fatalf("remote-authored change must not write back: %+v", result)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0] != "lastName" {
		t.Fatalf("conflicts = %v", result.Conflicts)
	}
	updated, err := repo.GetIdentity(ctx, identity.OHID)
	if err != nil || updated.LastName != "Moreau-Chen" {
		t.Fatalf("local not updated: %+v err=%v", updated, err)
	}
	if crm.writeCount() != writesBefore {
		t.Fatal("no remote write expected")
	}

	events, err := repo.ListWorkflowEvents(ctx, identity.OHID, 20)
	if err != nil {
		t.Fatalf("ListWorkflowEvents: %v", err)
	}
	foundConflict := false
	for _, event := range events {
		if event.EventType == EventConflictResolved {
			foundConflict = true
			if event.Payload["winner"] != "remote" || event.Payload["field"] != "lastName" {
				t.Fatalf("conflict payload = %+v", event.Payload)
			}
		}
	}
	if !foundConflict {
		t.Fatal("expected ConflictResolved event")
	}
}

func TestReconcileBidirectionalRemoteWinsWhenBothChangedAndRemoteNewer(t *testing.T) {
	crm := newFakeCRM()
	repo := NewMemoryRepository()
	reconciler := newTestReconciler(t, crm, repo)
	ctx := context.Background()

	identity := createLocalIdentity(t, repo, CanonicalIdentity{
		OHID: "id-1", FirstName: "Ana", LastName: "Moreau", Email: "ana@example.com",
	})
	first, err := reconciler.Reconcile(ctx, identity.OHID, DirectionOutbound)
	if err != nil {
		t.Fatalf("initial sync: %v", err)
	}
	linkBefore, err := repo.GetSyncLink(ctx, identity.OHID, SourceCRM)
	if err != nil {
		t.Fatalf("GetSyncLink: %v", err)
	}

	// Both sides edit the same field; the remote edit carries the later
	// timestamp, so it must win.
	time.Sleep(10 * time.Millisecond)
	if _, err := repo.ApplyRemoteContact(ctx, identity.OHID, ContactTuple{LastName: "Moreau-Ortiz"}); err != nil {
		t.Fatalf("apply local change: %v", err)
	}
	crm.mu.Lock()
	crm.records[first.RemoteID]["Last_Name"] = "Moreau-Chen"
	crm.records[first.RemoteID]["Modified_Time"] = time.Now().UTC().Add(time.Minute).Format(time.RFC3339)
	crm.mu.Unlock()
	writesBefore := crm.writeCount()

	result, err := reconciler.Reconcile(ctx, identity.OHID, DirectionBidirectional)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(result.Conflicts) != 1 || result.Conflicts[0] != "lastName" {
		t.Fatalf("conflicts = %v", result.Conflicts)
	}
	if result.RemoteWrites != 0 || crm.writeCount() != writesBefore {
		t.Fatalf("older local edit must not write back: %+v", result)
	}
	updated, err := repo.GetIdentity(ctx, identity.OHID)
	if err != nil || updated.LastName != "Moreau-Chen" {
		t.Fatalf("local = %+v err=%v", updated, err)
	}
	linkAfter, err := repo.GetSyncLink(ctx, identity.OHID, SourceCRM)
	if err != nil {
		t.Fatalf("GetSyncLink after: %v", err)
	}
	if linkAfter.RemoteDigest == "" || linkAfter.RemoteDigest == linkBefore.RemoteDigest {
		t.Fatal("link digest must track the merged remote record")
	}
}

func TestReconcileBidirectionalLocalWinsWhenStrictlyNewer(t *testing.T) {
	crm := newFakeCRM()
	repo := NewMemoryRepository()
	reconciler := newTestReconciler(t, crm, repo)
	ctx := context.Background()

	identity := createLocalIdentity(t, repo, CanonicalIdentity{
		OHID: "id-1", FirstName: "Ana", LastName: "Moreau", Email: "ana@example.com",
	})
	first, err := reconciler.Reconcile(ctx, identity.OHID, DirectionOutbound)
	if err != nil {
		t.Fatalf("initial sync: %v", err)
	}

	// A local correction after the last sync, with the remote untouched.
	time.Sleep(10 * time.Millisecond)
	if _, err := repo.ApplyRemoteContact(ctx, identity.OHID, ContactTuple{LastName: "Moreau-Ortiz"}); err != nil {
		t.Fatalf("apply local change: %v", err)
	}

	result, err := reconciler.Reconcile(ctx, identity.OHID, DirectionBidirectional)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.RemoteWrites != 1 {
		t.Fatalf("local change must push: %+v", result)
	}
	record := crm.get(first.RemoteID)
	if record["Last_Name"] != "Moreau-Ortiz" {
		t.Fatalf("remote record = %+v", record)
	}
}

func TestReconcileInboundWithoutRemote(t *testing.T) {
	crm := newFakeCRM()
	repo := NewMemoryRepository()
	reconciler := newTestReconciler(t, crm, repo)
	ctx := context.Background()

	identity := createLocalIdentity(t, repo, CanonicalIdentity{OHID: "id-1", Email: "ana@example.com"})
	result, err := reconciler.Reconcile(ctx, identity.OHID, DirectionInbound)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if result.Status != SyncStatusNoRemote {
		t.Fatalf("status = %s, want %s", result.Status, SyncStatusNoRemote)
	}
	if crm.writeCount() != 0 {
		t.Fatal("inbound sync never writes remotely")
	}
}
