package search

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"notebook/api/internal/notebook"
	"notebook/api/internal/store"
)

type fakeExternal struct {
	mu        sync.Mutex
	healthy   bool
	searchErr error
	indexed   []Record
	deleted   []string
}

func (f *fakeExternal) Healthy() bool { return f.healthy }

func (f *fakeExternal) Search(q Query) ([]Record, int, error) {
	if f.searchErr != nil {
		return nil, 0, f.searchErr
	}
	return []Record{{ID: "from-external", Name: q.Text}}, 1, nil
}

func (f *fakeExternal) Index(records []Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, records...)
	return nil
}

func (f *fakeExternal) Delete(ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids...)
	return nil
}

func (f *fakeExternal) indexedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.indexed)
}

func newCatalog(t *testing.T, external External) *Catalog {
	t.Helper()
	ctx := context.Background()
	db, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := store.ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewCatalog(store.NewCatalogStore(db), external, CatalogOptions{
		BlockTitle: func(_, blockID string) string { return "Block " + blockID },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func ordersFrame() notebook.Dataframe {
	return notebook.Dataframe{
		Name:    "orders",
		BlockID: "b1",
		Columns: []notebook.Column{{Name: "order_id", Type: "int"}, {Name: "amount", Type: "float"}},
		Rows:    42,
	}
}

func TestCatalogFallsBackToSQL(t *testing.T) {
	ctx := context.Background()
	catalog := newCatalog(t, nil)
	if err := catalog.IndexDataframe(ctx, "doc-1", ordersFrame()); err != nil {
		t.Fatalf("IndexDataframe() error = %v", err)
	}

	resp := catalog.Search(ctx, Query{Text: "amount"})
	if resp.Total != 1 || len(resp.Results) != 1 {
		t.Fatalf("search amount = %+v", resp)
	}
	got := resp.Results[0]
	if got.Name != "orders" || got.BlockTitle != "Block b1" || got.Rows != 42 {
		t.Fatalf("result = %+v", got)
	}
	if len(got.Columns) != 2 || got.Columns[1] != "amount" {
		t.Fatalf("columns = %v", got.Columns)
	}

	if resp := catalog.Search(ctx, Query{Text: "amount", DocumentID: "doc-2"}); len(resp.Results) != 0 {
		t.Fatalf("search in other document = %+v", resp)
	}
}

func TestCatalogPrefersHealthyExternal(t *testing.T) {
	ctx := context.Background()
	external := &fakeExternal{healthy: true}
	catalog := newCatalog(t, external)
	if err := catalog.IndexDataframe(ctx, "doc-1", ordersFrame()); err != nil {
		t.Fatalf("IndexDataframe() error = %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for external.indexedCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("record never reached the external index")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if resp := catalog.Search(ctx, Query{Text: "orders"}); resp.Results[0].ID != "from-external" {
		t.Fatalf("expected external result, got %+v", resp)
	}

	external.searchErr = errors.New("connection refused")
	if resp := catalog.Search(ctx, Query{Text: "orders"}); len(resp.Results) != 1 || resp.Results[0].Name != "orders" {
		t.Fatalf("expected sql fallback, got %+v", resp)
	}
}

func TestCatalogReindexAndDelete(t *testing.T) {
	ctx := context.Background()
	external := &fakeExternal{}
	catalog := newCatalog(t, external)
	if err := catalog.IndexDataframe(ctx, "doc-1", ordersFrame()); err != nil {
		t.Fatalf("IndexDataframe() error = %v", err)
	}
	if external.indexedCount() != 0 {
		t.Fatal("unhealthy external must not receive records")
	}

	external.healthy = true
	if err := catalog.Reindex(ctx); err != nil {
		t.Fatalf("Reindex() error = %v", err)
	}
	if external.indexedCount() != 1 {
		t.Fatalf("reindexed %d records, want 1", external.indexedCount())
	}

	if err := catalog.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if len(external.deleted) != 1 || external.deleted[0] != recordID("doc-1", "orders") {
		t.Fatalf("deleted = %v", external.deleted)
	}
	entries, err := catalog.entries.List(ctx, "doc-1")
	if err != nil || len(entries) != 0 {
		t.Fatalf("entries after delete = %v, %v", entries, err)
	}
}

func TestRecordIDIsStableAndSafe(t *testing.T) {
	a := recordID("doc/1", "orders")
	if a != recordID("doc/1", "orders") {
		t.Fatal("record id not stable")
	}
	if a == recordID("doc/1", "orders2") {
		t.Fatal("record ids collide")
	}
	for _, r := range a {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			t.Fatalf("record id %q has unsafe rune %q", a, r)
		}
	}
}

func TestHitToRecord(t *testing.T) {
	hit := meili.Hit{
		"id":      []byte(`"abc"`),
		"name":    []byte(`"orders"`),
		"columns": []byte(`["a","b"]`),
		"rows":    []byte(`7`),
	}
	r := hitToRecord(hit)
	if r.ID != "abc" || r.Name != "orders" || len(r.Columns) != 2 || r.Rows != 7 {
		t.Fatalf("hitToRecord = %+v", r)
	}
}
