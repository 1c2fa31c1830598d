package store

import (
	"context"
	"testing"
	"time"
)

func TestCatalogStoreSearch(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalogStore(openTestDB(t))
	now := time.Now()

	entries := []CatalogEntry{
		{ID: "doc-1:orders", DocumentID: "doc-1", Name: "orders", BlockID: "b1", Columns: "order_id amount", Rows: 10, UpdatedAt: now},
		{ID: "doc-1:customers", DocumentID: "doc-1", Name: "customers", BlockID: "b2", Columns: "customer_id region", UpdatedAt: now},
		{ID: "doc-2:orders_2024", DocumentID: "doc-2", Name: "orders_2024", BlockID: "b9", BlockTitle: "Yearly", UpdatedAt: now.Add(time.Second)},
	}
	for _, e := range entries {
		if err := catalog.Upsert(ctx, e); err != nil {
			t.Fatalf("upsert %s: %v", e.ID, err)
		}
	}
	// re-running a block replaces its entry
	entries[0].Rows = 12
	if err := catalog.Upsert(ctx, entries[0]); err != nil {
		t.Fatalf("upsert again: %v", err)
	}

	found, total, err := catalog.Search(ctx, "ORDERS", "", 10, 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if total != 2 || len(found) != 2 {
		t.Fatalf("search orders = %d results (total %d), want 2", len(found), total)
	}
	if found[0].ID != "doc-2:orders_2024" {
		t.Fatalf("first result = %s, want most recent", found[0].ID)
	}

	found, total, err = catalog.Search(ctx, "region", "doc-1", 10, 0)
	if err != nil {
		t.Fatalf("search by column: %v", err)
	}
	if total != 1 || found[0].Name != "customers" {
		t.Fatalf("search region = %+v", found)
	}

	found, _, err = catalog.Search(ctx, "orders", "doc-1", 10, 0)
	if err != nil {
		t.Fatalf("search in document: %v", err)
	}
	if len(found) != 1 || found[0].Rows != 12 {
		t.Fatalf("search orders in doc-1 = %+v", found)
	}

	if err := catalog.DeleteDocument(ctx, "doc-1"); err != nil {
		t.Fatalf("delete document: %v", err)
	}
	all, err := catalog.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 || all[0].DocumentID != "doc-2" {
		t.Fatalf("remaining entries = %+v", all)
	}
}
