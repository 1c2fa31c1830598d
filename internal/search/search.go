// Package search keeps a catalog of the dataframes notebooks produce so users
// can find them by name, column or block title.
package search

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"notebook/api/internal/notebook"
	"notebook/api/internal/store"
)

// Record is the indexed form of one dataframe.
type Record struct {
	ID         string   `json:"id"`
	DocumentID string   `json:"documentId"`
	Name       string   `json:"name"`
	BlockID    string   `json:"blockId"`
	BlockTitle string   `json:"blockTitle"`
	Columns    []string `json:"columns"`
	Rows       int      `json:"rows"`
	UpdatedAt  int64    `json:"updatedAt"`
}

// Query describes a catalog search. An empty DocumentID searches everything.
type Query struct {
	Text       string
	DocumentID string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Record `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// recordID is stable per (document, dataframe name) and only uses characters
// Meilisearch accepts in primary keys.
func recordID(documentID, name string) string {
	sum := sha256.Sum256([]byte(documentID + "\x00" + name))
	return hex.EncodeToString(sum[:16])
}

func newRecord(documentID, blockTitle string, df notebook.Dataframe, now time.Time) Record {
	columns := make([]string, 0, len(df.Columns))
	for _, col := range df.Columns {
		columns = append(columns, col.Name)
	}
	updatedAt := df.UpdatedAt
	if updatedAt == 0 {
		updatedAt = now.UnixMilli()
	}
	return Record{
		ID:         recordID(documentID, df.Name),
		DocumentID: documentID,
		Name:       df.Name,
		BlockID:    df.BlockID,
		BlockTitle: blockTitle,
		Columns:    columns,
		Rows:       df.Rows,
		UpdatedAt:  updatedAt,
	}
}

func (r Record) entry() store.CatalogEntry {
	return store.CatalogEntry{
		ID:         r.ID,
		DocumentID: r.DocumentID,
		Name:       r.Name,
		BlockID:    r.BlockID,
		BlockTitle: r.BlockTitle,
		Columns:    strings.Join(r.Columns, " "),
		Rows:       r.Rows,
		UpdatedAt:  time.UnixMilli(r.UpdatedAt),
	}
}

func fromEntry(e store.CatalogEntry) Record {
	return Record{
		ID:         e.ID,
		DocumentID: e.DocumentID,
		Name:       e.Name,
		BlockID:    e.BlockID,
		BlockTitle: e.BlockTitle,
		Columns:    strings.Fields(e.Columns),
		Rows:       e.Rows,
		UpdatedAt:  e.UpdatedAt.UnixMilli(),
	}
}
