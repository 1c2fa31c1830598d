package search

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"notebook/api/internal/notebook"
	"notebook/api/internal/store"
)

// External is a search engine kept in sync with the SQL catalog. Meili is the
// production implementation.
type External interface {
	Healthy() bool
	Search(q Query) ([]Record, int, error)
	Index(records []Record) error
	Delete(ids []string) error
}

// Catalog writes every dataframe to the SQL catalog and mirrors it to the
// external engine when one is configured and healthy. Searches prefer the
// external engine and fall back to SQL.
type Catalog struct {
	entries  *store.CatalogStore
	external External
	titles   func(documentID, blockID string) string
	logger   *slog.Logger
	now      func() time.Time
}

// CatalogOptions.BlockTitle resolves the title of the block that produced a
// dataframe; it may be nil.
type CatalogOptions struct {
	BlockTitle func(documentID, blockID string) string
	Logger     *slog.Logger
}

// NewCatalog creates the catalog. external may be nil.
func NewCatalog(entries *store.CatalogStore, external External, opts CatalogOptions) *Catalog {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Catalog{
		entries:  entries,
		external: external,
		titles:   opts.BlockTitle,
		logger:   opts.Logger.With("component", "catalog"),
		now:      time.Now,
	}
}

func (c *Catalog) externalReady() bool {
	return c.external != nil && c.external.Healthy()
}

// IndexDataframe stores the dataframe and pushes it to the external engine in
// the background.
func (c *Catalog) IndexDataframe(ctx context.Context, documentID string, df notebook.Dataframe) error {
	title := ""
	if c.titles != nil {
		title = c.titles(documentID, df.BlockID)
	}
	record := newRecord(documentID, title, df, c.now())
	if err := c.entries.Upsert(ctx, record.entry()); err != nil {
		return fmt.Errorf("index dataframe %s: %w", df.Name, err)
	}
	if !c.externalReady() {
		return nil
	}
	go func() {
		if err := c.external.Index([]Record{record}); err != nil {
			c.logger.Warn("external index failed", "documentId", documentID, "dataframe", df.Name, "error", err)
		}
	}()
	return nil
}

// Search tries the external engine if healthy, otherwise falls back to SQL.
func (c *Catalog) Search(ctx context.Context, q Query) Response {
	if c.externalReady() {
		records, total, err := c.external.Search(q)
		if err == nil {
			return Response{Results: nonNil(records), Total: total, Query: q.Text}
		}
		c.logger.Warn("external search failed, falling back to sql", "error", err)
	}

	entries, total, err := c.entries.Search(ctx, q.Text, q.DocumentID, q.Limit, q.Offset)
	if err != nil {
		c.logger.Error("sql catalog search failed", "error", err)
		return Response{Results: []Record{}, Query: q.Text}
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, fromEntry(e))
	}
	return Response{Results: records, Total: total, Query: q.Text}
}

// DeleteDocument forgets every dataframe of a document.
func (c *Catalog) DeleteDocument(ctx context.Context, documentID string) error {
	entries, err := c.entries.List(ctx, documentID)
	if err != nil {
		return err
	}
	if err := c.entries.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	if !c.externalReady() || len(entries) == 0 {
		return nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	if err := c.external.Delete(ids); err != nil {
		c.logger.Warn("external delete failed", "documentId", documentID, "error", err)
	}
	return nil
}

// Reindex pushes the whole SQL catalog to the external engine. It runs at
// startup so an empty or rebuilt Meilisearch catches up.
func (c *Catalog) Reindex(ctx context.Context) error {
	if !c.externalReady() {
		return nil
	}
	entries, err := c.entries.List(ctx, "")
	if err != nil {
		return err
	}
	records := make([]Record, 0, len(entries))
	for _, e := range entries {
		records = append(records, fromEntry(e))
	}
	if err := c.external.Index(records); err != nil {
		return fmt.Errorf("reindex catalog: %w", err)
	}
	c.logger.Info("catalog reindexed", "records", len(records))
	return nil
}

func nonNil(r []Record) []Record {
	if r == nil {
		return []Record{}
	}
	return r
}
