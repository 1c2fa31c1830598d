package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// CatalogStore keeps the durable copy of the dataframe catalog and answers
// searches when no external index is available.
type CatalogStore struct {
	db *DB
}

func NewCatalogStore(db *DB) *CatalogStore {
	return &CatalogStore{db: db}
}

func (s *CatalogStore) Upsert(ctx context.Context, e CatalogEntry) error {
	_, err := s.db.exec(ctx, `
		INSERT INTO dataframe_catalog (id, document_id, name, block_id, block_title, columns, row_count, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			block_id = excluded.block_id,
			block_title = excluded.block_title,
			columns = excluded.columns,
			row_count = excluded.row_count,
			updated_at_ms = excluded.updated_at_ms
	`, e.ID, e.DocumentID, e.Name, e.BlockID, e.BlockTitle, e.Columns, e.Rows, millis(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert catalog entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *CatalogStore) DeleteDocument(ctx context.Context, documentID string) error {
	if _, err := s.db.exec(ctx, `DELETE FROM dataframe_catalog WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("delete catalog entries of %s: %w", documentID, err)
	}
	return nil
}

// Search matches text against name, block title and columns. Postgres uses
// full-text search ranked by ts_rank; sqlite falls back to a substring match
// ordered by recency. An empty documentID searches every document.
func (s *CatalogStore) Search(ctx context.Context, text, documentID string, limit, offset int) ([]CatalogEntry, int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, 0, nil
	}
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	const doc = `name || ' ' || block_title || ' ' || columns`
	var where, order string
	args := []any{text}
	if s.db.Dialect == DialectPostgres {
		where = fmt.Sprintf("to_tsvector('simple', %s) @@ plainto_tsquery('simple', $1)", doc)
		order = fmt.Sprintf("ts_rank(to_tsvector('simple', %s), plainto_tsquery('simple', $1)) DESC", doc)
	} else {
		args[0] = "%" + strings.ToLower(text) + "%"
		where = fmt.Sprintf("lower(%s) LIKE $1", doc)
		order = "updated_at_ms DESC"
	}
	if documentID != "" {
		where += " AND document_id = $2"
		args = append(args, documentID)
	}

	var total int
	if err := s.db.queryRow(ctx, "SELECT count(*) FROM dataframe_catalog WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count catalog matches: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, document_id, name, block_id, block_title, columns, row_count, updated_at_ms
		FROM dataframe_catalog
		WHERE %s
		ORDER BY %s, id
		LIMIT %d OFFSET %d`, where, order, limit, offset)
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search catalog: %w", err)
	}
	defer rows.Close()

	entries, err := scanCatalog(rows)
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// List returns the entries of one document, or of every document when
// documentID is empty.
func (s *CatalogStore) List(ctx context.Context, documentID string) ([]CatalogEntry, error) {
	query := `
		SELECT id, document_id, name, block_id, block_title, columns, row_count, updated_at_ms
		FROM dataframe_catalog`
	var args []any
	if documentID != "" {
		query += " WHERE document_id = $1"
		args = append(args, documentID)
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query+" ORDER BY id"), args...)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	defer rows.Close()
	return scanCatalog(rows)
}

func scanCatalog(rows *sql.Rows) ([]CatalogEntry, error) {
	var entries []CatalogEntry
	for rows.Next() {
		var (
			e         CatalogEntry
			rowCount  int64
			updatedAt int64
		)
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Name, &e.BlockID, &e.BlockTitle, &e.Columns, &rowCount, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan catalog entry: %w", err)
		}
		e.Rows = int(rowCount)
		e.UpdatedAt = fromMillis(updatedAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog: %w", err)
	}
	return entries, nil
}
