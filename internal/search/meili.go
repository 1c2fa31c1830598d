package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxDataframes = "notebook_dataframes"

// Meili implements External via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	logger  *slog.Logger
}

// NewMeili creates a Meilisearch client and configures the index. An
// unreachable server is not an error: the client reports unhealthy and the
// health loop reconfigures it once it comes back.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		logger: logger.With("component", "meili"),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxDataframes,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxDataframes, "error", err)
	}

	index := m.client.Index(idxDataframes)
	filterable := []interface{}{"documentId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxDataframes, "error", err)
	}
	searchable := []string{"name", "columns", "blockTitle"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxDataframes, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(q Query) ([]Record, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 20
	}
	sr := &meili.SearchRequest{
		IndexUID: idxDataframes,
		Query:    q.Text,
		Limit:    limit,
		Offset:   int64(q.Offset),
	}
	if q.DocumentID != "" {
		sr.Filter = []string{fmt.Sprintf("documentId = %q", q.DocumentID)}
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{sr},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	var records []Record
	total := 0
	for _, result := range resp.Results {
		total += int(result.EstimatedTotalHits)
		for _, hit := range result.Hits {
			records = append(records, hitToRecord(hit))
		}
	}
	return records, total, nil
}

// hitToRecord decodes the fields it can and leaves the rest zero.
func hitToRecord(hit meili.Hit) Record {
	var r Record
	decode := func(key string, dest any) {
		if raw, ok := hit[key]; ok {
			_ = json.Unmarshal(raw, dest)
		}
	}
	decode("id", &r.ID)
	decode("documentId", &r.DocumentID)
	decode("name", &r.Name)
	decode("blockId", &r.BlockID)
	decode("blockTitle", &r.BlockTitle)
	decode("columns", &r.Columns)
	decode("rows", &r.Rows)
	decode("updatedAt", &r.UpdatedAt)
	return r
}

// Index adds or replaces records.
func (m *Meili) Index(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxDataframes).AddDocuments(records, nil)
	return err
}

func (m *Meili) Delete(ids []string) error {
	for _, id := range ids {
		if _, err := m.client.Index(idxDataframes).DeleteDocument(id, nil); err != nil {
			return err
		}
	}
	return nil
}
