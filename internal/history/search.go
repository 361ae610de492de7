package history

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve"
)

type searchDoc struct {
	Name   string `json:"name"`
	Suburb string `json:"suburb"`
	Status string `json:"status"`
}

// Search matches the query against name, suburb and status of the indexed
// runs and returns hits in relevance order. The index is small, so a fresh
// in-memory bleve index is built per call.
func (a *Archive) Search(q string) ([]Entry, error) {
	entries := a.List()
	q = strings.TrimSpace(q)
	if q == "" {
		return entries, nil
	}
	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	defer index.Close()

	byID := make(map[string]Entry, len(entries))
	batch := index.NewBatch()
	for _, e := range entries {
		byID[e.SessionID] = e
		if err := batch.Index(e.SessionID, searchDoc{Name: e.Name, Suburb: e.Suburb, Status: string(e.Status)}); err != nil {
			return nil, fmt.Errorf("index %s: %w", e.SessionID, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("index batch: %w", err)
	}

	query := bleve.NewMatchQuery(q)
	req := bleve.NewSearchRequestOptions(query, len(entries), 0, false)
	res, err := index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	out := make([]Entry, 0, len(res.Hits))
	for _, hit := range res.Hits {
		if e, ok := byID[hit.ID]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}
