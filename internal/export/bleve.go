// internal/export/bleve.go
package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/blevesearch/bleve/v2"
	"github.com/sirupsen/logrus"
)

// BleveSink indexes run documents into a local bleve index so results can
// be searched after the run.
type BleveSink struct {
	index bleve.Index
}

// OpenBleveSink opens the index at path, creating it when missing. An
// in-memory index ignores path.
func OpenBleveSink(path string, inMemory bool) (*BleveSink, error) {
	mapping := bleve.NewIndexMapping()

	if inMemory {
		index, err := bleve.NewMemOnly(mapping)
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory index: %w", err)
		}
		return &BleveSink{index: index}, nil
	}

	index, err := bleve.Open(path)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
		logrus.WithField("path", path).Info("Creating search index")
		index, err = bleve.New(path, mapping)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open index %s: %w", path, err)
	}
	return &BleveSink{index: index}, nil
}

// indexKey keeps daily and detail documents with the same id apart.
func indexKey(doc Document) string {
	return doc.Type + "/" + doc.ID
}

func flatten(doc Document) (map[string]interface{}, error) {
	data, err := json.Marshal(doc.Body)
	if err != nil {
		return nil, err
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	fields["doc_type"] = doc.Type
	return fields, nil
}

func (s *BleveSink) Flush(ctx context.Context, docs []Document) error {
	batch := s.index.NewBatch()
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		fields, err := flatten(doc)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", doc.ID, err)
		}
		if err := batch.Index(indexKey(doc), fields); err != nil {
			return fmt.Errorf("failed to batch %s: %w", doc.ID, err)
		}
	}
	if err := s.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	return nil
}

// Hit is one search match.
type Hit struct {
	ID     string                 `json:"id"`
	Score  float64                `json:"score"`
	Fields map[string]interface{} `json:"fields"`
}

type SearchResult struct {
	Total uint64 `json:"total"`
	Hits  []Hit  `json:"hits"`
}

// Search runs a bleve query string such as "device_id:bsr01 -is_compliant:true".
func (s *BleveSink) Search(ctx context.Context, query string, from, size int) (*SearchResult, error) {
	q := bleve.NewQueryStringQuery(query)
	req := bleve.NewSearchRequestOptions(q, size, from, false)
	req.Fields = []string{"*"}

	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}

	out := &SearchResult{Total: res.Total}
	for _, hit := range res.Hits {
		out.Hits = append(out.Hits, Hit{
			ID:     hit.ID,
			Score:  hit.Score,
			Fields: hit.Fields,
		})
	}
	return out, nil
}

func (s *BleveSink) DocCount() (uint64, error) {
	return s.index.DocCount()
}

func (s *BleveSink) Close() error {
	return s.index.Close()
}
