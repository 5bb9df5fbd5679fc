// internal/export/aggregator.go
package export

import (
	"context"
	"sync"

	"cpetscm/internal/compliance"
)

const (
	TypeDaily  = "tscm_daily"
	TypeDetail = "tscm_detail"
)

// Document is one record handed to an index sink.
type Document struct {
	ID   string
	Type string
	Body interface{}
}

// Sink receives the documents of a run in bulk.
type Sink interface {
	Flush(ctx context.Context, docs []Document) error
}

// Aggregator collects the documents of one run. Checks running on separate
// goroutines append to it concurrently; it is read after they have joined.
type Aggregator struct {
	mu      sync.Mutex
	daily   []compliance.DailyDoc
	details []compliance.DetailDoc
}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

func (a *Aggregator) AddDaily(doc compliance.DailyDoc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.daily = append(a.daily, doc)
}

func (a *Aggregator) AddDetail(doc compliance.DetailDoc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.details = append(a.details, doc)
}

func (a *Aggregator) Daily() []compliance.DailyDoc {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]compliance.DailyDoc(nil), a.daily...)
}

func (a *Aggregator) Details() []compliance.DetailDoc {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]compliance.DetailDoc(nil), a.details...)
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.daily) + len(a.details)
}

// Documents returns daily documents first, then details, each in the order
// they were added.
func (a *Aggregator) Documents() []Document {
	a.mu.Lock()
	defer a.mu.Unlock()

	docs := make([]Document, 0, len(a.daily)+len(a.details))
	for _, d := range a.daily {
		docs = append(docs, Document{ID: d.ID, Type: TypeDaily, Body: d})
	}
	for _, d := range a.details {
		docs = append(docs, Document{ID: d.ID, Type: TypeDetail, Body: d})
	}
	return docs
}

// Flush hands every collected document to sink and returns how many were
// sent. The sink error is returned unchanged; deciding whether it matters
// is up to the caller.
func (a *Aggregator) Flush(ctx context.Context, sink Sink) (int, error) {
	docs := a.Documents()
	if sink == nil || len(docs) == 0 {
		return 0, nil
	}
	if err := sink.Flush(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}

// NopSink drops everything. Used when indexing is disabled.
type NopSink struct{}

func (NopSink) Flush(context.Context, []Document) error { return nil }
