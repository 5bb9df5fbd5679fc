package export

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cpetscm/internal/compliance"
)

type recordingSink struct {
	docs []Document
	err  error
}

func (s *recordingSink) Flush(_ context.Context, docs []Document) error {
	if s.err != nil {
		return s.err
	}
	s.docs = append(s.docs, docs...)
	return nil
}

func fill(a *Aggregator, devices int) {
	var wg sync.WaitGroup
	for i := 0; i < devices; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("bsr%02d", i)
			a.AddDetail(compliance.DetailDoc{ID: "2024-03-14-" + id + "-ACL10", DeviceID: id, CheckKey: "ACL10"})
			a.AddDaily(compliance.DailyDoc{ID: "2024-03-14-" + id, DeviceID: id, IsCompliant: i%2 == 0})
		}(i)
	}
	wg.Wait()
}

func TestAggregatorConcurrentAppend(t *testing.T) {
	a := NewAggregator()
	fill(a, 50)

	assert.Equal(t, 100, a.Len())
	assert.Len(t, a.Daily(), 50)
	assert.Len(t, a.Details(), 50)

	docs := a.Documents()
	require.Len(t, docs, 100)
	assert.Equal(t, TypeDaily, docs[0].Type)
	assert.Equal(t, TypeDetail, docs[99].Type)
}

func TestAggregatorFlush(t *testing.T) {
	a := NewAggregator()
	fill(a, 3)

	sink := &recordingSink{}
	n, err := a.Flush(context.Background(), sink)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Len(t, sink.docs, 6)

	n, err = a.Flush(context.Background(), &recordingSink{err: errors.New("index unreachable")})
	assert.EqualError(t, err, "index unreachable")
	assert.Zero(t, n)

	n, err = NewAggregator().Flush(context.Background(), sink)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestBleveSinkSearch(t *testing.T) {
	sink, err := OpenBleveSink("", true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sink.Close() })

	a := NewAggregator()
	fill(a, 4)
	_, err = a.Flush(context.Background(), sink)
	require.NoError(t, err)

	count, err := sink.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), count)

	res, err := sink.Search(context.Background(), "device_id:bsr02", 0, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.Total)

	ids := []string{}
	for _, h := range res.Hits {
		ids = append(ids, h.ID)
	}
	assert.ElementsMatch(t, []string{"tscm_daily/2024-03-14-bsr02", "tscm_detail/2024-03-14-bsr02-ACL10"}, ids)
}

func TestBleveSinkOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "tscm.bleve")

	sink, err := OpenBleveSink(path, false)
	require.NoError(t, err)
	require.NoError(t, sink.Flush(context.Background(), []Document{
		{ID: "2024-03-14-bsr01", Type: TypeDaily, Body: compliance.DailyDoc{ID: "2024-03-14-bsr01", DeviceID: "bsr01"}},
	}))
	require.NoError(t, sink.Close())

	reopened, err := OpenBleveSink(path, false)
	require.NoError(t, err)
	defer reopened.Close()

	count, err := reopened.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}
