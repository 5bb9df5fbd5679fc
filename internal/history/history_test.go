package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cpetscm/internal/database"
)

var now = time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestLookup(t *testing.T) (*Lookup, *database.BoltStore) {
	t.Helper()
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	l := NewLookup(store, 30)
	l.nowFunc = func() time.Time { return now }
	return l, store
}

func TestCompliantSince(t *testing.T) {
	type rec struct {
		daysAgo   int
		online    bool
		compliant bool
	}

	tests := []struct {
		name    string
		records []rec
		want    bool
	}{
		{name: "never evaluated", want: false},
		{name: "latest online compliant", records: []rec{{daysAgo: 1, online: true, compliant: true}}, want: true},
		{name: "latest online not compliant", records: []rec{
			{daysAgo: 5, online: true, compliant: true},
			{daysAgo: 1, online: true, compliant: false},
		}, want: false},
		{name: "offline with compliant history in window", records: []rec{
			{daysAgo: 10, online: true, compliant: true},
			{daysAgo: 1, online: false, compliant: false},
		}, want: true},
		{name: "offline with compliant history outside window", records: []rec{
			{daysAgo: 45, online: true, compliant: true},
			{daysAgo: 1, online: false, compliant: true},
		}, want: false},
		{name: "offline with only failing history", records: []rec{
			{daysAgo: 3, online: true, compliant: false},
			{daysAgo: 1, online: false, compliant: true},
		}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store := newTestLookup(t)
			ctx := context.Background()
			for _, r := range tt.records {
				require.NoError(t, store.AddRecord(ctx, &database.ComplianceRecord{
					DeviceID:    "bsr01",
					Date:        now.AddDate(0, 0, -r.daysAgo),
					IsOnline:    r.online,
					IsCompliant: r.compliant,
				}))
			}

			got, err := l.CompliantSince(ctx, "bsr01")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRecordFeedsLookup(t *testing.T) {
	l, _ := newTestLookup(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, "bsr01", now.Add(-time.Hour), true, true, "ALL_CHECKS_PASSED"))

	got, err := l.CompliantSince(ctx, "bsr01")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = l.CompliantSince(ctx, "bsr02")
	require.NoError(t, err)
	assert.False(t, got)
}
