package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/swarm-memory/internal/domain"
	"github.com/r3e-network/swarm-memory/internal/store"
)

type fakeAuditStore struct {
	records []*domain.AuditRecord
}

func (f *fakeAuditStore) CreateAuditRecord(ctx context.Context, r *domain.AuditRecord) error {
	f.records = append([]*domain.AuditRecord{r}, f.records...) // most recent first
	return nil
}

func (f *fakeAuditStore) QueryAuditRecords(ctx context.Context, q store.AuditQuery) ([]*domain.AuditRecord, error) {
	var out []*domain.AuditRecord
	for _, r := range f.records {
		if q.ResourceID != "" && r.ResourceID != q.ResourceID {
			continue
		}
		if q.ActorID != "" && r.ActorID != q.ActorID {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func TestRecordAppends(t *testing.T) {
	fs := &fakeAuditStore{}
	log := New(fs)
	require.NoError(t, log.Record(context.Background(), &domain.AuditRecord{ResourceID: "e1", Decision: "allow"}))
	require.Len(t, fs.records, 1)
}

func TestCursorPaginatesAllMatchingRecords(t *testing.T) {
	fs := &fakeAuditStore{}
	for i := 0; i < 7; i++ {
		fs.records = append(fs.records, &domain.AuditRecord{ResourceID: "e1", Decision: "allow"})
	}
	log := New(fs)
	cur := log.Query(Filter{ResourceID: "e1"}, 3)

	var total int
	for {
		page, ok, err := cur.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		total += len(page)
	}
	require.Equal(t, 7, total)
}

func TestCursorEmptyResultReturnsNotOK(t *testing.T) {
	fs := &fakeAuditStore{}
	log := New(fs)
	cur := log.Query(Filter{ResourceID: "missing"}, 10)
	_, ok, err := cur.Next(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}
