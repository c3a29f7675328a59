package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/swarm-memory/internal/clock"
	"github.com/r3e-network/swarm-memory/internal/domain"
	"github.com/r3e-network/swarm-memory/internal/errs"
	"github.com/r3e-network/swarm-memory/internal/logging"
)

// fakeBackend is an in-memory L3 stand-in. loads counts calls to Get so
// tests can assert the singleflight/L1 promotion actually avoided repeat
// loads.
type fakeBackend struct {
	mu     sync.Mutex
	data   map[string]*domain.MemoryEntry
	loads  int
	delays chan struct{} // when non-nil, Get blocks until this is closed
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{data: map[string]*domain.MemoryEntry{}}
}

func (f *fakeBackend) Put(ctx context.Context, entry *domain.MemoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[logicalKeyString(domain.LogicalKey{Key: string(entry.Key), Namespace: entry.Namespace, SwarmID: entry.SwarmID, ProjectID: entry.ProjectID})] = entry
	return nil
}

func (f *fakeBackend) Get(ctx context.Context, key domain.LogicalKey) (*domain.MemoryEntry, error) {
	if f.delays != nil {
		<-f.delays
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	entry, ok := f.data[logicalKeyString(key)]
	if !ok {
		return nil, errs.NotFound("memory entry")
	}
	return entry, nil
}

func (f *fakeBackend) Delete(ctx context.Context, key domain.LogicalKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, logicalKeyString(key))
	return nil
}

func newTestCache(t *testing.T) (*Cache, *fakeBackend, *clock.Fake) {
	t.Helper()
	fb := newFakeBackend()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	c, err := New(fb, fake, logging.New("cache-test"), 128)
	require.NoError(t, err)
	return c, fb, fake
}

func TestGetMissesAllTiersReturnsNotFound(t *testing.T) {
	c, _, _ := newTestCache(t)
	_, err := c.Get(context.Background(), domain.LogicalKey{Key: "k1", Namespace: "ns"})
	require.True(t, errs.Is(err, errs.NotFoundKind))
}

func TestPutThenGetHitsL1WithoutReloadingBackend(t *testing.T) {
	c, fb, _ := newTestCache(t)
	key := domain.LogicalKey{Key: "k1", Namespace: "ns"}
	entry := &domain.MemoryEntry{ID: "e1", Key: []byte("k1"), Namespace: "ns", Kind: domain.KindState}
	require.NoError(t, c.Put(context.Background(), entry))

	got, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "e1", got.ID)

	// Put already populated L1, so Get should not have needed a backend load.
	require.Equal(t, 0, fb.loads)
}

func TestGetLoadsFromBackendAndPromotesToL1(t *testing.T) {
	c, fb, _ := newTestCache(t)
	key := domain.LogicalKey{Key: "k2", Namespace: "ns"}
	entry := &domain.MemoryEntry{ID: "e2", Key: []byte("k2"), Namespace: "ns", Kind: domain.KindState}
	require.NoError(t, fb.Put(context.Background(), entry))

	got, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, "e2", got.ID)
	require.Equal(t, 1, fb.loads)

	// Second call hits L1, no additional backend load.
	_, err = c.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 1, fb.loads)
}

func TestArtifactKindIsNotPromotedToL1(t *testing.T) {
	c, fb, _ := newTestCache(t)
	key := domain.LogicalKey{Key: "k3", Namespace: "ns"}
	entry := &domain.MemoryEntry{ID: "e3", Key: []byte("k3"), Namespace: "ns", Kind: domain.KindArtifact}
	require.NoError(t, fb.Put(context.Background(), entry))

	_, err := c.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 1, fb.loads)

	// Artifacts write around L1, so the second Get reloads from the backend.
	_, err = c.Get(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, 2, fb.loads)
}

func TestExpiredEntryTreatedAsNotFound(t *testing.T) {
	c, _, fake := newTestCache(t)
	past := fake.Now().Add(-time.Minute)
	key := domain.LogicalKey{Key: "k4", Namespace: "ns"}
	entry := &domain.MemoryEntry{ID: "e4", Key: []byte("k4"), Namespace: "ns", Kind: domain.KindState, ExpiresAt: &past}
	require.NoError(t, c.Put(context.Background(), entry))

	_, err := c.Get(context.Background(), key)
	require.True(t, errs.Is(err, errs.NotFoundKind))
}

func TestDeleteRemovesFromL1AndBackend(t *testing.T) {
	c, fb, _ := newTestCache(t)
	key := domain.LogicalKey{Key: "k5", Namespace: "ns"}
	entry := &domain.MemoryEntry{ID: "e5", Key: []byte("k5"), Namespace: "ns", Kind: domain.KindState}
	require.NoError(t, c.Put(context.Background(), entry))

	require.NoError(t, c.Delete(context.Background(), key))
	_, err := fb.Get(context.Background(), key)
	require.True(t, errs.Is(err, errs.NotFoundKind))

	_, err = c.Get(context.Background(), key)
	require.True(t, errs.Is(err, errs.NotFoundKind))
}

func TestConcurrentGetsCollapseIntoOneBackendLoad(t *testing.T) {
	c, fb, _ := newTestCache(t)
	key := domain.LogicalKey{Key: "k6", Namespace: "ns"}
	entry := &domain.MemoryEntry{ID: "e6", Key: []byte("k6"), Namespace: "ns", Kind: domain.KindState}
	require.NoError(t, fb.Put(context.Background(), entry))
	fb.delays = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]*domain.MemoryEntry, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := c.Get(context.Background(), key)
			require.NoError(t, err)
			results[i] = got
		}(i)
	}
	// Let all goroutines reach the singleflight call before unblocking the load.
	time.Sleep(20 * time.Millisecond)
	close(fb.delays)
	wg.Wait()

	for _, got := range results {
		require.Equal(t, "e6", got.ID)
	}
	require.Equal(t, 1, fb.loads)
}
