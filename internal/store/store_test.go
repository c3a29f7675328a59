package store

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/swarm-memory/internal/clock"
	"github.com/r3e-network/swarm-memory/internal/domain"
	"github.com/r3e-network/swarm-memory/internal/errs"
)

func newTestStore(t *testing.T) (*Store, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, err := Open(context.Background(), ":memory:", fake)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, fake
}

func TestStorePutRejectsOversizedKeyNamespace(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	entry := &domain.MemoryEntry{
		Key:       bytes.Repeat([]byte("k"), maxKeyNamespaceBytes+1),
		Namespace: "default",
		ValueBlob: []byte("v"),
	}
	err := s.Put(ctx, entry)
	require.True(t, errs.Is(err, errs.InvalidInputKind))
}

func TestStorePutGetRoundTrip(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// key_id is a foreign key into encryption_keys, so the referenced
	// generation has to exist before the entry is written.
	require.NoError(t, s.CreateEncryptionKey(ctx, &domain.EncryptionKey{
		ID: "key-1", Generation: 1, WrappedKey: []byte("wrapped"), Algorithm: "aes-256-gcm", Status: domain.KeyActive,
	}))

	entry := &domain.MemoryEntry{
		Key:         []byte("agent-1/state"),
		Namespace:   "default",
		ValueBlob:   []byte("ciphertext"),
		Kind:        domain.KindState,
		ACLLevel:    domain.ACLPrivate,
		Compression: domain.CompressionNone,
		Encryption:  domain.EncryptionAEAD,
		IV:          []byte("iv-bytes"),
		Tag:         []byte("tag-bytes"),
		KeyID:       "key-1",
	}
	require.NoError(t, s.Put(ctx, entry))

	got, err := s.Get(ctx, domain.LogicalKey{Key: "agent-1/state", Namespace: "default"})
	require.NoError(t, err)
	require.Equal(t, entry.ValueBlob, got.ValueBlob)
	require.Equal(t, entry.KeyID, got.KeyID)
	require.Equal(t, int64(1), got.Version)
}

func TestStoreGetMissingIsNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), domain.LogicalKey{Key: "nope", Namespace: "default"})
	require.True(t, errs.Is(err, errs.NotFoundKind))
}

func TestStorePutUpdateBumpsVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	key := domain.LogicalKey{Key: "k", Namespace: "ns"}

	require.NoError(t, s.Put(ctx, &domain.MemoryEntry{Key: []byte(key.Key), Namespace: key.Namespace, ValueBlob: []byte("v1")}))
	require.NoError(t, s.Put(ctx, &domain.MemoryEntry{Key: []byte(key.Key), Namespace: key.Namespace, ValueBlob: []byte("v2")}))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got.ValueBlob)
	require.Equal(t, int64(2), got.Version)
}

func TestStoreSweepExpired(t *testing.T) {
	s, fake := newTestStore(t)
	ctx := context.Background()

	past := fake.Now().Add(-time.Hour)
	require.NoError(t, s.Put(ctx, &domain.MemoryEntry{
		Key: []byte("expired"), Namespace: "ns", ValueBlob: []byte("v"), ExpiresAt: &past,
	}))
	future := fake.Now().Add(time.Hour)
	require.NoError(t, s.Put(ctx, &domain.MemoryEntry{
		Key: []byte("alive"), Namespace: "ns", ValueBlob: []byte("v"), ExpiresAt: &future,
	}))

	n, err := s.SweepExpired(ctx, fake.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = s.Get(ctx, domain.LogicalKey{Key: "expired", Namespace: "ns"})
	require.True(t, errs.Is(err, errs.NotFoundKind))

	_, err = s.Get(ctx, domain.LogicalKey{Key: "alive", Namespace: "ns"})
	require.NoError(t, err)
}

func TestStoreDeleteSwarmCascades(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, &domain.MemoryEntry{
		Key: []byte("a"), Namespace: "ns", SwarmID: "swarm-1", ValueBlob: []byte("v"),
	}))
	require.NoError(t, s.CreateAgent(ctx, &domain.Agent{Name: "worker", SwarmID: "swarm-1"}))

	require.NoError(t, s.DeleteSwarm(ctx, "swarm-1"))

	_, err := s.Get(ctx, domain.LogicalKey{Key: "a", Namespace: "ns", SwarmID: "swarm-1"})
	require.True(t, errs.Is(err, errs.NotFoundKind))
}

func TestStoreSnapshotRestore(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, &domain.MemoryEntry{Key: []byte("k"), Namespace: "ns", ValueBlob: []byte("v")}))

	var buf bytes.Buffer
	require.NoError(t, s.Snapshot(ctx, &buf))
	require.Greater(t, buf.Len(), 0)
}
