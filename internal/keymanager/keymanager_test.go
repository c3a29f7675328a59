package keymanager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/r3e-network/swarm-memory/internal/clock"
	"github.com/r3e-network/swarm-memory/internal/domain"
	"github.com/r3e-network/swarm-memory/internal/errs"
	"github.com/r3e-network/swarm-memory/internal/logging"
)

// fakeStore is a minimal in-memory implementation of keyStore for unit
// testing the key lifecycle without a real database.
type fakeStore struct {
	mu      sync.Mutex
	salt    []byte
	keys    map[string]*domain.EncryptionKey
	entries map[string][]*domain.MemoryEntry // keyID -> entries
}

func newFakeStore() *fakeStore {
	return &fakeStore{keys: make(map[string]*domain.EncryptionKey), entries: make(map[string][]*domain.MemoryEntry)}
}

func (f *fakeStore) MasterSalt(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.salt == nil {
		f.salt = []byte("deterministic-test-salt-16b")
	}
	return f.salt, nil
}

func (f *fakeStore) CreateEncryptionKey(ctx context.Context, k *domain.EncryptionKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	cp := *k
	f.keys[k.ID] = &cp
	return nil
}

func (f *fakeStore) ActiveEncryptionKey(ctx context.Context) (*domain.EncryptionKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.Status == domain.KeyActive {
			cp := *k
			return &cp, nil
		}
	}
	return nil, errs.NotFound("active encryption key")
}

func (f *fakeStore) GetEncryptionKey(ctx context.Context, id string) (*domain.EncryptionKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok {
		return nil, errs.NotFound("encryption key")
	}
	cp := *k
	return &cp, nil
}

func (f *fakeStore) RetireEncryptionKey(ctx context.Context, id string, status domain.KeyStatus, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok {
		return errs.NotFound("encryption key")
	}
	k.Status = status
	return nil
}

func (f *fakeStore) ActivateEncryptionKey(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.keys[id]
	if !ok {
		return errs.NotFound("encryption key")
	}
	k.Status = domain.KeyActive
	return nil
}

func (f *fakeStore) CountEntriesByKey(ctx context.Context, keyID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.entries[keyID])), nil
}

func (f *fakeStore) ArchiveEncryptionKey(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, id)
	return nil
}

func (f *fakeStore) EntriesByKeyID(ctx context.Context, keyID string, limit int) ([]*domain.MemoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[keyID], nil
}

func newTestManager(t *testing.T) (*Manager, *fakeStore) {
	t.Helper()
	fs := newFakeStore()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := logging.New("keymanager-test")
	mgr, err := New(context.Background(), fs, "correct horse battery staple", clk, logger)
	require.NoError(t, err)
	return mgr, fs
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	ciphertext, iv, tag, keyID, err := mgr.Encrypt(ctx, []byte("top secret swarm state"))
	require.NoError(t, err)
	require.Equal(t, mgr.ActiveKeyID(), keyID)

	plaintext, err := mgr.Decrypt(ctx, keyID, ciphertext, iv, tag)
	require.NoError(t, err)
	require.Equal(t, "top secret swarm state", string(plaintext))
}

func TestDecryptRejectsTamperedTag(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	ciphertext, iv, tag, keyID, err := mgr.Encrypt(ctx, []byte("payload"))
	require.NoError(t, err)

	tampered := append([]byte{}, tag...)
	tampered[0] ^= 0xFF

	_, err = mgr.Decrypt(ctx, keyID, ciphertext, iv, tampered)
	require.True(t, errs.Is(err, errs.CryptoFailureKind))
}

func TestRotateActivatesNewGenerationAndRetiresOld(t *testing.T) {
	mgr, fs := newTestManager(t)
	ctx := context.Background()

	oldKeyID := mgr.ActiveKeyID()
	next, err := mgr.Rotate(ctx, domain.RotationScheduled)
	require.NoError(t, err)
	require.NotEqual(t, oldKeyID, next.ID)
	require.Equal(t, next.ID, mgr.ActiveKeyID())

	old, err := fs.GetEncryptionKey(ctx, oldKeyID)
	require.NoError(t, err)
	require.Equal(t, domain.KeyRetired, old.Status)
}

func TestRotateOnCompromiseMarksCompromised(t *testing.T) {
	mgr, fs := newTestManager(t)
	ctx := context.Background()
	oldKeyID := mgr.ActiveKeyID()

	_, err := mgr.Rotate(ctx, domain.RotationCompromise)
	require.NoError(t, err)

	old, err := fs.GetEncryptionKey(ctx, oldKeyID)
	require.NoError(t, err)
	require.Equal(t, domain.KeyCompromised, old.Status)
}

func TestDecryptStillWorksForRetiredGeneration(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	ciphertext, iv, tag, oldKeyID, err := mgr.Encrypt(ctx, []byte("pre-rotation value"))
	require.NoError(t, err)

	_, err = mgr.Rotate(ctx, domain.RotationScheduled)
	require.NoError(t, err)

	plaintext, err := mgr.Decrypt(ctx, oldKeyID, ciphertext, iv, tag)
	require.NoError(t, err)
	require.Equal(t, "pre-rotation value", string(plaintext))
}

func TestGCArchivesOnlyUnreferencedKeys(t *testing.T) {
	mgr, fs := newTestManager(t)
	ctx := context.Background()
	oldKeyID := mgr.ActiveKeyID()

	fs.entries[oldKeyID] = []*domain.MemoryEntry{{ID: "e1", KeyID: oldKeyID}}
	_, err := mgr.Rotate(ctx, domain.RotationScheduled)
	require.NoError(t, err)

	archived, err := mgr.GC(ctx, []string{oldKeyID})
	require.NoError(t, err)
	require.Equal(t, 0, archived, "still referenced, must not be archived")

	fs.entries[oldKeyID] = nil
	archived, err = mgr.GC(ctx, []string{oldKeyID})
	require.NoError(t, err)
	require.Equal(t, 1, archived)
}
