// Package keymanager implements the encryption key lifecycle from spec.md
// section 4.4: data-encryption key generation, envelope-wrapping under a
// master key derived via argon2id, scheduled/manual/compromise rotation,
// lazy re-encryption, and reference-counted archival.
package keymanager

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/r3e-network/swarm-memory/internal/clock"
	"github.com/r3e-network/swarm-memory/internal/domain"
	"github.com/r3e-network/swarm-memory/internal/errs"
	"github.com/r3e-network/swarm-memory/internal/logging"
)

// keyStore is the subset of *store.Store the key manager depends on,
// narrowed to an interface so tests can fake it without an SQLite handle.
type keyStore interface {
	MasterSalt(ctx context.Context) ([]byte, error)
	CreateEncryptionKey(ctx context.Context, k *domain.EncryptionKey) error
	ActiveEncryptionKey(ctx context.Context) (*domain.EncryptionKey, error)
	GetEncryptionKey(ctx context.Context, id string) (*domain.EncryptionKey, error)
	RetireEncryptionKey(ctx context.Context, id string, status domain.KeyStatus, at time.Time) error
	ActivateEncryptionKey(ctx context.Context, id string, at time.Time) error
	CountEntriesByKey(ctx context.Context, keyID string) (int64, error)
	ArchiveEncryptionKey(ctx context.Context, id string) error
	EntriesByKeyID(ctx context.Context, keyID string, limit int) ([]*domain.MemoryEntry, error)
}

// argon2id tuning. Matches the OWASP-recommended minimum working set for an
// interactive KDF: 1 pass, 64 MiB, 4 lanes.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	dataKeyLen   = 32 // AES-256
	gcmTagLen    = 16
)

// Manager owns the master key (held only in process memory) and the active
// data-encryption key generation.
type Manager struct {
	store  keyStore
	clock  clock.Clock
	logger *logging.Logger

	masterKey []byte

	mu         sync.RWMutex
	active     *domain.EncryptionKey
	activeRaw  []byte // unwrapped AES-256 key for the active generation
	unwrapped  map[string][]byte // keyID -> unwrapped raw key, for decrypting entries under retired generations
}

// New derives the master key from passphrase and the store's persisted salt,
// then loads (or creates, on first run) the active data-encryption key.
func New(ctx context.Context, st keyStore, passphrase string, clk clock.Clock, logger *logging.Logger) (*Manager, error) {
	salt, err := st.MasterSalt(ctx)
	if err != nil {
		return nil, err
	}
	masterKey := argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)

	m := &Manager{
		store:     st,
		clock:     clk,
		logger:    logger,
		masterKey: masterKey,
		unwrapped: make(map[string][]byte),
	}

	active, err := st.ActiveEncryptionKey(ctx)
	if errs.Is(err, errs.NotFoundKind) {
		active, err = m.generateGeneration(ctx, 1)
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	raw, err := m.unwrap(active)
	if err != nil {
		return nil, err
	}
	m.active = active
	m.activeRaw = raw
	m.unwrapped[active.ID] = raw
	return m, nil
}

func (m *Manager) wrap(raw []byte) ([]byte, error) {
	block, err := aes.NewCipher(m.masterKey)
	if err != nil {
		return nil, errs.CryptoFailure("build master key cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.CryptoFailure("build master key gcm", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.CryptoFailure("generate wrap nonce", err)
	}
	sealed := gcm.Seal(nil, nonce, raw, nil)
	return append(nonce, sealed...), nil
}

func (m *Manager) unwrap(k *domain.EncryptionKey) ([]byte, error) {
	block, err := aes.NewCipher(m.masterKey)
	if err != nil {
		return nil, errs.CryptoFailure("build master key cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.CryptoFailure("build master key gcm", err)
	}
	if len(k.WrappedKey) < gcm.NonceSize() {
		return nil, errs.Corruption("wrapped key too short", nil)
	}
	nonce := k.WrappedKey[:gcm.NonceSize()]
	body := k.WrappedKey[gcm.NonceSize():]
	raw, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, errs.CryptoFailure("unwrap data key: master key mismatch or corrupted key material", err)
	}
	return raw, nil
}

func (m *Manager) generateGeneration(ctx context.Context, generation int64) (*domain.EncryptionKey, error) {
	raw := make([]byte, dataKeyLen)
	if _, err := rand.Read(raw); err != nil {
		return nil, errs.CryptoFailure("generate data key", err)
	}
	wrapped, err := m.wrap(raw)
	if err != nil {
		return nil, err
	}
	now := m.clock.Now().UTC()
	k := &domain.EncryptionKey{
		Generation:  generation,
		WrappedKey:  wrapped,
		Algorithm:   "aes-256-gcm",
		Status:      domain.KeyActive,
		ActivatedAt: &now,
	}
	if err := m.store.CreateEncryptionKey(ctx, k); err != nil {
		return nil, err
	}
	return k, nil
}

// ActiveKeyID returns the id of the currently active data-encryption key.
func (m *Manager) ActiveKeyID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.ID
}

// Encrypt seals plaintext under the active key, returning the ciphertext,
// nonce (IV) and authentication tag separately so the store can persist them
// in their own columns, plus the key id used.
func (m *Manager) Encrypt(ctx context.Context, plaintext []byte) (ciphertext, iv, tag []byte, keyID string, err error) {
	m.mu.RLock()
	raw := m.activeRaw
	keyID = m.active.ID
	m.mu.RUnlock()

	block, cipherErr := aes.NewCipher(raw)
	if cipherErr != nil {
		return nil, nil, nil, "", errs.CryptoFailure("build data key cipher", cipherErr)
	}
	gcm, gcmErr := cipher.NewGCM(block)
	if gcmErr != nil {
		return nil, nil, nil, "", errs.CryptoFailure("build data key gcm", gcmErr)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, readErr := rand.Read(nonce); readErr != nil {
		return nil, nil, nil, "", errs.CryptoFailure("generate entry nonce", readErr)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, []byte(keyID))
	split := len(sealed) - gcmTagLen
	m.logger.LogCryptoOperation(ctx, "encrypt", nil)
	return sealed[:split], nonce, sealed[split:], keyID, nil
}

// Decrypt reverses Encrypt, unwrapping keyID's generation on demand if it is
// not the active one (lazily loading retired generations so old entries
// stay readable until re-encrypted).
func (m *Manager) Decrypt(ctx context.Context, keyID string, ciphertext, iv, tag []byte) ([]byte, error) {
	raw, err := m.rawKeyFor(ctx, keyID)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, errs.CryptoFailure("build data key cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.CryptoFailure("build data key gcm", err)
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, []byte(keyID))
	if err != nil {
		m.logger.LogCryptoOperation(ctx, "decrypt", err)
		return nil, errs.CryptoFailure("decrypt entry: tag verification failed", err)
	}
	m.logger.LogCryptoOperation(ctx, "decrypt", nil)
	return plaintext, nil
}

func (m *Manager) rawKeyFor(ctx context.Context, keyID string) ([]byte, error) {
	m.mu.RLock()
	if raw, ok := m.unwrapped[keyID]; ok {
		m.mu.RUnlock()
		return raw, nil
	}
	m.mu.RUnlock()

	k, err := m.store.GetEncryptionKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	raw, err := m.unwrap(k)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.unwrapped[keyID] = raw
	m.mu.Unlock()
	return raw, nil
}

// NeedsReencryption reports whether entry was sealed under a generation
// other than the current active one.
func (m *Manager) NeedsReencryption(entry *domain.MemoryEntry) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return entry.KeyID != m.active.ID
}

// Rotate generates a new key generation, activates it and retires the
// previous one, recording cause for audit purposes. Existing entries are not
// touched here; spec.md section 4.4's lazy re-encryption sweep migrates them
// on next write or via ReencryptGeneration.
func (m *Manager) Rotate(ctx context.Context, cause domain.RotationCause) (*domain.EncryptionKey, error) {
	m.mu.Lock()
	prev := m.active
	nextGeneration := prev.Generation + 1
	m.mu.Unlock()

	next, err := m.generateGeneration(ctx, nextGeneration)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	retireStatus := domain.KeyRetired
	if cause == domain.RotationCompromise {
		retireStatus = domain.KeyCompromised
	}
	if err := m.store.RetireEncryptionKey(ctx, prev.ID, retireStatus, now); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active = next
	raw, unwrapErr := m.unwrap(next)
	if unwrapErr == nil {
		m.activeRaw = raw
		m.unwrapped[next.ID] = raw
	}
	m.mu.Unlock()
	if unwrapErr != nil {
		return nil, unwrapErr
	}

	m.logger.WithContext(ctx).WithField("cause", string(cause)).
		WithField("generation", next.Generation).Info("encryption key rotated")
	return next, nil
}

// ReencryptGeneration re-seals up to limit entries still under fromKeyID
// with the active key, returning how many were migrated. reencryptOne is
// supplied by the caller (the facade) because only it can decrypt, compress/
// decompress and re-persist a MemoryEntry's value without this package
// depending on the store's full write path.
func (m *Manager) ReencryptGeneration(ctx context.Context, fromKeyID string, limit int, reencryptOne func(context.Context, *domain.MemoryEntry) error) (int, error) {
	entries, err := m.store.EntriesByKeyID(ctx, fromKeyID, limit)
	if err != nil {
		return 0, err
	}
	migrated := 0
	for _, entry := range entries {
		if err := reencryptOne(ctx, entry); err != nil {
			return migrated, err
		}
		migrated++
	}
	return migrated, nil
}

// GC archives (deletes wrapped material for) retired/compromised key
// generations that no entry references anymore.
func (m *Manager) GC(ctx context.Context, retiredKeyIDs []string) (int, error) {
	archived := 0
	for _, id := range retiredKeyIDs {
		count, err := m.store.CountEntriesByKey(ctx, id)
		if err != nil {
			return archived, err
		}
		if count > 0 {
			continue
		}
		if err := m.store.ArchiveEncryptionKey(ctx, id); err != nil {
			return archived, err
		}
		m.mu.Lock()
		delete(m.unwrapped, id)
		m.mu.Unlock()
		archived++
	}
	return archived, nil
}
