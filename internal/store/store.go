// Package store is the SQLite-backed persistent layer (spec.md section
// 4.1): the system of record beneath the cache's L3 tier. It owns the
// schema, the discriminated encoding of a stored value (compression +
// checksum, selected here; encryption itself is the key manager's job), and
// cascade/backup operations.
package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/r3e-network/swarm-memory/internal/clock"
	"github.com/r3e-network/swarm-memory/internal/domain"
	"github.com/r3e-network/swarm-memory/internal/errs"
	"github.com/r3e-network/swarm-memory/internal/store/migrations"
)

// Store is the persistent store. All exported methods are safe for
// concurrent use; the pool is capped at one connection (see Open), which
// serializes every statement.
type Store struct {
	db    *sqlx.DB
	clock clock.Clock
	path  string
}

// Open opens (creating if absent) a SQLite database at path, enables WAL and
// foreign keys, and applies every embedded migration.
func Open(ctx context.Context, path string, clk clock.Clock) (*Store, error) {
	raw, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errs.Internal("open sqlite database", err)
	}

	if _, err := raw.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		raw.Close()
		return nil, errs.Internal("enable WAL mode", err)
	}
	if _, err := raw.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		raw.Close()
		return nil, errs.Internal("enable foreign keys", err)
	}
	// A single connection avoids SQLITE_BUSY under WAL when several
	// goroutines write at once. Reads share that same connection, so reads
	// and writes are serialized; there is no separate reader pool.
	raw.SetMaxOpenConns(1)

	if err := migrations.Apply(ctx, raw); err != nil {
		raw.Close()
		return nil, errs.Internal("apply migrations", err)
	}

	return &Store{db: sqlx.NewDb(raw, "sqlite"), clock: clk, path: path}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// entryRow mirrors the memory_entries columns for sqlx scanning.
type entryRow struct {
	ID             string         `db:"id"`
	EntryKey       string         `db:"entry_key"`
	Namespace      string         `db:"namespace"`
	ValueBlob      []byte         `db:"value_blob"`
	Kind           string         `db:"kind"`
	AgentID        string         `db:"agent_id"`
	TeamID         string         `db:"team_id"`
	ProjectID      string         `db:"project_id"`
	SwarmID        string         `db:"swarm_id"`
	ACLLevel       int            `db:"acl_level"`
	Compression    string         `db:"compression"`
	Encryption     string         `db:"encryption"`
	IV             []byte         `db:"iv"`
	Tag            []byte         `db:"tag"`
	KeyID          string         `db:"key_id"`
	Version        int64          `db:"version"`
	ParentEntryID  string         `db:"parent_entry_id"`
	TTLSeconds     int64          `db:"ttl_seconds"`
	ExpiresAt      sql.NullTime   `db:"expires_at"`
	AccessCount    int64          `db:"access_count"`
	LastAccessedAt sql.NullTime   `db:"last_accessed_at"`
	SizeBytes      int64          `db:"size_bytes"`
	Checksum       []byte         `db:"checksum"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

func (r *entryRow) toDomain() *domain.MemoryEntry {
	e := &domain.MemoryEntry{
		ID:             r.ID,
		Key:            []byte(r.EntryKey),
		Namespace:      r.Namespace,
		ValueBlob:      r.ValueBlob,
		Kind:           domain.EntryKind(r.Kind),
		AgentID:        r.AgentID,
		TeamID:         r.TeamID,
		ProjectID:      r.ProjectID,
		SwarmID:        r.SwarmID,
		ACLLevel:       domain.ACLLevel(r.ACLLevel),
		Compression:    domain.Compression(r.Compression),
		Encryption:     domain.EncryptionMode(r.Encryption),
		IV:             r.IV,
		Tag:            r.Tag,
		KeyID:          r.KeyID,
		Version:        r.Version,
		ParentEntryID:  r.ParentEntryID,
		TTLSeconds:     r.TTLSeconds,
		AccessCount:    r.AccessCount,
		SizeBytes:      r.SizeBytes,
		Checksum:       r.Checksum,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		e.ExpiresAt = &t
	}
	if r.LastAccessedAt.Valid {
		t := r.LastAccessedAt.Time
		e.LastAccessedAt = &t
	}
	return e
}

// maxKeyNamespaceBytes is spec.md section 4.1's "key/namespace length (≤
// 4096 bytes combined)" put validation bound.
const maxKeyNamespaceBytes = 4096

// Put inserts or replaces a memory entry identified by its logical key
// (key, namespace, swarm_id, project_id). Callers must have already
// compressed and encrypted the value; Put persists whatever ValueBlob/IV/
// Tag/Checksum are set on entry.
func (s *Store) Put(ctx context.Context, entry *domain.MemoryEntry) error {
	if len(entry.Key)+len(entry.Namespace) > maxKeyNamespaceBytes {
		return errs.InvalidInput("key/namespace length exceeds 4096 bytes combined").
			WithDetail("key_bytes", len(entry.Key)).
			WithDetail("namespace_bytes", len(entry.Namespace))
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Version < 1 {
		entry.Version = 1
	}
	now := s.clock.Now().UTC()
	entry.UpdatedAt = now
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	var expiresAt any
	if entry.ExpiresAt != nil {
		expiresAt = *entry.ExpiresAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entries (
			id, entry_key, namespace, value_blob, kind, agent_id, team_id,
			project_id, swarm_id, acl_level, compression, encryption, iv, tag,
			key_id, version, parent_entry_id, ttl_seconds, expires_at,
			access_count, size_bytes, checksum, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(entry_key, namespace, swarm_id, project_id) DO UPDATE SET
			value_blob = excluded.value_blob,
			kind = excluded.kind,
			agent_id = excluded.agent_id,
			team_id = excluded.team_id,
			acl_level = excluded.acl_level,
			compression = excluded.compression,
			encryption = excluded.encryption,
			iv = excluded.iv,
			tag = excluded.tag,
			key_id = excluded.key_id,
			version = memory_entries.version + 1,
			parent_entry_id = excluded.parent_entry_id,
			ttl_seconds = excluded.ttl_seconds,
			expires_at = excluded.expires_at,
			size_bytes = excluded.size_bytes,
			checksum = excluded.checksum,
			updated_at = excluded.updated_at
	`,
		entry.ID, string(entry.Key), entry.Namespace, entry.ValueBlob, string(entry.Kind),
		entry.AgentID, entry.TeamID, entry.ProjectID, entry.SwarmID,
		int(entry.ACLLevel), string(entry.Compression), string(entry.Encryption),
		entry.IV, entry.Tag, entry.KeyID, entry.Version, entry.ParentEntryID,
		entry.TTLSeconds, expiresAt, entry.AccessCount, entry.SizeBytes,
		entry.Checksum, entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		return errs.Internal("put memory entry", err)
	}
	return nil
}

// Get looks up an entry by its logical key. It does not interpret
// expires_at; callers (the cache's L3 loader) apply spec.md section 3.2's
// "now > expires_at is absent" rule via MemoryEntry.Expired.
func (s *Store) Get(ctx context.Context, key domain.LogicalKey) (*domain.MemoryEntry, error) {
	var row entryRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, entry_key, namespace, value_blob, kind, agent_id, team_id,
		       project_id, swarm_id, acl_level, compression, encryption, iv,
		       tag, key_id, version, parent_entry_id, ttl_seconds, expires_at,
		       access_count, last_accessed_at, size_bytes, checksum,
		       created_at, updated_at
		FROM memory_entries
		WHERE entry_key = ? AND namespace = ? AND swarm_id = ? AND project_id = ?
	`, key.Key, key.Namespace, key.SwarmID, key.ProjectID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("memory entry").WithDetail("key", key.Key)
		}
		return nil, errs.Internal("get memory entry", err)
	}
	return row.toDomain(), nil
}

// TouchAccess bumps access_count/last_accessed_at without altering the
// value. The facade calls it after every successful Get, whichever cache
// tier served the entry.
func (s *Store) TouchAccess(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memory_entries SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id = ?
	`, s.clock.Now().UTC(), id)
	if err != nil {
		return errs.Internal("touch memory entry access", err)
	}
	return nil
}

// Delete removes an entry by logical key. Returns errs.NotFoundKind if no
// row matched.
func (s *Store) Delete(ctx context.Context, key domain.LogicalKey) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_entries
		WHERE entry_key = ? AND namespace = ? AND swarm_id = ? AND project_id = ?
	`, key.Key, key.Namespace, key.SwarmID, key.ProjectID)
	if err != nil {
		return errs.Internal("delete memory entry", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errs.NotFound("memory entry").WithDetail("key", key.Key)
	}
	return nil
}

// Keys lists logical keys under namespace, optionally scoped to a swarm or
// project (empty string = unscoped), up to limit (0 = unlimited).
func (s *Store) Keys(ctx context.Context, namespace, swarmID, projectID string, limit int) ([]domain.LogicalKey, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT entry_key, namespace, swarm_id, project_id FROM memory_entries WHERE namespace = ?`)
	args := []any{namespace}
	if swarmID != "" {
		query.WriteString(" AND swarm_id = ?")
		args = append(args, swarmID)
	}
	if projectID != "" {
		query.WriteString(" AND project_id = ?")
		args = append(args, projectID)
	}
	query.WriteString(" ORDER BY entry_key")
	if limit > 0 {
		query.WriteString(fmt.Sprintf(" LIMIT %d", limit))
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, errs.Internal("list memory entry keys", err)
	}
	defer rows.Close()

	var out []domain.LogicalKey
	for rows.Next() {
		var k domain.LogicalKey
		if err := rows.Scan(&k.Key, &k.Namespace, &k.SwarmID, &k.ProjectID); err != nil {
			return nil, errs.Internal("scan memory entry key", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SweepExpired deletes every entry whose expires_at has passed as of now,
// returning the number removed. Nothing in cmd/swarmmemd schedules it; the
// only cron job there is key rotation.
func (s *Store) SweepExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM memory_entries WHERE expires_at IS NOT NULL AND expires_at <= ?
	`, now.UTC())
	if err != nil {
		return 0, errs.Internal("sweep expired memory entries", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// DeleteProject nulls project_id on referencing entries/agents, then removes
// the project row itself. Implemented explicitly (rather than via an ON
// DELETE SET NULL action) so the cascade is its own auditable operation.
func (s *Store) DeleteProject(ctx context.Context, projectID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE memory_entries SET project_id = '' WHERE project_id = ?`, projectID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET project_id = '' WHERE project_id = ?`, projectID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, projectID)
		return err
	})
}

// DeleteTeam nulls team_id on referencing entries/agents, then removes the
// team row.
func (s *Store) DeleteTeam(ctx context.Context, teamID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE memory_entries SET team_id = '' WHERE team_id = ?`, teamID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET team_id = '' WHERE team_id = ?`, teamID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM teams WHERE id = ?`, teamID)
		return err
	})
}

// DeleteSwarm cascades entry deletion (a swarm's private/team/swarm-scoped
// memory has no meaning once the swarm is gone), then removes the swarm row.
func (s *Store) DeleteSwarm(ctx context.Context, swarmID string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM memory_entries WHERE swarm_id = ?`, swarmID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET swarm_id = '' WHERE swarm_id = ?`, swarmID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM swarms WHERE id = ?`, swarmID)
		return err
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errs.Internal("begin transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return errs.Internal("cascade delete", err)
	}
	if err := tx.Commit(); err != nil {
		return errs.Internal("commit cascade delete", err)
	}
	return nil
}

// Snapshot writes a consistent point-in-time copy of the database to w using
// SQLite's VACUUM INTO, the online-backup mechanism the reference CRD's
// BackupInterval/BackupRetention fields imply an external scheduler drives.
func (s *Store) Snapshot(ctx context.Context, w io.Writer) error {
	tmp, err := os.CreateTemp("", "swarm-memory-snapshot-*.db")
	if err != nil {
		return errs.Internal("create snapshot temp file", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", tmpPath)); err != nil {
		return errs.Internal("vacuum into snapshot", err)
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return errs.Internal("open snapshot temp file", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return errs.Internal("copy snapshot", err)
	}
	return nil
}

// Vacuum rebuilds the database file to reclaim space freed by deletes and
// expirations, mirroring the reference CRD's EnableVacuum knob.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return errs.Internal("vacuum database", err)
	}
	return nil
}

// Restore replaces the live database's contents with the snapshot read from
// r, produced by an earlier Snapshot call. The caller must ensure no other
// goroutine is using the Store concurrently.
func (s *Store) Restore(ctx context.Context, r io.Reader) error {
	tmp, err := os.CreateTemp("", "swarm-memory-restore-*.db")
	if err != nil {
		return errs.Internal("create restore temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return errs.Internal("write restore temp file", err)
	}
	tmp.Close()

	restored, err := sqlx.Open("sqlite", tmpPath)
	if err != nil {
		return errs.Internal("open restore temp database", err)
	}
	defer restored.Close()
	if err := restored.PingContext(ctx); err != nil {
		return errs.Corruption("restore snapshot is not a valid database", err)
	}

	if err := s.db.Close(); err != nil {
		return errs.Internal("close database before restore", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return errs.Internal("install restored database", err)
	}

	reopened, err := sqlx.Open("sqlite", s.path)
	if err != nil {
		return errs.Internal("reopen database after restore", err)
	}
	if _, err := reopened.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		reopened.Close()
		return errs.Internal("enable WAL mode after restore", err)
	}
	if _, err := reopened.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		reopened.Close()
		return errs.Internal("enable foreign keys after restore", err)
	}
	reopened.SetMaxOpenConns(1)
	s.db = reopened
	return nil
}

// CreateAgent inserts or replaces an agent record.
func (s *Store) CreateAgent(ctx context.Context, a *domain.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := s.clock.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, role, status, swarm_id, team_id, project_id, acl_level, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, role=excluded.role, status=excluded.status,
			swarm_id=excluded.swarm_id, team_id=excluded.team_id,
			project_id=excluded.project_id, acl_level=excluded.acl_level,
			updated_at=excluded.updated_at
	`, a.ID, a.Name, string(a.Role), string(a.Status), a.SwarmID, a.TeamID, a.ProjectID, int(a.ACLLevel), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return errs.Internal("create agent", err)
	}
	return nil
}

type agentRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Role      string    `db:"role"`
	Status    string    `db:"status"`
	SwarmID   string    `db:"swarm_id"`
	TeamID    string    `db:"team_id"`
	ProjectID string    `db:"project_id"`
	ACLLevel  int       `db:"acl_level"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// GetAgent looks up an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var row agentRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, name, role, status, swarm_id, team_id, project_id, acl_level, created_at, updated_at
		FROM agents WHERE id = ?
	`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("agent").WithDetail("agent_id", id)
		}
		return nil, errs.Internal("get agent", err)
	}
	return &domain.Agent{
		ID: row.ID, Name: row.Name, Role: domain.AgentRole(row.Role),
		Status: domain.AgentStatus(row.Status), SwarmID: row.SwarmID,
		TeamID: row.TeamID, ProjectID: row.ProjectID,
		ACLLevel: domain.ACLLevel(row.ACLLevel), CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}, nil
}

// CreatePermission inserts an explicit permission grant.
func (s *Store) CreatePermission(ctx context.Context, p *domain.Permission) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = s.clock.Now().UTC()

	actions := make([]string, 0, len(p.Actions))
	for action, allowed := range p.Actions {
		if allowed {
			actions = append(actions, string(action))
		}
	}
	daysOfWeek := make([]string, 0, len(p.DaysOfWeek))
	for _, d := range p.DaysOfWeek {
		daysOfWeek = append(daysOfWeek, d.String())
	}

	var windowStart, windowEnd any
	if p.TimeWindowStart != nil {
		windowStart = int64(*p.TimeWindowStart)
	}
	if p.TimeWindowEnd != nil {
		windowEnd = int64(*p.TimeWindowEnd)
	}
	var expiresAt any
	if p.ExpiresAt != nil {
		expiresAt = *p.ExpiresAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permissions (
			id, entity, entity_id, resource_type, resource_id, project_id, level,
			actions, time_window_start, time_window_end, days_of_week, cidr,
			granted_by, expires_at, active, created_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`,
		p.ID, string(p.Entity), p.EntityID, p.ResourceType, p.ResourceID, p.ProjectID,
		int(p.Level), jsonJoin(actions), windowStart, windowEnd, jsonJoin(daysOfWeek),
		p.CIDR, p.GrantedBy, expiresAt, p.Active, p.CreatedAt,
	)
	if err != nil {
		return errs.Internal("create permission", err)
	}
	return nil
}

// RevokePermission marks a permission grant inactive. Revocation is a soft
// delete: the row is kept for audit history.
func (s *Store) RevokePermission(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE permissions SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return errs.Internal("revoke permission", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Internal("revoke permission", err)
	}
	if n == 0 {
		return errs.NotFound("permission").WithDetail("id", id)
	}
	return nil
}

// MasterSalt returns the persisted argon2id salt, generating and storing a
// fresh random one on first use.
func (s *Store) MasterSalt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := s.db.QueryRowContext(ctx, `SELECT salt FROM master_salt WHERE id = 1`).Scan(&salt)
	if err == nil {
		return salt, nil
	}
	if err != sql.ErrNoRows {
		return nil, errs.Internal("read master salt", err)
	}

	fresh := make([]byte, 16)
	if _, err := rand.Read(fresh); err != nil {
		return nil, errs.Internal("generate master salt", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO master_salt (id, salt) VALUES (1, ?)`, fresh); err != nil {
		return nil, errs.Internal("persist master salt", err)
	}
	return fresh, nil
}

// CreateEncryptionKey persists a new key generation.
func (s *Store) CreateEncryptionKey(ctx context.Context, k *domain.EncryptionKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	k.CreatedAt = s.clock.Now().UTC()
	var activatedAt, retiredAt, compromisedAt any
	if k.ActivatedAt != nil {
		activatedAt = *k.ActivatedAt
	}
	if k.RetiredAt != nil {
		retiredAt = *k.RetiredAt
	}
	if k.CompromisedAt != nil {
		compromisedAt = *k.CompromisedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO encryption_keys (id, generation, wrapped_key, algorithm, status, created_at, activated_at, retired_at, compromised_at)
		VALUES (?,?,?,?,?,?,?,?,?)
	`, k.ID, k.Generation, k.WrappedKey, k.Algorithm, string(k.Status), k.CreatedAt, activatedAt, retiredAt, compromisedAt)
	if err != nil {
		return errs.Internal("create encryption key", err)
	}
	return nil
}

type encryptionKeyRow struct {
	ID            string       `db:"id"`
	Generation    int64        `db:"generation"`
	WrappedKey    []byte       `db:"wrapped_key"`
	Algorithm     string       `db:"algorithm"`
	Status        string       `db:"status"`
	CreatedAt     time.Time    `db:"created_at"`
	ActivatedAt   sql.NullTime `db:"activated_at"`
	RetiredAt     sql.NullTime `db:"retired_at"`
	CompromisedAt sql.NullTime `db:"compromised_at"`
}

func (r *encryptionKeyRow) toDomain() *domain.EncryptionKey {
	k := &domain.EncryptionKey{
		ID: r.ID, Generation: r.Generation, WrappedKey: r.WrappedKey,
		Algorithm: r.Algorithm, Status: domain.KeyStatus(r.Status), CreatedAt: r.CreatedAt,
	}
	if r.ActivatedAt.Valid {
		t := r.ActivatedAt.Time
		k.ActivatedAt = &t
	}
	if r.RetiredAt.Valid {
		t := r.RetiredAt.Time
		k.RetiredAt = &t
	}
	if r.CompromisedAt.Valid {
		t := r.CompromisedAt.Time
		k.CompromisedAt = &t
	}
	return k
}

// ActiveEncryptionKey returns the single key in status=active, if any.
func (s *Store) ActiveEncryptionKey(ctx context.Context) (*domain.EncryptionKey, error) {
	var row encryptionKeyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, generation, wrapped_key, algorithm, status, created_at, activated_at, retired_at, compromised_at
		FROM encryption_keys WHERE status = 'active' ORDER BY generation DESC LIMIT 1
	`)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("active encryption key")
		}
		return nil, errs.Internal("get active encryption key", err)
	}
	return row.toDomain(), nil
}

// GetEncryptionKey looks up a key generation by id, including retired ones
// (needed to decrypt entries that have not yet been lazily re-encrypted).
func (s *Store) GetEncryptionKey(ctx context.Context, id string) (*domain.EncryptionKey, error) {
	var row encryptionKeyRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, generation, wrapped_key, algorithm, status, created_at, activated_at, retired_at, compromised_at
		FROM encryption_keys WHERE id = ?
	`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.NotFound("encryption key").WithDetail("key_id", id)
		}
		return nil, errs.Internal("get encryption key", err)
	}
	return row.toDomain(), nil
}

// RetireEncryptionKey transitions a key out of active status.
func (s *Store) RetireEncryptionKey(ctx context.Context, id string, status domain.KeyStatus, at time.Time) error {
	var column string
	switch status {
	case domain.KeyRetired:
		column = "retired_at"
	case domain.KeyCompromised:
		column = "compromised_at"
	default:
		return errs.InvalidInput("retire target status must be retired or compromised")
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`UPDATE encryption_keys SET status = ?, %s = ? WHERE id = ?`, column), string(status), at, id)
	if err != nil {
		return errs.Internal("retire encryption key", err)
	}
	return nil
}

// ActivateEncryptionKey marks a key as the active generation.
func (s *Store) ActivateEncryptionKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE encryption_keys SET status = 'active', activated_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return errs.Internal("activate encryption key", err)
	}
	return nil
}

// CountEntriesByKey reports how many memory entries still reference key_id,
// used by the key manager to decide when a retired generation can be
// archived (its wrapped material deleted).
func (s *Store) CountEntriesByKey(ctx context.Context, keyID string) (int64, error) {
	var count int64
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM memory_entries WHERE key_id = ?`, keyID); err != nil {
		return 0, errs.Internal("count entries by key", err)
	}
	return count, nil
}

// ArchiveEncryptionKey deletes a retired key's wrapped material once nothing
// references it. Callers must have already confirmed CountEntriesByKey == 0.
func (s *Store) ArchiveEncryptionKey(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM encryption_keys WHERE id = ?`, id)
	if err != nil {
		return errs.Internal("archive encryption key", err)
	}
	return nil
}

// EntriesByKeyID iterates entry ids/logical keys referencing keyID, in
// pages, for the key manager's lazy re-encryption sweep.
func (s *Store) EntriesByKeyID(ctx context.Context, keyID string, limit int) ([]*domain.MemoryEntry, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, entry_key, namespace, value_blob, kind, agent_id, team_id,
		       project_id, swarm_id, acl_level, compression, encryption, iv,
		       tag, key_id, version, parent_entry_id, ttl_seconds, expires_at,
		       access_count, last_accessed_at, size_bytes, checksum,
		       created_at, updated_at
		FROM memory_entries WHERE key_id = ? LIMIT ?
	`, keyID, limit)
	if err != nil {
		return nil, errs.Internal("list entries by key id", err)
	}
	defer rows.Close()

	var out []*domain.MemoryEntry
	for rows.Next() {
		var row entryRow
		if err := rows.StructScan(&row); err != nil {
			return nil, errs.Internal("scan entry by key id", err)
		}
		out = append(out, row.toDomain())
	}
	return out, rows.Err()
}

type permissionRow struct {
	ID              string         `db:"id"`
	Entity          string         `db:"entity"`
	EntityID        string         `db:"entity_id"`
	ResourceType    string         `db:"resource_type"`
	ResourceID      string         `db:"resource_id"`
	ProjectID       string         `db:"project_id"`
	Level           int            `db:"level"`
	Actions         string         `db:"actions"`
	TimeWindowStart sql.NullInt64  `db:"time_window_start"`
	TimeWindowEnd   sql.NullInt64  `db:"time_window_end"`
	DaysOfWeek      string         `db:"days_of_week"`
	CIDR            string         `db:"cidr"`
	GrantedBy       string         `db:"granted_by"`
	ExpiresAt       sql.NullTime   `db:"expires_at"`
	Active          bool           `db:"active"`
	CreatedAt       time.Time      `db:"created_at"`
}

// ListPermissions returns every active permission grant naming entityID (for
// entity kind) against resourceType/resourceID, for the ACL evaluator's
// explicit-grant step (spec.md section 4.2 step 4).
func (s *Store) ListPermissions(ctx context.Context, entity domain.EntityKind, entityID, resourceType, resourceID string) ([]*domain.Permission, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, entity, entity_id, resource_type, resource_id, project_id, level,
		       actions, time_window_start, time_window_end, days_of_week, cidr,
		       granted_by, expires_at, active, created_at
		FROM permissions
		WHERE active = 1 AND entity = ? AND entity_id = ? AND resource_type = ?
		      AND (resource_id = '' OR resource_id = ?)
	`, string(entity), entityID, resourceType, resourceID)
	if err != nil {
		return nil, errs.Internal("list permissions", err)
	}
	defer rows.Close()

	var out []*domain.Permission
	for rows.Next() {
		var row permissionRow
		if err := rows.StructScan(&row); err != nil {
			return nil, errs.Internal("scan permission", err)
		}
		out = append(out, permissionRowToDomain(&row))
	}
	return out, rows.Err()
}

func permissionRowToDomain(r *permissionRow) *domain.Permission {
	p := &domain.Permission{
		ID: r.ID, Entity: domain.EntityKind(r.Entity), EntityID: r.EntityID,
		ResourceType: r.ResourceType, ResourceID: r.ResourceID, ProjectID: r.ProjectID,
		Level: domain.ACLLevel(r.Level), CIDR: r.CIDR, GrantedBy: r.GrantedBy,
		Active: r.Active, CreatedAt: r.CreatedAt,
	}
	p.Actions = make(map[domain.Action]bool)
	for _, a := range splitJSONStrings(r.Actions) {
		p.Actions[domain.Action(a)] = true
	}
	for _, d := range splitJSONStrings(r.DaysOfWeek) {
		if wd, ok := parseWeekday(d); ok {
			p.DaysOfWeek = append(p.DaysOfWeek, wd)
		}
	}
	if r.TimeWindowStart.Valid {
		d := time.Duration(r.TimeWindowStart.Int64)
		p.TimeWindowStart = &d
	}
	if r.TimeWindowEnd.Valid {
		d := time.Duration(r.TimeWindowEnd.Int64)
		p.TimeWindowEnd = &d
	}
	if r.ExpiresAt.Valid {
		t := r.ExpiresAt.Time
		p.ExpiresAt = &t
	}
	return p
}

func splitJSONStrings(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), `"`)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseWeekday(s string) (time.Weekday, bool) {
	switch s {
	case "Sunday":
		return time.Sunday, true
	case "Monday":
		return time.Monday, true
	case "Tuesday":
		return time.Tuesday, true
	case "Wednesday":
		return time.Wednesday, true
	case "Thursday":
		return time.Thursday, true
	case "Friday":
		return time.Friday, true
	case "Saturday":
		return time.Saturday, true
	default:
		return 0, false
	}
}

// CreateAuditRecord appends an audit entry. Append-only: there is no Update
// or Delete.
func (s *Store) CreateAuditRecord(ctx context.Context, r *domain.AuditRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.CreatedAt = s.clock.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, actor_id, resource_id, action, decision, reason_code, acl_level, risk_tag, prev_excerpt, next_excerpt, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`, r.ID, r.ActorID, r.ResourceID, string(r.Action), r.Decision, r.ReasonCode, int(r.ACLLevel), r.RiskTag, r.PrevExcerpt, r.NextExcerpt, r.CreatedAt)
	if err != nil {
		return errs.Internal("create audit record", err)
	}
	return nil
}

// AuditTrail returns audit records for resourceID, most recent first, up to
// limit (0 = unlimited), backing spec.md section 6's audit_trail(filter).
func (s *Store) AuditTrail(ctx context.Context, resourceID string, limit int) ([]*domain.AuditRecord, error) {
	return s.QueryAuditRecords(ctx, AuditQuery{ResourceID: resourceID, Limit: limit})
}

// AuditQuery is the filter backing spec.md section 6's audit_trail(filter).
// Zero-valued fields are unconstrained.
type AuditQuery struct {
	ResourceID string
	ActorID    string
	Action     domain.Action
	Decision   string
	Since      *time.Time
	Until      *time.Time
	Limit      int
}

// QueryAuditRecords returns audit records matching q, most recent first.
func (s *Store) QueryAuditRecords(ctx context.Context, q AuditQuery) ([]*domain.AuditRecord, error) {
	query := `SELECT id, actor_id, resource_id, action, decision, reason_code, acl_level, risk_tag, prev_excerpt, next_excerpt, created_at
		FROM audit_records WHERE 1=1`
	var args []any
	if q.ResourceID != "" {
		query += " AND resource_id = ?"
		args = append(args, q.ResourceID)
	}
	if q.ActorID != "" {
		query += " AND actor_id = ?"
		args = append(args, q.ActorID)
	}
	if q.Action != "" {
		query += " AND action = ?"
		args = append(args, string(q.Action))
	}
	if q.Decision != "" {
		query += " AND decision = ?"
		args = append(args, q.Decision)
	}
	if q.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, q.Since.UTC())
	}
	if q.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, q.Until.UTC())
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Internal("query audit trail", err)
	}
	defer rows.Close()

	var out []*domain.AuditRecord
	for rows.Next() {
		var r domain.AuditRecord
		var action, aclLevel = "", 0
		if err := rows.Scan(&r.ID, &r.ActorID, &r.ResourceID, &action, &r.Decision, &r.ReasonCode, &aclLevel, &r.RiskTag, &r.PrevExcerpt, &r.NextExcerpt, &r.CreatedAt); err != nil {
			return nil, errs.Internal("scan audit record", err)
		}
		r.Action = domain.Action(action)
		r.ACLLevel = domain.ACLLevel(aclLevel)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// jsonJoin renders a string slice as a minimal JSON array without pulling in
// encoding/json for what is always a small, quote-free token list (action
// names, weekday names).
func jsonJoin(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	return `["` + strings.Join(items, `","`) + `"]`
}
