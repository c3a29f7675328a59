// Package facade implements the unified Store facade from spec.md section
// 6: it sequences checksum -> compress -> encrypt -> persist (and the
// reverse on read) across internal/store, internal/keymanager, internal/acl
// and internal/cache, and exposes the event channel and metrics snapshot
// those layers deliberately do not own themselves.
package facade

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/r3e-network/swarm-memory/internal/audit"
	"github.com/r3e-network/swarm-memory/internal/clock"
	"github.com/r3e-network/swarm-memory/internal/domain"
	"github.com/r3e-network/swarm-memory/internal/errs"
	"github.com/r3e-network/swarm-memory/internal/logging"
)

// EventType is one of the event channel's closed set of outcomes
// (spec.md section 6).
type EventType string

const (
	EventEntrySet         EventType = "entry_set"
	EventEntryDeleted     EventType = "entry_deleted"
	EventAccessDenied     EventType = "access_denied"
	EventKeyRotated       EventType = "key_rotated"
	EventCacheInvalidated EventType = "cache_invalidated"
)

// Event is one item on the facade's event channel.
type Event struct {
	Type       EventType
	Key        string
	Namespace  string
	ActorID    string
	ReasonCode string
	At         time.Time
}

// storeBackend is the subset of *store.Store the facade depends on directly
// (beyond what it reaches through cache.Cache).
type storeBackend interface {
	Put(ctx context.Context, entry *domain.MemoryEntry) error
	TouchAccess(ctx context.Context, id string) error
	Keys(ctx context.Context, namespace, swarmID, projectID string, limit int) ([]domain.LogicalKey, error)
	CreatePermission(ctx context.Context, p *domain.Permission) error
	RevokePermission(ctx context.Context, id string) error
	RetireEncryptionKey(ctx context.Context, id string, status domain.KeyStatus, at time.Time) error
}

type keyManager interface {
	ActiveKeyID() string
	Encrypt(ctx context.Context, plaintext []byte) (ciphertext, iv, tag []byte, keyID string, err error)
	Decrypt(ctx context.Context, keyID string, ciphertext, iv, tag []byte) ([]byte, error)
	Rotate(ctx context.Context, cause domain.RotationCause) (*domain.EncryptionKey, error)
}

type aclEvaluator interface {
	Check(ctx context.Context, agent *domain.Agent, entry *domain.MemoryEntry, action domain.Action, sourceIP string) error
}

// cacheTier is the subset of *cache.Cache the facade uses; see
// internal/cache.Cache for the full three-tier implementation.
type cacheTier interface {
	Get(ctx context.Context, key domain.LogicalKey) (*domain.MemoryEntry, error)
	Put(ctx context.Context, entry *domain.MemoryEntry) error
	Delete(ctx context.Context, key domain.LogicalKey) error
	Evict(ctx context.Context, key domain.LogicalKey)
}

type auditLog interface {
	Record(ctx context.Context, r *domain.AuditRecord) error
	Query(filter audit.Filter, pageSize int) *audit.Cursor
}

type metricsSink interface {
	RecordOp(operation, status string, duration time.Duration)
	RecordACLDecision(decision, reasonCode string)
	RecordCryptoOp(operation, status string)
	RecordKeyRotation(cause string)
}

// codec is the subset of *store.Codec the facade depends on.
type codec interface {
	Checksum(plaintext []byte) []byte
	VerifyChecksum(plaintext, checksum []byte) bool
	Compress(plaintext []byte) ([]byte, domain.Compression, error)
	Decompress(data []byte, algorithm domain.Compression) ([]byte, error)
}

// Stats is the plain-struct metrics snapshot spec.md section 6 names
// ("metrics() -> Counters"), kept alongside the Prometheus collectors since
// an embedding process may not wire Prometheus at all.
type Stats struct {
	Ops            int64
	Hits           int64
	Misses         int64
	AccessDenied   int64
	CryptoFailures int64
	KeyRotations   int64
}

// SetOptions configures Set, mirroring spec.md section 6's
// `{acl_level, namespace, kind, team_id, project_id, ttl, write_through?}`.
type SetOptions struct {
	Namespace   string
	ACLLevel    domain.ACLLevel
	Kind        domain.EntryKind
	TeamID      string
	ProjectID   string
	TTL         time.Duration // 0 = no expiry
	WriteAround bool          // true skips L1/L2 population on write (default is write-through)
}

// Facade is the unified memory store.
type Facade struct {
	store   storeBackend
	keys    keyManager
	acl     aclEvaluator
	cache   cacheTier
	audit   auditLog
	metrics metricsSink
	codec   codec
	clock   clock.Clock
	logger  *logging.Logger

	events chan Event
	locks  sync.Map // logical key string -> *sync.Mutex, for Incr/Decr read-modify-write

	stats Stats
}

// New builds a Facade wiring every collaborator together. metrics may be
// nil when the embedding process does not want Prometheus collection.
func New(st storeBackend, km keyManager, ev aclEvaluator, ch cacheTier, lg auditLog, mt metricsSink, cd codec, clk clock.Clock, logger *logging.Logger) *Facade {
	return &Facade{
		store: st, keys: km, acl: ev, cache: ch, audit: lg, metrics: mt, codec: cd,
		clock: clk, logger: logger,
		events: make(chan Event, 256),
	}
}

// Events returns the facade's event channel. A single reader is expected;
// callers needing fan-out should demultiplex themselves.
func (f *Facade) Events() <-chan Event {
	return f.events
}

func (f *Facade) emit(ev Event) {
	select {
	case f.events <- ev:
	default:
		f.logger.WithContext(context.Background()).Warn("event channel full, dropping event")
	}
}

func (f *Facade) recordOp(operation, status string, start time.Time) {
	atomic.AddInt64(&f.stats.Ops, 1)
	if f.metrics != nil {
		f.metrics.RecordOp(operation, status, f.clock.Now().Sub(start))
	}
}

func logicalKey(key, namespace string, actor *domain.Agent) domain.LogicalKey {
	return domain.LogicalKey{Key: key, Namespace: namespace, SwarmID: actor.SwarmID, ProjectID: actor.ProjectID}
}

// Get resolves key (scoped to namespace and actor's swarm/project context),
// enforces ACL, then decrypts, decompresses and checksum-verifies the
// stored value before returning plaintext.
func (f *Facade) Get(ctx context.Context, key, namespace string, actor *domain.Agent) ([]byte, error) {
	start := f.clock.Now()
	lk := logicalKey(key, namespace, actor)

	entry, err := f.cache.Get(ctx, lk)
	if err != nil {
		atomic.AddInt64(&f.stats.Misses, 1)
		f.recordOp("get", "miss", start)
		return nil, err
	}
	atomic.AddInt64(&f.stats.Hits, 1)

	if err := f.checkAccess(ctx, actor, entry, domain.ActionRead, namespace); err != nil {
		f.recordOp("get", "denied", start)
		return nil, err
	}

	plaintext, err := f.decode(ctx, entry)
	if err != nil {
		f.recordOp("get", "error", start)
		return nil, err
	}

	_ = f.store.TouchAccess(ctx, entry.ID)
	f.recordOp("get", "ok", start)
	return plaintext, nil
}

// decode reverses Set's checksum -> compress -> encrypt pipeline.
func (f *Facade) decode(ctx context.Context, entry *domain.MemoryEntry) ([]byte, error) {
	compressed, err := f.keys.Decrypt(ctx, entry.KeyID, entry.ValueBlob, entry.IV, entry.Tag)
	if err != nil {
		atomic.AddInt64(&f.stats.CryptoFailures, 1)
		if f.metrics != nil {
			f.metrics.RecordCryptoOp("decrypt", "error")
		}
		return nil, err
	}
	if f.metrics != nil {
		f.metrics.RecordCryptoOp("decrypt", "ok")
	}

	plaintext, err := f.codec.Decompress(compressed, entry.Compression)
	if err != nil {
		return nil, err
	}
	if !f.codec.VerifyChecksum(plaintext, entry.Checksum) {
		atomic.AddInt64(&f.stats.CryptoFailures, 1)
		return nil, errs.Corruption("checksum mismatch", nil).WithDetail("entry", entry.ID)
	}
	return plaintext, nil
}

// checkAccess runs the ACL evaluator and emits an access_denied event on
// deny, per spec.md section 6's event channel.
func (f *Facade) checkAccess(ctx context.Context, actor *domain.Agent, entry *domain.MemoryEntry, action domain.Action, namespace string) error {
	if err := f.acl.Check(ctx, actor, entry, action, ""); err != nil {
		atomic.AddInt64(&f.stats.AccessDenied, 1)
		reason := ""
		if e, ok := errs.As(err); ok {
			if rc, ok := e.Details["reason_code"].(string); ok {
				reason = rc
			}
		}
		f.emit(Event{Type: EventAccessDenied, Key: string(entry.Key), Namespace: namespace, ActorID: actor.ID, ReasonCode: reason, At: f.clock.Now()})
		return err
	}
	return nil
}

// Set writes value under key, creating a new entry or updating an existing
// one (which requires write access on the existing entry's ACL).
func (f *Facade) Set(ctx context.Context, key string, value []byte, actor *domain.Agent, opts SetOptions) error {
	start := f.clock.Now()
	lk := logicalKey(key, opts.Namespace, actor)
	if opts.ProjectID != "" {
		lk.ProjectID = opts.ProjectID
	}

	existing, err := f.cache.Get(ctx, lk)
	switch {
	case err == nil:
		if err := f.checkAccess(ctx, actor, existing, domain.ActionWrite, opts.Namespace); err != nil {
			f.recordOp("set", "denied", start)
			return err
		}
	case errs.Is(err, errs.NotFoundKind):
		if opts.ACLLevel == domain.ACLSystem && actor.Role != domain.RoleSystem {
			f.recordOp("set", "denied", start)
			return errs.AccessDenied(actor.ID, key, domain.ActionWrite, "system_level_requires_system_role")
		}
	default:
		f.recordOp("set", "error", start)
		return err
	}

	entry, err := f.encode(ctx, key, value, actor, opts)
	if err != nil {
		f.recordOp("set", "error", start)
		return err
	}
	if existing != nil {
		entry.ID = existing.ID
		entry.Version = existing.Version // ON CONFLICT ignores this and bumps server-side
	} else {
		entry.Version = 1
	}

	if opts.WriteAround {
		if err := f.storePut(ctx, entry); err != nil {
			f.recordOp("set", "error", start)
			return err
		}
		f.cache.Evict(ctx, lk)
	} else {
		if err := f.cache.Put(ctx, entry); err != nil {
			f.recordOp("set", "error", start)
			return err
		}
	}

	_ = f.audit.Record(ctx, &domain.AuditRecord{ActorID: actor.ID, ResourceID: entry.ID, Action: domain.ActionWrite, Decision: "allow", ReasonCode: "set_entry", ACLLevel: entry.ACLLevel})
	f.emit(Event{Type: EventEntrySet, Key: key, Namespace: opts.Namespace, ActorID: actor.ID, At: f.clock.Now()})
	f.recordOp("set", "ok", start)
	return nil
}

// storePut is used by the write-around path: it writes L3 directly,
// bypassing the L1/L2 tier population that cache.Put would otherwise do.
func (f *Facade) storePut(ctx context.Context, entry *domain.MemoryEntry) error {
	return f.store.Put(ctx, entry)
}

// encode applies Set's checksum -> compress -> encrypt pipeline.
func (f *Facade) encode(ctx context.Context, key string, value []byte, actor *domain.Agent, opts SetOptions) (*domain.MemoryEntry, error) {
	checksum := f.codec.Checksum(value)
	compressed, alg, err := f.codec.Compress(value)
	if err != nil {
		return nil, err
	}
	ciphertext, iv, tag, keyID, err := f.keys.Encrypt(ctx, compressed)
	if err != nil {
		atomic.AddInt64(&f.stats.CryptoFailures, 1)
		if f.metrics != nil {
			f.metrics.RecordCryptoOp("encrypt", "error")
		}
		return nil, errs.CryptoFailure("encrypt entry", err)
	}
	if f.metrics != nil {
		f.metrics.RecordCryptoOp("encrypt", "ok")
	}

	entry := &domain.MemoryEntry{
		Key:         []byte(key),
		Namespace:   opts.Namespace,
		ValueBlob:   ciphertext,
		Kind:        opts.Kind,
		AgentID:     actor.ID,
		TeamID:      opts.TeamID,
		ProjectID:   opts.ProjectID,
		SwarmID:     actor.SwarmID,
		ACLLevel:    opts.ACLLevel,
		Compression: alg,
		Encryption:  domain.EncryptionAEAD,
		IV:          iv,
		Tag:         tag,
		KeyID:       keyID,
		SizeBytes:   int64(len(value)),
		Checksum:    checksum,
	}
	if opts.ProjectID == "" {
		entry.ProjectID = actor.ProjectID
	}
	if opts.TTL > 0 {
		expires := f.clock.Now().Add(opts.TTL).UTC()
		entry.ExpiresAt = &expires
		entry.TTLSeconds = int64(opts.TTL.Seconds())
	}
	return entry, nil
}

// Delete removes key. Idempotent: deleting an absent key returns NotFound.
func (f *Facade) Delete(ctx context.Context, key, namespace string, actor *domain.Agent) error {
	start := f.clock.Now()
	lk := logicalKey(key, namespace, actor)

	entry, err := f.cache.Get(ctx, lk)
	if err != nil {
		f.recordOp("delete", "miss", start)
		return err
	}
	if err := f.checkAccess(ctx, actor, entry, domain.ActionDelete, namespace); err != nil {
		f.recordOp("delete", "denied", start)
		return err
	}
	if err := f.cache.Delete(ctx, lk); err != nil {
		f.recordOp("delete", "error", start)
		return err
	}
	_ = f.audit.Record(ctx, &domain.AuditRecord{ActorID: actor.ID, ResourceID: entry.ID, Action: domain.ActionDelete, Decision: "allow", ReasonCode: "delete_entry", ACLLevel: entry.ACLLevel})
	f.emit(Event{Type: EventEntryDeleted, Key: key, Namespace: namespace, ActorID: actor.ID, At: f.clock.Now()})
	f.recordOp("delete", "ok", start)
	return nil
}

// Has reports whether key exists and is currently readable by actor.
func (f *Facade) Has(ctx context.Context, key, namespace string, actor *domain.Agent) (bool, error) {
	_, err := f.Get(ctx, key, namespace, actor)
	if err == nil {
		return true, nil
	}
	if errs.Is(err, errs.NotFoundKind) || errs.Is(err, errs.AccessDeniedKind) {
		return false, nil
	}
	return false, err
}

// Keys lists entry keys visible within namespace under actor's swarm/project
// scope, up to limit (0 = unlimited). This is a narrow index scan, not an
// ACL-filtered enumeration: spec.md's non-goals exclude query planning
// beyond point lookups and narrow index scans, so per-entry ACL is not
// re-checked here.
func (f *Facade) Keys(ctx context.Context, namespace string, actor *domain.Agent, limit int) ([]string, error) {
	lks, err := f.store.Keys(ctx, namespace, actor.SwarmID, actor.ProjectID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(lks))
	for i, lk := range lks {
		out[i] = lk.Key
	}
	return out, nil
}

// Clear deletes every entry in namespace within actor's swarm/project scope.
// Restricted to system-role actors since it bypasses per-entry ACL checks.
func (f *Facade) Clear(ctx context.Context, namespace string, actor *domain.Agent) (int, error) {
	if actor.Role != domain.RoleSystem {
		return 0, errs.AccessDenied(actor.ID, namespace, domain.ActionDelete, "clear_requires_system_role")
	}
	lks, err := f.store.Keys(ctx, namespace, actor.SwarmID, actor.ProjectID, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, lk := range lks {
		if err := f.cache.Delete(ctx, lk); err != nil && !errs.Is(err, errs.NotFoundKind) {
			return n, err
		}
		n++
	}
	_ = f.audit.Record(ctx, &domain.AuditRecord{ActorID: actor.ID, ResourceID: namespace, Action: domain.ActionDelete, Decision: "allow", ReasonCode: "clear_namespace"})
	return n, nil
}

// MGet fetches multiple keys, silently omitting any that are missing or
// denied (batch get is best-effort by design, matching common KV client
// semantics for multi-key reads).
func (f *Facade) MGet(ctx context.Context, keys []string, namespace string, actor *domain.Agent) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := f.Get(ctx, k, namespace, actor)
		if err != nil {
			if errs.Is(err, errs.NotFoundKind) || errs.Is(err, errs.AccessDeniedKind) {
				continue
			}
			return out, err
		}
		out[k] = v
	}
	return out, nil
}

// MSet writes multiple key/value pairs with the same options, stopping at
// the first error.
func (f *Facade) MSet(ctx context.Context, values map[string][]byte, actor *domain.Agent, opts SetOptions) error {
	for k, v := range values {
		if err := f.Set(ctx, k, v, actor, opts); err != nil {
			return err
		}
	}
	return nil
}

// SetEX is Set with an explicit TTL convenience signature.
func (f *Facade) SetEX(ctx context.Context, key string, value []byte, ttl time.Duration, actor *domain.Agent, opts SetOptions) error {
	opts.TTL = ttl
	return f.Set(ctx, key, value, actor, opts)
}

func (f *Facade) lockFor(lk domain.LogicalKey) *sync.Mutex {
	v, _ := f.locks.LoadOrStore(lk.Namespace+"|"+lk.SwarmID+"|"+lk.ProjectID+"|"+lk.Key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Incr atomically adds delta to the integer stored at key (0 if absent),
// returning the new value. Uses a per-key advisory lock since the
// read-modify-write cannot rely on the store's optimistic version bump
// alone — two concurrent Incr calls must not both read the same prior
// value.
func (f *Facade) Incr(ctx context.Context, key, namespace string, delta int64, actor *domain.Agent, opts SetOptions) (int64, error) {
	lk := logicalKey(key, namespace, actor)
	mu := f.lockFor(lk)
	mu.Lock()
	defer mu.Unlock()

	current := int64(0)
	raw, err := f.Get(ctx, key, namespace, actor)
	switch {
	case err == nil:
		current, err = strconv.ParseInt(string(raw), 10, 64)
		if err != nil {
			return 0, errs.InvalidInput("value at key is not an integer").WithDetail("key", key)
		}
	case errs.Is(err, errs.NotFoundKind):
		// absent counters start at zero
	default:
		return 0, err
	}

	next := current + delta
	opts.Namespace = namespace
	if err := f.Set(ctx, key, []byte(strconv.FormatInt(next, 10)), actor, opts); err != nil {
		return 0, err
	}
	return next, nil
}

// Decr is Incr with a negated delta.
func (f *Facade) Decr(ctx context.Context, key, namespace string, delta int64, actor *domain.Agent, opts SetOptions) (int64, error) {
	return f.Incr(ctx, key, namespace, -delta, actor, opts)
}

// GrantPermission creates an explicit permission grant, restricted to lead
// or system-role actors.
func (f *Facade) GrantPermission(ctx context.Context, actor *domain.Agent, entity domain.EntityKind, entityID, resourceType, resourceID string, actions []domain.Action, conditions GrantConditions, expiresAt *time.Time) (string, error) {
	if actor.Role != domain.RoleLead && actor.Role != domain.RoleSystem {
		return "", errs.AccessDenied(actor.ID, resourceID, domain.ActionAdmin, "grant_requires_lead_or_system_role")
	}
	actionSet := make(map[domain.Action]bool, len(actions))
	for _, a := range actions {
		actionSet[a] = true
	}
	p := &domain.Permission{
		Entity: entity, EntityID: entityID, ResourceType: resourceType, ResourceID: resourceID,
		Actions: actionSet, TimeWindowStart: conditions.TimeWindowStart, TimeWindowEnd: conditions.TimeWindowEnd,
		DaysOfWeek: conditions.DaysOfWeek, CIDR: conditions.CIDR,
		GrantedBy: actor.ID, ExpiresAt: expiresAt, Active: true,
	}
	if err := f.store.CreatePermission(ctx, p); err != nil {
		return "", err
	}
	_ = f.audit.Record(ctx, &domain.AuditRecord{ActorID: actor.ID, ResourceID: resourceID, Action: domain.ActionAdmin, Decision: "allow", ReasonCode: "grant_permission"})
	return p.ID, nil
}

// GrantConditions are the optional time-window/day-of-week/CIDR constraints
// on a permission grant (spec.md section 4.2).
type GrantConditions struct {
	TimeWindowStart *time.Duration
	TimeWindowEnd   *time.Duration
	DaysOfWeek      []time.Weekday
	CIDR            string
}

// RevokePermission deactivates a permission grant, restricted to lead or
// system-role actors.
func (f *Facade) RevokePermission(ctx context.Context, permissionID string, actor *domain.Agent) error {
	if actor.Role != domain.RoleLead && actor.Role != domain.RoleSystem {
		return errs.AccessDenied(actor.ID, permissionID, domain.ActionAdmin, "revoke_requires_lead_or_system_role")
	}
	if err := f.store.RevokePermission(ctx, permissionID); err != nil {
		return err
	}
	_ = f.audit.Record(ctx, &domain.AuditRecord{ActorID: actor.ID, ResourceID: permissionID, Action: domain.ActionAdmin, Decision: "allow", ReasonCode: "revoke_permission"})
	return nil
}

// RotateKey rotates the active encryption key generation, restricted to
// system-role actors.
func (f *Facade) RotateKey(ctx context.Context, cause domain.RotationCause, actor *domain.Agent) (*domain.EncryptionKey, error) {
	if actor.Role != domain.RoleSystem {
		return nil, errs.AccessDenied(actor.ID, "encryption_key", domain.ActionAdmin, "rotate_requires_system_role")
	}
	next, err := f.keys.Rotate(ctx, cause)
	if err != nil {
		return nil, err
	}
	if f.metrics != nil {
		f.metrics.RecordKeyRotation(string(cause))
	}
	atomic.AddInt64(&f.stats.KeyRotations, 1)
	f.emit(Event{Type: EventKeyRotated, ActorID: actor.ID, ReasonCode: string(cause), At: f.clock.Now()})
	_ = f.audit.Record(ctx, &domain.AuditRecord{ActorID: actor.ID, ResourceID: next.ID, Action: domain.ActionAdmin, Decision: "allow", ReasonCode: "rotate_key:" + string(cause)})
	return next, nil
}

// MarkCompromised marks keyID compromised. If it is the active generation,
// this forces an immediate rotation so no further writes bind to a known-
// compromised key.
func (f *Facade) MarkCompromised(ctx context.Context, keyID, reason string, actor *domain.Agent) error {
	if actor.Role != domain.RoleSystem {
		return errs.AccessDenied(actor.ID, keyID, domain.ActionAdmin, "mark_compromised_requires_system_role")
	}

	if keyID == f.keys.ActiveKeyID() {
		if _, err := f.RotateKey(ctx, domain.RotationCompromise, actor); err != nil {
			return err
		}
	} else if err := f.store.RetireEncryptionKey(ctx, keyID, domain.KeyCompromised, f.clock.Now().UTC()); err != nil {
		return err
	}

	_ = f.audit.Record(ctx, &domain.AuditRecord{ActorID: actor.ID, ResourceID: keyID, Action: domain.ActionAdmin, Decision: "allow", ReasonCode: "mark_compromised:" + reason})
	return nil
}

// Stats returns a snapshot of operation/cache/denial/crypto/rotation
// counters, independent of whether Prometheus is wired in (spec.md
// section 6's `metrics() -> Counters`).
func (f *Facade) Stats() Stats {
	return Stats{
		Ops:            atomic.LoadInt64(&f.stats.Ops),
		Hits:           atomic.LoadInt64(&f.stats.Hits),
		Misses:         atomic.LoadInt64(&f.stats.Misses),
		AccessDenied:   atomic.LoadInt64(&f.stats.AccessDenied),
		CryptoFailures: atomic.LoadInt64(&f.stats.CryptoFailures),
		KeyRotations:   atomic.LoadInt64(&f.stats.KeyRotations),
	}
}

// AuditTrail exposes spec.md section 6's audit_trail(filter) surface.
func (f *Facade) AuditTrail(filter audit.Filter, pageSize int) *audit.Cursor {
	return f.audit.Query(filter, pageSize)
}
