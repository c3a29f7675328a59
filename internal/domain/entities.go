// Package domain holds the entities and closed enumerations that make up
// the swarm memory schema (spec.md section 3).
package domain

import "time"

// Agent identifies a principal that can own entries and request access.
type Agent struct {
	ID        string
	Name      string
	Role      AgentRole
	Status    AgentStatus
	SwarmID   string
	TeamID    string
	ProjectID string
	ACLLevel  ACLLevel
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Project, Team and Swarm are the three nested grouping containers referenced
// by agents and entries (spec.md section 3.1).
type Project struct {
	ID        string
	Status    ContainerStatus
	OwnerID   string
	CreatedAt time.Time
}

type Team struct {
	ID        string
	Status    ContainerStatus
	OwnerID   string
	CreatedAt time.Time
}

type Swarm struct {
	ID        string
	Status    ContainerStatus
	OwnerID   string
	CreatedAt time.Time
}

// MemoryEntry is the central stored object. ValueBlob already holds
// ciphertext (after optional compression) by the time it reaches the store;
// the facade and store layers are the only code that ever sees plaintext.
type MemoryEntry struct {
	ID        string
	Key       []byte
	Namespace string

	ValueBlob []byte
	Kind      EntryKind

	AgentID   string
	TeamID    string
	ProjectID string
	SwarmID   string

	ACLLevel    ACLLevel
	Compression Compression
	Encryption  EncryptionMode
	IV          []byte
	Tag         []byte
	KeyID       string

	Version       int64
	ParentEntryID string
	TTLSeconds    int64
	ExpiresAt     *time.Time

	AccessCount    int64
	LastAccessedAt *time.Time
	SizeBytes      int64
	Checksum       []byte

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LogicalKey is the (key, namespace, swarm_id, project_id) uniqueness tuple
// spec.md section 3.1 defines.
type LogicalKey struct {
	Key       string
	Namespace string
	SwarmID   string
	ProjectID string
}

// Expired reports whether the entry should be treated as absent at instant
// now (spec.md section 3.2: "any read-through path treats now > expires_at
// as absent").
func (e *MemoryEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Permission is an explicit grant evaluated by the ACL enforcer when the
// level-ladder rule alone does not produce an allow (spec.md section 4.2
// step 4).
type Permission struct {
	ID           string
	Entity       EntityKind
	EntityID     string
	ResourceType string
	ResourceID   string
	ProjectID    string
	Level        ACLLevel
	Actions      map[Action]bool

	TimeWindowStart *time.Duration // time-of-day offset, nil = unrestricted
	TimeWindowEnd   *time.Duration
	DaysOfWeek      []time.Weekday // nil/empty = unrestricted
	CIDR            string         // empty = unrestricted

	GrantedBy string
	ExpiresAt *time.Time
	Active    bool
	CreatedAt time.Time
}

// Allows reports whether the permission's action set includes action.
func (p *Permission) Allows(action Action) bool {
	return p.Actions != nil && p.Actions[action]
}

// AuditRecord is an append-only record of every permission decision and
// mutation (spec.md section 3.1). Value contents are never stored here,
// only bounded excerpts/metadata.
type AuditRecord struct {
	ID          string
	ActorID     string
	ResourceID  string
	Action      Action
	Decision    string // "allow" or "deny"
	ReasonCode  string
	ACLLevel    ACLLevel
	RiskTag     string
	PrevExcerpt string
	NextExcerpt string
	CreatedAt   time.Time
}

// EncryptionKey is a data-encryption key generation managed by the key
// manager (spec.md section 4.4). WrappedKey is always wrapped (encrypted
// under the process master key) by the time it is persisted.
type EncryptionKey struct {
	ID           string
	Generation   int64
	WrappedKey   []byte
	Algorithm    string
	Status       KeyStatus
	CreatedAt    time.Time
	ActivatedAt  *time.Time
	RetiredAt    *time.Time
	CompromisedAt *time.Time
}
