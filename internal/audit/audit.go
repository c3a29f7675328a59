// Package audit exposes the append-only audit trail as a filtered query
// surface, backing spec.md section 6's audit_trail(filter) -> iterator.
package audit

import (
	"context"

	"github.com/r3e-network/swarm-memory/internal/domain"
	"github.com/r3e-network/swarm-memory/internal/store"
)

// auditStore is the subset of *store.Store this package depends on.
type auditStore interface {
	CreateAuditRecord(ctx context.Context, r *domain.AuditRecord) error
	QueryAuditRecords(ctx context.Context, q store.AuditQuery) ([]*domain.AuditRecord, error)
}

// Log is the append-only audit trail.
type Log struct {
	store auditStore
}

// New builds a Log backed by st.
func New(st auditStore) *Log {
	return &Log{store: st}
}

// Record appends r. Exposed mainly for callers outside internal/acl (which
// already writes audit records directly alongside its decision cache); the
// facade uses this for mutation-level audit entries (set, delete, clear,
// grants and key operations), kept separate from the ACL's per-decision
// records.
func (l *Log) Record(ctx context.Context, r *domain.AuditRecord) error {
	return l.store.CreateAuditRecord(ctx, r)
}

// Filter narrows an audit_trail query. A zero-valued field is unconstrained.
type Filter = store.AuditQuery

// Cursor pages through records matching a Filter, oldest page last (each
// page is itself most-recent-first, matching spec.md section 6's
// audit_trail(filter) -> iterator surface without committing to a streaming
// API this domain has no collaborator for).
type Cursor struct {
	store    auditStore
	filter   Filter
	pageSize int
	offset   int
	done     bool
}

// Query returns a Cursor over records matching filter, pageSize records at a
// time (pageSize <= 0 defaults to 100).
func (l *Log) Query(filter Filter, pageSize int) *Cursor {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Cursor{store: l.store, filter: filter, pageSize: pageSize}
}

// Next returns the next page of records. ok is false once exhausted.
func (c *Cursor) Next(ctx context.Context) (records []*domain.AuditRecord, ok bool, err error) {
	if c.done {
		return nil, false, nil
	}
	q := c.filter
	q.Limit = c.pageSize + c.offset
	all, err := c.store.QueryAuditRecords(ctx, q)
	if err != nil {
		return nil, false, err
	}
	if c.offset >= len(all) {
		c.done = true
		return nil, false, nil
	}
	page := all[c.offset:]
	c.offset += len(page)
	if len(page) < c.pageSize {
		c.done = true
	}
	return page, true, nil
}
