// Package acl implements the six-level access-scope ladder and explicit
// permission grants from spec.md section 4.2, backed by an LRU+TTL decision
// cache and an append-only audit trail.
package acl

import (
	"context"
	"fmt"
	"net"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/r3e-network/swarm-memory/internal/clock"
	"github.com/r3e-network/swarm-memory/internal/domain"
	"github.com/r3e-network/swarm-memory/internal/errs"
	"github.com/r3e-network/swarm-memory/internal/logging"
)

// aclStore is the subset of *store.Store the evaluator depends on.
type aclStore interface {
	ListPermissions(ctx context.Context, entity domain.EntityKind, entityID, resourceType, resourceID string) ([]*domain.Permission, error)
	CreateAuditRecord(ctx context.Context, r *domain.AuditRecord) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
}

// decision is what the LRU decision cache stores: the outcome of one
// (agent, resource, action) evaluation together with its reason code, which
// is written to the audit record and carried by the AccessDenied error.
type decision struct {
	allow      bool
	reasonCode string
}

// Evaluator is the ACL enforcer.
type Evaluator struct {
	store  aclStore
	clock  clock.Clock
	logger *logging.Logger
	cache  *lru.LRU[string, decision]
}

// New builds an Evaluator with an LRU decision cache bounded by size entries
// and expiring each entry after ttl, per spec.md section 4.2's caching
// requirement.
func New(st aclStore, clk clock.Clock, logger *logging.Logger, size int, ttl time.Duration) *Evaluator {
	return &Evaluator{
		store:  st,
		clock:  clk,
		logger: logger,
		cache:  lru.NewLRU[string, decision](size, nil, ttl),
	}
}

func cacheKey(agent *domain.Agent, entry *domain.MemoryEntry, action domain.Action) string {
	return fmt.Sprintf("%s|%s|%s", agent.ID, entry.ID, action)
}

// Check evaluates whether agent may perform action against entry, emitting
// an audit record for every call (cache hit or not — spec.md section 4.2
// requires every decision be auditable) and returning an
// errs.AccessDeniedKind error on deny.
func (e *Evaluator) Check(ctx context.Context, agent *domain.Agent, entry *domain.MemoryEntry, action domain.Action, sourceIP string) error {
	key := cacheKey(agent, entry, action)
	if cached, ok := e.cache.Get(key); ok {
		e.audit(ctx, agent, entry, action, cached)
		return e.toError(agent, entry, action, cached)
	}

	d, err := e.evaluate(ctx, agent, entry, action, sourceIP)
	if err != nil {
		return err
	}
	e.cache.Add(key, d)
	e.audit(ctx, agent, entry, action, d)
	return e.toError(agent, entry, action, d)
}

func (e *Evaluator) toError(agent *domain.Agent, entry *domain.MemoryEntry, action domain.Action, d decision) error {
	if d.allow {
		return nil
	}
	return errs.AccessDenied(agent.ID, entry.ID, action, d.reasonCode)
}

func (e *Evaluator) audit(ctx context.Context, agent *domain.Agent, entry *domain.MemoryEntry, action domain.Action, d decision) {
	outcome := "deny"
	if d.allow {
		outcome = "allow"
	}
	e.logger.LogAudit(ctx, agent.ID, entry.ID, string(action), outcome, d.reasonCode)
	if e.store == nil {
		return
	}
	record := &domain.AuditRecord{
		ActorID: agent.ID, ResourceID: entry.ID, Action: action,
		Decision: outcome, ReasonCode: d.reasonCode, ACLLevel: entry.ACLLevel,
	}
	if err := e.store.CreateAuditRecord(ctx, record); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("failed to persist audit record")
	}
}

// evaluate applies the level ladder first, then falls back to explicit
// permission grants (spec.md section 4.2 step 4) only when the ladder alone
// does not produce an allow.
func (e *Evaluator) evaluate(ctx context.Context, agent *domain.Agent, entry *domain.MemoryEntry, action domain.Action, sourceIP string) (decision, error) {
	if agent.Status != domain.AgentActive {
		return decision{allow: false, reasonCode: "agent_not_active"}, nil
	}

	d, ok, err := e.ladderDecision(ctx, agent, entry, action)
	if err != nil {
		return decision{}, err
	}
	if ok {
		return d, nil
	}

	grants, err := e.store.ListPermissions(ctx, domain.EntityAgent, agent.ID, "memory_entry", entry.ID)
	if err != nil {
		return decision{}, err
	}
	now := e.clock.Now()
	for _, grant := range grants {
		if e.grantApplies(grant, action, now, sourceIP) {
			return decision{allow: true, reasonCode: "explicit_grant"}, nil
		}
	}
	return decision{allow: false, reasonCode: "no_matching_grant"}, nil
}

// ladderDecision applies spec.md section 4.2's six-rung rule directly. The
// bool return reports whether the ladder produced a definitive answer;
// false means "fall through to explicit grants".
func (e *Evaluator) ladderDecision(ctx context.Context, agent *domain.Agent, entry *domain.MemoryEntry, action domain.Action) (decision, bool, error) {
	switch entry.ACLLevel {
	case domain.ACLSystem:
		if agent.Role == domain.RoleSystem {
			return decision{allow: true, reasonCode: "system_role"}, true, nil
		}
		return decision{}, false, nil
	case domain.ACLPublic:
		return e.gateMutation(ctx, agent, entry, action, "public_level")
	case domain.ACLProject:
		if entry.ProjectID != "" && agent.ProjectID == entry.ProjectID {
			return e.gateMutation(ctx, agent, entry, action, "same_project")
		}
		return decision{}, false, nil
	case domain.ACLSwarm:
		if entry.SwarmID != "" && agent.SwarmID == entry.SwarmID {
			return e.gateMutation(ctx, agent, entry, action, "same_swarm")
		}
		return decision{}, false, nil
	case domain.ACLTeam:
		if entry.TeamID != "" && agent.TeamID == entry.TeamID {
			return e.gateMutation(ctx, agent, entry, action, "same_team")
		}
		return decision{}, false, nil
	case domain.ACLPrivate:
		if entry.AgentID != "" && agent.ID == entry.AgentID {
			return e.gateMutation(ctx, agent, entry, action, "owner")
		}
		return decision{}, false, nil
	default:
		return decision{allow: false, reasonCode: "unknown_acl_level"}, true, nil
	}
}

// gateMutation allows a ladder scope match through unconditionally for
// read. For write/delete it additionally requires the actor's own ACL
// level to be at least the entry creator's (spec.md section 4.2 step 3);
// short-circuited when the actor is the creator itself. A scope match that
// fails the level gate falls through to the explicit-grant path rather than
// denying outright.
func (e *Evaluator) gateMutation(ctx context.Context, agent *domain.Agent, entry *domain.MemoryEntry, action domain.Action, reasonCode string) (decision, bool, error) {
	if action == domain.ActionRead || agent.ID == entry.AgentID {
		return decision{allow: true, reasonCode: reasonCode}, true, nil
	}
	if entry.AgentID == "" {
		return decision{}, false, nil
	}
	creator, err := e.store.GetAgent(ctx, entry.AgentID)
	if err != nil {
		if errs.Is(err, errs.NotFoundKind) {
			return decision{}, false, nil
		}
		return decision{}, false, err
	}
	if agent.ACLLevel >= creator.ACLLevel {
		return decision{allow: true, reasonCode: reasonCode}, true, nil
	}
	return decision{}, false, nil
}

// grantApplies checks action membership plus the optional time-window,
// day-of-week and CIDR conditions on an explicit permission grant.
func (e *Evaluator) grantApplies(grant *domain.Permission, action domain.Action, now time.Time, sourceIP string) bool {
	if !grant.Active {
		return false
	}
	if grant.ExpiresAt != nil && now.After(*grant.ExpiresAt) {
		return false
	}
	if !grant.Allows(action) {
		return false
	}
	if len(grant.DaysOfWeek) > 0 && !containsWeekday(grant.DaysOfWeek, now.Weekday()) {
		return false
	}
	if grant.TimeWindowStart != nil && grant.TimeWindowEnd != nil {
		offset := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute
		if offset < *grant.TimeWindowStart || offset > *grant.TimeWindowEnd {
			return false
		}
	}
	if grant.CIDR != "" && sourceIP != "" {
		_, network, err := net.ParseCIDR(grant.CIDR)
		if err != nil || !network.Contains(net.ParseIP(sourceIP)) {
			return false
		}
	}
	return true
}

func containsWeekday(days []time.Weekday, d time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

// InvalidateAgent drops every cached decision touching agentID. Used when an
// agent's role/status/container membership changes.
func (e *Evaluator) InvalidateAgent(agentID string) {
	for _, key := range e.cache.Keys() {
		if len(key) > len(agentID) && key[:len(agentID)] == agentID && key[len(agentID)] == '|' {
			e.cache.Remove(key)
		}
	}
}
