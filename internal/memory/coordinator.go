// Package memory coordinates the two memory scopes available to a flow:
// per-session working memory (session variables) and per-user semantic
// memory (persistent typed facts). All memory reads and writes performed
// on behalf of nodes go through the Coordinator, which enforces the flow's
// closed entity-type vocabulary and resolves the effective write policy.
package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/voxflow/voxflow/internal/store"
	"github.com/voxflow/voxflow/pkg/schema"
)

// Scope names a memory tier.
type Scope string

const (
	ScopeWorking  Scope = "working"
	ScopeSemantic Scope = "semantic"
)

// Write is one memory side effect emitted by a node execution. Working
// writes land in session variables under Variable; semantic writes land in
// the persistent store under (EntityType, Attribute).
type Write struct {
	Scope      Scope
	EntityType string
	Attribute  string
	Variable   string // working-memory key; defaults to Attribute
	Value      any
	Overwrite  *bool // nil = policy default
	TTL        time.Duration
}

// Policy is the effective memory policy after merging node config over
// flow defaults over system defaults.
type Policy struct {
	AutoRetrieve bool
	AutoStore    bool
	Overwrite    bool
	TTL          time.Duration
}

// systemDefaults applies when neither flow nor node states a preference:
// retrieval from semantic memory is on, automatic storage is off, and
// overwrite wins on conflict.
var systemDefaults = Policy{AutoRetrieve: true, AutoStore: false, Overwrite: true}

// SkipDecision is the outcome of checking whether an elicitation can be
// satisfied from memory instead of asking the user.
type SkipDecision struct {
	Skip   bool
	Value  any
	Source Scope // which tier satisfied it
}

// Coordinator mediates memory access for one turn. Semantic writes are
// staged rather than committed: Flush sends them to the store at the turn's
// commit point, so a failed turn rolls its semantic writes back along with
// the session. Reads see staged writes first.
type Coordinator struct {
	semantic    store.SemanticStore
	defaults    Policy
	entityTypes map[string]bool
	staged      []stagedWrite
}

type stagedWrite struct {
	entity    *store.SemanticEntity
	overwrite bool
	nodeID    string
}

// NewCoordinator builds a coordinator for a flow. entityTypes is the flow's
// closed vocabulary; writes against any other type are rejected. flowDefaults
// may be nil.
func NewCoordinator(semantic store.SemanticStore, entityTypes []string, flowDefaults *schema.MemoryDefaults) *Coordinator {
	defaults := systemDefaults
	if flowDefaults != nil {
		defaults.AutoRetrieve = flowDefaults.AutoRetrieve
		defaults.AutoStore = flowDefaults.AutoStore
	}
	types := make(map[string]bool, len(entityTypes))
	for _, t := range entityTypes {
		types[t] = true
	}
	return &Coordinator{semantic: semantic, defaults: defaults, entityTypes: types}
}

// Defaults returns the flow-level policy before node overrides.
func (c *Coordinator) Defaults() Policy { return c.defaults }

// NodePolicy merges a node's optional auto_retrieve/auto_store overrides
// over the flow defaults. Node wins, then flow, then system.
func (c *Coordinator) NodePolicy(autoRetrieve, autoStore *bool) Policy {
	p := c.defaults
	if autoRetrieve != nil {
		p.AutoRetrieve = *autoRetrieve
	}
	if autoStore != nil {
		p.AutoStore = *autoStore
	}
	return p
}

// ValidateEntityType rejects writes against types outside the flow's
// vocabulary. An empty vocabulary admits nothing.
func (c *Coordinator) ValidateEntityType(entityType string) error {
	if entityType == "" {
		return schema.NewError(schema.ErrCodeMemory, "semantic write requires an entity type")
	}
	if !c.entityTypes[entityType] {
		return schema.NewErrorf(schema.ErrCodeMemory,
			"entity type %q is not in the flow vocabulary", entityType)
	}
	return nil
}

// Apply takes the writes a node emitted. Working writes mutate the session
// copy in place; semantic writes are staged with provenance until Flush.
// Validation happens before any write lands so one bad write rejects the
// whole batch.
func (c *Coordinator) Apply(ctx context.Context, sess *store.Session, nodeID string, writes []Write) error {
	for i := range writes {
		if writes[i].Scope == ScopeSemantic {
			if err := c.ValidateEntityType(writes[i].EntityType); err != nil {
				return schema.AsFlowError(err).WithNode(nodeID)
			}
			if writes[i].Attribute == "" {
				return schema.NewError(schema.ErrCodeMemory, "semantic write requires an attribute").WithNode(nodeID)
			}
		}
	}
	for _, w := range writes {
		switch w.Scope {
		case ScopeWorking:
			key := w.Variable
			if key == "" {
				key = w.Attribute
			}
			if key == "" {
				return schema.NewError(schema.ErrCodeMemory, "working write requires a variable name").WithNode(nodeID)
			}
			if sess.Vars == nil {
				sess.Vars = map[string]any{}
			}
			sess.Vars[key] = w.Value
		case ScopeSemantic:
			overwrite := c.defaults.Overwrite
			if w.Overwrite != nil {
				overwrite = *w.Overwrite
			}
			e := &store.SemanticEntity{
				OrgID:      sess.OrgID,
				UserID:     sess.UserID,
				EntityType: w.EntityType,
				Attribute:  w.Attribute,
				Value:      w.Value,
				WrittenBy:  fmt.Sprintf("%s/%s", sess.ID, nodeID),
				WrittenAt:  time.Now().UTC(),
			}
			if w.TTL > 0 {
				exp := time.Now().UTC().Add(w.TTL)
				e.ExpiresAt = &exp
			}
			c.staged = append(c.staged, stagedWrite{entity: e, overwrite: overwrite, nodeID: nodeID})
		default:
			return schema.NewErrorf(schema.ErrCodeMemory, "unknown memory scope %q", w.Scope).WithNode(nodeID)
		}
	}
	return nil
}

// Flush commits the staged semantic writes to the store, in the order the
// nodes emitted them. Called once per turn, at the same point the session
// itself persists.
func (c *Coordinator) Flush(ctx context.Context) error {
	for _, s := range c.staged {
		if err := c.semantic.PutEntity(ctx, s.entity, s.overwrite); err != nil {
			return schema.NewErrorf(schema.ErrCodeMemory,
				"store %s.%s", s.entity.EntityType, s.entity.Attribute).WithNode(s.nodeID).WithCause(err)
		}
	}
	c.staged = nil
	return nil
}

// Retrieve reads a semantic fact, consulting this turn's staged writes
// before the store. The bool reports presence; absence is not an error.
func (c *Coordinator) Retrieve(ctx context.Context, sess *store.Session, entityType, attribute string) (any, bool, error) {
	if err := c.ValidateEntityType(entityType); err != nil {
		return nil, false, err
	}
	for i := len(c.staged) - 1; i >= 0; i-- {
		e := c.staged[i].entity
		if e.OrgID == sess.OrgID && e.UserID == sess.UserID &&
			e.EntityType == entityType && e.Attribute == attribute {
			return e.Value, true, nil
		}
	}
	e, err := c.semantic.GetEntity(ctx, sess.OrgID, sess.UserID, entityType, attribute)
	if err != nil {
		if schema.ErrorCodeOf(err) == schema.ErrCodeNotFound {
			return nil, false, nil
		}
		return nil, false, schema.NewErrorf(schema.ErrCodeMemory,
			"retrieve %s.%s", entityType, attribute).WithCause(err)
	}
	return e.Value, true, nil
}

// Check reports whether a semantic fact exists without binding its value.
func (c *Coordinator) Check(ctx context.Context, sess *store.Session, entityType, attribute string) (bool, error) {
	_, ok, err := c.Retrieve(ctx, sess, entityType, attribute)
	return ok, err
}

// ResolveElicitationSkip decides whether an elicitation node can skip
// asking. Working memory is consulted first: a value the user gave this
// session always beats a stored fact. Semantic memory is consulted only
// when the effective policy has auto-retrieve on and the node names an
// entity type.
func (c *Coordinator) ResolveElicitationSkip(ctx context.Context, sess *store.Session, slot, entityType string, policy Policy) (SkipDecision, error) {
	if v, ok := sess.Vars[slot]; ok && v != nil {
		return SkipDecision{Skip: true, Value: v, Source: ScopeWorking}, nil
	}
	if !policy.AutoRetrieve || entityType == "" {
		return SkipDecision{}, nil
	}
	v, ok, err := c.Retrieve(ctx, sess, entityType, slot)
	if err != nil {
		return SkipDecision{}, err
	}
	if !ok {
		return SkipDecision{}, nil
	}
	return SkipDecision{Skip: true, Value: v, Source: ScopeSemantic}, nil
}

// ClearUser removes all semantic facts for a user, optionally limited to
// one entity type.
func (c *Coordinator) ClearUser(ctx context.Context, orgID, userID, entityType string) error {
	if entityType != "" {
		if err := c.ValidateEntityType(entityType); err != nil {
			return err
		}
	}
	return c.semantic.DeleteEntities(ctx, orgID, userID, entityType)
}
