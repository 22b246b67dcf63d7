// Package rbac implements the C4 authorization engine: permission-set
// lookup over cached per-user role unions, and ACL-subsumption checks for
// tool access on a given upstream server.
package rbac

import (
	"context"
	"fmt"
	"sync"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
)

// CELEvaluator matches a tool against a CEL boolean expression. Satisfied by
// internal/adapter/outbound/cel.ToolMatcher.
type CELEvaluator interface {
	Matches(ctx context.Context, expr string, vars map[string]interface{}) (bool, error)
}

// Store is the subset of gateway.Store the RBAC engine reads.
type Store interface {
	GetUser(ctx context.Context, id string) (*gateway.User, error)
	ListRoleBindings(ctx context.Context, userID string) ([]gateway.RoleBinding, error)
	GetRole(ctx context.Context, id string) (*gateway.Role, error)
	ListServerACLsForRole(ctx context.Context, roleID string) ([]gateway.ServerACL, error)
}

// permissionSet is an immutable snapshot of one user's effective
// permissions and role IDs, swapped in wholesale on invalidation
// (copy-on-write — readers never block a writer and vice versa).
type permissionSet struct {
	perms   map[gateway.Permission]struct{}
	roleIDs []string
}

// Engine caches per-user permission unions and answers has_permission /
// can_use_tool queries in O(1) amortized time.
type Engine struct {
	store Store
	cel   CELEvaluator

	mu    sync.RWMutex
	cache map[string]*permissionSet // userID -> snapshot
}

// NewEngine constructs an Engine over store, optionally using cel for
// ACL tool-pattern matching (nil disables pattern matching, treating any
// non-empty pattern as non-matching).
func NewEngine(store Store, cel CELEvaluator) *Engine {
	return &Engine{store: store, cel: cel, cache: make(map[string]*permissionSet)}
}

// Invalidate drops the cached permission snapshot for a user, forcing the
// next query to rebuild it from the store. Called whenever a role binding
// or a role's permission set changes.
func (e *Engine) Invalidate(userID string) {
	e.mu.Lock()
	delete(e.cache, userID)
	e.mu.Unlock()
}

// InvalidateAll drops every cached snapshot, used when a role definition
// itself changes (affecting every user bound to it).
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	e.cache = make(map[string]*permissionSet)
	e.mu.Unlock()
}

func (e *Engine) snapshot(ctx context.Context, userID string) (*permissionSet, error) {
	e.mu.RLock()
	cached, ok := e.cache[userID]
	e.mu.RUnlock()
	if ok {
		return cached, nil
	}

	bindings, err := e.store.ListRoleBindings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list role bindings: %w", err)
	}

	perms := make(map[gateway.Permission]struct{})
	roleIDs := make([]string, 0, len(bindings))
	for _, b := range bindings {
		role, err := e.store.GetRole(ctx, b.RoleID)
		if err != nil {
			continue // a dangling binding to a deleted role grants nothing
		}
		roleIDs = append(roleIDs, role.ID)
		for _, p := range role.Permissions {
			perms[p] = struct{}{}
		}
	}

	snap := &permissionSet{perms: perms, roleIDs: roleIDs}

	e.mu.Lock()
	e.cache[userID] = snap
	e.mu.Unlock()

	return snap, nil
}

// HasPermission reports whether userID's effective role union grants perm.
func (e *Engine) HasPermission(ctx context.Context, userID string, perm gateway.Permission) (bool, error) {
	snap, err := e.snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	_, ok := snap.perms[perm]
	return ok, nil
}

// CanUseTool reports whether userID may invoke a tool on serverID. A role
// with tool:execute and no ACL row for serverID has unrestricted access to
// every tool on that server (the absence of an ACL is the broadest grant,
// subsuming any narrower pattern a different role might carry). A role
// with an ACL row must match the row's ToolPattern (a CEL boolean
// expression over qualified_name/raw_name/server_id); an empty pattern
// also grants unrestricted access to that server.
func (e *Engine) CanUseTool(ctx context.Context, userID string, tool gateway.Tool) (bool, error) {
	snap, err := e.snapshot(ctx, userID)
	if err != nil {
		return false, err
	}
	if _, ok := snap.perms[gateway.PermToolExecute]; !ok {
		return false, nil
	}

	for _, roleID := range snap.roleIDs {
		role, err := e.store.GetRole(ctx, roleID)
		if err != nil || !role.HasPermission(gateway.PermToolExecute) {
			continue
		}
		acls, err := e.store.ListServerACLsForRole(ctx, roleID)
		if err != nil {
			continue
		}
		restricted := false
		for _, acl := range acls {
			if acl.ServerID != tool.ServerID {
				continue
			}
			restricted = true
			if acl.ToolPattern == "" {
				return true, nil
			}
			if e.cel == nil {
				continue
			}
			matched, err := e.cel.Matches(ctx, acl.ToolPattern, map[string]interface{}{
				"qualified_name": tool.QualifiedName,
				"raw_name":       tool.RawName,
				"server_id":      tool.ServerID,
			})
			if err == nil && matched {
				return true, nil
			}
		}
		if !restricted {
			// No ACL row at all for this server under this role: unrestricted.
			return true, nil
		}
	}
	return false, nil
}

// EffectiveRoleIDs returns the role IDs bound to userID (for audit/display).
func (e *Engine) EffectiveRoleIDs(ctx context.Context, userID string) ([]string, error) {
	snap, err := e.snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return snap.roleIDs, nil
}

// SystemRoleSeeds returns the three built-in roles this gateway always
// seeds on first start, with their fixed permission minima.
func SystemRoleSeeds() []gateway.Role {
	return []gateway.Role{
		{
			ID: gateway.RoleAdmin, Name: "Administrator",
			Description: "Full access to every gateway capability.",
			Permissions: gateway.SystemRoleMinima[gateway.RoleAdmin], IsSystem: true,
		},
		{
			ID: gateway.RoleUser, Name: "User",
			Description: "Can view servers and invoke tools.",
			Permissions: gateway.SystemRoleMinima[gateway.RoleUser], IsSystem: true,
		},
		{
			ID: gateway.RoleViewer, Name: "Viewer",
			Description: "Read-only access to servers, tools, and audit history.",
			Permissions: gateway.SystemRoleMinima[gateway.RoleViewer], IsSystem: true,
		},
	}
}
