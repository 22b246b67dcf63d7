package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
)

// ManagementStore is the subset of gateway.Store the management plane reads
// and mutates. It is a wide interface (nearly the whole Store) because the
// admin surface genuinely spans every entity family.
type ManagementStore interface {
	ListUsers(ctx context.Context) ([]gateway.User, error)
	GetUser(ctx context.Context, id string) (*gateway.User, error)

	ListRoles(ctx context.Context) ([]gateway.Role, error)
	GetRole(ctx context.Context, id string) (*gateway.Role, error)
	AddRole(ctx context.Context, r *gateway.Role) error
	UpdateRole(ctx context.Context, r *gateway.Role) error
	DeleteRole(ctx context.Context, id string) error

	ListRoleBindings(ctx context.Context, userID string) ([]gateway.RoleBinding, error)
	AddRoleBinding(ctx context.Context, b *gateway.RoleBinding) error
	DeleteRoleBinding(ctx context.Context, id string) error

	ListServerACLs(ctx context.Context, serverID string) ([]gateway.ServerACL, error)
	SetServerACL(ctx context.Context, a *gateway.ServerACL) error

	ListProviders(ctx context.Context) ([]gateway.OAuthProvider, error)
	AddProvider(ctx context.Context, p *gateway.OAuthProvider) error
	DeleteProvider(ctx context.Context, id string) error

	GetConfig(ctx context.Context) (*gateway.GatewayConfig, error)
	SetConfig(ctx context.Context, c *gateway.GatewayConfig) error
}

// ManagementService implements the admin JSON-RPC method table at /manage:
// server.*, oauth.provider.*, role.*, user.*, acl.*, audit.*, config.*. Every
// method is gated by an explicit permission check ahead of dispatch and
// every mutation is audited, generalizing the base repository's REST
// AdminAPIHandler into a single dispatch-table surface.
type ManagementService struct {
	store    ManagementStore
	registry *UpstreamRegistryService
	perms    PermissionChecker
	audit    *GatewayAuditService
	sealer   Sealer
	logger   *slog.Logger
}

// PermissionChecker is the subset of rbac.Engine needed for non-tool
// permission checks (role/user/server/config/audit management).
type PermissionChecker interface {
	HasPermission(ctx context.Context, userID string, perm gateway.Permission) (bool, error)
}

// Sealer matches crypto.Box's Seal signature. addProvider hands the
// plaintext client secret to the store, which seals it at rest itself.
type Sealer interface {
	Seal(plaintext string) ([]byte, error)
}

// NewManagementService constructs a ManagementService.
func NewManagementService(store ManagementStore, registry *UpstreamRegistryService, perms PermissionChecker, audit *GatewayAuditService, sealer Sealer, logger *slog.Logger) *ManagementService {
	return &ManagementService{store: store, registry: registry, perms: perms, audit: audit, sealer: sealer, logger: logger}
}

// ErrPermissionDenied is returned when the caller lacks the permission a
// method requires.
var ErrPermissionDenied = fmt.Errorf("permission denied")

// methodPermission is the exact gate each management method requires.
var methodPermission = map[string]gateway.Permission{
	"server.add":            gateway.PermServerAdd,
	"server.list":           gateway.PermServerView,
	"server.get":            gateway.PermServerView,
	"server.remove":         gateway.PermServerDelete,
	"server.test":           gateway.PermServerTest,
	"oauth.provider.add":    gateway.PermOAuthManage,
	"oauth.provider.list":   gateway.PermOAuthManage,
	"oauth.provider.remove": gateway.PermOAuthManage,
	"role.list":             gateway.PermRoleView,
	"role.create":           gateway.PermRoleManage,
	"role.update":           gateway.PermRoleManage,
	"role.delete":           gateway.PermRoleManage,
	"user.list":             gateway.PermUserView,
	"user.assign_role":      gateway.PermUserManage,
	"user.revoke_role":      gateway.PermUserManage,
	"acl.set":               gateway.PermToolManage,
	"acl.clear":             gateway.PermToolManage,
	"audit.query":           gateway.PermAuditView,
	"audit.statistics":      gateway.PermAuditView,
	"config.get":            gateway.PermConfigView,
	"config.set":            gateway.PermConfigEdit,
	"config.export":         gateway.PermConfigView,
}

// Dispatch runs one management JSON-RPC method for callerID, enforcing its
// permission gate and recording an audit event for every mutation.
func (m *ManagementService) Dispatch(ctx context.Context, callerID, method string, params map[string]interface{}) (interface{}, error) {
	perm, known := methodPermission[method]
	if !known {
		return nil, fmt.Errorf("%w: unknown method %q", gateway.ErrNotFound, method)
	}
	allowed, err := m.perms.HasPermission(ctx, callerID, perm)
	if err != nil {
		return nil, fmt.Errorf("permission check: %w", err)
	}
	if !allowed {
		if m.audit != nil {
			m.audit.Record(ctx, gateway.AuditEvent{
				Kind: gateway.AuditKindAuthzDenied, UserID: callerID, Action: method, Success: false,
			})
		}
		return nil, ErrPermissionDenied
	}

	result, err := m.dispatch(ctx, callerID, method, params)
	if isMutation(method) && m.audit != nil {
		m.audit.Record(ctx, gateway.AuditEvent{
			Kind: mutationAuditKind(method), UserID: callerID, Action: method,
			Success: err == nil, Details: params,
		})
	}
	return result, err
}

func isMutation(method string) bool {
	switch method {
	case "server.list", "server.get", "oauth.provider.list", "role.list",
		"user.list", "audit.query", "audit.statistics", "config.get", "config.export":
		return false
	default:
		return true
	}
}

func mutationAuditKind(method string) string {
	switch method {
	case "server.add":
		return gateway.AuditKindServerAdded
	case "server.remove":
		return gateway.AuditKindServerRemoved
	case "server.test":
		return gateway.AuditKindServerTested
	case "oauth.provider.add":
		return gateway.AuditKindOAuthProviderAdded
	case "oauth.provider.remove":
		return gateway.AuditKindOAuthProviderRemoved
	case "role.create":
		return gateway.AuditKindRoleCreated
	case "role.update":
		return gateway.AuditKindRoleUpdated
	case "role.delete":
		return gateway.AuditKindRoleDeleted
	case "user.assign_role":
		return gateway.AuditKindRoleAssigned
	case "user.revoke_role":
		return gateway.AuditKindRoleRevoked
	case "acl.set":
		return gateway.AuditKindACLSet
	case "acl.clear":
		return gateway.AuditKindACLCleared
	default:
		return gateway.AuditKindConfigChanged
	}
}

func (m *ManagementService) dispatch(ctx context.Context, callerID, method string, p map[string]interface{}) (interface{}, error) {
	switch method {
	case "server.add":
		return m.registry.AddServer(ctx, str(p, "name"), str(p, "url"), str(p, "description"))
	case "server.list":
		return m.registry.ListServers(ctx)
	case "server.get":
		return m.registry.GetServer(ctx, str(p, "id"))
	case "server.remove":
		return nil, m.registry.RemoveServer(ctx, str(p, "id"))
	case "server.test":
		return m.registry.TestServer(ctx, str(p, "id"))

	case "oauth.provider.add":
		return m.addProvider(ctx, p)
	case "oauth.provider.list":
		return m.store.ListProviders(ctx)
	case "oauth.provider.remove":
		return nil, m.store.DeleteProvider(ctx, str(p, "id"))

	case "role.list":
		return m.store.ListRoles(ctx)
	case "role.create":
		return m.createRole(ctx, p)
	case "role.update":
		return m.updateRole(ctx, p)
	case "role.delete":
		return nil, m.store.DeleteRole(ctx, str(p, "id"))

	case "user.list":
		return m.store.ListUsers(ctx)
	case "user.assign_role":
		return m.assignRole(ctx, p)
	case "user.revoke_role":
		return nil, m.revokeRole(ctx, p)

	case "acl.set":
		return m.setACL(ctx, p)
	case "acl.clear":
		return nil, m.clearACL(ctx, p)

	case "audit.query":
		return m.queryAudit(ctx, p)
	case "audit.statistics":
		return m.auditStatistics(ctx, p)

	case "config.get":
		return m.store.GetConfig(ctx)
	case "config.set":
		return m.setConfig(ctx, p)
	case "config.export":
		return m.exportConfig(ctx)
	}
	return nil, fmt.Errorf("%w: unhandled method %q", gateway.ErrNotFound, method)
}

// exportConfig returns the gateway's runtime-tunable config as a YAML
// document, for operators who want to diff/version it outside the database.
func (m *ManagementService) exportConfig(ctx context.Context) (string, error) {
	cfg, err := m.store.GetConfig(ctx)
	if err != nil {
		return "", err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal config to yaml: %w", err)
	}
	return string(data), nil
}

func (m *ManagementService) addProvider(ctx context.Context, p map[string]interface{}) (*gateway.OAuthProvider, error) {
	now := time.Now().UTC()
	provider := &gateway.OAuthProvider{
		ID: randomID(), Name: str(p, "name"), Issuer: str(p, "issuer"),
		ClientID: str(p, "client_id"), ClientSecret: str(p, "client_secret"),
		AuthURL: str(p, "auth_url"), TokenURL: str(p, "token_url"),
		UserInfoURL: str(p, "userinfo_url"), ADGroupClaim: str(p, "ad_group_claim"),
		Enabled: true, CreatedAt: now,
	}
	if err := m.store.AddProvider(ctx, provider); err != nil {
		return nil, err
	}
	return provider, nil
}

func (m *ManagementService) createRole(ctx context.Context, p map[string]interface{}) (*gateway.Role, error) {
	now := time.Now().UTC()
	role := &gateway.Role{
		ID: randomID(), Name: str(p, "name"), Description: str(p, "description"),
		Permissions: perms(p), CreatedAt: now, UpdatedAt: now,
	}
	if err := m.store.AddRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

func (m *ManagementService) updateRole(ctx context.Context, p map[string]interface{}) (*gateway.Role, error) {
	role, err := m.store.GetRole(ctx, str(p, "id"))
	if err != nil {
		return nil, err
	}
	if name := str(p, "name"); name != "" {
		role.Name = name
	}
	if newPerms := perms(p); len(newPerms) > 0 {
		role.Permissions = newPerms
	}
	if floor, ok := gateway.SystemRoleMinima[role.ID]; ok {
		role.Permissions = unionPermissions(role.Permissions, floor)
	}
	role.UpdatedAt = time.Now().UTC()
	if err := m.store.UpdateRole(ctx, role); err != nil {
		return nil, err
	}
	return role, nil
}

func unionPermissions(a, floor []gateway.Permission) []gateway.Permission {
	set := make(map[gateway.Permission]struct{}, len(a)+len(floor))
	for _, p := range a {
		set[p] = struct{}{}
	}
	for _, p := range floor {
		set[p] = struct{}{}
	}
	out := make([]gateway.Permission, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	return out
}

func (m *ManagementService) assignRole(ctx context.Context, p map[string]interface{}) (*gateway.RoleBinding, error) {
	binding := &gateway.RoleBinding{ID: randomID(), UserID: str(p, "user_id"), RoleID: str(p, "role_id"), CreatedAt: time.Now().UTC()}
	if err := m.store.AddRoleBinding(ctx, binding); err != nil {
		return nil, err
	}
	return binding, nil
}

func (m *ManagementService) revokeRole(ctx context.Context, p map[string]interface{}) error {
	userID, roleID := str(p, "user_id"), str(p, "role_id")
	bindings, err := m.store.ListRoleBindings(ctx, userID)
	if err != nil {
		return err
	}
	for _, b := range bindings {
		if b.RoleID == roleID {
			return m.store.DeleteRoleBinding(ctx, b.ID)
		}
	}
	return fmt.Errorf("%w: no binding for user %q role %q", gateway.ErrNotFound, userID, roleID)
}

func (m *ManagementService) setACL(ctx context.Context, p map[string]interface{}) (*gateway.ServerACL, error) {
	acl := &gateway.ServerACL{
		ID: randomID(), RoleID: str(p, "role_id"), ServerID: str(p, "server_id"),
		ToolPattern: str(p, "tool_pattern"), CreatedAt: time.Now().UTC(),
	}
	if err := m.store.SetServerACL(ctx, acl); err != nil {
		return nil, err
	}
	return acl, nil
}

func (m *ManagementService) clearACL(ctx context.Context, p map[string]interface{}) error {
	serverID, roleID := str(p, "server_id"), str(p, "role_id")
	acls, err := m.store.ListServerACLs(ctx, serverID)
	if err != nil {
		return err
	}
	for _, a := range acls {
		if a.RoleID == roleID {
			cleared := a
			cleared.ToolPattern = ""
			return m.store.SetServerACL(ctx, &cleared)
		}
	}
	return nil
}

func (m *ManagementService) queryAudit(ctx context.Context, p map[string]interface{}) ([]gateway.AuditEvent, error) {
	filter := gateway.AuditFilter{
		Kind: str(p, "kind"), Severity: str(p, "severity"),
		UserID: str(p, "user_id"), UserEmail: str(p, "user_email"),
	}
	if v, ok := p["limit"].(float64); ok {
		filter.Limit = int(v)
	}
	if v, ok := p["offset"].(float64); ok {
		filter.Offset = int(v)
	}
	return m.audit.Query(ctx, filter)
}

func (m *ManagementService) auditStatistics(ctx context.Context, p map[string]interface{}) (map[string]interface{}, error) {
	events, err := m.queryAudit(ctx, p)
	if err != nil {
		return nil, err
	}
	byKind := make(map[string]int)
	failures := 0
	for _, e := range events {
		byKind[e.Kind]++
		if !e.Success {
			failures++
		}
	}
	return map[string]interface{}{"total": len(events), "by_kind": byKind, "failures": failures}, nil
}

func (m *ManagementService) setConfig(ctx context.Context, p map[string]interface{}) (*gateway.GatewayConfig, error) {
	cfg, err := m.store.GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	if v, ok := p["token_ttl_minutes"].(float64); ok {
		cfg.TokenTTLMinutes = int(v)
	}
	if v, ok := p["rate_limit_rpm"].(float64); ok {
		cfg.RateLimitRPM = int(v)
	}
	if v, ok := p["audit_retention_days"].(float64); ok {
		cfg.AuditRetentionDays = int(v)
	}
	if v, ok := p["allowed_origins"].([]interface{}); ok {
		origins := make([]string, 0, len(v))
		for _, o := range v {
			if s, ok := o.(string); ok {
				origins = append(origins, s)
			}
		}
		cfg.AllowedOrigins = origins
	}
	cfg.UpdatedAt = time.Now().UTC()
	if err := m.store.SetConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func str(p map[string]interface{}, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func perms(p map[string]interface{}) []gateway.Permission {
	raw, ok := p["permissions"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]gateway.Permission, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, gateway.Permission(s))
		}
	}
	return out
}

func randomID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
