// Package gateway holds the persisted entity types for the MCP gateway:
// upstream servers, discovered tools, OAuth providers, users, RBAC roles and
// bindings, server ACLs, AD group mappings, audit events, and gateway
// configuration. These are the records C1 (Store) persists and every other
// component reads or writes through the Store port.
package gateway

import "time"

// UpstreamServer is a registered MCP server the gateway proxies tool calls to.
type UpstreamServer struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	URL         string    `json:"url"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Status      string    `json:"status"` // pending, healthy, degraded, unhealthy, disconnected
	LastSeenAt  time.Time `json:"last_seen_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	ToolCount   int       `json:"tool_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Tool is derived from an upstream's tools/list response and cached by C8.
// Not independently persisted; recomputed on every discovery/refresh cycle.
type Tool struct {
	QualifiedName string                 `json:"qualified_name"`
	RawName       string                 `json:"raw_name"`
	ServerID      string                 `json:"server_id"`
	Description   string                 `json:"description,omitempty"`
	InputSchema   map[string]interface{} `json:"input_schema,omitempty"`
	RiskLevel     string                 `json:"risk_level,omitempty"`
}

// OAuthProvider is a configured upstream identity provider the gateway's
// auth plane can initiate authorization-code flows against.
type OAuthProvider struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Issuer        string    `json:"issuer"`
	ClientID      string    `json:"client_id"`
	ClientSecret  string    `json:"-"` // decrypted in memory only, never marshaled
	AuthURL       string    `json:"auth_url"`
	TokenURL      string    `json:"token_url"`
	UserInfoURL   string    `json:"userinfo_url,omitempty"`
	Scopes        []string  `json:"scopes"`
	ADGroupClaim  string    `json:"ad_group_claim,omitempty"`
	Enabled       bool      `json:"enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// User is a principal that has authenticated at least once via an OAuthProvider.
type User struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Name       string    `json:"name"`
	ProviderID string    `json:"provider_id"`
	Disabled   bool      `json:"disabled"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Permission is a closed, enumerated capability string.
type Permission string

// The complete permission set. Closed: no caller may introduce a new value.
const (
	PermServerView   Permission = "server:view"
	PermServerAdd    Permission = "server:add"
	PermServerEdit   Permission = "server:edit"
	PermServerDelete Permission = "server:delete"
	PermServerTest   Permission = "server:test"

	PermToolView    Permission = "tool:view"
	PermToolExecute Permission = "tool:execute"
	PermToolManage  Permission = "tool:manage"

	PermConfigView Permission = "config:view"
	PermConfigEdit Permission = "config:edit"

	PermUserView   Permission = "user:view"
	PermUserManage Permission = "user:manage"

	PermRoleView   Permission = "role:view"
	PermRoleManage Permission = "role:manage"

	PermAuditView Permission = "audit:view"

	PermOAuthManage Permission = "oauth:manage"
)

// AllPermissions is the closed set used to validate role definitions.
var AllPermissions = []Permission{
	PermServerView, PermServerAdd, PermServerEdit, PermServerDelete, PermServerTest,
	PermToolView, PermToolExecute, PermToolManage,
	PermConfigView, PermConfigEdit,
	PermUserView, PermUserManage,
	PermRoleView, PermRoleManage,
	PermAuditView,
	PermOAuthManage,
}

// System role IDs. These three always exist and their minimum permission
// sets cannot be reduced below SystemRoleMinima, though additional
// permissions may be layered on via a non-system role binding.
const (
	RoleAdmin  = "admin"
	RoleUser   = "user"
	RoleViewer = "viewer"
)

// SystemRoleMinima is the floor of permissions each system role must retain.
var SystemRoleMinima = map[string][]Permission{
	RoleAdmin: AllPermissions,
	RoleUser: {
		PermServerView, PermToolView, PermToolExecute,
	},
	RoleViewer: {
		PermServerView, PermToolView, PermAuditView,
	},
}

// Role is a named, persisted bundle of permissions.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
	IsSystem    bool         `json:"is_system"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// HasPermission reports whether the role grants perm directly.
func (r *Role) HasPermission(perm Permission) bool {
	for _, p := range r.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// RoleBinding assigns a role to a user.
type RoleBinding struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ServerACL restricts which tools on a given upstream a role may invoke.
// ToolPattern is a CEL boolean expression evaluated against the candidate
// tool's qualified_name/raw_name/server_id; an empty pattern matches every
// tool on the server (full access), matching ACL-subsumption semantics
// where a broader, unset pattern subsumes narrower explicit ones.
type ServerACL struct {
	ID          string    `json:"id"`
	RoleID      string    `json:"role_id"`
	ServerID    string    `json:"server_id"`
	ToolPattern string    `json:"tool_pattern,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ADGroupMapping maps an LDAP/AD group distinguished name to a role. When a
// user's provider claims list several matching group DNs, the effective
// role set is the union of every mapped role (see DESIGN.md Open Question d).
type ADGroupMapping struct {
	ID        string    `json:"id"`
	GroupDN   string    `json:"group_dn"`
	RoleID    string    `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEvent is a single immutable audit record.
type AuditEvent struct {
	EventID      string                 `json:"event_id"`
	Timestamp    time.Time              `json:"ts"`
	Kind         string                 `json:"kind"`
	Severity     string                 `json:"severity"` // debug|info|warn|error|critical
	UserID       string                 `json:"user_id,omitempty"`
	UserEmail    string                 `json:"user_email,omitempty"`
	IP           string                 `json:"ip,omitempty"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	Action       string                 `json:"action"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Success      bool                   `json:"success"`
}

// The full set of audit event kinds this gateway emits.
const (
	AuditKindAuthLoginSucceeded   = "auth.login_succeeded"
	AuditKindAuthLoginFailed      = "auth.login_failed"
	AuditKindAuthLogout           = "auth.logout"
	AuditKindAuthzDenied          = "authz.denied"
	AuditKindServerAdded          = "server.added"
	AuditKindServerUpdated        = "server.updated"
	AuditKindServerRemoved        = "server.removed"
	AuditKindServerTested         = "server.tested"
	AuditKindToolInvoked          = "tool.invoked"
	AuditKindToolDenied           = "tool.denied"
	AuditKindUserCreated          = "user.created"
	AuditKindUserDisabled         = "user.disabled"
	AuditKindRoleAssigned         = "role.assigned"
	AuditKindRoleRevoked          = "role.revoked"
	AuditKindRoleCreated          = "role.created"
	AuditKindRoleUpdated          = "role.updated"
	AuditKindRoleDeleted          = "role.deleted"
	AuditKindOAuthProviderAdded   = "oauth_provider.added"
	AuditKindOAuthProviderRemoved = "oauth_provider.removed"
	AuditKindACLSet               = "acl.set"
	AuditKindACLCleared           = "acl.cleared"
	AuditKindConfigChanged        = "config.changed"
	AuditKindSecurityRateLimited  = "security.rate_limited"
)

// JSON-RPC error.data.kind values the HTTP frontend attaches to transport-
// and middleware-level rejections, alongside the real HTTP status each kind
// always carries regardless of which handler layer raises it.
const (
	ErrKindBadRequest          = "BAD_REQUEST"
	ErrKindUnauthenticated     = "UNAUTHENTICATED"
	ErrKindForbidden           = "FORBIDDEN"
	ErrKindNotFound            = "NOT_FOUND"
	ErrKindMethodNotFound      = "METHOD_NOT_FOUND"
	ErrKindUnsupportedProtocol = "UNSUPPORTED_PROTOCOL"
	ErrKindNotInitialized      = "NOT_INITIALIZED"
	ErrKindConflict            = "CONFLICT"
	ErrKindRateLimited         = "RATE_LIMITED"
	ErrKindInternal            = "INTERNAL"
)

// GatewayConfig is the single row of runtime-tunable configuration persisted
// in the store (distinct from the process-start-time env/YAML config).
type GatewayConfig struct {
	TokenTTLMinutes    int      `json:"token_ttl_minutes"`
	RateLimitRPM       int      `json:"rate_limit_rpm"`
	AllowedOrigins     []string `json:"allowed_origins"`
	AuditRetentionDays int      `json:"audit_retention_days"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AdminBootstrapCredential is the single local admin account seeded on first
// start, before any OAuthProvider is registered, so the gateway has a way in.
type AdminBootstrapCredential struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
}

// MCPSession is in-memory only (never persisted) — a negotiated MCP
// connection between a client and the gateway.
type MCPSession struct {
	ID              string
	UserID          string
	UserEmail       string
	Roles           []string
	ProtocolVersion string
	Initialized     bool
	CreatedAt       time.Time
	LastAccess      time.Time
	ExpiresAt       time.Time
}

// IsExpired reports whether the session has passed its idle deadline.
func (s *MCPSession) IsExpired() bool {
	return time.Now().UTC().After(s.ExpiresAt)
}

// Touch refreshes LastAccess/ExpiresAt after activity.
func (s *MCPSession) Touch(timeout time.Duration) {
	now := time.Now().UTC()
	s.LastAccess = now
	s.ExpiresAt = now.Add(timeout)
}

// OAuthFlow is in-memory only, TTL-bound — the PKCE state for a single
// in-flight authorization-code exchange.
type OAuthFlow struct {
	State         string
	Nonce         string
	ProviderID    string
	CodeVerifier  string
	RedirectURI   string
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// IsExpired reports whether the flow state has outlived its TTL.
func (f *OAuthFlow) IsExpired() bool {
	return time.Now().UTC().After(f.ExpiresAt)
}
