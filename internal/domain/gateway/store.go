package gateway

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared across every Store entity family. Adapters map
// driver-specific errors (e.g. SQLite UNIQUE constraint violations) onto
// these so callers never depend on the backing storage engine.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrConflict      = errors.New("conflict")
)

// AuditFilter narrows an audit query by time range, kind, severity, and
// principal; pagination is offset/limit.
type AuditFilter struct {
	From      time.Time
	To        time.Time
	Kind      string
	Severity  string
	UserID    string
	UserEmail string
	Limit     int
	Offset    int
}

// Store is the C1 persistence port: one embedded relational store behind a
// single interface, segmented by entity family. Every mutation is ACID;
// every adapter method takes a context so callers can bound it.
type Store interface {
	// Servers
	ListServers(ctx context.Context) ([]UpstreamServer, error)
	GetServer(ctx context.Context, id string) (*UpstreamServer, error)
	AddServer(ctx context.Context, s *UpstreamServer) error
	UpdateServer(ctx context.Context, s *UpstreamServer) error
	DeleteServer(ctx context.Context, id string) error

	// OAuth providers. ClientSecret is encrypted at rest with C2; the Store
	// returns it decrypted so callers never see ciphertext.
	ListProviders(ctx context.Context) ([]OAuthProvider, error)
	GetProvider(ctx context.Context, id string) (*OAuthProvider, error)
	AddProvider(ctx context.Context, p *OAuthProvider) error
	UpdateProvider(ctx context.Context, p *OAuthProvider) error
	DeleteProvider(ctx context.Context, id string) error

	// Users
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	AddUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error
	DeleteUser(ctx context.Context, id string) error

	// Roles
	ListRoles(ctx context.Context) ([]Role, error)
	GetRole(ctx context.Context, id string) (*Role, error)
	AddRole(ctx context.Context, r *Role) error
	UpdateRole(ctx context.Context, r *Role) error
	DeleteRole(ctx context.Context, id string) error

	// Role bindings
	ListRoleBindings(ctx context.Context, userID string) ([]RoleBinding, error)
	AddRoleBinding(ctx context.Context, b *RoleBinding) error
	DeleteRoleBinding(ctx context.Context, id string) error

	// Server ACLs
	ListServerACLs(ctx context.Context, serverID string) ([]ServerACL, error)
	ListServerACLsForRole(ctx context.Context, roleID string) ([]ServerACL, error)
	SetServerACL(ctx context.Context, a *ServerACL) error
	DeleteServerACLsForServer(ctx context.Context, serverID string) error

	// AD group mappings
	ListADGroupMappings(ctx context.Context) ([]ADGroupMapping, error)
	AddADGroupMapping(ctx context.Context, m *ADGroupMapping) error
	DeleteADGroupMapping(ctx context.Context, id string) error

	// Audit
	AppendAudit(ctx context.Context, e *AuditEvent) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEvent, error)
	PurgeAuditBefore(ctx context.Context, before time.Time) (int64, error)

	// Config (single row, upserted)
	GetConfig(ctx context.Context) (*GatewayConfig, error)
	SetConfig(ctx context.Context, c *GatewayConfig) error

	// Bootstrap admin credential (single row)
	GetBootstrapCredential(ctx context.Context) (*AdminBootstrapCredential, error)
	SetBootstrapCredential(ctx context.Context, c *AdminBootstrapCredential) error

	Close() error
}
