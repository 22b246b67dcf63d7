package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
)

// fakeManagementStore implements ManagementStore with just enough behavior
// to exercise config export/get/set.
type fakeManagementStore struct {
	config *gateway.GatewayConfig
}

func (f *fakeManagementStore) ListUsers(context.Context) ([]gateway.User, error) { return nil, nil }
func (f *fakeManagementStore) GetUser(context.Context, string) (*gateway.User, error) {
	return nil, gateway.ErrNotFound
}
func (f *fakeManagementStore) ListRoles(context.Context) ([]gateway.Role, error) { return nil, nil }
func (f *fakeManagementStore) GetRole(context.Context, string) (*gateway.Role, error) {
	return nil, gateway.ErrNotFound
}
func (f *fakeManagementStore) AddRole(context.Context, *gateway.Role) error      { return nil }
func (f *fakeManagementStore) UpdateRole(context.Context, *gateway.Role) error   { return nil }
func (f *fakeManagementStore) DeleteRole(context.Context, string) error         { return nil }
func (f *fakeManagementStore) ListRoleBindings(context.Context, string) ([]gateway.RoleBinding, error) {
	return nil, nil
}
func (f *fakeManagementStore) AddRoleBinding(context.Context, *gateway.RoleBinding) error { return nil }
func (f *fakeManagementStore) DeleteRoleBinding(context.Context, string) error            { return nil }
func (f *fakeManagementStore) ListServerACLs(context.Context, string) ([]gateway.ServerACL, error) {
	return nil, nil
}
func (f *fakeManagementStore) SetServerACL(context.Context, *gateway.ServerACL) error { return nil }
func (f *fakeManagementStore) ListProviders(context.Context) ([]gateway.OAuthProvider, error) {
	return nil, nil
}
func (f *fakeManagementStore) AddProvider(context.Context, *gateway.OAuthProvider) error { return nil }
func (f *fakeManagementStore) DeleteProvider(context.Context, string) error              { return nil }

func (f *fakeManagementStore) GetConfig(context.Context) (*gateway.GatewayConfig, error) {
	return f.config, nil
}
func (f *fakeManagementStore) SetConfig(_ context.Context, c *gateway.GatewayConfig) error {
	f.config = c
	return nil
}

// allowAllPerms grants every permission, for tests that don't exercise RBAC.
type allowAllPerms struct{}

func (allowAllPerms) HasPermission(context.Context, string, gateway.Permission) (bool, error) {
	return true, nil
}

func newTestManagementService(store *fakeManagementStore) *ManagementService {
	return NewManagementService(store, nil, allowAllPerms{}, nil, nil, nil)
}

func TestManagementService_ExportConfig(t *testing.T) {
	store := &fakeManagementStore{config: &gateway.GatewayConfig{
		TokenTTLMinutes:    60,
		RateLimitRPM:       120,
		AllowedOrigins:     []string{"https://example.com"},
		AuditRetentionDays: 30,
		UpdatedAt:          time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}}
	svc := newTestManagementService(store)

	result, err := svc.Dispatch(context.Background(), "admin", "config.export", nil)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}

	yamlStr, ok := result.(string)
	if !ok {
		t.Fatalf("expected string result, got %T", result)
	}
	if !strings.Contains(yamlStr, "rate_limit_rpm: 120") {
		t.Errorf("expected exported YAML to contain rate_limit_rpm, got:\n%s", yamlStr)
	}
	if !strings.Contains(yamlStr, "token_ttl_minutes: 60") {
		t.Errorf("expected exported YAML to contain token_ttl_minutes, got:\n%s", yamlStr)
	}
}

func TestManagementService_ExportConfig_IsNotAMutation(t *testing.T) {
	if isMutation("config.export") {
		t.Error("config.export should not be treated as a mutation")
	}
}

func TestManagementService_DispatchUnknownMethod(t *testing.T) {
	store := &fakeManagementStore{config: &gateway.GatewayConfig{}}
	svc := newTestManagementService(store)

	_, err := svc.Dispatch(context.Background(), "admin", "nonexistent.method", nil)
	if err == nil {
		t.Fatal("expected an error for an unknown method")
	}
}

func TestManagementService_ConfigGet(t *testing.T) {
	store := &fakeManagementStore{config: &gateway.GatewayConfig{RateLimitRPM: 42}}
	svc := newTestManagementService(store)

	result, err := svc.Dispatch(context.Background(), "admin", "config.get", nil)
	if err != nil {
		t.Fatalf("Dispatch() error: %v", err)
	}
	cfg, ok := result.(*gateway.GatewayConfig)
	if !ok {
		t.Fatalf("expected *gateway.GatewayConfig, got %T", result)
	}
	if cfg.RateLimitRPM != 42 {
		t.Errorf("expected RateLimitRPM=42, got %d", cfg.RateLimitRPM)
	}
}
