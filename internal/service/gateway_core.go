package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/oidc"
	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/sqlite"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/authplane"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/crypto"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/rbac"
)

// GatewayCore is the composition root: every module's component handles
// wired together once at startup, the gateway's equivalent of the base
// repository's runtime.Server aggregate.
type GatewayCore struct {
	Store *sqlite.Store
	Box   *crypto.Box
	JWT   *crypto.JWTIssuer

	Audit        *GatewayAuditService
	RBAC         *rbac.Engine
	FlowStore    *authplane.FlowStore
	AuthPlane    *AuthPlaneService
	Registry     *UpstreamRegistryService
	Sessions     *MCPSessionService
	Router       *ToolRouterService
	Management   *ManagementService
	RateLimiter  ratelimit.RateLimiter
	RateLimitRPM int

	logger *slog.Logger
}

// GatewayCoreConfig carries the subset of GatewayConfig GatewayCore needs to
// construct its components, decoupled from the config package so service
// stays free of a config import cycle.
type GatewayCoreConfig struct {
	DBPath             string
	EncryptionKey      []byte
	JWTSecret          []byte
	TokenTTL           time.Duration
	SessionIdleTimeout time.Duration
	RateLimitRPM       int
	Logger             *slog.Logger
}

// NewGatewayCore opens the SQLite store and wires every service on top of
// it, mirroring how the base repository's run() builds its stores and
// services once and passes the handles down to transports.
func NewGatewayCore(cfg GatewayCoreConfig) (*GatewayCore, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	box, err := crypto.NewBox(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create encryption box: %w", err)
	}

	store, err := sqlite.Open(cfg.DBPath, box, logger)
	if err != nil {
		return nil, fmt.Errorf("open gateway store: %w", err)
	}

	jwtIssuer := crypto.NewJWTIssuer(cfg.JWTSecret, cfg.TokenTTL)

	audit := NewGatewayAuditService(store, logger)

	toolMatcher, err := cel.NewToolMatcher()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("create tool matcher: %w", err)
	}
	rbacEngine := rbac.NewEngine(store, toolMatcher)

	flows := authplane.NewFlowStore(10 * time.Minute)
	userInfoFetcher := oidc.NewUserInfoFetcher()
	authPlane := NewAuthPlaneService(store, flows, jwtIssuer, userInfoFetcher, rbacEngine, logger)

	registry := NewUpstreamRegistryService(store, audit, logger)

	sessionTimeout := cfg.SessionIdleTimeout
	if sessionTimeout <= 0 {
		sessionTimeout = DefaultSessionIdleTimeout
	}
	sessions := NewMCPSessionService(sessionTimeout)

	router := NewToolRouterService(registry, registry, rbacEngine, audit, logger)

	management := NewManagementService(store, registry, rbacEngine, audit, box, logger)

	rateLimiter := memory.NewRateLimiter()

	return &GatewayCore{
		Store: store, Box: box, JWT: jwtIssuer,
		Audit: audit, RBAC: rbacEngine, FlowStore: flows, AuthPlane: authPlane,
		Registry: registry, Sessions: sessions, Router: router, Management: management,
		RateLimiter: rateLimiter, RateLimitRPM: cfg.RateLimitRPM,
		logger: logger,
	}, nil
}

// Run starts every background loop GatewayCore owns (audit batching,
// audit retention purge, opportunistic upstream refresh, idle session
// reaping) and blocks until ctx is cancelled.
func (g *GatewayCore) Run(ctx context.Context, auditRetentionDays int) {
	g.Audit.Start(ctx)
	go g.Audit.RunRetention(ctx, auditRetentionDays)
	go g.Registry.RunOpportunisticRefresh(ctx)
	go g.Sessions.RunIdleReaper(ctx)
	g.FlowStore.StartCleanup(ctx)
	if rl, ok := g.RateLimiter.(*memory.RateLimiter); ok {
		rl.StartCleanup(ctx)
	}
	g.logger.Info("gateway core background loops started", "audit_retention_days", auditRetentionDays)
	<-ctx.Done()
	g.Audit.Stop()
}

// Close releases the underlying store handle and stops background workers.
func (g *GatewayCore) Close() error {
	if rl, ok := g.RateLimiter.(*memory.RateLimiter); ok {
		rl.Stop()
	}
	return g.Store.Close()
}
