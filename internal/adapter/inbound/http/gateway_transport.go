package http

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Sentinel-Gate/Sentinelgate/internal/adapter/inbound/manage"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/crypto"
	"github.com/Sentinel-Gate/Sentinelgate/internal/service"
)

// GatewayTransport is the HTTP entrypoint for the whole gateway: /mcp,
// /manage, /auth/*, /health, /metrics on one listener, behind one
// middleware chain, with JWT-bearer authentication done by the /mcp and
// /manage handlers themselves.
type GatewayTransport struct {
	core           *service.GatewayCore
	addr           string
	allowedOrigins []string
	certFile       string
	keyFile        string
	uiURL          string
	logger         *slog.Logger
	server         *http.Server
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// GatewayTransportOption configures a GatewayTransport.
type GatewayTransportOption func(*GatewayTransport)

// WithGatewayAddr sets the listen address.
func WithGatewayAddr(addr string) GatewayTransportOption {
	return func(t *GatewayTransport) { t.addr = addr }
}

// WithGatewayTLS enables TLS with the provided certificate and key files.
func WithGatewayTLS(certFile, keyFile string) GatewayTransportOption {
	return func(t *GatewayTransport) { t.certFile, t.keyFile = certFile, keyFile }
}

// WithGatewayAllowedOrigins sets the DNS-rebinding-protection allowlist.
func WithGatewayAllowedOrigins(origins []string) GatewayTransportOption {
	return func(t *GatewayTransport) { t.allowedOrigins = origins }
}

// WithGatewayUIURL sets where /auth/callback redirects after login.
func WithGatewayUIURL(uiURL string) GatewayTransportOption {
	return func(t *GatewayTransport) { t.uiURL = uiURL }
}

// WithGatewayLogger sets the transport's logger.
func WithGatewayLogger(logger *slog.Logger) GatewayTransportOption {
	return func(t *GatewayTransport) { t.logger = logger }
}

// NewGatewayTransport constructs a GatewayTransport wrapping core.
func NewGatewayTransport(core *service.GatewayCore, opts ...GatewayTransportOption) *GatewayTransport {
	t := &GatewayTransport{
		core:           core,
		addr:           "0.0.0.0:8080",
		allowedOrigins: []string{},
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins accepting HTTP connections. Blocks until ctx is cancelled or
// the server errors.
func (t *GatewayTransport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := NewMetrics(reg)

	tracerProvider, err := NewTracerProvider("sentinel-gate")
	if err != nil {
		return fmt.Errorf("create tracer provider: %w", err)
	}
	t.tracerProvider = tracerProvider
	otel.SetTracerProvider(tracerProvider)

	meterProvider, err := NewMeterProvider("sentinel-gate")
	if err != nil {
		return fmt.Errorf("create meter provider: %w", err)
	}
	t.meterProvider = meterProvider
	if err := RegisterSessionGauge(meterProvider, t.core.Sessions.Count); err != nil {
		t.logger.Warn("failed to register session gauge", "error", err)
	}

	gatewayHandler := NewGatewayHandler(t.core.JWT, t.core.Sessions, t.core.Router, t.core.Audit, t.logger)
	authHandler := NewAuthHandler(t.core.AuthPlane, t.uiURL)
	manageHandler := manage.Handler(t.core.Management, func(r *http.Request) string {
		return principalFromBearer(t.core.JWT, r)
	}, t.logger)
	healthChecker := NewHealthChecker(t.core.Store, t.core.Sessions, t.core.Audit, "")

	mux := http.NewServeMux()
	mux.Handle("/health", healthChecker.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.Handle("/mcp", gatewayHandler.Handler())
	mux.Handle("/mcp/", gatewayHandler.Handler())
	mux.Handle("/manage", manageHandler)
	authHandler.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = RateLimitMiddleware(t.core.RateLimiter, t.core.RateLimitRPM, t.core.Audit)(handler)
	handler = DNSRebindingProtection(t.allowedOrigins)(handler)
	handler = RealIPMiddleware(handler)
	handler = RequestIDMiddleware(t.logger)(handler)
	handler = TracingMiddleware(tracerProvider.Tracer("sentinel-gate/http"))(handler)
	handler = MetricsMiddleware(metrics)(handler)

	t.server = &http.Server{Addr: t.addr, Handler: handler}
	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS gateway server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP gateway server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down gateway server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

func (t *GatewayTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during gateway server shutdown", "error", err)
		return err
	}
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			t.logger.Warn("error shutting down tracer provider", "error", err)
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			t.logger.Warn("error shutting down meter provider", "error", err)
		}
	}
	t.logger.Info("gateway server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *GatewayTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

// principalFromBearer extracts and verifies the bearer JWT on r, returning
// the subject (user ID) or empty string, the same verification gateway
// handler's own authenticate middleware performs, shared here so /manage
// uses identical rules to /mcp.
func principalFromBearer(jwtIssuer *crypto.JWTIssuer, r *http.Request) string {
	token := bearerToken(r)
	if token == "" {
		return ""
	}
	claims, err := jwtIssuer.Verify(token)
	if err != nil {
		return ""
	}
	return claims.Subject
}
