// Package http provides the gateway's HTTP/Streamable HTTP transport.
//
// This package implements the inbound side of the MCP Streamable HTTP
// transport (2025-03-26) for the gateway's /mcp endpoint, plus the
// management JSON-RPC API, the OAuth login/callback flow, and health and
// metrics endpoints, all on one listener.
//
// # Usage
//
// Create and start the gateway transport:
//
//	transport := http.NewGatewayTransport(core,
//	    http.WithGatewayAddr(":8080"),
//	    http.WithGatewayAllowedOrigins([]string{"https://example.com"}),
//	    http.WithGatewayLogger(logger),
//	)
//	err := transport.Start(ctx)
//
// # Endpoints
//
//	POST /mcp       - MCP JSON-RPC request/response
//	DELETE /mcp     - Terminate an MCP session
//	POST /manage    - Management JSON-RPC request/response
//	GET /auth/*     - OAuth login/callback flow
//	GET /health     - Liveness/readiness probe
//	GET /metrics    - Prometheus metrics
//
// # Request headers
//
//	Authorization: Bearer <jwt>          - Session token for /mcp and /manage
//	Mcp-Session-Id: <session-id>         - Session identifier for /mcp
//	MCP-Protocol-Version: 2025-06-18     - Negotiated protocol version
//
// # Middleware chain
//
// Requests pass through, outermost first:
//
//  1. MetricsMiddleware      - records request count/latency
//  2. TracingMiddleware      - starts an OpenTelemetry span per request
//  3. RequestIDMiddleware    - assigns a request ID for log correlation
//  4. RealIPMiddleware       - extracts client IP from proxy headers
//  5. DNSRebindingProtection - validates the Origin header
//  6. RateLimitMiddleware    - throttles by client IP before authentication
//
// /mcp and /manage each layer their own bearer-JWT authentication on top.
package http
