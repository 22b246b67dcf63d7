// Package http provides the HTTP transport adapter for the proxy.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/crypto"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
	"github.com/Sentinel-Gate/Sentinelgate/internal/service"
)

// principalContextKey carries the authenticated gateway.User on the request
// context after bearer-token verification.
type principalContextKey struct{}

// PrincipalKey is the context key for the authenticated principal.
var PrincipalKey = principalContextKey{}

// GatewayHandler serves the MCP Streamable HTTP surface for authenticated,
// RBAC-gated tool routing. It replaces the base repository's single static
// upstream with a live multi-tenant session and tool-routing layer; CORS,
// request-id, and real-IP handling are unchanged and reused from
// middleware.go.
type GatewayHandler struct {
	jwt      *crypto.JWTIssuer
	sessions *service.MCPSessionService
	router   *service.ToolRouterService
	audit    *service.GatewayAuditService
	logger   *slog.Logger
}

// NewGatewayHandler constructs a GatewayHandler.
func NewGatewayHandler(jwtIssuer *crypto.JWTIssuer, sessions *service.MCPSessionService, router *service.ToolRouterService, audit *service.GatewayAuditService, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{jwt: jwtIssuer, sessions: sessions, router: router, audit: audit, logger: logger}
}

// Handler returns the http.Handler for the /mcp route, with bearer-token
// authentication applied ahead of method dispatch.
func (g *GatewayHandler) Handler() http.Handler {
	return g.authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			g.handlePost(w, r)
		case http.MethodGet:
			// Server-initiated SSE push is not offered on the gateway's MCP
			// endpoint: every response is returned synchronously on the POST
			// that triggered it, so there is nothing to subscribe to.
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		case http.MethodDelete:
			g.handleDelete(w, r)
		case http.MethodOptions:
			handleOptions(w, r)
		default:
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		}
	}))
}

// authenticate extracts and verifies the Authorization: Bearer JWT, rejecting
// the request with 401 when it is missing or invalid.
func (g *GatewayHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeJSONRPCError(w, nil, http.StatusUnauthorized, -32001, gateway.ErrKindUnauthenticated, "Unauthorized: missing bearer token")
			return
		}
		token := strings.TrimPrefix(auth, "Bearer ")
		claims, err := g.jwt.Verify(token)
		if err != nil {
			if g.audit != nil {
				g.audit.Record(r.Context(), gateway.AuditEvent{
					Kind: gateway.AuditKindAuthLoginFailed, Action: "mcp.authenticate", Success: false,
					Details: map[string]interface{}{"reason": "invalid_token"},
				})
			}
			writeJSONRPCError(w, nil, http.StatusUnauthorized, -32001, gateway.ErrKindUnauthenticated, "Unauthorized: invalid or expired token")
			return
		}
		user := &gateway.User{ID: claims.Subject, Email: claims.Email, Name: claims.Name, Roles: claims.Roles}
		ctx := context.WithValue(r.Context(), PrincipalKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// principalFrom returns the authenticated user stored by authenticate.
func principalFrom(ctx context.Context) *gateway.User {
	u, _ := ctx.Value(PrincipalKey).(*gateway.User)
	return u
}

type jsonRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// handlePost dispatches one JSON-RPC request: initialize negotiates the
// session and protocol version, notifications/initialized marks it ready,
// tools/list and tools/call route through the ToolRouterService, and every
// other method not yet initialized is rejected per the MCP handshake gate.
func (g *GatewayHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	user := principalFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer func() { _ = r.Body.Close() }()

	var req jsonRPCRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeJSONRPCError(w, nil, http.StatusOK, -32700, "", "Parse error: invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeJSONRPCError(w, req.ID, http.StatusOK, -32600, "", "Invalid Request")
		return
	}
	isNotification := len(req.ID) == 0

	w.Header().Set(MCPProtocolVersionHeader, MCPProtocolVersion)

	switch req.Method {
	case "initialize":
		g.handleInitialize(w, r, user, req)
		return
	case "notifications/initialized":
		if sid := r.Header.Get(MCPSessionIDHeader); sid != "" {
			_ = g.sessions.MarkInitialized(sid)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	sess, err := g.requireSession(r)
	if err != nil {
		writeJSONRPCError(w, req.ID, http.StatusConflict, -32002, gateway.ErrKindNotInitialized, err.Error())
		return
	}
	w.Header().Set(MCPSessionIDHeader, sess.ID)

	if isNotification {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	switch req.Method {
	case "tools/list":
		g.handleToolsList(w, r, req)
	case "tools/call":
		g.handleToolsCall(w, r, user, req)
	default:
		writeJSONRPCError(w, req.ID, http.StatusOK, -32601, "", fmt.Sprintf("Method not found: %s", req.Method))
	}
}

// requireSession enforces the handshake gate: every method but initialize
// and notifications/initialized needs a prior, already-initialized session.
func (g *GatewayHandler) requireSession(r *http.Request) (*gateway.MCPSession, error) {
	sid := r.Header.Get(MCPSessionIDHeader)
	if sid == "" {
		return nil, fmt.Errorf("missing %s header", MCPSessionIDHeader)
	}
	sess, err := g.sessions.Get(sid)
	if err != nil {
		return nil, fmt.Errorf("session not found or expired")
	}
	if !sess.Initialized {
		return nil, fmt.Errorf("session not initialized")
	}
	return sess, nil
}

func (g *GatewayHandler) handleInitialize(w http.ResponseWriter, r *http.Request, user *gateway.User, req jsonRPCRequest) {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(req.Params, &params)
	negotiated := service.NegotiateProtocolVersion(params.ProtocolVersion)
	if negotiated != params.ProtocolVersion {
		writeJSONRPCError(w, req.ID, http.StatusBadRequest, -32602, gateway.ErrKindUnsupportedProtocol, "Unsupported protocol version")
		return
	}

	sess, err := g.sessions.Create(user.ID, user.Email, user.Roles, negotiated)
	if err != nil {
		writeJSONRPCError(w, req.ID, http.StatusOK, -32603, "", "Internal error: failed to create session")
		return
	}

	w.Header().Set(MCPSessionIDHeader, sess.ID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0", "id": json.RawMessage(req.ID),
		"result": map[string]interface{}{
			"protocolVersion": negotiated,
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
			"serverInfo":      map[string]interface{}{"name": "sentinelgate", "version": "1"},
		},
	})
}

func (g *GatewayHandler) handleToolsList(w http.ResponseWriter, r *http.Request, req jsonRPCRequest) {
	tools, err := g.router.ListTools(r.Context())
	if err != nil {
		g.logger.Error("tools/list failed", "error", err)
		writeJSONRPCError(w, req.ID, http.StatusOK, -32603, "", "Internal error: failed to list tools")
		return
	}
	out := make([]map[string]interface{}, 0, len(tools))
	for _, t := range tools {
		out = append(out, map[string]interface{}{
			"name":        t.QualifiedName,
			"description": t.Description,
			"inputSchema": t.InputSchema,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0", "id": json.RawMessage(req.ID),
		"result": map[string]interface{}{"tools": out},
	})
}

func (g *GatewayHandler) handleToolsCall(w http.ResponseWriter, r *http.Request, user *gateway.User, req jsonRPCRequest) {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeJSONRPCError(w, req.ID, http.StatusOK, -32602, "", "Invalid params")
		return
	}

	result, err := g.router.CallTool(r.Context(), user.ID, params.Name, req.ID, params.Arguments)
	if err != nil {
		if service.IsForbidden(err) {
			writeJSONRPCError(w, req.ID, http.StatusForbidden, int(service.RouterErrForbidden), gateway.ErrKindForbidden, err.Error())
			return
		}
		g.logger.Error("tools/call failed", "tool", params.Name, "error", err)
		writeJSONRPCError(w, req.ID, http.StatusOK, int(service.RouterErrInternal), "", err.Error())
		return
	}

	if result.SSE {
		g.writeSSEResult(w, result.Frames)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bytes.TrimSuffix(result.Raw, []byte("\n")))
}

// writeSSEResult streams every upstream frame back to the client unchanged,
// as one SSE event each, flushing after every frame instead of buffering the
// whole response until the upstream connection closes.
func (g *GatewayHandler) writeSSEResult(w http.ResponseWriter, frames [][]byte) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	for _, frame := range frames {
		_, _ = w.Write([]byte("data: "))
		_, _ = w.Write(bytes.TrimSuffix(frame, []byte("\n")))
		_, _ = w.Write([]byte("\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleDelete terminates an MCP session.
func (g *GatewayHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sid := r.Header.Get(MCPSessionIDHeader)
	if sid == "" {
		http.Error(w, "Mcp-Session-Id header required", http.StatusBadRequest)
		return
	}
	if !g.sessions.Delete(sid) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
