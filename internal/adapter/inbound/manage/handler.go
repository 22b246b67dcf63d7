// Package manage provides the single-endpoint JSON-RPC admin surface at
// POST /manage, distinct from MCP traffic on /mcp.
package manage

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
	"github.com/Sentinel-Gate/Sentinelgate/internal/service"
)

type request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      json.RawMessage        `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *errorField     `json:"error,omitempty"`
}

type errorField struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type errorData struct {
	Kind string `json:"kind"`
}

const maxBodySize = 1 << 20

// Handler serves POST /manage, dispatching every request through
// ManagementService.Dispatch and mapping its errors onto JSON-RPC codes.
// Authentication (bearer JWT -> principal) is done here through principalOf,
// supplied by the caller; a request it resolves to "" is rejected with 401
// before dispatch.
func Handler(svc *service.ManagementService, principalOf func(*http.Request) string, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		body, err := io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			writeError(w, nil, http.StatusOK, -32700, "", "Parse error: failed to read request body")
			return
		}

		var req request
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, nil, http.StatusOK, -32700, "", "Parse error: invalid JSON")
			return
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			writeError(w, req.ID, http.StatusOK, -32600, "", "Invalid Request")
			return
		}

		callerID := principalOf(r)
		if callerID == "" {
			writeError(w, req.ID, http.StatusUnauthorized, -32001, gateway.ErrKindUnauthenticated, "Unauthorized")
			return
		}

		result, err := svc.Dispatch(r.Context(), callerID, req.Method, req.Params)
		if err != nil {
			status, code, kind, msg := mapError(err)
			if code == -32603 {
				logger.Error("management dispatch failed", "method", req.Method, "error", err)
			}
			writeError(w, req.ID, status, code, kind, msg)
			return
		}

		writeResult(w, req.ID, result)
	})
}

// mapError classifies a Dispatch error onto the HTTP status, JSON-RPC code,
// and error.data.kind the /manage endpoint returns for it. Every /manage
// error uses its real HTTP status (not the MCP edge's always-200
// convention), since a failed admin RPC is a middleware/domain-level
// rejection rather than a method-level JSON-RPC failure.
func mapError(err error) (status, code int, kind, message string) {
	switch {
	case errors.Is(err, service.ErrPermissionDenied):
		return http.StatusForbidden, -32001, gateway.ErrKindForbidden, "Forbidden: missing required permission"
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound, -32004, gateway.ErrKindNotFound, "Not found"
	case errors.Is(err, gateway.ErrAlreadyExists):
		return http.StatusConflict, -32009, gateway.ErrKindConflict, "Already exists"
	default:
		return http.StatusInternalServerError, -32603, gateway.ErrKindInternal, "Internal error"
	}
}

func writeResult(w http.ResponseWriter, id json.RawMessage, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response{JSONRPC: "2.0", ID: id, Result: result})
}

func writeError(w http.ResponseWriter, id json.RawMessage, status, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	errResp := response{JSONRPC: "2.0", ID: id, Error: &errorField{Code: code, Message: message}}
	if kind != "" {
		errResp.Error.Data = &errorData{Kind: kind}
	}
	_ = json.NewEncoder(w).Encode(errResp)
}
