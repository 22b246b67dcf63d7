package http

import (
	"encoding/json"
	"net/http"
)

// MCPProtocolVersion is the MCP protocol version the gateway negotiates.
const MCPProtocolVersion = "2025-06-18"

// maxRequestBodySize is the maximum allowed request body size (1 MB).
const maxRequestBodySize = 1 << 20

// MCPSessionIDHeader is the header carrying the negotiated session ID.
const MCPSessionIDHeader = "Mcp-Session-Id"

// MCPProtocolVersionHeader is the header carrying the negotiated protocol version.
const MCPProtocolVersionHeader = "MCP-Protocol-Version"

// handleOptions answers CORS preflight requests for the MCP and manage endpoints.
func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Mcp-Session-Id, MCP-Protocol-Version")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

// jsonRPCError represents a JSON-RPC 2.0 error response.
type jsonRPCError struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      interface{}       `json:"id"`
	Error   jsonRPCErrorField `json:"error"`
}

type jsonRPCErrorField struct {
	Code    int               `json:"code"`
	Message string            `json:"message"`
	Data    *jsonRPCErrorData `json:"data,omitempty"`
}

type jsonRPCErrorData struct {
	Kind string `json:"kind"`
}

// writeJSONRPCError writes a JSON-RPC error response with the given HTTP
// status and error.data.kind. Method-level failures (bad params, unknown
// method, parse errors) use status 200 per the Streamable HTTP convention;
// transport- and middleware-level rejections (auth, authz, session state,
// rate limiting, protocol negotiation) use their real HTTP status here, with
// kind carrying the same classification so clients can branch on it
// regardless of status code.
func writeJSONRPCError(w http.ResponseWriter, id interface{}, status, code int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	errResp := jsonRPCError{
		JSONRPC: "2.0",
		ID:      id,
		Error: jsonRPCErrorField{
			Code:    code,
			Message: message,
		},
	}
	if kind != "" {
		errResp.Error.Data = &jsonRPCErrorData{Kind: kind}
	}

	_ = json.NewEncoder(w).Encode(errResp)
}
