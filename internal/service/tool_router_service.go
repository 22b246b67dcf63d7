package service

import (
	"bufio"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	mcpadapter "github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/mcp"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
)

// JSON-RPC error codes returned by the router, matching the base
// repository's proxy.UpstreamRouter codes.
const (
	RouterErrMethodNotFound int64 = -32601
	RouterErrInternal       int64 = -32603
	RouterErrNoUpstreams    int64 = -32000
	RouterErrForbidden      int64 = -32001
)

// defaultPoolSize bounds the number of concurrently open upstream sessions;
// the least-recently-used one is evicted (closed) when a new server needs a
// slot and the pool is full.
const defaultPoolSize = 64

// RBACChecker is the subset of rbac.Engine the router needs.
type RBACChecker interface {
	CanUseTool(ctx context.Context, userID string, tool gateway.Tool) (bool, error)
}

// ToolCatalog resolves the live tool surface for routing.
type ToolCatalog interface {
	Tools(ctx context.Context, serverID string) ([]gateway.Tool, error)
}

// ToolRouterStore is the subset of gateway.Store the router reads.
type ToolRouterStore interface {
	ListServers(ctx context.Context) ([]gateway.UpstreamServer, error)
}

// pooledConn is one open upstream connection, tracked in the LRU list.
// writeMu serializes request/response round trips on the connection: the
// duplex pipe has exactly one reader, so two forward calls racing on the
// same conn would otherwise interleave their frames.
type pooledConn struct {
	serverID string
	client   *mcpadapter.HTTPClient
	writer   io.WriteCloser
	reader   io.ReadCloser
	elem     *list.Element
	writeMu  sync.Mutex
}

// ToolRouterService aggregates tools across every registered upstream into
// one qualified-name index, gates every call through RBAC, and routes
// tools/call to the owning upstream over a bounded LRU pool of live
// sessions. Generalizes the base repository's UpstreamRouter from a single
// static ToolCache to a live, RBAC-aware, multi-tenant aggregation.
type ToolRouterService struct {
	store   ToolRouterStore
	catalog ToolCatalog
	rbac    RBACChecker
	audit   *GatewayAuditService
	logger  *slog.Logger

	poolSize int
	poolMu   sync.Mutex
	poolLRU  *list.List
	pool     map[string]*pooledConn
}

// NewToolRouterService constructs a ToolRouterService.
func NewToolRouterService(store ToolRouterStore, catalog ToolCatalog, rbacEngine RBACChecker, audit *GatewayAuditService, logger *slog.Logger) *ToolRouterService {
	return &ToolRouterService{
		store: store, catalog: catalog, rbac: rbacEngine, audit: audit, logger: logger,
		poolSize: defaultPoolSize,
		poolLRU:  list.New(),
		pool:     make(map[string]*pooledConn),
	}
}

// indexedTool is one entry of the aggregated qualified-name index.
type indexedTool struct {
	tool gateway.Tool
}

// buildIndex aggregates every enabled server's tools, qualifying names that
// collide across servers as raw_name@server_id_short (first 6 hex chars of
// the server ID), and sorts deterministically by (qualified_name, server_id).
func (r *ToolRouterService) buildIndex(ctx context.Context) ([]indexedTool, error) {
	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}

	type rawEntry struct {
		tool     gateway.Tool
		serverID string
	}
	byRawName := make(map[string][]rawEntry)
	var all []rawEntry

	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		tools, err := r.catalog.Tools(ctx, srv.ID)
		if err != nil {
			r.logger.Warn("skipping server in tool index: discovery failed", "server_id", srv.ID, "error", err)
			continue
		}
		for _, t := range tools {
			e := rawEntry{tool: t, serverID: srv.ID}
			byRawName[t.RawName] = append(byRawName[t.RawName], e)
			all = append(all, e)
		}
	}

	out := make([]indexedTool, 0, len(all))
	for _, e := range all {
		qualified := e.tool.RawName
		if len(byRawName[e.tool.RawName]) > 1 {
			short := e.serverID
			if len(short) > 6 {
				short = short[:6]
			}
			qualified = fmt.Sprintf("%s@%s", e.tool.RawName, short)
		}
		t := e.tool
		t.QualifiedName = qualified
		out = append(out, indexedTool{tool: t})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].tool.QualifiedName != out[j].tool.QualifiedName {
			return out[i].tool.QualifiedName < out[j].tool.QualifiedName
		}
		return out[i].tool.ServerID < out[j].tool.ServerID
	})
	return out, nil
}

// ListTools returns every tool in the aggregated index. It takes no user and
// applies no permission filtering; RBAC is checked at call time, in CallTool,
// so clients can discover what exists without being granted access to call it.
func (r *ToolRouterService) ListTools(ctx context.Context) ([]gateway.Tool, error) {
	index, err := r.buildIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]gateway.Tool, 0, len(index))
	for _, it := range index {
		out = append(out, it.tool)
	}
	return out, nil
}

// CallResult is the outcome of routing a tools/call. A plain JSON-RPC reply
// arrives as a single frame, in which case Raw holds it directly; an SSE
// reply arrives as one frame per event, in which case SSE is set and Frames
// holds every event in order for the caller to stream back unchanged.
type CallResult struct {
	Raw    []byte
	Frames [][]byte
	SSE    bool
}

// CallTool resolves qualifiedName against the live index, checks
// CanUseTool for userID, and forwards the call to the owning upstream. A name
// missing from the index fails with ErrNotFound, and an error from the
// upstream is returned as is; neither triggers a catalog refresh or a retry.
func (r *ToolRouterService) CallTool(ctx context.Context, userID, qualifiedName string, id json.RawMessage, arguments map[string]interface{}) (*CallResult, error) {
	tool, err := r.resolveTool(ctx, qualifiedName)
	if err != nil {
		return nil, err
	}

	allowed, err := r.rbac.CanUseTool(ctx, userID, *tool)
	if err != nil {
		return nil, fmt.Errorf("authorization check: %w", err)
	}
	if !allowed {
		if r.audit != nil {
			r.audit.Record(ctx, gateway.AuditEvent{
				Kind: gateway.AuditKindToolDenied, UserID: userID, Action: "tools/call",
				ResourceType: "tool", ResourceID: qualifiedName, Success: false,
			})
		}
		return nil, errForbidden(qualifiedName)
	}

	frames, isSSE, err := r.forward(ctx, tool.ServerID, tool.RawName, id, arguments)
	if r.audit != nil {
		r.audit.Record(ctx, gateway.AuditEvent{
			Kind: gateway.AuditKindToolInvoked, UserID: userID, Action: "tools/call",
			ResourceType: "tool", ResourceID: qualifiedName, Success: err == nil,
		})
	}
	if err != nil {
		return nil, err
	}
	result := &CallResult{Frames: frames, SSE: isSSE}
	if len(frames) > 0 {
		result.Raw = frames[len(frames)-1]
	}
	return result, nil
}

type forbiddenError struct{ tool string }

func (e *forbiddenError) Error() string { return fmt.Sprintf("not authorized to use tool %q", e.tool) }

func errForbidden(tool string) error { return &forbiddenError{tool: tool} }

// IsForbidden reports whether err is a router authorization denial.
func IsForbidden(err error) bool {
	_, ok := err.(*forbiddenError)
	return ok
}

// resolveTool looks up qualifiedName in the live index. ToolCatalog.Tools
// runs discovery only for a server with no cached tool list, so a miss here
// means the tool is absent from every enabled server's last discovery; no
// refresh is attempted.
func (r *ToolRouterService) resolveTool(ctx context.Context, qualifiedName string) (*gateway.Tool, error) {
	index, err := r.buildIndex(ctx)
	if err != nil {
		return nil, err
	}
	for _, it := range index {
		if it.tool.QualifiedName == qualifiedName {
			t := it.tool
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: tool %q", gateway.ErrNotFound, qualifiedName)
}

// forward writes a tools/call request to the pooled (or newly opened)
// connection for serverID and returns every response frame in order. A
// plain JSON reply is one frame; an SSE reply is one frame per event, with
// isSSE set so the caller knows to re-emit them as an event stream instead
// of a single JSON body.
func (r *ToolRouterService) forward(ctx context.Context, serverID, rawToolName string, id json.RawMessage, arguments map[string]interface{}) (frames [][]byte, isSSE bool, err error) {
	conn, err := r.acquire(ctx, serverID)
	if err != nil {
		return nil, false, err
	}

	rpcID, err := jsonrpc.MakeID(idToAny(id))
	if err != nil {
		return nil, false, fmt.Errorf("build upstream request id: %w", err)
	}
	params, err := json.Marshal(map[string]interface{}{"name": rawToolName, "arguments": arguments})
	if err != nil {
		return nil, false, err
	}
	data, err := jsonrpc.EncodeMessage(&jsonrpc.Request{ID: rpcID, Method: "tools/call", Params: params})
	if err != nil {
		return nil, false, fmt.Errorf("encode upstream request: %w", err)
	}
	data = append(data, '\n')

	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	if _, err := conn.writer.Write(data); err != nil {
		r.evict(serverID)
		return nil, false, fmt.Errorf("write to upstream %s: %w", serverID, err)
	}

	scanner := bufio.NewScanner(conn.reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if !scanner.Scan() {
		r.evict(serverID)
		if err := scanner.Err(); err != nil {
			return nil, false, fmt.Errorf("read from upstream %s: %w", serverID, err)
		}
		return nil, false, fmt.Errorf("upstream %s closed connection", serverID)
	}
	switch scanner.Text() {
	case mcpadapter.FrameMarkerSSE:
		isSSE = true
	case mcpadapter.FrameMarkerJSON:
		isSSE = false
	default:
		r.evict(serverID)
		return nil, false, fmt.Errorf("upstream %s: unexpected response marker %q", serverID, scanner.Text())
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == mcpadapter.FrameTerminator {
			return frames, isSSE, nil
		}
		frames = append(frames, append([]byte(nil), scanner.Bytes()...))
	}
	r.evict(serverID)
	if err := scanner.Err(); err != nil {
		return nil, false, fmt.Errorf("read from upstream %s: %w", serverID, err)
	}
	return nil, false, fmt.Errorf("upstream %s closed connection before frame terminator", serverID)
}

// idToAny unmarshals a JSON-RPC id (number, string, or null) into the bare
// Go value jsonrpc.MakeID expects, since the gateway's own envelope carries
// ids as json.RawMessage rather than the SDK's ID type.
func idToAny(id json.RawMessage) interface{} {
	var v interface{}
	_ = json.Unmarshal(id, &v)
	return v
}

// acquire returns a pooled connection for serverID, opening a new one (and
// evicting the least-recently-used entry if the pool is full) on a miss.
func (r *ToolRouterService) acquire(ctx context.Context, serverID string) (*pooledConn, error) {
	r.poolMu.Lock()
	if conn, ok := r.pool[serverID]; ok {
		r.poolLRU.MoveToFront(conn.elem)
		r.poolMu.Unlock()
		return conn, nil
	}
	r.poolMu.Unlock()

	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	var url string
	for _, s := range servers {
		if s.ID == serverID {
			url = s.URL
			break
		}
	}
	if url == "" {
		return nil, fmt.Errorf("%w: server %q", gateway.ErrNotFound, serverID)
	}

	client := mcpadapter.NewHTTPClient(url)
	writer, reader, err := client.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to upstream %s: %w", serverID, err)
	}

	conn := &pooledConn{serverID: serverID, client: client, writer: writer, reader: reader}

	r.poolMu.Lock()
	if existing, ok := r.pool[serverID]; ok {
		r.poolLRU.MoveToFront(existing.elem)
		r.poolMu.Unlock()
		_ = client.Close()
		return existing, nil
	}
	if r.poolLRU.Len() >= r.poolSize {
		oldest := r.poolLRU.Back()
		if oldest != nil {
			r.closeLocked(oldest.Value.(*pooledConn))
		}
	}
	conn.elem = r.poolLRU.PushFront(conn)
	r.pool[serverID] = conn
	r.poolMu.Unlock()

	return conn, nil
}

func (r *ToolRouterService) evict(serverID string) {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	if conn, ok := r.pool[serverID]; ok {
		r.closeLocked(conn)
	}
}

// closeLocked removes and closes conn; caller must hold poolMu.
func (r *ToolRouterService) closeLocked(conn *pooledConn) {
	r.poolLRU.Remove(conn.elem)
	delete(r.pool, conn.serverID)
	_ = conn.client.Close()
}

// Close shuts down every pooled connection.
func (r *ToolRouterService) Close() {
	r.poolMu.Lock()
	defer r.poolMu.Unlock()
	for _, conn := range r.pool {
		_ = conn.client.Close()
	}
	r.pool = make(map[string]*pooledConn)
	r.poolLRU = list.New()
}
