package service

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	mcpadapter "github.com/Sentinel-Gate/Sentinelgate/internal/adapter/outbound/mcp"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
)

// healthyLatency and degradedLatency are the server.test classification
// thresholds: round-trip under healthyLatency is "healthy", under
// degradedLatency is "degraded", anything slower (or any error) is "unhealthy".
const (
	healthyLatency   = 2 * time.Second
	degradedLatency  = 10 * time.Second
	discoveryTimeout = 15 * time.Second
	refreshInterval  = 15 * time.Minute
)

// UpstreamRegistryStore is the subset of gateway.Store the registry uses.
type UpstreamRegistryStore interface {
	ListServers(ctx context.Context) ([]gateway.UpstreamServer, error)
	GetServer(ctx context.Context, id string) (*gateway.UpstreamServer, error)
	AddServer(ctx context.Context, s *gateway.UpstreamServer) error
	UpdateServer(ctx context.Context, s *gateway.UpstreamServer) error
	DeleteServer(ctx context.Context, id string) error
	DeleteServerACLsForServer(ctx context.Context, serverID string) error
}

// discoveredTool is the raw shape of one entry in a tools/list result, ahead
// of being projected into a gateway.Tool with a resolved qualified name.
type discoveredTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// toolCacheEntry holds the last successful discovery for one server.
type toolCacheEntry struct {
	tools     []discoveredTool
	fetchedAt time.Time
}

// UpstreamRegistryService manages the lifecycle of registered upstream MCP
// servers: discovery on add, periodic opportunistic capability refresh, and
// on-demand health classification.
type UpstreamRegistryService struct {
	store  UpstreamRegistryStore
	audit  *GatewayAuditService
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*toolCacheEntry // server_id -> last discovery
}

// NewUpstreamRegistryService constructs an UpstreamRegistryService.
func NewUpstreamRegistryService(store UpstreamRegistryStore, audit *GatewayAuditService, logger *slog.Logger) *UpstreamRegistryService {
	return &UpstreamRegistryService{store: store, audit: audit, logger: logger, cache: make(map[string]*toolCacheEntry)}
}

// StableHash derives a short, content-based, deterministic server ID from a
// server URL. Unlike the base repository (which assigns a random UUID to
// each upstream), the same URL must always yield the same server_id, so a
// content hash is used instead.
func StableHash(url string) string {
	h := xxhash.Sum64String(url)
	return fmt.Sprintf("%016x", h)[:12]
}

// AddServer runs the four-step discovery handshake (initialize ->
// notifications/initialized -> tools/list -> persist) against url and
// registers the server under its content-derived ID. A failed discovery still
// registers the server, with status "unhealthy" and the error in LastError.
func (s *UpstreamRegistryService) AddServer(ctx context.Context, name, url, description string) (*gateway.UpstreamServer, error) {
	id := StableHash(url)
	if existing, err := s.store.GetServer(ctx, id); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: server already registered for this url", gateway.ErrAlreadyExists)
	}

	tools, discErr := s.discover(ctx, url)

	now := time.Now().UTC()
	server := &gateway.UpstreamServer{
		ID: id, Name: name, URL: url, Description: description,
		Enabled: true, CreatedAt: now, UpdatedAt: now,
	}
	if discErr != nil {
		server.Status = "unhealthy"
		server.LastError = discErr.Error()
	} else {
		server.Status = "healthy"
		server.ToolCount = len(tools)
		server.LastSeenAt = now
		s.setCache(id, tools)
	}

	if err := s.store.AddServer(ctx, server); err != nil {
		return nil, fmt.Errorf("persist server: %w", err)
	}

	s.logger.Info("upstream server added", "server_id", id, "name", name, "status", server.Status)
	if s.audit != nil {
		s.audit.Record(ctx, gateway.AuditEvent{
			Kind: gateway.AuditKindServerAdded, Action: "server.add",
			ResourceType: "server", ResourceID: id, Success: discErr == nil,
			Details: map[string]interface{}{"name": name, "url": url},
		})
	}
	return server, nil
}

// RemoveServer deletes a server and purges every ACL row scoped to it.
func (s *UpstreamRegistryService) RemoveServer(ctx context.Context, id string) error {
	if err := s.store.DeleteServerACLsForServer(ctx, id); err != nil {
		return fmt.Errorf("purge server acls: %w", err)
	}
	if err := s.store.DeleteServer(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()

	if s.audit != nil {
		s.audit.Record(ctx, gateway.AuditEvent{
			Kind: gateway.AuditKindServerRemoved, Action: "server.remove",
			ResourceType: "server", ResourceID: id, Success: true,
		})
	}
	return nil
}

// TestServer re-probes a server and classifies its health by round-trip
// latency: healthy under 2s, degraded under 10s, unhealthy otherwise (including
// any discovery error).
func (s *UpstreamRegistryService) TestServer(ctx context.Context, id string) (*gateway.UpstreamServer, error) {
	server, err := s.store.GetServer(ctx, id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	tools, discErr := s.discover(ctx, server.URL)
	elapsed := time.Since(start)

	now := time.Now().UTC()
	server.UpdatedAt = now
	switch {
	case discErr != nil:
		server.Status = "unhealthy"
		server.LastError = discErr.Error()
	case elapsed <= healthyLatency:
		server.Status = "healthy"
		server.LastError = ""
		server.LastSeenAt = now
		server.ToolCount = len(tools)
		s.setCache(id, tools)
	case elapsed <= degradedLatency:
		server.Status = "degraded"
		server.LastError = ""
		server.LastSeenAt = now
		server.ToolCount = len(tools)
		s.setCache(id, tools)
	default:
		server.Status = "unhealthy"
		server.LastError = "response exceeded degraded threshold"
	}

	if err := s.store.UpdateServer(ctx, server); err != nil {
		return nil, fmt.Errorf("persist test result: %w", err)
	}
	if s.audit != nil {
		s.audit.Record(ctx, gateway.AuditEvent{
			Kind: gateway.AuditKindServerTested, Action: "server.test",
			ResourceType: "server", ResourceID: id, Success: server.Status != "unhealthy",
			Details: map[string]interface{}{"status": server.Status, "latency_ms": elapsed.Milliseconds()},
		})
	}
	return server, nil
}

// ListServers returns every registered upstream, for the management plane.
func (s *UpstreamRegistryService) ListServers(ctx context.Context) ([]gateway.UpstreamServer, error) {
	return s.store.ListServers(ctx)
}

// GetServer returns one registered upstream by ID, for the management plane.
func (s *UpstreamRegistryService) GetServer(ctx context.Context, id string) (*gateway.UpstreamServer, error) {
	return s.store.GetServer(ctx, id)
}

// Tools returns the cached discovery for a server, re-discovering on a
// cache miss (no prior successful discovery).
func (s *UpstreamRegistryService) Tools(ctx context.Context, serverID string) ([]gateway.Tool, error) {
	s.mu.RLock()
	entry, ok := s.cache[serverID]
	s.mu.RUnlock()
	if !ok {
		server, err := s.store.GetServer(ctx, serverID)
		if err != nil {
			return nil, err
		}
		tools, err := s.discover(ctx, server.URL)
		if err != nil {
			return nil, fmt.Errorf("refresh tools for %s: %w", serverID, err)
		}
		s.setCache(serverID, tools)
		return s.projectTools(serverID, tools), nil
	}
	return s.projectTools(serverID, entry.tools), nil
}

func (s *UpstreamRegistryService) projectTools(serverID string, raw []discoveredTool) []gateway.Tool {
	out := make([]gateway.Tool, 0, len(raw))
	for _, t := range raw {
		out = append(out, gateway.Tool{
			RawName: t.Name, ServerID: serverID, Description: t.Description,
			InputSchema: t.InputSchema, QualifiedName: t.Name,
		})
	}
	return out
}

func (s *UpstreamRegistryService) setCache(serverID string, tools []discoveredTool) {
	s.mu.Lock()
	s.cache[serverID] = &toolCacheEntry{tools: tools, fetchedAt: time.Now()}
	s.mu.Unlock()
}

// RunOpportunisticRefresh periodically re-discovers every enabled server's
// tool list on a default 15-minute interval, keeping cached tool lists from
// going stale between on-demand refreshes.
func (s *UpstreamRegistryService) RunOpportunisticRefresh(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshAll(ctx)
		}
	}
}

func (s *UpstreamRegistryService) refreshAll(ctx context.Context) {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		s.logger.Error("opportunistic refresh: list servers failed", "error", err)
		return
	}
	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		tools, err := s.discover(ctx, srv.URL)
		if err != nil {
			s.logger.Warn("opportunistic refresh failed", "server_id", srv.ID, "error", err)
			continue
		}
		s.setCache(srv.ID, tools)
	}
}

// discover performs the initialize -> notifications/initialized ->
// tools/list handshake against an upstream's HTTP endpoint and returns its
// advertised tools.
func (s *UpstreamRegistryService) discover(parent context.Context, url string) ([]discoveredTool, error) {
	ctx, cancel := context.WithTimeout(parent, discoveryTimeout)
	defer cancel()

	client := mcpadapter.NewHTTPClient(url)
	writer, reader, err := client.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("start upstream client: %w", err)
	}
	defer client.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	if err := writeLine(writer, map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]interface{}{
			"protocolVersion": "2025-06-18",
			"capabilities":    map[string]interface{}{},
			"clientInfo":      map[string]interface{}{"name": "sentinelgate", "version": "1"},
		},
	}); err != nil {
		return nil, fmt.Errorf("send initialize: %w", err)
	}
	if !scanner.Scan() {
		return nil, scanErr(scanner, "initialize")
	}

	if err := writeLine(writer, map[string]interface{}{
		"jsonrpc": "2.0", "method": "notifications/initialized",
	}); err != nil {
		return nil, fmt.Errorf("send notifications/initialized: %w", err)
	}

	if err := writeLine(writer, map[string]interface{}{
		"jsonrpc": "2.0", "id": 2, "method": "tools/list", "params": map[string]interface{}{},
	}); err != nil {
		return nil, fmt.Errorf("send tools/list: %w", err)
	}
	if !scanner.Scan() {
		return nil, scanErr(scanner, "tools/list")
	}

	var resp struct {
		Result struct {
			Tools []discoveredTool `json:"tools"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parse tools/list response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list error: %s", resp.Error.Message)
	}
	return resp.Result.Tools, nil
}

func writeLine(w io.Writer, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

func scanErr(scanner *bufio.Scanner, step string) error {
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading %s response: %w", step, err)
	}
	return fmt.Errorf("upstream closed connection during %s", step)
}
