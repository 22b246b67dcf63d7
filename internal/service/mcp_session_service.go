package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
)

// ErrSessionNotFound is returned when a session ID has no live session.
var ErrSessionNotFound = errors.New("mcp session not found")

// SupportedProtocolVersions is the closed set of MCP protocol versions this
// gateway accepts at the initialize handshake.
var SupportedProtocolVersions = []string{"2025-06-18"}

// DefaultSessionIdleTimeout matches the base repository's
// domain/session.DefaultTimeout.
const DefaultSessionIdleTimeout = 30 * time.Minute

// MCPSessionService tracks one MCPSession per Mcp-Session-Id, generated on
// a successful initialize, gates every subsequent request on prior
// initialization, and reaps idle sessions on a fixed cadence.
type MCPSessionService struct {
	timeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*gateway.MCPSession
}

// NewMCPSessionService constructs an MCPSessionService (DefaultSessionIdleTimeout if timeout <= 0).
func NewMCPSessionService(timeout time.Duration) *MCPSessionService {
	if timeout <= 0 {
		timeout = DefaultSessionIdleTimeout
	}
	return &MCPSessionService{timeout: timeout, sessions: make(map[string]*gateway.MCPSession)}
}

// NegotiateProtocolVersion returns requested if it is in the supported
// closed set, otherwise the gateway's baseline version.
func NegotiateProtocolVersion(requested string) string {
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return SupportedProtocolVersions[0]
}

// Create mints a new 128-bit, base64url-encoded session ID on a successful
// initialize and registers the session.
func (m *MCPSessionService) Create(userID, userEmail string, roles []string, protocolVersion string) (*gateway.MCPSession, error) {
	id, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	now := time.Now().UTC()
	sess := &gateway.MCPSession{
		ID: id, UserID: userID, UserEmail: userEmail, Roles: roles,
		ProtocolVersion: protocolVersion, Initialized: false,
		CreatedAt: now, LastAccess: now, ExpiresAt: now.Add(m.timeout),
	}
	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	return sess, nil
}

// MarkInitialized flips a session into the initialized state after the
// client sends notifications/initialized, the gate every other method
// except initialize requires.
func (m *MCPSessionService) MarkInitialized(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	sess.Initialized = true
	return nil
}

// Get returns the session for id, touching its idle timer, or
// ErrSessionNotFound if it is missing or expired.
func (m *MCPSessionService) Get(id string) (*gateway.MCPSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if sess.IsExpired() {
		delete(m.sessions, id)
		return nil, ErrSessionNotFound
	}
	sess.Touch(m.timeout)
	return sess, nil
}

// Count returns the number of live sessions, for health checks.
func (m *MCPSessionService) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Delete terminates a session (DELETE on the MCP endpoint).
func (m *MCPSessionService) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// RunIdleReaper periodically deletes sessions past their ExpiresAt.
func (m *MCPSessionService) RunIdleReaper(ctx context.Context) {
	ticker := time.NewTicker(m.timeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapExpired()
		}
	}
}

func (m *MCPSessionService) reapExpired() {
	now := time.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		if now.After(sess.ExpiresAt) {
			delete(m.sessions, id)
		}
	}
}

// generateSessionID returns a cryptographically random 128-bit session ID,
// base64url-encoded for use as the Mcp-Session-Id header value (the base
// repository's domain/session.GenerateSessionID hex-encodes 256 bits
// instead; this gateway's session ID is a distinct, narrower format).
func generateSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
