// Package authplane holds the C5 auth-plane's in-memory, TTL-bound OAuth
// flow state — never persisted, since an abandoned flow should simply
// expire rather than survive a restart.
package authplane

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
)

// ErrFlowNotFound is returned when a state value has no matching flow
// (unknown, already consumed, or expired and swept).
var ErrFlowNotFound = errors.New("oauth flow not found")

// DefaultFlowTTL is the default lifetime of an in-flight authorization
// request before its state/PKCE verifier pair is discarded.
const DefaultFlowTTL = 10 * time.Minute

// FlowStore is a TTL map of OAuthFlow keyed by the state parameter. It
// mirrors the lifecycle-management idiom the base repository uses for its
// rate limiter and auth-interceptor session caches: a mutex-guarded map
// plus a background goroutine sweeping expired entries on a fixed cadence.
type FlowStore struct {
	ttl time.Duration

	mu     sync.Mutex
	flows  map[string]*gateway.OAuthFlow
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewFlowStore constructs a FlowStore with the given TTL (DefaultFlowTTL if zero).
func NewFlowStore(ttl time.Duration) *FlowStore {
	if ttl <= 0 {
		ttl = DefaultFlowTTL
	}
	return &FlowStore{
		ttl:    ttl,
		flows:  make(map[string]*gateway.OAuthFlow),
		stopCh: make(chan struct{}),
	}
}

// Put stores a new flow under its State, stamping CreatedAt/ExpiresAt.
func (f *FlowStore) Put(flow *gateway.OAuthFlow) {
	now := time.Now().UTC()
	flow.CreatedAt = now
	flow.ExpiresAt = now.Add(f.ttl)

	f.mu.Lock()
	f.flows[flow.State] = flow
	f.mu.Unlock()
}

// Take retrieves and removes the flow for state (single-use: a callback can
// only ever consume its own authorization code once).
func (f *FlowStore) Take(state string) (*gateway.OAuthFlow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	flow, ok := f.flows[state]
	if !ok {
		return nil, ErrFlowNotFound
	}
	delete(f.flows, state)
	if flow.IsExpired() {
		return nil, ErrFlowNotFound
	}
	return flow, nil
}

// StartCleanup launches the periodic sweep goroutine; call Stop to end it.
func (f *FlowStore) StartCleanup(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-f.stopCh:
				return
			case <-ticker.C:
				f.sweep()
			}
		}
	}()
}

func (f *FlowStore) sweep() {
	now := time.Now().UTC()
	f.mu.Lock()
	defer f.mu.Unlock()
	for state, flow := range f.flows {
		if now.After(flow.ExpiresAt) {
			delete(f.flows, state)
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call multiple times.
func (f *FlowStore) Stop() {
	f.once.Do(func() { close(f.stopCh) })
	f.wg.Wait()
}

// Size returns the number of in-flight flows (test/metrics use).
func (f *FlowStore) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flows)
}
