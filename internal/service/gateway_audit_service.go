package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/audit"
	"github.com/Sentinel-Gate/Sentinelgate/internal/domain/gateway"
)

// criticalKinds are audit kinds that must never be silently dropped: when
// both the non-blocking and bounded-timeout channel sends fail for one of
// these, Record falls back to a synchronous store write on the caller's
// goroutine.
var criticalKinds = map[string]struct{}{
	gateway.AuditKindAuthLoginFailed:     {},
	gateway.AuditKindAuthzDenied:         {},
	gateway.AuditKindSecurityRateLimited: {},
	gateway.AuditKindRoleAssigned:        {},
	gateway.AuditKindRoleRevoked:         {},
	gateway.AuditKindACLSet:              {},
	gateway.AuditKindConfigChanged:       {},
}

// AuditQueryStore is the subset of gateway.Store the audit service writes
// to and queries.
type AuditQueryStore interface {
	AppendAudit(ctx context.Context, e *gateway.AuditEvent) error
	QueryAudit(ctx context.Context, f gateway.AuditFilter) ([]gateway.AuditEvent, error)
	PurgeAuditBefore(ctx context.Context, before time.Time) (int64, error)
}

// GatewayAuditService is a non-blocking bounded-channel audit writer with a
// single background batching worker. Mirrors the base repository's
// AuditService shape (batch/flush/adaptive-flush/backpressure) but operates
// on gateway.AuditEvent and adds a synchronous fallback for critical kinds,
// which the original never needed because it only ever dropped on
// saturation.
type GatewayAuditService struct {
	store  AuditQueryStore
	logger *slog.Logger

	eventChan chan gateway.AuditEvent
	done      chan struct{}
	wg        sync.WaitGroup

	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration
	dropCount   atomic.Int64

	warningThreshold       int
	lastWarning            atomic.Int64
	adaptiveFlushThreshold int
}

// GatewayAuditOption configures a GatewayAuditService.
type GatewayAuditOption func(*GatewayAuditService)

// WithGatewayAuditBatchSize sets the number of records batched per flush.
func WithGatewayAuditBatchSize(n int) GatewayAuditOption {
	return func(s *GatewayAuditService) { s.batchSize = n }
}

// WithGatewayAuditFlushInterval sets the normal-mode flush period.
func WithGatewayAuditFlushInterval(d time.Duration) GatewayAuditOption {
	return func(s *GatewayAuditService) { s.flushInterval = d }
}

// WithGatewayAuditChannelSize replaces the default channel buffer size.
func WithGatewayAuditChannelSize(n int) GatewayAuditOption {
	return func(s *GatewayAuditService) {
		s.eventChan = make(chan gateway.AuditEvent, n)
		s.channelSize = n
	}
}

// NewGatewayAuditService constructs a GatewayAuditService.
func NewGatewayAuditService(store AuditQueryStore, logger *slog.Logger, opts ...GatewayAuditOption) *GatewayAuditService {
	const defaultChannelSize = 1000
	s := &GatewayAuditService{
		store:                  store,
		logger:                 logger,
		eventChan:              make(chan gateway.AuditEvent, defaultChannelSize),
		done:                   make(chan struct{}),
		batchSize:              100,
		flushInterval:          time.Second,
		channelSize:            defaultChannelSize,
		sendTimeout:            100 * time.Millisecond,
		warningThreshold:       80,
		adaptiveFlushThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the background batching worker.
func (s *GatewayAuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record submits an event for asynchronous persistence, redacting sensitive
// detail keys first. Non-critical kinds are dropped under sustained
// saturation; critical kinds fall back to a synchronous store write.
func (s *GatewayAuditService) Record(ctx context.Context, e gateway.AuditEvent) {
	e.Details = audit.RedactSensitiveArgs(e.Details)

	if s.warningThreshold > 0 {
		depth := len(s.eventChan)
		threshold := s.channelSize * s.warningThreshold / 100
		if depth >= threshold {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.eventChan <- e:
		return
	default:
	}

	if s.sendTimeout > 0 {
		select {
		case s.eventChan <- e:
			return
		case <-time.After(s.sendTimeout):
		}
	}

	if _, critical := criticalKinds[e.Kind]; critical {
		if err := s.store.AppendAudit(ctx, &e); err != nil {
			s.logger.Error("synchronous critical audit write failed", "kind", e.Kind, "error", err)
		}
		return
	}

	drops := s.dropCount.Add(1)
	s.logger.Warn("audit event dropped", "kind", e.Kind, "total_drops", drops)
}

// DroppedRecords returns the count of non-critical events dropped under saturation.
func (s *GatewayAuditService) DroppedRecords() int64 { return s.dropCount.Load() }

// ChannelDepth reports how many events are currently buffered, for health checks.
func (s *GatewayAuditService) ChannelDepth() int { return len(s.eventChan) }

// ChannelCapacity reports the buffer's total capacity, for health checks.
func (s *GatewayAuditService) ChannelCapacity() int { return cap(s.eventChan) }

func (s *GatewayAuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity", "depth", depth, "capacity", s.channelSize)
	}
}

// Stop closes the input channel and waits for the worker to flush and exit.
func (s *GatewayAuditService) Stop() {
	close(s.eventChan)
	s.wg.Wait()
}

func (s *GatewayAuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]gateway.AuditEvent, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	fastMode := false

	for {
		select {
		case e, ok := <-s.eventChan:
			if !ok {
				if len(batch) > 0 {
					flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					s.flush(flushCtx, batch)
					cancel()
				}
				return
			}
			batch = append(batch, e)

			shouldFlush := len(batch) >= s.batchSize
			depthPercent := len(s.eventChan) * 100 / s.channelSize
			if !shouldFlush && s.adaptiveFlushThreshold > 0 && depthPercent >= s.adaptiveFlushThreshold {
				shouldFlush = true
			}
			if shouldFlush {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

			if s.adaptiveFlushThreshold > 0 {
				if depthPercent >= s.adaptiveFlushThreshold && !fastMode {
					ticker.Reset(s.flushInterval / 4)
					fastMode = true
				} else if depthPercent < s.adaptiveFlushThreshold && fastMode {
					ticker.Reset(s.flushInterval)
					fastMode = false
				}
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			for e := range s.eventChan {
				batch = append(batch, e)
			}
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.flush(flushCtx, batch)
				cancel()
			}
			return
		}
	}
}

func (s *GatewayAuditService) flush(ctx context.Context, batch []gateway.AuditEvent) {
	for i := range batch {
		if err := s.store.AppendAudit(ctx, &batch[i]); err != nil {
			s.logger.Error("failed to write audit event", "kind", batch[i].Kind, "error", err)
		}
	}
}

// Query proxies to the store's query API (time range, kind, severity,
// user_id/email, pagination).
func (s *GatewayAuditService) Query(ctx context.Context, f gateway.AuditFilter) ([]gateway.AuditEvent, error) {
	return s.store.QueryAudit(ctx, f)
}

// PurgeBefore deletes audit events older than before, used by the
// retention cleanup job.
func (s *GatewayAuditService) PurgeBefore(ctx context.Context, before time.Time) (int64, error) {
	return s.store.PurgeAuditBefore(ctx, before)
}

// RunRetention starts a daily ticker that purges events older than
// retentionDays; stops when ctx is cancelled.
func (s *GatewayAuditService) RunRetention(ctx context.Context, retentionDays int) {
	if retentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
			n, err := s.PurgeBefore(ctx, cutoff)
			if err != nil {
				s.logger.Error("audit retention purge failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("audit retention purge", "deleted", n, "cutoff", cutoff)
			}
		}
	}
}
