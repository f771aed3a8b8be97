// Package hierarchy implements the business rules of the agent tree: root
// creation, trading P&L, child spawning and the fund movements around them.
//
// Every balance change goes through the LedgerStore's locked append
// primitives. Audit entries are handed to the Auditor only after the
// ledger call has returned, so audit latency never holds an agent lock.
package hierarchy

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/agentledger/internal/audit"
	"github.com/R3E-Network/agentledger/internal/conversion"
	svcerrors "github.com/R3E-Network/agentledger/internal/errors"
	"github.com/R3E-Network/agentledger/internal/idempotency"
	"github.com/R3E-Network/agentledger/internal/metrics"
	"github.com/R3E-Network/agentledger/internal/storage"
	"github.com/R3E-Network/agentledger/pkg/logger"
)

const (
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 10 * time.Millisecond
)

// Auditor receives audit entries. *audit.Trail satisfies it.
type Auditor interface {
	Enqueue(e audit.Entry) bool
}

// Config bounds conflict retries.
type Config struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// Service is the agent hierarchy manager.
type Service struct {
	store     storage.LedgerStore
	converter *conversion.Service
	guard     idempotency.Guard
	auditor   Auditor
	log       *logger.Logger
	cfg       Config
}

// Option customises a Service.
type Option func(*Service)

func WithConverter(c *conversion.Service) Option { return func(s *Service) { s.converter = c } }
func WithGuard(g idempotency.Guard) Option       { return func(s *Service) { s.guard = g } }
func WithAuditor(a Auditor) Option               { return func(s *Service) { s.auditor = a } }
func WithLogger(l *logger.Logger) Option         { return func(s *Service) { s.log = l } }
func WithConfig(c Config) Option                 { return func(s *Service) { s.cfg = c } }

// NewService creates a Service over store.
func NewService(store storage.LedgerStore, opts ...Option) *Service {
	s := &Service{
		store: store,
		cfg:   Config{MaxRetries: DefaultMaxRetries, RetryBackoff: DefaultRetryBackoff},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.NewNop()
	}
	s.log = s.log.Component("hierarchy")
	if s.cfg.MaxRetries < 0 {
		s.cfg.MaxRetries = 0
	}
	return s
}

// run executes fn, retrying concurrency conflicts with linear backoff, and
// records the outcome under operation.
func (s *Service) run(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, svcerrors.ErrConcurrencyConflict) || attempt >= s.cfg.MaxRetries {
			break
		}
		metrics.RecordLedgerRetry(operation)
		s.log.WithField("operation", operation).
			WithField("attempt", attempt+1).
			Debug("retrying after concurrency conflict")

		wait := s.cfg.RetryBackoff * time.Duration(attempt+1)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RecordLedgerOperation(operation, err, time.Since(start))
			return err
		case <-timer.C:
		}
	}
	metrics.RecordLedgerOperation(operation, err, time.Since(start))
	return err
}

// ownerOf resolves the agent's user for failure-path audit entries. It
// returns "" when the agent cannot be read.
func (s *Service) ownerOf(ctx context.Context, agentID string) string {
	a, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return ""
	}
	return a.UserID
}

func (s *Service) audit(e audit.Entry) {
	if s.auditor == nil {
		return
	}
	if !s.auditor.Enqueue(e) {
		s.log.WithField("event_type", e.EventType).
			WithField("agent_id", e.AgentID).
			Warn("audit entry not queued")
	}
}
