package core

import (
	"context"
	"errors"
	"time"

	"carbonledger/pkg/domain"
)

// Service exposes the ledger operation set over a persistent store.
// Every mutating operation runs as one transaction: authorize, validate,
// mutate, append exactly one audit event. A failed operation commits
// nothing and leaves no audit trace.
type Service struct {
	store   PersistentStore
	logger  Logger
	metrics MetricsRecorder
}

// Option configures a Service.
type Option func(*Service)

// WithLogger injects a structured logger. Rejected authorization
// attempts are reported here, never in the audit log.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics injects a per-operation metrics recorder.
func WithMetrics(rec MetricsRecorder) Option {
	return func(s *Service) {
		if rec != nil {
			s.metrics = rec
		}
	}
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run executes one mutating operation transactionally and records its
// outcome. Typed errors are annotated with the operation name.
func (s *Service) run(ctx context.Context, op string, fn func(tx Transaction) error) error {
	start := time.Now()
	_, err := s.store.RunInTransaction(ctx, fn)
	s.observe(ctx, op, err == nil, time.Since(start))
	if err != nil {
		s.logger.Debug("operation rejected", "operation", op, "error", err)
		return annotate(op, err)
	}
	return nil
}

// view executes a read against the last committed snapshot.
func (s *Service) view(ctx context.Context, op string, fn func(v TransactionView) error) error {
	start := time.Now()
	err := s.store.View(ctx, fn)
	s.observe(ctx, op, err == nil, time.Since(start))
	if err != nil {
		return annotate(op, err)
	}
	return nil
}

func (s *Service) observe(ctx context.Context, op string, success bool, d time.Duration) {
	if s.metrics != nil {
		s.metrics.Observe(ctx, op, success, d)
	}
}

// unauthorized logs the rejected attempt and returns the typed error.
// Failed authorization never reaches the audit log: the log records
// committed state transitions only.
func (s *Service) unauthorized(op string, caller Identity, need string) error {
	s.logger.Warn("authorization rejected", "operation", op, "caller", string(caller), "required", need)
	return domain.Errorf(domain.KindUnauthorized, "caller %s is not %s", caller, need)
}

func annotate(op string, err error) error {
	var typed *domain.Error
	if errors.As(err, &typed) && typed.Op == "" {
		return typed.WithOp(op)
	}
	return err
}

func requireCaller(caller Identity) error {
	if caller == domain.Anonymous {
		return domain.Errorf(domain.KindUnauthorized, "anonymous caller")
	}
	return nil
}
