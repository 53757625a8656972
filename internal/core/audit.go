package core

import (
	"context"
	"fmt"
)

// AuditLog returns every committed audit event with a timestamp at or
// after sinceNs, in chronological order. Zero returns the full log.
func (s *Service) AuditLog(ctx context.Context, sinceNs int64) ([]AuditEvent, error) {
	var out []AuditEvent
	err := s.view(ctx, "audit_log", func(v TransactionView) error {
		out = v.AuditEvents(sinceNs)
		return nil
	})
	return out, err
}

// IngestOracleEvent records an authenticated external observation in
// the audit log. The payload is not interpreted here; consumers of the
// audit stream decide what it means.
func (s *Service) IngestOracleEvent(ctx context.Context, caller Identity, source Identity, payload string) error {
	const op = "ingest_oracle_event"
	if err := requireCaller(caller); err != nil {
		return annotate(op, err)
	}
	return s.run(ctx, op, func(tx Transaction) error {
		if !tx.Snapshot().IsOracle(caller) {
			return s.unauthorized(op, caller, "an oracle")
		}
		tx.AppendAudit(caller, op, fmt.Sprintf("source=%s payload=%s", source, payload))
		return nil
	})
}
