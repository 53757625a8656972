package core

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"carbonledger/internal/infra/persistence/memory"
	"carbonledger/pkg/domain"
)

const (
	testOwner    Identity = "owner-1"
	testIssuer   Identity = "issuer-1"
	testVerifier Identity = "verifier-1"
	testOracle   Identity = "oracle-1"
	testHolder   Identity = "holder-1"
	testBuyer    Identity = "buyer-1"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	store := memory.NewStore(NewDefaultRulesEngine())
	return NewService(store, opts...), store
}

// newLedger returns a service bootstrapped with an owner and one member
// in each role.
func newLedger(t *testing.T, opts ...Option) (*Service, *memory.Store) {
	t.Helper()
	svc, store := newTestService(t, opts...)
	ctx := context.Background()
	if err := svc.Bootstrap(ctx, testOwner); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if err := svc.AddIssuer(ctx, testOwner, testIssuer); err != nil {
		t.Fatalf("add issuer: %v", err)
	}
	if err := svc.AddVerifier(ctx, testOwner, testVerifier); err != nil {
		t.Fatalf("add verifier: %v", err)
	}
	if err := svc.AddOracle(ctx, testOwner, testOracle); err != nil {
		t.Fatalf("add oracle: %v", err)
	}
	return svc, store
}

func issueTestBatch(t *testing.T, svc *Service, in IssueBatchInput) CreditBatch {
	t.Helper()
	if in.TotalSupply == 0 {
		in.TotalSupply = 1000
	}
	if in.ProjectID == "" {
		in.ProjectID = "mangrove-17"
	}
	batch, err := svc.IssueBatch(context.Background(), testIssuer, in)
	if err != nil {
		t.Fatalf("issue batch: %v", err)
	}
	return batch
}

type captureLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *captureLogger) log(level, msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf("%s %s %v", level, msg, args))
}

func (l *captureLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args...) }
func (l *captureLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args...) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args...) }
func (l *captureLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args...) }

func (l *captureLogger) contains(substr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if strings.Contains(e, substr) {
			return true
		}
	}
	return false
}

func TestBootstrapRunsOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if err := svc.Bootstrap(ctx, testOwner); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	owner, err := svc.GetOwner(ctx)
	if err != nil {
		t.Fatalf("get owner: %v", err)
	}
	if owner != testOwner {
		t.Fatalf("owner = %s, want %s", owner, testOwner)
	}

	err = svc.Bootstrap(ctx, "usurper")
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("second bootstrap should fail with invalid argument, got %v", err)
	}
	owner, _ = svc.GetOwner(ctx)
	if owner != testOwner {
		t.Fatalf("owner changed to %s", owner)
	}
}

func TestBootstrapRejectsAnonymous(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Bootstrap(context.Background(), domain.Anonymous)
	if !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSetOwnerTransfersControl(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	if err := svc.SetOwner(ctx, testHolder, "other"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-owner set owner: %v", err)
	}
	if err := svc.SetOwner(ctx, testOwner, "owner-2"); err != nil {
		t.Fatalf("set owner: %v", err)
	}
	owner, _ := svc.GetOwner(ctx)
	if owner != Identity("owner-2") {
		t.Fatalf("owner = %s", owner)
	}
	// The previous owner lost all implicit privileges.
	if err := svc.AddIssuer(ctx, testOwner, "late-issuer"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("stale owner should be rejected: %v", err)
	}
}

func TestAddRoleOwnerOnlyAndIdempotent(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	if err := svc.AddIssuer(ctx, testIssuer, "peer"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("issuer granting roles: %v", err)
	}
	if err := svc.AddIssuer(ctx, testOwner, testIssuer); err != nil {
		t.Fatalf("re-adding member should succeed: %v", err)
	}
	issuers, err := svc.ListIssuers(ctx)
	if err != nil {
		t.Fatalf("list issuers: %v", err)
	}
	if len(issuers) != 1 || issuers[0] != testIssuer {
		t.Fatalf("issuers = %v", issuers)
	}
	if err := svc.AddVerifier(ctx, testOwner, domain.Anonymous); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("anonymous member: %v", err)
	}
}

func TestRoleListsAreDisjoint(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	verifiers, _ := svc.ListVerifiers(ctx)
	oracles, _ := svc.ListOracles(ctx)
	if len(verifiers) != 1 || verifiers[0] != testVerifier {
		t.Fatalf("verifiers = %v", verifiers)
	}
	if len(oracles) != 1 || oracles[0] != testOracle {
		t.Fatalf("oracles = %v", oracles)
	}
}

func TestFailedOperationLeavesNoTrace(t *testing.T) {
	svc, store := newLedger(t)
	ctx := context.Background()
	batch := issueTestBatch(t, svc, IssueBatchInput{})
	if err := svc.MintTo(ctx, testIssuer, batch.ID, testHolder, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}

	before := store.ExportState()

	// One failure of each class: authorization, validation, balance.
	if _, err := svc.IssueBatch(ctx, testHolder, IssueBatchInput{TotalSupply: 5}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized issue, got %v", err)
	}
	if err := svc.Transfer(ctx, testHolder, batch.ID, testBuyer, 101); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if _, err := svc.CreateListing(ctx, testHolder, batch.ID, 0, 10); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}

	if !reflect.DeepEqual(store.ExportState(), before) {
		t.Fatal("failed operations mutated committed state")
	}
}

func TestUnauthorizedAttemptsAreLoggedNotAudited(t *testing.T) {
	logger := &captureLogger{}
	svc, _ := newLedger(t, WithLogger(logger))
	ctx := context.Background()

	auditBefore, err := svc.AuditLog(ctx, 0)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}

	if _, err := svc.IssueBatch(ctx, testHolder, IssueBatchInput{TotalSupply: 5}); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	if !logger.contains("authorization rejected") {
		t.Fatalf("expected warn log entry, got %v", logger.entries)
	}
	auditAfter, err := svc.AuditLog(ctx, 0)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(auditAfter) != len(auditBefore) {
		t.Fatalf("rejected attempt reached the audit log: %d -> %d", len(auditBefore), len(auditAfter))
	}
}

func TestEveryMutationAppendsOneAuditEvent(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	start, err := svc.AuditLog(ctx, 0)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	// bootstrap + three role grants
	if len(start) != 4 {
		t.Fatalf("setup should have 4 audit events, got %d", len(start))
	}

	batch := issueTestBatch(t, svc, IssueBatchInput{})
	if err := svc.MintTo(ctx, testIssuer, batch.ID, testHolder, 100); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := svc.Transfer(ctx, testHolder, batch.ID, testBuyer, 10); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if err := svc.VerifyBatch(ctx, testVerifier, batch.ID, "audited on site"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := svc.Retire(ctx, testBuyer, batch.ID, 4, "flight"); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if err := svc.IngestOracleEvent(ctx, testOracle, "sensor-9", "soil-carbon=ok"); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	events, err := svc.AuditLog(ctx, 0)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	if len(events) != len(start)+6 {
		t.Fatalf("expected %d events, got %d", len(start)+6, len(events))
	}
	actions := make([]string, 0, 6)
	for _, e := range events[len(start):] {
		actions = append(actions, e.Action)
	}
	want := []string{"issue_batch", "mint_to", "transfer", "verify_batch", "retire", "ingest_oracle_event"}
	if !reflect.DeepEqual(actions, want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := 1; i < len(events); i++ {
		if events[i].TsNs <= events[i-1].TsNs {
			t.Fatalf("audit timestamps not strictly increasing at %d", i)
		}
	}
}

func TestAuditLogSinceFilter(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	all, err := svc.AuditLog(ctx, 0)
	if err != nil {
		t.Fatalf("audit log: %v", err)
	}
	cutoff := all[2].TsNs
	since, err := svc.AuditLog(ctx, cutoff)
	if err != nil {
		t.Fatalf("audit log since: %v", err)
	}
	if len(since) != len(all)-2 {
		t.Fatalf("expected %d events, got %d", len(all)-2, len(since))
	}
	if since[0].TsNs != cutoff {
		t.Fatal("since filter should include the cutoff timestamp")
	}
}

func TestIngestOracleEventRequiresOracle(t *testing.T) {
	svc, _ := newLedger(t)
	ctx := context.Background()

	if err := svc.IngestOracleEvent(ctx, testHolder, "sensor-9", "x"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	// Owner is oracle-privileged implicitly.
	if err := svc.IngestOracleEvent(ctx, testOwner, "sensor-9", "x"); err != nil {
		t.Fatalf("owner ingest: %v", err)
	}
}

func TestOperationErrorsCarryOperationName(t *testing.T) {
	svc, _ := newLedger(t)
	_, err := svc.GetBatch(context.Background(), 404)
	var typed *domain.Error
	if !errors.As(err, &typed) {
		t.Fatalf("expected typed error, got %v", err)
	}
	if typed.Op != "get_batch" {
		t.Fatalf("op = %q, want get_batch", typed.Op)
	}
}
