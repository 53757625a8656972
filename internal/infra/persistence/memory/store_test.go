package memory

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"carbonledger/pkg/domain"
)

func seedBatch(t *testing.T, store *Store, issuer Identity, supply uint64) CreditBatch {
	t.Helper()
	var created CreditBatch
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateBatch(CreditBatch{
			ProjectID:       "verdant-1",
			TotalSupply:     supply,
			Available:       supply,
			Metadata:        "{}",
			MetadataHistory: []string{"{}"},
			Issuer:          issuer,
			Status:          domain.StatusUnverified,
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	return created
}

func TestRunInTransactionCommitsOnSuccess(t *testing.T) {
	store := NewStore(nil)
	batch := seedBatch(t, store, "issuer-a", 100)

	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		if _, err := tx.UpdateBatch(batch.ID, func(b *CreditBatch) error {
			b.Available -= 40
			return nil
		}); err != nil {
			return err
		}
		tx.CreditBalance(batch.ID, "holder-1", 40)
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	err = store.View(context.Background(), func(v TransactionView) error {
		if got := v.Balance(batch.ID, "holder-1"); got != 40 {
			t.Fatalf("balance = %d, want 40", got)
		}
		b, ok := v.FindBatch(batch.ID)
		if !ok || b.Available != 60 {
			t.Fatalf("available = %d, want 60", b.Available)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestRunInTransactionDiscardsOnError(t *testing.T) {
	store := NewStore(nil)
	batch := seedBatch(t, store, "issuer-a", 100)

	boom := errors.New("boom")
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		tx.CreditBalance(batch.ID, "holder-1", 99)
		tx.AppendAudit("holder-1", "noise", "should not survive")
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	err = store.View(context.Background(), func(v TransactionView) error {
		if got := v.Balance(batch.ID, "holder-1"); got != 0 {
			t.Fatalf("balance leaked: %d", got)
		}
		if events := v.AuditEvents(0); len(events) != 0 {
			t.Fatalf("audit leaked %d events", len(events))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestRunInTransactionBlocksOnRuleViolation(t *testing.T) {
	engine := domain.NewRulesEngine()
	engine.Register(blockAllRule{})
	store := NewStore(engine)

	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		tx.SetOwner("owner-1")
		return nil
	})
	var viol domain.RuleViolationError
	if !errors.As(err, &viol) {
		t.Fatalf("expected RuleViolationError, got %v", err)
	}
	err = store.View(context.Background(), func(v TransactionView) error {
		if v.Owner() != domain.Anonymous {
			t.Fatalf("blocked transaction committed owner %s", v.Owner())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

type blockAllRule struct{}

func (blockAllRule) Name() string { return "block_all" }

func (blockAllRule) Evaluate(_ context.Context, _ domain.RuleView, changes []Change) (Result, error) {
	if len(changes) == 0 {
		return Result{}, nil
	}
	return Result{Violations: []domain.Violation{{Rule: "block_all", Severity: domain.SeverityBlock}}}, nil
}

func TestDebitBalanceInsufficient(t *testing.T) {
	store := NewStore(nil)
	batch := seedBatch(t, store, "issuer-a", 10)

	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		tx.CreditBalance(batch.ID, "holder-1", 5)
		return tx.DebitBalance(batch.ID, "holder-1", 6)
	})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
}

func TestDebitBalanceRemovesZeroRows(t *testing.T) {
	store := NewStore(nil)
	batch := seedBatch(t, store, "issuer-a", 10)

	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		tx.CreditBalance(batch.ID, "holder-1", 5)
		return tx.DebitBalance(batch.ID, "holder-1", 5)
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	err = store.View(context.Background(), func(v TransactionView) error {
		if rows := v.ListBalances(); len(rows) != 0 {
			t.Fatalf("expected empty balance table, got %v", rows)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestAppendAuditStrictlyIncreasing(t *testing.T) {
	store := NewStore(nil)
	frozen := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return frozen })

	for i := 0; i < 3; i++ {
		_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
			tx.AppendAudit("actor", "tick", "")
			return nil
		})
		if err != nil {
			t.Fatalf("transaction %d: %v", i, err)
		}
	}

	err := store.View(context.Background(), func(v TransactionView) error {
		events := v.AuditEvents(0)
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		for i := 1; i < len(events); i++ {
			if events[i].TsNs <= events[i-1].TsNs {
				t.Fatalf("timestamps not strictly increasing: %d then %d", events[i-1].TsNs, events[i].TsNs)
			}
		}
		if events[0].TsNs != frozen.UnixNano() {
			t.Fatalf("first event ts = %d, want %d", events[0].TsNs, frozen.UnixNano())
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestAuditEventsSinceFilter(t *testing.T) {
	store := NewStore(nil)
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := base
	store.SetNowFunc(func() time.Time { return now })

	for i := 0; i < 4; i++ {
		now = base.Add(time.Duration(i) * time.Second)
		_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
			tx.AppendAudit("actor", "tick", "")
			return nil
		})
		if err != nil {
			t.Fatalf("transaction %d: %v", i, err)
		}
	}

	err := store.View(context.Background(), func(v TransactionView) error {
		since := base.Add(2 * time.Second).UnixNano()
		events := v.AuditEvents(since)
		if len(events) != 2 {
			t.Fatalf("expected 2 events since cutoff, got %d", len(events))
		}
		if events[0].TsNs != since {
			t.Fatalf("since filter should be inclusive, first ts = %d", events[0].TsNs)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestOwnerImplicitRolePredicates(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		tx.SetOwner("owner-1")
		tx.AddIssuer("issuer-a")
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	err = store.View(context.Background(), func(v TransactionView) error {
		if !v.IsIssuer("issuer-a") {
			t.Fatal("explicit issuer not recognized")
		}
		if !v.IsIssuer("owner-1") || !v.IsVerifier("owner-1") || !v.IsOracle("owner-1") {
			t.Fatal("owner should hold every role implicitly")
		}
		if v.IsIssuer(domain.Anonymous) {
			t.Fatal("anonymous must never hold a role")
		}
		if v.IsVerifier("issuer-a") {
			t.Fatal("issuer role must not imply verifier")
		}
		for _, id := range v.Issuers() {
			if id == "owner-1" {
				t.Fatal("owner must not appear in the explicit issuer set")
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestAddRoleIdempotent(t *testing.T) {
	store := NewStore(nil)
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		if !tx.AddIssuer("issuer-a") {
			t.Fatal("first add should report newly added")
		}
		if tx.AddIssuer("issuer-a") {
			t.Fatal("second add should report existing")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestUpdateBatchPreservesIdentityFields(t *testing.T) {
	store := NewStore(nil)
	batch := seedBatch(t, store, "issuer-a", 10)

	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		updated, err := tx.UpdateBatch(batch.ID, func(b *CreditBatch) error {
			b.ID = 999
			b.CreatedAtNs = 1
			b.Status = domain.StatusVerified
			return nil
		})
		if err != nil {
			return err
		}
		if updated.ID != batch.ID || updated.CreatedAtNs != batch.CreatedAtNs {
			t.Fatalf("identity fields changed: %+v", updated)
		}
		if updated.Status != domain.StatusVerified {
			t.Fatalf("mutation lost: %s", updated.Status)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

func TestViewIsolationFromCommittedState(t *testing.T) {
	store := NewStore(nil)
	batch := seedBatch(t, store, "issuer-a", 10)

	err := store.View(context.Background(), func(v TransactionView) error {
		b, _ := v.FindBatch(batch.ID)
		b.Tags = append(b.Tags, "tampered")
		b.MetadataHistory = append(b.MetadataHistory, "tampered")
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	err = store.View(context.Background(), func(v TransactionView) error {
		b, _ := v.FindBatch(batch.ID)
		if b.HasTag("tampered") || len(b.MetadataHistory) != 1 {
			t.Fatalf("view mutation leaked into store: %+v", b)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := NewStore(nil)
	frozen := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return frozen })

	batch := seedBatch(t, store, "issuer-a", 100)
	_, err := store.RunInTransaction(context.Background(), func(tx Transaction) error {
		tx.SetOwner("owner-1")
		tx.AddIssuer("issuer-a")
		tx.AddVerifier("verifier-a")
		tx.CreditBalance(batch.ID, "holder-1", 30)
		if _, err := tx.CreateListing(Listing{BatchID: batch.ID, Seller: "holder-1", Amount: 5, PricePerUnit: 2, Open: true}); err != nil {
			return err
		}
		if _, err := tx.AppendRetirement(Retirement{BatchID: batch.ID, Owner: "holder-1", Amount: 3, Reason: "offset"}); err != nil {
			return err
		}
		tx.AppendAudit("owner-1", "setup", "fixture")
		return nil
	})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	exported := store.ExportState()
	data, err := json.Marshal(exported)
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var decoded Snapshot
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	restored := NewStore(nil)
	restored.ImportState(decoded)
	if !reflect.DeepEqual(restored.ExportState(), exported) {
		t.Fatal("snapshot round trip diverged")
	}

	// Sequences must continue past restored records.
	var next CreditBatch
	_, err = restored.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		next, err = tx.CreateBatch(CreditBatch{TotalSupply: 1, Available: 1, Status: domain.StatusUnverified})
		return err
	})
	if err != nil {
		t.Fatalf("create after restore: %v", err)
	}
	if next.ID != batch.ID+1 {
		t.Fatalf("batch ID after restore = %d, want %d", next.ID, batch.ID+1)
	}
}

func TestImportEmptySnapshotResets(t *testing.T) {
	store := NewStore(nil)
	seedBatch(t, store, "issuer-a", 10)
	store.ImportState(Snapshot{})

	err := store.View(context.Background(), func(v TransactionView) error {
		if len(v.ListBatches()) != 0 {
			t.Fatal("expected empty store after reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
	var created CreditBatch
	_, err = store.RunInTransaction(context.Background(), func(tx Transaction) error {
		var err error
		created, err = tx.CreateBatch(CreditBatch{TotalSupply: 1, Available: 1, Status: domain.StatusUnverified})
		return err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID != 1 {
		t.Fatalf("fresh store should allocate ID 1, got %d", created.ID)
	}
}
