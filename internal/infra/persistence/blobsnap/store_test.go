package blobsnap

import (
	"context"
	"testing"

	"carbonledger/internal/blob"
	"carbonledger/pkg/domain"
)

func TestSnapshotsSurviveReopen(t *testing.T) {
	blobs := blob.NewMemory()
	ctx := context.Background()

	store, err := NewStore(ctx, blobs, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var batch domain.CreditBatch
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		tx.SetOwner("owner-1")
		var err error
		batch, err = tx.CreateBatch(domain.CreditBatch{
			ProjectID:       "kelp-9",
			TotalSupply:     80,
			Available:       80,
			MetadataHistory: []string{"{}"},
			Status:          domain.StatusUnverified,
		})
		return err
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	reopened, err := NewStore(ctx, blobs, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	err = reopened.View(ctx, func(v domain.TransactionView) error {
		if v.Owner() != "owner-1" {
			t.Fatalf("owner = %s", v.Owner())
		}
		if _, ok := v.FindBatch(batch.ID); !ok {
			t.Fatal("batch lost across reopen")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestOnlyNewestSnapshotRetained(t *testing.T) {
	blobs := blob.NewMemory()
	ctx := context.Background()

	store, err := NewStore(ctx, blobs, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			tx.AppendAudit("owner-1", "tick", "")
			return nil
		}); err != nil {
			t.Fatalf("transaction %d: %v", i, err)
		}
	}

	infos, err := blobs.List(ctx, "snapshots/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 1 {
		t.Fatalf("expected a single retained snapshot, got %d", len(infos))
	}
	if infos[0].Key != "snapshots/00000000000000000003.json" {
		t.Fatalf("unexpected snapshot key %s", infos[0].Key)
	}
}

func TestFailedTransactionWritesNoSnapshot(t *testing.T) {
	blobs := blob.NewMemory()
	ctx := context.Background()

	store, err := NewStore(ctx, blobs, domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		tx.SetOwner("owner-1")
		return domain.Errorf(domain.KindInvalidArgument, "abort")
	})
	if err == nil {
		t.Fatal("expected transaction error")
	}
	infos, err := blobs.List(ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(infos) != 0 {
		t.Fatalf("aborted transaction wrote blobs: %v", infos)
	}
}

func TestNewStoreRequiresBlobStore(t *testing.T) {
	if _, err := NewStore(context.Background(), nil, domain.NewRulesEngine()); err == nil {
		t.Fatal("expected error for nil blob store")
	}
}
