package core

import (
	"context"
	"fmt"

	"carbonledger/pkg/domain"
)

// Transfer moves units from the caller's balance to another holder.
// A transfer to oneself is a no-op that still succeeds and is audited.
func (s *Service) Transfer(ctx context.Context, caller Identity, id BatchID, to Identity, amount uint64) error {
	const op = "transfer"
	if err := requireCaller(caller); err != nil {
		return annotate(op, err)
	}
	if to == domain.Anonymous {
		return annotate(op, domain.Errorf(domain.KindInvalidArgument, "recipient must not be anonymous"))
	}
	return s.run(ctx, op, func(tx Transaction) error {
		snap := tx.Snapshot()
		if _, ok := snap.FindBatch(id); !ok {
			return domain.Errorf(domain.KindNotFound, "batch %d not found", id)
		}
		if caller == to {
			if snap.Balance(id, caller) < amount {
				return domain.Errorf(domain.KindInsufficientBalance, "balance short of %d for batch %d", amount, id)
			}
		} else {
			if err := tx.DebitBalance(id, caller, amount); err != nil {
				return err
			}
			tx.CreditBalance(id, to, amount)
		}
		tx.AppendAudit(caller, op, fmt.Sprintf("batch=%d to=%s amount=%d", id, to, amount))
		return nil
	})
}

// BalanceOf returns one holder's spendable balance in a batch.
func (s *Service) BalanceOf(ctx context.Context, id BatchID, holder Identity) (uint64, error) {
	var amount uint64
	err := s.view(ctx, "balance_of", func(v TransactionView) error {
		if _, ok := v.FindBatch(id); !ok {
			return domain.Errorf(domain.KindNotFound, "batch %d not found", id)
		}
		amount = v.Balance(id, holder)
		return nil
	})
	return amount, err
}

// Holdings returns every nonzero balance held by the identity, ordered
// by batch ID.
func (s *Service) Holdings(ctx context.Context, holder Identity) ([]BalanceView, error) {
	var out []BalanceView
	err := s.view(ctx, "holdings", func(v TransactionView) error {
		for _, rec := range v.ListBalances() {
			if rec.Holder == holder {
				out = append(out, BalanceView{BatchID: rec.BatchID, Amount: rec.Amount})
			}
		}
		return nil
	})
	return out, err
}

// PortfolioTotal sums the identity's spendable balances across all batches.
func (s *Service) PortfolioTotal(ctx context.Context, holder Identity) (uint64, error) {
	holdings, err := s.Holdings(ctx, holder)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, h := range holdings {
		total += h.Amount
	}
	return total, nil
}
