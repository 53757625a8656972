package core

import (
	"context"
	"fmt"

	"carbonledger/pkg/domain"
)

// Retire permanently burns amount units from the caller's balance as an
// emissions offset. Retired units never return to circulation or to the
// batch's unminted reserve.
func (s *Service) Retire(ctx context.Context, caller Identity, id BatchID, amount uint64, reason string) (Retirement, error) {
	const op = "retire"
	var created Retirement
	if err := requireCaller(caller); err != nil {
		return created, annotate(op, err)
	}
	if amount == 0 {
		return created, annotate(op, domain.Errorf(domain.KindInvalidArgument, "amount must be positive"))
	}
	err := s.run(ctx, op, func(tx Transaction) error {
		if _, ok := tx.Snapshot().FindBatch(id); !ok {
			return domain.Errorf(domain.KindNotFound, "batch %d not found", id)
		}
		if err := tx.DebitBalance(id, caller, amount); err != nil {
			return err
		}
		var err error
		created, err = tx.AppendRetirement(Retirement{
			BatchID: id,
			Owner:   caller,
			Amount:  amount,
			Reason:  reason,
		})
		if err != nil {
			return err
		}
		tx.AppendAudit(caller, op, fmt.Sprintf("retirement=%d batch=%d amount=%d reason=%s", created.ID, id, amount, reason))
		return nil
	})
	if err != nil {
		return Retirement{}, err
	}
	return created, nil
}

// ListRetirements returns the full retirement log in record order.
func (s *Service) ListRetirements(ctx context.Context) ([]Retirement, error) {
	var out []Retirement
	err := s.view(ctx, "list_retirements", func(v TransactionView) error {
		out = v.ListRetirements()
		return nil
	})
	return out, err
}

// RetirementsOf returns the retirement records belonging to one holder.
func (s *Service) RetirementsOf(ctx context.Context, holder Identity) ([]Retirement, error) {
	var out []Retirement
	err := s.view(ctx, "retirements_of", func(v TransactionView) error {
		for _, r := range v.ListRetirements() {
			if r.Owner == holder {
				out = append(out, r)
			}
		}
		return nil
	})
	return out, err
}
