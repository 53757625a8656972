package core

import (
	"context"
	"fmt"
	"math/big"
	"strconv"

	"carbonledger/pkg/domain"
)

// NewConservationRule returns the blocking rule enforcing the supply
// conservation law: for every batch,
// available + spendable balances + open-listing escrow + retired == totalSupply.
// Sums are taken in big integers so a corrupted state cannot wrap around
// uint64 and slip past the check.
func NewConservationRule() domain.Rule {
	return conservationRule{}
}

type conservationRule struct{}

func (conservationRule) Name() string { return "supply_conservation" }

func (conservationRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	circulating := make(map[BatchID]*big.Int)
	add := func(id BatchID, amount uint64) {
		total, ok := circulating[id]
		if !ok {
			total = new(big.Int)
			circulating[id] = total
		}
		total.Add(total, new(big.Int).SetUint64(amount))
	}

	for _, bal := range view.ListBalances() {
		add(bal.BatchID, bal.Amount)
	}
	for _, listing := range view.ListListings() {
		if listing.Open {
			add(listing.BatchID, listing.Amount)
		}
	}
	for _, ret := range view.ListRetirements() {
		add(ret.BatchID, ret.Amount)
	}

	res := domain.Result{}
	for _, batch := range view.ListBatches() {
		total := new(big.Int).SetUint64(batch.Available)
		if sum, ok := circulating[batch.ID]; ok {
			total.Add(total, sum)
		}
		if total.Cmp(new(big.Int).SetUint64(batch.TotalSupply)) != 0 {
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "supply_conservation",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("batch %d units do not sum to supply: %s != %d", batch.ID, total, batch.TotalSupply),
				Entity:   domain.EntityBatch,
				EntityID: strconv.FormatUint(uint64(batch.ID), 10),
			})
		}
		delete(circulating, batch.ID)
	}
	// Anything left references a batch the registry does not know.
	for id := range circulating {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "supply_conservation",
			Severity: domain.SeverityBlock,
			Message:  fmt.Sprintf("units recorded against unknown batch %d", id),
			Entity:   domain.EntityBatch,
			EntityID: strconv.FormatUint(uint64(id), 10),
		})
	}
	return res, nil
}
