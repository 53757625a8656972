package core

import (
	"context"
	"fmt"
	"strconv"

	"carbonledger/pkg/domain"
)

// NewBatchIntegrityRule returns the blocking rule enforcing per-batch
// bounds: available never exceeds totalSupply, the royalty rate stays
// within the ppm denominator, and the status is one of the closed set.
func NewBatchIntegrityRule() domain.Rule {
	return batchIntegrityRule{}
}

type batchIntegrityRule struct{}

func (batchIntegrityRule) Name() string { return "batch_integrity" }

func (batchIntegrityRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	violate := func(id BatchID, msg string) {
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "batch_integrity",
			Severity: domain.SeverityBlock,
			Message:  msg,
			Entity:   domain.EntityBatch,
			EntityID: strconv.FormatUint(uint64(id), 10),
		})
	}
	for _, batch := range view.ListBatches() {
		if batch.Available > batch.TotalSupply {
			violate(batch.ID, fmt.Sprintf("batch %d available %d exceeds supply %d", batch.ID, batch.Available, batch.TotalSupply))
		}
		if batch.RoyaltyPpm > domain.RoyaltyDenominator {
			violate(batch.ID, fmt.Sprintf("batch %d royalty %d ppm out of range", batch.ID, batch.RoyaltyPpm))
		}
		if !batch.Status.Valid() {
			violate(batch.ID, fmt.Sprintf("batch %d has unknown status %q", batch.ID, batch.Status))
		}
	}
	return res, nil
}
