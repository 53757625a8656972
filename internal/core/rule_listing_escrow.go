package core

import (
	"context"
	"fmt"
	"strconv"

	"carbonledger/pkg/domain"
)

// NewListingEscrowRule returns the blocking rule enforcing listing
// lifecycle consistency: an open listing always holds escrow, and a
// closed listing holds none.
func NewListingEscrowRule() domain.Rule {
	return listingEscrowRule{}
}

type listingEscrowRule struct{}

func (listingEscrowRule) Name() string { return "listing_escrow" }

func (listingEscrowRule) Evaluate(_ context.Context, view domain.RuleView, _ []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, listing := range view.ListListings() {
		var msg string
		switch {
		case listing.Open && listing.Amount == 0:
			msg = fmt.Sprintf("open listing %d holds no escrow", listing.ID)
		case !listing.Open && listing.Amount != 0:
			msg = fmt.Sprintf("closed listing %d still holds %d escrowed units", listing.ID, listing.Amount)
		default:
			continue
		}
		res.Violations = append(res.Violations, domain.Violation{
			Rule:     "listing_escrow",
			Severity: domain.SeverityBlock,
			Message:  msg,
			Entity:   domain.EntityListing,
			EntityID: strconv.FormatUint(uint64(listing.ID), 10),
		})
	}
	return res, nil
}
