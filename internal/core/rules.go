package core

import "carbonledger/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in invariant set.
// Every transaction commits only if these rules admit the resulting state.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewConservationRule())
	engine.Register(NewBatchIntegrityRule())
	engine.Register(NewListingEscrowRule())
	return engine
}
