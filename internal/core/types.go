package core

import "carbonledger/pkg/domain"

type (
	Identity        = domain.Identity
	BatchID         = domain.BatchID
	ListingID       = domain.ListingID
	RetirementID    = domain.RetirementID
	BatchStatus     = domain.BatchStatus
	CreditBatch     = domain.CreditBatch
	Listing         = domain.Listing
	Retirement      = domain.Retirement
	AuditEvent      = domain.AuditEvent
	BalanceRecord   = domain.BalanceRecord
	BalanceView     = domain.BalanceView
	PurchaseReceipt = domain.PurchaseReceipt
	Change          = domain.Change
	Violation       = domain.Violation
	Result          = domain.Result
	Rule            = domain.Rule
	RulesEngine     = domain.RulesEngine
	RuleView        = domain.RuleView
	Transaction     = domain.Transaction
	TransactionView = domain.TransactionView
	PersistentStore = domain.PersistentStore
)

const (
	StatusUnverified = domain.StatusUnverified
	StatusVerified   = domain.StatusVerified
	StatusFlagged    = domain.StatusFlagged
	StatusSuspended  = domain.StatusSuspended
)
