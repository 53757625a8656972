package domain

import "context"

// Transaction exposes the ledger mutations a persistence implementation
// must support within one atomic scope. Mutations apply to a private
// clone of the state; nothing is visible outside the transaction until
// it commits.
type Transaction interface {
	// Snapshot returns a read-only view over the transactional state,
	// including mutations already applied in this transaction.
	Snapshot() TransactionView
	// NowNs is the transaction timestamp in nanoseconds. All records
	// created in one transaction share it; audit events may be bumped
	// to keep the log strictly increasing.
	NowNs() int64

	SetOwner(owner Identity)
	// AddIssuer reports whether the identity was newly added; adding an
	// existing member is a no-op.
	AddIssuer(id Identity) bool
	AddVerifier(id Identity) bool
	AddOracle(id Identity) bool

	// CreateBatch assigns the next batch ID and creation timestamp.
	CreateBatch(batch CreditBatch) (CreditBatch, error)
	UpdateBatch(id BatchID, mutator func(*CreditBatch) error) (CreditBatch, error)

	// CreditBalance adds units to a holder's spendable balance.
	CreditBalance(id BatchID, holder Identity, amount uint64)
	// DebitBalance removes units, failing with InsufficientBalance when
	// the holder's balance is short. Zero balances leave the table.
	DebitBalance(id BatchID, holder Identity, amount uint64) error

	// CreateListing assigns the next listing ID and creation timestamp.
	CreateListing(listing Listing) (Listing, error)
	UpdateListing(id ListingID, mutator func(*Listing) error) (Listing, error)

	// AppendRetirement assigns the next retirement ID and timestamp.
	AppendRetirement(r Retirement) (Retirement, error)

	// AppendAudit appends one audit event with a strictly increasing
	// timestamp. Services call it as the final step of each operation.
	AppendAudit(actor Identity, action, details string) AuditEvent
}

// TransactionView provides read-only access to a consistent snapshot of
// ledger state. Role predicates apply the uniform owner-implicit rule:
// the owner counts as a member of every role set.
type TransactionView interface {
	Owner() Identity
	Issuers() []Identity
	Verifiers() []Identity
	Oracles() []Identity
	IsIssuer(id Identity) bool
	IsVerifier(id Identity) bool
	IsOracle(id Identity) bool

	FindBatch(id BatchID) (CreditBatch, bool)
	ListBatches() []CreditBatch
	Balance(id BatchID, holder Identity) uint64
	ListBalances() []BalanceRecord
	FindListing(id ListingID) (Listing, bool)
	ListListings() []Listing
	ListRetirements() []Retirement
	// AuditEvents returns events with TsNs >= sinceNs in log order.
	// A sinceNs of zero returns the full log.
	AuditEvents(sinceNs int64) []AuditEvent
}

// PersistentStore is a minimal abstraction over durable backends. All
// mutation goes through RunInTransaction; reads observe the last
// committed state through View.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
