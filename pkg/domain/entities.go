// Package domain defines the core ledger entities, value types, typed
// errors, and rule evaluation primitives used by carbonledger.
package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Identity is an opaque, globally unique caller principal. It is used as
// the owner, role members, batch issuer, balance holder, listing
// seller/buyer, retirement owner, and audit actor.
type Identity string

// Anonymous is the zero identity. Operations reject it as a caller.
const Anonymous Identity = ""

// BatchID identifies a credit batch. IDs are assigned monotonically and
// never reused.
type BatchID uint64

// ListingID identifies a marketplace listing.
type ListingID uint64

// RetirementID identifies a retirement record.
type RetirementID uint64

// BatchStatus is the verification state of a credit batch.
type BatchStatus string

// Batch verification states. Any state may transition to any other;
// VerifyBatch and FlagBatch cover the common transitions and
// SetBatchStatus performs administrative overrides.
const (
	// StatusUnverified is the initial state of every issued batch.
	StatusUnverified BatchStatus = "unverified"
	// StatusVerified marks a batch accepted by a verifier.
	StatusVerified BatchStatus = "verified"
	// StatusFlagged marks a batch a verifier has raised concerns about.
	StatusFlagged BatchStatus = "flagged"
	// StatusSuspended marks a batch administratively withdrawn from use.
	StatusSuspended BatchStatus = "suspended"
)

// Valid reports whether s is one of the four closed states.
func (s BatchStatus) Valid() bool {
	switch s {
	case StatusUnverified, StatusVerified, StatusFlagged, StatusSuspended:
		return true
	}
	return false
}

// UnmarshalJSON rejects values outside the closed status set so a
// persisted snapshot cannot smuggle in an unknown state.
func (s *BatchStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	status := BatchStatus(raw)
	if !status.Valid() {
		return fmt.Errorf("unknown batch status %q", raw)
	}
	*s = status
	return nil
}

// RoyaltyDenominator is the parts-per-million base for royalty rates.
const RoyaltyDenominator = 1_000_000

// CreditBatch is a fixed-supply, provenance-tagged pool of carbon-credit
// units issued together. TotalSupply never changes after creation;
// Available decreases only by minting.
type CreditBatch struct {
	ID              BatchID     `json:"id"`
	ProjectID       string      `json:"project_id"`
	Standard        string      `json:"standard"`
	Vintage         int         `json:"vintage"`
	TotalSupply     uint64      `json:"total_supply"`
	Available       uint64      `json:"available"`
	Metadata        string      `json:"metadata"`
	MetadataHistory []string    `json:"metadata_history"`
	Issuer          Identity    `json:"issuer"`
	CreatedAtNs     int64       `json:"created_at_ns"`
	Tags            []string    `json:"tags"`
	RoyaltyPpm      uint64      `json:"royalty_ppm"`
	Status          BatchStatus `json:"status"`
}

// HasTag reports whether the batch carries the given provenance tag.
func (b CreditBatch) HasTag(tag string) bool {
	for _, t := range b.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// BalanceKey addresses one holder's spendable balance in one batch.
type BalanceKey struct {
	BatchID BatchID  `json:"batch_id"`
	Holder  Identity `json:"holder"`
}

// BalanceRecord is one row of the balance table. Amount is always
// positive; zero balances are removed from the table.
type BalanceRecord struct {
	BatchID BatchID  `json:"batch_id"`
	Holder  Identity `json:"holder"`
	Amount  uint64   `json:"amount"`
}

// BalanceView is a holder-scoped balance row returned by holdings reads.
type BalanceView struct {
	BatchID BatchID `json:"batch_id"`
	Amount  uint64  `json:"amount"`
}

// Listing is an open offer to sell escrowed units of a batch. Amount is
// the remaining escrow; it decreases on partial buys and reaches zero
// when the listing closes.
type Listing struct {
	ID           ListingID `json:"id"`
	BatchID      BatchID   `json:"batch_id"`
	Seller       Identity  `json:"seller"`
	Amount       uint64    `json:"amount"`
	PricePerUnit uint64    `json:"price_e8s"`
	CreatedAtNs  int64     `json:"created_at_ns"`
	Open         bool      `json:"open"`
}

// Retirement records a permanent burn of credits as an emissions offset.
// Records are immutable and never deleted.
type Retirement struct {
	ID      RetirementID `json:"id"`
	BatchID BatchID      `json:"batch_id"`
	Owner   Identity     `json:"owner"`
	Amount  uint64       `json:"amount"`
	Reason  string       `json:"reason"`
	TsNs    int64        `json:"ts_ns"`
}

// AuditEvent is an immutable record of one committed mutating operation.
// Timestamps are strictly increasing across the log.
type AuditEvent struct {
	TsNs    int64    `json:"ts_ns"`
	Actor   Identity `json:"actor"`
	Action  string   `json:"action"`
	Details string   `json:"details"`
}

// PurchaseReceipt reports the outcome of a buy. Gross and royalty are
// big integers because amount * pricePerUnit can exceed 64 bits; the
// payment-currency movement itself happens off-ledger.
type PurchaseReceipt struct {
	ListingID      ListingID `json:"listing_id"`
	BatchID        BatchID   `json:"batch_id"`
	Seller         Identity  `json:"seller"`
	Buyer          Identity  `json:"buyer"`
	Amount         uint64    `json:"amount"`
	PricePerUnit   uint64    `json:"price_e8s"`
	GrossValue     *big.Int  `json:"gross_value"`
	Royalty        *big.Int  `json:"royalty"`
	SellerProceeds *big.Int  `json:"seller_proceeds"`
	Remaining      uint64    `json:"remaining"`
	Closed         bool      `json:"closed"`
}

// ComputeSaleValue returns the gross value, issuer royalty, and seller
// proceeds for a sale of amount units at pricePerUnit with the given
// royalty rate. The royalty is floor(gross * royaltyPpm / 1e6); the
// division remainder stays with the seller, never the issuer.
func ComputeSaleValue(amount, pricePerUnit, royaltyPpm uint64) (gross, royalty, proceeds *big.Int) {
	gross = new(big.Int).Mul(
		new(big.Int).SetUint64(amount),
		new(big.Int).SetUint64(pricePerUnit),
	)
	royalty = new(big.Int).Mul(gross, new(big.Int).SetUint64(royaltyPpm))
	royalty.Quo(royalty, big.NewInt(RoyaltyDenominator))
	proceeds = new(big.Int).Sub(gross, royalty)
	return gross, royalty, proceeds
}

// EntityType identifies the kind of record touched by a Change.
type EntityType string

// Entity type identifiers used in Change records and persistence buckets.
const (
	EntityRoles      EntityType = "roles"
	EntityBatch      EntityType = "batch"
	EntityBalance    EntityType = "balance"
	EntityListing    EntityType = "listing"
	EntityRetirement EntityType = "retirement"
	EntityAudit      EntityType = "audit"
)

// Action indicates the type of modification performed.
type Action string

// Change actions captured during a transaction.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionAppend Action = "append"
)

// Change describes a mutation applied to an entity during a transaction.
// The rules engine receives the full change set of each transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior.
const (
	// SeverityBlock aborts the transaction.
	SeverityBlock Severity = "block"
	// SeverityWarn allows commit but surfaces the violation.
	SeverityWarn Severity = "warn"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	return "transaction blocked by rules"
}
