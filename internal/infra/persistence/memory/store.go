// Package memory provides the in-memory implementation of the ledger
// persistence store. Durable backends wrap it and snapshot its state.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"carbonledger/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Identity aliases domain.Identity for persistence operations.
	Identity = domain.Identity
	// BatchID aliases domain.BatchID.
	BatchID = domain.BatchID
	// ListingID aliases domain.ListingID.
	ListingID = domain.ListingID
	// CreditBatch aliases domain.CreditBatch.
	CreditBatch = domain.CreditBatch
	// Listing aliases domain.Listing.
	Listing = domain.Listing
	// Retirement aliases domain.Retirement.
	Retirement = domain.Retirement
	// AuditEvent aliases domain.AuditEvent.
	AuditEvent = domain.AuditEvent
	// BalanceRecord aliases domain.BalanceRecord.
	BalanceRecord = domain.BalanceRecord
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	owner       Identity
	issuers     map[Identity]struct{}
	verifiers   map[Identity]struct{}
	oracles     map[Identity]struct{}
	batches     map[BatchID]CreditBatch
	balances    map[domain.BalanceKey]uint64
	listings    map[ListingID]Listing
	retirements []Retirement
	audit       []AuditEvent

	nextBatchID      uint64
	nextListingID    uint64
	nextRetirementID uint64
	lastAuditNs      int64
}

func newMemoryState() memoryState {
	return memoryState{
		issuers:          make(map[Identity]struct{}),
		verifiers:        make(map[Identity]struct{}),
		oracles:          make(map[Identity]struct{}),
		batches:          make(map[BatchID]CreditBatch),
		balances:         make(map[domain.BalanceKey]uint64),
		listings:         make(map[ListingID]Listing),
		nextBatchID:      1,
		nextListingID:    1,
		nextRetirementID: 1,
	}
}

// Snapshot captures a point-in-time clone of the store state in a
// JSON-serializable shape. Durable backends persist and reload it.
type Snapshot struct {
	Owner       Identity                `json:"owner"`
	Issuers     []Identity              `json:"issuers"`
	Verifiers   []Identity              `json:"verifiers"`
	Oracles     []Identity              `json:"oracles"`
	Batches     map[BatchID]CreditBatch `json:"batches"`
	Balances    []BalanceRecord         `json:"balances"`
	Listings    map[ListingID]Listing   `json:"listings"`
	Retirements []Retirement            `json:"retirements"`
	Audit       []AuditEvent            `json:"audit"`
	Sequences   SnapshotSequences       `json:"sequences"`
	LastAuditNs int64                   `json:"last_audit_ns"`
}

// SnapshotSequences carries the ID allocators so restored stores keep
// issuing monotonic identifiers.
type SnapshotSequences struct {
	NextBatch      uint64 `json:"next_batch"`
	NextListing    uint64 `json:"next_listing"`
	NextRetirement uint64 `json:"next_retirement"`
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	snap := Snapshot{
		Owner:       state.owner,
		Issuers:     sortedMembers(state.issuers),
		Verifiers:   sortedMembers(state.verifiers),
		Oracles:     sortedMembers(state.oracles),
		Batches:     make(map[BatchID]CreditBatch, len(state.batches)),
		Listings:    make(map[ListingID]Listing, len(state.listings)),
		Retirements: append([]Retirement(nil), state.retirements...),
		Audit:       append([]AuditEvent(nil), state.audit...),
		Sequences: SnapshotSequences{
			NextBatch:      state.nextBatchID,
			NextListing:    state.nextListingID,
			NextRetirement: state.nextRetirementID,
		},
		LastAuditNs: state.lastAuditNs,
	}
	for id, b := range state.batches {
		snap.Batches[id] = cloneBatch(b)
	}
	for id, l := range state.listings {
		snap.Listings[id] = l
	}
	snap.Balances = newView(&state).ListBalances()
	return snap
}

func memoryStateFromSnapshot(snap Snapshot) memoryState {
	state := newMemoryState()
	state.owner = snap.Owner
	for _, id := range snap.Issuers {
		state.issuers[id] = struct{}{}
	}
	for _, id := range snap.Verifiers {
		state.verifiers[id] = struct{}{}
	}
	for _, id := range snap.Oracles {
		state.oracles[id] = struct{}{}
	}
	for id, b := range snap.Batches {
		state.batches[id] = cloneBatch(b)
	}
	for _, rec := range snap.Balances {
		state.balances[domain.BalanceKey{BatchID: rec.BatchID, Holder: rec.Holder}] = rec.Amount
	}
	for id, l := range snap.Listings {
		state.listings[id] = l
	}
	state.retirements = append([]Retirement(nil), snap.Retirements...)
	state.audit = append([]AuditEvent(nil), snap.Audit...)
	if snap.Sequences.NextBatch > 0 {
		state.nextBatchID = snap.Sequences.NextBatch
	}
	if snap.Sequences.NextListing > 0 {
		state.nextListingID = snap.Sequences.NextListing
	}
	if snap.Sequences.NextRetirement > 0 {
		state.nextRetirementID = snap.Sequences.NextRetirement
	}
	state.lastAuditNs = snap.LastAuditNs
	return state
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	cloned.owner = s.owner
	for id := range s.issuers {
		cloned.issuers[id] = struct{}{}
	}
	for id := range s.verifiers {
		cloned.verifiers[id] = struct{}{}
	}
	for id := range s.oracles {
		cloned.oracles[id] = struct{}{}
	}
	for id, b := range s.batches {
		cloned.batches[id] = cloneBatch(b)
	}
	for key, amount := range s.balances {
		cloned.balances[key] = amount
	}
	for id, l := range s.listings {
		cloned.listings[id] = l
	}
	cloned.retirements = append([]Retirement(nil), s.retirements...)
	cloned.audit = append([]AuditEvent(nil), s.audit...)
	cloned.nextBatchID = s.nextBatchID
	cloned.nextListingID = s.nextListingID
	cloned.nextRetirementID = s.nextRetirementID
	cloned.lastAuditNs = s.lastAuditNs
	return cloned
}

func cloneBatch(b CreditBatch) CreditBatch {
	cp := b
	cp.Tags = append([]string(nil), b.Tags...)
	cp.MetadataHistory = append([]string(nil), b.MetadataHistory...)
	return cp
}

// Store provides an in-memory transactional store for the ledger.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the transaction clock. Tests use it to obtain
// deterministic timestamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RunInTransaction executes fn within a transactional copy of the store
// state, evaluates the rules engine over the resulting snapshot, and
// commits only when fn succeeds and no blocking violation is present.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		state: s.state.clone(),
		nowNs: s.nowFn().UnixNano(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the committed state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	return fn(newView(&snapshot))
}

// transaction is a mutation set applied to a cloned state.
type transaction struct {
	state   memoryState
	changes []Change
	nowNs   int64
}

var _ Transaction = (*transaction)(nil)

func (tx *transaction) Snapshot() TransactionView { return newView(&tx.state) }

func (tx *transaction) NowNs() int64 { return tx.nowNs }

func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) SetOwner(owner Identity) {
	before := tx.state.owner
	tx.state.owner = owner
	tx.recordChange(Change{Entity: domain.EntityRoles, Action: domain.ActionUpdate, Before: before, After: owner})
}

func (tx *transaction) AddIssuer(id Identity) bool {
	return tx.addRole(tx.state.issuers, id, "issuer")
}

func (tx *transaction) AddVerifier(id Identity) bool {
	return tx.addRole(tx.state.verifiers, id, "verifier")
}

func (tx *transaction) AddOracle(id Identity) bool {
	return tx.addRole(tx.state.oracles, id, "oracle")
}

func (tx *transaction) addRole(set map[Identity]struct{}, id Identity, role string) bool {
	if _, ok := set[id]; ok {
		return false
	}
	set[id] = struct{}{}
	tx.recordChange(Change{Entity: domain.EntityRoles, Action: domain.ActionUpdate, After: role + ":" + string(id)})
	return true
}

// CreateBatch stores a new batch, assigning the next monotonic ID.
func (tx *transaction) CreateBatch(b CreditBatch) (CreditBatch, error) {
	b.ID = BatchID(tx.state.nextBatchID)
	tx.state.nextBatchID++
	b.CreatedAtNs = tx.nowNs
	tx.state.batches[b.ID] = cloneBatch(b)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionCreate, After: cloneBatch(b)})
	return cloneBatch(b), nil
}

// UpdateBatch mutates a batch using the provided mutator. The ID and
// creation timestamp cannot be changed.
func (tx *transaction) UpdateBatch(id BatchID, mutator func(*CreditBatch) error) (CreditBatch, error) {
	current, ok := tx.state.batches[id]
	if !ok {
		return CreditBatch{}, domain.Errorf(domain.KindNotFound, "batch %d not found", id)
	}
	before := cloneBatch(current)
	working := cloneBatch(current)
	if err := mutator(&working); err != nil {
		return CreditBatch{}, err
	}
	working.ID = id
	working.CreatedAtNs = before.CreatedAtNs
	tx.state.batches[id] = cloneBatch(working)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: cloneBatch(working)})
	return cloneBatch(working), nil
}

func (tx *transaction) CreditBalance(id BatchID, holder Identity, amount uint64) {
	if amount == 0 {
		return
	}
	key := domain.BalanceKey{BatchID: id, Holder: holder}
	before := tx.state.balances[key]
	tx.state.balances[key] = before + amount
	tx.recordChange(Change{Entity: domain.EntityBalance, Action: domain.ActionUpdate, Before: before, After: before + amount})
}

func (tx *transaction) DebitBalance(id BatchID, holder Identity, amount uint64) error {
	if amount == 0 {
		return nil
	}
	key := domain.BalanceKey{BatchID: id, Holder: holder}
	before := tx.state.balances[key]
	if before < amount {
		return domain.Errorf(domain.KindInsufficientBalance, "balance %d short of %d for batch %d", before, amount, id)
	}
	after := before - amount
	if after == 0 {
		delete(tx.state.balances, key)
	} else {
		tx.state.balances[key] = after
	}
	tx.recordChange(Change{Entity: domain.EntityBalance, Action: domain.ActionUpdate, Before: before, After: after})
	return nil
}

// CreateListing stores a new listing, assigning the next monotonic ID.
func (tx *transaction) CreateListing(l Listing) (Listing, error) {
	l.ID = ListingID(tx.state.nextListingID)
	tx.state.nextListingID++
	l.CreatedAtNs = tx.nowNs
	tx.state.listings[l.ID] = l
	tx.recordChange(Change{Entity: domain.EntityListing, Action: domain.ActionCreate, After: l})
	return l, nil
}

// UpdateListing mutates a listing. The ID and creation timestamp cannot
// be changed; listings are never deleted, only closed.
func (tx *transaction) UpdateListing(id ListingID, mutator func(*Listing) error) (Listing, error) {
	current, ok := tx.state.listings[id]
	if !ok {
		return Listing{}, domain.Errorf(domain.KindNotFound, "listing %d not found", id)
	}
	before := current
	working := current
	if err := mutator(&working); err != nil {
		return Listing{}, err
	}
	working.ID = id
	working.CreatedAtNs = before.CreatedAtNs
	tx.state.listings[id] = working
	tx.recordChange(Change{Entity: domain.EntityListing, Action: domain.ActionUpdate, Before: before, After: working})
	return working, nil
}

// AppendRetirement appends an immutable retirement record.
func (tx *transaction) AppendRetirement(r Retirement) (Retirement, error) {
	r.ID = domain.RetirementID(tx.state.nextRetirementID)
	tx.state.nextRetirementID++
	r.TsNs = tx.nowNs
	tx.state.retirements = append(tx.state.retirements, r)
	tx.recordChange(Change{Entity: domain.EntityRetirement, Action: domain.ActionAppend, After: r})
	return r, nil
}

// AppendAudit appends one audit event. Timestamps are bumped past the
// previous event when the clock has not advanced, keeping the log
// strictly increasing.
func (tx *transaction) AppendAudit(actor Identity, action, details string) AuditEvent {
	ts := tx.nowNs
	if ts <= tx.state.lastAuditNs {
		ts = tx.state.lastAuditNs + 1
	}
	tx.state.lastAuditNs = ts
	event := AuditEvent{TsNs: ts, Actor: actor, Action: action, Details: details}
	tx.state.audit = append(tx.state.audit, event)
	tx.recordChange(Change{Entity: domain.EntityAudit, Action: domain.ActionAppend, After: event})
	return event
}

// view is a read-only snapshot over a memoryState.
type view struct {
	state *memoryState
}

var _ TransactionView = view{}

func newView(state *memoryState) view { return view{state: state} }

func (v view) Owner() Identity { return v.state.owner }

func (v view) Issuers() []Identity   { return sortedMembers(v.state.issuers) }
func (v view) Verifiers() []Identity { return sortedMembers(v.state.verifiers) }
func (v view) Oracles() []Identity   { return sortedMembers(v.state.oracles) }

// Role predicates apply the uniform owner-implicit rule: the owner is a
// member of every role set without being added explicitly.
func (v view) IsIssuer(id Identity) bool {
	if id == domain.Anonymous {
		return false
	}
	if id == v.state.owner {
		return true
	}
	_, ok := v.state.issuers[id]
	return ok
}

func (v view) IsVerifier(id Identity) bool {
	if id == domain.Anonymous {
		return false
	}
	if id == v.state.owner {
		return true
	}
	_, ok := v.state.verifiers[id]
	return ok
}

func (v view) IsOracle(id Identity) bool {
	if id == domain.Anonymous {
		return false
	}
	if id == v.state.owner {
		return true
	}
	_, ok := v.state.oracles[id]
	return ok
}

func (v view) FindBatch(id BatchID) (CreditBatch, bool) {
	b, ok := v.state.batches[id]
	if !ok {
		return CreditBatch{}, false
	}
	return cloneBatch(b), true
}

func (v view) ListBatches() []CreditBatch {
	out := make([]CreditBatch, 0, len(v.state.batches))
	for _, b := range v.state.batches {
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v view) Balance(id BatchID, holder Identity) uint64 {
	return v.state.balances[domain.BalanceKey{BatchID: id, Holder: holder}]
}

func (v view) ListBalances() []BalanceRecord {
	out := make([]BalanceRecord, 0, len(v.state.balances))
	for key, amount := range v.state.balances {
		out = append(out, BalanceRecord{BatchID: key.BatchID, Holder: key.Holder, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BatchID != out[j].BatchID {
			return out[i].BatchID < out[j].BatchID
		}
		return out[i].Holder < out[j].Holder
	})
	return out
}

func (v view) FindListing(id ListingID) (Listing, bool) {
	l, ok := v.state.listings[id]
	return l, ok
}

func (v view) ListListings() []Listing {
	out := make([]Listing, 0, len(v.state.listings))
	for _, l := range v.state.listings {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (v view) ListRetirements() []Retirement {
	return append([]Retirement(nil), v.state.retirements...)
}

func (v view) AuditEvents(sinceNs int64) []AuditEvent {
	idx := sort.Search(len(v.state.audit), func(i int) bool {
		return v.state.audit[i].TsNs >= sinceNs
	})
	return append([]AuditEvent(nil), v.state.audit[idx:]...)
}

func sortedMembers(set map[Identity]struct{}) []Identity {
	out := make([]Identity, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
