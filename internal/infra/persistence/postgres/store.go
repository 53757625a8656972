// Package postgres provides a Postgres-backed persistent store that
// mirrors the in-memory semantics while snapshotting state to a JSONB
// bucket table after every successful transaction.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"carbonledger/internal/infra/persistence/memory"
	"carbonledger/pkg/domain"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const (
	defaultDriver = "pgx"
	// Default DSN keeps parity with OpenPersistentStore defaults while allowing overrides via env.
	defaultDSN = "postgres://localhost/carbonledger?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists state to Postgres while reusing the in-memory implementation for transactions.
type Store struct {
	*memory.Store
	db *sql.DB
	mu sync.Mutex
}

// NewStore opens a Postgres-backed store using the provided DSN (falls
// back to defaultDSN), ensures the snapshot table exists, and hydrates
// the in-memory store from any existing snapshot.
func NewStore(dsn string, engine *domain.RulesEngine) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureStateTable(ctx, db); err != nil {
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		return nil, err
	}
	mem := memory.NewStore(engine)
	mem.ImportState(snapshot)
	return &Store{Store: mem, db: db}, nil
}

// RunInTransaction applies the provided function within a transaction, then snapshots to Postgres if successful.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if err := s.persist(ctx); err != nil {
		return res, err
	}
	return res, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

func ensureStateTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload JSONB NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure state table: %w", err)
	}
	return nil
}

type rolesBucket struct {
	Owner     domain.Identity   `json:"owner"`
	Issuers   []domain.Identity `json:"issuers"`
	Verifiers []domain.Identity `json:"verifiers"`
	Oracles   []domain.Identity `json:"oracles"`
}

type metaBucket struct {
	Sequences   memory.SnapshotSequences `json:"sequences"`
	LastAuditNs int64                    `json:"last_audit_ns"`
}

var postgresBuckets = []string{"roles", "batches", "balances", "listings", "retirements", "audit", "meta"}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT bucket, payload FROM state`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var snapshot memory.Snapshot
	for rows.Next() {
		var bucket string
		var payload []byte
		if err := rows.Scan(&bucket, &payload); err != nil {
			return memory.Snapshot{}, fmt.Errorf("scan state: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		switch bucket {
		case "roles":
			var roles rolesBucket
			if err := json.Unmarshal(payload, &roles); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode roles: %w", err)
			}
			snapshot.Owner = roles.Owner
			snapshot.Issuers = roles.Issuers
			snapshot.Verifiers = roles.Verifiers
			snapshot.Oracles = roles.Oracles
		case "batches":
			if err := json.Unmarshal(payload, &snapshot.Batches); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode batches: %w", err)
			}
		case "balances":
			if err := json.Unmarshal(payload, &snapshot.Balances); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode balances: %w", err)
			}
		case "listings":
			if err := json.Unmarshal(payload, &snapshot.Listings); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode listings: %w", err)
			}
		case "retirements":
			if err := json.Unmarshal(payload, &snapshot.Retirements); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode retirements: %w", err)
			}
		case "audit":
			if err := json.Unmarshal(payload, &snapshot.Audit); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode audit: %w", err)
			}
		case "meta":
			var meta metaBucket
			if err := json.Unmarshal(payload, &meta); err != nil {
				return memory.Snapshot{}, fmt.Errorf("decode meta: %w", err)
			}
			snapshot.Sequences = meta.Sequences
			snapshot.LastAuditNs = meta.LastAuditNs
		}
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate state: %w", err)
	}
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range postgresBuckets {
		var data []byte
		switch bucket {
		case "roles":
			data, err = json.Marshal(rolesBucket{
				Owner:     snapshot.Owner,
				Issuers:   snapshot.Issuers,
				Verifiers: snapshot.Verifiers,
				Oracles:   snapshot.Oracles,
			})
		case "batches":
			data, err = json.Marshal(snapshot.Batches)
		case "balances":
			data, err = json.Marshal(snapshot.Balances)
		case "listings":
			data, err = json.Marshal(snapshot.Listings)
		case "retirements":
			data, err = json.Marshal(snapshot.Retirements)
		case "audit":
			data, err = json.Marshal(snapshot.Audit)
		case "meta":
			data, err = json.Marshal(metaBucket{Sequences: snapshot.Sequences, LastAuditNs: snapshot.LastAuditNs})
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO state(bucket,payload) VALUES($1,$2) ON CONFLICT(bucket) DO UPDATE SET payload=EXCLUDED.payload`, bucket, data); err != nil {
			return fmt.Errorf("upsert %s: %w", bucket, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
