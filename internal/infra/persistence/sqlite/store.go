// Package sqlite provides a SQLite-backed persistent store that mirrors
// the in-memory semantics and survives process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"carbonledger/internal/infra/persistence/memory"
	"carbonledger/pkg/domain"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

// Store persists the in-memory state to a single SQLite table as JSON
// blobs. It snapshots the full state after every successful transaction.
type Store struct {
	*memory.Store
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewStore constructs a snapshotting SQLite-backed persistent store.
func NewStore(path string, engine *domain.RulesEngine) (*Store, error) {
	if path == "" {
		path = "carbonledger.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS state (
		bucket TEXT PRIMARY KEY,
		payload BLOB NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create state table: %w", err)
	}
	mem := memory.NewStore(engine)
	s := &Store{Store: mem, db: db, path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// rolesBucket groups the governance identities into one payload.
type rolesBucket struct {
	Owner     domain.Identity   `json:"owner"`
	Issuers   []domain.Identity `json:"issuers"`
	Verifiers []domain.Identity `json:"verifiers"`
	Oracles   []domain.Identity `json:"oracles"`
}

// metaBucket carries the ID allocators and the audit ordering watermark.
type metaBucket struct {
	Sequences   memory.SnapshotSequences `json:"sequences"`
	LastAuditNs int64                    `json:"last_audit_ns"`
}

var sqliteBuckets = []string{"roles", "batches", "balances", "listings", "retirements", "audit", "meta"}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT bucket, payload FROM state`)
	if err != nil {
		return fmt.Errorf("select state: %w", err)
	}
	defer func() { _ = rows.Close() }()
	type raw struct {
		bucket  string
		payload []byte
	}
	var raws []raw
	for rows.Next() {
		var r raw
		if err := rows.Scan(&r.bucket, &r.payload); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		raws = append(raws, r)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate state: %w", err)
	}
	if len(raws) == 0 {
		return nil
	}
	var snapshot memory.Snapshot
	for _, r := range raws {
		switch r.bucket {
		case "roles":
			var roles rolesBucket
			if err := json.Unmarshal(r.payload, &roles); err != nil {
				return fmt.Errorf("decode roles: %w", err)
			}
			snapshot.Owner = roles.Owner
			snapshot.Issuers = roles.Issuers
			snapshot.Verifiers = roles.Verifiers
			snapshot.Oracles = roles.Oracles
		case "batches":
			if err := json.Unmarshal(r.payload, &snapshot.Batches); err != nil {
				return fmt.Errorf("decode batches: %w", err)
			}
		case "balances":
			if err := json.Unmarshal(r.payload, &snapshot.Balances); err != nil {
				return fmt.Errorf("decode balances: %w", err)
			}
		case "listings":
			if err := json.Unmarshal(r.payload, &snapshot.Listings); err != nil {
				return fmt.Errorf("decode listings: %w", err)
			}
		case "retirements":
			if err := json.Unmarshal(r.payload, &snapshot.Retirements); err != nil {
				return fmt.Errorf("decode retirements: %w", err)
			}
		case "audit":
			if err := json.Unmarshal(r.payload, &snapshot.Audit); err != nil {
				return fmt.Errorf("decode audit: %w", err)
			}
		case "meta":
			var meta metaBucket
			if err := json.Unmarshal(r.payload, &meta); err != nil {
				return fmt.Errorf("decode meta: %w", err)
			}
			snapshot.Sequences = meta.Sequences
			snapshot.LastAuditNs = meta.LastAuditNs
		}
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist() (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.ExportState()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, bucket := range sqliteBuckets {
		data, err := marshalBucket(bucket, snapshot)
		if err != nil {
			retErr = err
			return retErr
		}
		if _, err := tx.Exec(`INSERT INTO state(bucket,payload) VALUES(?,?) ON CONFLICT(bucket) DO UPDATE SET payload=excluded.payload`, bucket, data); err != nil {
			retErr = fmt.Errorf("upsert %s: %w", bucket, err)
			return retErr
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}

func marshalBucket(bucket string, snapshot memory.Snapshot) ([]byte, error) {
	switch bucket {
	case "roles":
		return json.Marshal(rolesBucket{
			Owner:     snapshot.Owner,
			Issuers:   snapshot.Issuers,
			Verifiers: snapshot.Verifiers,
			Oracles:   snapshot.Oracles,
		})
	case "batches":
		return json.Marshal(snapshot.Batches)
	case "balances":
		return json.Marshal(snapshot.Balances)
	case "listings":
		return json.Marshal(snapshot.Listings)
	case "retirements":
		return json.Marshal(snapshot.Retirements)
	case "audit":
		return json.Marshal(snapshot.Audit)
	case "meta":
		return json.Marshal(metaBucket{Sequences: snapshot.Sequences, LastAuditNs: snapshot.LastAuditNs})
	}
	return nil, fmt.Errorf("unknown bucket %q", bucket)
}

// RunInTransaction applies the provided function within a transaction,
// then snapshots state to SQLite if successful.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx domain.Transaction) error) (domain.Result, error) {
	res, err := s.Store.RunInTransaction(ctx, fn)
	if err != nil {
		return res, err
	}
	if pErr := s.persist(); pErr != nil {
		return res, pErr
	}
	return res, nil
}

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }
