// Package blobsnap provides a persistent store that snapshots the
// in-memory state to an object store after every successful
// transaction. Blob writes are create-only, so each snapshot goes to a
// fresh sequenced key and the previous one is removed once the new one
// lands.
package blobsnap

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"carbonledger/internal/blob"
	"carbonledger/internal/infra/persistence/memory"
	"carbonledger/pkg/domain"
)

// Compile-time contract assertion ensuring the store satisfies the domain interface.
var _ domain.PersistentStore = (*Store)(nil)

const snapshotPrefix = "snapshots/"

// Store persists state snapshots to a blob store while reusing the
// in-memory implementation for transactions.
type Store struct {
	*memory.Store
	blobs blob.Store
	mu    sync.Mutex
	seq   uint64
}

// NewStore hydrates an in-memory store from the newest snapshot in the
// blob store, if one exists.
func NewStore(ctx context.Context, blobs blob.Store, engine *domain.RulesEngine) (*Store, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store required")
	}
	mem := memory.NewStore(engine)
	s := &Store{Store: mem, blobs: blobs}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func snapshotKey(seq uint64) string {
	return fmt.Sprintf("%s%020d.json", snapshotPrefix, seq)
}

func parseSnapshotKey(key string) (uint64, bool) {
	name := strings.TrimPrefix(key, snapshotPrefix)
	name = strings.TrimSuffix(name, ".json")
	seq, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func (s *Store) load(ctx context.Context) error {
	infos, err := s.blobs.List(ctx, snapshotPrefix)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	var newest string
	for _, info := range infos {
		seq, ok := parseSnapshotKey(info.Key)
		if !ok {
			continue
		}
		if seq > s.seq {
			s.seq = seq
			newest = info.Key
		}
	}
	if newest == "" {
		return nil
	}
	_, rc, err := s.blobs.Get(ctx, newest)
	if err != nil {
		return fmt.Errorf("get snapshot %s: %w", newest, err)
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", newest, err)
	}
	var snapshot memory.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode snapshot %s: %w", newest, err)
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := json.Marshal(s.ExportState())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	prev := s.seq
	next := prev + 1
	key := snapshotKey(next)
	if _, err := s.blobs.Put(ctx, key, bytes.NewReader(data), blob.PutOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("put snapshot %s: %w", key, err)
	}
	s.seq = next
	if prev > 0 {
		// Best effort; a stale snapshot is harmless since load picks the newest.
		_, _ = s.blobs.Delete(ctx, snapshotKey(prev))
	}
	return nil
}

// RunInTransaction applies the provided function within a transaction,
// then snapshots state to the blob store if successful.
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

// Blobs exposes the underlying blob store for integration testing hooks.
func (s *Store) Blobs() blob.Store { return s.blobs }
