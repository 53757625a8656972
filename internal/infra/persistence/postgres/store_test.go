package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"sync/atomic"
	"testing"

	"carbonledger/pkg/domain"
)

func TestRunInTransactionPersistsAndReloads(t *testing.T) {
	conn := newStubConn()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return newStubDB(conn), nil })
	defer restore()
	ctx := context.Background()

	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	var batch domain.CreditBatch
	_, err = store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		tx.SetOwner("owner-1")
		var err error
		batch, err = tx.CreateBatch(domain.CreditBatch{
			ProjectID:       "grassland-5",
			TotalSupply:     50,
			Available:       50,
			MetadataHistory: []string{"{}"},
			Status:          domain.StatusUnverified,
		})
		if err != nil {
			return err
		}
		tx.AppendAudit("owner-1", "setup", "fixture")
		return nil
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}
	if len(conn.buckets) == 0 {
		t.Fatal("expected snapshot buckets written")
	}

	// A second store over the same backing tables sees the state.
	reloaded, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	err = reloaded.View(ctx, func(v domain.TransactionView) error {
		if v.Owner() != "owner-1" {
			t.Fatalf("owner = %s", v.Owner())
		}
		got, ok := v.FindBatch(batch.ID)
		if !ok || got.ProjectID != "grassland-5" {
			t.Fatalf("batch = %+v ok=%t", got, ok)
		}
		if events := v.AuditEvents(0); len(events) != 1 {
			t.Fatalf("audit = %+v", events)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("view: %v", err)
	}
}

func TestFailedTransactionWritesNothing(t *testing.T) {
	conn := newStubConn()
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return newStubDB(conn), nil })
	defer restore()

	store, err := NewStore("", domain.NewRulesEngine())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, err = store.RunInTransaction(context.Background(), func(tx domain.Transaction) error {
		tx.SetOwner("owner-1")
		return domain.Errorf(domain.KindInvalidArgument, "abort")
	})
	if err == nil {
		t.Fatal("expected transaction error")
	}
	if len(conn.buckets) != 0 {
		t.Fatalf("aborted transaction persisted buckets: %v", conn.buckets)
	}
}

func TestNewStoreFailsWhenPingFails(t *testing.T) {
	conn := newStubConn()
	conn.failPing = true
	restore := OverrideSQLOpen(func(_, _ string) (*sql.DB, error) { return newStubDB(conn), nil })
	defer restore()

	if _, err := NewStore("", domain.NewRulesEngine()); err == nil {
		t.Fatal("expected ping failure")
	}
}

// --- stub driver helpers ---

var stubSeq atomic.Uint64

type stubDriver struct {
	conn *stubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// stubConn emulates just enough of a Postgres connection for the
// snapshot table: CREATE TABLE is a no-op, upserts land in buckets,
// SELECT returns them.
type stubConn struct {
	buckets  map[string][]byte
	failPing bool
}

func newStubConn() *stubConn {
	return &stubConn{buckets: make(map[string][]byte)}
}

func newStubDB(conn *stubConn) *sql.DB {
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db
}

func (c *stubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }
func (c *stubConn) Close() error                        { return nil }
func (c *stubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *stubConn) Ping(context.Context) error {
	if c.failPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

func (c *stubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	return stubTx{}, nil
}

func (c *stubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	if len(args) == 2 {
		bucket, ok := args[0].Value.(string)
		if !ok {
			return nil, fmt.Errorf("bucket arg not a string: %v", args[0].Value)
		}
		payload, ok := args[1].Value.([]byte)
		if !ok {
			return nil, fmt.Errorf("payload arg not bytes: %T", args[1].Value)
		}
		c.buckets[bucket] = append([]byte(nil), payload...)
	}
	return driver.RowsAffected(1), nil
}

func (c *stubConn) QueryContext(context.Context, string, []driver.NamedValue) (driver.Rows, error) {
	names := make([]string, 0, len(c.buckets))
	for bucket := range c.buckets {
		names = append(names, bucket)
	}
	sort.Strings(names)
	rows := make([][]driver.Value, 0, len(names))
	for _, bucket := range names {
		rows = append(rows, []driver.Value{bucket, append([]byte(nil), c.buckets[bucket]...)})
	}
	return &stubRows{cols: []string{"bucket", "payload"}, rows: rows}, nil
}

type stubTx struct{}

func (stubTx) Commit() error   { return nil }
func (stubTx) Rollback() error { return nil }

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}
