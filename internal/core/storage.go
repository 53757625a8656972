package core

import (
	"context"
	"fmt"
	"os"

	"carbonledger/internal/blob"
	"carbonledger/internal/infra/persistence/blobsnap"
	"carbonledger/internal/infra/persistence/memory"
	"carbonledger/internal/infra/persistence/postgres"
	"carbonledger/internal/infra/persistence/sqlite"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
	StorageBlob     StorageDriver = "blob"     // snapshots in an object store
)

// OpenPersistentStore selects a backend using environment variables.
// Defaults to sqlite when unset.
//
//	CARBONLEDGER_STORAGE_DRIVER: memory|sqlite|postgres|blob (default sqlite)
//	CARBONLEDGER_SQLITE_PATH: path to sqlite file (default ./carbonledger.db)
//	CARBONLEDGER_POSTGRES_DSN: postgres DSN when driver=postgres
//	CARBONLEDGER_BLOB_*: blob store selection when driver=blob
func OpenPersistentStore(engine *RulesEngine) (PersistentStore, error) {
	driver := os.Getenv("CARBONLEDGER_STORAGE_DRIVER")
	if driver == "" {
		driver = string(StorageSQLite)
	}
	switch StorageDriver(driver) {
	case StorageMemory:
		return memory.NewStore(engine), nil
	case StorageSQLite:
		return sqlite.NewStore(os.Getenv("CARBONLEDGER_SQLITE_PATH"), engine)
	case StoragePostgres:
		return postgres.NewStore(os.Getenv("CARBONLEDGER_POSTGRES_DSN"), engine)
	case StorageBlob:
		ctx := context.Background()
		blobs, err := blob.Open(ctx)
		if err != nil {
			return nil, err
		}
		return blobsnap.NewStore(ctx, blobs, engine)
	default:
		return nil, fmt.Errorf("unknown storage driver %s", driver)
	}
}
