// Package dbengine implements the DBEngine local storage layer: a
// transactional, per-store key/value store backed by the shared GORM+SQLite
// connection in internal/database.
package dbengine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/streamcore/internal/database"
	"github.com/jmylchreest/streamcore/internal/streaming"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// record is the single underlying table every store's rows live in,
// partitioned by Store. ID is the caller-assigned monotonic key (see
// ReserveID); Data is the caller's opaque, already-serialized value.
type record struct {
	Store     string `gorm:"primaryKey;size:64"`
	ID        uint64 `gorm:"primaryKey"`
	Data      []byte
	UpdatedAt time.Time
}

func (record) TableName() string { return "dbengine_records" }

// DBEngine is a transactional local store over a set of named stores, each
// an independent monotonic-keyed table. It mirrors the player's storage
// engine: callers reserve IDs up front, then insert/get/remove by ID.
type DBEngine struct {
	db         *database.DB
	retryCount int
	logger     *slog.Logger
	release    func()

	mu        sync.Mutex
	destroyed bool
	counters  map[string]uint64
}

// Open wraps db for DBEngine use, running the schema migration. retryCount
// bounds how many times a write is retried on SQLITE_BUSY before giving up.
// dbPath identifies the underlying file for DeleteDatabase's close-tracking;
// pass "" when the database has no on-disk file worth tracking (e.g. a
// shared in-memory database in tests).
func Open(ctx context.Context, db *database.DB, retryCount int, dbPath string, logger *slog.Logger) (*DBEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if retryCount < 0 {
		retryCount = 0
	}

	if err := db.WithContext(ctx).AutoMigrate(&record{}); err != nil {
		return nil, streaming.NewStorageError(streaming.CodeOperationAborted, "migrating dbengine schema", err)
	}

	var release func()
	if dbPath != "" {
		release = trackOpen(dbPath)
	}

	return &DBEngine{
		db:         db,
		retryCount: retryCount,
		logger:     logger,
		release:    release,
		counters:   make(map[string]uint64),
	}, nil
}

// Init seeds the in-memory ID counter for store from max(existing keys)+1,
// so that subsequent ReserveID calls never collide with rows already on
// disk from a prior session.
func (e *DBEngine) Init(ctx context.Context, store string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return streaming.NewStorageError(streaming.CodeOperationAborted, "dbengine destroyed", nil)
	}

	var maxID uint64
	row := e.db.WithContext(ctx).Model(&record{}).
		Where("store = ?", store).
		Select("COALESCE(MAX(id), 0)").Row()
	if err := row.Scan(&maxID); err != nil {
		return streaming.NewStorageError(streaming.CodeOperationAborted, "reading max id for store "+store, err)
	}

	e.counters[store] = maxID + 1
	return nil
}

// ReserveID returns the next strictly-increasing ID for store. IDs are never
// reused, even across Remove calls, matching the monotonicity invariant.
func (e *DBEngine) ReserveID(store string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return 0, streaming.NewStorageError(streaming.CodeOperationAborted, "dbengine destroyed", nil)
	}

	id := e.counters[store]
	if id == 0 {
		id = 1
	}
	e.counters[store] = id + 1
	return id, nil
}

// Insert upserts value (any JSON-marshalable type) at (store, id).
func (e *DBEngine) Insert(ctx context.Context, store string, id uint64, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return streaming.NewStorageError(streaming.CodeOperationAborted, "marshaling value for store "+store, err)
	}

	row := record{Store: store, ID: id, Data: data, UpdatedAt: time.Now()}
	return e.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "store"}, {Name: "id"}},
			UpdateAll: true,
		}).Create(&row).Error
	})
}

// Get unmarshals the value stored at (store, id) into dest, returning
// ok=false if no row exists.
func (e *DBEngine) Get(ctx context.Context, store string, id uint64, dest any) (bool, error) {
	if err := e.checkAlive(); err != nil {
		return false, err
	}

	var row record
	err := e.db.WithContext(ctx).Where("store = ? AND id = ?", store, id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, streaming.NewStorageError(streaming.CodeOperationAborted, "reading "+store, err)
	}

	if err := json.Unmarshal(row.Data, dest); err != nil {
		return false, streaming.NewStorageError(streaming.CodeOperationAborted, "unmarshaling "+store, err)
	}
	return true, nil
}

// Remove deletes the row at (store, id), if any.
func (e *DBEngine) Remove(ctx context.Context, store string, id uint64) error {
	return e.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Where("store = ? AND id = ?", store, id).Delete(&record{}).Error
	})
}

// RemoveKeys deletes all rows in store whose ID is in ids, in one
// transaction.
func (e *DBEngine) RemoveKeys(ctx context.Context, store string, ids []uint64) error {
	if len(ids) == 0 {
		return nil
	}
	return e.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Where("store = ? AND id IN ?", store, ids).Delete(&record{}).Error
	})
}

// ForEach invokes fn for every row in store, in ascending ID order, stopping
// and returning fn's error if it returns one.
func (e *DBEngine) ForEach(ctx context.Context, store string, fn func(id uint64, data []byte) error) error {
	if err := e.checkAlive(); err != nil {
		return err
	}

	rows, err := e.db.WithContext(ctx).Model(&record{}).
		Where("store = ?", store).Order("id ASC").Rows()
	if err != nil {
		return streaming.NewStorageError(streaming.CodeOperationAborted, "iterating "+store, err)
	}
	defer rows.Close()

	for rows.Next() {
		var row record
		if err := e.db.ScanRows(rows, &row); err != nil {
			return streaming.NewStorageError(streaming.CodeOperationAborted, "scanning "+store, err)
		}
		if err := fn(row.ID, row.Data); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Destroy marks the engine dead; any call in flight is allowed to finish,
// but every subsequent call fails with OPERATION_ABORTED.
func (e *DBEngine) Destroy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return
	}
	e.destroyed = true
	if e.release != nil {
		e.release()
	}
}

func (e *DBEngine) checkAlive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		return streaming.NewStorageError(streaming.CodeOperationAborted, "dbengine destroyed", nil)
	}
	return nil
}

// withRetry retries fn up to retryCount extra times when SQLite reports the
// database is locked or busy, matching the contention the pool's stats
// monitor already watches for (internal/database's logStatsOnError).
func (e *DBEngine) withRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if err := e.checkAlive(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= e.retryCount; attempt++ {
		err := e.db.Transaction(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isBusyError(err) {
			break
		}
		e.logger.Warn("dbengine: retrying after busy database", slog.Int("attempt", attempt), slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
			return streaming.NewStorageError(streaming.CodeOperationAborted, "context canceled during retry", ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return streaming.NewStorageError(streaming.CodeOperationAborted, "transaction failed", lastErr)
}

func isBusyError(err error) bool {
	return strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY")
}
