// Package storagedb implements the storage allocator half of §4.3:
// a typed key/value arena whose contents are tagged by logical domain
// slot, not by DomainId, and therefore survive a replace unchanged.
// It is backed by gorm + the pure-Go modernc.org/sqlite driver, the
// same combination the teacher's own metadata repository uses.
package storagedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/jimyag/domaind/pkg/domainid"
)

// Entry is one key/value row, scoped to a logical slot rather than to
// a DomainId — the slot outlives any single domain instance occupying
// it, which is how a successor observes its predecessor's state
// immediately after a replace (§4.3 "Storage" contract).
type Entry struct {
	SlotID string `gorm:"primaryKey;type:text;column:slot_id"`
	Key    string `gorm:"primaryKey;type:text;column:key"`
	Value  []byte `gorm:"type:blob;column:value"`
}

func (Entry) TableName() string { return "storage_entries" }

// slotOwner records which DomainId currently owns a logical slot, so
// MoveDatabase can atomically rebind ownership under one transaction
// (§3 invariant: "ownership is moved... atomically with the proxy
// swap").
type slotOwner struct {
	SlotID string `gorm:"primaryKey;type:text;column:slot_id"`
	Owner  uint64 `gorm:"not null;column:owner"`
}

func (slotOwner) TableName() string { return "storage_slot_owners" }

// Database is one logical domain slot's typed key/value arena.
type Database struct {
	slotID string
	store  *Store
}

// SlotID is the logical slot identifier this handle belongs to, stable
// across a replace even though the owning DomainId changes.
func (d *Database) SlotID() string { return d.slotID }

// Get implements the capability.Storage surface.
func (d *Database) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	var row Entry
	err := d.store.db.WithContext(ctx).
		Where("slot_id = ? AND key = ?", d.slotID, string(key)).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get storage entry: %w", err)
	}
	return row.Value, true, nil
}

// Put implements the capability.Storage surface.
func (d *Database) Put(ctx context.Context, key, value []byte) error {
	row := Entry{SlotID: d.slotID, Key: string(key), Value: value}
	err := d.store.db.WithContext(ctx).
		Save(&row).Error
	if err != nil {
		return fmt.Errorf("put storage entry: %w", err)
	}
	return nil
}

// Delete implements the capability.Storage surface.
func (d *Database) Delete(ctx context.Context, key []byte) error {
	err := d.store.db.WithContext(ctx).
		Where("slot_id = ? AND key = ?", d.slotID, string(key)).
		Delete(&Entry{}).Error
	if err != nil {
		return fmt.Errorf("delete storage entry: %w", err)
	}
	return nil
}

// Keys implements the capability.Storage surface.
func (d *Database) Keys(ctx context.Context) ([][]byte, error) {
	var rows []Entry
	err := d.store.db.WithContext(ctx).
		Select("key").
		Where("slot_id = ?", d.slotID).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list storage keys: %w", err)
	}
	keys := make([][]byte, len(rows))
	for i, r := range rows {
		keys[i] = []byte(r.Key)
	}
	return keys, nil
}

// Store opens and owns the one sqlite file backing every logical
// slot's Database handle. There is one Store per daemon instance, the
// same lifetime as the teacher's own repository.Repository.
type Store struct {
	db *gorm.DB

	mu      sync.Mutex
	handles map[string]*Database
}

// Open creates the sqlite file at path if needed, runs the automatic
// migration, and returns a ready Store.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db, err := gorm.Open(sqlite.Dialector{
		DriverName: "sqlite",
		DSN:        path,
		Conn:       sqlDB,
	}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("open gorm: %w", err)
	}

	if err := db.AutoMigrate(&Entry{}, &slotOwner{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}

	return &Store{db: db, handles: make(map[string]*Database)}, nil
}

// Close releases the underlying sqlite connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateDatabase opens a fresh, empty slot for a domain with no
// predecessor (§4.3's "no predecessor" path). The slot id is derived
// from the owning DomainId since nothing preceded it.
func (s *Store) CreateDatabase(ctx context.Context, owner domainid.ID) (*Database, error) {
	slotID := fmt.Sprintf("slot-%d", uint64(owner))

	if err := s.db.WithContext(ctx).Save(&slotOwner{SlotID: slotID, Owner: uint64(owner)}).Error; err != nil {
		return nil, fmt.Errorf("create slot owner record: %w", err)
	}

	return s.handleFor(slotID), nil
}

// GetDatabase returns the handle for the slot currently owned by id,
// per §4.3's "GetDatabase(domain_id)".
func (s *Store) GetDatabase(ctx context.Context, owner domainid.ID) (*Database, bool, error) {
	var row slotOwner
	err := s.db.WithContext(ctx).Where("owner = ?", uint64(owner)).First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup slot owner: %w", err)
	}
	return s.handleFor(row.SlotID), true, nil
}

// MoveDatabase atomically rebinds a slot's owning DomainId from oldID
// to newID under one transaction — the mechanism behind "ownership is
// moved from the old id to the new id atomically with the proxy
// swap" (§3). The slot's rows are untouched; only ownership changes,
// which is exactly why a successor sees its predecessor's data intact.
func (s *Store) MoveDatabase(ctx context.Context, oldID, newID domainid.ID) (*Database, error) {
	var slotID string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row slotOwner
		if err := tx.Where("owner = ?", uint64(oldID)).First(&row).Error; err != nil {
			return fmt.Errorf("lookup predecessor slot owner: %w", err)
		}
		slotID = row.SlotID
		return tx.Model(&slotOwner{}).
			Where("slot_id = ?", slotID).
			Update("owner", uint64(newID)).Error
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	delete(s.handles, slotID)
	s.mu.Unlock()

	return s.handleFor(slotID), nil
}

func (s *Store) handleFor(slotID string) *Database {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[slotID]; ok {
		return h
	}
	h := &Database{slotID: slotID, store: s}
	s.handles[slotID] = h
	return h
}
