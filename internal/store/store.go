package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrVersionConflict is returned when an optimistic-concurrency update's
// WHERE version = ? clause matched zero rows.
var ErrVersionConflict = errors.New("store: version conflict")

// ErrNotFound mirrors gorm.ErrRecordNotFound so callers don't need to
// import gorm directly.
var ErrNotFound = gorm.ErrRecordNotFound

// Store wraps the relational store (pure-Go sqlite via glebarez, no cgo).
type Store struct {
	DB *gorm.DB
}

// Open opens the database at dsn and runs migrations.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	log.Info().Str("dsn", dsn).Msg("store opened and migrated")
	return &Store{DB: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CompareAndSwapVersion performs fields update on model identified by id,
// conditioned on the current version, bumping the version by one. It
// returns ErrVersionConflict if no row matched (the row was concurrently
// modified or deleted), giving callers the optimistic-concurrency
// behavior spec.md §5 requires for sandbox/session/cargo rows.
func CompareAndSwapVersion[T any](db *gorm.DB, id string, currentVersion int64, fields map[string]any) error {
	fields["version"] = currentVersion + 1
	res := db.Model(new(T)).
		Where("id = ? AND version = ?", id, currentVersion).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Now is the single point every caller should use to capture "now" once
// per request, per spec.md §5/§9's "single captured now" requirement.
func Now() time.Time { return time.Now().UTC() }
