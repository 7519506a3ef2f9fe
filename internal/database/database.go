package database

import (
	"github.com/mattdavey/papertrade/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase opens the sqlite store at the given path and migrates the
// order and balance tables.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(
		&types.Order{},
		&types.Balance{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
