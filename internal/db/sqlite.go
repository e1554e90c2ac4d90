package db

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/sei0o/binchotan-backend/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the SQLite credential database and runs migrations. A failure
// here is fatal to the caller: serving requests with unknown credential state
// is worse than not starting.
func InitDB(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open credential database: %w", err)
	}

	if err := db.AutoMigrate(&models.Account{}); err != nil {
		return nil, fmt.Errorf("migrate credential database: %w", err)
	}

	return db, nil
}
