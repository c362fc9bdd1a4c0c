package db

import (
	"fmt"
	"log"

	"docsync/internal/config"
	"docsync/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the configured SQL backend and migrates the log tables
func NewGorm(cfg *config.Config) (*GormDB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		dialector = postgres.Open(cfg.DatabaseURL())
	}
	return Open(dialector, cfg.DBLogSQL)
}

// Open connects through dialector and runs migrations.
// Learning: TranslateError turns driver-specific unique violations into
// gorm.ErrDuplicatedKey, which the log uses to detect a lost append race.
func Open(dialector gorm.Dialector, logSQL bool) (*GormDB, error) {
	level := logger.Warn
	if logSQL {
		level = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(level),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.RoomUpdate{},
		&models.RoomSnapshot{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Printf("✓ Database (%s) connected and migrated successfully", db.Dialector.Name())

	return &GormDB{db}, nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
