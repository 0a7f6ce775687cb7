package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/veridianlabs/veriface/internal/identity"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// Config selects the storage driver and its connection settings.
type Config struct {
	// Driver is "sqlite" or "mysql".
	Driver string
	// Path is the sqlite database file.
	Path string
	// DSN is the mysql connection string.
	DSN string
}

// Open establishes the database connection and performs schema migrations.
// TranslateError is enabled so duplicate-key violations surface as
// gorm.ErrDuplicatedKey on both drivers, which the identity store relies on
// for atomic email uniqueness.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	switch cfg.Driver {
	case "sqlite", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		db, err = gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{TranslateError: true})
		if err != nil {
			return nil, err
		}
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, dbErr
		}
		sqlDB.SetMaxOpenConns(1)
	case "mysql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		db, err = gorm.Open(mysql.Open(cfg.DSN), &gorm.Config{TranslateError: true})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := db.AutoMigrate(&identity.Identity{}, &identity.LoginAttempt{}, &identity.ActionCode{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized",
			zap.String("driver", cfg.Driver),
			zap.String("path", cfg.Path))
	}

	return db, nil
}
