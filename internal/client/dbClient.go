package client

import (
	"fmt"
	"time"

	"github.com/GY-Bai/baidaohui5/internal/config"
	"github.com/GY-Bai/baidaohui5/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDBClient opens the configured database and migrates the schema.
func InitDBClient(cfg config.Database) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql":
		dialector = mysql.Open(cfg.URL)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	// Connection pool (important for webhooks)
	if cfg.Driver == "mysql" {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(50)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		// sqlite serializes writers; one connection avoids SQLITE_BUSY
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Order{},
		&model.WebhookEvent{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}
