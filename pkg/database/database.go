package database

import (
	"fmt"

	"github.com/suteetoe/feedsync/internal/model"
	"github.com/suteetoe/feedsync/pkg/config"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// InitDB opens the Postgres connection described by dbConfig and applies
// the connection pool settings.
func InitDB(dbConfig *config.DBConfig, log *zap.Logger) (*gorm.DB, error) {
	// Configure Postgres options
	pgConfig := postgres.Config{
		DSN:                  dbConfig.GetDSN(),
		PreferSimpleProtocol: true, // Disables implicit prepared statement usage
	}

	db, err := gorm.Open(postgres.New(pgConfig), &gorm.Config{
		Logger: logger.Default.LogMode(dbConfig.LogLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Get generic database object SQL
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database object: %w", err)
	}

	// Set connection pool settings from config
	sqlDB.SetMaxIdleConns(dbConfig.MaxIdleConns)
	sqlDB.SetMaxOpenConns(dbConfig.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)

	log.Info("Database connected successfully",
		zap.String("db_host", dbConfig.Host),
		zap.String("db_name", dbConfig.DBName))

	return db, nil
}

// MigrateModels runs migrations for the feed sync models
func MigrateModels(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("database is not initialized")
	}

	if err := db.AutoMigrate(
		&model.Tenant{},
		&model.Feed{},
		&model.Product{},
		&model.FeedCache{},
	); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}

	return nil
}
