package database

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"subrent/pkg/config"
	"subrent/pkg/models"
)

// Connect opens the rental database, retrying while postgres comes up,
// and migrates the rental schema.
func Connect(cfg config.Database, log *zap.Logger) (*gorm.DB, error) {
	log.Info("connecting to rental database",
		zap.String("host", cfg.Host),
		zap.String("port", cfg.Port),
		zap.String("database", cfg.Name))

	var (
		db  *gorm.DB
		err error
	)
	retries := cfg.MaxRetries
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		db, err = gorm.Open(postgres.Open(cfg.DSN()), Config())
		if err == nil {
			break
		}
		log.Warn("database connection attempt failed",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", retries),
			zap.Error(err))
		if i < retries-1 {
			time.Sleep(cfg.RetryDelay)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database instance: %w", err)
	}
	sqlDB.SetMaxOpenConns(25)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info("database connection established")
	return db, nil
}

// Config is the gorm configuration shared by every dialect. Duplicate-key
// errors are translated so callers can match gorm.ErrDuplicatedKey.
func Config() *gorm.Config {
	return &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Error),
	}
}

// Migrate creates or updates the rental and booking tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Rental{}, &models.Booking{}); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	return nil
}

// Ping checks that the store is reachable.
func Ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
