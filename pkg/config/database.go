package config

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DatabaseDSN builds the postgres DSN from DB_* variables. Times are kept in UTC.
func DatabaseDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		getEnvDefault("DB_HOST", "localhost"),
		getEnvDefault("DB_USER", "postgres"),
		getEnvDefault("DB_PASSWORD", ""),
		getEnvDefault("DB_NAME", "marketbot"),
		getEnvDefault("DB_PORT", "5432"),
		getEnvDefault("DB_SSLMODE", "disable"),
	)
}

// OpenDB connects to postgres and configures the connection pool.
func OpenDB(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get database instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}
