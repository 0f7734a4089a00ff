package migration

import (
	"fmt"

	"go.uber.org/zap"

	appconfig "github.com/BaSui01/pipeflow/config"
	"github.com/BaSui01/pipeflow/internal/database"
)

// NewMigratorFromConfig opens the configured database and creates a migrator
// that owns the connection.
func NewMigratorFromConfig(cfg *appconfig.Config, logger *zap.Logger) (*DefaultMigrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	return NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

// NewMigratorFromDatabaseConfig creates a migrator from database configuration
func NewMigratorFromDatabaseConfig(dbCfg appconfig.DatabaseConfig, logger *zap.Logger) (*DefaultMigrator, error) {
	dbType, err := ParseDatabaseType(dbCfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("invalid database type: %w", err)
	}
	return NewMigratorFromDSN(dbType, dbCfg.DSN(), logger)
}

// NewMigratorFromDSN opens dsn with the dialect's GORM driver and wraps its
// connection. Migrations run on a single connection.
func NewMigratorFromDSN(dbType DatabaseType, dsn string, logger *zap.Logger) (*DefaultMigrator, error) {
	pool, err := database.Open(string(dbType), dsn, database.PoolConfig{
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	}, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := pool.DB().DB()
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	m, err := NewMigrator(sqlDB, Config{DatabaseType: dbType, Logger: logger})
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return m, nil
}
