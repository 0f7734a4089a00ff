package migration

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	appconfig "github.com/BaSui01/pipeflow/config"
)

func TestParseDatabaseType(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected DatabaseType
		wantErr  bool
	}{
		{"postgres", "postgres", DatabaseTypePostgres, false},
		{"postgresql", "postgresql", DatabaseTypePostgres, false},
		{"pg", "pg", DatabaseTypePostgres, false},
		{"mysql", "mysql", DatabaseTypeMySQL, false},
		{"mariadb", "mariadb", DatabaseTypeMySQL, false},
		{"sqlite", "sqlite", DatabaseTypeSQLite, false},
		{"sqlite3", "sqlite3", DatabaseTypeSQLite, false},
		{"uppercase", "POSTGRES", DatabaseTypePostgres, false},
		{"invalid", "invalid", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseDatabaseType(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected, result)
			}
		})
	}
}

func TestAvailableMigrations(t *testing.T) {
	for _, dbType := range []DatabaseType{DatabaseTypePostgres, DatabaseTypeMySQL, DatabaseTypeSQLite} {
		t.Run(string(dbType), func(t *testing.T) {
			migrations, err := availableMigrations(dbType)
			require.NoError(t, err)
			require.Len(t, migrations, 2)
			assert.Equal(t, migrationFile{version: 1, name: "init_schema"}, migrations[0])
			assert.Equal(t, migrationFile{version: 2, name: "instance_updated_at_index"}, migrations[1])
		})
	}

	_, err := availableMigrations("oracle")
	assert.Error(t, err)
}

func TestNewMigrator_RequiresConnection(t *testing.T) {
	_, err := NewMigrator(nil, Config{DatabaseType: DatabaseTypeSQLite})
	assert.ErrorContains(t, err, "database connection is required")

	_, err = NewMigratorFromConfig(nil, nil)
	assert.Error(t, err)

	_, err = NewMigratorFromDatabaseConfig(appconfig.DatabaseConfig{Driver: "oracle"}, nil)
	assert.ErrorContains(t, err, "invalid database type")
}

func TestMigrator_SQLite_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pipeflow.db")
	migrator, err := NewMigratorFromDatabaseConfig(appconfig.DatabaseConfig{Driver: "sqlite", Name: dbPath}, zap.NewNop())
	require.NoError(t, err)
	defer migrator.Close()

	ctx := context.Background()

	version, dirty, err := migrator.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
	assert.False(t, dirty)

	require.NoError(t, migrator.Up(ctx))
	// 重复执行无变化
	require.NoError(t, migrator.Up(ctx))

	info, err := migrator.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, &MigrationInfo{
		CurrentVersion:    2,
		TotalMigrations:   2,
		AppliedMigrations: 2,
	}, info)

	// 表由迁移建立
	check, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	require.NoError(t, err)
	var tables []string
	require.NoError(t, check.Raw("SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name").Scan(&tables).Error)
	assert.Subset(t, tables, []string{"cost_entries", "schema_migrations", "step_checkpoints", "step_error_reports", "workflow_instances"})
	checkDB, _ := check.DB()
	_ = checkDB.Close()

	require.NoError(t, migrator.Down(ctx))
	version, _, err = migrator.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	statuses, err := migrator.Status(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.True(t, statuses[0].Applied)
	assert.False(t, statuses[1].Applied)

	require.NoError(t, migrator.DownAll(ctx))
	version, _, err = migrator.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
}

func TestCLI_Output(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pipeflow.db")
	migrator, err := NewMigratorFromDSN(DatabaseTypeSQLite, dbPath, nil)
	require.NoError(t, err)
	defer migrator.Close()

	var out bytes.Buffer
	cli := NewCLI(migrator)
	cli.SetOutput(&out)
	ctx := context.Background()

	require.NoError(t, cli.RunVersion(ctx))
	assert.Contains(t, out.String(), "No migrations applied yet")

	out.Reset()
	require.NoError(t, cli.RunUp(ctx))
	assert.Contains(t, out.String(), "Current version: 2")

	out.Reset()
	require.NoError(t, cli.RunStatus(ctx))
	assert.Contains(t, out.String(), "init_schema")
	assert.Contains(t, out.String(), "Applied")
	assert.Contains(t, out.String(), "Total: 2, Applied: 2, Pending: 0")

	out.Reset()
	require.NoError(t, cli.RunSteps(ctx, -1))
	assert.Contains(t, out.String(), "Rolling back 1 migration(s)")
	assert.Contains(t, out.String(), "Current version: 1")

	out.Reset()
	require.NoError(t, cli.RunInfo(ctx))
	assert.Contains(t, out.String(), "Pending Migrations:")

	assert.Error(t, cli.RunSteps(ctx, 0))
}

func TestMigrator_CanceledContext(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pipeflow.db")
	migrator, err := NewMigratorFromDSN(DatabaseTypeSQLite, dbPath, zap.NewNop())
	require.NoError(t, err)
	defer migrator.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, migrator.Up(ctx), context.Canceled)
	version, _, err := migrator.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)
}
