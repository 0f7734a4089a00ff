package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/zap"

	"github.com/BaSui01/pipeflow/config"
	"github.com/BaSui01/pipeflow/internal/migration"
)

// =============================================================================
// Database Migration Commands
// =============================================================================

// runMigrate handles the migrate command and its subcommands
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	subargs := args[1:]

	var err error
	switch subcommand {
	case "up":
		err = withMigrator("up", subargs, nil, func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet) error {
			return cli.RunUp(ctx)
		})
	case "down":
		var all *bool
		err = withMigrator("down", subargs, func(fs *flag.FlagSet) {
			all = fs.Bool("all", false, "Rollback all migrations")
		}, func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet) error {
			if *all {
				return cli.RunDownAll(ctx)
			}
			return cli.RunDown(ctx)
		})
	case "steps":
		err = withVersionArg("steps", subargs, func(ctx context.Context, cli *migration.CLI, arg string) error {
			n, perr := strconv.Atoi(arg)
			if perr != nil {
				return fmt.Errorf("invalid step count: %s", arg)
			}
			return cli.RunSteps(ctx, n)
		})
	case "status":
		err = withMigrator("status", subargs, nil, func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet) error {
			return cli.RunStatus(ctx)
		})
	case "info":
		err = withMigrator("info", subargs, nil, func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet) error {
			return cli.RunInfo(ctx)
		})
	case "version":
		err = withMigrator("version", subargs, nil, func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet) error {
			return cli.RunVersion(ctx)
		})
	case "goto":
		err = withVersionArg("goto", subargs, func(ctx context.Context, cli *migration.CLI, arg string) error {
			version, perr := strconv.ParseUint(arg, 10, 32)
			if perr != nil {
				return fmt.Errorf("invalid version number: %s", arg)
			}
			return cli.RunGoto(ctx, uint(version))
		})
	case "force":
		err = withVersionArg("force", subargs, func(ctx context.Context, cli *migration.CLI, arg string) error {
			version, perr := strconv.ParseInt(arg, 10, 32)
			if perr != nil {
				return fmt.Errorf("invalid version number: %s", arg)
			}
			return cli.RunForce(ctx, int(version))
		})
	case "reset":
		err = withMigrator("reset", subargs, nil, func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet) error {
			return cli.RunDownAll(ctx)
		})
	case "help", "-h", "--help":
		printMigrateUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", subcommand)
		printMigrateUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", subcommand, err)
		os.Exit(1)
	}
}

// printMigrateUsage prints the usage information for migrate command
func printMigrateUsage() {
	fmt.Println(`Database Migration Commands

Usage:
  pipeflow migrate <subcommand> [options]

Subcommands:
  up        Apply all pending migrations
  down      Rollback the last migration (--all rolls back everything)
  steps     Apply (n > 0) or rollback (n < 0) n migrations
  status    Show migration status
  info      Show migration summary
  version   Show current migration version
  goto      Migrate to a specific version
  force     Force set migration version (use with caution)
  reset     Rollback all migrations
  help      Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  pipeflow migrate up
  pipeflow migrate up --config /etc/pipeflow/config.yaml
  pipeflow migrate down --all
  pipeflow migrate steps -1
  pipeflow migrate goto 1 --db-type sqlite --db-url ./pipeflow.db`)
}

type migrateFunc func(ctx context.Context, cli *migration.CLI, fs *flag.FlagSet) error

// withMigrator 解析公共参数、创建迁移器并执行 fn
func withMigrator(name string, args []string, extra func(*flag.FlagSet), fn migrateFunc) error {
	fs := flag.NewFlagSet("migrate "+name, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	dbType := fs.String("db-type", "", "Database type (postgres, mysql, sqlite)")
	dbURL := fs.String("db-url", "", "Database connection URL")
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	migrator, logger, err := createMigrator(*configPath, *dbType, *dbURL)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	defer logger.Sync()
	defer migrator.Close()

	return fn(context.Background(), migration.NewCLI(migrator), fs)
}

// withVersionArg 处理 "<subcommand> <value> [options]" 形式的命令
func withVersionArg(name string, args []string, fn func(ctx context.Context, cli *migration.CLI, arg string) error) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: pipeflow migrate %s <value> [options]", name)
	}
	arg := args[0]
	return withMigrator(name, args[1:], nil, func(ctx context.Context, cli *migration.CLI, _ *flag.FlagSet) error {
		return fn(ctx, cli, arg)
	})
}

// createMigrator --db-type 与 --db-url 同时给出时直接使用，否则从配置读取
func createMigrator(configPath, dbType, dbURL string) (*migration.DefaultMigrator, *zap.Logger, error) {
	if dbType != "" && dbURL != "" {
		logger := initLogger(config.DefaultLogConfig())
		typ, err := migration.ParseDatabaseType(dbType)
		if err != nil {
			return nil, nil, err
		}
		m, err := migration.NewMigratorFromDSN(typ, dbURL, logger)
		return m, logger, err
	}

	loader := config.NewLoader()
	if configPath != "" {
		loader = loader.WithConfigPath(configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbType != "" {
		cfg.Database.Driver = dbType
	}

	logger := initLogger(cfg.Log)
	m, err := migration.NewMigratorFromConfig(cfg, logger)
	return m, logger, err
}
