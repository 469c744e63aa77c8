package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	_ "github.com/lib/pq"

	"github.com/alpharoyale/backend/config"
	"github.com/alpharoyale/backend/db/migrations"
	"github.com/alpharoyale/backend/logging"
)

func main() {
	upCmd := flag.Bool("up", false, "Run all pending migrations")
	downCmd := flag.Bool("down", false, "Rollback last migration")
	statusCmd := flag.Bool("status", false, "Show migration status")
	initCmd := flag.Bool("init", false, "Initialize migrations table")
	version := flag.Int64("version", 0, "Migrate up to specific version")

	flag.Parse()

	logger := logging.NewLogger(logging.INFO, os.Stdout)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", err)
	}

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		logger.Fatal("failed to connect to database", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatal("failed to ping database", err)
	}

	logger.Info("connected to database",
		logging.String("user", cfg.Database.User),
		logging.String("host", cfg.Database.Host),
		logging.String("port", cfg.Database.Port),
		logging.String("database", cfg.Database.Name))

	migrator := migrations.NewMigrator(db, logger)
	for _, m := range migrations.GetRegisteredMigrations() {
		migrator.Register(m)
	}

	switch {
	case *initCmd:
		if err := migrator.Init(); err != nil {
			logger.Fatal("failed to initialize migrations table", err)
		}

	case *upCmd:
		if err := migrator.Init(); err != nil {
			logger.Fatal("failed to initialize migrations table", err)
		}
		if err := migrator.Up(); err != nil {
			logger.Fatal("migration failed", err)
		}

	case *downCmd:
		if err := migrator.Down(); err != nil {
			logger.Fatal("rollback failed", err)
		}

	case *statusCmd:
		if err := migrator.Init(); err != nil {
			logger.Fatal("failed to initialize migrations table", err)
		}
		if err := migrator.Status(); err != nil {
			logger.Fatal("failed to get migration status", err)
		}

	case *version > 0:
		if err := migrator.Init(); err != nil {
			logger.Fatal("failed to initialize migrations table", err)
		}
		if err := migrator.UpTo(*version); err != nil {
			logger.Fatal("migration failed", err)
		}

	default:
		fmt.Println("Alpha Royale - Database Migration Tool")
		fmt.Println()
		fmt.Println("Usage:")
		fmt.Println("  migrate -init          Initialize migrations table")
		fmt.Println("  migrate -up            Run all pending migrations")
		fmt.Println("  migrate -down          Rollback last migration")
		fmt.Println("  migrate -status        Show migration status")
		fmt.Println("  migrate -version=N     Migrate up to specific version")
		fmt.Println()
		fmt.Println("Environment variables (or use .env file):")
		fmt.Println("  DB_HOST                Database host (default: localhost)")
		fmt.Println("  DB_PORT                Database port (default: 5432)")
		fmt.Println("  DB_NAME                Database name (default: alpharoyale)")
		fmt.Println("  DB_USER                Database user (default: postgres)")
		fmt.Println("  DB_PASSWORD            Database password")
		fmt.Println("  DB_SSL_MODE            SSL mode (default: disable)")
		fmt.Println()
		os.Exit(1)
	}
}
