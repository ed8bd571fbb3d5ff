// Command migrate applies the embedded schema migrations.
//
// Usage:
//
//	go run ./cmd/migrate up        # Apply all pending migrations
//	go run ./cmd/migrate down      # Roll back the last migration
//	go run ./cmd/migrate version   # Show the current migration version
//	go run ./cmd/migrate to N      # Migrate to version N
//	go run ./cmd/migrate force N   # Force version N (repair a dirty state)
package main

import (
	"fmt"
	"os"
	"strconv"

	"software-factory/internal/config"
	"software-factory/internal/database"
	"software-factory/internal/db"
	"software-factory/internal/logging"

	"go.uber.org/zap"
)

func main() {
	config.LoadDotEnv()
	logging.Init()
	defer logging.Sync()
	log := logging.L()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	if command == "help" {
		printUsage()
		return
	}

	cfg := config.Load()
	dbURL := cfg.DatabaseURL
	if dbURL == "" {
		d := cfg.Database
		if d.Driver == db.DriverSQLite {
			log.Fatal("versioned migrations target postgres; sqlite schemas are synced with DB_AUTO_MIGRATE")
		}
		dbURL = database.BuildPostgresURL(d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
	}

	runner, err := database.NewMigrationRunner(&database.MigrationConfig{DatabaseURL: dbURL, Logger: log})
	if err != nil {
		log.Fatal("failed to create migration runner", zap.Error(err))
	}
	defer runner.Close()

	switch command {
	case "up":
		err = runner.RunMigrations()
	case "down":
		err = runner.RollbackMigration()
	case "version":
		var status database.MigrationStatus
		status, err = runner.GetVersion()
		if err == nil {
			fmt.Printf("version: %d\ndirty:   %v\napplied: %v\n", status.Version, status.Dirty, status.Applied)
			if status.Dirty {
				fmt.Printf("\ndatabase is dirty; run 'migrate force %d' and retry\n", status.Version-1)
			}
		}
	case "to":
		version, perr := parseVersionArg()
		if perr != nil {
			log.Fatal("invalid version", zap.Error(perr))
		}
		err = runner.MigrateToVersion(uint(version))
	case "force":
		version, perr := parseVersionArg()
		if perr != nil {
			log.Fatal("invalid version", zap.Error(perr))
		}
		err = runner.Force(version)
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.Fatal("migrate "+command+" failed", zap.Error(err))
	}
}

func parseVersionArg() (int, error) {
	if len(os.Args) < 3 {
		return 0, fmt.Errorf("usage: migrate %s <version>", os.Args[1])
	}
	v, err := strconv.Atoi(os.Args[2])
	if err != nil || v < 0 {
		return 0, fmt.Errorf("not a version number: %q", os.Args[2])
	}
	return v, nil
}

func printUsage() {
	fmt.Print(`
Build engine database migration tool

Usage:
  migrate <command> [arguments]

Commands:
  up            Apply all pending migrations
  down          Roll back the last migration
  version       Show current migration version
  to <N>        Migrate to version N
  force <N>     Force version N (repairs a dirty state)
  help          Show this help message

Environment:
  DATABASE_URL  postgres:// connection URL (or DB_HOST, DB_PORT, DB_USER,
                DB_PASSWORD, DB_NAME, DB_SSL_MODE)
`)
}
