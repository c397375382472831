package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/taskwing/taskwing/internal/config"
	"github.com/taskwing/taskwing/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	migrationsPath := flag.String("migrations", "migrations", "path to migration files")
	flag.Parse()

	log := logrus.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	command := "up"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "up":
		if err := storage.RunMigrations(&cfg.Database, *migrationsPath); err != nil {
			log.WithError(err).Fatal("Migration failed")
		}
		log.Info("Migrations applied")
	case "down":
		if err := storage.RollbackMigrations(&cfg.Database, *migrationsPath); err != nil {
			log.WithError(err).Fatal("Rollback failed")
		}
		log.Info("Rolled back one migration")
	case "version":
		version, dirty, err := storage.MigrationVersion(&cfg.Database, *migrationsPath)
		if err != nil {
			log.WithError(err).Fatal("Failed to read migration version")
		}
		fmt.Printf("version: %d dirty: %v\n", version, dirty)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want up, down or version)\n", command)
		os.Exit(2)
	}
}
