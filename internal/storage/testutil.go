package storage

import (
	"os"
	"testing"

	"github.com/taskwing/taskwing/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// testModels lists every persisted model for schema setup in tests.
var testModels = []interface{}{
	&DagModel{},
	&DagRunModel{},
	&TaskInstanceModel{},
	&TaskInstanceHistoryModel{},
	&TriggerModel{},
	&TaskRescheduleModel{},
	&RenderedFieldsModel{},
	&AssetModel{},
	&AssetActiveModel{},
	&AssetAliasModel{},
	&AssetEventModel{},
	&XComModel{},
}

// SetupTestDB opens an in-memory SQLite database with the full schema.
// Each call gets its own isolated database.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get underlying database: %v", err)
	}
	// A second connection to file::memory: would see a different,
	// empty database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(testModels...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		sqlDB.Close()
	})
	return db
}

// SetupPostgresTestDB connects to the PostgreSQL database named by
// TEST_DB_* environment variables. Tests that need real JSONB or
// ON CONFLICT semantics use this; it skips when TEST_DB_HOST is unset.
func SetupPostgresTestDB(t *testing.T) *DB {
	t.Helper()

	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		t.Skip("TEST_DB_HOST not set, skipping postgres-backed test")
	}

	cfg := &config.DatabaseConfig{
		Host:     host,
		Port:     envOr("TEST_DB_PORT", "5432"),
		User:     envOr("TEST_DB_USER", "taskwing"),
		Password: envOr("TEST_DB_PASSWORD", "taskwing"),
		DBName:   envOr("TEST_DB_NAME", "taskwing_test"),
		SSLMode:  "disable",
	}

	db, err := NewDB(cfg)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	if err := db.AutoMigrate(testModels...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		for _, model := range testModels {
			db.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model)
		}
		db.Close()
	})
	return db
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
