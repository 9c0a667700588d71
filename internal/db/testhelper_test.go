package db

import (
	"testing"

	"github.com/tejzpr/agentmart/internal/config"
	"gorm.io/gorm"
)

// setupTestDB opens an in-memory SQLite DB with every table migrated.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	d, err := Open(config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, false)
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := Migrate(d); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return d
}
