package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/veridianlabs/veriface/internal/identity"
	"gorm.io/gorm"
)

func TestOpenMigratesSchemaAndLedger(t *testing.T) {
	db := openTestDatabase(t)

	for _, table := range []string{"identities", "login_attempts", "action_codes", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 recorded migrations, got %d", count)
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	db := openTestDatabase(t)

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("unexpected error reapplying migrations: %v", err)
	}

	var count int64
	if err := db.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected migrations to remain recorded once, got %d", count)
	}
}

func TestNormalizeIdentityEmails(t *testing.T) {
	db := openTestDatabase(t)

	record := identity.Identity{
		ID:              "id-1",
		FullName:        "Ada",
		Email:           "Ada@Example.com",
		PasswordHash:    "hash",
		ActivationState: identity.StateCreated,
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed identity: %v", err)
	}

	if err := normalizeIdentityEmails(db); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var stored identity.Identity
	if err := db.Where("id = ?", "id-1").Take(&stored).Error; err != nil {
		t.Fatalf("failed to load identity: %v", err)
	}
	if stored.Email != "ada@example.com" {
		t.Fatalf("expected normalized email, got %s", stored.Email)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "postgres", DSN: "ignored"}, nil); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:veriface_db_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := Open(Config{Driver: "sqlite", Path: dsn}, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}
