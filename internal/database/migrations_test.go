package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsAccountsAndDropsOrphans(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	models := append([]any{&records.DocumentRecord{}, &migrationRecord{}}, identity.Models()...)
	if err := database.AutoMigrate(models...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	now := time.Now().UnixMicro()
	legacy := records.DocumentRecord{
		Collection:      "tracking",
		DocumentID:      "legacy-1",
		Payload:         datatypes.JSONMap{records.AccountField: "account-7", "vehicleId": "KAA 001A"},
		CreatedAtMicros: now,
		UpdatedAtMicros: now,
	}
	unscoped := records.DocumentRecord{
		Collection:      "vehicles",
		DocumentID:      "shared-1",
		Payload:         datatypes.JSONMap{"plate": "KBB 002B"},
		CreatedAtMicros: now,
		UpdatedAtMicros: now,
	}
	for _, row := range []records.DocumentRecord{legacy, unscoped} {
		if err := database.Create(&row).Error; err != nil {
			testContext.Fatalf("failed to insert document: %v", err)
		}
	}

	account := identity.Account{ID: "account-7", Email: "a@example.com", Role: "driver", LastAuthenticatedAt: time.Now()}
	if err := database.Create(&account).Error; err != nil {
		testContext.Fatalf("failed to insert account: %v", err)
	}
	linked := identity.ProviderIdentity{Provider: "google", Subject: "g-1", AccountID: account.ID}
	orphan := identity.ProviderIdentity{Provider: "google", Subject: "g-2", AccountID: "gone"}
	for _, row := range []identity.ProviderIdentity{linked, orphan} {
		if err := database.Create(&row).Error; err != nil {
			testContext.Fatalf("failed to insert identity: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var stored records.DocumentRecord
	if err := database.Where("collection = ? AND document_id = ?", legacy.Collection, legacy.DocumentID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload document: %v", err)
	}
	if stored.AccountID != "account-7" {
		testContext.Fatalf("expected account id to be backfilled, got %q", stored.AccountID)
	}

	var identities []identity.ProviderIdentity
	if err := database.Find(&identities).Error; err != nil {
		testContext.Fatalf("failed to list identities: %v", err)
	}
	if len(identities) != 1 || identities[0].Subject != "g-1" {
		testContext.Fatalf("expected only the linked identity to remain, got %#v", identities)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillDocumentAccounts).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-running migrations to be a no-op: %v", err)
	}
}

func TestOpenRejectsUnknownDriver(testContext *testing.T) {
	if _, err := Open("oracle", "dsn", nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "fleettraq.db")
	database, err := Open(DriverSQLite, databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range []any{&records.DocumentRecord{}, &identity.Account{}, &identity.ProviderIdentity{}, &migrationRecord{}} {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
}
