package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/identity"
	"github.com/MarcoPoloResearchLab/fleettraq/backend/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillDocumentAccounts = "2026-09-14_backfill_document_account_ids"
	migrationDropOrphanIdentities     = "2026-09-21_drop_orphan_provider_identities"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillDocumentAccounts, apply: backfillDocumentAccounts},
		{name: migrationDropOrphanIdentities, apply: dropOrphanIdentities},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillDocumentAccounts fills the account_id column of rows written before the column
// was kept in sync with the payload's accountId.
func backfillDocumentAccounts(db *gorm.DB) error {
	var pending []records.DocumentRecord
	if err := db.Where("account_id = ?", "").Find(&pending).Error; err != nil {
		return err
	}
	for _, row := range pending {
		accountID := records.AccountIDFromPayload(row.Payload)
		if accountID == "" {
			continue
		}
		err := db.Model(&records.DocumentRecord{}).
			Where("collection = ? AND document_id = ?", row.Collection, row.DocumentID).
			Update("account_id", accountID).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func dropOrphanIdentities(db *gorm.DB) error {
	orphaned := db.Model(&identity.Account{}).Select("id")
	return db.Where("account_id NOT IN (?)", orphaned).Delete(&identity.ProviderIdentity{}).Error
}
