package database

import (
	"errors"
	"time"

	"github.com/veridianlabs/veriface/internal/identity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeIdentityEmails = "2026-05-14_normalize_identity_emails"
	migrationBackfillAttemptEmails   = "2026-05-14_backfill_attempt_emails"
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
		{name: migrationNormalizeIdentityEmails, apply: normalizeIdentityEmails},
		{name: migrationBackfillAttemptEmails, apply: backfillAttemptEmails},
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
		if err := migration.apply(db); err != nil {
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

// normalizeIdentityEmails lowercases stored addresses so rows written before
// normalization was enforced still match case-insensitive lookups and the
// unique index.
func normalizeIdentityEmails(db *gorm.DB) error {
	return db.Exec("UPDATE identities SET email = lower(email) WHERE email <> lower(email)").Error
}

// backfillAttemptEmails copies the owning identity's address onto attempt rows
// recorded before the claimed email was captured on the attempt itself.
func backfillAttemptEmails(db *gorm.DB) error {
	return db.Model(&identity.LoginAttempt{}).
		Where("email = '' AND identity_id IS NOT NULL").
		Update("email", gorm.Expr("(SELECT email FROM identities WHERE identities.id = login_attempts.identity_id)")).Error
}
