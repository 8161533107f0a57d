package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/eventboard/internal/users"
)

const (
	migrationNormalizeAccountEmails = "2026-04-02_normalize_account_emails"
	migrationRecountAttendees       = "2026-04-09_recount_attendees"
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
		{name: migrationNormalizeAccountEmails, apply: normalizeAccountEmails},
		{name: migrationRecountAttendees, apply: recountAttendees},
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

func normalizeAccountEmails(db *gorm.DB) error {
	var accounts []users.Account
	if err := db.Find(&accounts).Error; err != nil {
		return err
	}
	for _, account := range accounts {
		normalized := users.NormalizeEmail(account.Email)
		if normalized == account.Email {
			continue
		}
		if err := db.Model(&users.Account{}).Where("id = ?", account.ID).Update("email", normalized).Error; err != nil {
			return err
		}
	}
	return nil
}

// recountAttendees rebuilds current_attendees from the registration rows.
func recountAttendees(db *gorm.DB) error {
	return db.Exec(`UPDATE events SET current_attendees = (
		SELECT COUNT(*) FROM event_registrations WHERE event_registrations.event_id = events.id
	)`).Error
}
