package database

import (
	"errors"
	"time"

	"github.com/neominik/write-collab/internal/documents"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNullEmptyReplicaState = "2026-10-01_null_empty_replica_state"
	migrationDefaultBlankTitles    = "2026-10-01_default_blank_titles"
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
		{name: migrationNullEmptyReplicaState, apply: nullEmptyReplicaState},
		{name: migrationDefaultBlankTitles, apply: defaultBlankTitles},
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

// Zero-length blobs load as corrupt state; NULL makes the next load rebuild from text.
func nullEmptyReplicaState(db *gorm.DB) error {
	return db.Model(&documents.Document{}).
		Where("replica_state IS NOT NULL AND length(replica_state) = 0").
		Update("replica_state", nil).Error
}

func defaultBlankTitles(db *gorm.DB) error {
	return db.Model(&documents.Document{}).
		Where("trim(title) = ''").
		Update("title", documents.DefaultTitle).Error
}
