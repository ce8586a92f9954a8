package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/classroom/backend/internal/discussions"
)

const migrationRecountDiscussionReplies = "2024-03-01_recount_discussion_replies"

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
		{name: migrationRecountDiscussionReplies, apply: recountDiscussionReplies},
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

// recountDiscussionReplies rebuilds every stored replyCount from the reply table.
func recountDiscussionReplies(db *gorm.DB) error {
	return db.Exec(
		"UPDATE discussions SET reply_count = ("+
			"SELECT COUNT(*) FROM discussion_replies "+
			"WHERE discussion_replies.discussion_id = discussions.id AND discussion_replies.status IN ?)",
		discussions.CountedReplyStatuses(),
	).Error
}
