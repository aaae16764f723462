package migrations

import (
	"gorm.io/gorm"

	"github.com/jmylchreest/replayd/internal/models"
)

// AllMigrations returns all registered migrations in order.
//   - 001: Create the clips table
//   - 002: Index clips by container and creation time for retention scans
func AllMigrations() []Migration {
	return []Migration{
		migration001Clips(),
		migration002ClipRetentionIndex(),
	}
}

func migration001Clips() Migration {
	return Migration{
		Version:     "001",
		Description: "Create clips table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Clip{})
		},
		Down: func(tx *gorm.DB) error {
			if tx.Migrator().HasTable(&models.Clip{}) {
				return tx.Migrator().DropTable(&models.Clip{})
			}
			return nil
		},
	}
}

const clipRetentionIndex = "idx_clips_container_created_at"

func migration002ClipRetentionIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Index clips by container and creation time",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&models.Clip{}, clipRetentionIndex) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + clipRetentionIndex + " ON clips (container, created_at)").Error
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex(&models.Clip{}, clipRetentionIndex) {
				return nil
			}
			return tx.Migrator().DropIndex(&models.Clip{}, clipRetentionIndex)
		},
	}
}
