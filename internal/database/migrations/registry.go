package migrations

import (
	"github.com/bilimux/bilimux/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order. The highest
// version number is the store's schema version.
func AllMigrations() []Migration {
	return []Migration{
		migration001Tasks(),
		migration002Thumbnails(),
		migration003Assets(),
	}
}

// migration001Tasks creates the history and queue tables.
func migration001Tasks() Migration {
	return Migration{
		Version:     "001",
		Description: "Create history and queue tables",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&models.HistoryEntry{},
				&models.QueueEntry{},
			)
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&models.QueueEntry{},
				&models.HistoryEntry{},
			)
		},
	}
}

// migration002Thumbnails creates the reference-counted thumbnail table.
func migration002Thumbnails() Migration {
	return Migration{
		Version:     "002",
		Description: "Create thumbnails table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.ThumbnailRef{})
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.ThumbnailRef{})
		},
	}
}

// migration003Assets creates the assets table.
func migration003Assets() Migration {
	return Migration{
		Version:     "003",
		Description: "Create assets table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.Asset{})
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.Asset{})
		},
	}
}
