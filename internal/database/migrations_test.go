package database

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sampleRow struct {
	ID    string `gorm:"column:id;primaryKey"`
	Label string `gorm:"column:label"`
}

func (sampleRow) TableName() string {
	return "sample_rows"
}

func TestOpenSQLiteAppliesMigrationsOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "nested", "migration.db")
	applied := 0
	schema := Schema{
		Models: []any{&sampleRow{}},
		Migrations: []Migration{{
			Name: "2026-10-01_label_rows",
			Apply: func(tx *gorm.DB) error {
				applied++
				return tx.Model(&sampleRow{}).Where("label = ''").Update("label", "unlabeled").Error
			},
		}},
	}

	database, err := OpenSQLite(databasePath, zap.NewNop(), schema)
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.Create(&sampleRow{ID: "row-1"}).Error; err != nil {
		testContext.Fatalf("failed to insert row: %v", err)
	}
	if err := Close(database); err != nil {
		testContext.Fatalf("failed to close: %v", err)
	}

	reopened, err := OpenSQLite(databasePath, zap.NewNop(), schema)
	if err != nil {
		testContext.Fatalf("failed to reopen sqlite: %v", err)
	}
	defer Close(reopened) //nolint:errcheck

	if applied != 1 {
		testContext.Fatalf("expected migration to run once, ran %d times", applied)
	}

	var stored sampleRow
	if err := reopened.Where("id = ?", "row-1").Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload row: %v", err)
	}
	if stored.Label != "" {
		testContext.Fatalf("expected rows inserted after migration to be untouched, got %q", stored.Label)
	}

	var record migrationRecord
	if err := reopened.Where("name = ?", "2026-10-01_label_rows").Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil, Schema{}); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
