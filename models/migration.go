package models

import "gorm.io/gorm"

// Migrate creates/updates the pipeline's tables. Upstream domain tables
// (bills) are included because dev/test environments run this service
// standalone; in production the upstream service owns its migrations.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&OutboxEvent{},
		&JournalEntry{},
		&JournalLine{},
		&Account{},
		&Rule{},
		&Bill{},
		&APRecord{},
		&ReconciliationReport{},
	)
}
