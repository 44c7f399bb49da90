package view

import (
	"github.com/MarcoPoloResearchLab/peerchat/internal/database"
	"gorm.io/gorm"
)

const legacyInviteCodeColumn = "invite"

// Migrations lists the data repairs applied to view databases on open.
func Migrations() []database.Migration {
	return []database.Migration{
		{
			// Early views stored the full shareable invite code, seed included.
			Name: "2026-10-15_invites_drop_shareable_code",
			Apply: func(tx *gorm.DB) error {
				migrator := tx.Migrator()
				if !migrator.HasColumn(&InviteRecord{}, legacyInviteCodeColumn) {
					return nil
				}
				return migrator.DropColumn(&InviteRecord{}, legacyInviteCodeColumn)
			},
		},
	}
}
