package identity

import (
	"strings"
	"time"
)

// DeviceRecord stores the keypair this device writes room logs with.
type DeviceRecord struct {
	Name        string    `gorm:"column:name;primaryKey;size:64;not null"`
	PublicKey   string    `gorm:"column:public_key;size:128;not null;uniqueIndex"`
	Seed        string    `gorm:"column:seed;size:128;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing device identities.
func (DeviceRecord) TableName() string {
	return "device_identities"
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&DeviceRecord{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
