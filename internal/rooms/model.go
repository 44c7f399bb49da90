package rooms

import (
	"github.com/MarcoPoloResearchLab/peerchat/internal/blobs"
	"github.com/MarcoPoloResearchLab/peerchat/internal/view"
)

// RoomRecord registers a room this device replicates.
type RoomRecord struct {
	RoomID        string `gorm:"column:room_id;primaryKey;size:190;not null"`
	LogKey        string `gorm:"column:log_key;size:190;not null"`
	EncryptionKey []byte `gorm:"column:encryption_key;not null"`
	JoinedAtSec   int64  `gorm:"column:joined_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomRecord) TableName() string {
	return "rooms"
}

// Models lists the registry tables kept in the root database.
func Models() []any {
	return []any{&RoomRecord{}}
}

// RoomSummary is one entry of GetRooms.
type RoomSummary struct {
	view.Room
	Writers  int   `json:"writers"`
	JoinedAt int64 `json:"joinedAt"`
}

// RoomPage is what opening a room returns: its metadata and newest messages.
type RoomPage struct {
	Room     view.Room      `json:"room"`
	Messages []view.Message `json:"messages"`
}

// MessagePage is one page of older messages.
type MessagePage struct {
	Messages []view.Message `json:"messages"`
	HasMore  bool           `json:"hasMore"`
}

// OutgoingMessage is what a caller sends. ID, Sender and Timestamp are
// generated when left empty; Timestamp is in unix milliseconds.
type OutgoingMessage struct {
	ID          string                `json:"id,omitempty"`
	Content     string                `json:"content"`
	Sender      string                `json:"sender,omitempty"`
	Timestamp   int64                 `json:"timestamp,omitempty"`
	System      bool                  `json:"system,omitempty"`
	Attachments []blobs.AttachmentRef `json:"attachments,omitempty"`
}

// DownloadResult is the payload of a finished download.
type DownloadResult struct {
	Path    string `json:"path"`
	Preview bool   `json:"preview"`
}
