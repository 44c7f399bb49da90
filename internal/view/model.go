package view

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/peerchat/internal/commands"
)

const metadataSingletonID = 1

var (
	// ErrMetadataMissing indicates the room metadata record has not been applied yet.
	ErrMetadataMissing = errors.New("view: metadata missing")
	// ErrInviteNotFound indicates no invite matches the lookup.
	ErrInviteNotFound = errors.New("view: invite not found")
	// ErrInvalidQuery indicates a malformed message query.
	ErrInvalidQuery = errors.New("view: invalid query")
)

// MessageRecord is the persisted projection of a send-message entry.
type MessageRecord struct {
	MessageID       string `gorm:"column:message_id;primaryKey;size:190;not null;index:idx_messages_order,priority:2"`
	Timestamp       int64  `gorm:"column:timestamp;not null;index:idx_messages_order,priority:1"`
	Content         string `gorm:"column:content;type:text;not null"`
	Sender          string `gorm:"column:sender;size:190;not null"`
	System          bool   `gorm:"column:is_system;not null;default:false"`
	HasAttachments  bool   `gorm:"column:has_attachments;not null;default:false"`
	AttachmentsJSON string `gorm:"column:attachments_json;type:text;not null"`
	AppliedSeq      uint64 `gorm:"column:applied_seq;not null"`
}

// TableName provides the explicit table binding for GORM.
func (MessageRecord) TableName() string {
	return "messages"
}

// WriterRecord stores one member of the writer set.
type WriterRecord struct {
	PublicKey  string `gorm:"column:public_key;primaryKey;size:128;not null"`
	AppliedSeq uint64 `gorm:"column:applied_seq;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WriterRecord) TableName() string {
	return "writers"
}

// InviteRecord stores the room invite appended by add-invite.
type InviteRecord struct {
	InviteID   string `gorm:"column:invite_id;primaryKey;size:128;not null"`
	PublicKey  string `gorm:"column:public_key;size:128;not null"`
	Expires    int64  `gorm:"column:expires;not null;index"`
	IssuedAt   int64  `gorm:"column:issued_at;not null;default:0"`
	AppliedSeq uint64 `gorm:"column:applied_seq;not null"`
}

// TableName provides the explicit table binding for GORM.
func (InviteRecord) TableName() string {
	return "invites"
}

// MetadataRecord is the singleton room metadata row.
type MetadataRecord struct {
	Singleton    int    `gorm:"column:singleton;primaryKey;not null"`
	RoomID       string `gorm:"column:room_id;size:190;not null"`
	Name         string `gorm:"column:name;size:320;not null"`
	CreatedAt    int64  `gorm:"column:created_at;not null"`
	MessageCount int64  `gorm:"column:message_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (MetadataRecord) TableName() string {
	return "room_metadata"
}

// CursorRecord tracks the last log sequence folded into the view.
type CursorRecord struct {
	Singleton int    `gorm:"column:singleton;primaryKey;not null"`
	LastSeq   uint64 `gorm:"column:last_seq;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (CursorRecord) TableName() string {
	return "view_cursor"
}

// Models lists every table owned by the view store.
func Models() []any {
	return []any{&MessageRecord{}, &WriterRecord{}, &InviteRecord{}, &MetadataRecord{}, &CursorRecord{}}
}

// Message is the read model returned by queries.
type Message struct {
	ID             string                `json:"id"`
	Content        string                `json:"content"`
	Sender         string                `json:"sender"`
	Timestamp      int64                 `json:"timestamp"`
	System         bool                  `json:"system"`
	HasAttachments bool                  `json:"hasAttachments"`
	Attachments    []commands.Attachment `json:"attachments"`
}

// Room is the read model of the metadata record.
type Room struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"createdAt"`
	MessageCount int64  `json:"messageCount"`
}

// Invite is the read model of an invite record. Times are unix milliseconds.
type Invite struct {
	ID        []byte `json:"id"`
	PublicKey []byte `json:"publicKey"`
	Expires   int64  `json:"expires"`
	IssuedAt  int64  `json:"issuedAt"`
}

func (record InviteRecord) toInvite() (Invite, error) {
	id, err := hex.DecodeString(record.InviteID)
	if err != nil {
		return Invite{}, fmt.Errorf("invite id: %w", err)
	}
	publicKey, err := hex.DecodeString(record.PublicKey)
	if err != nil {
		return Invite{}, fmt.Errorf("invite public key: %w", err)
	}
	return Invite{
		ID:        id,
		PublicKey: publicKey,
		Expires:   record.Expires,
		IssuedAt:  record.IssuedAt,
	}, nil
}

func (record MetadataRecord) toRoom() Room {
	return Room{
		ID:           record.RoomID,
		Name:         record.Name,
		CreatedAt:    record.CreatedAt,
		MessageCount: record.MessageCount,
	}
}
