package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Name identifies a command type.
type Name string

const (
	// NameAddWriter admits a key to the room's writer set.
	NameAddWriter Name = "add-writer"
	// NameRemoveWriter removes a key from the writer set.
	NameRemoveWriter Name = "remove-writer"
	// NameAddInvite records the room's active invite.
	NameAddInvite Name = "add-invite"
	// NameSendMessage inserts a chat message.
	NameSendMessage Name = "send-message"
	// NameDeleteMessage tombstones a chat message.
	NameDeleteMessage Name = "delete-message"
	// NameSetMetadata replaces the singleton room metadata record.
	NameSetMetadata Name = "set-metadata"
)

// Tag is the leading byte of an encoded command.
type Tag byte

const (
	tagAddWriter     Tag = 0x01
	tagRemoveWriter  Tag = 0x02
	tagAddInvite     Tag = 0x03
	tagSendMessage   Tag = 0x04
	tagDeleteMessage Tag = 0x05
	tagSetMetadata   Tag = 0x06
)

// Command is the closed set of log commands. Only types in this package
// implement it.
type Command interface {
	Name() Name
	tag() Tag
}

// AddWriter admits Key as a writer.
type AddWriter struct {
	Key []byte `json:"key"`
}

// RemoveWriter revokes Key.
type RemoveWriter struct {
	Key []byte `json:"key"`
}

// AddInvite publishes the verification half of an invite. The shareable
// code never enters the log.
type AddInvite struct {
	ID        []byte `json:"id"`
	PublicKey []byte `json:"public_key"`
	Expires   int64  `json:"expires"`
	IssuedAt  int64  `json:"issued_at"`
}

// SendMessage appends Message to the room.
type SendMessage struct {
	Message MessagePayload
}

// DeleteMessage removes the message identified by ID from the view.
type DeleteMessage struct {
	ID string `json:"id"`
}

// SetMetadata replaces the room metadata record.
type SetMetadata struct {
	Room RoomPayload
}

// Unknown is produced for tags or versions this build does not understand.
// It is applied as a no-op.
type Unknown struct {
	Tag     Tag
	Version byte
}

func (AddWriter) Name() Name     { return NameAddWriter }
func (RemoveWriter) Name() Name  { return NameRemoveWriter }
func (AddInvite) Name() Name     { return NameAddInvite }
func (SendMessage) Name() Name   { return NameSendMessage }
func (DeleteMessage) Name() Name { return NameDeleteMessage }
func (SetMetadata) Name() Name   { return NameSetMetadata }
func (Unknown) Name() Name       { return "" }

func (AddWriter) tag() Tag     { return tagAddWriter }
func (RemoveWriter) tag() Tag  { return tagRemoveWriter }
func (AddInvite) tag() Tag     { return tagAddInvite }
func (SendMessage) tag() Tag   { return tagSendMessage }
func (DeleteMessage) tag() Tag { return tagDeleteMessage }
func (SetMetadata) tag() Tag   { return tagSetMetadata }
func (u Unknown) tag() Tag     { return u.Tag }

// Attachment points at a blob in a (possibly remote) content store.
type Attachment struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	BlobID   string `json:"blob_id"`
	CoreID   string `json:"core_id"`
	MimeType string `json:"mime_type,omitempty"`
}

// MessagePayload is the send-message body.
type MessagePayload struct {
	ID             string       `json:"id"`
	Content        string       `json:"content"`
	Sender         string       `json:"sender"`
	Timestamp      int64        `json:"timestamp"`
	System         bool         `json:"system"`
	HasAttachments bool         `json:"has_attachments"`
	Attachments    []Attachment `json:"attachments"`

	legacyAttachments bool
}

// LegacyAttachmentEncoding reports whether the attachments arrived as a
// JSON string wrapping the array. Such payloads are accepted but should
// not be produced.
func (m MessagePayload) LegacyAttachmentEncoding() bool {
	return m.legacyAttachments
}

type messagePayloadWire struct {
	ID             string          `json:"id"`
	Content        string          `json:"content"`
	Sender         string          `json:"sender"`
	Timestamp      int64           `json:"timestamp"`
	System         bool            `json:"system"`
	HasAttachments bool            `json:"has_attachments"`
	Attachments    json.RawMessage `json:"attachments"`
}

// UnmarshalJSON accepts attachments either as an array or as a string
// holding an encoded array.
func (m *MessagePayload) UnmarshalJSON(data []byte) error {
	var wire messagePayloadWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	attachments, legacy, err := decodeAttachments(wire.Attachments)
	if err != nil {
		return err
	}
	*m = MessagePayload{
		ID:                wire.ID,
		Content:           wire.Content,
		Sender:            wire.Sender,
		Timestamp:         wire.Timestamp,
		System:            wire.System,
		HasAttachments:    wire.HasAttachments || len(attachments) > 0,
		Attachments:       attachments,
		legacyAttachments: legacy,
	}
	return nil
}

func decodeAttachments(raw json.RawMessage) ([]Attachment, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false, nil
	}
	legacy := false
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err != nil {
			return nil, false, fmt.Errorf("attachments: %w", err)
		}
		if inner == "" {
			return nil, true, nil
		}
		trimmed = []byte(inner)
		legacy = true
	}
	var attachments []Attachment
	if err := json.Unmarshal(trimmed, &attachments); err != nil {
		return nil, legacy, fmt.Errorf("attachments: %w", err)
	}
	return attachments, legacy, nil
}

// RoomPayload is the set-metadata body.
type RoomPayload struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"created_at"`
	MessageCount int64  `json:"message_count"`
}
