// Package view holds the materialized room projection and its read paths.
// Mutations happen only inside Store.Update, which the replica engine calls
// while applying log entries.
package view

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/peerchat/internal/commands"
	"github.com/MarcoPoloResearchLab/peerchat/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store wraps the view database of one room replica.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open opens (or creates) the view database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := database.OpenSQLite(path, logger, database.Schema{Models: Models(), Migrations: Migrations()})
	if err != nil {
		return nil, err
	}
	return &Store{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return database.Close(s.db)
}

// Update runs fn inside one transaction. The changes become visible to
// readers only when fn returns nil and the commit succeeds.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&Tx{db: transaction, logger: s.logger})
	})
}

// Reset deletes every projected row so the view can be rebuilt from the log.
func (s *Store) Reset(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		for _, model := range Models() {
			if err := transaction.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// Tx exposes the view mutations available to command handlers.
type Tx struct {
	db     *gorm.DB
	logger *zap.Logger
	seq    uint64
}

// SetSeq records the log sequence the following mutations belong to.
func (tx *Tx) SetSeq(seq uint64) {
	tx.seq = seq
}

// Nested runs fn under a savepoint. When fn fails only its own changes are
// rolled back and the enclosing transaction stays usable.
func (tx *Tx) Nested(fn func(*Tx) error) error {
	return tx.db.Transaction(func(inner *gorm.DB) error {
		return fn(&Tx{db: inner, logger: tx.logger, seq: tx.seq})
	})
}

// PutWriter adds key to the writer set. Re-adding is a no-op.
func (tx *Tx) PutWriter(key []byte) error {
	record := WriterRecord{PublicKey: hex.EncodeToString(key), AppliedSeq: tx.seq}
	return tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
}

// DeleteWriter removes key from the writer set.
func (tx *Tx) DeleteWriter(key []byte) error {
	return tx.db.Where("public_key = ?", hex.EncodeToString(key)).Delete(&WriterRecord{}).Error
}

// HasWriter reports whether key is currently a writer.
func (tx *Tx) HasWriter(key []byte) (bool, error) {
	var count int64
	err := tx.db.Model(&WriterRecord{}).Where("public_key = ?", hex.EncodeToString(key)).Count(&count).Error
	return count > 0, err
}

// PutInvite stores invite when no invite is held or the held one had expired
// by the time invite was issued. Otherwise it reports false and leaves the
// existing record untouched. The decision depends only on the two records,
// so every replica reaches the same result.
func (tx *Tx) PutInvite(invite Invite) (bool, error) {
	var count int64
	if err := tx.db.Model(&InviteRecord{}).Where("expires > ?", invite.IssuedAt).Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return false, nil
	}
	if err := tx.db.Where("expires <= ?", invite.IssuedAt).Delete(&InviteRecord{}).Error; err != nil {
		return false, err
	}
	record := InviteRecord{
		InviteID:   hex.EncodeToString(invite.ID),
		PublicKey:  hex.EncodeToString(invite.PublicKey),
		Expires:    invite.Expires,
		IssuedAt:   invite.IssuedAt,
		AppliedSeq: tx.seq,
	}
	if err := tx.db.Create(&record).Error; err != nil {
		return false, err
	}
	return true, nil
}

// PutMessage inserts message and bumps the metadata message counter in the
// same transaction. A message id that is already present is left as is.
func (tx *Tx) PutMessage(message commands.MessagePayload) (bool, error) {
	attachments := message.Attachments
	if attachments == nil {
		attachments = []commands.Attachment{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return false, err
	}
	record := MessageRecord{
		MessageID:       message.ID,
		Timestamp:       message.Timestamp,
		Content:         message.Content,
		Sender:          message.Sender,
		System:          message.System,
		HasAttachments:  message.HasAttachments || len(message.Attachments) > 0,
		AttachmentsJSON: string(attachmentsJSON),
		AppliedSeq:      tx.seq,
	}
	result := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}
	err = tx.db.Model(&MetadataRecord{}).
		Where("singleton = ?", metadataSingletonID).
		UpdateColumn("message_count", gorm.Expr("message_count + ?", 1)).Error
	return true, err
}

// DeleteMessage removes the message with id. Missing ids are ignored.
func (tx *Tx) DeleteMessage(id string) error {
	return tx.db.Where("message_id = ?", id).Delete(&MessageRecord{}).Error
}

// ReplaceMetadata deletes the singleton metadata record and inserts room in
// its place. The message counter never moves backwards: the stored value
// wins when it is ahead of the payload.
func (tx *Tx) ReplaceMetadata(room commands.RoomPayload) error {
	var existing MetadataRecord
	err := tx.db.Where("singleton = ?", metadataSingletonID).Take(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
	case err != nil:
		return err
	default:
		if existing.MessageCount > room.MessageCount {
			room.MessageCount = existing.MessageCount
		}
	}
	if err := tx.db.Where("singleton = ?", metadataSingletonID).Delete(&MetadataRecord{}).Error; err != nil {
		return err
	}
	return tx.db.Create(&MetadataRecord{
		Singleton:    metadataSingletonID,
		RoomID:       room.ID,
		Name:         room.Name,
		CreatedAt:    room.CreatedAt,
		MessageCount: room.MessageCount,
	}).Error
}

// SetCursor stores the last applied log sequence.
func (tx *Tx) SetCursor(seq uint64) error {
	return tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "singleton"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_seq"}),
	}).Create(&CursorRecord{Singleton: metadataSingletonID, LastSeq: seq}).Error
}

// Cursor returns the last log sequence folded into the view, zero when empty.
func (s *Store) Cursor(ctx context.Context) (uint64, error) {
	var record CursorRecord
	err := s.db.WithContext(ctx).Where("singleton = ?", metadataSingletonID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return record.LastSeq, nil
}

// Metadata returns the room metadata record.
func (s *Store) Metadata(ctx context.Context) (Room, error) {
	var record MetadataRecord
	err := s.db.WithContext(ctx).Where("singleton = ?", metadataSingletonID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrMetadataMissing
	}
	if err != nil {
		return Room{}, err
	}
	return record.toRoom(), nil
}

// MessageCount returns the running counter kept in the metadata record.
func (s *Store) MessageCount(ctx context.Context) (int64, error) {
	room, err := s.Metadata(ctx)
	if errors.Is(err, ErrMetadataMissing) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return room.MessageCount, nil
}

// Writers returns the writer keys in ascending hex order.
func (s *Store) Writers(ctx context.Context) ([][]byte, error) {
	var records []WriterRecord
	if err := s.db.WithContext(ctx).Order("public_key ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, len(records))
	for _, record := range records {
		key, err := hex.DecodeString(record.PublicKey)
		if err != nil {
			s.logger.Warn("skipping malformed writer key", zap.String("public_key", record.PublicKey), zap.Error(err))
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// IsWriter reports whether key is in the writer set.
func (s *Store) IsWriter(ctx context.Context, key []byte) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&WriterRecord{}).
		Where("public_key = ?", hex.EncodeToString(key)).
		Count(&count).Error
	return count > 0, err
}

// ActiveInvite returns the stored invite that has not expired at now (unix
// milliseconds), or ErrInviteNotFound.
func (s *Store) ActiveInvite(ctx context.Context, now int64) (Invite, error) {
	var record InviteRecord
	err := s.db.WithContext(ctx).
		Where("expires > ?", now).
		Order("applied_seq DESC").
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Invite{}, ErrInviteNotFound
	}
	if err != nil {
		return Invite{}, err
	}
	return record.toInvite()
}

// InviteByID returns the invite whose id matches, or ErrInviteNotFound.
func (s *Store) InviteByID(ctx context.Context, id []byte) (Invite, error) {
	var record InviteRecord
	err := s.db.WithContext(ctx).Where("invite_id = ?", hex.EncodeToString(id)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Invite{}, ErrInviteNotFound
	}
	if err != nil {
		return Invite{}, err
	}
	return record.toInvite()
}

// Snapshot is a canonical dump of the whole view.
type Snapshot struct {
	Cursor   uint64    `json:"cursor"`
	Room     *Room     `json:"room"`
	Writers  []string  `json:"writers"`
	Invites  []Invite  `json:"invites"`
	Messages []Message `json:"messages"`
}

// Snapshot reads the full view in a deterministic order.
func (s *Store) Snapshot(ctx context.Context) (Snapshot, error) {
	snapshot := Snapshot{Writers: []string{}, Invites: []Invite{}, Messages: []Message{}}

	cursor, err := s.Cursor(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot.Cursor = cursor

	room, err := s.Metadata(ctx)
	switch {
	case errors.Is(err, ErrMetadataMissing):
	case err != nil:
		return Snapshot{}, err
	default:
		snapshot.Room = &room
	}

	writers, err := s.Writers(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	for _, writer := range writers {
		snapshot.Writers = append(snapshot.Writers, hex.EncodeToString(writer))
	}

	var invites []InviteRecord
	if err := s.db.WithContext(ctx).Order("invite_id ASC").Find(&invites).Error; err != nil {
		return Snapshot{}, err
	}
	for _, record := range invites {
		invite, err := record.toInvite()
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.Invites = append(snapshot.Invites, invite)
	}

	query := NewQuery()
	query.Reverse = false
	query.Limit = 0
	for message, err := range s.Messages(ctx, query) {
		if err != nil {
			return Snapshot{}, err
		}
		snapshot.Messages = append(snapshot.Messages, message)
	}
	return snapshot, nil
}

// SnapshotJSON returns the canonical JSON encoding of Snapshot.
func (s *Store) SnapshotJSON(ctx context.Context) ([]byte, error) {
	snapshot, err := s.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return encoded, nil
}
