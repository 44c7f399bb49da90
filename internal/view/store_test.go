package view

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/peerchat/internal/commands"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "view.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedMessages(t *testing.T, store *Store, count int) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Update(ctx, func(tx *Tx) error {
		if err := tx.ReplaceMetadata(commands.RoomPayload{ID: "room", Name: "general", CreatedAt: 1}); err != nil {
			return err
		}
		for index := 1; index <= count; index++ {
			message := commands.MessagePayload{
				ID:        fmt.Sprintf("m-%03d", index),
				Content:   fmt.Sprintf("message %d", index),
				Sender:    "alice",
				Timestamp: int64(index * 10),
			}
			if _, err := tx.PutMessage(message); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestPagingBackwardVisitsEveryMessageOnce(t *testing.T) {
	store := openTestStore(t)
	seedMessages(t, store, 23)
	ctx := context.Background()

	seen := map[string]int{}
	var order []int64
	query := NewQuery()
	query.Limit = 5
	for {
		page, err := store.GetMessages(ctx, query)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		for _, message := range page {
			seen[message.ID]++
			order = append(order, message.Timestamp)
		}
		query = query.Before(page[len(page)-1].Timestamp)
	}

	require.Len(t, seen, 23)
	for id, count := range seen {
		require.Equalf(t, 1, count, "message %s seen %d times", id, count)
	}
	for index := 1; index < len(order); index++ {
		require.Greater(t, order[index-1], order[index])
	}
}

func TestPagingIgnoresMessagesAppendedBetweenPages(t *testing.T) {
	store := openTestStore(t)
	seedMessages(t, store, 10)
	ctx := context.Background()

	query := NewQuery()
	query.Limit = 4
	first, err := store.GetMessages(ctx, query)
	require.NoError(t, err)
	require.Len(t, first, 4)

	require.NoError(t, store.Update(ctx, func(tx *Tx) error {
		_, err := tx.PutMessage(commands.MessagePayload{ID: "late", Content: "late", Sender: "bob", Timestamp: 1000})
		return err
	}))

	second, err := store.GetMessages(ctx, query.Before(first[len(first)-1].Timestamp))
	require.NoError(t, err)
	require.Len(t, second, 4)
	require.Equal(t, "m-006", second[0].ID)
}

func TestMessagesRangeAndOrder(t *testing.T) {
	store := openTestStore(t)
	seedMessages(t, store, 10)
	ctx := context.Background()

	lower, upper := int64(30), int64(70)
	query := Query{Gte: &lower, Lte: &upper}
	messages, err := store.GetMessages(ctx, query)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	require.Equal(t, "m-003", messages[0].ID)
	require.Equal(t, "m-007", messages[4].ID)

	_, err = store.GetMessages(ctx, Query{Limit: -1})
	require.ErrorIs(t, err, ErrInvalidQuery)
}

func TestMessagesStopsEarly(t *testing.T) {
	store := openTestStore(t)
	seedMessages(t, store, 200)

	visited := 0
	for _, err := range store.Messages(context.Background(), Query{Reverse: true}) {
		require.NoError(t, err)
		visited++
		if visited == 70 {
			break
		}
	}
	require.Equal(t, 70, visited)
}

func TestPutMessageCountsOnlyNewRows(t *testing.T) {
	store := openTestStore(t)
	seedMessages(t, store, 3)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(tx *Tx) error {
		inserted, err := tx.PutMessage(commands.MessagePayload{ID: "m-001", Content: "again", Sender: "alice", Timestamp: 10})
		require.False(t, inserted)
		return err
	}))

	count, err := store.MessageCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, count)

	require.NoError(t, store.Update(ctx, func(tx *Tx) error {
		return tx.DeleteMessage("m-002")
	}))
	count, err = store.MessageCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, count, "counter is a running total, not a row count")
}

func TestReplaceMetadataTwiceLeavesOneRecord(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	room := commands.RoomPayload{ID: "room", Name: "general", CreatedAt: 1}

	for attempt := 0; attempt < 2; attempt++ {
		require.NoError(t, store.Update(ctx, func(tx *Tx) error {
			return tx.ReplaceMetadata(room)
		}))
	}

	var rows int64
	require.NoError(t, store.db.Model(&MetadataRecord{}).Count(&rows).Error)
	require.EqualValues(t, 1, rows)

	metadata, err := store.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, "general", metadata.Name)
}

func TestReplaceMetadataKeepsCounterAhead(t *testing.T) {
	store := openTestStore(t)
	seedMessages(t, store, 4)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(tx *Tx) error {
		return tx.ReplaceMetadata(commands.RoomPayload{ID: "room", Name: "renamed", CreatedAt: 1, MessageCount: 1})
	}))
	metadata, err := store.Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, "renamed", metadata.Name)
	require.EqualValues(t, 4, metadata.MessageCount)
}

func TestPutInviteKeepsUnexpiredInvite(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := Invite{ID: []byte{1, 2}, PublicKey: []byte{9}, Expires: 100, IssuedAt: 10}
	second := Invite{ID: []byte{3, 4}, PublicKey: []byte{8}, Expires: 200, IssuedAt: 99}
	require.NoError(t, store.Update(ctx, func(tx *Tx) error {
		stored, err := tx.PutInvite(first)
		require.True(t, stored)
		if err != nil {
			return err
		}
		stored, err = tx.PutInvite(second)
		require.False(t, stored)
		return err
	}))

	active, err := store.ActiveInvite(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, first, active)

	_, err = store.InviteByID(ctx, second.ID)
	require.ErrorIs(t, err, ErrInviteNotFound)
}

func TestExpiredInviteIsInactiveAndReplaced(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := Invite{ID: []byte{1, 2}, PublicKey: []byte{9}, Expires: 100, IssuedAt: 10}
	require.NoError(t, store.Update(ctx, func(tx *Tx) error {
		_, err := tx.PutInvite(first)
		return err
	}))

	_, err := store.ActiveInvite(ctx, 100)
	require.ErrorIs(t, err, ErrInviteNotFound)

	second := Invite{ID: []byte{3, 4}, PublicKey: []byte{8}, Expires: 300, IssuedAt: 100}
	require.NoError(t, store.Update(ctx, func(tx *Tx) error {
		stored, err := tx.PutInvite(second)
		require.True(t, stored)
		return err
	}))

	active, err := store.ActiveInvite(ctx, 150)
	require.NoError(t, err)
	require.Equal(t, second, active)

	_, err = store.InviteByID(ctx, first.ID)
	require.ErrorIs(t, err, ErrInviteNotFound)

	snapshot, err := store.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, []Invite{second}, snapshot.Invites)
}

type legacyInviteRecord struct {
	InviteID   string `gorm:"column:invite_id;primaryKey;size:128;not null"`
	Invite     []byte `gorm:"column:invite;not null"`
	PublicKey  string `gorm:"column:public_key;size:128;not null"`
	Expires    int64  `gorm:"column:expires;not null"`
	AppliedSeq uint64 `gorm:"column:applied_seq;not null"`
}

func (legacyInviteRecord) TableName() string {
	return "invites"
}

func TestOpenDropsStoredInviteCodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "view.db")
	legacy, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, legacy.AutoMigrate(&legacyInviteRecord{}))
	require.NoError(t, legacy.Create(&legacyInviteRecord{
		InviteID: "0102", Invite: []byte("shareable-code-with-seed"), PublicKey: "09", Expires: 100, AppliedSeq: 1,
	}).Error)
	legacyDB, err := legacy.DB()
	require.NoError(t, err)
	require.NoError(t, legacyDB.Close())

	store, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.False(t, store.db.Migrator().HasColumn(&InviteRecord{}, legacyInviteCodeColumn))
	invite, err := store.InviteByID(context.Background(), []byte{1, 2})
	require.NoError(t, err)
	require.Equal(t, int64(100), invite.Expires)
	require.Equal(t, []byte{9}, invite.PublicKey)

	require.NoError(t, store.Update(context.Background(), func(tx *Tx) error {
		stored, err := tx.PutInvite(Invite{ID: []byte{3}, PublicKey: []byte{7}, Expires: 500, IssuedAt: 200})
		require.True(t, stored)
		return err
	}))
}

func TestCorruptAttachmentsAreSkipped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	records := []MessageRecord{
		{MessageID: "broken-list", Timestamp: 1, Content: "a", Sender: "s", HasAttachments: true, AttachmentsJSON: "{not json"},
		{MessageID: "broken-element", Timestamp: 2, Content: "b", Sender: "s", HasAttachments: true,
			AttachmentsJSON: `[{"name":"ok.png","size":3,"blob_id":"b1","core_id":"c1"},{"name":42}]`},
	}
	require.NoError(t, store.db.Create(&records).Error)

	messages, err := store.GetMessages(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Empty(t, messages[0].Attachments)
	require.Len(t, messages[1].Attachments, 1)
	require.Equal(t, "ok.png", messages[1].Attachments[0].Name)
}

func TestWritersAndReset(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Update(ctx, func(tx *Tx) error {
		if err := tx.PutWriter([]byte{0xbb}); err != nil {
			return err
		}
		if err := tx.PutWriter([]byte{0xaa}); err != nil {
			return err
		}
		if err := tx.PutWriter([]byte{0xaa}); err != nil {
			return err
		}
		return tx.SetCursor(3)
	}))

	writers, err := store.Writers(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]byte{{0xaa}, {0xbb}}, writers)

	cursor, err := store.Cursor(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, cursor)

	require.NoError(t, store.Reset(ctx))
	writers, err = store.Writers(ctx)
	require.NoError(t, err)
	require.Empty(t, writers)
	cursor, err = store.Cursor(ctx)
	require.NoError(t, err)
	require.Zero(t, cursor)
}
