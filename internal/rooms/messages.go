package rooms

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/peerchat/internal/commands"
	"github.com/MarcoPoloResearchLab/peerchat/internal/view"
	"go.uber.org/zap"
)

const maxMessageLength = 64 * 1024

// SendMessage appends a message and returns it as applied by the local
// replica. Fields the caller leaves empty are filled for this device: the id
// becomes "<timestamp>-<random>", the sender the device display name and the
// timestamp the current time.
func (m *Manager) SendMessage(ctx context.Context, roomID string, outgoing OutgoingMessage) (view.Message, error) {
	opened, err := m.lookup(opSendMessage, roomID)
	if err != nil {
		return view.Message{}, err
	}
	content := strings.TrimSpace(outgoing.Content)
	if content == "" && len(outgoing.Attachments) == 0 {
		return view.Message{}, newServiceError(opSendMessage, "empty_message", ErrInvalidRequest)
	}
	if len(content) > maxMessageLength {
		return view.Message{}, newServiceError(opSendMessage, "message_too_long", ErrInvalidRequest)
	}

	timestamp := outgoing.Timestamp
	if timestamp <= 0 {
		timestamp = m.clock().UnixMilli()
	}
	messageID := strings.TrimSpace(outgoing.ID)
	if messageID == "" {
		suffix, err := m.idProvider.NewID()
		if err != nil {
			m.logError(opSendMessage, "id_generation_failed", err, zap.String("room_id", roomID))
			return view.Message{}, newServiceError(opSendMessage, "id_generation_failed", err)
		}
		messageID = fmt.Sprintf("%d-%s", timestamp, suffix)
	}
	sender := strings.TrimSpace(outgoing.Sender)
	if sender == "" {
		sender = m.senderName(ctx)
	}
	attachments := make([]commands.Attachment, 0, len(outgoing.Attachments))
	for _, ref := range outgoing.Attachments {
		if ref.BlobID == "" || ref.CoreID == "" {
			return view.Message{}, newServiceError(opSendMessage, "invalid_attachment", ErrInvalidRequest)
		}
		attachments = append(attachments, ref.Attachment())
	}
	payload := commands.MessagePayload{
		ID:             messageID,
		Content:        content,
		Sender:         sender,
		Timestamp:      timestamp,
		System:         outgoing.System,
		HasAttachments: len(attachments) > 0,
		Attachments:    attachments,
	}

	seq, err := opened.engine.Append(ctx, commands.SendMessage{Message: payload})
	if err != nil {
		m.logError(opSendMessage, "append_failed", err, zap.String("room_id", roomID))
		return view.Message{}, newServiceError(opSendMessage, "append_failed", err)
	}
	if err := opened.engine.WaitApplied(ctx, seq); err != nil {
		m.logError(opSendMessage, "apply_wait_failed", err, zap.String("room_id", roomID))
		return view.Message{}, newServiceError(opSendMessage, "apply_wait_failed", err)
	}
	return view.Message{
		ID:             payload.ID,
		Content:        payload.Content,
		Sender:         payload.Sender,
		Timestamp:      payload.Timestamp,
		System:         payload.System,
		HasAttachments: payload.HasAttachments,
		Attachments:    payload.Attachments,
	}, nil
}

// DeleteMessage removes messageID from every replica of the room.
func (m *Manager) DeleteMessage(ctx context.Context, roomID, messageID string) error {
	opened, err := m.lookup(opDeleteMessage, roomID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(messageID) == "" {
		return newServiceError(opDeleteMessage, "missing_message_id", ErrInvalidRequest)
	}
	seq, err := opened.engine.Append(ctx, commands.DeleteMessage{ID: messageID})
	if err != nil {
		m.logError(opDeleteMessage, "append_failed", err, zap.String("room_id", roomID))
		return newServiceError(opDeleteMessage, "append_failed", err)
	}
	if err := opened.engine.WaitApplied(ctx, seq); err != nil {
		return newServiceError(opDeleteMessage, "apply_wait_failed", err)
	}
	return nil
}

// LoadMoreMessages returns up to limit messages older than before, newest
// first. A nil before starts at the newest message.
func (m *Manager) LoadMoreMessages(ctx context.Context, roomID string, before *int64, limit int) (MessagePage, error) {
	opened, err := m.lookup(opLoadMoreMessages, roomID)
	if err != nil {
		return MessagePage{}, err
	}
	if limit < 0 || limit > maxPageSize {
		return MessagePage{}, newServiceError(opLoadMoreMessages, "invalid_limit", ErrInvalidRequest)
	}
	if limit == 0 {
		limit = defaultPageSize
	}
	page, err := m.page(ctx, opened, before, limit)
	if err != nil {
		m.logError(opLoadMoreMessages, "query_failed", err, zap.String("room_id", roomID))
		return MessagePage{}, newServiceError(opLoadMoreMessages, "query_failed", err)
	}
	return page, nil
}

// page reads one extra row to learn whether older messages remain.
func (m *Manager) page(ctx context.Context, opened *room, before *int64, limit int) (MessagePage, error) {
	query := view.NewQuery()
	query.Limit = limit + 1
	if before != nil {
		query = query.Before(*before)
	}
	messages, err := opened.view.GetMessages(ctx, query)
	if err != nil {
		return MessagePage{}, err
	}
	page := MessagePage{Messages: messages}
	if len(messages) > limit {
		page.Messages = messages[:limit]
		page.HasMore = true
	}
	if page.Messages == nil {
		page.Messages = []view.Message{}
	}
	return page, nil
}

// senderName reads the device through the identity cache so display name
// changes apply to the next message.
func (m *Manager) senderName(ctx context.Context) string {
	if device, err := m.identity.Device(ctx, m.deviceName); err == nil {
		if name := strings.TrimSpace(device.DisplayName()); name != "" {
			return name
		}
	}
	return hex.EncodeToString(m.device.PublicKey())[:16]
}
