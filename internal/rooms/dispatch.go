package rooms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/peerchat/internal/blobs"
	"github.com/MarcoPoloResearchLab/peerchat/internal/events"
	"github.com/google/uuid"
)

// Request types accepted by Dispatch.
const (
	RequestCreateRoom       = "create-room"
	RequestGetRooms         = "get-rooms"
	RequestJoinRoom         = "join-room"
	RequestPairRoom         = "pair-room"
	RequestLeaveRoom        = "leave-room"
	RequestSendMessage      = "send-message"
	RequestDeleteMessage    = "delete-message"
	RequestLoadMoreMessages = "load-more-messages"
	RequestGenerateInvite   = "generate-invite"
	RequestUploadFile       = "upload-file"
	RequestDownloadFile     = "download-file"
	RequestCancelDownload   = "cancel-download"
)

// Request is one command from the UI layer.
type Request struct {
	RequestID string          `json:"requestId"`
	Type      string          `json:"type"`
	RoomID    string          `json:"roomId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type createRoomPayload struct {
	Name string `json:"name"`
}

type pairRoomPayload struct {
	Invite string `json:"invite"`
}

type deleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

type loadMorePayload struct {
	Before *int64 `json:"before"`
	Limit  int    `json:"limit"`
}

type uploadPayload struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type downloadPayload struct {
	Attachment blobs.AttachmentRef `json:"attachment"`
	Preview    bool                `json:"preview"`
}

type cancelPayload struct {
	AttachmentID string `json:"attachmentId"`
}

type invitePayload struct {
	Invite string `json:"invite"`
}

type cancelResult struct {
	Cancelled bool `json:"cancelled"`
}

// Dispatch runs request and publishes its terminal event, preceded by
// progress events for downloads. The terminal event is also returned.
func (m *Manager) Dispatch(ctx context.Context, request Request) events.Event {
	if request.RequestID == "" {
		request.RequestID = uuid.NewString()
	}
	data, err := m.run(ctx, request)
	event := events.Event{
		RequestID: request.RequestID,
		Type:      request.Type,
		RoomID:    request.RoomID,
		Final:     true,
		OK:        err == nil,
		Data:      data,
	}
	if err != nil {
		event.Data = nil
		event.Cancelled = errors.Is(err, blobs.ErrCancelled)
		event.Code = ErrorCode(err)
		event.Error = err.Error()
	}
	m.dispatcher.Publish(event)
	return event
}

func (m *Manager) run(ctx context.Context, request Request) (any, error) {
	switch request.Type {
	case RequestCreateRoom:
		var payload createRoomPayload
		if err := decodePayload(request, &payload); err != nil {
			return nil, err
		}
		return m.CreateRoom(ctx, payload.Name)
	case RequestGetRooms:
		return m.GetRooms(ctx)
	case RequestJoinRoom:
		return m.JoinRoom(ctx, request.RoomID)
	case RequestPairRoom:
		var payload pairRoomPayload
		if err := decodePayload(request, &payload); err != nil {
			return nil, err
		}
		return m.PairRoom(ctx, payload.Invite)
	case RequestLeaveRoom:
		return nil, m.LeaveRoom(ctx, request.RoomID)
	case RequestSendMessage:
		var payload OutgoingMessage
		if err := decodePayload(request, &payload); err != nil {
			return nil, err
		}
		return m.SendMessage(ctx, request.RoomID, payload)
	case RequestDeleteMessage:
		var payload deleteMessagePayload
		if err := decodePayload(request, &payload); err != nil {
			return nil, err
		}
		return nil, m.DeleteMessage(ctx, request.RoomID, payload.MessageID)
	case RequestLoadMoreMessages:
		var payload loadMorePayload
		if err := decodePayload(request, &payload); err != nil {
			return nil, err
		}
		return m.LoadMoreMessages(ctx, request.RoomID, payload.Before, payload.Limit)
	case RequestGenerateInvite:
		code, err := m.GenerateInvite(ctx, request.RoomID)
		if err != nil {
			return nil, err
		}
		return invitePayload{Invite: code}, nil
	case RequestUploadFile:
		var payload uploadPayload
		if err := decodePayload(request, &payload); err != nil {
			return nil, err
		}
		return m.UploadFile(ctx, request.RoomID, payload.Name, payload.Data, payload.MimeType)
	case RequestDownloadFile:
		var payload downloadPayload
		if err := decodePayload(request, &payload); err != nil {
			return nil, err
		}
		attachmentID := payload.Attachment.BlobID
		return m.DownloadFile(ctx, request.RoomID, payload.Attachment, payload.Preview, func(progress int, message string) {
			m.dispatcher.Publish(events.Event{
				RequestID: request.RequestID,
				Type:      events.TypeDownloadProgress,
				RoomID:    request.RoomID,
				OK:        true,
				Data:      events.Progress{AttachmentID: attachmentID, Progress: progress, Message: message},
			})
		})
	case RequestCancelDownload:
		var payload cancelPayload
		if err := decodePayload(request, &payload); err != nil {
			return nil, err
		}
		cancelled, err := m.CancelDownload(ctx, request.RoomID, payload.AttachmentID)
		if err != nil {
			return nil, err
		}
		return cancelResult{Cancelled: cancelled}, nil
	default:
		return nil, newServiceError("rooms.dispatch", "unknown_request", fmt.Errorf("%w: type %q", ErrInvalidRequest, request.Type))
	}
}

func decodePayload(request Request, target any) error {
	if len(request.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(request.Payload, target); err != nil {
		return newServiceError("rooms.dispatch", "invalid_payload", fmt.Errorf("%w: %w", ErrInvalidRequest, err))
	}
	return nil
}
