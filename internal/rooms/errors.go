package rooms

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIdentity   = errors.New("identity service is required")
	errMissingDataDir    = errors.New("data directory is required")
	errMissingSwarmURL   = errors.New("swarm url is required")
	errMissingDispatcher = errors.New("event dispatcher is required")

	// ErrRoomNotFound indicates a room id this device does not replicate.
	ErrRoomNotFound = errors.New("rooms: room not found")
	// ErrInvalidRequest indicates a request with missing or malformed fields.
	ErrInvalidRequest = errors.New("rooms: invalid request")
	// ErrDownloadInProgress indicates the attachment is already downloading.
	ErrDownloadInProgress = errors.New("rooms: download already in progress")
	// ErrManagerClosed indicates a request after Close.
	ErrManagerClosed = errors.New("rooms: manager closed")
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opManagerNew       = "rooms.manager.new"
	opManagerStart     = "rooms.manager.start"
	opManagerClose     = "rooms.manager.close"
	opCreateRoom       = "rooms.create_room"
	opGetRooms         = "rooms.get_rooms"
	opJoinRoom         = "rooms.join_room"
	opPairRoom         = "rooms.pair_room"
	opLeaveRoom        = "rooms.leave_room"
	opSendMessage      = "rooms.send_message"
	opDeleteMessage    = "rooms.delete_message"
	opLoadMoreMessages = "rooms.load_more_messages"
	opGenerateInvite   = "rooms.generate_invite"
	opUploadFile       = "rooms.upload_file"
	opDownloadFile     = "rooms.download_file"
	opCancelDownload   = "rooms.cancel_download"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ErrorCode extracts the service error code from err, if any.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
