// Package commands encodes, decodes and dispatches the typed commands that
// make up a room log.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CodecVersion is written after the tag of every encoded command.
const CodecVersion byte = 1

const headerLength = 2

var (
	// ErrCorruptPayload indicates a known command whose body cannot be decoded.
	ErrCorruptPayload = errors.New("commands: corrupt payload")
	// ErrUnknownCommand indicates a command no handler is registered for.
	ErrUnknownCommand = errors.New("commands: unknown command")
	// ErrInvalidCommand indicates a command that cannot be encoded.
	ErrInvalidCommand = errors.New("commands: invalid command")
)

var tagsByName = map[Name]Tag{
	NameAddWriter:     tagAddWriter,
	NameRemoveWriter:  tagRemoveWriter,
	NameAddInvite:     tagAddInvite,
	NameSendMessage:   tagSendMessage,
	NameDeleteMessage: tagDeleteMessage,
	NameSetMetadata:   tagSetMetadata,
}

// Encode serializes cmd as [tag][version][json body].
func Encode(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, fmt.Errorf("%w: nil", ErrInvalidCommand)
	}
	if _, unknown := cmd.(Unknown); unknown {
		return nil, fmt.Errorf("%w: unknown commands cannot be encoded", ErrInvalidCommand)
	}
	body, err := json.Marshal(bodyOf(cmd))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	encoded := make([]byte, 0, headerLength+len(body))
	encoded = append(encoded, byte(cmd.tag()), CodecVersion)
	return append(encoded, body...), nil
}

// EncodeNamed encodes an untyped payload under the given command name. The
// payload must round-trip through the command's schema.
func EncodeNamed(name Name, payload any) ([]byte, error) {
	tag, ok := tagsByName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	cmd, err := decodeBody(tag, body)
	if err != nil {
		return nil, err
	}
	return Encode(cmd)
}

// Decode parses an encoded command. Unknown tags and newer versions decode
// to Unknown rather than failing, so older replicas skip them.
func Decode(raw []byte) (Command, error) {
	if len(raw) < headerLength {
		return nil, fmt.Errorf("%w: missing header", ErrCorruptPayload)
	}
	tag := Tag(raw[0])
	version := raw[1]
	if version != CodecVersion {
		return Unknown{Tag: tag, Version: version}, nil
	}
	if _, known := nameOf(tag); !known {
		return Unknown{Tag: tag, Version: version}, nil
	}
	return decodeBody(tag, raw[headerLength:])
}

// DecodeMessage decodes raw and returns the message when it is a send-message command.
func DecodeMessage(raw []byte) (MessagePayload, bool, error) {
	cmd, err := Decode(raw)
	if err != nil {
		return MessagePayload{}, false, err
	}
	send, ok := cmd.(SendMessage)
	if !ok {
		return MessagePayload{}, false, nil
	}
	return send.Message, true, nil
}

func decodeBody(tag Tag, body []byte) (Command, error) {
	switch tag {
	case tagAddWriter:
		var cmd AddWriter
		if err := unmarshalBody(body, &cmd); err != nil {
			return nil, err
		}
		if len(cmd.Key) == 0 {
			return nil, fmt.Errorf("%w: add-writer without key", ErrCorruptPayload)
		}
		return cmd, nil
	case tagRemoveWriter:
		var cmd RemoveWriter
		if err := unmarshalBody(body, &cmd); err != nil {
			return nil, err
		}
		if len(cmd.Key) == 0 {
			return nil, fmt.Errorf("%w: remove-writer without key", ErrCorruptPayload)
		}
		return cmd, nil
	case tagAddInvite:
		var cmd AddInvite
		if err := unmarshalBody(body, &cmd); err != nil {
			return nil, err
		}
		if len(cmd.ID) == 0 || len(cmd.PublicKey) == 0 {
			return nil, fmt.Errorf("%w: add-invite without id or key", ErrCorruptPayload)
		}
		return cmd, nil
	case tagSendMessage:
		var message MessagePayload
		if err := unmarshalBody(body, &message); err != nil {
			return nil, err
		}
		if message.ID == "" {
			return nil, fmt.Errorf("%w: send-message without id", ErrCorruptPayload)
		}
		return SendMessage{Message: message}, nil
	case tagDeleteMessage:
		var cmd DeleteMessage
		if err := unmarshalBody(body, &cmd); err != nil {
			return nil, err
		}
		if cmd.ID == "" {
			return nil, fmt.Errorf("%w: delete-message without id", ErrCorruptPayload)
		}
		return cmd, nil
	case tagSetMetadata:
		var room RoomPayload
		if err := unmarshalBody(body, &room); err != nil {
			return nil, err
		}
		return SetMetadata{Room: room}, nil
	default:
		return Unknown{Tag: tag, Version: CodecVersion}, nil
	}
}

func unmarshalBody(body []byte, target any) error {
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	return nil
}

func bodyOf(cmd Command) any {
	switch typed := cmd.(type) {
	case SendMessage:
		return typed.Message
	case SetMetadata:
		return typed.Room
	default:
		return typed
	}
}

func nameOf(tag Tag) (Name, bool) {
	for name, candidate := range tagsByName {
		if candidate == tag {
			return name, true
		}
	}
	return "", false
}
