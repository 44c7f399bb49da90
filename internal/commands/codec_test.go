package commands

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeIsDeterministic(t *testing.T) {
	cmd := SendMessage{Message: MessagePayload{
		ID:        "1000-abc",
		Content:   "hi",
		Sender:    "alice",
		Timestamp: 1000,
		Attachments: []Attachment{
			{Name: "a.png", Size: 3, BlobID: "b1", CoreID: "c1", MimeType: "image/png"},
		},
		HasAttachments: true,
	}}

	first, err := Encode(cmd)
	require.NoError(t, err)
	second, err := Encode(cmd)
	require.NoError(t, err)

	require.True(t, bytes.Equal(first, second))
	require.Equal(t, byte(tagSendMessage), first[0])
	require.Equal(t, CodecVersion, first[1])
}

func TestDecodeRestoresEveryVariant(t *testing.T) {
	testCases := []struct {
		name string
		cmd  Command
	}{
		{name: "add-writer", cmd: AddWriter{Key: []byte{1, 2, 3}}},
		{name: "remove-writer", cmd: RemoveWriter{Key: []byte{4}}},
		{name: "add-invite", cmd: AddInvite{ID: []byte{9}, PublicKey: []byte{7}, Expires: 42, IssuedAt: 7}},
		{name: "send-message", cmd: SendMessage{Message: MessagePayload{ID: "m1", Content: "hello", Sender: "bob", Timestamp: 5}}},
		{name: "delete-message", cmd: DeleteMessage{ID: "m1"}},
		{name: "set-metadata", cmd: SetMetadata{Room: RoomPayload{ID: "r", Name: "general", CreatedAt: 1, MessageCount: 2}}},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			raw, err := Encode(testCase.cmd)
			require.NoError(t, err)
			decoded, err := Decode(raw)
			require.NoError(t, err)
			require.Equal(t, testCase.cmd.Name(), decoded.Name())
			require.Equal(t, testCase.cmd, decoded)
		})
	}
}

func TestDecodeUnknownTagIsNoOp(t *testing.T) {
	decoded, err := Decode([]byte{0x7f, CodecVersion, '{', '}'})
	require.NoError(t, err)
	unknown, ok := decoded.(Unknown)
	require.True(t, ok)
	require.Equal(t, Tag(0x7f), unknown.Tag)
}

func TestDecodeNewerVersionIsNoOp(t *testing.T) {
	decoded, err := Decode([]byte{byte(tagAddWriter), CodecVersion + 1, 'x'})
	require.NoError(t, err)
	require.IsType(t, Unknown{}, decoded)
}

func TestDecodeCorruptPayload(t *testing.T) {
	_, err := Decode([]byte{byte(tagSendMessage), CodecVersion, '{'})
	require.ErrorIs(t, err, ErrCorruptPayload)

	_, err = Decode([]byte{byte(tagSendMessage)})
	require.ErrorIs(t, err, ErrCorruptPayload)

	_, err = Decode(append([]byte{byte(tagAddWriter), CodecVersion}, []byte(`{"key":null}`)...))
	require.ErrorIs(t, err, ErrCorruptPayload)
}

func TestDecodeAcceptsDoubleEncodedAttachments(t *testing.T) {
	body := `{"id":"m1","content":"x","sender":"s","timestamp":1,"attachments":"[{\"name\":\"f.txt\",\"size\":2,\"blob_id\":\"b\",\"core_id\":\"c\"}]"}`
	raw := append([]byte{byte(tagSendMessage), CodecVersion}, []byte(body)...)

	message, ok, err := DecodeMessage(raw)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, message.LegacyAttachmentEncoding())
	require.True(t, message.HasAttachments)
	require.Len(t, message.Attachments, 1)
	require.Equal(t, "f.txt", message.Attachments[0].Name)

	reencoded, err := Encode(SendMessage{Message: message})
	require.NoError(t, err)
	roundTrip, _, err := DecodeMessage(reencoded)
	require.NoError(t, err)
	require.False(t, roundTrip.LegacyAttachmentEncoding())
}

func TestEncodeNamedValidatesSchema(t *testing.T) {
	raw, err := EncodeNamed(NameDeleteMessage, map[string]string{"id": "m9"})
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, DeleteMessage{ID: "m9"}, decoded)

	_, err = EncodeNamed(NameDeleteMessage, map[string]string{})
	require.ErrorIs(t, err, ErrCorruptPayload)

	_, err = EncodeNamed("rename-room", map[string]string{})
	require.ErrorIs(t, err, ErrUnknownCommand)
}

type recordingTarget struct {
	seen []Name
}

func TestRouterDispatchesRegisteredHandler(t *testing.T) {
	router := NewRouter[*recordingTarget]()
	router.Register(NameAddWriter, func(_ context.Context, cmd Command, target *recordingTarget) error {
		target.seen = append(target.seen, cmd.Name())
		return nil
	})
	raw, err := router.Encode(AddWriter{Key: []byte{1}})
	require.NoError(t, err)

	target := &recordingTarget{}
	cmd, err := router.Dispatch(context.Background(), raw, target)
	require.NoError(t, err)
	require.Equal(t, NameAddWriter, cmd.Name())
	require.Equal(t, []Name{NameAddWriter}, target.seen)
}

func TestRouterReportsUnknownCommands(t *testing.T) {
	router := NewRouter[*recordingTarget]()
	target := &recordingTarget{}

	_, err := router.Dispatch(context.Background(), []byte{0x42, CodecVersion}, target)
	require.ErrorIs(t, err, ErrUnknownCommand)

	raw, err := Encode(DeleteMessage{ID: "x"})
	require.NoError(t, err)
	_, err = router.Dispatch(context.Background(), raw, target)
	require.True(t, errors.Is(err, ErrUnknownCommand))
	require.Empty(t, target.seen)
}
