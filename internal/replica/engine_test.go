package replica

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/peerchat/internal/commands"
	"github.com/MarcoPoloResearchLab/peerchat/internal/view"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testRoomID = "room-1"

type testSigner struct {
	private ed25519.PrivateKey
}

func newTestSigner(t *testing.T) testSigner {
	t.Helper()
	_, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testSigner{private: private}
}

func (s testSigner) PublicKey() ed25519.PublicKey {
	return s.private.Public().(ed25519.PublicKey)
}

func (s testSigner) Sign(message []byte) []byte {
	return ed25519.Sign(s.private, message)
}

func newTestEngine(t *testing.T, log Log, signer Signer) *Engine {
	t.Helper()
	dir := t.TempDir()
	logStore, err := OpenLogStore(filepath.Join(dir, "log.db"), zap.NewNop())
	require.NoError(t, err)
	viewStore, err := view.Open(filepath.Join(dir, "view.db"), zap.NewNop())
	require.NoError(t, err)

	engine, err := NewEngine(EngineConfig{
		RoomID:   testRoomID,
		Log:      log,
		LogStore: logStore,
		View:     viewStore,
		Signer:   signer,
		Logger:   zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		engine.Close()
		_ = logStore.Close()
		_ = viewStore.Close()
	})
	return engine
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustEntry(t *testing.T, signer Signer, seq uint64, cmd commands.Command) LogEntry {
	t.Helper()
	payload, err := commands.Encode(cmd)
	require.NoError(t, err)
	entry := SignEntry(testRoomID, signer, payload)
	entry.Seq = seq
	return entry
}

func TestSendMessageThenList(t *testing.T) {
	ctx := testContext(t)
	log := NewMemoryLog()
	engine := newTestEngine(t, log, newTestSigner(t))
	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.Bootstrap(ctx, commands.RoomPayload{ID: testRoomID, Name: "general", CreatedAt: 1}))

	seq, err := engine.Append(ctx, commands.SendMessage{Message: commands.MessagePayload{
		ID: "1000-abc", Content: "hi", Sender: "alice", Timestamp: 1000,
	}})
	require.NoError(t, err)
	require.NoError(t, engine.WaitApplied(ctx, seq))

	query := view.NewQuery()
	query.Limit = 10
	messages, err := engine.View().GetMessages(ctx, query)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "1000-abc", messages[0].ID)
	require.Equal(t, "hi", messages[0].Content)

	count, err := engine.View().MessageCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestReplicasConverge(t *testing.T) {
	ctx := testContext(t)
	log := NewMemoryLog()
	owner := newTestEngine(t, log, newTestSigner(t))
	follower := newTestEngine(t, log, newTestSigner(t))
	require.NoError(t, owner.Start(ctx))
	require.NoError(t, follower.Start(ctx))
	require.NoError(t, owner.Bootstrap(ctx, commands.RoomPayload{ID: testRoomID, Name: "general", CreatedAt: 1}))

	var last uint64
	for index, content := range []string{"one", "two", "three"} {
		seq, err := owner.Append(ctx, commands.SendMessage{Message: commands.MessagePayload{
			ID: content, Content: content, Sender: "alice", Timestamp: int64(100 + index),
		}})
		require.NoError(t, err)
		last = seq
	}
	seq, err := owner.Append(ctx, commands.DeleteMessage{ID: "two"})
	require.NoError(t, err)
	require.Greater(t, seq, last)
	seq, err = owner.Append(ctx, commands.SetMetadata{Room: commands.RoomPayload{ID: testRoomID, Name: "renamed", CreatedAt: 1}})
	require.NoError(t, err)

	require.NoError(t, owner.WaitApplied(ctx, seq))
	require.NoError(t, follower.WaitApplied(ctx, seq))

	ownerSnapshot, err := owner.Snapshot(ctx)
	require.NoError(t, err)
	followerSnapshot, err := follower.Snapshot(ctx)
	require.NoError(t, err)
	require.JSONEq(t, string(ownerSnapshot), string(followerSnapshot))

	metadata, err := follower.View().Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, "renamed", metadata.Name)
	require.EqualValues(t, 3, metadata.MessageCount)
}

func TestCrossAddWriterInEitherOrder(t *testing.T) {
	ctx := testContext(t)
	first := newTestSigner(t)
	second := newTestSigner(t)

	addSecond := commands.AddWriter{Key: second.PublicKey()}
	addFirst := commands.AddWriter{Key: first.PublicKey()}

	forward := newTestEngine(t, NewMemoryLog(), first)
	require.NoError(t, forward.Apply(ctx, []LogEntry{
		mustEntry(t, first, 1, addSecond),
		mustEntry(t, second, 2, addFirst),
	}))

	backward := newTestEngine(t, NewMemoryLog(), second)
	require.NoError(t, backward.Apply(ctx, []LogEntry{
		mustEntry(t, second, 1, addFirst),
		mustEntry(t, first, 2, addSecond),
	}))

	for _, engine := range []*Engine{forward, backward} {
		writers, err := engine.View().Writers(ctx)
		require.NoError(t, err)
		require.Len(t, writers, 2)
		require.ElementsMatch(t, [][]byte{first.PublicKey(), second.PublicKey()}, writers)
	}
}

func TestApplySkipsBadEntriesAndAdvancesCursor(t *testing.T) {
	ctx := testContext(t)
	signer := newTestSigner(t)
	engine := newTestEngine(t, NewMemoryLog(), signer)

	forged := mustEntry(t, signer, 2, commands.AddWriter{Key: []byte("intruder")})
	forged.Payload = append([]byte(nil), forged.Payload...)
	forged.Payload[len(forged.Payload)-2] ^= 0xff

	unknown := SignEntry(testRoomID, signer, []byte{0x7f, commands.CodecVersion, '{', '}'})
	unknown.Seq = 3

	corrupt := SignEntry(testRoomID, signer, []byte{0x04, commands.CodecVersion, '['})
	corrupt.Seq = 4

	require.NoError(t, engine.Apply(ctx, []LogEntry{
		mustEntry(t, signer, 1, commands.AddWriter{Key: signer.PublicKey()}),
		forged,
		unknown,
		corrupt,
		mustEntry(t, signer, 5, commands.SetMetadata{Room: commands.RoomPayload{ID: testRoomID, Name: "ok"}}),
	}))

	cursor, err := engine.View().Cursor(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5, cursor)

	writers, err := engine.View().Writers(ctx)
	require.NoError(t, err)
	require.Equal(t, [][]byte{[]byte(signer.PublicKey())}, writers)

	metadata, err := engine.View().Metadata(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", metadata.Name)
}

func TestApplyIgnoresRedeliveredEntries(t *testing.T) {
	ctx := testContext(t)
	signer := newTestSigner(t)
	engine := newTestEngine(t, NewMemoryLog(), signer)

	entries := []LogEntry{
		mustEntry(t, signer, 1, commands.SetMetadata{Room: commands.RoomPayload{ID: testRoomID, Name: "general"}}),
		mustEntry(t, signer, 2, commands.SendMessage{Message: commands.MessagePayload{ID: "m", Content: "x", Sender: "a", Timestamp: 1}}),
	}
	require.NoError(t, engine.Apply(ctx, entries))
	require.NoError(t, engine.Apply(ctx, entries))

	count, err := engine.View().MessageCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}

func TestRebuildReproducesView(t *testing.T) {
	ctx := testContext(t)
	log := NewMemoryLog()
	engine := newTestEngine(t, log, newTestSigner(t))
	require.NoError(t, engine.Start(ctx))
	require.NoError(t, engine.Bootstrap(ctx, commands.RoomPayload{ID: testRoomID, Name: "general", CreatedAt: 1}))

	seq, err := engine.Append(ctx, commands.SendMessage{Message: commands.MessagePayload{
		ID: "m-1", Content: "hello", Sender: "alice", Timestamp: 5,
		Attachments: []commands.Attachment{{Name: "a.txt", Size: 3, BlobID: "b", CoreID: "c"}},
	}})
	require.NoError(t, err)
	require.NoError(t, engine.WaitApplied(ctx, seq))

	before, err := engine.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, engine.Rebuild(ctx))
	after, err := engine.Snapshot(ctx)
	require.NoError(t, err)
	require.JSONEq(t, string(before), string(after))
}

func TestNewMessageListener(t *testing.T) {
	ctx := testContext(t)
	engine := newTestEngine(t, NewMemoryLog(), newTestSigner(t))
	require.NoError(t, engine.Start(ctx))

	var mu sync.Mutex
	var received []view.Message
	remove := engine.OnNewMessage(func(message view.Message) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, message)
	})
	engine.OnNewMessage(func(view.Message) { panic("listener failure") })

	require.NoError(t, engine.Bootstrap(ctx, commands.RoomPayload{ID: testRoomID, Name: "general", CreatedAt: 1}))
	seq, err := engine.Append(ctx, commands.SendMessage{Message: commands.MessagePayload{ID: "n", Content: "new", Sender: "bob", Timestamp: 7}})
	require.NoError(t, err)
	require.NoError(t, engine.WaitApplied(ctx, seq))

	mu.Lock()
	require.Len(t, received, 1)
	require.Equal(t, "new", received[0].Content)
	mu.Unlock()

	remove()
	seq, err = engine.Append(ctx, commands.SendMessage{Message: commands.MessagePayload{ID: "o", Content: "other", Sender: "bob", Timestamp: 8}})
	require.NoError(t, err)
	require.NoError(t, engine.WaitApplied(ctx, seq))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
}

func TestAppendWaitsForWriterMembership(t *testing.T) {
	engine := newTestEngine(t, NewMemoryLog(), newTestSigner(t))
	require.NoError(t, engine.Start(testContext(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := engine.Append(ctx, commands.DeleteMessage{ID: "x"})
	require.ErrorIs(t, err, ErrNotWritable)
}

func TestSignEntryNonceSeparatesIdenticalCommands(t *testing.T) {
	signer := newTestSigner(t)
	payload, err := commands.Encode(commands.SetMetadata{Room: commands.RoomPayload{ID: testRoomID, Name: "general"}})
	require.NoError(t, err)

	first := SignEntry(testRoomID, signer, payload)
	second := SignEntry(testRoomID, signer, payload)
	require.Len(t, first.Nonce, nonceSize)
	require.NotEqual(t, first.Nonce, second.Nonce)
	require.NotEqual(t, first.Hash(), second.Hash())
	require.NoError(t, VerifyEntry(testRoomID, first))
	require.NoError(t, VerifyEntry(testRoomID, second))

	swapped := first
	swapped.Nonce = second.Nonce
	require.ErrorIs(t, VerifyEntry(testRoomID, swapped), ErrInvalidSignature)

	legacy := LogEntry{
		Writer:    []byte(signer.PublicKey()),
		Payload:   payload,
		Signature: signer.Sign(signingBytes(testRoomID, signer.PublicKey(), nil, payload)),
	}
	require.NoError(t, VerifyEntry(testRoomID, legacy))
}

func TestLogStoreKeepsNonce(t *testing.T) {
	ctx := testContext(t)
	store, err := OpenLogStore(filepath.Join(t.TempDir(), "log.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	entry := mustEntry(t, newTestSigner(t), 1, commands.AddWriter{Key: []byte("key")})
	stored, err := store.Put(ctx, []LogEntry{entry})
	require.NoError(t, err)
	require.Equal(t, 1, stored)

	entries, err := store.Range(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, entry.Nonce, entries[0].Nonce)
	require.NoError(t, VerifyEntry(testRoomID, entries[0]))
}
